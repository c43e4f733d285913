package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Duration is a time.Duration written as a string, "500ms" or "5m".
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string: %w", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Hex16 is a 16 bit value written as a number or a string, "0x0E80".
type Hex16 uint16

func (h Hex16) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%04x", uint16(h)))
}

func (h *Hex16) UnmarshalJSON(b []byte) error {
	v, err := parseUint(b, 16)
	*h = Hex16(v)
	return err
}

// Hex32 is Hex16 for 32 bit values.
type Hex32 uint32

func (h Hex32) MarshalJSON() ([]byte, error) {
	return json.Marshal(fmt.Sprintf("0x%06x", uint32(h)))
}

func (h *Hex32) UnmarshalJSON(b []byte) error {
	v, err := parseUint(b, 32)
	*h = Hex32(v)
	return err
}

func parseUint(b []byte, bits int) (uint64, error) {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		s = string(b)
	}
	return strconv.ParseUint(s, 0, bits)
}

// HexBytes is a byte string written in hex, optionally separated by
// colons, or as plain text with an "ascii:" prefix.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	if t, ok := strings.CutPrefix(s, "ascii:"); ok {
		*h = HexBytes(t)
		return nil
	}
	v, err := hex.DecodeString(strings.ReplaceAll(s, ":", ""))
	if err != nil {
		return err
	}
	*h = v
	return nil
}
