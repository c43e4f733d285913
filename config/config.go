// Package config loads a DoIP node description from a HuJSON file (JSON
// with comments and trailing commas) and builds the engine, transport and
// responder configurations from it.
package config

import (
	"bytes"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/tailscale/hujson"

	"github.com/eshenhu/doipnode/channel"
	"github.com/eshenhu/doipnode/gateway"
	"github.com/eshenhu/doipnode/socket"
	"github.com/eshenhu/doipnode/uds"
)

const v1 = "v1"

// Config is a loaded config file.
type Config struct {
	Raw []byte // raw bytes, in HuJSON form
	Std []byte // standardized JSON form

	Parsed File

	Gateway gateway.Config
	Socket  socket.Config
	DIDs    map[uint16][]byte
	DTCs    []uds.DTC
}

// File is the schema of the config file.
type File struct {
	Version string // "v1"

	LogicalAddress  Hex16
	VIN             string   `json:",omitempty"`
	EID             HexBytes `json:",omitempty"`
	GID             HexBytes `json:",omitempty"`
	ProtocolVersion uint8    `json:",omitempty"`
	NodeType        uint8    `json:",omitempty"`
	SyncStatus      *uint8   `json:",omitempty"`

	MaxRequestBytes   uint32   `json:",omitempty"`
	ReportMaxDataSize bool     `json:",omitempty"`
	PollPeriod        Duration `json:",omitempty"`
	TxQueueSize       int      `json:",omitempty"`
	DiagPrefixLength  int      `json:",omitempty"`
	AckEchoLength     int      `json:",omitempty"`
	SizeRouting       bool     `json:",omitempty"`
	RetryListSize     int      `json:",omitempty"`
	RetryAttempts     int      `json:",omitempty"`

	TLS *TLSFile `json:",omitempty"`

	Interfaces  []InterfaceFile
	Testers     []TesterFile
	Activations []ActivationFile
	Channels    []ChannelFile

	// DIDs maps a hex data identifier to its hex encoded value.
	DIDs map[string]HexBytes `json:",omitempty"`
	DTCs []DTCFile           `json:",omitempty"`
}

type TLSFile struct {
	CertFile string
	KeyFile  string
}

type InterfaceFile struct {
	Name        string
	StartActive *bool `json:",omitempty"` // defaults to true
	Locals      []LocalFile
	Sockets     []SocketFile

	MaxActiveConnections     int      `json:",omitempty"`
	InitialInactivityTimeout Duration `json:",omitempty"`
	GeneralInactivityTimeout Duration `json:",omitempty"`
	AliveCheckTimeout        Duration `json:",omitempty"`
	AliveCheckMargin         Duration `json:",omitempty"`
	DeactivationTimeout      Duration `json:",omitempty"`

	AnnounceAddr     string   `json:",omitempty"` // "255.255.255.255:13400"
	AnnounceWait     Duration `json:",omitempty"`
	AnnounceInterval Duration `json:",omitempty"`
	AnnounceCount    int      `json:",omitempty"`
	UDPAliveTimeout  Duration `json:",omitempty"`
	DHCPHostname     string   `json:",omitempty"`
}

type LocalFile struct {
	Name              string
	RequestAssignment bool `json:",omitempty"`
}

type SocketFile struct {
	Name string
	Kind string // "udp", "udp-announcement", "tcp" or "tls"
	Addr string
	// Local names the local address of the socket, the first one when empty.
	Local     string `json:",omitempty"`
	Broadcast *bool  `json:",omitempty"` // defaults to true on announcement sockets
}

type TesterFile struct {
	Address     Hex16 `json:",omitempty"`
	Default     bool  `json:",omitempty"`
	Activations []int `json:",omitempty"`
}

type ActivationFile struct {
	Number           uint8
	SecurityRequired bool     `json:",omitempty"`
	Channels         []string `json:",omitempty"` // channel names
}

type ChannelFile struct {
	Name string
	// Tester is the address of the owning tester, the default tester when
	// zero.
	Tester         Hex16 `json:",omitempty"`
	Address        Hex16
	Mask           Hex16  `json:",omitempty"`
	MaxMessageSize uint32 `json:",omitempty"`
	MaxPduSize     uint32 `json:",omitempty"`
	Default        bool   `json:",omitempty"`
}

type DTCFile struct {
	Code   Hex32
	Status uint8
}

// Load reads and parses the config file at path. Relative TLS file names
// are resolved against the directory of path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(raw, filepath.Dir(path))
}

// Parse parses raw and builds the configurations. dir is the base of
// relative file names.
func Parse(raw []byte, dir string) (*Config, error) {
	c := &Config{Raw: raw}
	var err error
	c.Std, err = hujson.Standardize(c.Raw)
	if err != nil {
		return nil, fmt.Errorf("error parsing config as HuJSON/JSON: %w", err)
	}
	dec := json.NewDecoder(bytes.NewReader(c.Std))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&c.Parsed); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	switch c.Parsed.Version {
	case v1:
	case "":
		return nil, errors.New("error parsing config: no \"version\" field provided")
	default:
		return nil, fmt.Errorf("error parsing config: unsupported \"version\" value %q; want %q", c.Parsed.Version, v1)
	}
	if err := c.build(dir); err != nil {
		return nil, fmt.Errorf("error parsing config: %w", err)
	}
	return c, nil
}

func (c *Config) build(dir string) error {
	f := &c.Parsed
	g := &c.Gateway
	g.LogicalAddress = uint16(f.LogicalAddress)
	g.VIN = f.VIN
	if err := fixed(g.EID[:], f.EID, "EID"); err != nil {
		return err
	}
	if err := fixed(g.GID[:], f.GID, "GID"); err != nil {
		return err
	}
	g.ProtocolVersion = f.ProtocolVersion
	g.NodeType = f.NodeType
	if f.SyncStatus != nil {
		g.SyncStatus, g.HasSyncStatus = *f.SyncStatus, true
	}
	g.MaxRequestBytes = f.MaxRequestBytes
	g.ReportMaxDataSize = f.ReportMaxDataSize
	g.PollPeriod = time.Duration(f.PollPeriod)
	g.TxQueueSize = f.TxQueueSize
	g.DiagPrefixLength = f.DiagPrefixLength
	g.AckEchoLength = f.AckEchoLength
	g.SizeRouting = f.SizeRouting
	g.RetryListSize = f.RetryListSize
	g.RetryAttempts = f.RetryAttempts

	if f.TLS != nil {
		cert, err := tls.LoadX509KeyPair(abs(dir, f.TLS.CertFile), abs(dir, f.TLS.KeyFile))
		if err != nil {
			return err
		}
		c.Socket.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	for _, fi := range f.Interfaces {
		ic, err := c.buildInterface(fi)
		if err != nil {
			return fmt.Errorf("interface %q: %w", fi.Name, err)
		}
		g.Interfaces = append(g.Interfaces, ic)
	}

	testers := make(map[uint16]int)
	def := -1
	for i, ft := range f.Testers {
		g.Testers = append(g.Testers, gateway.TesterConfig{
			Address:     uint16(ft.Address),
			Default:     ft.Default,
			Activations: ft.Activations,
		})
		if ft.Default {
			def = i
		} else {
			testers[uint16(ft.Address)] = i
		}
	}

	chans := make(map[string]channel.ID)
	for i, fc := range f.Channels {
		t, ok := testers[uint16(fc.Tester)]
		if fc.Tester == 0 && def >= 0 {
			t, ok = def, true
		}
		if !ok {
			return fmt.Errorf("channel %q: unknown tester %#04x", fc.Name, uint16(fc.Tester))
		}
		if _, dup := chans[fc.Name]; dup {
			return fmt.Errorf("channel %q: duplicate name", fc.Name)
		}
		chans[fc.Name] = channel.ID(i)
		g.Channels = append(g.Channels, channel.Config{
			Name:           fc.Name,
			Tester:         t,
			Address:        uint16(fc.Address),
			Mask:           uint16(fc.Mask),
			MaxMessageSize: fc.MaxMessageSize,
			MaxPduSize:     fc.MaxPduSize,
			Default:        fc.Default,
		})
	}

	for _, fa := range f.Activations {
		ac := gateway.ActivationConfig{Number: fa.Number, SecurityRequired: fa.SecurityRequired}
		for _, n := range fa.Channels {
			id, ok := chans[n]
			if !ok {
				return fmt.Errorf("activation %#02x: unknown channel %q", fa.Number, n)
			}
			ac.Channels = append(ac.Channels, id)
		}
		g.Activations = append(g.Activations, ac)
	}

	c.DIDs = make(map[uint16][]byte, len(f.DIDs))
	for k, v := range f.DIDs {
		did, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(k), "0x"), 16, 16)
		if err != nil {
			return fmt.Errorf("DID %q: %w", k, err)
		}
		c.DIDs[uint16(did)] = v
	}
	for _, d := range f.DTCs {
		c.DTCs = append(c.DTCs, uds.DTC{Code: uint32(d.Code), Status: d.Status})
	}
	return nil
}

func (c *Config) buildInterface(fi InterfaceFile) (gateway.InterfaceConfig, error) {
	ic := gateway.InterfaceConfig{
		Name:                     fi.Name,
		StartActive:              fi.StartActive == nil || *fi.StartActive,
		MaxActiveConnections:     fi.MaxActiveConnections,
		InitialInactivityTimeout: time.Duration(fi.InitialInactivityTimeout),
		GeneralInactivityTimeout: time.Duration(fi.GeneralInactivityTimeout),
		AliveCheckTimeout:        time.Duration(fi.AliveCheckTimeout),
		AliveCheckMargin:         time.Duration(fi.AliveCheckMargin),
		DeactivationTimeout:      time.Duration(fi.DeactivationTimeout),
		AnnounceWait:             time.Duration(fi.AnnounceWait),
		AnnounceInterval:         time.Duration(fi.AnnounceInterval),
		AnnounceCount:            fi.AnnounceCount,
		UDPAliveTimeout:          time.Duration(fi.UDPAliveTimeout),
		DHCPHostname:             fi.DHCPHostname,
	}
	if fi.AnnounceAddr != "" {
		ap, err := netip.ParseAddrPort(fi.AnnounceAddr)
		if err != nil {
			return ic, err
		}
		ic.AnnounceAddr = ap
	}
	locals := make(map[string]int)
	for i, l := range fi.Locals {
		ic.LocalAddrs = append(ic.LocalAddrs, gateway.LocalAddrConfig{
			Name:              l.Name,
			RequestAssignment: l.RequestAssignment,
		})
		locals[l.Name] = i
		if !l.RequestAssignment {
			c.Socket.Locals = append(c.Socket.Locals, l.Name)
		}
	}
	for _, fs := range fi.Sockets {
		local := 0
		if fs.Local != "" {
			l, ok := locals[fs.Local]
			if !ok {
				return ic, fmt.Errorf("socket %q: unknown local address %q", fs.Name, fs.Local)
			}
			local = l
		}
		sc := socket.SocketConfig{Name: fs.Name, Addr: fs.Addr}
		cc := gateway.ConnectionConfig{Socket: fs.Name, LocalAddr: local}
		switch fs.Kind {
		case "udp":
			sc.Net, cc.Kind = socket.NetUDP, gateway.KindUDP
			sc.Broadcast = fs.Broadcast != nil && *fs.Broadcast
		case "udp-announcement":
			sc.Net, cc.Kind = socket.NetUDP, gateway.KindUDPAnnouncement
			sc.Broadcast = fs.Broadcast == nil || *fs.Broadcast
		case "tcp":
			sc.Net, cc.Kind = socket.NetTCP, gateway.KindTCP
		case "tls":
			sc.Net, cc.Kind, cc.Secured = socket.NetTCPTLS, gateway.KindTCP, true
		default:
			return ic, fmt.Errorf("socket %q: unknown kind %q", fs.Name, fs.Kind)
		}
		c.Socket.Sockets = append(c.Socket.Sockets, sc)
		ic.Connections = append(ic.Connections, cc)
	}
	return ic, nil
}

func fixed(dst []byte, v HexBytes, name string) error {
	if len(v) == 0 {
		return nil
	}
	if len(v) != len(dst) {
		return fmt.Errorf("%s has %d bytes, want %d", name, len(v), len(dst))
	}
	copy(dst, v)
	return nil
}

func abs(dir, name string) string {
	if filepath.IsAbs(name) {
		return name
	}
	return filepath.Join(dir, name)
}
