// Package channel resolves logical target addresses of diagnostic messages to
// the internal diagnostic channels they are forwarded on.
package channel

import (
	"errors"
	"fmt"
	"math"
	"sort"
)

// ID indexes a channel in the Table.
type ID int

// None is returned when no channel was resolved.
const None ID = -1

// Config describes one diagnostic channel.
type Config struct {
	Name string
	// Tester is the index of the tester owning the channel. The table does
	// not interpret it.
	Tester int
	// Address is the logical address of the target (ECU or functional group).
	Address uint16
	// Mask selects the address bits compared during resolution. Zero means
	// an exact match. A masked channel puts its set in linear scan mode.
	Mask uint16
	// MaxMessageSize is the largest diagnostic payload accepted, zero is unlimited.
	MaxMessageSize uint32
	// MaxPduSize is the upper bound used by size based routing, zero is unlimited.
	MaxPduSize uint32
	// Default marks the channel used for its address when size based
	// routing is off.
	Default bool
}

// Result classifies a resolution.
type Result int

const (
	// Found means the returned ID is usable.
	Found Result = iota
	// TooLarge means the address is known but no channel accepts the length.
	TooLarge
	// Unknown means no channel in the set serves the address.
	Unknown
)

func (r Result) String() string {
	switch r {
	case Found:
		return "found"
	case TooLarge:
		return "too large"
	case Unknown:
		return "unknown"
	}
	return fmt.Sprintf("Result(%d)", int(r))
}

var (
	errNoChannels = errors.New("channel: empty table")
	errBadSet     = errors.New("channel: set references unknown channel")
)

// set is an address sorted indirection over a subset of the channels.
type set struct {
	ids    []ID
	masked bool
}

// Table is the static channel table with one sorted indirection per channel
// set. It is not safe for concurrent use.
type Table struct {
	chans []Config
	sets  []set
	all   set
}

// New builds a table. sets lists, per routing activation scope, the
// channels reachable in that scope.
func New(chans []Config, sets [][]ID) (*Table, error) {
	if len(chans) == 0 {
		return nil, errNoChannels
	}
	t := &Table{chans: append([]Config(nil), chans...)}
	for i, ids := range sets {
		for _, id := range ids {
			if id < 0 || int(id) >= len(chans) {
				return nil, fmt.Errorf("%w: set %d, channel %d", errBadSet, i, id)
			}
		}
		t.sets = append(t.sets, set{ids: append([]ID(nil), ids...)})
	}
	all := make([]ID, len(chans))
	for i := range all {
		all[i] = ID(i)
	}
	t.all = set{ids: all}
	t.sortAll()
	return t, nil
}

// Len returns the number of channels.
func (t *Table) Len() int { return len(t.chans) }

// Sets returns the number of channel sets.
func (t *Table) Sets() int { return len(t.sets) }

// Get returns the configuration of id.
func (t *Table) Get(id ID) Config { return t.chans[id] }

// SetAddress rebinds a channel to another logical address at runtime.
func (t *Table) SetAddress(id ID, addr uint16) error {
	if id < 0 || int(id) >= len(t.chans) {
		return fmt.Errorf("channel: no channel %d", id)
	}
	t.chans[id].Address = addr
	t.sortAll()
	return nil
}

func (t *Table) sortAll() {
	t.sort(&t.all)
	for i := range t.sets {
		t.sort(&t.sets[i])
	}
}

func (t *Table) sort(s *set) {
	sort.SliceStable(s.ids, func(i, j int) bool {
		a, b := t.chans[s.ids[i]], t.chans[s.ids[j]]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return s.ids[i] < s.ids[j]
	})
	s.masked = false
	for _, id := range s.ids {
		if t.chans[id].Mask != 0 {
			s.masked = true
			break
		}
	}
}

// Resolve finds the channel of set serving target for a payload of length
// bytes. With sizeRouting the channel whose MaxPduSize is the tightest upper
// bound of length wins; without it the default channel of the address does.
func (t *Table) Resolve(setIdx int, target uint16, length uint32, sizeRouting bool) (ID, Result) {
	if setIdx < 0 || setIdx >= len(t.sets) {
		return None, Unknown
	}
	return t.resolve(&t.sets[setIdx], target, length, sizeRouting)
}

// Known reports whether any channel of the table serves target, regardless
// of scope or size. It tells an unknown target from an unreachable one.
func (t *Table) Known(target uint16) bool {
	if t.all.masked {
		for _, id := range t.all.ids {
			if t.matches(id, target) {
				return true
			}
		}
		return false
	}
	_, _, ok := t.group(&t.all, target)
	return ok
}

func (t *Table) resolve(s *set, target uint16, length uint32, sizeRouting bool) (ID, Result) {
	if s.masked {
		return t.scan(s, target, length, sizeRouting)
	}
	lo, hi, ok := t.group(s, target)
	if !ok {
		return None, Unknown
	}
	if sizeRouting {
		best, bestLimit := None, uint64(math.MaxUint64)
		for i := lo; i <= hi; i++ {
			id := s.ids[i]
			limit := t.limit(id)
			if limit >= uint64(length) && (best == None || limit < bestLimit) {
				best, bestLimit = id, limit
			}
		}
		if best == None {
			return None, TooLarge
		}
		return best, Found
	}

	pick := s.ids[lo]
	for i := lo; i <= hi; i++ {
		if t.chans[s.ids[i]].Default {
			pick = s.ids[i]
			break
		}
	}
	if m := t.chans[pick].MaxMessageSize; m != 0 && length > m {
		return None, TooLarge
	}
	return pick, Found
}

// scan is the linear resolver for sets holding masked channels.
func (t *Table) scan(s *set, target uint16, length uint32, sizeRouting bool) (ID, Result) {
	known := false
	for _, id := range s.ids {
		if !t.matches(id, target) {
			continue
		}
		known = true
		limit := uint64(t.chans[id].MaxMessageSize)
		if sizeRouting {
			limit = t.limit(id)
		} else if limit == 0 {
			limit = math.MaxUint64
		}
		if uint64(length) <= limit {
			return id, Found
		}
	}
	if known {
		return None, TooLarge
	}
	return None, Unknown
}

func (t *Table) matches(id ID, target uint16) bool {
	c := t.chans[id]
	mask := c.Mask
	if mask == 0 {
		mask = 0xFFFF
	}
	return c.Address&mask == target&mask
}

// limit is the effective size bound of a channel for size based routing.
func (t *Table) limit(id ID) uint64 {
	c := t.chans[id]
	limit := uint64(math.MaxUint64)
	if c.MaxPduSize != 0 {
		limit = uint64(c.MaxPduSize)
	}
	if c.MaxMessageSize != 0 && uint64(c.MaxMessageSize) < limit {
		limit = uint64(c.MaxMessageSize)
	}
	return limit
}

// group binary searches any channel of s bound to target and widens the hit
// to the bounds of the group sharing that address.
func (t *Table) group(s *set, target uint16) (lo, hi int, ok bool) {
	l, r := 0, len(s.ids)-1
	hit := -1
	for l <= r {
		m := int(uint(l+r) >> 1)
		a := t.chans[s.ids[m]].Address
		switch {
		case a == target:
			hit = m
			l = r + 1
		case a < target:
			l = m + 1
		default:
			r = m - 1
		}
	}
	if hit < 0 {
		return 0, 0, false
	}
	lo, hi = hit, hit
	for lo > 0 && t.chans[s.ids[lo-1]].Address == target {
		lo--
	}
	for hi < len(s.ids)-1 && t.chans[s.ids[hi+1]].Address == target {
		hi++
	}
	return lo, hi, true
}
