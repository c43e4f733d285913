package socket

import (
	"fmt"

	"github.com/eshenhu/doipnode/gateway"
)

// Local addresses are configured by the host. A request is granted right
// away and DHCP options are only kept in memory.

func (t *Transport) assign(local string, state gateway.IPState) {
	t.mu.Lock()
	t.assigned[local] = state == gateway.IPAssigned
	t.mu.Unlock()
	t.events.push(func(e Engine) {
		e.IPAssignmentChanged(local, state)
	})
}

// RequestIPAssignment implements gateway.Transport.
func (t *Transport) RequestIPAssignment(local string) error {
	t.log.Debugf("assignment of %s requested", local)
	t.assign(local, gateway.IPAssigned)
	return nil
}

// ReleaseIPAssignment implements gateway.Transport.
func (t *Transport) ReleaseIPAssignment(local string) error {
	t.log.Debugf("assignment of %s released", local)
	t.assign(local, gateway.IPUnassigned)
	return nil
}

// Assigned reports whether local is currently assigned.
func (t *Transport) Assigned(local string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.assigned[local]
}

// ReadDHCPOption implements gateway.Transport.
func (t *Transport) ReadDHCPOption(local string, code uint8) ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.dhcp[local][code]
	if !ok {
		return nil, fmt.Errorf("%w: %s option %d", ErrNoOption, local, code)
	}
	return append([]byte(nil), v...), nil
}

// WriteDHCPOption implements gateway.Transport.
func (t *Transport) WriteDHCPOption(local string, code uint8, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	opts := t.dhcp[local]
	if opts == nil {
		opts = make(map[uint8][]byte)
		t.dhcp[local] = opts
	}
	opts[code] = append([]byte(nil), data...)
	return nil
}
