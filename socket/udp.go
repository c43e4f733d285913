package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/eshenhu/doipnode/gateway"
)

const maxDatagram = 65535

func (t *Transport) serveUDP(e Engine, s *sock) error {
	buf := make([]byte, maxDatagram)
	for {
		n, remote, err := s.pc.ReadFromUDPAddrPort(buf)
		if err != nil {
			if t.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("socket: read on %s: %w", s.cfg.Name, err)
		}
		remote = netip.AddrPortFrom(remote.Addr().Unmap(), remote.Port())

		t.mu.Lock()
		if s.state == stateOnline {
			t.mu.Unlock()
			e.IfReceive(s.id, remote, buf[:n])
			continue
		}
		if len(s.pending) < maxPendingDatagrams {
			s.pending = append(s.pending, datagram{remote, append([]byte(nil), buf[:n]...)})
		} else {
			t.log.Debugf("%s: dropping datagram from %s", s.cfg.Name, remote)
		}
		t.mu.Unlock()
	}
}

// IfTransmit implements gateway.Transport.
func (t *Transport) IfTransmit(id gateway.SocketID, remote netip.AddrPort, data []byte) error {
	t.mu.Lock()
	s := t.sock(id)
	if s == nil || s.cfg.Net != NetUDP {
		t.mu.Unlock()
		return ErrUnknownSocket
	}
	pc := s.pc
	t.mu.Unlock()
	if pc == nil || t.isClosed() {
		return ErrClosed
	}
	_, err := pc.WriteToUDPAddrPort(data, remote)
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return gateway.ErrBusy
	}
	return err
}
