package gateway

import (
	"fmt"
	"net/netip"

	"github.com/eshenhu/doipnode/doip"
)

// retryEntry is a UDP message waiting in the retry list: a response the
// transport refused, or the remaining burst of a vehicle announcement.
type retryEntry struct {
	used     bool
	conn     connID
	typ      doip.MsgTid
	param    uint32
	remote   netip.AddrPort
	attempts int
	// repeat is the number of sends left, every ticks apart.
	repeat int
	every  int
	wait   int
	// closeAfter closes the connection once the last send went out.
	closeAfter bool
}

func (e *Engine) addRetry(r retryEntry) bool {
	for i := range e.retry {
		if !e.retry[i].used {
			r.used = true
			e.retry[i] = r
			return true
		}
	}
	metricUDPDropped.WithLabelValues("retry-full").Inc()
	e.log.Warnf("retry list full, dropping payload type %#04x", uint16(r.typ))
	return false
}

func (e *Engine) dropRetries(id connID) {
	for i := range e.retry {
		if e.retry[i].used && e.retry[i].conn == id {
			e.retry[i] = retryEntry{}
		}
	}
}

func (e *Engine) scheduleAnnouncement(c *conn) {
	f := &e.ifaces[c.iface]
	e.addRetry(retryEntry{
		conn:     c.id,
		typ:      doip.VehicleAnnouncement,
		remote:   f.cfg.AnnounceAddr,
		attempts: e.cfg.RetryAttempts,
		repeat:   f.cfg.AnnounceCount,
		every:    f.announceEvery,
		wait:     f.announceWait,
	})
}

func (e *Engine) pollRetry() {
	for i := range e.retry {
		r := &e.retry[i]
		if !r.used {
			continue
		}
		c := &e.conns[r.conn]
		if e.ifaces[c.iface].state != lineActive {
			continue
		}
		if c.mode != SocketOnline {
			*r = retryEntry{}
			continue
		}
		if r.wait > 0 {
			r.wait--
			continue
		}
		if c.udp.txActive {
			continue
		}
		c.udp.txActive = true
		err := e.tr.IfTransmit(c.socket, r.remote, e.compose(c, r.typ, r.param))
		c.udp.txActive = false
		if err != nil {
			r.attempts--
			if r.attempts <= 0 {
				metricUDPDropped.WithLabelValues("retry-exhausted").Inc()
				e.report("send on "+c.cfg.Socket, fmt.Errorf("payload type %#04x to %s: %w", uint16(r.typ), r.remote, err))
				closeAfter := r.closeAfter
				*r = retryEntry{}
				if closeAfter {
					e.closeConn(c, false)
				}
			}
			continue
		}
		r.attempts = e.cfg.RetryAttempts
		r.repeat--
		if r.repeat > 0 {
			r.wait = r.every - 1
			continue
		}
		closeAfter := r.closeAfter
		*r = retryEntry{}
		if closeAfter {
			e.closeConn(c, false)
		}
	}
}
