package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/eshenhu/doipnode/gateway"
)

// session is one accepted connection bound to a socket.
type session struct {
	sock *sock
	id   gateway.SocketID
	conn net.Conn
	done chan struct{}
	// tx carries the length announced by TpTransmit.
	tx   chan int
	wake chan struct{}
	once sync.Once
}

func (ss *session) close(abort bool) {
	ss.once.Do(func() {
		close(ss.done)
		if abort {
			if tc, ok := rawConn(ss.conn).(*net.TCPConn); ok {
				tc.SetLinger(0)
			}
		}
		ss.conn.Close()
	})
}

func rawConn(c net.Conn) net.Conn {
	if tc, ok := c.(*tls.Conn); ok {
		return tc.NetConn()
	}
	return c
}

func (t *Transport) serveTCP(ctx context.Context, e Engine, l *listener) error {
	for {
		rw, err := l.ln.Accept()
		if err != nil {
			if t.isClosed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("socket: accept on %s: %w", l.addr, err)
		}
		ss := t.attach(l, rw)
		if ss == nil {
			t.log.Infof("%s: no free socket for %s", l.addr, rw.RemoteAddr())
			rw.Close()
			continue
		}
		t.wg.Add(2)
		go func() {
			defer t.wg.Done()
			t.writeLoop(e, ss)
		}()
		go func() {
			defer t.wg.Done()
			t.serveConn(ctx, e, ss)
		}()
	}
}

// attach binds rw to the first listening socket of l.
func (t *Transport) attach(l *listener, rw net.Conn) *session {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	for _, s := range l.socks {
		if s.state != stateListening || s.sess != nil {
			continue
		}
		ss := &session{
			sock: s,
			id:   s.id,
			conn: rw,
			done: make(chan struct{}),
			tx:   make(chan int, 1),
			wake: make(chan struct{}, 1),
		}
		s.state = stateOnline
		s.sess = ss
		t.conns[ss] = struct{}{}
		return ss
	}
	return nil
}

func (t *Transport) detach(ss *session) {
	t.mu.Lock()
	if ss.sock.sess == ss {
		ss.sock.sess = nil
		if ss.sock.state == stateOnline {
			ss.sock.state = stateClosed
		}
	}
	delete(t.conns, ss)
	t.mu.Unlock()
	ss.close(false)
}

func (t *Transport) current(ss *session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return ss.sock.sess == ss
}

func (t *Transport) serveConn(ctx context.Context, e Engine, ss *session) {
	t.log.Debugf("%s: connection from %s", ss.sock.cfg.Name, ss.conn.RemoteAddr())
	e.SocketModeChanged(ss.id, gateway.SocketOnline)
	err := t.readLoop(ctx, e, ss)
	t.detach(ss)
	t.log.Debugf("%s: connection from %s ended: %v", ss.sock.cfg.Name, ss.conn.RemoteAddr(), err)
	e.TpRxIndication(ss.id, err)
	e.SocketModeChanged(ss.id, gateway.SocketOffline)
}

// readLoop feeds the engine until the connection fails. Bytes the engine
// does not take are offered again after RetryInterval.
func (t *Transport) readLoop(ctx context.Context, e Engine, ss *session) error {
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		avail, err := e.TpStartOfReception(ss.id)
		if err != nil {
			return err
		}
		if avail == 0 {
			if !t.wait(ctx, ss) {
				return ErrClosed
			}
			continue
		}
		n, err := ss.conn.Read(buf)
		data := buf[:n]
		for len(data) > 0 {
			k, derr := e.CopyRxData(ss.id, data)
			if derr != nil {
				return derr
			}
			data = data[k:]
			if k == 0 && !t.wait(ctx, ss) {
				return ErrClosed
			}
		}
		if err != nil {
			return err
		}
	}
}

func (t *Transport) wait(ctx context.Context, ss *session) bool {
	timer := time.NewTimer(t.cfg.RetryInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-ss.done:
		return false
	case <-ss.wake:
		return true
	case <-timer.C:
		return true
	}
}

func (t *Transport) writeLoop(e Engine, ss *session) {
	buf := make([]byte, t.cfg.ReadBufferSize)
	for {
		select {
		case <-ss.done:
			return
		case n := <-ss.tx:
			err := t.transmit(e, ss, buf, n)
			if !t.current(ss) {
				return
			}
			e.TxConfirmation(ss.id, err)
		}
	}
}

func (t *Transport) transmit(e Engine, ss *session, buf []byte, length int) error {
	for length > 0 {
		b := buf
		if len(b) > length {
			b = b[:length]
		}
		n, err := e.CopyTxData(ss.id, b)
		if err != nil {
			return err
		}
		if n == 0 {
			if !t.wait(context.Background(), ss) {
				return ErrClosed
			}
			continue
		}
		if _, err := ss.conn.Write(b[:n]); err != nil {
			return err
		}
		length -= n
	}
	return nil
}

// TpTransmit implements gateway.Transport.
func (t *Transport) TpTransmit(id gateway.SocketID, length int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sock(id)
	if s == nil || s.group == nil {
		return ErrUnknownSocket
	}
	if s.sess == nil {
		return ErrClosed
	}
	select {
	case s.sess.tx <- length:
		return nil
	default:
		return gateway.ErrBusy
	}
}

// TpCancel implements gateway.Transport. The running transmission ends with
// the error the engine returns on the next copy.
func (t *Transport) TpCancel(id gateway.SocketID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sock(id)
	if s == nil || s.group == nil {
		return ErrUnknownSocket
	}
	if s.sess == nil {
		return ErrClosed
	}
	select {
	case s.sess.wake <- struct{}{}:
	default:
	}
	return nil
}
