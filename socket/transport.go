// Package socket implements gateway.Transport on top of the net package:
// TCP listener groups with optional TLS, and UDP sockets with broadcast.
//
// Every callback into the engine runs on a goroutine owned by the
// Transport, never from inside a Transport method.
package socket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"github.com/eshenhu/doipnode/gateway"
)

var (
	// ErrClosed is returned for sockets without a live connection and once
	// the Transport stopped serving.
	ErrClosed = errors.New("socket: closed")
	// ErrNotReady is returned by ResolveSocket until Serve bound every socket.
	ErrNotReady = errors.New("socket: not serving")
	// ErrUnknownSocket is returned for identifiers not handed out by ResolveSocket.
	ErrUnknownSocket = errors.New("socket: unknown socket")
	// ErrNoOption is returned by ReadDHCPOption for options never written.
	ErrNoOption = errors.New("socket: DHCP option not set")
	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("socket: invalid config")
)

// Engine is the set of callbacks a Transport drives. *gateway.Engine
// implements it.
type Engine interface {
	SocketModeChanged(s gateway.SocketID, mode gateway.SocketMode)
	IPAssignmentChanged(local string, state gateway.IPState)
	IfReceive(s gateway.SocketID, remote netip.AddrPort, data []byte)
	TpStartOfReception(s gateway.SocketID) (int, error)
	CopyRxData(s gateway.SocketID, data []byte) (int, error)
	TpRxIndication(s gateway.SocketID, err error)
	CopyTxData(s gateway.SocketID, dst []byte) (int, error)
	TxConfirmation(s gateway.SocketID, err error)
}

var _ Engine = (*gateway.Engine)(nil)

type sockState int

const (
	stateClosed sockState = iota
	// stateListening waits for a TCP connection.
	stateListening
	// stateOpening delays UDP delivery until the engine saw the socket online.
	stateOpening
	stateOnline
)

type datagram struct {
	remote netip.AddrPort
	data   []byte
}

type sock struct {
	id    gateway.SocketID
	cfg   SocketConfig
	state sockState
	// gen changes with every Open and Close.
	gen uint64

	group   *listener
	pc      *net.UDPConn
	pending []datagram
	sess    *session
}

// listener is shared by the TCP sockets of one network and address.
type listener struct {
	net   string
	addr  string
	ln    net.Listener
	socks []*sock
}

// Transport serves the configured sockets. It implements gateway.Transport.
type Transport struct {
	cfg Config
	log logging.LeveledLogger

	mu       sync.Mutex
	socks    []*sock
	byName   map[string]*sock
	groups   []*listener
	serving  bool
	ready    bool
	closed   bool
	assigned map[string]bool
	dhcp     map[string]map[uint8][]byte
	conns    map[*session]struct{}

	events eventQueue
	wg     sync.WaitGroup
}

var _ gateway.Transport = (*Transport)(nil)

// New validates cfg and builds a Transport. Nothing is bound before Serve.
func New(cfg Config) (*Transport, error) {
	cfg.Sockets = append([]SocketConfig(nil), cfg.Sockets...)
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	t := &Transport{
		cfg:      cfg,
		log:      cfg.LoggerFactory.NewLogger("socket"),
		byName:   make(map[string]*sock),
		assigned: make(map[string]bool),
		dhcp:     make(map[string]map[uint8][]byte),
		conns:    make(map[*session]struct{}),
	}
	t.events.init()
	groups := make(map[string]*listener)
	for i, sc := range cfg.Sockets {
		s := &sock{id: gateway.SocketID(i + 1), cfg: sc}
		t.socks = append(t.socks, s)
		t.byName[sc.Name] = s
		if sc.Net == NetUDP {
			continue
		}
		key := sc.Net + "|" + sc.Addr
		l := groups[key]
		if l == nil {
			l = &listener{net: sc.Net, addr: sc.Addr}
			groups[key] = l
			t.groups = append(t.groups, l)
		}
		l.socks = append(l.socks, s)
		s.group = l
	}
	return t, nil
}

// Serve binds every socket and drives e until ctx is done or a listener
// fails. It returns nil after a shutdown through ctx.
func (t *Transport) Serve(ctx context.Context, e Engine) error {
	t.mu.Lock()
	if t.serving {
		t.mu.Unlock()
		return errors.New("socket: already serving")
	}
	t.serving = true
	t.mu.Unlock()

	if err := t.listen(ctx); err != nil {
		t.closeAll()
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return t.events.run(ctx, e) })
	for _, l := range t.groups {
		l := l
		g.Go(func() error { return t.serveTCP(ctx, e, l) })
	}
	for _, s := range t.socks {
		if s.cfg.Net == NetUDP {
			s := s
			g.Go(func() error { return t.serveUDP(e, s) })
		}
	}
	g.Go(func() error {
		<-ctx.Done()
		t.closeAll()
		return nil
	})

	for _, l := range t.cfg.Locals {
		t.assign(l, gateway.IPAssigned)
	}
	t.mu.Lock()
	t.ready = true
	t.mu.Unlock()
	t.log.Infof("serving %d sockets", len(t.socks))
	if t.cfg.NotifyStartedFunc != nil {
		t.cfg.NotifyStartedFunc()
	}

	err := g.Wait()
	t.wg.Wait()
	return err
}

func (t *Transport) listen(ctx context.Context) error {
	for _, l := range t.groups {
		var lc net.ListenConfig
		ln, err := lc.Listen(ctx, "tcp", l.addr)
		if err != nil {
			return fmt.Errorf("socket: listen %s: %w", l.addr, err)
		}
		if l.net == NetTCPTLS {
			ln = tls.NewListener(ln, t.cfg.TLSConfig)
		}
		t.mu.Lock()
		l.ln = ln
		t.mu.Unlock()
	}
	for _, s := range t.socks {
		if s.cfg.Net != NetUDP {
			continue
		}
		var lc net.ListenConfig
		if s.cfg.Broadcast {
			lc.Control = broadcastControl
		}
		pc, err := lc.ListenPacket(ctx, "udp", s.cfg.Addr)
		if err != nil {
			return fmt.Errorf("socket: listen %s: %w", s.cfg.Addr, err)
		}
		t.mu.Lock()
		s.pc = pc.(*net.UDPConn)
		t.mu.Unlock()
	}
	return nil
}

func (t *Transport) closeAll() {
	t.mu.Lock()
	t.closed = true
	var sessions []*session
	for ss := range t.conns {
		sessions = append(sessions, ss)
	}
	t.mu.Unlock()

	for _, l := range t.groups {
		if l.ln != nil {
			l.ln.Close()
		}
	}
	for _, s := range t.socks {
		if s.pc != nil {
			s.pc.Close()
		}
	}
	for _, ss := range sessions {
		ss.close(true)
	}
}

func (t *Transport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Addr returns the bound address of the named socket, nil before Serve.
func (t *Transport) Addr(name string) net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byName[name]
	switch {
	case s == nil:
		return nil
	case s.pc != nil:
		return s.pc.LocalAddr()
	case s.group != nil && s.group.ln != nil:
		return s.group.ln.Addr()
	}
	return nil
}

func (t *Transport) sock(id gateway.SocketID) *sock {
	if id < 1 || int(id) > len(t.socks) {
		return nil
	}
	return t.socks[id-1]
}

// ResolveSocket implements gateway.Transport.
func (t *Transport) ResolveSocket(name string) (gateway.SocketID, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.byName[name]
	if s == nil {
		return 0, fmt.Errorf("%w: %q", ErrUnknownSocket, name)
	}
	if !t.ready {
		return 0, ErrNotReady
	}
	return s.id, nil
}

// Open implements gateway.Transport. A TCP socket starts taking connections
// from its listener; a UDP socket goes online right away.
func (t *Transport) Open(id gateway.SocketID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sock(id)
	if s == nil {
		return ErrUnknownSocket
	}
	if t.closed {
		return ErrClosed
	}
	s.gen++
	if s.group != nil {
		// a session still detaching keeps the socket until it is gone
		s.state = stateListening
		return nil
	}
	s.state = stateOpening
	gen := s.gen
	t.events.push(func(e Engine) {
		e.SocketModeChanged(id, gateway.SocketOnline)
		t.mu.Lock()
		if s.gen != gen {
			t.mu.Unlock()
			return
		}
		s.state = stateOnline
		pending := s.pending
		s.pending = nil
		t.mu.Unlock()
		for _, d := range pending {
			e.IfReceive(id, d.remote, d.data)
		}
	})
	return nil
}

// Close implements gateway.Transport. UDP sockets stay bound and keep the
// datagrams received until they are opened again.
func (t *Transport) Close(id gateway.SocketID, abort bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sock(id)
	if s == nil {
		return ErrUnknownSocket
	}
	s.gen++
	if s.group != nil {
		if s.sess != nil {
			// the reader reports the socket offline
			go s.sess.close(abort)
		}
		s.state = stateClosed
		return nil
	}
	if s.state == stateClosed {
		return nil
	}
	s.state = stateClosed
	t.events.push(func(e Engine) {
		e.SocketModeChanged(id, gateway.SocketOffline)
	})
	return nil
}

// LocalAddr implements gateway.Transport.
func (t *Transport) LocalAddr(id gateway.SocketID) (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sock(id)
	if s == nil {
		return netip.AddrPort{}, ErrUnknownSocket
	}
	switch {
	case s.sess != nil:
		return addrPort(s.sess.conn.LocalAddr())
	case s.pc != nil:
		return addrPort(s.pc.LocalAddr())
	}
	return netip.AddrPort{}, ErrClosed
}

// RemoteAddr implements gateway.Transport.
func (t *Transport) RemoteAddr(id gateway.SocketID) (netip.AddrPort, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := t.sock(id)
	if s == nil {
		return netip.AddrPort{}, ErrUnknownSocket
	}
	if s.sess == nil {
		return netip.AddrPort{}, ErrClosed
	}
	return addrPort(s.sess.conn.RemoteAddr())
}

func addrPort(a net.Addr) (netip.AddrPort, error) {
	var ap netip.AddrPort
	switch a := a.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	case *net.UDPAddr:
		ap = a.AddrPort()
	default:
		return netip.ParseAddrPort(a.String())
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
