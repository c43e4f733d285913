// Package gateway implements the vehicle side DoIP protocol engine: socket
// and session management, routing activation, the TCP receive and transmit
// pipelines and UDP vehicle discovery.
//
// The engine is passive. Poll advances every timer by one tick and every
// transport or router callback runs under a single lock, so the engine may
// be driven from any number of goroutines.
package gateway

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/pion/logging"

	"github.com/eshenhu/doipnode/channel"
	"github.com/eshenhu/doipnode/doip"
	"github.com/eshenhu/doipnode/internal/ring"
)

type connID int

const noConn connID = -1

type testerID int

const noTester testerID = -1

type lineState int

const (
	lineInactive lineState = iota
	lineActive
	lineDeactivating
)

// iface is the runtime state of an InterfaceConfig.
type iface struct {
	cfg         *InterfaceConfig
	state       lineState
	activeReq   uint8
	inactiveReq uint8
	deactTicks  int
	conns       []connID
	locals      []int

	initialTicks  int
	generalTicks  int
	aliveTicks    int
	marginTicks   int
	udpAliveTicks int
	announceWait  int
	announceEvery int
}

type localAddr struct {
	cfg       LocalAddrConfig
	iface     int
	state     IPState
	requested bool
	capacity  int
}

type tester struct {
	cfg  TesterConfig
	conn connID
}

// conn is a configured socket connection, UDP or TCP.
type conn struct {
	id       connID
	cfg      ConnectionConfig
	iface    int
	local    int
	socket   SocketID
	resolved bool
	mode     SocketMode
	// closeRequested is set once Transport.Close was called for the current
	// session.
	closeRequested bool
	// closeAfterTx closes the connection once its queue drained.
	closeAfterTx bool

	tester     testerID
	testerAddr uint16
	act        int
	set        int
	ra         raState
	inactivity int
	aliveCheck bool
	localAddr  netip.AddrPort
	remoteAddr netip.AddrPort
	tx         txState
	rx         rxState

	udp udpState
}

func (c *conn) tcp() bool { return c.cfg.Kind == KindTCP }

// Engine is the DoIP protocol engine.
type Engine struct {
	mu       sync.Mutex
	cfg      Config
	tr       Transport
	router   Router
	notifier ActivationNotifier
	log      logging.LeveledLogger

	chans    *channel.Table
	ifaces   []iface
	locals   []localAddr
	conns    []conn
	bySocket map[SocketID]connID
	testers  []tester
	defTest  testerID

	slot  activationSlot
	retry []retryEntry
	vin   [doip.VINLength]byte
	udp   []byte

	shutdown bool
}

// New validates cfg and builds an engine on top of tr and router. Nothing
// is sent before the first Poll.
func New(cfg Config, tr Transport, router Router) (*Engine, error) {
	if tr == nil || router == nil {
		return nil, fmt.Errorf("%w: nil transport or router", ErrInvalidConfig)
	}
	cfg.Interfaces = append([]InterfaceConfig(nil), cfg.Interfaces...)
	cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		tr:       tr,
		router:   router,
		log:      cfg.LoggerFactory.NewLogger("doip"),
		bySocket: make(map[SocketID]connID),
		defTest:  noTester,
		retry:    make([]retryEntry, cfg.RetryListSize),
		udp:      make([]byte, 0, doip.HeaderLength+doip.VehicleIdentificationResponseLength+1),
	}
	e.notifier, _ = router.(ActivationNotifier)
	e.slot.reset()

	if cfg.VIN == "" {
		for i := range e.vin {
			e.vin[i] = 0xFF
		}
	} else {
		copy(e.vin[:], cfg.VIN)
	}

	for i, tc := range cfg.Testers {
		e.testers = append(e.testers, tester{cfg: tc, conn: noConn})
		if tc.Default {
			e.defTest = testerID(i)
		}
	}

	// one channel set per (tester, activation) pair
	var sets [][]channel.ID
	for t := range cfg.Testers {
		for _, ac := range cfg.Activations {
			var ids []channel.ID
			if len(ac.Channels) == 0 {
				for id, ch := range cfg.Channels {
					if ch.Tester == t {
						ids = append(ids, channel.ID(id))
					}
				}
			} else {
				for _, id := range ac.Channels {
					if cfg.Channels[id].Tester == t {
						ids = append(ids, id)
					}
				}
			}
			sets = append(sets, ids)
		}
	}
	tab, err := channel.New(cfg.Channels, sets)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	e.chans = tab

	for i := range cfg.Interfaces {
		ic := &e.cfg.Interfaces[i]
		f := iface{
			cfg:           ic,
			initialTicks:  cfg.ticks(ic.InitialInactivityTimeout),
			generalTicks:  cfg.ticks(ic.GeneralInactivityTimeout),
			aliveTicks:    cfg.ticks(ic.AliveCheckTimeout),
			marginTicks:   cfg.ticks(ic.AliveCheckMargin),
			udpAliveTicks: cfg.ticks(ic.UDPAliveTimeout),
			announceWait:  cfg.ticks(ic.AnnounceWait),
			announceEvery: cfg.ticks(ic.AnnounceInterval),
		}
		base := len(e.locals)
		for _, lc := range ic.LocalAddrs {
			f.locals = append(f.locals, len(e.locals))
			e.locals = append(e.locals, localAddr{cfg: lc, iface: i})
		}
		for _, cc := range ic.Connections {
			id := connID(len(e.conns))
			c := conn{
				id:     id,
				cfg:    cc,
				iface:  i,
				local:  base + cc.LocalAddr,
				tester: noTester,
				act:    -1,
				set:    -1,
			}
			if cc.Kind == KindTCP {
				c.tx.q = ring.New[txEntry](cfg.TxQueueSize)
				c.rx.buf = make([]byte, rxBufferSize(cfg.DiagPrefixLength))
				e.locals[c.local].capacity++
			}
			e.conns = append(e.conns, c)
			f.conns = append(f.conns, id)
		}
		if ic.StartActive {
			f.activeReq = 1
		}
		e.ifaces = append(e.ifaces, f)
	}
	for i := range e.locals {
		l := &e.locals[i]
		if n := e.ifaces[l.iface].cfg.MaxActiveConnections; n > 0 {
			l.capacity = n
		} else if l.capacity > 1 {
			// keep one socket free to run admission on
			l.capacity--
		}
	}
	return e, nil
}

// Poll runs one cycle of the engine: activation line requests, lazy socket
// resolution, timers, pending routing activations and UDP retries.
func (e *Engine) Poll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return
	}
	for i := range e.ifaces {
		e.pollLine(i)
	}
	for i := range e.conns {
		e.pollConn(&e.conns[i])
	}
	e.pollActivation()
	e.pollRetry()
}

// Run calls Poll every PollPeriod until ctx is done.
func (e *Engine) Run(ctx context.Context) error {
	t := time.NewTicker(e.cfg.PollPeriod)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			e.Poll()
		}
	}
}

// Shutdown aborts every connection and releases the local addresses. The
// engine ignores further polls.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return
	}
	e.log.Info("shutting down")
	e.shutdown = true
	if e.slot.busy {
		e.slot.reset()
	}
	for i := range e.conns {
		e.closeConn(&e.conns[i], true)
	}
	for i := range e.locals {
		e.releaseLocal(i)
	}
}

// ActivationLineSwitch requests the activation line of interface i to go
// active or inactive. The request is processed on the next Poll.
func (e *Engine) ActivationLineSwitch(i int, active bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.ifaces) {
		return fmt.Errorf("doip: no interface %d", i)
	}
	f := &e.ifaces[i]
	if active {
		if f.state == lineActive && f.inactiveReq == 0 {
			return nil
		}
		f.activeReq = satInc(f.activeReq)
		f.inactiveReq = 0
	} else {
		if f.state == lineInactive && f.activeReq == 0 {
			return nil
		}
		f.inactiveReq = satInc(f.inactiveReq)
		f.activeReq = 0
	}
	return nil
}

// TriggerVehicleAnnouncement schedules an announcement burst on every
// announcement connection of interface i.
func (e *Engine) TriggerVehicleAnnouncement(i int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.ifaces) {
		return fmt.Errorf("doip: no interface %d", i)
	}
	for _, id := range e.ifaces[i].conns {
		c := &e.conns[id]
		if c.cfg.Kind == KindUDPAnnouncement && c.mode == SocketOnline {
			e.scheduleAnnouncement(c)
		}
	}
	return nil
}

// SetChannelAddress rebinds a channel to another target address.
func (e *Engine) SetChannelAddress(ch channel.ID, addr uint16) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.chans.SetAddress(ch, addr)
}

func satInc(v uint8) uint8 {
	if v == 0xFF {
		return v
	}
	return v + 1
}

func (e *Engine) report(op string, err error) {
	if e.cfg.ErrorSink != nil {
		e.cfg.ErrorSink.ReportError(op, err)
		return
	}
	e.log.Errorf("%s: %v", op, err)
}

func (e *Engine) connBySocket(s SocketID) *conn {
	id, ok := e.bySocket[s]
	if !ok {
		return nil
	}
	return &e.conns[id]
}

// lookupTester resolves a source address to a tester, falling back to the
// default tester.
func (e *Engine) lookupTester(addr uint16) (testerID, bool) {
	for i := range e.testers {
		if !e.testers[i].cfg.Default && e.testers[i].cfg.Address == addr {
			return testerID(i), true
		}
	}
	if e.defTest != noTester {
		return e.defTest, true
	}
	return noTester, false
}

func (e *Engine) setIndex(t testerID, act int) int {
	return int(t)*len(e.cfg.Activations) + act
}
