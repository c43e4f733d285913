package gateway

import (
	"encoding/binary"

	"github.com/eshenhu/doipnode/doip"
)

// raState is the routing activation state of a TCP connection.
type raState int

const (
	raNone raState = iota
	raAuthPending
	raConfPending
	raActivated
)

func (s raState) String() string {
	switch s {
	case raNone:
		return "none"
	case raAuthPending:
		return "authentication pending"
	case raConfPending:
		return "confirmation pending"
	case raActivated:
		return "activated"
	}
	return "invalid"
}

type slotPhase int

const (
	slotIdle slotPhase = iota
	// slotAlive waits for the alive check responses of the admission step.
	slotAlive
	slotAuth
	slotConfirm
)

type aliveEntry struct {
	conn connID
	// sent is set once the request is queued on conn.
	sent  bool
	done  bool
	alive bool
}

// activationSlot is the single routing activation handler of the engine.
// One request is decided at a time; other connections wait in rxDispatch.
type activationSlot struct {
	busy   bool
	phase  slotPhase
	conn   connID
	tester testerID
	act    int

	sa     uint16
	typ    uint8
	oem    [doip.OEMSpecificLength]byte
	hasOEM bool
	res    [doip.OEMSpecificLength]byte

	alive       []aliveEntry
	outstanding int
	ticks       int
	// denyCode is sent when every checked connection answered.
	denyCode    uint8
	redriven    bool
	confirmSent bool
}

func (s *activationSlot) reset() {
	*s = activationSlot{conn: noConn, tester: noTester, act: -1, alive: s.alive[:0]}
}

func (s *activationSlot) request(c *conn) ActivationRequest {
	r := ActivationRequest{
		Socket:         c.socket,
		Tester:         s.sa,
		ActivationType: s.typ,
		Secured:        c.cfg.Secured,
	}
	if s.hasOEM {
		r.OEM = s.oem[:]
	}
	return r
}

// dispatchActivation moves the buffered routing activation request of c into
// the slot. It returns false when another request holds the slot.
func (e *Engine) dispatchActivation(c *conn) bool {
	if e.slot.busy {
		return false
	}
	b := c.rx.buf[doip.HeaderLength:]
	s := &e.slot
	s.reset()
	s.busy = true
	s.conn = c.id
	s.sa = binary.BigEndian.Uint16(b[0:2])
	s.typ = b[2]
	if c.rx.hdr.Length == doip.RoutingActivationRequestLength+doip.OEMSpecificLength {
		copy(s.oem[:], b[doip.RoutingActivationRequestLength:])
		s.hasOEM = true
	}
	e.rxReset(c, nil)
	e.log.Debugf("connection %s: routing activation request from %#04x type %#02x", c.cfg.Socket, s.sa, s.typ)
	e.startActivation(c)
	return true
}

func (e *Engine) startActivation(c *conn) {
	s := &e.slot
	t, ok := e.lookupTester(s.sa)
	if !ok {
		e.finishActivation(c, doip.RoutingDeniedUnknownSourceAddress)
		return
	}
	if c.tester != noTester && (c.tester != t || c.testerAddr != s.sa) {
		e.finishActivation(c, doip.RoutingDeniedSourceAddressMismatch)
		return
	}
	act, ok := e.matchActivation(t, s.typ, c.cfg.Secured)
	if !ok {
		e.finishActivation(c, doip.RoutingDeniedUnsupportedType)
		return
	}
	s.tester, s.act = t, act
	e.admission(c)
}

func (e *Engine) activationAllowed(t testerID, act int) bool {
	allowed := e.testers[t].cfg.Activations
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == act {
			return true
		}
	}
	return false
}

// matchActivation picks the activation record for typ, preferring one the
// connection satisfies the security requirement of.
func (e *Engine) matchActivation(t testerID, typ uint8, secured bool) (int, bool) {
	best := -1
	for i, a := range e.cfg.Activations {
		if a.Number != typ || !e.activationAllowed(t, i) {
			continue
		}
		if !a.SecurityRequired || secured {
			return i, true
		}
		if best < 0 {
			best = i
		}
	}
	return best, best >= 0
}

// admission makes sure the tester is not active elsewhere and a socket is
// free, alive checking the connections in the way.
func (e *Engine) admission(c *conn) {
	s := &e.slot
	if other := e.testers[s.tester].conn; other != noConn && other != c.id {
		if s.redriven {
			e.finishActivation(c, doip.RoutingDeniedSourceAddressAlreadyUsed)
			return
		}
		e.startAliveChecks(c, []connID{other}, doip.RoutingDeniedSourceAddressAlreadyUsed)
		return
	}
	if !e.socketAvailable(c) {
		var busy []connID
		for i := range e.conns {
			o := &e.conns[i]
			if o.tcp() && o.id != c.id && o.local == c.local && o.ra == raActivated {
				busy = append(busy, o.id)
			}
		}
		if s.redriven || len(busy) == 0 {
			e.finishActivation(c, doip.RoutingDeniedNoFreeSocket)
			return
		}
		e.startAliveChecks(c, busy, doip.RoutingDeniedNoFreeSocket)
		return
	}
	e.checkSecurity(c)
}

func (e *Engine) socketAvailable(c *conn) bool {
	n := 0
	for i := range e.conns {
		o := &e.conns[i]
		if o.tcp() && o.id != c.id && o.local == c.local && o.ra == raActivated {
			n++
		}
	}
	return n < e.locals[c.local].capacity
}

func (e *Engine) startAliveChecks(c *conn, ids []connID, deny uint8) {
	s := &e.slot
	s.alive = s.alive[:0]
	for _, id := range ids {
		s.alive = append(s.alive, aliveEntry{conn: id, sent: e.sendAliveCheck(&e.conns[id], 0)})
	}
	s.outstanding = len(ids)
	s.ticks = e.ifaces[c.iface].aliveTicks
	s.denyCode = deny
	s.phase = slotAlive
}

// aliveCheckAnswered records the outcome of an alive check of connection id.
func (e *Engine) aliveCheckAnswered(id connID, alive bool) {
	s := &e.slot
	if !s.busy || s.phase != slotAlive {
		return
	}
	for i := range s.alive {
		a := &s.alive[i]
		if a.conn == id && !a.done {
			a.done, a.alive = true, alive
			s.outstanding--
		}
	}
	if s.outstanding == 0 {
		e.admissionResolved()
	}
}

// resendAliveChecks queues the admission alive checks refused so far and
// reports whether all of them are queued.
func (e *Engine) resendAliveChecks() bool {
	all := true
	for i := range e.slot.alive {
		a := &e.slot.alive[i]
		if a.sent || a.done {
			continue
		}
		a.sent = e.sendAliveCheck(&e.conns[a.conn], 0)
		all = all && a.sent
	}
	return all
}

func (e *Engine) aliveCheckTimeout() {
	s := &e.slot
	for i := range s.alive {
		a := &s.alive[i]
		if a.done {
			continue
		}
		a.done = true
		o := &e.conns[a.conn]
		e.log.Infof("connection %s: no alive check response, closing", o.cfg.Socket)
		e.unbindTester(o)
		o.ra = raNone
		e.closeConn(o, true)
	}
	s.outstanding = 0
	e.admissionResolved()
}

func (e *Engine) admissionResolved() {
	s := &e.slot
	c := &e.conns[s.conn]
	for _, a := range s.alive {
		if !a.alive {
			s.redriven = true
			s.alive = s.alive[:0]
			s.phase = slotIdle
			e.admission(c)
			return
		}
	}
	e.finishActivation(c, s.denyCode)
}

func (e *Engine) checkSecurity(c *conn) {
	s := &e.slot
	a := &e.cfg.Activations[s.act]
	if a.SecurityRequired && !c.cfg.Secured {
		if p := e.cfg.SecurePolicy; p == nil || !p.AllowUnsecured(s.request(c)) {
			e.finishActivation(c, doip.RoutingDeniedSecureConnectionRequired)
			return
		}
	}
	if a.RequestOEMLength > 0 && !s.hasOEM {
		e.finishActivation(c, doip.RoutingDeniedMissingAuthentication)
		return
	}
	s.phase = slotAuth
	c.ra = raAuthPending
	e.authenticate(c)
}

func (e *Engine) authenticate(c *conn) {
	s := &e.slot
	a := &e.cfg.Activations[s.act]
	if a.Authenticator != nil {
		switch a.Authenticator.Authenticate(s.request(c), s.res[:a.ResponseOEMLength]) {
		case HookPending:
			return
		case HookRejected:
			e.finishActivation(c, doip.RoutingDeniedMissingAuthentication)
			return
		}
	}
	s.phase = slotConfirm
	c.ra = raConfPending
	e.confirm(c)
}

func (e *Engine) confirm(c *conn) {
	s := &e.slot
	a := &e.cfg.Activations[s.act]
	if a.Confirmer != nil {
		switch a.Confirmer.Confirm(s.request(c), s.res[:a.ResponseOEMLength]) {
		case HookPending:
			if !s.confirmSent {
				s.confirmSent = true
				e.sendActivationResponse(c, doip.RoutingConfirmationRequired, false)
			}
			return
		case HookRejected:
			e.finishActivation(c, doip.RoutingDeniedRejectedConfirmation)
			return
		}
	}
	e.activate(c)
}

func (e *Engine) activate(c *conn) {
	s := &e.slot
	a := &e.cfg.Activations[s.act]
	c.tester = s.tester
	c.testerAddr = s.sa
	c.act = s.act
	c.set = e.setIndex(s.tester, s.act)
	c.ra = raActivated
	e.testers[s.tester].conn = c.id
	e.touch(c)
	e.sendActivationResponse(c, doip.RoutingSuccessfullyActivated, a.ResponseOEMLength > 0)
	e.log.Infof("connection %s: routing activated for tester %#04x, type %#02x", c.cfg.Socket, s.sa, s.typ)
	sa := s.sa
	s.reset()
	if e.notifier != nil {
		e.notifier.RoutingActivationChanged(sa, true)
	}
}

// finishActivation answers a refused activation and releases the slot.
func (e *Engine) finishActivation(c *conn, code uint8) {
	e.sendActivationResponse(c, code, false)
	e.log.Infof("connection %s: routing activation from %#04x refused, code %#02x", c.cfg.Socket, e.slot.sa, code)
	e.unbindTester(c)
	c.ra = raNone
	e.slot.reset()
	if doip.RoutingClosesSocket(code) {
		e.closeConn(c, false)
	}
}

func (e *Engine) sendActivationResponse(c *conn, code uint8, withOEM bool) {
	en := txEntry{kind: txActivationResponse}
	en.p[0] = uint32(e.slot.sa)
	en.p[1] = uint32(code)
	if withOEM {
		en.echoLen = copy(en.echo[:], e.slot.res[:])
	}
	metricActivations.WithLabelValues(codeLabel(code)).Inc()
	if err := e.enqueue(c, en, 0); err != nil {
		e.report("routing activation response", err)
	}
}

// sendAliveCheck queues an alive check request on c, leaving reserve queue
// entries free.
func (e *Engine) sendAliveCheck(c *conn, reserve int) bool {
	if err := e.enqueue(c, txEntry{kind: txAliveCheckRequest}, reserve); err != nil {
		return false
	}
	metricAliveChecks.Inc()
	return true
}

func (e *Engine) handleAliveCheckResponse(c *conn, sa uint16) {
	if c.tester != noTester && sa != c.testerAddr {
		e.log.Warnf("connection %s: alive check response from %#04x, expected %#04x", c.cfg.Socket, sa, c.testerAddr)
		e.closeConn(c, false)
		return
	}
	c.aliveCheck = false
	e.touch(c)
	e.aliveCheckAnswered(c.id, true)
}

func (e *Engine) unbindTester(c *conn) {
	if c.tester == noTester {
		return
	}
	active := c.ra == raActivated
	if t := &e.testers[c.tester]; t.conn == c.id {
		t.conn = noConn
	}
	addr := c.testerAddr
	c.tester = noTester
	c.testerAddr = 0
	c.act = -1
	c.set = -1
	if active && e.notifier != nil {
		e.notifier.RoutingActivationChanged(addr, false)
	}
}

func (e *Engine) pollActivation() {
	s := &e.slot
	if !s.busy {
		return
	}
	c := &e.conns[s.conn]
	if e.ifaces[c.iface].state != lineActive {
		return
	}
	switch s.phase {
	case slotAlive:
		// the timeout runs once every request is on its way
		if !e.resendAliveChecks() {
			return
		}
		s.ticks--
		if s.ticks <= 0 {
			e.aliveCheckTimeout()
		}
	case slotAuth:
		e.authenticate(c)
	case slotConfirm:
		e.confirm(c)
	}
}
