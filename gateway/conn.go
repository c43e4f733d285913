package gateway

// Interface, local address and socket connection management.

func (e *Engine) pollLine(i int) {
	f := &e.ifaces[i]
	switch {
	case f.activeReq > 0:
		f.activeReq = 0
		if f.state != lineActive {
			e.activateLine(i)
		}
	case f.inactiveReq > 0:
		f.inactiveReq = 0
		if f.state == lineActive {
			e.deactivateLine(i)
		}
	}
	switch f.state {
	case lineActive:
		for _, l := range f.locals {
			e.requestLocal(l)
		}
	case lineDeactivating:
		e.pollDeactivation(i)
	}
}

func (e *Engine) activateLine(i int) {
	f := &e.ifaces[i]
	f.state = lineActive
	e.log.Infof("interface %s: activation line active", f.cfg.Name)
	for _, l := range f.locals {
		e.requestLocal(l)
	}
	for _, id := range f.conns {
		e.openConn(&e.conns[id])
	}
}

func (e *Engine) deactivateLine(i int) {
	f := &e.ifaces[i]
	f.state = lineDeactivating
	f.deactTicks = e.cfg.ticks(f.cfg.DeactivationTimeout)
	e.log.Infof("interface %s: activation line inactive, closing connections", f.cfg.Name)
	for _, id := range f.conns {
		e.closeConn(&e.conns[id], false)
	}
}

func (e *Engine) pollDeactivation(i int) {
	f := &e.ifaces[i]
	open := 0
	for _, id := range f.conns {
		if e.conns[id].mode != SocketOffline {
			open++
		}
	}
	if open > 0 {
		f.deactTicks--
		if f.deactTicks > 0 {
			return
		}
		e.log.Warnf("interface %s: %d connections still open, aborting", f.cfg.Name, open)
		for _, id := range f.conns {
			c := &e.conns[id]
			if c.mode == SocketOffline {
				continue
			}
			if err := e.tr.Close(c.socket, true); err != nil {
				e.report("close "+c.cfg.Socket, err)
			}
			c.mode = SocketOffline
			c.closeRequested = false
			c.closeAfterTx = false
			e.resetConn(c)
		}
	}
	for _, l := range f.locals {
		e.releaseLocal(l)
	}
	f.state = lineInactive
	e.log.Infof("interface %s: deactivated", f.cfg.Name)
}

func (e *Engine) requestLocal(l int) {
	la := &e.locals[l]
	if !la.cfg.RequestAssignment || la.requested || la.state == IPAssigned {
		return
	}
	if h := e.ifaces[la.iface].cfg.DHCPHostname; h != "" {
		if err := e.tr.WriteDHCPOption(la.cfg.Name, DHCPOptionHostname, []byte(h)); err != nil {
			e.report("write DHCP host name of "+la.cfg.Name, err)
		}
	}
	if err := e.tr.RequestIPAssignment(la.cfg.Name); err != nil {
		e.report("request assignment of "+la.cfg.Name, err)
		return
	}
	la.requested = true
}

func (e *Engine) releaseLocal(l int) {
	la := &e.locals[l]
	if !la.requested {
		return
	}
	la.requested = false
	if err := e.tr.ReleaseIPAssignment(la.cfg.Name); err != nil {
		e.report("release assignment of "+la.cfg.Name, err)
	}
}

// IPAssignmentChanged is called by the transport when the state of a local
// address changes.
func (e *Engine) IPAssignmentChanged(local string, state IPState) {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := -1
	for i := range e.locals {
		if e.locals[i].cfg.Name == local {
			l = i
			break
		}
	}
	if l < 0 {
		e.log.Debugf("assignment change for unknown address %s", local)
		return
	}
	la := &e.locals[l]
	prev := la.state
	la.state = state
	if prev == state {
		return
	}
	e.log.Infof("local address %s: %s", local, state)
	if state == IPAssigned {
		if e.ifaces[la.iface].state != lineActive {
			return
		}
		for _, id := range e.ifaces[la.iface].conns {
			if c := &e.conns[id]; c.local == l {
				e.openConn(c)
			}
		}
		return
	}
	if state == IPUnassigned {
		la.requested = false
	}
	for _, id := range e.ifaces[la.iface].conns {
		if c := &e.conns[id]; c.local == l {
			e.closeConn(c, true)
		}
	}
}

func (e *Engine) pollConn(c *conn) {
	if !c.resolved {
		s, err := e.tr.ResolveSocket(c.cfg.Socket)
		if err != nil {
			e.log.Debugf("connection %s: %v", c.cfg.Socket, err)
			return
		}
		c.socket = s
		c.resolved = true
		e.bySocket[s] = c.id
	}
	switch c.mode {
	case SocketOffline:
		e.openConn(c)
	case SocketOnline:
		if c.tcp() {
			e.pollTCP(c)
		} else {
			e.pollUDP(c)
		}
	}
}

func (e *Engine) openConn(c *conn) {
	if !c.resolved || c.mode != SocketOffline || e.shutdown {
		return
	}
	if e.ifaces[c.iface].state != lineActive || e.locals[c.local].state != IPAssigned {
		return
	}
	c.mode = SocketReconnecting
	c.closeRequested = false
	if err := e.tr.Open(c.socket); err != nil {
		c.mode = SocketOffline
		e.report("open "+c.cfg.Socket, err)
	}
}

// closeConn closes c. A graceful close of a TCP connection waits for its
// transmit queue to drain.
func (e *Engine) closeConn(c *conn, abort bool) {
	if !c.resolved {
		return
	}
	switch c.mode {
	case SocketOffline:
		return
	case SocketReconnecting:
		c.mode = SocketOffline
		if err := e.tr.Close(c.socket, true); err != nil {
			e.report("close "+c.cfg.Socket, err)
		}
		e.resetConn(c)
		return
	}
	if c.tcp() {
		e.rxReset(c, ErrConnectionLost)
		c.rx.phase = rxDiscard
		if !abort && (c.tx.active || !c.tx.q.Empty()) {
			c.closeAfterTx = true
			return
		}
	}
	if c.closeRequested && !abort {
		return
	}
	c.closeRequested = true
	if err := e.tr.Close(c.socket, abort); err != nil {
		e.report("close "+c.cfg.Socket, err)
	}
}

// SocketModeChanged is called by the transport when a socket goes online,
// offline or back to reconnecting.
func (e *Engine) SocketModeChanged(s SocketID, mode SocketMode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.connBySocket(s)
	if c == nil {
		return
	}
	if mode == SocketOnline {
		e.socketOnline(c)
		return
	}
	prev := c.mode
	c.mode = mode
	c.closeRequested = false
	c.closeAfterTx = false
	if prev == SocketOnline {
		e.log.Debugf("connection %s: %s", c.cfg.Socket, mode)
		if c.tcp() {
			metricConnections.WithLabelValues("closed").Inc()
		}
	}
	e.resetConn(c)
}

func (e *Engine) socketOnline(c *conn) {
	f := &e.ifaces[c.iface]
	c.mode = SocketOnline
	c.closeRequested = false
	c.closeAfterTx = false
	if e.shutdown || f.state != lineActive || e.locals[c.local].state != IPAssigned {
		e.closeConn(c, true)
		return
	}
	switch c.cfg.Kind {
	case KindUDPAnnouncement:
		e.scheduleAnnouncement(c)
	case KindUDP:
		c.udp = udpState{}
	case KindTCP:
		e.resetConn(c)
		c.localAddr, _ = e.tr.LocalAddr(c.socket)
		c.remoteAddr, _ = e.tr.RemoteAddr(c.socket)
		c.inactivity = f.initialTicks
		metricConnections.WithLabelValues("opened").Inc()
		e.log.Infof("connection %s: %s connected on %s", c.cfg.Socket, c.remoteAddr, c.localAddr)
	}
}

// resetConn drops everything bound to the current session of c.
func (e *Engine) resetConn(c *conn) {
	e.dropRetries(c.id)
	c.udp = udpState{}
	if !c.tcp() {
		return
	}
	e.unbindTester(c)
	c.ra = raNone
	c.aliveCheck = false
	if e.slot.busy && e.slot.conn == c.id {
		e.slot.reset()
	}
	e.aliveCheckAnswered(c.id, false)
	e.rxReset(c, ErrConnectionLost)
	e.txReset(c, ErrConnectionLost)
}

// touch restarts the inactivity timer of c.
func (e *Engine) touch(c *conn) {
	f := &e.ifaces[c.iface]
	if c.ra == raActivated {
		c.inactivity = f.generalTicks
	} else {
		c.inactivity = f.initialTicks
	}
}

func (e *Engine) pollTCP(c *conn) {
	if c.rx.phase == rxDispatch {
		e.dispatchActivation(c)
	}
	if c.rx.canceled && c.rx.phase == rxDiagStream {
		e.rxFail(c, ErrCanceled)
	}
	if !c.tx.active {
		e.transmitElement(c)
	}
	if c.closeRequested || c.closeAfterTx {
		return
	}
	if e.slot.busy && e.slot.conn == c.id {
		return
	}
	f := &e.ifaces[c.iface]
	c.inactivity--
	if c.ra == raActivated && f.marginTicks > 0 && !c.aliveCheck && c.inactivity <= f.marginTicks {
		c.aliveCheck = e.sendAliveCheck(c, 1)
	}
	if c.inactivity <= 0 {
		e.log.Infof("connection %s: inactivity timeout", c.cfg.Socket)
		e.closeConn(c, false)
	}
}
