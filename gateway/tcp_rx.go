package gateway

import (
	"encoding/binary"
	"errors"
	"math"

	"github.com/eshenhu/doipnode/channel"
	"github.com/eshenhu/doipnode/doip"
)

// maxDiagPrefix bounds Config.DiagPrefixLength and the echo of diagnostic
// acknowledges.
const maxDiagPrefix = 32

type rxPhase int

const (
	rxHeader rxPhase = iota
	// rxFixed buffers the fixed payload part of the message.
	rxFixed
	// rxDispatch holds a routing activation request until the slot is free.
	rxDispatch
	rxDiagStream
	rxOEM
	rxSkip
	// rxDiscard drops everything until the connection is closed.
	rxDiscard
)

type rxState struct {
	phase rxPhase
	buf   []byte
	n     int
	want  int
	hdr   doip.Header
	// consumed counts the payload bytes taken from the transport.
	consumed uint32

	addressed bool
	sa, ta    uint16
	ch        channel.ID
	total     uint32
	prefix    int
	delivered uint32
	avail     int
	canceled  bool

	oem []byte
}

func rxBufferSize(prefix int) int {
	n := doip.RoutingActivationRequestLength + doip.OEMSpecificLength
	if m := doip.DiagnosticHeaderLength + prefix; m > n {
		n = m
	}
	return doip.HeaderLength + n
}

// TpStartOfReception is called by the transport before it delivers data on
// s. It returns the number of bytes the engine can take right now.
func (e *Engine) TpStartOfReception(s SocketID) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.connBySocket(s)
	if c == nil || !c.tcp() {
		return 0, ErrUnknownSocket
	}
	return e.rxAvailable(c), nil
}

func (e *Engine) rxAvailable(c *conn) int {
	r := &c.rx
	switch r.phase {
	case rxHeader:
		if r.n == 0 && !e.rxReady(c) {
			return 0
		}
		return r.want - r.n
	case rxFixed:
		return r.want - r.n
	case rxDiagStream:
		if r.avail <= 0 {
			avail, err := e.router.CopyRxData(r.ch, nil)
			if err != nil {
				return 0
			}
			r.avail = avail
		}
		if rem := int(r.total - r.delivered); r.avail > rem {
			return rem
		}
		return r.avail
	case rxOEM, rxSkip:
		return int(r.hdr.Length - r.consumed)
	case rxDiscard:
		return math.MaxInt32
	}
	return 0
}

// CopyRxData delivers received TCP bytes. It returns how many bytes were
// consumed; the transport keeps the rest and offers it again later. An empty
// chunk consumes nothing.
func (e *Engine) CopyRxData(s SocketID, data []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.connBySocket(s)
	if c == nil || !c.tcp() {
		return 0, ErrUnknownSocket
	}
	if c.mode != SocketOnline {
		return len(data), nil
	}
	return e.rxProcess(c, data), nil
}

// TpRxIndication is called by the transport when the byte stream of s ended.
func (e *Engine) TpRxIndication(s SocketID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.connBySocket(s)
	if c == nil || !c.tcp() || err == nil {
		return
	}
	e.rxReset(c, ErrConnectionLost)
	c.rx.phase = rxDiscard
}

// rxReady reports whether a new message may be started on c.
func (e *Engine) rxReady(c *conn) bool {
	if c.tx.q.Full() || c.closeAfterTx {
		return false
	}
	return !(e.slot.busy && e.slot.conn == c.id)
}

func (e *Engine) rxProcess(c *conn, data []byte) int {
	r := &c.rx
	off := 0
	for {
		switch r.phase {
		case rxDiscard:
			return len(data)
		case rxHeader:
			if r.n == 0 && (off == len(data) || !e.rxReady(c)) {
				return off
			}
			off += e.rxFill(c, data[off:])
			if r.n < r.want {
				return off
			}
			e.rxHeaderDone(c)
		case rxFixed:
			off += e.rxFill(c, data[off:])
			if r.n < r.want {
				return off
			}
			e.rxFixedDone(c)
		case rxDispatch:
			if !e.dispatchActivation(c) {
				return off
			}
		case rxDiagStream:
			k, stop := e.rxStream(c, data[off:])
			off += k
			if stop {
				return off
			}
		case rxOEM:
			k := len(data) - off
			if rem := int(r.hdr.Length) - len(r.oem); k > rem {
				k = rem
			}
			r.oem = append(r.oem, data[off:off+k]...)
			off += k
			r.consumed += uint32(k)
			if len(r.oem) < int(r.hdr.Length) {
				return off
			}
			e.rxOEMDone(c)
		case rxSkip:
			k := len(data) - off
			if rem := r.hdr.Length - r.consumed; uint32(k) > rem {
				k = int(rem)
			}
			off += k
			r.consumed += uint32(k)
			if r.consumed < r.hdr.Length {
				return off
			}
			e.rxReset(c, nil)
		}
	}
}

func (e *Engine) rxFill(c *conn, data []byte) int {
	r := &c.rx
	k := copy(r.buf[r.n:r.want], data)
	r.n += k
	if r.phase != rxHeader {
		r.consumed += uint32(k)
	}
	return k
}

func (e *Engine) rxReset(c *conn, err error) {
	r := &c.rx
	if r.phase == rxDiagStream && err != nil {
		e.router.RxIndication(r.ch, err)
	}
	r.phase = rxHeader
	r.n = 0
	r.want = doip.HeaderLength
	r.consumed = 0
	r.addressed = false
	r.canceled = false
	r.avail = 0
	r.ch = channel.None
	r.oem = nil
}

func (e *Engine) rxHeaderDone(c *conn) {
	r := &c.rx
	h, err := doip.ParseHeader(r.buf[:doip.HeaderLength])
	r.hdr = h
	r.consumed = 0
	e.touch(c)
	if err != nil || h.Version != e.cfg.ProtocolVersion {
		e.log.Debugf("connection %s: bad header % x", c.cfg.Socket, r.buf[:doip.HeaderLength])
		e.nackAndClose(c, doip.HeaderIncorrectPatternFormat)
		return
	}
	switch h.Type {
	case doip.RoutingActivationRequest:
		if h.Length != doip.RoutingActivationRequestLength &&
			h.Length != doip.RoutingActivationRequestLength+doip.OEMSpecificLength {
			e.nackAndClose(c, doip.HeaderInvalidPayloadLength)
			return
		}
		e.rxExpect(c, int(h.Length))
	case doip.AliveCheckResponse:
		if h.Length != doip.AliveCheckResponseLength {
			e.nackAndClose(c, doip.HeaderInvalidPayloadLength)
			return
		}
		e.rxExpect(c, doip.AliveCheckResponseLength)
	case doip.DiagnosticMessage:
		if h.Length <= doip.DiagnosticHeaderLength {
			e.nackAndClose(c, doip.HeaderInvalidPayloadLength)
			return
		}
		if h.Length-doip.DiagnosticHeaderLength > e.cfg.MaxRequestBytes {
			e.nack(c, doip.HeaderMessageTooLarge)
			e.rxSkip(c)
			return
		}
		e.rxExpect(c, doip.DiagnosticHeaderLength)
	case doip.GenericHeaderNegativeAcknowledge:
		e.log.Debugf("connection %s: generic NACK received", c.cfg.Socket)
		e.rxSkip(c)
	case doip.RoutingActivationResponse,
		doip.DiagnosticMessagePositiveAcknowledge,
		doip.DiagnosticMessageNegativeAcknowledge,
		doip.VehicleAnnouncement,
		doip.EntityStatusResponse,
		doip.PowerModeInformationResponse:
		e.log.Infof("connection %s: unexpected payload type %#04x, closing", c.cfg.Socket, uint16(h.Type))
		e.closeConn(c, false)
	default:
		if e.cfg.OEM != nil && h.Type.IsOEM() {
			if limit, ok := e.cfg.OEM.MaxLength(h.Type); ok {
				if h.Length > uint32(limit) {
					e.nack(c, doip.HeaderMessageTooLarge)
					e.rxSkip(c)
					return
				}
				r.oem = make([]byte, 0, h.Length)
				r.phase = rxOEM
				if h.Length == 0 {
					e.rxOEMDone(c)
				}
				return
			}
		}
		e.nack(c, doip.HeaderUnknownPayloadType)
		e.rxSkip(c)
	}
}

// rxExpect buffers n bytes of fixed payload.
func (e *Engine) rxExpect(c *conn, n int) {
	c.rx.want = doip.HeaderLength + n
	c.rx.phase = rxFixed
}

func (e *Engine) rxSkip(c *conn) {
	c.rx.phase = rxSkip
	if c.rx.consumed >= c.rx.hdr.Length {
		e.rxReset(c, nil)
	}
}

func (e *Engine) rxFixedDone(c *conn) {
	r := &c.rx
	switch r.hdr.Type {
	case doip.RoutingActivationRequest:
		if !e.dispatchActivation(c) {
			r.phase = rxDispatch
		}
	case doip.AliveCheckResponse:
		sa := binary.BigEndian.Uint16(r.buf[doip.HeaderLength:])
		e.rxReset(c, nil)
		e.handleAliveCheckResponse(c, sa)
	case doip.DiagnosticMessage:
		if !r.addressed {
			e.rxDiagAddressed(c)
		} else {
			e.rxDiagStart(c)
		}
	}
}

func (e *Engine) rxDiagAddressed(c *conn) {
	r := &c.rx
	b := r.buf[doip.HeaderLength:]
	r.sa = binary.BigEndian.Uint16(b[0:2])
	r.ta = binary.BigEndian.Uint16(b[2:4])
	r.total = r.hdr.Length - doip.DiagnosticHeaderLength
	if c.ra != raActivated || c.testerAddr != r.sa {
		e.log.Infof("connection %s: diagnostic message from unregistered source %#04x", c.cfg.Socket, r.sa)
		e.diagNack(c, doip.DiagnosticNackInvalidSource, nil)
		e.closeConn(c, false)
		return
	}
	ch, res := e.chans.Resolve(c.set, r.ta, r.total, e.cfg.SizeRouting)
	switch res {
	case channel.TooLarge:
		e.diagNack(c, doip.DiagnosticNackMessageTooLarge, nil)
		e.rxSkip(c)
		return
	case channel.Unknown:
		code := doip.DiagnosticNackUnknownTarget
		if e.chans.Known(r.ta) {
			code = doip.DiagnosticNackTargetUnreachable
		}
		e.diagNack(c, code, nil)
		e.rxSkip(c)
		return
	}
	r.ch = ch
	r.addressed = true
	r.prefix = e.cfg.DiagPrefixLength
	if uint32(r.prefix) > r.total {
		r.prefix = int(r.total)
	}
	r.want = doip.HeaderLength + doip.DiagnosticHeaderLength + r.prefix
	if r.n >= r.want {
		e.rxDiagStart(c)
	}
}

func (e *Engine) rxPrefix(c *conn) []byte {
	start := doip.HeaderLength + doip.DiagnosticHeaderLength
	return c.rx.buf[start : start+c.rx.prefix]
}

func (e *Engine) rxDiagStart(c *conn) {
	r := &c.rx
	prefix := e.rxPrefix(c)
	avail, err := e.router.StartOfReception(r.ch, prefix, int(r.total))
	if err != nil {
		code := doip.DiagnosticNackTargetUnreachable
		if errors.Is(err, ErrOverflow) {
			code = doip.DiagnosticNackOutOfMemory
		}
		e.diagNack(c, code, prefix)
		e.rxSkip(c)
		return
	}
	r.delivered = uint32(r.prefix)
	r.avail = avail
	r.canceled = false
	r.phase = rxDiagStream
	if r.delivered == r.total {
		e.rxDiagDone(c)
	}
}

// rxStream forwards user data to the upper layer, bounded by its buffer. It
// reports stop when no more data can be taken now.
func (e *Engine) rxStream(c *conn, data []byte) (int, bool) {
	r := &c.rx
	off := 0
	for {
		if r.canceled {
			e.rxFail(c, ErrCanceled)
			return off, false
		}
		if r.avail <= 0 {
			avail, err := e.router.CopyRxData(r.ch, nil)
			if err != nil {
				e.rxFail(c, err)
				return off, false
			}
			r.avail = avail
			if avail <= 0 {
				return off, true
			}
		}
		if off == len(data) {
			return off, true
		}
		k := len(data) - off
		if rem := int(r.total - r.delivered); k > rem {
			k = rem
		}
		if k > r.avail {
			k = r.avail
		}
		avail, err := e.router.CopyRxData(r.ch, data[off:off+k])
		off += k
		r.consumed += uint32(k)
		if err != nil {
			e.rxFail(c, err)
			return off, false
		}
		r.delivered += uint32(k)
		r.avail = avail
		if r.delivered == r.total {
			e.rxDiagDone(c)
			return off, false
		}
	}
}

func (e *Engine) rxDiagDone(c *conn) {
	r := &c.rx
	echo := e.rxPrefix(c)
	if len(echo) > e.cfg.AckEchoLength {
		echo = echo[:e.cfg.AckEchoLength]
	}
	e.diagAck(c, doip.DiagnosticAckOK, echo, txDiagAck)
	e.router.RxIndication(r.ch, nil)
	metricDiagMessages.WithLabelValues("rx").Inc()
	e.rxReset(c, nil)
}

// rxFail aborts the running reception and skips the rest of the message.
func (e *Engine) rxFail(c *conn, err error) {
	r := &c.rx
	e.log.Debugf("connection %s: reception on channel %d failed: %v", c.cfg.Socket, r.ch, err)
	e.router.RxIndication(r.ch, err)
	e.diagNack(c, doip.DiagnosticNackTransportProtocol, e.rxPrefix(c))
	e.rxSkip(c)
}

func (e *Engine) rxOEMDone(c *conn) {
	r := &c.rx
	t, payload := r.hdr.Type, r.oem
	e.rxReset(c, nil)
	res, resp := e.cfg.OEM.Handle(c.socket, t, payload)
	if resp == nil {
		return
	}
	en := txEntry{kind: txOEM, oemType: res, oem: resp}
	if err := e.enqueue(c, en, 0); err != nil {
		e.report("OEM response", err)
		e.txRelease(&en, err)
	}
}

func (e *Engine) nack(c *conn, code uint8) {
	metricGenericNacks.WithLabelValues("tcp", codeLabel(code)).Inc()
	en := txEntry{kind: txGenericNack}
	en.p[0] = uint32(code)
	if err := e.enqueue(c, en, 0); err != nil {
		e.report("generic NACK", err)
	}
}

// nackAndClose sends a generic NACK and closes c once it was sent.
func (e *Engine) nackAndClose(c *conn, code uint8) {
	e.nack(c, code)
	e.closeConn(c, false)
}

func (e *Engine) diagNack(c *conn, code uint8, echo []byte) {
	metricDiagNacks.WithLabelValues(codeLabel(code)).Inc()
	if len(echo) > e.cfg.AckEchoLength {
		echo = echo[:e.cfg.AckEchoLength]
	}
	e.diagAck(c, code, echo, txDiagNack)
}

func (e *Engine) diagAck(c *conn, code uint8, echo []byte, kind txKind) {
	r := &c.rx
	en := txEntry{kind: kind}
	en.p[0] = uint32(r.ta)
	en.p[1] = uint32(r.sa)
	en.p[2] = uint32(code)
	en.echoLen = copy(en.echo[:], echo)
	if err := e.enqueue(c, en, 0); err != nil {
		e.report("diagnostic acknowledge", err)
	}
}

// CancelReceive cancels the reception running on ch. The rest of the message
// is skipped and the tester gets a negative acknowledge.
func (e *Engine) CancelReceive(ch channel.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conns {
		c := &e.conns[i]
		if c.tcp() && c.rx.phase == rxDiagStream && c.rx.ch == ch {
			c.rx.canceled = true
			return nil
		}
	}
	return ErrNotActive
}
