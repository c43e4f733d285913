package gateway

import (
	"encoding/binary"
	"errors"

	"github.com/eshenhu/doipnode/channel"
	"github.com/eshenhu/doipnode/doip"
	"github.com/eshenhu/doipnode/internal/ring"
)

type txKind int

const (
	txGenericNack txKind = iota
	txActivationResponse
	txAliveCheckRequest
	txDiagnostic
	txDiagAck
	txDiagNack
	txOEM
)

// txHeaderSize holds the generic header and the largest fixed payload part
// sent from the connection header buffer.
const txHeaderSize = doip.HeaderLength + doip.RoutingActivationResponseLength

var errNoTransmission = errors.New("doip: no transmission in progress")

// txEntry is one queued message. Its bytes are produced at transmission time
// from the connection header buffer and the payload source of its kind.
type txEntry struct {
	kind txKind
	// p holds the kind parameters: addresses and codes.
	p       [3]uint32
	echo    [maxDiagPrefix]byte
	echoLen int
	ch      channel.ID
	oemType doip.MsgTid
	oem     []byte

	hdrLen   int
	length   int
	sent     int
	canceled bool
}

type txState struct {
	q      *ring.Ring[txEntry]
	active bool
	hdr    [txHeaderSize]byte
}

// enqueue appends en to the queue of c, keeping reserve entries free.
func (e *Engine) enqueue(c *conn, en txEntry, reserve int) error {
	if c.mode != SocketOnline || c.closeRequested {
		return ErrNotAccepted
	}
	if c.tx.q.Free() <= reserve {
		metricTxRejects.Inc()
		return ErrNotAccepted
	}
	c.tx.q.Push(en)
	e.transmitElement(c)
	return nil
}

// transmitElement hands the front entry to the transport unless a
// transmission is already running.
func (e *Engine) transmitElement(c *conn) {
	for !c.tx.active && c.mode == SocketOnline && !c.closeRequested {
		en := c.tx.q.Front()
		if en == nil {
			if c.closeAfterTx {
				c.closeAfterTx = false
				e.closeConn(c, false)
			}
			return
		}
		if en.canceled {
			v, _ := c.tx.q.Pop()
			e.txRelease(&v, ErrCanceled)
			continue
		}
		e.encode(c, en)
		en.sent = 0
		c.tx.active = true
		if err := e.tr.TpTransmit(c.socket, en.hdrLen+en.length); err != nil {
			c.tx.active = false
			if !errors.Is(err, ErrBusy) {
				e.report("transmit on "+c.cfg.Socket, err)
			}
		}
		return
	}
}

func (e *Engine) encode(c *conn, en *txEntry) {
	h := c.tx.hdr[:]
	v := e.cfg.ProtocolVersion
	switch en.kind {
	case txGenericNack:
		doip.PutHeader(h, v, doip.GenericHeaderNegativeAcknowledge, 1)
		h[8] = byte(en.p[0])
		en.hdrLen, en.length = doip.HeaderLength+1, 0
	case txActivationResponse:
		doip.PutHeader(h, v, doip.RoutingActivationResponse, uint32(doip.RoutingActivationResponseLength+en.echoLen))
		binary.BigEndian.PutUint16(h[8:], uint16(en.p[0]))
		binary.BigEndian.PutUint16(h[10:], e.cfg.LogicalAddress)
		h[12] = byte(en.p[1])
		h[13], h[14], h[15], h[16] = 0, 0, 0, 0
		en.hdrLen, en.length = doip.HeaderLength+doip.RoutingActivationResponseLength, en.echoLen
	case txAliveCheckRequest:
		doip.PutHeader(h, v, doip.AliveCheckRequest, 0)
		en.hdrLen, en.length = doip.HeaderLength, 0
	case txDiagnostic:
		doip.PutHeader(h, v, doip.DiagnosticMessage, uint32(doip.DiagnosticHeaderLength+en.length))
		binary.BigEndian.PutUint16(h[8:], uint16(en.p[0]))
		binary.BigEndian.PutUint16(h[10:], uint16(en.p[1]))
		en.hdrLen = doip.HeaderLength + doip.DiagnosticHeaderLength
	case txDiagAck, txDiagNack:
		t := doip.DiagnosticMessagePositiveAcknowledge
		if en.kind == txDiagNack {
			t = doip.DiagnosticMessageNegativeAcknowledge
		}
		doip.PutHeader(h, v, t, uint32(doip.DiagnosticAckHeaderLength+en.echoLen))
		binary.BigEndian.PutUint16(h[8:], uint16(en.p[0]))
		binary.BigEndian.PutUint16(h[10:], uint16(en.p[1]))
		h[12] = byte(en.p[2])
		en.hdrLen, en.length = doip.HeaderLength+doip.DiagnosticAckHeaderLength, en.echoLen
	case txOEM:
		doip.PutHeader(h, v, en.oemType, uint32(len(en.oem)))
		en.hdrLen, en.length = doip.HeaderLength, len(en.oem)
	}
}

// CopyTxData is called by the transport to pull the bytes announced with
// TpTransmit. It returns the number of bytes written to dst, which may be
// less than len(dst) when the upper layer has no data yet.
func (e *Engine) CopyTxData(s SocketID, dst []byte) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.connBySocket(s)
	if c == nil || !c.tcp() {
		return 0, ErrUnknownSocket
	}
	en := c.tx.q.Front()
	if !c.tx.active || en == nil {
		return 0, errNoTransmission
	}
	if en.canceled {
		return 0, ErrCanceled
	}
	n := 0
	if en.sent < en.hdrLen {
		k := copy(dst, c.tx.hdr[en.sent:en.hdrLen])
		n += k
		en.sent += k
	}
	off := en.sent - en.hdrLen
	if n == len(dst) || off < 0 || off >= en.length {
		return n, nil
	}
	room := dst[n:]
	if rem := en.length - off; len(room) > rem {
		room = room[:rem]
	}
	k := 0
	switch en.kind {
	case txDiagnostic:
		var err error
		k, err = e.router.CopyTxData(en.ch, room)
		if err != nil {
			if errors.Is(err, ErrBusy) {
				return n, nil
			}
			return n, err
		}
		if k > len(room) {
			k = len(room)
		}
	case txOEM:
		k = copy(room, en.oem[off:])
	default:
		k = copy(room, en.echo[off:en.echoLen])
	}
	en.sent += k
	return n + k, nil
}

// TxConfirmation ends the transmission started with TpTransmit. A non-nil
// err aborts the connection, unless it ends a canceled message of which no
// byte was sent.
func (e *Engine) TxConfirmation(s SocketID, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.connBySocket(s)
	if c == nil || !c.tcp() || !c.tx.active {
		return
	}
	c.tx.active = false
	en, _ := c.tx.q.Pop()
	withdrawn := en.canceled && en.sent == 0 && errors.Is(err, ErrCanceled)
	e.txRelease(&en, err)
	if err != nil && !withdrawn {
		e.log.Warnf("connection %s: transmission failed: %v", c.cfg.Socket, err)
		e.closeConn(c, true)
		return
	}
	if err == nil && en.kind == txDiagnostic {
		e.touch(c)
	}
	e.transmitElement(c)
}

func (e *Engine) txRelease(en *txEntry, err error) {
	switch en.kind {
	case txDiagnostic:
		if err == nil && en.canceled {
			err = ErrCanceled
		}
		if err == nil {
			metricDiagMessages.WithLabelValues("tx").Inc()
		}
		e.router.TxConfirmation(en.ch, err)
	case txOEM:
		if r, ok := e.cfg.OEM.(OEMReleaser); ok {
			r.Release(en.oem)
		}
		en.oem = nil
	}
}

func (e *Engine) txReset(c *conn, err error) {
	c.tx.active = false
	for !c.tx.q.Empty() {
		en, _ := c.tx.q.Pop()
		e.txRelease(&en, err)
	}
}

// Transmit queues a diagnostic message of length user data bytes on ch. The
// bytes are pulled with Router.CopyTxData once the transport is ready. One
// queue entry always stays free for protocol responses.
func (e *Engine) Transmit(ch channel.ID, length int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.shutdown {
		return ErrShutdown
	}
	if ch < 0 || int(ch) >= e.chans.Len() {
		return ErrUnknownChannel
	}
	if length <= 0 {
		return ErrNotAccepted
	}
	cc := e.chans.Get(ch)
	t := &e.testers[cc.Tester]
	if t.conn == noConn {
		return ErrNotActive
	}
	c := &e.conns[t.conn]
	if c.ra != raActivated || c.closeAfterTx {
		return ErrNotActive
	}
	en := txEntry{kind: txDiagnostic, ch: ch, length: length}
	en.p[0] = uint32(cc.Address)
	en.p[1] = uint32(c.testerAddr)
	return e.enqueue(c, en, 1)
}

// CancelTransmit cancels the queued or running transmission of ch. A running
// transmission ends with ErrCanceled on the next copy. If part of it is
// already on the wire the connection is aborted; otherwise it stays up and
// the next queued message follows.
func (e *Engine) CancelTransmit(ch channel.ID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i := range e.conns {
		c := &e.conns[i]
		if !c.tcp() {
			continue
		}
		for j := 0; j < c.tx.q.Len(); j++ {
			en := c.tx.q.At(j)
			if en.kind != txDiagnostic || en.ch != ch || en.canceled {
				continue
			}
			en.canceled = true
			switch {
			case j > 0:
			case c.tx.active:
				if err := e.tr.TpCancel(c.socket); err != nil {
					e.report("cancel on "+c.cfg.Socket, err)
				}
			default:
				e.transmitElement(c)
			}
			return nil
		}
	}
	return ErrNotActive
}
