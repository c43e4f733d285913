package gateway

import (
	"bytes"
	"encoding/binary"
	"errors"
	"net/netip"

	"github.com/eshenhu/doipnode/doip"
)

type udpState struct {
	// used is set once a request was received in the current session.
	used bool
	// idle counts the ticks left before an unused connection is closed.
	idle     int
	txActive bool
}

// IfReceive is called by the transport for every datagram received on a UDP
// connection.
func (e *Engine) IfReceive(s SocketID, remote netip.AddrPort, data []byte) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c := e.connBySocket(s)
	if c == nil || c.tcp() || c.mode != SocketOnline {
		metricUDPDropped.WithLabelValues("offline").Inc()
		return
	}
	if len(data) < doip.HeaderLength {
		metricUDPDropped.WithLabelValues("short").Inc()
		return
	}
	f := &e.ifaces[c.iface]
	c.udp.used = true
	c.udp.idle = f.udpAliveTicks

	h, err := doip.ParseHeader(data)
	identify := h.Type == doip.VehicleIdentificationRequest ||
		h.Type == doip.VehicleIdentificationRequestEID ||
		h.Type == doip.VehicleIdentificationRequestVIN
	if err != nil || (h.Version != e.cfg.ProtocolVersion && !(identify && h.Version == doip.ProtocolVersionDefault)) {
		e.udpNack(c, remote, doip.HeaderIncorrectPatternFormat)
		return
	}
	switch h.Type {
	case doip.GenericHeaderNegativeAcknowledge, doip.VehicleAnnouncement,
		doip.EntityStatusResponse, doip.PowerModeInformationResponse:
		// never answered, another entity may share the segment
		metricUDPDropped.WithLabelValues("response").Inc()
		e.udpDone(c)
		return
	}
	payload := data[doip.HeaderLength:]

	var want int
	switch h.Type {
	case doip.VehicleIdentificationRequest, doip.EntityStatusRequest, doip.PowerModeInformationRequest:
		want = 0
	case doip.VehicleIdentificationRequestEID:
		want = doip.EIDLength
	case doip.VehicleIdentificationRequestVIN:
		want = doip.VINLength
	default:
		e.udpNack(c, remote, doip.HeaderUnknownPayloadType)
		return
	}
	if h.Length != uint32(want) || len(payload) != want {
		e.udpNack(c, remote, doip.HeaderInvalidPayloadLength)
		return
	}

	switch h.Type {
	case doip.VehicleIdentificationRequestEID:
		if !bytes.Equal(payload, e.cfg.EID[:]) {
			e.udpDone(c)
			return
		}
		e.udpRespond(c, remote, doip.VehicleAnnouncement, 0)
	case doip.VehicleIdentificationRequestVIN:
		if !bytes.Equal(payload, e.vin[:]) {
			e.udpDone(c)
			return
		}
		e.udpRespond(c, remote, doip.VehicleAnnouncement, 0)
	case doip.VehicleIdentificationRequest:
		e.udpRespond(c, remote, doip.VehicleAnnouncement, 0)
	case doip.EntityStatusRequest:
		e.udpRespond(c, remote, doip.EntityStatusResponse, 0)
	case doip.PowerModeInformationRequest:
		e.udpRespond(c, remote, doip.PowerModeInformationResponse, 0)
	}
}

func (e *Engine) udpNack(c *conn, remote netip.AddrPort, code uint8) {
	metricGenericNacks.WithLabelValues("udp", codeLabel(code)).Inc()
	e.udpRespond(c, remote, doip.GenericHeaderNegativeAcknowledge, uint32(code))
}

// udpRespond sends a response right away, falling back to the retry list
// when the transport is busy.
func (e *Engine) udpRespond(c *conn, remote netip.AddrPort, t doip.MsgTid, param uint32) {
	closeAfter := e.ifaces[c.iface].udpAliveTicks == 0 && c.cfg.Kind == KindUDP
	if !c.udp.txActive {
		c.udp.txActive = true
		err := e.tr.IfTransmit(c.socket, remote, e.compose(c, t, param))
		c.udp.txActive = false
		if err == nil {
			e.udpDone(c)
			return
		}
		if !errors.Is(err, ErrBusy) {
			e.log.Debugf("connection %s: send to %s: %v", c.cfg.Socket, remote, err)
		}
	}
	ok := e.addRetry(retryEntry{
		conn:       c.id,
		typ:        t,
		param:      param,
		remote:     remote,
		attempts:   e.cfg.RetryAttempts,
		repeat:     1,
		closeAfter: closeAfter,
	})
	if !ok {
		e.udpDone(c)
	}
}

// udpDone ends a request/response exchange. Without an alive timeout the
// connection is closed right away.
func (e *Engine) udpDone(c *conn) {
	if c.cfg.Kind == KindUDP && e.ifaces[c.iface].udpAliveTicks == 0 {
		e.closeConn(c, false)
	}
}

func (e *Engine) pollUDP(c *conn) {
	if c.cfg.Kind != KindUDP || !c.udp.used || e.ifaces[c.iface].udpAliveTicks == 0 {
		return
	}
	c.udp.idle--
	if c.udp.idle <= 0 {
		e.closeConn(c, false)
	}
}

// compose builds a UDP message into the shared buffer. The result is valid
// until the next call.
func (e *Engine) compose(c *conn, t doip.MsgTid, param uint32) []byte {
	b := e.udp[:doip.HeaderLength]
	switch t {
	case doip.VehicleAnnouncement:
		b = append(b, e.vin[:]...)
		b = binary.BigEndian.AppendUint16(b, e.cfg.LogicalAddress)
		b = append(b, e.cfg.EID[:]...)
		b = append(b, e.cfg.GID[:]...)
		b = append(b, e.furtherAction())
		if e.cfg.HasSyncStatus {
			b = append(b, e.cfg.SyncStatus)
		}
	case doip.EntityStatusResponse:
		total, open := 0, 0
		for _, id := range e.ifaces[c.iface].conns {
			o := &e.conns[id]
			if !o.tcp() {
				continue
			}
			total++
			if o.mode == SocketOnline {
				open++
			}
		}
		b = append(b, e.cfg.NodeType, byte(total), byte(open))
		if e.cfg.ReportMaxDataSize {
			b = binary.BigEndian.AppendUint32(b, e.cfg.MaxRequestBytes)
		}
	case doip.PowerModeInformationResponse:
		mode := doip.PowerModeNotSupported
		if e.cfg.PowerMode != nil {
			mode = e.cfg.PowerMode.PowerMode()
		}
		b = append(b, mode)
	case doip.GenericHeaderNegativeAcknowledge:
		b = append(b, byte(param))
	}
	doip.PutHeader(b, e.cfg.ProtocolVersion, t, uint32(len(b)-doip.HeaderLength))
	e.udp = b[:0]
	return b
}

// furtherAction requests central security when a tester allowed to use it
// has not activated routing yet.
func (e *Engine) furtherAction() uint8 {
	for i := range e.testers {
		if e.testers[i].conn != noConn {
			continue
		}
		for a, ac := range e.cfg.Activations {
			if ac.Number == doip.ActivationCentralSecurity && e.activationAllowed(testerID(i), a) {
				return doip.FurtherActionCentralSecurity
			}
		}
	}
	return doip.FurtherActionNone
}
