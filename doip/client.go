package doip

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"
)

const (
	readTimeout = 5 * time.Second
	dialTimeout = 10 * time.Second
)

// DoIP struct : tester side representation of one TCP_DATA connection
type DoIP struct {
	log            Logger
	source         uint16
	server         string
	activationType byte
	tlsConfig      *tls.Config
	readTimeout    time.Duration
	mtx            sync.Mutex
	inChan         chan *doIPMessage
	errChan        chan error
	running        chan struct{}
	connection     net.Conn
	entity         uint16
	aliveChecks    int
}

type doIPMessage struct {
	source uint16
	target uint16
	data   []byte
}

type doIPError int

const (
	noError                         doIPError = 0
	timeout                         doIPError = 1
	unmatchedSrcAddr                doIPError = 2
	incorrectPatternFormat          doIPError = 7
	invalidPayloadLength            doIPError = 8
	negativeAck                     doIPError = 9
	positiveAck                     doIPError = 10
	routingActivationResponseFailed doIPError = 11
	sessionDisconnected             doIPError = 12
	unknownPayloadType              doIPError = 13
	unknownError                    doIPError = 14
)

func (d doIPError) Error() string {
	switch d {
	case timeout:
		return fmt.Sprintf("#%02d <DoIP: Receive timeout>", d)
	case unmatchedSrcAddr:
		return fmt.Sprintf("#%02d <DoIP: Unmatched src address>", d)
	case incorrectPatternFormat:
		return fmt.Sprintf("#%02d <DoIP: Header incorrect pattern format, close socket>", d)
	case invalidPayloadLength:
		return fmt.Sprintf("#%02d <DoIP: Invalid payload length, close socket>", d)
	case negativeAck:
		return fmt.Sprintf("#%02d <DoIP: Negative ACK response>", d)
	case routingActivationResponseFailed:
		return fmt.Sprintf("#%02d <DoIP: Routing activation failed>", d)
	case sessionDisconnected:
		return fmt.Sprintf("#%02d <DoIP: Session disconnected>", d)
	case unknownPayloadType:
		return fmt.Sprintf("#%02d <DoIP: Unknown payload type>", d)
	default:
		return fmt.Sprintf("#%02d <DoIP: Unknown error>", unknownError)
	}
}

func (d doIPError) IsTimeout() bool {
	return d == timeout
}

func (d doIPError) IsDisconnected() bool {
	return d == sessionDisconnected
}

// ActivationError carries the response code of a refused routing activation.
type ActivationError struct {
	Code byte
}

func (e *ActivationError) Error() string {
	return fmt.Sprintf("%v (code 0x%02x)", routingActivationResponseFailed, e.Code)
}

// Unwrap lets errors.Is match the generic routing activation failure.
func (e *ActivationError) Unwrap() error { return routingActivationResponseFailed }

// NackError carries the code of a diagnostic message negative acknowledge.
type NackError struct {
	Code byte
}

func (e *NackError) Error() string {
	return fmt.Sprintf("%v (code 0x%02x)", negativeAck, e.Code)
}

// Unwrap lets errors.Is match the generic negative acknowledge.
func (e *NackError) Unwrap() error { return negativeAck }

// IsActivationFailure reports whether err is a refused routing activation.
func IsActivationFailure(err error) bool {
	return errors.Is(err, routingActivationResponseFailed)
}

// IsDisconnected reports whether err means the session was closed.
func IsDisconnected(err error) bool {
	return errors.Is(err, sessionDisconnected)
}

// NewDoIP : creates a new DoIP instance
// Connect opens the socket, starts the inputLoop routine and performs
// the routing activation handshake.
func NewDoIP(logger Logger, sourceAddress uint16, server string) *DoIP {
	d := &DoIP{
		source:      sourceAddress,
		readTimeout: readTimeout,
		server:      server,
	}

	d.log = logger
	return d
}

// SetReadTimeout set a custom read timeout
func (d *DoIP) SetReadTimeout(timeout time.Duration) {
	d.readTimeout = timeout
}

// SetActivationType selects the activation type sent in the handshake.
func (d *DoIP) SetActivationType(t byte) {
	d.activationType = t
}

// SetTLSConfig makes Connect dial a TLS connection.
func (d *DoIP) SetTLSConfig(c *tls.Config) {
	d.tlsConfig = c
}

// EntityAddress returns the logical address of the DoIP entity learnt from
// the routing activation response.
func (d *DoIP) EntityAddress() uint16 {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.entity
}

// AliveChecks returns how many alive check requests were answered.
func (d *DoIP) AliveChecks() int {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	return d.aliveChecks
}

// Connect : connect to the server and prepare to send/receive
// Initiates the inputLoop routine to receive messages from the socket and
// runs the routing activation handshake.
func (d *DoIP) Connect() (err error) {
	return d.ConnectContext(context.Background())
}

// ConnectContext is Connect with a context bounding the dial.
func (d *DoIP) ConnectContext(ctx context.Context) (err error) {
	dialer := &net.Dialer{Timeout: dialTimeout}
	var conn net.Conn
	if d.tlsConfig != nil {
		td := &tls.Dialer{NetDialer: dialer, Config: d.tlsConfig}
		conn, err = td.DialContext(ctx, "tcp", d.server)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", d.server)
	}
	if err != nil {
		d.log.Debug("Dial failed")
		return
	}

	d.mtx.Lock()
	d.connection = conn
	d.inChan = make(chan *doIPMessage, 16)
	d.errChan = make(chan error, 16)
	d.running = make(chan struct{})
	d.mtx.Unlock()

	// pass connection to inputLoop to avoid a race with Disconnect and try to access a nil pointer on the DoIP struct
	go d.inputLoop(conn, d.inChan, d.errChan)

	err = d.activationHandshake()
	if err != nil {
		d.log.Debugf("Activation handshake failed %v\n", err.Error())
		// we have to call disconnect here in order to close the connection and stop the input loop
		d.Disconnect()
		return
	}
	return
}

// Disconnect : closes the connection to the server
func (d *DoIP) Disconnect() {
	d.log.Debugf("Disconnect... ")
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.connection == nil {
		return
	}
	close(d.running)
	err := d.connection.Close()
	if err != nil {
		d.log.Debugf("Failed to close the socket (%v)", err)
	}
	d.connection = nil
}

// Exchange : sync way to send and rcv roundtrip message to the DoIP entity.
func (d *DoIP) Exchange(targetAddr uint16, writeData []byte) (readData []byte, err error) {
	if err := d.SendRaw(targetAddr, DiagnosticMessage, writeData); err != nil {
		return nil, err
	}
	_, _, readData, err = d.Receive()
	return readData, err
}

// SendMsg Message
func (d *DoIP) SendMsg(m MsgReq) error {
	buffer, err := Pack(m)
	if err != nil {
		return err
	}
	return d.write(buffer)
}

// Send :
func (d *DoIP) Send(TargetAddress uint16, data []byte) error {
	return d.SendRaw(TargetAddress, DiagnosticMessage, data)
}

// SendRaw : Send only method
func (d *DoIP) SendRaw(TargetAddress uint16, payloadType MsgTid, data []byte) error {
	var size int
	switch payloadType {
	case AliveCheckRequest:
		size = 8
	case RoutingActivationRequest, AliveCheckResponse:
		size = 10
	default:
		size = 12
	}

	var buffer = make([]byte, size+len(data))

	switch payloadType {
	case AliveCheckRequest:
		PutHeader(buffer, protocolVersion, payloadType, 0)
	case RoutingActivationRequest, AliveCheckResponse:
		PutHeader(buffer, protocolVersion, payloadType, uint32(len(data))+2)
		binary.BigEndian.PutUint16(buffer[8:10], d.source)
		copy(buffer[10:], data)
	case DiagnosticMessage:
		PutHeader(buffer, protocolVersion, payloadType, uint32(len(data))+4)
		binary.BigEndian.PutUint16(buffer[8:10], d.source)
		binary.BigEndian.PutUint16(buffer[10:12], TargetAddress)
		copy(buffer[12:], data)
	default:
		return unknownPayloadType
	}
	return d.write(buffer)
}

// WriteRaw sends b unmodified, header included.
func (d *DoIP) WriteRaw(b []byte) error {
	return d.write(b)
}

func (d *DoIP) write(buffer []byte) error {
	d.mtx.Lock()
	defer d.mtx.Unlock()
	if d.connection == nil {
		d.log.Debugf("DoIP: Attempt to send when not connected")
		return sessionDisconnected
	}
	_, err := d.connection.Write(buffer)
	return err
}

// Receive : get messages received. Set an error if a timeout or an error message has been received
func (d *DoIP) Receive() (source uint16, target uint16, data []byte, err error) {
	d.mtx.Lock()
	inChan, errChan := d.inChan, d.errChan
	d.mtx.Unlock()

	var ok bool
	select {
	case message, ok := <-inChan:
		if ok {
			source = message.source
			target = message.target
			data = message.data
			return
		}
		err = sessionDisconnected
		d.log.Debugf("%v", err)

	case err, ok = <-errChan:
		if !ok {
			err = sessionDisconnected
		}
		d.log.Debugf("%v", err)

	case <-time.After(d.readTimeout):
		err = timeout
		d.log.Debugf("%v", err)
	}
	return
}

// See Table 46
func (d *DoIP) activationHandshake() (err error) {
	err = d.SendRaw(d.source, RoutingActivationRequest, []byte{d.activationType, 0x00, 0x00, 0x00, 0x00})
	if err != nil {
		return
	}

	for {
		var source uint16
		var data []byte
		source, _, data, err = d.Receive()
		if err != nil {
			return
		}
		// See Table 48
		if len(data) == 0 {
			return routingActivationResponseFailed
		}
		switch data[0] {
		case RoutingSuccessfullyActivated:
			d.mtx.Lock()
			d.entity = source
			d.mtx.Unlock()
			return nil
		case RoutingConfirmationRequired:
			// the final answer follows once confirmed
			continue
		default:
			return &ActivationError{Code: data[0]}
		}
	}
}

func (d *DoIP) isStopped() bool {
	d.mtx.Lock()
	running := d.running
	d.mtx.Unlock()
	select {
	case _, ok := <-running:
		return !ok
	default:
		return false
	}
}

// inputLoop: waits for incoming data on the socket
// First, reads the header and extracts the package size
// Reads the package payload according to the size
// Drops message / sets errors as specified in the ISO or sends the message up
func (d *DoIP) inputLoop(connection net.Conn, inChan chan *doIPMessage, errChan chan error) {
	defer close(inChan)
	defer close(errChan)

	var header [HeaderLength]byte
	for {
		// First receive and decode the header
		n, err := io.ReadFull(connection, header[:])
		if err != nil {
			if !d.isStopped() && err != io.EOF && err != io.ErrUnexpectedEOF {
				d.log.Debugf("DoIP: Failed to read from socket (recv: %v of %v, err: %v)", n, HeaderLength, err)
			}
			return
		}
		h, err := ParseHeader(header[:])
		if err != nil || h.Version != protocolVersion {
			d.log.Debugf("DoIP Protocol Error")
			errChan <- incorrectPatternFormat
			return
		}

		payload := make([]byte, h.Length)
		// Then receive the payload
		n, err = io.ReadFull(connection, payload)
		if err != nil {
			if !d.isStopped() && err != io.EOF && err != io.ErrUnexpectedEOF {
				d.log.Debugf("DoIP: Failed to read from socket (recv: %v of %v, err: %v)", n, h.Length, err)
			}
			return
		}

		m, err := Unpack(payload, h.Type)
		if err != nil {
			d.log.Debugf("DoIP: Unknown payload type %04x - drop message", uint16(h.Type))
			errChan <- unknownPayloadType
			continue
		}

		switch r := m.(type) {
		case *MsgAliveChkReq:
			d.mtx.Lock()
			d.aliveChecks++
			d.mtx.Unlock()
			if err := d.SendMsg(NewAliveChkRes(d.source)); err != nil {
				d.log.Debugf("DoIP: alive check response failed %v", err)
			}
		case *MsgNACKReq:
			d.log.Debugf("DoIP: NACK %d - drop message", r.ErrCode)
			errChan <- unknownPayloadType
		case *MsgActivationRes:
			if r.SrcAddress != d.source {
				errChan <- unmatchedSrcAddr
				continue
			}
			inChan <- &doIPMessage{source: r.DstAddress, target: r.SrcAddress, data: []byte{r.Code}}
		case *MsgDiagMsgRes:
			if r.DstAddress != d.source {
				errChan <- unmatchedSrcAddr
				continue
			}
			if r.GetID() == DiagnosticMessageNegativeAcknowledge {
				errChan <- &NackError{Code: r.AckCode}
			}
			// positive acknowledges are only confirmations of our own sends
		case *MsgDiagMsgReq:
			if r.DstAddress != d.source {
				d.log.Debugf("DoIP: Unknown target address %v - drop message", r.DstAddress)
				errChan <- unmatchedSrcAddr
				continue
			}
			inChan <- &doIPMessage{source: r.SrcAddress, target: r.DstAddress, data: r.Userdata}
		default:
			d.log.Debugf("DoIP: Unexpected payload type - drop message")
			errChan <- unknownPayloadType
		}
	}
}
