// Package uds holds a minimal ISO 14229-1 layer on both sides of a DoIP
// link: a tester client running over a TransPipe and a Responder serving
// the diagnostic channels of a gateway.Engine.
package uds

import (
	"bytes"
	"fmt"

	"github.com/eshenhu/doipnode/doip"
)

// The definition of these constants can be found in ISO 14229-1
// Request codes
const (
	SessionControlReq uint8 = 0x10
	DtcReq            uint8 = 0x19
	ReadDIDReq        uint8 = 0x22
	TesterPresentReq  uint8 = 0x3E
)

// Response codes
const (
	posRespMask   uint8 = 0x40
	NegRespServID uint8 = 0x7f
)

// Negative response codes
const (
	NrcServiceNotSupported    uint8 = 0x11
	NrcSubFunctionNotSupp     uint8 = 0x12
	NrcIncorrectLength        uint8 = 0x13
	NrcConditionsNotCorrect   uint8 = 0x22
	NrcRequestOutOfRange      uint8 = 0x31
	NrcResponsePending        uint8 = 0x78
	suppressPosRespBit        uint8 = 0x80
	dtcByMask                 uint8 = 0x02
	testerPresentZeroSubFunct uint8 = 0x00
)

// TransPipe interface should be implemented by the layers
// intended to be used by uds. *doip.DoIP implements it.
type TransPipe interface {
	Connect() error
	Disconnect()
	Send(TargetAddress uint16, data []byte) error
	Receive() (SourceAddress uint16, TargetAddress uint16, data []byte, err error)
}

var _ TransPipe = (*doip.DoIP)(nil)

// disconnected is implemented by transport errors telling the link is gone.
type disconnected interface {
	error
	IsDisconnected() bool
}

// Error : specific uds error
type Error interface {
	error
	Unrecoverable() bool
}

type udsError struct {
	code     int
	request  []byte
	response []byte
	addr     uint16
	source   uint16
	count    int8
	err      error
}

const (
	innerError             int = 0
	tooManyResponsePending int = 2
	unexpectedResponse     int = 4
	zeroLengthResponse     int = 5
	responseFromWrongEcu   int = 6
	unknownError           int = 12
)

func (u *udsError) Error() string {
	switch u.code {
	case innerError:
		return fmt.Sprintf("#%02d.%x.%x %s", u.code, u.addr, u.request, u.err)
	case tooManyResponsePending:
		return fmt.Sprintf("#%02d.%x.%x.%02x <%s>", u.code, u.addr, u.request, u.count, "Uds: Too many response pending messages received")
	case unexpectedResponse:
		return fmt.Sprintf("#%02d.%x.%x.%x <%s>", u.code, u.addr, u.request, u.response, "Uds: Unexpected response")
	case zeroLengthResponse:
		return fmt.Sprintf("#%02d.%x.%x.%x <%s>", u.code, u.addr, u.request, u.source, "Uds: Zero length Response")
	case responseFromWrongEcu:
		return fmt.Sprintf("#%02d.%x.%x.%x <%s>", u.code, u.addr, u.request, u.source, "Uds: Response from wrong ecu")
	default:
		return fmt.Sprintf("#%02d <Uds: Unknown error>", unknownError)
	}
}

func (u *udsError) Unwrap() error { return u.err }

func (u *udsError) Unrecoverable() bool {
	if u.err == nil {
		return false
	}
	d, ok := u.err.(disconnected)
	return ok && d.IsDisconnected()
}

// NegativeResponse returns the response code of a negative response, or 0.
func NegativeResponse(response []byte) uint8 {
	if len(response) < 3 || response[0] != NegRespServID {
		return 0
	}
	return response[2]
}

// Client : tester side UDS services
type Client struct {
	log          doip.Logger
	trans        TransPipe
	pendingCount int8
}

// NewClient creates a new UDS session with trans as the bearer, with the
// default value five for pendingCount.
func NewClient(log doip.Logger, trans TransPipe) *Client {
	// The default value here is just set arbitrary
	return NewClientWithPendingCount(log, trans, 5)
}

// NewClientWithPendingCount creates a new UDS session with trans as the bearer.
// count is the number or response pending messages the UDS layer will accept before returning an error.
func NewClientWithPendingCount(log doip.Logger, trans TransPipe, count int8) *Client {
	return &Client{log: log, trans: trans, pendingCount: count}
}

// ReadDID : ReadDataByIdentifier (0x22) service: requests data record values from the server identified by one or more data identifiers
func (u *Client) ReadDID(addr uint16, did uint16) ([]byte, []byte, error) {
	request := []byte{ReadDIDReq, byte(did >> 8), byte(did)}
	response, err := u.doUdsRawReq(addr, request)
	return request, response, err
}

// ReadDTCByMask : ReadDTCInformation (0x19) service : sub-function (0x02): retrieves a list of DTCs that match the status mask specified
func (u *Client) ReadDTCByMask(addr uint16, statusMask uint8) ([]byte, []byte, error) {
	request := []byte{DtcReq, dtcByMask, statusMask}
	response, err := u.doUdsRawReq(addr, request)
	return request, response, err
}

// SessionControl : DiagnosticSessionControl (0x10) service
func (u *Client) SessionControl(addr uint16, session uint8) ([]byte, []byte, error) {
	request := []byte{SessionControlReq, session}
	response, err := u.doUdsRawReq(addr, request)
	return request, response, err
}

// TesterPresent : TesterPresent (0x3E) service, positive response required
func (u *Client) TesterPresent(addr uint16) ([]byte, []byte, error) {
	request := []byte{TesterPresentReq, testerPresentZeroSubFunct}
	response, err := u.doUdsRawReq(addr, request)
	return request, response, err
}

// doUdsRawReq is a helper function that handles errors in send/receive and retries on UDS response pending
func (u *Client) doUdsRawReq(addr uint16, request []byte) (response []byte, err error) {
	u.log.Debugf("Sending uds request to %x with payload %x", addr, request)
	err = u.trans.Send(addr, request)
	if err != nil {
		u.log.Infof("Sending uds request to %x with payload %x failed with %s", addr, request, err)
		err = &udsError{
			err:     err,
			code:    innerError,
			request: request,
			addr:    addr,
			source:  addr,
		}
		return
	}

	var source uint16
	count := int8(0)

	for count <= u.pendingCount {
		u.log.Debugf("Waiting for uds response for request %x", request)
		source, _, response, err = u.trans.Receive()
		if len(response) == 0 && err == nil {
			err = &udsError{
				code:    zeroLengthResponse,
				request: request,
				addr:    addr,
				source:  source,
			}
			return
		}
		switch {
		case err != nil:
			err = &udsError{
				code:    innerError,
				request: request,
				addr:    addr,
				err:     err,
			}
			return

		case source != addr:
			u.log.Debugf("Received a response from the wrong source %d with payload %v", source, response)
			err = &udsError{
				code:    responseFromWrongEcu,
				request: request,
				addr:    addr,
				source:  source,
			}
			return

		case response[0] == NegRespServID:
			if len(response) < 3 || response[2] != NrcResponsePending {
				u.log.Debugf("Received a negative response %v", response)
				return // got a negative response, all good for us send it up
			}

			// try to handle the pending response by call Receive again
			count++
			u.log.Debugf("response pending, count: %v of %v", count, u.pendingCount)

		case !validatePositiveResponse(request, response):
			u.log.Debugf("Received an unexpected response %v", response)
			err = &udsError{
				code:     unexpectedResponse,
				request:  request,
				addr:     addr,
				response: response,
			}
			return

		default: // good answer
			u.log.Debugf("Received positive response %v", response)
			return
		}
	}
	err = &udsError{
		code:    tooManyResponsePending,
		request: request,
		addr:    addr,
		count:   count,
	}
	return
}

// validatePositiveResponse : check that the response received has the correct format
func validatePositiveResponse(request []byte, response []byte) bool {
	if len(response) == 0 || request[0]|posRespMask != response[0] {
		return false
	}

	switch request[0] {
	case ReadDIDReq:
		params := len(request) - 1
		return len(response) >= params+1 && bytes.Equal(request[1:params+1], response[1:params+1])
	case DtcReq, SessionControlReq, TesterPresentReq:
		return len(response) > 1 && request[1] == response[1]
	default:
		return true
	}
}
