package gateway

import (
	"github.com/eshenhu/doipnode/doip"
)

// HookResult is the outcome of an activation hook.
type HookResult int

const (
	HookAccepted HookResult = iota
	// HookPending asks the engine to call the hook again on the next poll.
	HookPending
	HookRejected
)

// ActivationRequest describes the routing activation being decided.
type ActivationRequest struct {
	Socket         SocketID
	Tester         uint16
	ActivationType uint8
	Secured        bool
	// OEM holds the OEM specific request bytes, nil when absent.
	OEM []byte
}

// Authenticator decides the authentication step of a routing activation.
// res is the OEM specific part of the response, kept across pending calls.
type Authenticator interface {
	Authenticate(req ActivationRequest, res []byte) HookResult
}

// Confirmer decides the confirmation step of a routing activation.
type Confirmer interface {
	Confirm(req ActivationRequest, res []byte) HookResult
}

// SecurePolicy may grant security-required activations on unsecured
// connections.
type SecurePolicy interface {
	AllowUnsecured(req ActivationRequest) bool
}

// OEMHandler serves manufacturer specific payload types on TCP connections.
type OEMHandler interface {
	// MaxLength returns the largest payload accepted for t, false when t is
	// not supported.
	MaxLength(t doip.MsgTid) (int, bool)
	// Handle processes a complete payload. A non-nil response is sent back
	// with type res.
	Handle(s SocketID, t doip.MsgTid, payload []byte) (res doip.MsgTid, resp []byte)
}

// OEMReleaser is optionally implemented by OEMHandler to get response
// buffers back once they were sent or dropped.
type OEMReleaser interface {
	Release(resp []byte)
}

// PowerModeProvider reports the diagnostic power mode.
type PowerModeProvider interface {
	PowerMode() uint8
}

// ErrorSink receives configuration and internal errors. Without one they
// are logged.
type ErrorSink interface {
	ReportError(op string, err error)
}

// HookFunc adapts a function to Authenticator and Confirmer.
type HookFunc func(req ActivationRequest, res []byte) HookResult

func (f HookFunc) Authenticate(req ActivationRequest, res []byte) HookResult { return f(req, res) }

func (f HookFunc) Confirm(req ActivationRequest, res []byte) HookResult { return f(req, res) }

// PowerModeFunc adapts a function to PowerModeProvider.
type PowerModeFunc func() uint8

func (f PowerModeFunc) PowerMode() uint8 { return f() }
