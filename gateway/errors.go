package gateway

import "errors"

// Engine errors.
var (
	// ErrNotAccepted is returned when a transmit queue has no room left.
	ErrNotAccepted = errors.New("doip: not accepted")

	// ErrBusy is returned by collaborators that cannot serve a request now.
	ErrBusy = errors.New("doip: busy")

	// ErrOverflow is returned by the Router when a reception does not fit.
	ErrOverflow = errors.New("doip: buffer overflow")

	// ErrCanceled is reported for receptions and transmissions canceled by
	// the upper layer.
	ErrCanceled = errors.New("doip: canceled")

	// ErrConnectionLost is reported to the Router when the socket carrying a
	// reception or transmission went down.
	ErrConnectionLost = errors.New("doip: connection lost")

	// ErrNotActive is returned when the tester of a channel has no activated
	// connection.
	ErrNotActive = errors.New("doip: routing not active")

	// ErrUnknownSocket is returned for callbacks about sockets the engine
	// does not own.
	ErrUnknownSocket = errors.New("doip: unknown socket")

	// ErrUnknownChannel is returned for channel identifiers out of range.
	ErrUnknownChannel = errors.New("doip: unknown channel")

	// ErrShutdown is returned once Shutdown was called.
	ErrShutdown = errors.New("doip: shut down")

	// ErrInvalidConfig wraps every configuration validation failure.
	ErrInvalidConfig = errors.New("doip: invalid config")
)
