package gateway

import (
	"net/netip"

	"github.com/eshenhu/doipnode/channel"
)

// SocketID identifies a socket connection of the transport.
type SocketID int

// SocketMode is the state of a socket connection as reported by the transport.
type SocketMode int

const (
	SocketOffline SocketMode = iota
	SocketReconnecting
	SocketOnline
)

func (m SocketMode) String() string {
	switch m {
	case SocketOffline:
		return "offline"
	case SocketReconnecting:
		return "reconnecting"
	case SocketOnline:
		return "online"
	}
	return "invalid"
}

// IPState is the assignment state of a local IP address.
type IPState int

const (
	IPUnassigned IPState = iota
	IPOnHold
	IPAssigned
)

func (s IPState) String() string {
	switch s {
	case IPUnassigned:
		return "unassigned"
	case IPOnHold:
		return "on-hold"
	case IPAssigned:
		return "assigned"
	}
	return "invalid"
}

// Transport is the socket layer below the engine.
//
// The engine calls it while holding its own lock, so implementations must
// not call back into the Engine from inside these methods; callbacks are
// delivered later from the transport's own goroutines.
type Transport interface {
	// ResolveSocket maps a configured socket name to its identifier. It may
	// fail until the transport is ready; the engine retries every poll.
	ResolveSocket(name string) (SocketID, error)
	// Open makes the socket ready: bind for UDP, listen / accept for TCP.
	// The result is reported through Engine.SocketModeChanged.
	Open(s SocketID) error
	// Close releases the socket. abort drops unsent data.
	Close(s SocketID, abort bool) error
	// IfTransmit sends one UDP datagram. data is only valid during the call.
	// ErrBusy means "try again later".
	IfTransmit(s SocketID, remote netip.AddrPort, data []byte) error
	// TpTransmit announces length bytes on a TCP socket. The transport pulls
	// them with Engine.CopyTxData and ends with Engine.TxConfirmation.
	TpTransmit(s SocketID, length int) error
	// TpCancel ends the transmission started by TpTransmit early: the
	// transport pulls data again and stops at the error CopyTxData returns.
	TpCancel(s SocketID) error
	LocalAddr(s SocketID) (netip.AddrPort, error)
	RemoteAddr(s SocketID) (netip.AddrPort, error)
	// RequestIPAssignment asks for the local address to be configured.
	// The result is reported through Engine.IPAssignmentChanged.
	RequestIPAssignment(local string) error
	ReleaseIPAssignment(local string) error
	ReadDHCPOption(local string, code uint8) ([]byte, error)
	WriteDHCPOption(local string, code uint8, data []byte) error
}

// Router is the upper layer owning the diagnostic payloads.
//
// Like Transport it is called with the engine lock held and must not call
// back into the Engine synchronously.
type Router interface {
	// StartOfReception opens a reception of total bytes on ch. prefix holds
	// the first bytes of the payload and counts as delivered. It returns the
	// buffer available for the rest; ErrOverflow rejects the message as too
	// large for the available memory.
	StartOfReception(ch channel.ID, prefix []byte, total int) (int, error)
	// CopyRxData delivers the next chunk and returns the buffer left. An
	// empty chunk only queries the available buffer.
	CopyRxData(ch channel.ID, data []byte) (int, error)
	// RxIndication ends the reception; err is nil on success.
	RxIndication(ch channel.ID, err error)
	// CopyTxData fills dst with the next bytes of a transmission started
	// with Engine.Transmit. ErrBusy means no data is available yet.
	CopyTxData(ch channel.ID, dst []byte) (int, error)
	// TxConfirmation ends a transmission; err is nil on success.
	TxConfirmation(ch channel.ID, err error)
}

// ActivationNotifier is optionally implemented by the Router to learn when
// a tester gains or loses routing on a connection.
type ActivationNotifier interface {
	RoutingActivationChanged(tester uint16, active bool)
}
