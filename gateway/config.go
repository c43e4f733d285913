package gateway

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/pion/logging"

	"github.com/eshenhu/doipnode/channel"
	"github.com/eshenhu/doipnode/doip"
)

// ConnKind is the role of a configured socket connection.
type ConnKind int

const (
	// KindUDP answers vehicle identification, entity status and power mode
	// requests.
	KindUDP ConnKind = iota
	// KindUDPAnnouncement sends vehicle announcements.
	KindUDPAnnouncement
	// KindTCP carries routing activation and diagnostic messages.
	KindTCP
)

func (k ConnKind) String() string {
	switch k {
	case KindUDP:
		return "udp"
	case KindUDPAnnouncement:
		return "udp-announcement"
	case KindTCP:
		return "tcp"
	}
	return "invalid"
}

// ISO 13400-2 timing defaults, Table 40.
const (
	DefaultPollPeriod               = 10 * time.Millisecond
	DefaultInitialInactivityTimeout = 2 * time.Second
	DefaultGeneralInactivityTimeout = 5 * time.Minute
	DefaultAliveCheckTimeout        = 500 * time.Millisecond
	DefaultAnnounceInterval         = 500 * time.Millisecond
	DefaultAnnounceCount            = 3
	DefaultDeactivationTimeout      = time.Second
	DefaultTxQueueSize              = 4
	DefaultDiagPrefixLength         = 4
	DefaultRetryListSize            = 8
	DefaultRetryAttempts            = 3
	DefaultMaxRequestBytes          = 4096
)

// DHCPOptionHostname is the DHCP option carrying the host name.
const DHCPOptionHostname uint8 = 12

// Config is the static engine configuration. It is copied by New and not
// modified afterwards.
type Config struct {
	// ProtocolVersion is the version expected on every message and used on
	// every response. Defaults to doip.ProtocolVersion2012.
	ProtocolVersion uint8
	// LogicalAddress of the entity.
	LogicalAddress uint16
	// VIN is the 17 character vehicle identification number; empty reports
	// an invalid VIN (all 0xFF).
	VIN string
	EID [doip.EIDLength]byte
	GID [doip.GIDLength]byte
	// SyncStatus is appended to vehicle announcements when HasSyncStatus is set.
	SyncStatus    uint8
	HasSyncStatus bool
	NodeType      uint8

	// MaxRequestBytes bounds the user data of a received diagnostic message.
	// Larger messages are answered with a generic "message too large".
	MaxRequestBytes uint32
	// ReportMaxDataSize adds MaxRequestBytes to entity status responses.
	ReportMaxDataSize bool

	// PollPeriod is the period Run calls Poll with. Every timeout is counted
	// in poll ticks of this length.
	PollPeriod time.Duration
	// TxQueueSize is the transmit queue length of every TCP connection.
	TxQueueSize int
	// DiagPrefixLength is the number of user data bytes buffered before a
	// reception is started on the upper layer.
	DiagPrefixLength int
	// AckEchoLength is the number of user data bytes echoed back in
	// diagnostic acknowledges. It cannot exceed DiagPrefixLength.
	AckEchoLength int
	// SizeRouting selects channels by payload size among those sharing a
	// target address.
	SizeRouting bool

	RetryListSize int
	RetryAttempts int

	Interfaces  []InterfaceConfig
	Testers     []TesterConfig
	Activations []ActivationConfig
	Channels    []channel.Config

	OEM          OEMHandler
	PowerMode    PowerModeProvider
	SecurePolicy SecurePolicy
	ErrorSink    ErrorSink

	LoggerFactory logging.LoggerFactory
}

// LocalAddrConfig names a local IP address managed by the transport.
type LocalAddrConfig struct {
	Name string
	// RequestAssignment asks the transport for an assignment when the
	// activation line goes active. Without it the transport reports the
	// state on its own.
	RequestAssignment bool
}

// InterfaceConfig is one network interface with its activation line.
type InterfaceConfig struct {
	Name string
	// StartActive activates the line at New.
	StartActive bool
	LocalAddrs  []LocalAddrConfig
	Connections []ConnectionConfig

	// MaxActiveConnections is the number of TCP connections per local
	// address that may hold an activated tester. Zero reserves one of the
	// configured TCP sockets for admission, when there are more than one.
	MaxActiveConnections int

	InitialInactivityTimeout time.Duration
	GeneralInactivityTimeout time.Duration
	AliveCheckTimeout        time.Duration
	// AliveCheckMargin sends an alive check this long before the general
	// inactivity timeout closes an activated connection. Zero disables it.
	AliveCheckMargin time.Duration
	// DeactivationTimeout bounds the graceful shutdown of the interface
	// when its line goes inactive.
	DeactivationTimeout time.Duration

	AnnounceAddr     netip.AddrPort
	AnnounceWait     time.Duration
	AnnounceInterval time.Duration
	AnnounceCount    int
	// UDPAliveTimeout keeps UDP connections open for that long after the
	// last request. Zero closes them right after the response.
	UDPAliveTimeout time.Duration

	// DHCPHostname is written to the DHCP host name option before an
	// assignment is requested.
	DHCPHostname string
}

// ConnectionConfig is one socket connection of an interface.
type ConnectionConfig struct {
	// Socket is the transport name resolved with Transport.ResolveSocket.
	Socket string
	Kind   ConnKind
	// LocalAddr indexes InterfaceConfig.LocalAddrs.
	LocalAddr int
	// Secured marks TLS connections.
	Secured bool
}

// TesterConfig is a tester allowed to activate routing.
type TesterConfig struct {
	Address uint16
	// Default matches every source address not configured explicitly.
	Default bool
	// Activations indexes Config.Activations; empty allows all.
	Activations []int
}

// ActivationConfig is one routing activation type.
type ActivationConfig struct {
	Number           uint8
	SecurityRequired bool
	Authenticator    Authenticator
	Confirmer        Confirmer
	// RequestOEMLength requires OEM data in the request when not zero.
	RequestOEMLength int
	// ResponseOEMLength appends OEM data to positive responses when not zero.
	ResponseOEMLength int
	// Channels reachable once activated; empty allows every channel of the
	// tester.
	Channels []channel.ID
}

func (c *Config) withDefaults() {
	if c.ProtocolVersion == 0 {
		c.ProtocolVersion = doip.ProtocolVersion2012
	}
	if c.PollPeriod <= 0 {
		c.PollPeriod = DefaultPollPeriod
	}
	if c.TxQueueSize == 0 {
		c.TxQueueSize = DefaultTxQueueSize
	}
	if c.DiagPrefixLength == 0 {
		c.DiagPrefixLength = DefaultDiagPrefixLength
	}
	if c.RetryListSize == 0 {
		c.RetryListSize = DefaultRetryListSize
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.MaxRequestBytes == 0 {
		c.MaxRequestBytes = DefaultMaxRequestBytes
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	for i := range c.Interfaces {
		c.Interfaces[i].withDefaults()
	}
}

func (c *InterfaceConfig) withDefaults() {
	if c.InitialInactivityTimeout == 0 {
		c.InitialInactivityTimeout = DefaultInitialInactivityTimeout
	}
	if c.GeneralInactivityTimeout == 0 {
		c.GeneralInactivityTimeout = DefaultGeneralInactivityTimeout
	}
	if c.AliveCheckTimeout == 0 {
		c.AliveCheckTimeout = DefaultAliveCheckTimeout
	}
	if c.DeactivationTimeout == 0 {
		c.DeactivationTimeout = DefaultDeactivationTimeout
	}
	if c.AnnounceInterval == 0 {
		c.AnnounceInterval = DefaultAnnounceInterval
	}
	if c.AnnounceCount == 0 {
		c.AnnounceCount = DefaultAnnounceCount
	}
	if !c.AnnounceAddr.IsValid() {
		c.AnnounceAddr = netip.AddrPortFrom(netip.AddrFrom4([4]byte{255, 255, 255, 255}), doip.UDPDiscoveryPort)
	}
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func (c *Config) validate() error {
	switch c.ProtocolVersion {
	case doip.ProtocolVersion2012, doip.ProtocolVersion2019:
	default:
		return invalid("protocol version %#x", c.ProtocolVersion)
	}
	if c.VIN != "" && len(c.VIN) != doip.VINLength {
		return invalid("VIN %q is not %d characters", c.VIN, doip.VINLength)
	}
	if c.TxQueueSize < 2 {
		return invalid("tx queue size %d, need at least 2", c.TxQueueSize)
	}
	if c.AckEchoLength < 0 || c.AckEchoLength > c.DiagPrefixLength {
		return invalid("ack echo length %d exceeds prefix length %d", c.AckEchoLength, c.DiagPrefixLength)
	}
	if c.DiagPrefixLength < 0 || c.DiagPrefixLength > maxDiagPrefix {
		return invalid("prefix length %d out of range", c.DiagPrefixLength)
	}
	if len(c.Interfaces) == 0 {
		return invalid("no interfaces")
	}
	if len(c.Channels) == 0 {
		return invalid("no channels")
	}
	names := make(map[string]bool)
	for i, ic := range c.Interfaces {
		if len(ic.Connections) == 0 {
			return invalid("interface %d has no connections", i)
		}
		locals := make(map[string]bool)
		for _, la := range ic.LocalAddrs {
			if la.Name == "" || locals[la.Name] {
				return invalid("interface %d: bad local address name %q", i, la.Name)
			}
			locals[la.Name] = true
		}
		for j, cc := range ic.Connections {
			if cc.Socket == "" || names[cc.Socket] {
				return invalid("interface %d connection %d: bad socket name %q", i, j, cc.Socket)
			}
			names[cc.Socket] = true
			if cc.LocalAddr < 0 || cc.LocalAddr >= len(ic.LocalAddrs) {
				return invalid("interface %d connection %d: local address %d", i, j, cc.LocalAddr)
			}
			if cc.Kind < KindUDP || cc.Kind > KindTCP {
				return invalid("interface %d connection %d: kind %d", i, j, cc.Kind)
			}
		}
	}
	defaults := 0
	seen := make(map[uint16]bool)
	for i, t := range c.Testers {
		for _, a := range t.Activations {
			if a < 0 || a >= len(c.Activations) {
				return invalid("tester %d: activation %d", i, a)
			}
		}
		if t.Default {
			defaults++
			continue
		}
		if seen[t.Address] {
			return invalid("tester %d: duplicate address %#04x", i, t.Address)
		}
		seen[t.Address] = true
	}
	if defaults > 1 {
		return invalid("%d default testers", defaults)
	}
	for i, a := range c.Activations {
		if a.RequestOEMLength != 0 && a.RequestOEMLength != doip.OEMSpecificLength {
			return invalid("activation %d: request OEM length %d", i, a.RequestOEMLength)
		}
		if a.ResponseOEMLength != 0 && a.ResponseOEMLength != doip.OEMSpecificLength {
			return invalid("activation %d: response OEM length %d", i, a.ResponseOEMLength)
		}
		for _, ch := range a.Channels {
			if ch < 0 || int(ch) >= len(c.Channels) {
				return invalid("activation %d: channel %d", i, ch)
			}
		}
	}
	for i, ch := range c.Channels {
		if ch.Tester < 0 || ch.Tester >= len(c.Testers) {
			return invalid("channel %d: tester %d", i, ch.Tester)
		}
	}
	return nil
}

// ticks converts d to poll ticks, rounding up. A positive duration is at
// least one tick.
func (c *Config) ticks(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + c.PollPeriod - 1) / c.PollPeriod)
}
