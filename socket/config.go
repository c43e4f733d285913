package socket

import (
	"crypto/tls"
	"fmt"
	"time"

	"github.com/pion/logging"
)

// Socket networks.
const (
	NetUDP    = "udp"
	NetTCP    = "tcp"
	NetTCPTLS = "tcp-tls"
)

const (
	defaultRetryInterval = 10 * time.Millisecond
	defaultReadBuffer    = 4096
	maxPendingDatagrams  = 8
)

// Config describes the sockets served by a Transport.
type Config struct {
	Sockets []SocketConfig
	// Locals are local addresses configured outside of the process. They
	// are reported assigned as soon as Serve runs.
	Locals []string
	// TLSConfig is required when a socket uses NetTCPTLS.
	TLSConfig *tls.Config
	// RetryInterval is the wait before data refused by the engine is
	// offered again.
	RetryInterval time.Duration
	// ReadBufferSize bounds a single read on a TCP connection.
	ReadBufferSize int

	// NotifyStartedFunc is called once every listener is bound.
	NotifyStartedFunc func()

	LoggerFactory logging.LoggerFactory
}

// SocketConfig is one named socket.
type SocketConfig struct {
	Name string
	// Net is one of NetUDP, NetTCP or NetTCPTLS.
	Net string
	// Addr is the local "host:port". TCP sockets with the same Net and Addr
	// share one listener; every accepted connection takes a free socket.
	Addr string
	// Broadcast allows sending to broadcast addresses on a UDP socket.
	Broadcast bool
}

func (c *Config) withDefaults() {
	if c.RetryInterval <= 0 {
		c.RetryInterval = defaultRetryInterval
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = defaultReadBuffer
	}
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

func (c *Config) validate() error {
	if len(c.Sockets) == 0 {
		return fmt.Errorf("%w: no sockets", ErrInvalidConfig)
	}
	names := make(map[string]bool, len(c.Sockets))
	for i, s := range c.Sockets {
		if s.Name == "" {
			return fmt.Errorf("%w: socket %d: empty name", ErrInvalidConfig, i)
		}
		if names[s.Name] {
			return fmt.Errorf("%w: socket %q: duplicate name", ErrInvalidConfig, s.Name)
		}
		names[s.Name] = true
		switch s.Net {
		case NetUDP, NetTCP:
		case NetTCPTLS:
			if c.TLSConfig == nil {
				return fmt.Errorf("%w: socket %q: no TLS config", ErrInvalidConfig, s.Name)
			}
		default:
			return fmt.Errorf("%w: socket %q: unknown network %q", ErrInvalidConfig, s.Name, s.Net)
		}
		if s.Broadcast && s.Net != NetUDP {
			return fmt.Errorf("%w: socket %q: broadcast on %s", ErrInvalidConfig, s.Name, s.Net)
		}
	}
	return nil
}
