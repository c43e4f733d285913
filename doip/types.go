package doip

import (
	"github.com/pion/logging"
)

// Logger interface should be implemented by the client
type Logger interface {
	Debug(msg string)
	Debugf(format string, v ...interface{})
	Info(msg string)
	Infof(format string, v ...interface{})
}

// NewLogger creates a new logger instance scoped to "doip". The level is
// taken from the PION_LOG_* environment variables.
func NewLogger() Logger {
	return logging.NewDefaultLoggerFactory().NewLogger("doip")
}

var _ Logger = (logging.LeveledLogger)(nil)
