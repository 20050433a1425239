package build

import (
	"fmt"
	"os"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"

	"github.com/roasbeef/hive/internal/db"
	"github.com/roasbeef/hive/internal/gateway"
	"github.com/roasbeef/hive/internal/membership"
	"github.com/roasbeef/hive/internal/outbox"
	"github.com/roasbeef/hive/internal/reminder"
	"github.com/roasbeef/hive/internal/runtime"
	"github.com/roasbeef/hive/internal/silo"
	"github.com/roasbeef/hive/internal/stream"
	"github.com/roasbeef/hive/internal/transport"
)

// Subsystem tags for the daemon's loggers.
const (
	SubDB         = "HDBS"
	SubMembership = "MBRS"
	SubRuntime    = "ACTR"
	SubReminder   = "RMND"
	SubStream     = "STRM"
	SubTransport  = "XPRT"
	SubOutbox     = "OTBX"
	SubGateway    = "GWAY"
	SubSilo       = "SILO"
)

// LogConfig configures the daemon's logging.
type LogConfig struct {
	// LogDir enables file logging with rotation when set.
	LogDir string

	// Level is the btclog level name applied to every subsystem.
	Level string

	// MaxLogFiles and MaxLogFileSize override the rotation defaults.
	MaxLogFiles    int
	MaxLogFileSize int
}

// LogManager owns the root handler: console output plus an optional
// rotating log file, fanned out through one handler set. Subsystem loggers
// share the sinks and differ only in their tag.
type LogManager struct {
	handler *fanout
	rotator *RotatingLogWriter
}

// NewLogManager builds the handler set from the config.
func NewLogManager(cfg *LogConfig) (*LogManager, error) {
	handlers := []btclogv2.Handler{
		btclogv2.NewDefaultHandler(os.Stdout),
	}

	var rot *RotatingLogWriter
	if cfg.LogDir != "" {
		maxFiles := cfg.MaxLogFiles
		if maxFiles <= 0 {
			maxFiles = DefaultMaxLogFiles
		}
		maxSize := cfg.MaxLogFileSize
		if maxSize <= 0 {
			maxSize = DefaultMaxLogFileSize
		}

		rot = NewRotatingLogWriter()
		err := rot.InitLogRotator(&LogRotatorConfig{
			LogDir:         cfg.LogDir,
			MaxLogFiles:    maxFiles,
			MaxLogFileSize: maxSize,
		})
		if err != nil {
			return nil, fmt.Errorf("init log rotator: %w", err)
		}
		handlers = append(handlers, btclogv2.NewDefaultHandler(rot))
	}

	set := newFanout(handlers...)
	if cfg.Level != "" {
		level, ok := btclog.LevelFromString(cfg.Level)
		if !ok {
			return nil, fmt.Errorf("unknown log level %q",
				cfg.Level)
		}
		set.SetLevel(level)
	}

	return &LogManager{
		handler: set,
		rotator: rot,
	}, nil
}

// Subsystem returns a logger tagged for one subsystem.
func (m *LogManager) Subsystem(tag string) btclogv2.Logger {
	return btclogv2.NewSLogger(m.handler.SubSystem(tag))
}

// SetLevel changes the level of every handler.
func (m *LogManager) SetLevel(level btclog.Level) {
	m.handler.SetLevel(level)
}

// Close flushes and stops the file rotator, if one was started.
func (m *LogManager) Close() error {
	if m.rotator != nil {
		return m.rotator.Close()
	}

	return nil
}

// SetupLoggers hands every package its subsystem logger.
func SetupLoggers(m *LogManager) {
	db.UseLogger(m.Subsystem(SubDB))
	membership.UseLogger(m.Subsystem(SubMembership))
	runtime.UseLogger(m.Subsystem(SubRuntime))
	reminder.UseLogger(m.Subsystem(SubReminder))
	stream.UseLogger(m.Subsystem(SubStream))
	transport.UseLogger(m.Subsystem(SubTransport))
	outbox.UseLogger(m.Subsystem(SubOutbox))
	gateway.UseLogger(m.Subsystem(SubGateway))
	silo.UseLogger(m.Subsystem(SubSilo))
}
