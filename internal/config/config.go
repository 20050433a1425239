// Package config loads the silo daemon configuration. Settings come from a
// YAML file layered over built-in defaults, so a config file only needs the
// keys it wants to change.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roasbeef/hive/internal/mailbox"
)

// Default paths under the daemon's home directory.
const (
	// DefaultHomeDir is the daemon's state directory, relative to the
	// user's home.
	DefaultHomeDir = ".hived"

	// DefaultDBFile is the silo database file name.
	DefaultDBFile = "hive.db"

	// DefaultDLQFile is the dead-letter store file name.
	DefaultDLQFile = "dlq.db"

	// DefaultLogDir is the log directory name.
	DefaultLogDir = "logs"
)

// MailboxConfig sets the per-actor queue defaults. Registered actor types
// may override both knobs.
type MailboxConfig struct {
	// Capacity bounds each actor's pending queue.
	Capacity int `yaml:"capacity"`

	// Policy is the overflow policy: block, drop-oldest, drop-newest or
	// fail.
	Policy string `yaml:"policy"`
}

// MembershipConfig sets the heartbeat liveness thresholds.
type MembershipConfig struct {
	// HeartbeatInterval is how often the silo refreshes its row.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// SuspectAfter is the heartbeat age that marks a silo suspect.
	SuspectAfter time.Duration `yaml:"suspect_after"`

	// DeadAfter is the heartbeat age that marks a silo dead.
	DeadAfter time.Duration `yaml:"dead_after"`
}

// StreamConfig sets the broker's delivery pool.
type StreamConfig struct {
	// Workers is the implicit-delivery worker count.
	Workers int `yaml:"workers"`

	// QueueDepth bounds the pending implicit deliveries.
	QueueDepth int `yaml:"queue_depth"`
}

// GatewayConfig sets client-side retry behavior.
type GatewayConfig struct {
	// RetryBudget caps re-dispatches per logical call.
	RetryBudget int `yaml:"retry_budget"`

	// RetryBackoff is the pause between attempts.
	RetryBackoff time.Duration `yaml:"retry_backoff"`
}

// ReminderConfig sets the durable timer scanner.
type ReminderConfig struct {
	// TickInterval is the due-reminder scan period.
	TickInterval time.Duration `yaml:"tick_interval"`

	// BatchLimit bounds one scan's worth of firings.
	BatchLimit int `yaml:"batch_limit"`
}

// OutboxConfig sets the transactional outbox drainer.
type OutboxConfig struct {
	// DrainInterval is the pending-message scan period.
	DrainInterval time.Duration `yaml:"drain_interval"`

	// MaxAttempts parks a message as failed once exceeded.
	MaxAttempts int `yaml:"max_attempts"`
}

// Config is the full daemon configuration.
type Config struct {
	// SiloID names this silo in the cluster. Defaults to the hostname.
	SiloID string `yaml:"silo_id"`

	// ListenAddr is the transport bind address.
	ListenAddr string `yaml:"listen_addr"`

	// AdvertiseAddr is the endpoint other silos dial. Defaults to
	// ListenAddr.
	AdvertiseAddr string `yaml:"advertise_addr"`

	// MetricsAddr serves Prometheus metrics; empty disables the listener.
	MetricsAddr string `yaml:"metrics_addr"`

	// DBPath is the silo SQLite database path.
	DBPath string `yaml:"db_path"`

	// DLQPath is the dead-letter bbolt database path.
	DLQPath string `yaml:"dlq_path"`

	// LogDir is where rotated log files go.
	LogDir string `yaml:"log_dir"`

	// LogLevel is the btclog level name (trace, debug, info, warn,
	// error).
	LogLevel string `yaml:"log_level"`

	// VirtualNodes is the per-silo ring point count; 0 selects the
	// built-in default.
	VirtualNodes int `yaml:"virtual_nodes"`

	Mailbox    MailboxConfig    `yaml:"mailbox"`
	Membership MembershipConfig `yaml:"membership"`
	Stream     StreamConfig     `yaml:"stream"`
	Gateway    GatewayConfig    `yaml:"gateway"`
	Reminder   ReminderConfig   `yaml:"reminder"`
	Outbox     OutboxConfig     `yaml:"outbox"`
}

// Default returns the built-in configuration.
func Default() Config {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "silo"
	}

	home := homeDir()

	return Config{
		SiloID:     hostname,
		ListenAddr: "127.0.0.1:7420",
		DBPath:     filepath.Join(home, DefaultDBFile),
		DLQPath:    filepath.Join(home, DefaultDLQFile),
		LogDir:     filepath.Join(home, DefaultLogDir),
		LogLevel:   "info",
		Mailbox: MailboxConfig{
			Capacity: mailbox.DefaultCapacity,
			Policy:   "block",
		},
		Membership: MembershipConfig{
			HeartbeatInterval: time.Second,
			SuspectAfter:      3 * time.Second,
			DeadAfter:         10 * time.Second,
		},
		Stream: StreamConfig{
			Workers:    4,
			QueueDepth: 256,
		},
		Gateway: GatewayConfig{
			RetryBudget:  3,
			RetryBackoff: 50 * time.Millisecond,
		},
		Reminder: ReminderConfig{
			TickInterval: time.Second,
			BatchLimit:   256,
		},
		Outbox: OutboxConfig{
			DrainInterval: 500 * time.Millisecond,
			MaxAttempts:   8,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path returns
// the defaults unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(ExpandPath(path))
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}

	cfg.DBPath = ExpandPath(cfg.DBPath)
	cfg.DLQPath = ExpandPath(cfg.DLQPath)
	cfg.LogDir = ExpandPath(cfg.LogDir)

	return cfg, cfg.Validate()
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	if c.SiloID == "" {
		return fmt.Errorf("silo_id must not be empty")
	}
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.AdvertiseAddr == "" {
		c.AdvertiseAddr = c.ListenAddr
	}

	if _, err := c.MailboxPolicy(); err != nil {
		return err
	}

	if c.Membership.SuspectAfter <= c.Membership.HeartbeatInterval {
		return fmt.Errorf("suspect_after must exceed " +
			"heartbeat_interval")
	}
	if c.Membership.DeadAfter <= c.Membership.SuspectAfter {
		return fmt.Errorf("dead_after must exceed suspect_after")
	}

	return nil
}

// MailboxPolicy parses the configured overflow policy name.
func (c *Config) MailboxPolicy() (mailbox.Policy, error) {
	switch c.Mailbox.Policy {
	case "", "block":
		return mailbox.PolicyBlock, nil
	case "drop-oldest":
		return mailbox.PolicyDropOldest, nil
	case "drop-newest":
		return mailbox.PolicyDropNewest, nil
	case "fail":
		return mailbox.PolicyFail, nil
	default:
		return 0, fmt.Errorf("unknown mailbox policy %q",
			c.Mailbox.Policy)
	}
}

// ExpandPath resolves a leading "~" against the user's home directory.
func ExpandPath(path string) string {
	if len(path) == 0 || path[0] != '~' {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[1:])
}

// homeDir returns the daemon state directory.
func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return DefaultHomeDir
	}

	return filepath.Join(home, DefaultHomeDir)
}
