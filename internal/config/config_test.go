package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roasbeef/hive/internal/mailbox"
)

func TestDefaultsValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, cfg.ListenAddr, cfg.AdvertiseAddr)
}

func TestLoadOverlaysDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hived.yaml")
	raw := `
silo_id: silo-a
listen_addr: 0.0.0.0:7500
mailbox:
  policy: drop-oldest
membership:
  heartbeat_interval: 2s
  suspect_after: 5s
  dead_after: 20s
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	// Overridden keys.
	require.Equal(t, "silo-a", cfg.SiloID)
	require.Equal(t, "0.0.0.0:7500", cfg.ListenAddr)
	require.Equal(t, 2*time.Second, cfg.Membership.HeartbeatInterval)

	policy, err := cfg.MailboxPolicy()
	require.NoError(t, err)
	require.Equal(t, mailbox.PolicyDropOldest, policy)

	// Untouched keys keep their defaults.
	require.Equal(t, mailbox.DefaultCapacity, cfg.Mailbox.Capacity)
	require.Equal(t, 3, cfg.Gateway.RetryBudget)
}

func TestLoadEmptyPathReturnsDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Default().DBPath, cfg.DBPath)
}

func TestValidateRejectsBadThresholds(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Membership.SuspectAfter = cfg.Membership.HeartbeatInterval
	require.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Membership.DeadAfter = cfg.Membership.SuspectAfter
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownPolicy(t *testing.T) {
	t.Parallel()

	cfg := Default()
	cfg.Mailbox.Policy = "shed-randomly"
	require.Error(t, cfg.Validate())
}

func TestExpandPath(t *testing.T) {
	t.Parallel()

	home, err := os.UserHomeDir()
	require.NoError(t, err)

	require.Equal(
		t, filepath.Join(home, "x.db"), ExpandPath("~/x.db"),
	)
	require.Equal(t, "/tmp/x.db", ExpandPath("/tmp/x.db"))
}
