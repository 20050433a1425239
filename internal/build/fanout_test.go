package build

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btclog"
	btclogv2 "github.com/btcsuite/btclog/v2"
	"github.com/stretchr/testify/require"
)

// TestFanoutRespectsPerSinkLevels retunes one sink and verifies a debug
// record reaches only the sink that accepts it.
func TestFanoutRespectsPerSinkLevels(t *testing.T) {
	t.Parallel()

	var console, file bytes.Buffer
	f := newFanout(
		btclogv2.NewDefaultHandler(&console),
		btclogv2.NewDefaultHandler(&file),
	)

	// Console stays at info, the file drops to debug.
	f.SetSinkLevel(1, btclog.LevelDebug)

	logger := btclogv2.NewSLogger(f)
	logger.Debugf("quiet detail")
	logger.Infof("headline")

	require.NotContains(t, console.String(), "quiet detail")
	require.Contains(t, console.String(), "headline")
	require.Contains(t, file.String(), "quiet detail")
	require.Contains(t, file.String(), "headline")
}

func TestFanoutSubsystemTagsEverySink(t *testing.T) {
	t.Parallel()

	var console, file bytes.Buffer
	f := newFanout(
		btclogv2.NewDefaultHandler(&console),
		btclogv2.NewDefaultHandler(&file),
	)

	logger := btclogv2.NewSLogger(f.SubSystem("SILO"))
	logger.Infof("started")

	require.Contains(t, console.String(), "SILO")
	require.Contains(t, file.String(), "SILO")
}
