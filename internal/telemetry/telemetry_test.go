package telemetry

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPromStateAndTransportCounters(t *testing.T) {
	t.Parallel()

	p := NewProm(prometheus.NewRegistry())

	p.StateLoaded("Counter")
	p.StateLoaded("Counter")
	p.StateSaved("Counter")

	loads := p.stateLoads.WithLabelValues("Counter")
	saves := p.stateSaves.WithLabelValues("Counter")
	require.Equal(t, 2.0, testutil.ToFloat64(loads))
	require.Equal(t, 1.0, testutil.ToFloat64(saves))

	p.TransportInvoked("ep-1", 5*time.Millisecond, nil)
	p.TransportInvoked("ep-1", 5*time.Millisecond, errors.New("down"))

	errs := p.transportErrs.WithLabelValues("ep-1")
	require.Equal(t, 1.0, testutil.ToFloat64(errs))

	// Both calls land in one histogram series for the endpoint.
	require.Equal(t, 1, testutil.CollectAndCount(p.transportCalls))
}

// TestPromStreamDepthTracksPeak drives the depth gauge up and down and
// checks the peak gauge only ratchets upward.
func TestPromStreamDepthTracksPeak(t *testing.T) {
	t.Parallel()

	p := NewProm(prometheus.NewRegistry())

	p.StreamDepth("orders", 3)
	p.StreamDepth("orders", 7)
	p.StreamDepth("orders", 2)

	depth := p.streamDepth.WithLabelValues("orders")
	peak := p.streamPeak.WithLabelValues("orders")
	require.Equal(t, 2.0, testutil.ToFloat64(depth))
	require.Equal(t, 7.0, testutil.ToFloat64(peak))

	p.StreamThrottled("orders")
	throttled := p.streamThrottle.WithLabelValues("orders")
	require.Equal(t, 1.0, testutil.ToFloat64(throttled))
}
