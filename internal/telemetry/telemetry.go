// Package telemetry defines the observability hook surface of the runtime
// and a Prometheus-backed implementation. Subsystems call through the Hooks
// interface so tests and minimal deployments can run with the no-op set.
package telemetry

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Hooks receives runtime events. Implementations must be safe for
// concurrent use and must not block.
type Hooks interface {
	// ActorActivated fires when an activation finishes OnActivate.
	ActorActivated(actorType string)

	// ActorDeactivated fires when an activation is torn down.
	ActorDeactivated(actorType, reason string)

	// InvocationDone fires after a method invocation completes.
	InvocationDone(actorType, method string, d time.Duration, err error)

	// MessageDropped fires when a mailbox sheds an envelope.
	MessageDropped(actorType string)

	// ReminderFired fires when a reminder tick is delivered.
	ReminderFired(actorType, name string)

	// StateLoaded fires per durable state read.
	StateLoaded(actorType string)

	// StateSaved fires per committed durable state write.
	StateSaved(actorType string)

	// TransportInvoked fires after a remote invocation returns.
	TransportInvoked(endpoint string, d time.Duration, err error)

	// StreamPublished fires per event accepted by the broker.
	StreamPublished(subject string)

	// StreamDelivered fires per event handed to a subscriber.
	StreamDelivered(subject string)

	// StreamDropped fires per event shed by a backpressure policy.
	StreamDropped(subject string)

	// StreamThrottled fires per event held back by a rate budget.
	StreamThrottled(subject string)

	// StreamDepth reports a subscription queue's depth after a change.
	StreamDepth(subject string, depth int)
}

// Noop discards every event.
type Noop struct{}

// ActorActivated implements Hooks.
func (Noop) ActorActivated(string) {}

// ActorDeactivated implements Hooks.
func (Noop) ActorDeactivated(string, string) {}

// InvocationDone implements Hooks.
func (Noop) InvocationDone(string, string, time.Duration, error) {}

// MessageDropped implements Hooks.
func (Noop) MessageDropped(string) {}

// ReminderFired implements Hooks.
func (Noop) ReminderFired(string, string) {}

// StateLoaded implements Hooks.
func (Noop) StateLoaded(string) {}

// StateSaved implements Hooks.
func (Noop) StateSaved(string) {}

// TransportInvoked implements Hooks.
func (Noop) TransportInvoked(string, time.Duration, error) {}

// StreamPublished implements Hooks.
func (Noop) StreamPublished(string) {}

// StreamDelivered implements Hooks.
func (Noop) StreamDelivered(string) {}

// StreamDropped implements Hooks.
func (Noop) StreamDropped(string) {}

// StreamThrottled implements Hooks.
func (Noop) StreamThrottled(string) {}

// StreamDepth implements Hooks.
func (Noop) StreamDepth(string, int) {}

// Prom exports runtime events as Prometheus metrics.
type Prom struct {
	activations    *prometheus.CounterVec
	deactivations  *prometheus.CounterVec
	invocations    *prometheus.HistogramVec
	invokeErrors   *prometheus.CounterVec
	drops          *prometheus.CounterVec
	reminders      *prometheus.CounterVec
	stateLoads     *prometheus.CounterVec
	stateSaves     *prometheus.CounterVec
	transportCalls *prometheus.HistogramVec
	transportErrs  *prometheus.CounterVec
	streamPub      *prometheus.CounterVec
	streamDeliver  *prometheus.CounterVec
	streamDrop     *prometheus.CounterVec
	streamThrottle *prometheus.CounterVec
	streamDepth    *prometheus.GaugeVec
	streamPeak     *prometheus.GaugeVec

	// peakMu guards peaks, the high-water depth per subject backing the
	// peak gauge.
	peakMu sync.Mutex
	peaks  map[string]int
}

// NewProm builds the metric set and registers it on the given registerer.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		activations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "actor_activations_total",
			Help:      "Activations by actor type.",
		}, []string{"actor_type"}),
		deactivations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "actor_deactivations_total",
			Help:      "Deactivations by actor type and reason.",
		}, []string{"actor_type", "reason"}),
		invocations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "hive",
			Name:      "invocation_duration_seconds",
			Help:      "Invocation latency by actor type and method.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"actor_type", "method"}),
		invokeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "invocation_errors_total",
			Help:      "Failed invocations by actor type and method.",
		}, []string{"actor_type", "method"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "mailbox_dropped_total",
			Help:      "Envelopes shed by mailboxes.",
		}, []string{"actor_type"}),
		reminders: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "reminders_fired_total",
			Help:      "Reminder ticks delivered.",
		}, []string{"actor_type", "name"}),
		streamPub: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "stream_published_total",
			Help:      "Events accepted by the stream broker.",
		}, []string{"subject"}),
		streamDeliver: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "stream_delivered_total",
			Help:      "Events delivered to subscribers.",
		}, []string{"subject"}),
		streamDrop: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "stream_dropped_total",
			Help:      "Events shed by backpressure policies.",
		}, []string{"subject"}),
		stateLoads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "state_loads_total",
			Help:      "Durable state reads by actor type.",
		}, []string{"actor_type"}),
		stateSaves: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "state_saves_total",
			Help:      "Committed state writes by actor type.",
		}, []string{"actor_type"}),
		transportCalls: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "hive",
				Name:      "transport_invoke_seconds",
				Help:      "Remote invocation latency by peer.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"endpoint"}),
		transportErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "hive",
			Name:      "transport_errors_total",
			Help:      "Failed remote invocations by peer.",
		}, []string{"endpoint"}),
		streamThrottle: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "hive",
				Name:      "stream_throttled_total",
				Help:      "Events held back by rate budgets.",
			}, []string{"subject"}),
		streamDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "stream_depth",
			Help:      "Current subscription queue depth.",
		}, []string{"subject"}),
		streamPeak: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "hive",
			Name:      "stream_depth_peak",
			Help:      "High-water subscription queue depth.",
		}, []string{"subject"}),
		peaks: make(map[string]int),
	}

	reg.MustRegister(
		p.activations, p.deactivations, p.invocations,
		p.invokeErrors, p.drops, p.reminders, p.stateLoads,
		p.stateSaves, p.transportCalls, p.transportErrs, p.streamPub,
		p.streamDeliver, p.streamDrop, p.streamThrottle,
		p.streamDepth, p.streamPeak,
	)

	return p
}

// ActorActivated implements Hooks.
func (p *Prom) ActorActivated(actorType string) {
	p.activations.WithLabelValues(actorType).Inc()
}

// ActorDeactivated implements Hooks.
func (p *Prom) ActorDeactivated(actorType, reason string) {
	p.deactivations.WithLabelValues(actorType, reason).Inc()
}

// InvocationDone implements Hooks.
func (p *Prom) InvocationDone(actorType, method string, d time.Duration,
	err error) {

	p.invocations.WithLabelValues(actorType, method).Observe(d.Seconds())
	if err != nil {
		p.invokeErrors.WithLabelValues(actorType, method).Inc()
	}
}

// MessageDropped implements Hooks.
func (p *Prom) MessageDropped(actorType string) {
	p.drops.WithLabelValues(actorType).Inc()
}

// ReminderFired implements Hooks.
func (p *Prom) ReminderFired(actorType, name string) {
	p.reminders.WithLabelValues(actorType, name).Inc()
}

// StreamPublished implements Hooks.
func (p *Prom) StreamPublished(subject string) {
	p.streamPub.WithLabelValues(subject).Inc()
}

// StreamDelivered implements Hooks.
func (p *Prom) StreamDelivered(subject string) {
	p.streamDeliver.WithLabelValues(subject).Inc()
}

// StreamDropped implements Hooks.
func (p *Prom) StreamDropped(subject string) {
	p.streamDrop.WithLabelValues(subject).Inc()
}

// StateLoaded implements Hooks.
func (p *Prom) StateLoaded(actorType string) {
	p.stateLoads.WithLabelValues(actorType).Inc()
}

// StateSaved implements Hooks.
func (p *Prom) StateSaved(actorType string) {
	p.stateSaves.WithLabelValues(actorType).Inc()
}

// TransportInvoked implements Hooks.
func (p *Prom) TransportInvoked(endpoint string, d time.Duration,
	err error) {

	p.transportCalls.WithLabelValues(endpoint).Observe(d.Seconds())
	if err != nil {
		p.transportErrs.WithLabelValues(endpoint).Inc()
	}
}

// StreamThrottled implements Hooks.
func (p *Prom) StreamThrottled(subject string) {
	p.streamThrottle.WithLabelValues(subject).Inc()
}

// StreamDepth implements Hooks.
func (p *Prom) StreamDepth(subject string, depth int) {
	p.streamDepth.WithLabelValues(subject).Set(float64(depth))

	p.peakMu.Lock()
	if depth > p.peaks[subject] {
		p.peaks[subject] = depth
		p.streamPeak.WithLabelValues(subject).Set(float64(depth))
	}
	p.peakMu.Unlock()
}
