package outbox

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultDrainInterval is how often the drainer scans for due
	// messages.
	DefaultDrainInterval = 500 * time.Millisecond

	// DefaultDrainBatch bounds one scan's worth of deliveries.
	DefaultDrainBatch = 128

	// DefaultRetryBackoff is the delay before a failed message's first
	// retry; the delay doubles per attempt after that.
	DefaultRetryBackoff = 5 * time.Second

	// DefaultMaxBackoff caps the doubling retry delay.
	DefaultMaxBackoff = 5 * time.Minute

	// DefaultPurgeAfter is how long delivered rows are kept.
	DefaultPurgeAfter = time.Hour
)

// PublishFunc delivers one drained message downstream, typically into the
// stream broker.
type PublishFunc func(ctx context.Context, msg Message) error

// DrainerConfig assembles a Drainer.
type DrainerConfig struct {
	Store   *Store
	Publish PublishFunc

	Interval    time.Duration
	Batch       int
	Backoff     time.Duration
	MaxBackoff  time.Duration
	MaxAttempts int
	PurgeAfter  time.Duration
}

// Drainer moves staged messages out of the outbox: publish, ack, retry with
// backoff on failure, and periodically purge old delivered rows.
type Drainer struct {
	cfg DrainerConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewDrainer creates a stopped drainer.
func NewDrainer(cfg DrainerConfig) *Drainer {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultDrainInterval
	}
	if cfg.Batch <= 0 {
		cfg.Batch = DefaultDrainBatch
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = DefaultRetryBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.PurgeAfter <= 0 {
		cfg.PurgeAfter = DefaultPurgeAfter
	}

	return &Drainer{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the drain loop.
func (d *Drainer) Start() {
	d.wg.Add(1)
	go d.drainLoop()
}

// Stop halts the loop and waits for an in-flight pass to finish.
func (d *Drainer) Stop() {
	close(d.quit)
	d.wg.Wait()
}

// DrainOnce runs a single pass, returning how many messages were delivered.
// The loop calls this on every tick; tests call it directly.
func (d *Drainer) DrainOnce(ctx context.Context) int {
	msgs, err := d.cfg.Store.Drain(ctx, time.Now(), d.cfg.Batch)
	if err != nil {
		log.ErrorS(ctx, "Outbox drain failed", err)
		return 0
	}

	var delivered int
	for _, msg := range msgs {
		select {
		case <-d.quit:
			return delivered
		default:
		}

		if err := d.cfg.Publish(ctx, msg); err != nil {
			log.WarnS(ctx, "Outbox publish failed", err,
				"message_id", msg.MessageID,
				"subject", msg.Subject,
				"attempts", msg.Attempts+1)

			err = d.cfg.Store.MarkFailed(
				ctx, msg.ID, err,
				retryDelay(
					d.cfg.Backoff, d.cfg.MaxBackoff,
					msg.Attempts,
				),
				d.cfg.MaxAttempts,
			)
			if err != nil {
				log.ErrorS(ctx, "Failed to record outbox "+
					"failure", err,
					"message_id", msg.MessageID)
			}
			continue
		}

		if err := d.cfg.Store.MarkDelivered(ctx, msg.ID); err != nil {
			// The message will be re-published; the inbox ledger
			// on the consumer side absorbs the duplicate.
			log.ErrorS(ctx, "Failed to ack outbox message", err,
				"message_id", msg.MessageID)
			continue
		}

		delivered++
	}

	return delivered
}

// retryDelay doubles the base delay per prior attempt, capped at max.
func retryDelay(base, max time.Duration, attempts int) time.Duration {
	delay := base
	for i := 0; i < attempts; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}

	return delay
}

func (d *Drainer) drainLoop() {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.Interval)
	defer ticker.Stop()

	purge := time.NewTicker(d.cfg.PurgeAfter / 2)
	defer purge.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			d.DrainOnce(ctx)

		case <-purge.C:
			cutoff := time.Now().Add(-d.cfg.PurgeAfter)
			n, err := d.cfg.Store.PurgeDelivered(ctx, cutoff)
			if err != nil {
				log.ErrorS(ctx, "Outbox purge failed", err)
			} else if n > 0 {
				log.DebugS(ctx, "Purged delivered outbox "+
					"rows", "count", n)
			}

		case <-d.quit:
			return
		}
	}
}
