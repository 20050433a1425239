package reminder

import (
	"context"
	"sync"
	"time"

	"github.com/roasbeef/hive/internal/identity"
)

const (
	// DefaultTickInterval is how often the service scans for due
	// reminders.
	DefaultTickInterval = time.Second

	// DefaultBatchLimit bounds one scan's worth of deliveries.
	DefaultBatchLimit = 256
)

// DeliverFunc hands a due reminder tick to its target actor and blocks until
// the actor acknowledges it. The reminder carries the previous firing time
// so handlers can detect missed windows.
type DeliverFunc func(ctx context.Context, rem Reminder) error

// ServiceConfig assembles a reminder Service.
type ServiceConfig struct {
	// Store holds the registrations. Every silo scans the same shared
	// store.
	Store Store

	// Owned reports whether the local silo owns the given actor on the
	// current ring. Only owned reminders fire locally, so exactly one
	// silo serves each registration per ring version.
	Owned func(key identity.ActorKey) bool

	// Deliver routes a tick into the actor's mailbox.
	Deliver DeliverFunc

	// TickInterval and BatchLimit override the scan defaults.
	TickInterval time.Duration
	BatchLimit   int
}

// Service scans the reminder store and fires due ticks for locally owned
// actors. Delivery failures leave the row due, so the next scan retries:
// at-least-once, never silently dropped.
type Service struct {
	cfg ServiceConfig

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewService creates a stopped service.
func NewService(cfg ServiceConfig) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.BatchLimit <= 0 {
		cfg.BatchLimit = DefaultBatchLimit
	}
	if cfg.Owned == nil {
		cfg.Owned = func(identity.ActorKey) bool { return true }
	}

	return &Service{
		cfg:  cfg,
		quit: make(chan struct{}),
	}
}

// Start launches the scan loop.
func (s *Service) Start() {
	s.wg.Add(1)
	go s.scanLoop()
}

// Stop halts the scan loop and waits for an in-flight scan to finish.
func (s *Service) Stop() {
	close(s.quit)
	s.wg.Wait()
}

// Register stores a reminder. The target type must have a reminder handler;
// that is enforced at delivery.
func (s *Service) Register(ctx context.Context, key identity.ActorKey,
	name string, due time.Time, period time.Duration) error {

	return s.cfg.Store.Register(ctx, Reminder{
		Key:    key,
		Name:   name,
		DueAt:  due,
		Period: period,
	})
}

// Cancel removes a reminder.
func (s *Service) Cancel(ctx context.Context, key identity.ActorKey,
	name string) error {

	return s.cfg.Store.Cancel(ctx, key, name)
}

// List returns the actor's registrations.
func (s *Service) List(ctx context.Context,
	key identity.ActorKey) ([]Reminder, error) {

	return s.cfg.Store.List(ctx, key)
}

func (s *Service) scanLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.fireDue(context.Background())

		case <-s.quit:
			return
		}
	}
}

// fireDue delivers every due, locally owned reminder once.
func (s *Service) fireDue(ctx context.Context) {
	now := time.Now()

	due, err := s.cfg.Store.Due(ctx, now, s.cfg.BatchLimit)
	if err != nil {
		log.ErrorS(ctx, "Reminder scan failed", err)
		return
	}

	for _, rem := range due {
		select {
		case <-s.quit:
			return
		default:
		}

		if !s.cfg.Owned(rem.Key) {
			continue
		}

		if err := s.cfg.Deliver(ctx, rem); err != nil {
			// Leave the row due; the next scan retries.
			log.WarnS(ctx, "Reminder delivery failed", err,
				"actor", rem.Key,
				"reminder", rem.Name)
			continue
		}

		next := now.Add(rem.Period)
		err := s.cfg.Store.MarkFired(
			ctx, rem.Key, rem.Name, now, next,
		)
		if err != nil {
			log.ErrorS(ctx, "Failed to ack reminder", err,
				"actor", rem.Key,
				"reminder", rem.Name)
			continue
		}

		log.TraceS(ctx, "Reminder fired",
			"actor", rem.Key,
			"reminder", rem.Name,
			"period", rem.Period)
	}
}
