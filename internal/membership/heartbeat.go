package membership

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/roasbeef/hive/internal/db"
)

const (
	// DefaultHeartbeatInterval is how often a silo refreshes its row in
	// the shared silos table.
	DefaultHeartbeatInterval = time.Second

	// DefaultSuspectAfter is how stale a heartbeat may be before the
	// silo is classified suspect.
	DefaultSuspectAfter = 3 * time.Second

	// DefaultDeadAfter is how stale a heartbeat may be before the silo
	// is classified dead and dropped from the ring.
	DefaultDeadAfter = 10 * time.Second

	// DefaultEvictAfter is how long a dead or departed row lingers in
	// the table before it is garbage collected.
	DefaultEvictAfter = time.Minute
)

// HeartbeatConfig tunes the shared-store provider's liveness thresholds.
type HeartbeatConfig struct {
	HeartbeatInterval time.Duration
	SuspectAfter      time.Duration
	DeadAfter         time.Duration
	EvictAfter        time.Duration
}

// DefaultHeartbeatConfig returns the default thresholds.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		HeartbeatInterval: DefaultHeartbeatInterval,
		SuspectAfter:      DefaultSuspectAfter,
		DeadAfter:         DefaultDeadAfter,
		EvictAfter:        DefaultEvictAfter,
	}
}

// HeartbeatProvider implements membership over a shared silos table: every
// member upserts its own row on an interval and classifies the others by
// heartbeat age. There is no gossip and no leader; the database is the one
// source of truth.
type HeartbeatProvider struct {
	store *db.Store
	cfg   HeartbeatConfig

	mu       sync.Mutex
	self     SiloInfo
	version  uint64
	snap     Snapshot
	notifier *notifier

	quit    chan struct{}
	wg      sync.WaitGroup
	started bool
}

// NewHeartbeatProvider creates a provider over the given silo database.
func NewHeartbeatProvider(store *db.Store,
	cfg HeartbeatConfig) *HeartbeatProvider {

	if cfg.HeartbeatInterval <= 0 {
		cfg = DefaultHeartbeatConfig()
	}

	return &HeartbeatProvider{
		store:    store,
		cfg:      cfg,
		notifier: newNotifier(),
		quit:     make(chan struct{}),
	}
}

// Join implements Provider: it writes the local silo's row, takes an initial
// scan, then starts the background heartbeat loop.
func (p *HeartbeatProvider) Join(ctx context.Context, self SiloInfo) error {
	if self.JoinEpoch == 0 {
		self.JoinEpoch = time.Now().UnixMilli()
	}

	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("provider already joined as %s", p.self.ID)
	}
	p.self = self
	p.started = true
	p.mu.Unlock()

	if err := p.upsertSelf(ctx, StatusActive); err != nil {
		return fmt.Errorf("failed to announce silo %s: %w",
			self.ID, err)
	}

	if err := p.scan(ctx); err != nil {
		return err
	}

	p.wg.Add(1)
	go p.heartbeatLoop()

	log.InfoS(ctx, "Joined cluster",
		"silo_id", self.ID,
		"endpoint", self.Endpoint,
		"join_epoch", self.JoinEpoch)

	return nil
}

// Leave implements Provider.
func (p *HeartbeatProvider) Leave(ctx context.Context) error {
	close(p.quit)
	p.wg.Wait()

	if err := p.upsertSelf(ctx, StatusLeft); err != nil {
		return fmt.Errorf("failed to mark silo departed: %w", err)
	}

	log.InfoS(ctx, "Left cluster", "silo_id", p.self.ID)

	return nil
}

// Snapshot implements Provider.
func (p *HeartbeatProvider) Snapshot() Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.snap
}

// Subscribe implements Provider.
func (p *HeartbeatProvider) Subscribe() (<-chan Snapshot, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.notifier.subscribe(func(id int) {
		p.mu.Lock()
		defer p.mu.Unlock()
		delete(p.notifier.subs, id)
	})
}

func (p *HeartbeatProvider) heartbeatLoop() {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.HeartbeatInterval)
	defer ticker.Stop()

	ctx := context.Background()
	for {
		select {
		case <-ticker.C:
			if err := p.beat(ctx); err != nil {
				log.ErrorS(ctx, "Heartbeat write failed", err,
					"silo_id", p.self.ID)
			}
			if err := p.scan(ctx); err != nil {
				log.ErrorS(ctx, "Membership scan failed", err)
			}

		case <-p.quit:
			return
		}
	}
}

func (p *HeartbeatProvider) upsertSelf(ctx context.Context,
	status Status) error {

	return p.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := tx.ExecContext(ctx,
			"INSERT INTO silos (silo_id, endpoint, status, "+
				"join_epoch, last_heartbeat) "+
				"VALUES (?, ?, ?, ?, ?) "+
				"ON CONFLICT (silo_id) DO UPDATE SET "+
				"endpoint = excluded.endpoint, "+
				"status = excluded.status, "+
				"join_epoch = excluded.join_epoch, "+
				"last_heartbeat = excluded.last_heartbeat",
			p.self.ID, p.self.Endpoint, status.String(),
			p.self.JoinEpoch, time.Now().UnixMilli(),
		)

		return err
	})
}

func (p *HeartbeatProvider) beat(ctx context.Context) error {
	return p.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := tx.ExecContext(ctx,
			"UPDATE silos SET last_heartbeat = ? "+
				"WHERE silo_id = ?",
			time.Now().UnixMilli(), p.self.ID,
		)

		return err
	})
}

// scan reads the silos table, classifies every row by heartbeat age, evicts
// long-dead rows, and publishes a new snapshot if the view changed.
func (p *HeartbeatProvider) scan(ctx context.Context) error {
	now := time.Now()

	rows, err := p.store.DB().QueryContext(ctx,
		"SELECT silo_id, endpoint, status, join_epoch, "+
			"last_heartbeat FROM silos ORDER BY silo_id",
	)
	if err != nil {
		return db.MapSQLError(err)
	}
	defer rows.Close()

	var (
		silos []SiloInfo
		evict []string
	)
	for rows.Next() {
		var (
			silo      SiloInfo
			rawStatus string
			beatMS    int64
		)
		err := rows.Scan(
			&silo.ID, &silo.Endpoint, &rawStatus,
			&silo.JoinEpoch, &beatMS,
		)
		if err != nil {
			return err
		}
		silo.LastHeartbeat = time.UnixMilli(beatMS)

		age := now.Sub(silo.LastHeartbeat)
		switch {
		case rawStatus == StatusLeft.String():
			silo.Status = StatusLeft

		case age >= p.cfg.DeadAfter:
			silo.Status = StatusDead

		case age >= p.cfg.SuspectAfter:
			silo.Status = StatusSuspect

		default:
			silo.Status = StatusActive
		}

		// Rows that have been dead or departed for long enough get
		// garbage collected.
		if (silo.Status == StatusDead || silo.Status == StatusLeft) &&
			age >= p.cfg.EvictAfter {

			evict = append(evict, silo.ID)
			continue
		}

		silos = append(silos, silo)
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for _, id := range evict {
		err := p.store.WithTx(ctx, func(ctx context.Context,
			tx *sql.Tx) error {

			_, err := tx.ExecContext(ctx,
				"DELETE FROM silos WHERE silo_id = ?", id,
			)

			return err
		})
		if err != nil {
			log.WarnS(ctx, "Failed to evict silo row", err,
				"silo_id", id)
		}
	}

	p.publishIfChanged(ctx, silos)

	return nil
}

func (p *HeartbeatProvider) publishIfChanged(ctx context.Context,
	silos []SiloInfo) {

	p.mu.Lock()
	defer p.mu.Unlock()

	if sameView(p.snap.Silos, silos) {
		// Keep heartbeat timestamps fresh without a version bump.
		p.snap.Silos = silos
		return
	}

	p.version++
	p.snap = Snapshot{
		Version: p.version,
		Silos:   silos,
	}
	p.notifier.publish(p.snap)

	log.DebugS(ctx, "Membership changed",
		"version", p.version,
		"active", len(p.snap.Active()),
		"total", len(silos))
}

// sameView reports whether two silo lists agree on the fields placement
// cares about.
func sameView(a, b []SiloInfo) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].ID != b[i].ID || a[i].Status != b[i].Status ||
			a[i].Endpoint != b[i].Endpoint ||
			a[i].JoinEpoch != b[i].JoinEpoch {

			return false
		}
	}

	return true
}
