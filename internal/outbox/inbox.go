package outbox

import (
	"context"
	"database/sql"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/roasbeef/hive/internal/db"
	"github.com/roasbeef/hive/internal/identity"
)

const (
	// defaultInboxCacheSize bounds the in-memory dedup cache.
	defaultInboxCacheSize = 8192

	// defaultInboxCacheTTL expires cache entries; the durable ledger
	// still catches duplicates past it.
	defaultInboxCacheTTL = 10 * time.Minute
)

// Inbox deduplicates redelivered messages per actor. A fast expiring LRU
// answers the common case; misses fall through to the durable inbox table,
// where the primary key makes the check race-free across goroutines.
type Inbox struct {
	store *db.Store
	cache *lru.LRU[string, struct{}]
}

// NewInbox creates a dedup ledger over the silo database.
func NewInbox(store *db.Store) *Inbox {
	return &Inbox{
		store: store,
		cache: lru.NewLRU[string, struct{}](
			defaultInboxCacheSize, nil, defaultInboxCacheTTL,
		),
	}
}

// Observe records the (actor, message) pair and reports whether it was
// already seen. The first observation returns false, every redelivery true.
func (i *Inbox) Observe(ctx context.Context, key identity.ActorKey,
	messageID string) (bool, error) {

	cacheKey := key.String() + "\x00" + messageID
	if _, ok := i.cache.Get(cacheKey); ok {
		return true, nil
	}

	var seen bool
	err := i.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		res, err := tx.ExecContext(ctx,
			"INSERT OR IGNORE INTO inbox (actor_id, "+
				"message_id, seen_at) VALUES (?, ?, ?)",
			key.String(), messageID, time.Now().UnixMilli(),
		)
		if err != nil {
			return err
		}

		inserted, err := res.RowsAffected()
		if err != nil {
			return err
		}
		seen = inserted == 0

		return nil
	})
	if err != nil {
		return false, err
	}

	i.cache.Add(cacheKey, struct{}{})

	return seen, nil
}

// Purge drops ledger rows older than the cutoff. Redeliveries are expected
// within the retry horizon, so old rows only cost space.
func (i *Inbox) Purge(ctx context.Context, olderThan time.Time) error {
	return i.store.WithTx(ctx, func(ctx context.Context,
		tx *sql.Tx) error {

		_, err := tx.ExecContext(ctx,
			"DELETE FROM inbox WHERE seen_at < ?",
			olderThan.UnixMilli(),
		)

		return err
	})
}
