// Package reminder implements durable, at-least-once reminders. A reminder
// is registered under (actor, name) and fires through the actor's mailbox;
// it is only marked fired after delivery succeeds, so a crash between fire
// and ack re-delivers the tick.
package reminder

import (
	"context"
	"time"

	"github.com/roasbeef/hive/internal/identity"
)

// Reminder is one durable registration.
type Reminder struct {
	// Key addresses the target actor.
	Key identity.ActorKey

	// Name distinguishes the actor's reminders.
	Name string

	// DueAt is the first fire time.
	DueAt time.Time

	// Period is the repeat interval; zero means one-shot.
	Period time.Duration

	// NextFireAt is when the reminder next becomes due.
	NextFireAt time.Time

	// LastFiredAt is the last acknowledged delivery, if any.
	LastFiredAt time.Time
}

// Store persists reminder registrations.
type Store interface {
	// Register creates or replaces the reminder. Re-registering resets
	// the schedule.
	Register(ctx context.Context, rem Reminder) error

	// Cancel removes the reminder. Cancelling an unknown reminder is a
	// no-op.
	Cancel(ctx context.Context, key identity.ActorKey,
		name string) error

	// Due returns up to limit reminders with NextFireAt at or before
	// now, oldest first.
	Due(ctx context.Context, now time.Time,
		limit int) ([]Reminder, error)

	// MarkFired acknowledges a delivery: periodic reminders advance to
	// next, one-shot reminders are removed.
	MarkFired(ctx context.Context, key identity.ActorKey, name string,
		firedAt, next time.Time) error

	// List returns the actor's reminders.
	List(ctx context.Context,
		key identity.ActorKey) ([]Reminder, error)
}
