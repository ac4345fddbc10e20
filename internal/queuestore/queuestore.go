package queuestore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Claim when no eligible row exists, and by
// single-row lookups that miss.
var ErrNotFound = errors.New("queuestore: not found")

// DeferUpdate carries the fields releaseDelivery/deferDelivery need to
// patch onto a claimed row, per spec.md §4.8. Extra carries additional
// fields that the Mongo store merges, unfiltered, into the same $set as the
// fields above; the in-memory fake ignores it.
type DeferUpdate struct {
	TTL      time.Duration
	Response string
	Log      string
	Extra    map[string]interface{}
}

// Store is the durable delivery-row store contract. The Mongo
// implementation and the in-memory fake (internal/queuestore/fake) both
// satisfy it, so scheduler/router/gc tests never need a live database.
type Store interface {
	// InsertMany atomically inserts all of rows, unordered, per spec.md
	// §4.6: either all rows become visible or none do from the scheduler's
	// point of view (an unordered batch failure still leaves previously
	// written docs in place server-side, but callers treat any error as a
	// whole-push failure and do not rely on partial visibility).
	InsertMany(ctx context.Context, rows []*Delivery) error

	// Claim atomically selects and locks one eligible row for zone,
	// excluding domains in skipDomains, per spec.md §4.7 steps 2–3.
	// Returns ErrNotFound if no row matched.
	Claim(ctx context.Context, zone, instance string, skipDomains []string, now time.Time) (*Delivery, error)

	// Release deletes (id, seq), per spec.md §4.8.
	Release(ctx context.Context, id, seq string) error

	// Defer updates (id, seq) with a new queued time and deferred-state
	// bookkeeping, per spec.md §4.8, and clears locked so the row becomes
	// claimable again once queued <= now. assigned is left as it was.
	Defer(ctx context.Context, id, seq string, upd DeferUpdate, now time.Time) error

	// Update applies a generic patch to (id, seq), used by the scheduler to
	// unlock a claimed row whose in-memory lock it could not take.
	Update(ctx context.Context, id, seq string, set map[string]interface{}) error

	// DeleteAllForID deletes every row for id, used when the scheduler
	// discovers a claimed row's body has been garbage collected
	// (spec.md §4.7 step 5).
	DeleteAllForID(ctx context.Context, id string) error

	// CountQueued counts rows with queued <= now, for the GC gauge.
	CountQueued(ctx context.Context, now time.Time) (int64, error)

	// CountDeferred counts rows with queued > now, for the GC gauge.
	CountDeferred(ctx context.Context, now time.Time) (int64, error)

	// ReleaseStaleLocks reclaims locks held past lockTTL by instance, per
	// spec.md §4.14 step 1 (lock sweep).
	ReleaseStaleLocks(ctx context.Context, instance string, lockTTL time.Duration, now time.Time) (int64, error)

	// ReleaseOlderThan releases (without bouncing) rows older than
	// maxQueueTime that are not locked, per spec.md §4.14 step 2. It
	// returns the released rows so the caller can clean up their bodies.
	ReleaseOlderThan(ctx context.Context, cutoff time.Time) ([]*Delivery, error)

	// OldestCreated returns the creation time of the oldest surviving
	// delivery row, used by the orphan-body GC pass (spec.md §4.14 step
	// 3). Returns ErrNotFound if the queue is empty.
	OldestCreated(ctx context.Context) (time.Time, error)

	// CountForID counts how many rows remain for id, used to decide
	// whether a body may be garbage collected (spec.md §4.8 step 3).
	CountForID(ctx context.Context, id string) (int64, error)

	// Get returns the row for (id, seq), used by the bounce generator to
	// recover the recipient/domain/zone of a delivery a worker reported via
	// BOUNCE. Returns ErrNotFound if the row is gone.
	Get(ctx context.Context, id, seq string) (*Delivery, error)
}
