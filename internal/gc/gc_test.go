package gc

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/chasquid-relay/zoneq/internal/locktable"
	"github.com/chasquid-relay/zoneq/internal/metrics"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/queuestore/fake"
	"github.com/chasquid-relay/zoneq/internal/ttlcache"
)

type fakeBlobs struct {
	removed       []string
	orphansBefore []time.Time
	orphanCount   int
}

func (f *fakeBlobs) RemoveNow(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	return nil
}

func (f *fakeBlobs) DeleteOrphansUploadedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	f.orphansBefore = append(f.orphansBefore, cutoff)
	return f.orphanCount, nil
}

func newLoop(t *testing.T, store queuestore.Store, blobs Blobs) *Loop {
	t.Helper()
	return &Loop{
		Store:         store,
		Blobs:         blobs,
		Locks:         locktable.New(),
		Empty:         ttlcache.New(),
		Metrics:       metrics.New(),
		InstanceID:    "inst-1",
		LockTTL:       61 * time.Minute,
		SweepInterval: time.Hour, // not exercised directly in these tests
	}
}

func TestLockSweepReclaimsStaleLocks(t *testing.T) {
	store := fake.New()
	now := time.Now()
	if err := store.InsertMany(context.Background(), []*queuestore.Delivery{{
		ID: "X", Seq: "001", SendingZone: "z", Domain: "y.test",
		Created: now.Add(-2 * time.Hour), Queued: now.Add(-2 * time.Hour),
	}}); err != nil {
		t.Fatal(err)
	}

	// Claim it so it is locked and stale.
	if _, err := store.Claim(context.Background(), "z", "inst-1", nil, now.Add(-2*time.Hour)); err != nil {
		t.Fatal(err)
	}

	l := newLoop(t, store, &fakeBlobs{})
	l.sweepLocks(context.Background())

	d, err := store.Get(context.Background(), "X", "001")
	if err != nil {
		t.Fatal(err)
	}
	if d.Locked {
		t.Errorf("expected stale lock to be reclaimed, row still locked")
	}
}

func TestReleaseOldGivesUpWithoutBounce(t *testing.T) {
	store := fake.New()
	now := time.Now()
	old := now.Add(-48 * time.Hour)
	if err := store.InsertMany(context.Background(), []*queuestore.Delivery{{
		ID: "X", Seq: "001", SendingZone: "z", Domain: "y.test",
		Created: old, Queued: old,
	}}); err != nil {
		t.Fatal(err)
	}

	blobs := &fakeBlobs{}
	l := newLoop(t, store, blobs)
	l.MaxQueueTime = 24 * time.Hour

	l.releaseOld(context.Background())

	if store.Len() != 0 {
		t.Errorf("expected row to be released, got %d remaining", store.Len())
	}
	if len(blobs.removed) != 1 || blobs.removed[0] != "X" {
		t.Errorf("expected orphaned body X to be removed, got %v", blobs.removed)
	}
}

func TestReleaseOldDisabledByDefault(t *testing.T) {
	store := fake.New()
	old := time.Now().Add(-48 * time.Hour)
	if err := store.InsertMany(context.Background(), []*queuestore.Delivery{{
		ID: "X", Seq: "001", SendingZone: "z", Domain: "y.test",
		Created: old, Queued: old,
	}}); err != nil {
		t.Fatal(err)
	}

	l := newLoop(t, store, &fakeBlobs{})
	// MaxQueueTime left at zero: the pass must be a no-op.
	l.releaseOld(context.Background())

	if store.Len() != 1 {
		t.Errorf("expected row to survive with MaxQueueTime unset, got %d remaining", store.Len())
	}
}

func TestReleaseOldKeepsBodyIfOtherRowsRemain(t *testing.T) {
	store := fake.New()
	old := time.Now().Add(-48 * time.Hour)
	recent := time.Now()
	if err := store.InsertMany(context.Background(), []*queuestore.Delivery{
		{ID: "X", Seq: "001", SendingZone: "z", Domain: "a.test", Created: old, Queued: old},
		{ID: "X", Seq: "002", SendingZone: "z", Domain: "b.test", Created: recent, Queued: recent},
	}); err != nil {
		t.Fatal(err)
	}

	blobs := &fakeBlobs{}
	l := newLoop(t, store, blobs)
	l.MaxQueueTime = 24 * time.Hour
	l.releaseOld(context.Background())

	if store.Len() != 1 {
		t.Errorf("expected one row to survive, got %d", store.Len())
	}
	if len(blobs.removed) != 0 {
		t.Errorf("expected body to be kept while a row still references it, removed=%v", blobs.removed)
	}
}

func TestCollectOrphanBodiesUsesOldestRowAsBoundary(t *testing.T) {
	store := fake.New()
	oldest := time.Now().Add(-time.Hour)
	if err := store.InsertMany(context.Background(), []*queuestore.Delivery{{
		ID: "X", Seq: "001", SendingZone: "z", Domain: "y.test",
		Created: oldest, Queued: oldest,
	}}); err != nil {
		t.Fatal(err)
	}

	blobs := &fakeBlobs{orphanCount: 3}
	l := newLoop(t, store, blobs)
	l.collectOrphanBodies(context.Background())

	if len(blobs.orphansBefore) != 1 {
		t.Fatalf("expected one orphan-collection call, got %d", len(blobs.orphansBefore))
	}
	wantCutoff := oldest.Add(-orphanBodyGrace)
	if !blobs.orphansBefore[0].Equal(wantCutoff) {
		t.Errorf("cutoff = %v, want %v", blobs.orphansBefore[0], wantCutoff)
	}
}

func TestCollectOrphanBodiesSkipsWhenQueueEmpty(t *testing.T) {
	store := fake.New()
	blobs := &fakeBlobs{}
	l := newLoop(t, store, blobs)
	l.collectOrphanBodies(context.Background())

	if len(blobs.orphansBefore) != 0 {
		t.Errorf("expected no orphan-collection call on an empty queue, got %v", blobs.orphansBefore)
	}
}

func TestExportGaugesReflectsStoreAndCaches(t *testing.T) {
	store := fake.New()
	now := time.Now()
	if err := store.InsertMany(context.Background(), []*queuestore.Delivery{
		{ID: "X", Seq: "001", SendingZone: "z", Domain: "y.test", Created: now, Queued: now},
		{ID: "Y", Seq: "001", SendingZone: "z", Domain: "y.test", Created: now, Queued: now.Add(time.Hour)},
	}); err != nil {
		t.Fatal(err)
	}

	l := newLoop(t, store, &fakeBlobs{})
	l.Empty.Set(ttlcache.BlacklistKey("y.test", "1.2.3.4"), time.Hour)
	l.Locks.Lock("lock X 001", "z", "y.test", "inst-1", 5, time.Hour)

	l.exportGauges(context.Background())

	if got := testutil.ToFloat64(l.Metrics.QueuedRows); got != 1 {
		t.Errorf("QueuedRows = %v, want 1", got)
	}
	if got := testutil.ToFloat64(l.Metrics.DeferredRows); got != 1 {
		t.Errorf("DeferredRows = %v, want 1", got)
	}
	if got := testutil.ToFloat64(l.Metrics.BlacklistSize); got != 1 {
		t.Errorf("BlacklistSize = %v, want 1", got)
	}
	if got := testutil.ToFloat64(l.Metrics.LocksHeld); got != 1 {
		t.Errorf("LocksHeld = %v, want 1", got)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store := fake.New()
	l := newLoop(t, store, &fakeBlobs{})
	l.SweepInterval = time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		l.Run(ctx)
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}
