package main

import (
	"context"
	"testing"
	"time"

	"github.com/chasquid-relay/zoneq/internal/hooks"
	"github.com/chasquid-relay/zoneq/internal/locktable"
	"github.com/chasquid-relay/zoneq/internal/metrics"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/queuestore/fake"
	"github.com/chasquid-relay/zoneq/internal/rpc"
	"github.com/chasquid-relay/zoneq/internal/scheduler"
)

type fakeBlobs struct {
	removedNow   []string
	removedAfter []string
}

func (f *fakeBlobs) RemoveNow(ctx context.Context, id string) error {
	f.removedNow = append(f.removedNow, id)
	return nil
}

func (f *fakeBlobs) RemoveAfter(ctx context.Context, id string, graceWindow time.Duration) error {
	f.removedAfter = append(f.removedAfter, id)
	return nil
}

type noopBouncer struct{}

func (noopBouncer) Bounce(ctx context.Context, req hooks.BounceRequest) error { return nil }

func startTestServer(t *testing.T, store queuestore.Store, blobs Blobs) (*rpc.Client, *locktable.Table) {
	t.Helper()
	locks := locktable.New()
	s := newRPCServer(store, blobs, &scheduler.Scheduler{}, noopBouncer{}, locks, metrics.New())

	addr, err := s.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })

	c, err := rpc.Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c, locks
}

func insertOne(t *testing.T, st *fake.Store, id string) {
	t.Helper()
	now := time.Now()
	if err := st.InsertMany(context.Background(), []*queuestore.Delivery{{
		ID: id, Seq: "001", Recipient: "bob@y.test", Domain: "y.test",
		SendingZone: "default", Assigned: queuestore.Unassigned, Queued: now, Created: now,
	}}); err != nil {
		t.Fatal(err)
	}
}

func TestReleaseRemovesBodyImmediatelyWhenSkipDelayDeleteSet(t *testing.T) {
	st := fake.New()
	insertOne(t, st, "M1")
	blobs := &fakeBlobs{}
	c, _ := startTestServer(t, st, blobs)

	var ack rpc.Ack
	req := &rpc.ReleaseRequest{Lock: "lock M1 001", SkipDelayDelete: true}
	if err := rpc.CallTyped(context.Background(), c, rpc.MethodRelease, req, &ack); err != nil {
		t.Fatal(err)
	}

	if len(blobs.removedNow) != 1 || blobs.removedNow[0] != "M1" {
		t.Fatalf("expected immediate body removal for M1, got removedNow=%v removedAfter=%v", blobs.removedNow, blobs.removedAfter)
	}
}

func TestReleaseRemovesBodyWithGraceWhenSkipDelayDeleteUnset(t *testing.T) {
	st := fake.New()
	insertOne(t, st, "M2")
	blobs := &fakeBlobs{}
	c, _ := startTestServer(t, st, blobs)

	var ack rpc.Ack
	req := &rpc.ReleaseRequest{Lock: "lock M2 001"}
	if err := rpc.CallTyped(context.Background(), c, rpc.MethodRelease, req, &ack); err != nil {
		t.Fatal(err)
	}

	if len(blobs.removedAfter) != 1 || blobs.removedAfter[0] != "M2" {
		t.Fatalf("expected graced body removal for M2, got removedNow=%v removedAfter=%v", blobs.removedNow, blobs.removedAfter)
	}
}

func TestReleaseLeavesBodyWhenOtherRowsRemain(t *testing.T) {
	st := fake.New()
	now := time.Now()
	if err := st.InsertMany(context.Background(), []*queuestore.Delivery{
		{ID: "M3", Seq: "001", Recipient: "a@y.test", Domain: "y.test", SendingZone: "default", Assigned: queuestore.Unassigned, Queued: now, Created: now},
		{ID: "M3", Seq: "002", Recipient: "b@y.test", Domain: "y.test", SendingZone: "default", Assigned: queuestore.Unassigned, Queued: now, Created: now},
	}); err != nil {
		t.Fatal(err)
	}
	blobs := &fakeBlobs{}
	c, _ := startTestServer(t, st, blobs)

	var ack rpc.Ack
	req := &rpc.ReleaseRequest{Lock: "lock M3 001", SkipDelayDelete: true}
	if err := rpc.CallTyped(context.Background(), c, rpc.MethodRelease, req, &ack); err != nil {
		t.Fatal(err)
	}

	if len(blobs.removedNow) != 0 || len(blobs.removedAfter) != 0 {
		t.Fatalf("expected no body removal while seq 002 still references M3, got removedNow=%v removedAfter=%v", blobs.removedNow, blobs.removedAfter)
	}
}
