package main

import (
	"context"
	"errors"
	"time"

	"github.com/chasquid-relay/zoneq/internal/hooks"
	"github.com/chasquid-relay/zoneq/internal/locktable"
	"github.com/chasquid-relay/zoneq/internal/log"
	"github.com/chasquid-relay/zoneq/internal/maillog"
	"github.com/chasquid-relay/zoneq/internal/metrics"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/rpc"
	"github.com/chasquid-relay/zoneq/internal/scheduler"
)

// releaseBodyGrace is the short grace window a RELEASE that did not set
// SkipDelayDelete waits before its body is actually gone, per spec.md
// §4.8 step 3.
const releaseBodyGrace = 30 * time.Second

// Blobs is the subset of blobstore.Store the RPC server needs to run the
// body-removal cascade spec.md §4.8 step 3 describes: once a RELEASE
// leaves no row referencing a message, its body must go too, rather than
// waiting on the next orphan-body GC sweep (internal/gc's pass is a
// backstop, not the primary path).
type Blobs interface {
	RemoveNow(ctx context.Context, id string) error
	RemoveAfter(ctx context.Context, id string, graceWindow time.Duration) error
}

// newRPCServer registers the HELLO/GET/RELEASE/DEFER/BOUNCE handlers
// spec.md §4.13 describes and wires disconnect handling to the lock
// table, so a worker's in-flight claims return to the pool immediately
// rather than waiting out the lock TTL.
func newRPCServer(store queuestore.Store, blobs Blobs, sched *scheduler.Scheduler, bouncer hooks.Bouncer, locks *locktable.Table, mtx *metrics.Registry) *rpc.Server {
	s := rpc.NewServer()

	s.Register(rpc.MethodHello, rpc.HandlerFunc(func(ctx context.Context, cs *rpc.ConnState, req *rpc.HelloRequest) (*rpc.HelloResponse, error) {
		cs.SetInstanceID(req.InstanceID)
		log.Infof("worker %s hello for zone %q", req.InstanceID, req.Zone)
		return &rpc.HelloResponse{OK: true}, nil
	}))

	s.Register(rpc.MethodGet, rpc.HandlerFunc(func(ctx context.Context, cs *rpc.ConnState, req *rpc.GetRequest) (*rpc.GetResponse, error) {
		d, err := sched.Shift(ctx, req.Zone)
		if err != nil {
			return nil, err
		}
		if d == nil {
			return &rpc.GetResponse{Empty: true}, nil
		}
		return &rpc.GetResponse{Delivery: d.Delivery, Meta: d.Meta}, nil
	}))

	s.Register(rpc.MethodRelease, rpc.HandlerFunc(func(ctx context.Context, cs *rpc.ConnState, req *rpc.ReleaseRequest) (*rpc.Ack, error) {
		id, seq, err := parseLock(req.Lock)
		if err != nil {
			return nil, err
		}
		d, _ := store.Get(ctx, id, seq)
		if err := store.Release(ctx, id, seq); err != nil {
			return nil, err
		}
		locks.Release(req.Lock)
		if n, err := store.CountForID(ctx, id); err != nil {
			log.Errorf("counting remaining rows for %q after release: %v", id, err)
		} else if n == 0 {
			if req.SkipDelayDelete {
				if err := blobs.RemoveNow(ctx, id); err != nil {
					log.Errorf("removing body %q after release: %v", id, err)
				}
			} else if err := blobs.RemoveAfter(ctx, id, releaseBodyGrace); err != nil {
				log.Errorf("removing body %q after release: %v", id, err)
			}
		}
		if d != nil {
			mtx.DeliveryTotal.WithLabelValues(d.SendingZone, "released").Inc()
			maillog.SendAttempt(id, "", d.Recipient, nil, false)
		}
		return &rpc.Ack{}, nil
	}))

	s.Register(rpc.MethodDefer, rpc.HandlerFunc(func(ctx context.Context, cs *rpc.ConnState, req *rpc.DeferRequest) (*rpc.Ack, error) {
		id, seq, err := parseLock(req.Lock)
		if err != nil {
			return nil, err
		}
		d, _ := store.Get(ctx, id, seq)
		upd := queuestore.DeferUpdate{TTL: req.TTL, Response: req.Response, Log: req.Log}
		now := time.Now()
		if err := store.Defer(ctx, id, seq, upd, now); err != nil {
			return nil, err
		}
		locks.Release(req.Lock)
		if d != nil {
			mtx.DeliveryTotal.WithLabelValues(d.SendingZone, "deferred").Inc()
			maillog.SendAttempt(id, "", d.Recipient, errors.New(req.Response), false)
			if d.Deferred != nil {
				delayedHook.OnDelayed(ctx, hooks.DelayedInfo{
					ID: id, Seq: seq,
					First:    d.Deferred.First.UnixMilli(),
					Previous: d.Deferred.Last.UnixMilli(),
					Last:     now.UnixMilli(),
					Count:    d.Deferred.Count + 1,
					Response: req.Response,
				})
			}
		}
		return &rpc.Ack{}, nil
	}))

	s.Register(rpc.MethodBounce, rpc.HandlerFunc(func(ctx context.Context, cs *rpc.ConnState, req *rpc.BounceRequest) (*rpc.Ack, error) {
		id, seq, err := parseLock(req.Lock)
		if err != nil {
			return nil, err
		}
		d, _ := store.Get(ctx, id, seq)
		if err := bouncer.Bounce(ctx, hooks.BounceRequest{ID: id, Seq: seq, Response: req.Response}); err != nil {
			return nil, err
		}
		locks.Release(req.Lock)
		if d != nil {
			mtx.DeliveryTotal.WithLabelValues(d.SendingZone, "bounced").Inc()
			maillog.Bounced(id, "", req.Response)
		}
		return &rpc.Ack{}, nil
	}))

	s.OnDisconnect(func(instanceID string) {
		if instanceID == "" {
			return
		}
		log.Infof("worker %s disconnected, releasing its locks", instanceID)
		locks.ReleaseLockOwner(instanceID)
	})

	return s
}

// delayedHook is the "queue:delayed" extension point (spec.md §9). No
// plugin loading mechanism exists in this core (spec.md §1), so it is
// wired to the no-op default; a future plugin host would replace this
// value instead of changing the RPC handlers above.
var delayedHook hooks.Delayed = hooks.NoopDelayed{}
