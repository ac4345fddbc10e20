// Package hooks models the three named extension points spec.md §9
// calls out: "queue:route" (router may mutate recipient/zone), "queue:
// delayed" (fired on repeat defer, informs bounce policy), and "queue:
// bounce" (runs on an operator/worker BOUNCE RPC). Plugin loading itself
// is out of scope (spec.md §1); these are just the call sites the core
// invokes at defined points, modeled as construction-time-injected
// interfaces rather than a global plugin registry, per spec.md §9's
// "global singletons" redesign note.
package hooks

import "context"

// RouteContext is passed to a Router hook; the hook may mutate Recipient
// or Zone, which the caller re-reads after the call returns.
type RouteContext struct {
	From        string
	Recipient   string
	Zone        string
	SessionID   string
}

// Router is the "queue:route" extension point, run once per recipient
// before the delivery row is built (spec.md §4.6 step 3).
type Router interface {
	Route(ctx context.Context, rc *RouteContext) error
}

// DelayedInfo carries the aggregated defer history passed to the
// "queue:delayed" hook (spec.md §4.8 step 4).
type DelayedInfo struct {
	ID       string
	Seq      string
	First    int64 // epoch ms
	Previous int64 // epoch ms of the prior defer, 0 if this is the first
	Last     int64 // epoch ms
	Count    int
	Response string
}

// Delayed is the "queue:delayed" extension point.
type Delayed interface {
	OnDelayed(ctx context.Context, info DelayedInfo)
}

// BounceRequest carries a BOUNCE RPC's payload to the "queue:bounce" hook.
type BounceRequest struct {
	ID       string
	Seq      string
	Response string
	Log      string
}

// Bouncer is the "queue:bounce" extension point: compose a DSN and
// re-submit it. internal/bounce is the default (and here, only)
// implementation; it is still expressed behind this interface so callers
// don't depend on internal/bounce directly.
type Bouncer interface {
	Bounce(ctx context.Context, req BounceRequest) error
}

// Observer is the optional "queued event on push" observer, per spec.md
// §9: default is a no-op, modeled as a single-method interface rather
// than an event emitter.
type Observer interface {
	OnQueued(summary QueuedSummary)
}

// QueuedSummary is what onQueued receives.
type QueuedSummary struct {
	ID          string
	Recipient   string
	Domain      string
	SendingZone string
}

// NoopRouter is the default Router: no mutation.
type NoopRouter struct{}

func (NoopRouter) Route(ctx context.Context, rc *RouteContext) error { return nil }

// NoopDelayed is the default Delayed hook.
type NoopDelayed struct{}

func (NoopDelayed) OnDelayed(ctx context.Context, info DelayedInfo) {}

// NoopObserver is the default Observer.
type NoopObserver struct{}

func (NoopObserver) OnQueued(summary QueuedSummary) {}
