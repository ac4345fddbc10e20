// Package router implements "push" (spec.md §4.6): expand one envelope
// into one delivery row per recipient, each assigned to a sending zone,
// and insert the batch atomically.
package router

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chasquid-relay/zoneq/internal/envelope"
	"github.com/chasquid-relay/zoneq/internal/hooks"
	"github.com/chasquid-relay/zoneq/internal/metrics"
	"github.com/chasquid-relay/zoneq/internal/normalize"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/zone"
)

// Envelope is the router's input, per spec.md §4.6.
type Envelope struct {
	MessageID     string
	From          string
	To            []string
	Origin        string
	Headers       map[string][]string
	SendingZone   string // explicit zone, if the submitter already knows it
	DeferDelivery time.Time
	SessionID     string
}

// Router expands envelopes into delivery rows.
type Router struct {
	Zones    *zone.Table
	Store    queuestore.Store
	Hook     hooks.Router
	Observer hooks.Observer
	Metrics  *metrics.Registry
}

// New creates a Router. hook and observer may be nil, in which case
// hooks.NoopRouter / hooks.NoopObserver are used.
func New(zones *zone.Table, store queuestore.Store, hook hooks.Router, observer hooks.Observer, m *metrics.Registry) *Router {
	if hook == nil {
		hook = hooks.NoopRouter{}
	}
	if observer == nil {
		observer = hooks.NoopObserver{}
	}
	return &Router{Zones: zones, Store: store, Hook: hook, Observer: observer, Metrics: m}
}

// Push expands env into delivery rows and inserts them, per spec.md §4.6.
// On any error, no rows become visible (InsertMany is all-or-nothing from
// the caller's perspective, per spec.md §4.6's closing note).
func (r *Router) Push(ctx context.Context, env Envelope) ([]*queuestore.Delivery, error) {
	now := time.Now()

	senderDomain := r.senderDomain(env)

	var rows []*queuestore.Delivery
	seq := 0

	for _, to := range env.To {
		recipient, recipientDomain, err := normalize.Recipient(to)
		if err != nil {
			if r.Metrics != nil {
				r.Metrics.PushTotal.WithLabelValues("error").Inc()
			}
			return nil, fmt.Errorf("normalizing recipient %q: %w", to, err)
		}

		zoneName := r.resolveZone(env, senderDomain, recipientDomain)

		rc := &hooks.RouteContext{
			From:      env.From,
			Recipient: recipient + "@" + recipientDomain,
			Zone:      zoneName,
			SessionID: env.SessionID,
		}
		if err := r.Hook.Route(ctx, rc); err != nil {
			if r.Metrics != nil {
				r.Metrics.PushTotal.WithLabelValues("error").Inc()
			}
			return nil, fmt.Errorf("queue:route hook: %w", err)
		}
		recipient, recipientDomain = envelope.Split(rc.Recipient)
		zoneName = rc.Zone

		seq++
		d := &queuestore.Delivery{
			ID:          env.MessageID,
			Seq:         fmt.Sprintf("%03x", seq),
			Recipient:   recipient + "@" + recipientDomain,
			Domain:      recipientDomain,
			SendingZone: zoneName,
			Locked:      false,
			LockTime:    0,
			Assigned:    queuestore.Unassigned,
			Queued:      now,
			Created:     now,
			SessionID:   env.SessionID,
		}

		if !env.DeferDelivery.IsZero() && env.DeferDelivery.After(now) {
			d.Queued = env.DeferDelivery
			d.Deferred = &queuestore.DeferredState{
				First:    now,
				Last:     now,
				Next:     env.DeferDelivery,
				Count:    0,
				Response: "Deferred by router",
			}
		}

		rows = append(rows, d)
	}

	if err := r.Store.InsertMany(ctx, rows); err != nil {
		if r.Metrics != nil {
			r.Metrics.PushTotal.WithLabelValues("error").Inc()
		}
		return nil, fmt.Errorf("inserting delivery batch: %w", err)
	}

	if r.Metrics != nil {
		r.Metrics.PushTotal.WithLabelValues("ok").Inc()
	}

	for _, d := range rows {
		r.Observer.OnQueued(hooks.QueuedSummary{
			ID: d.ID, Recipient: d.Recipient, Domain: d.Domain, SendingZone: d.SendingZone,
		})
	}

	return rows, nil
}

// senderDomain extracts the sender domain per spec.md §4.6 step 1:
// headers.from first, fallback envelope.from.
func (r *Router) senderDomain(env Envelope) string {
	if from := firstHeader(env.Headers, "from"); from != "" {
		if _, d, err := normalize.Recipient(from); err == nil && d != "" {
			return d
		}
	}
	_, d := envelope.Split(env.From)
	norm, _ := normalize.Domain(d)
	return norm
}

func firstHeader(headers map[string][]string, name string) string {
	for h, values := range headers {
		if strings.EqualFold(h, name) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// resolveZone implements the priority order from spec.md §4.6 step 2.
func (r *Router) resolveZone(env Envelope, senderDomain, recipientDomain string) string {
	if env.SendingZone != "" {
		if _, ok := r.Zones.Zone(env.SendingZone); ok {
			return env.SendingZone
		}
	}
	if z, ok := r.Zones.FindBySender(senderDomain); ok {
		return z
	}
	if z, ok := r.Zones.FindByRecipient(recipientDomain); ok {
		return z
	}
	if z, ok := r.Zones.FindByOrigin(env.Origin); ok {
		return z
	}
	// findByHeaders (spec.md §4.9) is not part of the push priority chain
	// (spec.md §4.6 step 2 / testable property 3 name only explicit
	// sendingZone, sender, recipient, origin, default); it is available to
	// the queue:route hook, which runs immediately after this and may
	// override Zone using it.
	return r.Zones.DefaultZone()
}
