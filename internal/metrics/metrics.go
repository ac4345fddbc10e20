// Package metrics registers the counters and gauges the GC/maintenance
// loop exports (spec.md §4.14) and the scheduler/router increment. The
// HTTP /metrics exposition endpoint itself is out of scope (spec.md §1);
// this package only owns the collectors.
//
// Grounded on the domain stack: github.com/prometheus/client_golang is a
// direct dependency of themadorg-madmail and fenilsonani-email-server.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry holds every collector this module exports. A fresh Registry
// uses its own prometheus.Registry rather than the global default so
// tests can create independent instances without collector-already-
// registered panics.
type Registry struct {
	Reg *prometheus.Registry

	QueuedRows     prometheus.Gauge
	DeferredRows   prometheus.Gauge
	BlacklistSize  prometheus.Gauge
	LocksHeld      prometheus.Gauge

	PushTotal      *prometheus.CounterVec // by result: ok/error
	ShiftTotal     *prometheus.CounterVec // by result: hit/empty
	DeliveryTotal  *prometheus.CounterVec // by zone,result: released/deferred/bounced
	BodyGCTotal    prometheus.Counter
	LockSweepTotal prometheus.Counter
}

// New creates and registers a Registry.
func New() *Registry {
	reg := prometheus.NewRegistry()

	r := &Registry{
		Reg: reg,
		QueuedRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zoneq_queued_rows",
			Help: "Delivery rows currently eligible (queued <= now).",
		}),
		DeferredRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zoneq_deferred_rows",
			Help: "Delivery rows currently deferred (queued > now).",
		}),
		BlacklistSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zoneq_blacklist_entries",
			Help: "Live entries in the domain/destination-IP blacklist cache.",
		}),
		LocksHeld: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "zoneq_locks_held",
			Help: "In-memory delivery locks currently held by this instance.",
		}),
		PushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zoneq_push_total",
			Help: "Router push attempts, by result.",
		}, []string{"result"}),
		ShiftTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zoneq_shift_total",
			Help: "Scheduler shift attempts, by result.",
		}, []string{"zone", "result"}),
		DeliveryTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "zoneq_delivery_total",
			Help: "Delivery outcomes, by zone and result.",
		}, []string{"zone", "result"}),
		BodyGCTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zoneq_body_gc_total",
			Help: "Orphan message bodies removed by the GC loop.",
		}),
		LockSweepTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "zoneq_lock_sweep_total",
			Help: "Stale locks reclaimed by the GC loop.",
		}),
	}

	reg.MustRegister(
		r.QueuedRows, r.DeferredRows, r.BlacklistSize, r.LocksHeld,
		r.PushTotal, r.ShiftTotal, r.DeliveryTotal, r.BodyGCTotal, r.LockSweepTotal,
	)
	return r
}
