// Package queuestore implements the durable delivery-row store described in
// spec.md §3–§4.5: atomic claim, deferral, batch insert, and the counters
// the GC loop exports.
//
// Grounded on the domain stack: go.mongodb.org/mongo-driver's
// mongo.Collection (FindOneAndUpdate, InsertMany, Find, CountDocuments,
// DeleteOne/DeleteMany, UpdateMany) provides every primitive spec.md §4.5
// names. The split between a narrow Store interface and a concrete Mongo
// implementation mirrors the teacher's internal/queue, which kept on-disk
// access behind Queue's own methods so tests could substitute a temp dir;
// here tests substitute the in-memory internal/queuestore/fake
// implementation instead.
package queuestore

import "time"

// Delivery is the queue's fundamental unit, per spec.md §3.
type Delivery struct {
	ID          string         `bson:"id" msgpack:"id"`
	Seq         string         `bson:"seq" msgpack:"seq"` // 3 hex chars
	Recipient   string         `bson:"recipient" msgpack:"recipient"`
	Domain      string         `bson:"domain" msgpack:"domain"`
	SendingZone string         `bson:"sendingZone" msgpack:"sendingZone"`
	Locked      bool           `bson:"locked" msgpack:"locked"`
	LockTime    int64          `bson:"lockTime" msgpack:"lockTime"` // epoch ms
	Assigned    string         `bson:"assigned" msgpack:"assigned"` // "no" or instance id
	Queued      time.Time      `bson:"queued" msgpack:"queued"`
	Created     time.Time      `bson:"created" msgpack:"created"`
	SessionID   string         `bson:"sessionId" msgpack:"sessionId"`
	Deferred    *DeferredState `bson:"_deferred,omitempty" msgpack:"_deferred,omitempty"`

	// Lock is the in-memory lock table key for this row, of the form
	// "lock <id> <seq>". It is never persisted to the queue store itself
	// but is part of the RPC payload workers echo back verbatim on
	// RELEASE/DEFER (spec.md §9 "in-process lock key as concatenated
	// string").
	Lock string `bson:"-" msgpack:"_lock"`
}

// DeferredState tracks a delivery row's retry history, per spec.md §3.
type DeferredState struct {
	First    time.Time `bson:"first" msgpack:"first"`
	Last     time.Time `bson:"last" msgpack:"last"`
	Next     time.Time `bson:"next" msgpack:"next"`
	Count    int       `bson:"count" msgpack:"count"`
	Response string    `bson:"response" msgpack:"response"`
	Log      string    `bson:"log,omitempty" msgpack:"log,omitempty"`
}

// LockKey builds the delivery-scoped lock table key for (id, seq), per
// spec.md §9.
func LockKey(id, seq string) string {
	return "lock " + id + " " + seq
}

// Unassigned is the sentinel "assigned" value meaning "any instance may
// claim this row", per spec.md §3.
const Unassigned = "no"

// Eligible reports whether d is eligible for claim by instance as of now,
// per spec.md §3's invariant. It is used by the in-memory fake and by
// tests asserting scheduler behavior; the Mongo implementation expresses
// the same predicate as a query filter instead.
func (d *Delivery) Eligible(instance string, now time.Time) bool {
	if d.Locked {
		return false
	}
	if d.Queued.After(now) {
		return false
	}
	return d.Assigned == Unassigned || d.Assigned == instance
}
