// Package fake implements an in-memory queuestore.Store, used by
// router/scheduler/gc tests so they never need a live Mongo deployment.
// Mirrors the teacher's internal/courier/fakeserver_test.go approach of
// substituting a lightweight local stand-in for the real network/storage
// dependency, generalized into a reusable package since several packages
// here need the same fake.
package fake

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/chasquid-relay/zoneq/internal/queuestore"
)

type row struct {
	d    queuestore.Delivery
	seq  int64 // insertion order, used to break ties like a Mongo _id would
}

// Store is an in-memory queuestore.Store.
type Store struct {
	mu      sync.Mutex
	rows    map[string]*row // key: id+"."+seq
	counter int64
}

// New creates an empty fake store.
func New() *Store {
	return &Store{rows: map[string]*row{}}
}

func key(id, seq string) string { return id + "." + seq }

func (s *Store) InsertMany(ctx context.Context, rows []*queuestore.Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range rows {
		s.counter++
		cp := *d
		s.rows[key(d.ID, d.Seq)] = &row{d: cp, seq: s.counter}
	}
	return nil
}

func (s *Store) Claim(ctx context.Context, zone, instance string, skipDomains []string, now time.Time) (*queuestore.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := map[string]bool{}
	for _, d := range skipDomains {
		skip[d] = true
	}

	var candidates []*row
	for _, r := range s.rows {
		if r.d.SendingZone != zone {
			continue
		}
		if !r.d.Eligible(instance, now) {
			continue
		}
		if skip[r.d.Domain] {
			continue
		}
		candidates = append(candidates, r)
	}
	if len(candidates) == 0 {
		return nil, queuestore.ErrNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].d.Queued.Equal(candidates[j].d.Queued) {
			return candidates[i].d.Queued.Before(candidates[j].d.Queued)
		}
		return candidates[i].seq < candidates[j].seq
	})

	chosen := candidates[0]
	chosen.d.Locked = true
	chosen.d.LockTime = now.UnixMilli()
	chosen.d.Assigned = instance

	out := chosen.d
	out.Lock = queuestore.LockKey(out.ID, out.Seq)
	return &out, nil
}

func (s *Store) Release(ctx context.Context, id, seq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, key(id, seq))
	return nil
}

func (s *Store) Defer(ctx context.Context, id, seq string, upd queuestore.DeferUpdate, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rows[key(id, seq)]
	if !ok {
		return queuestore.ErrNotFound
	}

	next := now.Add(upd.TTL)
	if r.d.Deferred == nil {
		r.d.Deferred = &queuestore.DeferredState{First: now}
	}
	r.d.Deferred.Last = now
	r.d.Deferred.Next = next
	r.d.Deferred.Response = upd.Response
	if upd.Log != "" {
		r.d.Deferred.Log = upd.Log
	}
	r.d.Deferred.Count++

	r.d.Locked = false
	r.d.Queued = next
	return nil
}

func (s *Store) Update(ctx context.Context, id, seq string, set map[string]interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key(id, seq)]
	if !ok {
		return queuestore.ErrNotFound
	}
	// The fake only needs to support the fields the RPC layer and tests
	// actually set; unknown keys are ignored rather than erroring, since a
	// real document store would happily store arbitrary keys too.
	if v, ok := set["locked"].(bool); ok {
		r.d.Locked = v
	}
	if v, ok := set["assigned"].(string); ok {
		r.d.Assigned = v
	}
	return nil
}

func (s *Store) DeleteAllForID(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, r := range s.rows {
		if r.d.ID == id {
			delete(s.rows, k)
		}
	}
	return nil
}

func (s *Store) CountQueued(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if !r.d.Queued.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) CountDeferred(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.d.Queued.After(now) {
			n++
		}
	}
	return n, nil
}

func (s *Store) ReleaseStaleLocks(ctx context.Context, instance string, lockTTL time.Duration, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-lockTTL).UnixMilli()
	var n int64
	for _, r := range s.rows {
		if r.d.Locked && r.d.Assigned == instance && r.d.LockTime <= cutoff {
			r.d.Locked = false
			r.d.LockTime = 0
			n++
		}
	}
	return n, nil
}

func (s *Store) ReleaseOlderThan(ctx context.Context, cutoff time.Time) ([]*queuestore.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*queuestore.Delivery
	for k, r := range s.rows {
		if !r.d.Locked && !r.d.Created.After(cutoff) {
			cp := r.d
			out = append(out, &cp)
			delete(s.rows, k)
		}
	}
	return out, nil
}

func (s *Store) OldestCreated(ctx context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var oldest time.Time
	found := false
	for _, r := range s.rows {
		if !found || r.d.Created.Before(oldest) {
			oldest = r.d.Created
			found = true
		}
	}
	if !found {
		return time.Time{}, queuestore.ErrNotFound
	}
	return oldest, nil
}

func (s *Store) CountForID(ctx context.Context, id string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, r := range s.rows {
		if r.d.ID == id {
			n++
		}
	}
	return n, nil
}

func (s *Store) Get(ctx context.Context, id, seq string) (*queuestore.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[key(id, seq)]
	if !ok {
		return nil, queuestore.ErrNotFound
	}
	cp := r.d
	return &cp, nil
}

// Len returns the total number of rows held, for test assertions.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.rows)
}

// All returns a snapshot copy of every row, for test assertions.
func (s *Store) All() []*queuestore.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*queuestore.Delivery, 0, len(s.rows))
	for _, r := range s.rows {
		cp := r.d
		out = append(out, &cp)
	}
	return out
}

var _ queuestore.Store = (*Store)(nil)
