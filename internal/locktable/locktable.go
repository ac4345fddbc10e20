// Package locktable implements the master's in-memory, per-delivery and
// per-(zone,domain) concurrency locks described in spec.md §4.2. It never
// touches the queue store: the durable claim happens in internal/queuestore,
// this table only prevents a single master process from handing the same
// domain more concurrent work than its configured limit.
//
// Grounded on the teacher's internal/domaininfo.DB: an embedded mutex
// guarding a plain map, reload-by-rebuild, no external persistence.
package locktable

import (
	"sync"
	"time"
)

// Entry is one held lock, as described in spec.md §3 "Lock entry".
type Entry struct {
	Key            string
	Zone           string
	Domain         string
	SenderInstance string
	MaxConnections int
	Deadline       time.Time
}

func (e *Entry) expired(now time.Time) bool {
	return now.After(e.Deadline)
}

// Table is the lock table. Safe for concurrent use.
type Table struct {
	mu sync.Mutex

	// by delivery-scoped key, e.g. "lock <id> <seq>".
	byKey map[string]*Entry

	// by zone -> domain -> set of keys, to compute skip sets and enforce
	// maxConnections without scanning byKey.
	byZoneDomain map[string]map[string]map[string]bool

	// by holder, to bulk-release on worker disconnect.
	byHolder map[string]map[string]bool
}

// New creates an empty lock table.
func New() *Table {
	return &Table{
		byKey:        map[string]*Entry{},
		byZoneDomain: map[string]map[string]map[string]bool{},
		byHolder:     map[string]map[string]bool{},
	}
}

// Lock attempts to acquire key for holder in (zone, domain), subject to
// maxConnections. It fails if key is already locked and not expired, or if
// (zone, domain) is already at or above maxConnections.
func (t *Table) Lock(key, zone, domain, holder string, maxConnections int, ttl time.Duration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()

	if e, ok := t.byKey[key]; ok {
		if !e.expired(now) {
			return false
		}
		t.releaseLocked(key)
	}

	domains := t.byZoneDomain[zone]
	if domains == nil {
		domains = map[string]map[string]bool{}
		t.byZoneDomain[zone] = domains
	}
	keys := domains[domain]
	if keys == nil {
		keys = map[string]bool{}
		domains[domain] = keys
	}

	live := 0
	for k := range keys {
		if e := t.byKey[k]; e == nil || e.expired(now) {
			continue
		}
		live++
	}
	if maxConnections > 0 && live >= maxConnections {
		return false
	}

	e := &Entry{
		Key:            key,
		Zone:           zone,
		Domain:         domain,
		SenderInstance: holder,
		MaxConnections: maxConnections,
		Deadline:       now.Add(ttl),
	}
	t.byKey[key] = e
	keys[key] = true

	h := t.byHolder[holder]
	if h == nil {
		h = map[string]bool{}
		t.byHolder[holder] = h
	}
	h[key] = true

	return true
}

// Release releases key. Idempotent: releasing an unheld key is a no-op.
func (t *Table) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseLocked(key)
}

// releaseLocked requires t.mu to be held.
func (t *Table) releaseLocked(key string) {
	e, ok := t.byKey[key]
	if !ok {
		return
	}
	delete(t.byKey, key)

	if domains, ok := t.byZoneDomain[e.Zone]; ok {
		if keys, ok := domains[e.Domain]; ok {
			delete(keys, key)
			if len(keys) == 0 {
				delete(domains, e.Domain)
			}
		}
	}

	if h, ok := t.byHolder[e.SenderInstance]; ok {
		delete(h, key)
		if len(h) == 0 {
			delete(t.byHolder, e.SenderInstance)
		}
	}
}

// ReleaseLockOwner releases every lock held by holder. Called when a worker
// disconnects, per spec.md §4.13, so its in-progress deliveries return to
// the pool immediately instead of waiting for the lock TTL to expire.
func (t *Table) ReleaseLockOwner(holder string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.byHolder[holder] {
		t.releaseLocked(key)
	}
}

// ListSkipDomains returns the domains in zone currently at or above their
// maxConnections limit, per spec.md §4.2.
func (t *Table) ListSkipDomains(zone string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var skip []string
	for domain, keys := range t.byZoneDomain[zone] {
		live := 0
		max := 0
		for key := range keys {
			e := t.byKey[key]
			if e == nil || e.expired(now) {
				continue
			}
			live++
			if e.MaxConnections > max {
				max = e.MaxConnections
			}
		}
		if max > 0 && live >= max {
			skip = append(skip, domain)
		}
	}
	return skip
}

// Len returns the number of live (non-expired) locks, for tests and
// diagnostics.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	n := 0
	for _, e := range t.byKey {
		if !e.expired(now) {
			n++
		}
	}
	return n
}
