// Package ttlcache implements the master's short-lived in-process fact
// cache described in spec.md §4.3: "zone empty" back-off markers and
// domain/destination-IP blacklist entries. Eviction is lazy on lookup,
// plus a periodic sweep so abandoned keys don't pile up between lookups.
//
// Grounded on the same mutex-guarded-map shape as internal/locktable
// (teacher's internal/domaininfo.DB), since both are master-local, purely
// in-memory facts with no persistence.
package ttlcache

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

type entry struct {
	expiresAt time.Time
}

// Cache is a TTL-keyed set: presence of a live key is the signal, there is
// no associated value beyond the expiry time.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: map[string]entry{}}
}

// Set marks key as live until ttl elapses.
func (c *Cache) Set(key string, ttl time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry{expiresAt: time.Now().Add(ttl)}
}

// Has reports whether key is set and not yet expired, evicting it if it has.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	if time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return false
	}
	return true
}

// Sweep evicts all expired entries, regardless of whether they've been
// looked up. Intended to be called periodically by the GC loop so a zone
// that stops being probed doesn't leave stale entries around forever.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// CountPrefix returns the number of live (non-expired) keys with the given
// prefix, used to export the blacklist cache size gauge (spec.md §4.3,
// §4.14).
func (c *Cache) CountPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	n := 0
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			continue
		}
		if strings.HasPrefix(k, prefix) {
			n++
		}
	}
	return n
}

// Key helpers, per spec.md §4.3.

// EmptyZoneKey returns the ttlcache key marking zone as having no eligible
// work as of the last shift attempt.
func EmptyZoneKey(zone string) string {
	return fmt.Sprintf("empty:%s", zone)
}

// BlacklistKey returns the ttlcache key for a (domain, destination-IP)
// pair under back-off: a worker repeatedly failing to deliver to this
// domain through this specific address marks it, and the resolver skips
// re-offering that address as a candidate until the key expires.
func BlacklistKey(domain, addr string) string {
	return fmt.Sprintf("blacklist:%s:%s", domain, addr)
}

// BlacklistPrefix is the prefix passed to CountPrefix to size the blacklist
// gauge.
const BlacklistPrefix = "blacklist:"
