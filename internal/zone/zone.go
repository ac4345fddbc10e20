// Package zone builds the flattened sending-zone routing tables described
// in spec.md §4.9 out of the static configuration loaded by internal/config,
// and answers the router's findBy* routing-priority questions.
//
// Grounded on the teacher's internal/domaininfo.DB: a mutex-guarded struct
// rebuilt wholesale on Reload rather than mutated incrementally, so readers
// never see a half-updated table.
package zone

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/chasquid-relay/zoneq/internal/config"
	"github.com/chasquid-relay/zoneq/internal/normalize"
)

// Table is the live, flattened routing table. Safe for concurrent use;
// Reload atomically swaps the whole table.
type Table struct {
	mu sync.RWMutex

	zones       map[string]*config.Zone
	defaultZone string

	recipientDomainMap map[string]string
	senderDomainMap    map[string]string
	originMap          map[string]string
	routingHeaders     map[string]map[string]string // header -> value -> zone

	domainConfigs map[string]*config.DomainConfig
}

// New builds a Table from cfg. It never returns an error: a configuration
// with no zones at all is valid, and the router then assigns every row to
// the default zone name whether or not that zone is configured.
func New(cfg *config.Config) *Table {
	t := &Table{}
	t.Reload(cfg)
	return t
}

// Reload rebuilds the table from cfg, replacing the previous one atomically.
// In-flight deliveries that already chose a zone are unaffected, per
// spec.md §5 ("source-address pools are read-only after load").
func (t *Table) Reload(cfg *config.Config) {
	recipientDomainMap := map[string]string{}
	senderDomainMap := map[string]string{}
	originMap := map[string]string{}
	routingHeaders := map[string]map[string]string{}

	zones := map[string]*config.Zone{}
	for name, z := range cfg.Zones {
		zones[name] = z

		for _, d := range z.RecipientDomains {
			recipientDomainMap[normalizeDomain(d)] = name
		}
		for _, d := range z.SenderDomains {
			senderDomainMap[normalizeDomain(d)] = name
		}
		for _, o := range z.OriginAddresses {
			originMap[strings.ToLower(strings.TrimSpace(o))] = name
		}
		for header, values := range z.RoutingHeaders {
			h := strings.ToLower(header)
			m := routingHeaders[h]
			if m == nil {
				m = map[string]string{}
				routingHeaders[h] = m
			}
			for v, zoneName := range values {
				m[strings.ToLower(v)] = zoneName
			}
		}
	}

	defaultZone := cfg.DefaultZone
	if defaultZone == "" {
		defaultZone = "default"
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.zones = zones
	t.defaultZone = defaultZone
	t.recipientDomainMap = recipientDomainMap
	t.senderDomainMap = senderDomainMap
	t.originMap = originMap
	t.routingHeaders = routingHeaders
	t.domainConfigs = cfg.DomainConfigs
}

func normalizeDomain(d string) string {
	n, _ := normalize.Domain(d)
	return n
}

// Zone returns the named zone's configuration, and whether it exists.
func (t *Table) Zone(name string) (*config.Zone, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	z, ok := t.zones[name]
	return z, ok
}

// DefaultZone returns the configured default zone name.
func (t *Table) DefaultZone() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.defaultZone
}

// FindBySender returns the zone assigned to senderDomain, if any.
func (t *Table) FindBySender(senderDomain string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	z, ok := t.senderDomainMap[normalizeDomain(senderDomain)]
	return z, ok
}

// FindByRecipient returns the zone assigned to recipientDomain, if any.
func (t *Table) FindByRecipient(recipientDomain string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	z, ok := t.recipientDomainMap[normalizeDomain(recipientDomain)]
	return z, ok
}

// FindByOrigin returns the zone assigned to origin (e.g. the submitting
// interface/session address), if any.
func (t *Table) FindByOrigin(origin string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	z, ok := t.originMap[strings.ToLower(strings.TrimSpace(origin))]
	return z, ok
}

// FindByHeaders walks headers from the last occurrence backward, per
// spec.md §4.9, and returns the first (header, value) pair that matches a
// configured routing rule — so the most recently added header wins.
func (t *Table) FindByHeaders(headers map[string][]string) (string, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	for header, values := range headers {
		m, ok := t.routingHeaders[strings.ToLower(header)]
		if !ok {
			continue
		}
		for i := len(values) - 1; i >= 0; i-- {
			if z, ok := m[strings.ToLower(strings.TrimSpace(values[i]))]; ok {
				return z, true
			}
		}
	}
	return "", false
}

// DomainConfigFor returns the effective per-remote-domain configuration,
// merged over config.DefaultDomainConfig, per spec.md §3.
func (t *Table) DomainConfigFor(domain string) config.DomainConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()

	dc := config.DefaultDomainConfig
	if override, ok := t.domainConfigs[normalizeDomain(domain)]; ok && override != nil {
		if override.MaxConnections > 0 {
			dc.MaxConnections = override.MaxConnections
		}
		if override.DisabledAddresses != nil {
			dc.DisabledAddresses = override.DisabledAddresses
		}
		if override.Plugin != nil {
			dc.Plugin = override.Plugin
		}
	}
	return dc
}

// MaxConnections is a convenience accessor used by the lock table when
// claiming a delivery.
func (t *Table) MaxConnections(domain string) int {
	return t.DomainConfigFor(domain).MaxConnections
}

// ZoneNames returns all configured zone names, sorted, for diagnostics.
func (t *Table) ZoneNames() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	names := make([]string, 0, len(t.zones))
	for name := range t.zones {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ErrUnknownZone is returned by callers that need an explicit error rather
// than a (string, bool) result, e.g. when validating an envelope's
// explicit sendingZone.
type ErrUnknownZone struct{ Zone string }

func (e *ErrUnknownZone) Error() string {
	return fmt.Sprintf("unknown sending zone %q", e.Zone)
}
