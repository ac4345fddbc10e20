// Package pool implements the per-zone source-IP pool picker and warm-up
// expansion described in spec.md §4.10: deterministic selection so a
// recipient stays on the same source IP across retries (helpful when the
// remote end greylists by source address), plus ratio-weighted warm-up for
// IPs still building sending reputation.
//
// There is no corpus library for warm-up/rendezvous hashing (see
// DESIGN.md); CRC32 selection is the one place this module intentionally
// stays on the standard library, per spec.md §4.10's literal formula.
package pool

import (
	"hash/crc32"
	"net"

	"github.com/chasquid-relay/zoneq/internal/config"
)

// Entry is one expanded, selectable pool entry.
type Entry struct {
	Address string
	Name    string
}

// Pool is an expanded, ready-to-select source-address pool for one
// zone/family (v4 or v6).
type Pool struct {
	entries []Entry
	wild    Entry
}

// Wildcard entries used when a pool is empty, per spec.md §4.10.
var (
	wildcardV4 = Entry{Address: "0.0.0.0"}
	wildcardV6 = Entry{Address: "::"}
)

// Expand builds a Pool from the configured entries, applying warm-up ratio
// expansion: entries are duplicated in the selection slice proportionally
// to their ratio (or an equal share of whatever ratio mass is left over),
// so that CRC32 selection over the expanded slice approximates the target
// distribution. v6 selects which all-zero address to fall back to
// when raw is empty.
func Expand(raw []config.PoolEntry, v6 bool) *Pool {
	wild := wildcardV4
	if v6 {
		wild = wildcardV6
	}

	if len(raw) == 0 {
		return &Pool{wild: wild}
	}

	const slots = 1000 // expansion granularity; see warm-up distribution test

	var ratioed, unratioed []config.PoolEntry
	ratioSum := 0.0
	for _, e := range raw {
		if e.Ratio > 0 {
			ratioed = append(ratioed, e)
			ratioSum += e.Ratio
		} else {
			unratioed = append(unratioed, e)
		}
	}

	var expanded []Entry
	for _, e := range ratioed {
		n := int(e.Ratio * float64(slots))
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			expanded = append(expanded, Entry{Address: e.Address, Name: e.Name})
		}
	}

	if len(unratioed) > 0 {
		leftover := 1.0 - ratioSum
		if leftover < 0 {
			leftover = 0
		}
		share := leftover / float64(len(unratioed))
		n := int(share * float64(slots))
		if n < 1 {
			n = 1
		}
		for _, e := range unratioed {
			for i := 0; i < n; i++ {
				expanded = append(expanded, Entry{Address: e.Address, Name: e.Name})
			}
		}
	}

	if len(expanded) == 0 {
		// All entries present but ratio math degenerated (e.g. a single
		// ratio=1 ratioed entry already handled above); fall back to one
		// copy of each so selection still has candidates.
		for _, e := range raw {
			expanded = append(expanded, Entry{Address: e.Address, Name: e.Name})
		}
	}

	return &Pool{entries: expanded, wild: wild}
}

// Select deterministically picks an entry for selectionKey. Per spec.md
// §4.10, the key is chosen by the caller to keep a (recipient, source IP)
// pairing stable across retries — typically "domain|recipient".
func (p *Pool) Select(selectionKey string) Entry {
	if len(p.entries) == 0 {
		return p.wild
	}
	h := crc32.ChecksumIEEE([]byte(selectionKey))
	return p.entries[int(h)%len(p.entries)]
}

// SelectionKey builds the standard selectionKey from a domain and
// recipient, per spec.md §4.10's example.
func SelectionKey(domain, recipient string) string {
	return domain + "|" + recipient
}

// LocalAddr parses e.Address into a net.IP usable for dialing with a
// specific local address, returning nil if e is a name-only wildcard
// (empty address) or unparsable.
func (e Entry) LocalAddr() net.IP {
	if e.Address == "" {
		return nil
	}
	return net.ParseIP(e.Address)
}
