// Package dialer implements the sequenced connection-establishment
// pipeline described in spec.md §4.12: flatten resolved candidates into
// dial order, pick a source address per §4.10, and try each in turn under
// a hard per-attempt timeout.
//
// Grounded on the teacher's internal/courier/smtp.go attempt.deliver,
// which dials each MX in priority order with net.DialTimeout and a
// connection-wide deadline; generalized here into a candidate list built
// from internal/resolver instead of a bare hostname list, and made to
// return the established connection (rather than driving the SMTP
// conversation itself, which is the worker's, out-of-scope, concern).
package dialer

import (
	"context"
	"fmt"
	"net"
	"sort"
	"time"

	"github.com/chasquid-relay/zoneq/internal/mtaerr"
	"github.com/chasquid-relay/zoneq/internal/pool"
	"github.com/chasquid-relay/zoneq/internal/resolver"
)

// MaxCandidates bounds the number of dial attempts per delivery, per
// spec.md §4.12 step 2.
const MaxCandidates = 20

// AttemptTimeout is the hard per-connection-attempt cap, per spec.md
// §4.12 step 3 / §5.
const AttemptTimeout = 5 * time.Minute

// Result describes a successfully established connection, per spec.md
// §4.12.
type Result struct {
	Conn       net.Conn
	Host       net.IP
	Hostname   string
	IsMX       bool
	LocalAddr  string
	RemoteAddr string
}

// ConnectFunc is the "sender:connect" extension point (spec.md §4.12 step
// 3): it may substitute a pre-established socket (e.g. SOCKS5) instead of
// a plain TCP dial. Returning (nil, nil) means "no substitution, dial
// normally".
type ConnectFunc func(ctx context.Context, host net.IP, port int, localAddr net.IP) (net.Conn, error)

// Dialer establishes connections against resolved candidates.
type Dialer struct {
	Port        int
	PreferIPv6  bool
	Pool4       *pool.Pool
	Pool6       *pool.Pool
	SelectionKey string // e.g. pool.SelectionKey(domain, recipient)
	Connect     ConnectFunc
}

type flatCandidate struct {
	resolver.Candidate
	isV6 bool
}

// Dial flattens candidates (preserving MX priority order, stable-sorting
// IPv6 first if PreferIPv6), caps the list, and tries each until one
// connects or the list is exhausted.
func (d *Dialer) Dial(ctx context.Context, candidates []resolver.Candidate) (*Result, error) {
	flat := make([]flatCandidate, len(candidates))
	for i, c := range candidates {
		flat[i] = flatCandidate{Candidate: c, isV6: c.Host.To4() == nil}
	}

	if d.PreferIPv6 {
		sort.SliceStable(flat, func(i, j int) bool {
			return flat[i].isV6 && !flat[j].isV6
		})
	}

	if len(flat) > MaxCandidates {
		flat = flat[:MaxCandidates]
	}

	var firstErr error
	var anyMX, anyLiteralIP bool
	for _, c := range flat {
		if c.IsMX {
			anyMX = true
		}
		if c.LiteralIP {
			anyLiteralIP = true
		}

		local := d.selectLocal(c.isV6)

		attemptCtx, cancel := context.WithTimeout(ctx, AttemptTimeout)
		conn, err := d.dialOne(attemptCtx, c.Host, local)
		cancel()

		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		return &Result{
			Conn:       conn,
			Host:       c.Host,
			Hostname:   c.Hostname,
			IsMX:       c.IsMX,
			LocalAddr:  addrString(local),
			RemoteAddr: conn.RemoteAddr().String(),
		}, nil
	}

	if firstErr == nil {
		firstErr = fmt.Errorf("no candidates to dial")
	}
	// A literal-IP destination is classified permanent regardless of
	// IsMX (spec.md §4.12 step 4: "If the destination was MX (not a
	// literal IP) ... otherwise permanent"), since resolver synthesizes
	// literal-IP candidates with IsMX set too (spec.md §4.11 step 1).
	if anyLiteralIP {
		return nil, mtaerr.Permanent("550", "could not connect to literal-IP destination", firstErr)
	}
	if anyMX {
		return nil, mtaerr.Temporary("450", "could not connect to any MX", firstErr)
	}
	return nil, mtaerr.Permanent("550", "could not connect to destination", firstErr)
}

func (d *Dialer) selectLocal(isV6 bool) net.IP {
	if d.SelectionKey == "" {
		return nil
	}
	p := d.Pool4
	if isV6 {
		p = d.Pool6
	}
	if p == nil {
		return nil
	}
	return p.Select(d.SelectionKey).LocalAddr()
}

func (d *Dialer) dialOne(ctx context.Context, host net.IP, local net.IP) (net.Conn, error) {
	if d.Connect != nil {
		if conn, err := d.Connect(ctx, host, d.Port, local); conn != nil || err != nil {
			return conn, err
		}
	}

	var dialer net.Dialer
	if local != nil {
		dialer.LocalAddr = &net.TCPAddr{IP: local}
	}
	if deadline, ok := ctx.Deadline(); ok {
		dialer.Deadline = deadline
	}

	addr := net.JoinHostPort(host.String(), fmt.Sprintf("%d", d.Port))
	return dialer.DialContext(ctx, "tcp", addr)
}

func addrString(ip net.IP) string {
	if ip == nil {
		return ""
	}
	return ip.String()
}
