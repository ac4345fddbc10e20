// Package workersim implements the worker-process side of the
// control-plane protocol (spec.md §4.13) and the MX/IP resolution,
// connection-dialing, and result-reporting loop a real worker drives
// around the core: GET a delivery, resolve and dial its destination, hand
// the live connection to a Sender, and report the outcome back to the
// master via RELEASE/DEFER/BOUNCE.
//
// The worker's actual SMTP client conversation (EHLO/MAIL/RCPT/DATA) is
// explicitly out of scope for the core (spec.md §1): "the worker reports
// back one of {accepted, permanent-failure, temporary-failure}". Sender
// models exactly that boundary as an injectable interface, the same way
// internal/hooks models the router/bounce extension points, so this
// package can drive the full GET -> resolve -> dial -> report loop in
// tests without implementing a real SMTP client.
//
// Grounded on the teacher's internal/courier (the delivery-attempt loop
// shape: resolve, dial, deliver, classify the result) combined with
// cmd/smtp-check (a small standalone worker-style client process built
// directly on internal/courier), generalized to drive the new RPC
// protocol instead of an in-process queue.
package workersim

import (
	"context"
	"net"
	"time"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
	"github.com/chasquid-relay/zoneq/internal/deferral"
	"github.com/chasquid-relay/zoneq/internal/dialer"
	"github.com/chasquid-relay/zoneq/internal/log"
	"github.com/chasquid-relay/zoneq/internal/mtaerr"
	"github.com/chasquid-relay/zoneq/internal/pool"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/resolver"
	"github.com/chasquid-relay/zoneq/internal/rpc"
	"github.com/chasquid-relay/zoneq/internal/ttlcache"
)

// BlacklistThreshold is how many temporary failures a delivery must have
// (its earlier deferrals plus the current one) before the worker starts
// avoiding the (domain, IP) pair of the current attempt, per spec.md
// §3/§4.11 step 5. Earlier failures count whatever address they were
// against.
const BlacklistThreshold = 2

// BlacklistWindow is the back-off window written to the blacklist cache,
// per spec.md §3 ("avoid that pair for the blacklist window (default 6h)").
const BlacklistWindow = 6 * time.Hour

// Outcome classifies a Sender's attempt, mirroring spec.md §1's exact
// three-way result set.
type Outcome int

const (
	Accepted Outcome = iota
	PermanentFailure
	TemporaryFailure
)

// Attempt is the delivery descriptor plus established connection handed to
// a Sender, per spec.md §1's "live TCP/TLS connection plus a delivery
// descriptor".
type Attempt struct {
	Delivery *queuestore.Delivery
	Meta     *blobstore.BodyMeta
	Conn     *dialer.Result
}

// Sender drives the actual wire protocol against an established
// connection and reports back one of the three outcomes plus a
// human-readable response line used for logging, deferral, and bounce
// generation. Response should look like an SMTP reply line ("250 2.0.0
// Ok" / "550 5.1.1 unknown user" / "421 4.3.0 timeout") since it is
// surfaced verbatim to the bounce generator and to deferred-row logs.
type Sender interface {
	Send(ctx context.Context, a *Attempt) (Outcome, string, error)
}

// GetPollInterval is how long the worker waits before re-polling GET after
// an empty response, so it doesn't hammer the master faster than the
// scheduler's own empty:<zone> back-off (spec.md §4.3/§4.7 step 1).
const GetPollInterval = 2 * time.Second

// Worker drives one zone's GET/resolve/dial/report loop against a master
// over an rpc.Client. Concurrency (spec.md §5's "up to K concurrent SMTP
// sessions") is the caller's responsibility: run several Workers (or
// Worker.RunOne concurrently) sharing one Client, since rpc.Client already
// multiplexes independent calls on one connection.
type Worker struct {
	Client     *rpc.Client
	Zone       string
	InstanceID string
	Resolver   *resolver.Resolver
	Dialer     *dialer.Dialer
	Sender     Sender

	// DestPort is the remote port to dial, normally 25.
	DestPort int

	// Blacklist records (domain, destination-IP) pairs that are
	// repeatedly temp-failing, per spec.md §3. Read back via
	// Resolver.ExtraFilter, normally pointing at the same *ttlcache.Cache
	// the caller wired there. Nil disables back-off tracking.
	Blacklist *ttlcache.Cache
}

// Hello identifies this worker to the master, per spec.md §4.13.
func (w *Worker) Hello(ctx context.Context) error {
	var resp rpc.HelloResponse
	return rpc.CallTyped(ctx, w.Client, rpc.MethodHello, &rpc.HelloRequest{
		InstanceID: w.InstanceID,
		Zone:       w.Zone,
	}, &resp)
}

// RunOne runs the GET/resolve/dial/report loop until ctx is canceled. It
// represents one of the zone's K concurrent SMTP sessions (spec.md §5).
func (w *Worker) RunOne(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		d, meta, err := w.get(ctx)
		if err != nil {
			log.Errorf("workersim: GET failed for zone %q: %v", w.Zone, err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(GetPollInterval):
			}
			continue
		}
		if d == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(GetPollInterval):
			}
			continue
		}

		w.handle(ctx, d, meta)
	}
}

// get issues one GET RPC, returning (nil, nil, nil) when the zone has
// nothing eligible right now.
func (w *Worker) get(ctx context.Context) (*queuestore.Delivery, *blobstore.BodyMeta, error) {
	var resp rpc.GetResponse
	if err := rpc.CallTyped(ctx, w.Client, rpc.MethodGet, &rpc.GetRequest{Zone: w.Zone}, &resp); err != nil {
		return nil, nil, err
	}
	if resp.Empty {
		return nil, nil, nil
	}
	return resp.Delivery, resp.Meta, nil
}

// handle resolves and dials d's destination, drives the Sender, and
// reports the outcome back to the master.
func (w *Worker) handle(ctx context.Context, d *queuestore.Delivery, meta *blobstore.BodyMeta) {
	candidates, err := w.Resolver.Resolve(d.Domain)
	if err != nil {
		w.reportFailure(ctx, d, err)
		return
	}

	connDialer := *w.Dialer
	connDialer.Port = w.DestPort
	connDialer.SelectionKey = pool.SelectionKey(d.Domain, d.Recipient)

	result, err := connDialer.Dial(ctx, candidates)
	if err != nil {
		w.reportFailure(ctx, d, err)
		return
	}
	defer result.Conn.Close()

	outcome, response, err := w.Sender.Send(ctx, &Attempt{Delivery: d, Meta: meta, Conn: result})
	if err != nil {
		w.reportFailure(ctx, d, err)
		return
	}

	switch outcome {
	case Accepted:
		w.release(ctx, d)
	case PermanentFailure:
		w.bounce(ctx, d, response)
	default:
		w.maybeBlacklist(d, result.Host)
		w.defer_(ctx, d, response)
	}
}

// maybeBlacklist records d's destination IP as back-off once the delivery's
// deferral count plus the current failure reaches BlacklistThreshold, per
// spec.md §3/§4.11 step 5.
func (w *Worker) maybeBlacklist(d *queuestore.Delivery, destIP net.IP) {
	if w.Blacklist == nil || destIP == nil {
		return
	}
	if deferredCount(d)+1 < BlacklistThreshold {
		return
	}
	w.Blacklist.Set(ttlcache.BlacklistKey(d.Domain, destIP.String()), BlacklistWindow)
}

// reportFailure classifies err (resolver/dialer errors are tagged
// mtaerr.Error per spec.md §4.11/§4.12) and defers or bounces accordingly.
func (w *Worker) reportFailure(ctx context.Context, d *queuestore.Delivery, err error) {
	if mtaerr.IsPermanent(err) {
		w.bounce(ctx, d, err.Error())
		return
	}
	w.defer_(ctx, d, err.Error())
}

func (w *Worker) release(ctx context.Context, d *queuestore.Delivery) {
	var ack rpc.Ack
	if err := rpc.CallTyped(ctx, w.Client, rpc.MethodRelease, &rpc.ReleaseRequest{Lock: d.Lock}, &ack); err != nil {
		log.Errorf("workersim: RELEASE %s.%s failed: %v", d.ID, d.Seq, err)
	}
}

func (w *Worker) defer_(ctx context.Context, d *queuestore.Delivery, response string) {
	ttl := deferral.NextDelayForCount(deferredCount(d))
	var ack rpc.Ack
	req := &rpc.DeferRequest{Lock: d.Lock, TTL: ttl, Response: response}
	if err := rpc.CallTyped(ctx, w.Client, rpc.MethodDefer, req, &ack); err != nil {
		log.Errorf("workersim: DEFER %s.%s failed: %v", d.ID, d.Seq, err)
	}
}

func (w *Worker) bounce(ctx context.Context, d *queuestore.Delivery, response string) {
	var ack rpc.Ack
	req := &rpc.BounceRequest{Lock: d.Lock, Response: response}
	if err := rpc.CallTyped(ctx, w.Client, rpc.MethodBounce, req, &ack); err != nil {
		log.Errorf("workersim: BOUNCE %s.%s failed: %v", d.ID, d.Seq, err)
	}
}

func deferredCount(d *queuestore.Delivery) int {
	if d.Deferred == nil {
		return 0
	}
	return d.Deferred.Count
}
