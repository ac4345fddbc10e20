// Package bounce implements the "queue:bounce" extension point's default
// behavior (spec.md §4.8/§4.15): compose an RFC 3464 delivery status
// notification for a permanently-failed delivery and re-submit it to the
// original sender through the router.
//
// Direct, generalized adaptation of the teacher's internal/queue/dsn.go: the
// text/template DSN body and the dsnInfo/multipart-report layout are kept in
// shape, but parameterized over queuestore.Delivery + blobstore.BodyMeta
// (one recipient per bounce, since this queue stores one row per recipient)
// instead of the teacher's proto-generated Item/Recipient, and the result is
// re-submitted via a Pusher (router.Router in production) instead of being
// written straight to the teacher's on-disk queue.
package bounce

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/mail"
	"text/template"
	"time"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
	"github.com/chasquid-relay/zoneq/internal/hooks"
	"github.com/chasquid-relay/zoneq/internal/ids"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
)

// maxOrigMsgLen bounds how much of the original message is quoted in the
// DSN body, so a bounce of a huge message doesn't itself become huge.
const maxOrigMsgLen = 256 * 1024

// Blobs is the subset of blobstore.Store the generator needs: reading the
// original message to quote, and storing the DSN it composes as a new body
// under its own message id.
type Blobs interface {
	Retrieve(ctx context.Context, id string) (io.Reader, error)
	GetMeta(ctx context.Context, id string) (*blobstore.BodyMeta, error)
	StoreBody(ctx context.Context, id string, r io.Reader, meta *blobstore.BodyMeta) error
	RemoveNow(ctx context.Context, id string) error
}

// Pusher is the subset of router.Router the generator needs, named apart
// from router.Envelope so this package has no import-cycle-prone dependency
// on internal/router's concrete type.
type Pusher interface {
	Push(ctx context.Context, env PushEnvelope) error
}

// PushEnvelope mirrors the fields of router.Envelope the bounce generator
// populates. Kept as its own type (rather than importing router.Envelope
// directly) so callers can adapt without this package depending on
// internal/router's full surface.
type PushEnvelope struct {
	MessageID string
	From      string
	To        []string
	Headers   map[string][]string
}

// Generator composes and re-submits DSNs for permanently-failed deliveries.
type Generator struct {
	Store     queuestore.Store
	Blobs     Blobs
	Push      Pusher
	IDs       *ids.Generator
	OurDomain string
}

// Bounce implements hooks.Bouncer: it looks up the failed row by the lock
// key a worker's BOUNCE RPC reported, composes a DSN, submits it back
// through the router addressed to the original envelope sender, and removes
// the failed row.
func (g *Generator) Bounce(ctx context.Context, req hooks.BounceRequest) error {
	d, err := g.Store.Get(ctx, req.ID, req.Seq)
	if err != nil {
		return fmt.Errorf("looking up %s.%s for bounce: %w", req.ID, req.Seq, err)
	}

	meta, err := g.Blobs.GetMeta(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("loading metadata for %s: %w", d.ID, err)
	}

	if meta.EnvelopeFrom == "" {
		// The original message was already a bounce (null sender); RFC 3464
		// says not to bounce a bounce, so just drop the failed row.
		return g.releaseAndMaybeRemoveBody(ctx, d.ID, d.Seq)
	}

	body, err := g.readOriginalMessage(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("reading original message %s: %w", d.ID, err)
	}

	dsnID := g.IDs.Get()
	dsn, err := g.generate(dsnID, d, meta, body, req.Response)
	if err != nil {
		return fmt.Errorf("generating DSN for %s.%s: %w", d.ID, d.Seq, err)
	}

	if err := g.Blobs.StoreBody(ctx, dsnID, bytes.NewReader(dsn), &blobstore.BodyMeta{
		Created:    time.Now(),
		EnvelopeTo: []string{meta.EnvelopeFrom},
		SessionID:  d.SessionID,
		Size:       int64(len(dsn)),
	}); err != nil {
		return fmt.Errorf("storing DSN body: %w", err)
	}

	if err := g.Push.Push(ctx, PushEnvelope{
		MessageID: dsnID,
		From:      "",
		To:        []string{meta.EnvelopeFrom},
	}); err != nil {
		return fmt.Errorf("submitting DSN: %w", err)
	}

	return g.releaseAndMaybeRemoveBody(ctx, d.ID, d.Seq)
}

// releaseAndMaybeRemoveBody deletes the failed row and, if that was the
// last row referencing its message, removes the body immediately: a
// bounce always carries its own reason for removal (the DSN, if any, was
// already composed against its own new message id), so there is no grace
// window to honor here, unlike RELEASE (spec.md §4.8 step 3).
func (g *Generator) releaseAndMaybeRemoveBody(ctx context.Context, id, seq string) error {
	if err := g.Store.Release(ctx, id, seq); err != nil {
		return err
	}
	n, err := g.Store.CountForID(ctx, id)
	if err != nil {
		return fmt.Errorf("counting remaining rows for %q: %w", id, err)
	}
	if n > 0 {
		return nil
	}
	return g.Blobs.RemoveNow(ctx, id)
}

func (g *Generator) readOriginalMessage(ctx context.Context, id string) ([]byte, error) {
	r, err := g.Blobs.Retrieve(ctx, id)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(io.LimitReader(r, maxOrigMsgLen))
}

func (g *Generator) generate(dsnID string, d *queuestore.Delivery, meta *blobstore.BodyMeta, origMsg []byte, reason string) ([]byte, error) {
	info := dsnInfo{
		OurDomain:         g.OurDomain,
		Destination:       meta.EnvelopeFrom,
		MessageID:         "zoneq-dsn-" + dsnID + "@" + g.OurDomain,
		Date:              time.Now().Format(time.RFC1123Z),
		FailedRecipient:   d.Recipient,
		FailureMessage:    reason,
		OriginalMessage:   string(origMsg),
		OriginalMessageID: getMessageID(origMsg),
		Boundary:          g.IDs.Short() + g.IDs.Short(),
	}

	buf := &bytes.Buffer{}
	if err := dsnTemplate.Execute(buf, info); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func getMessageID(data []byte) string {
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		return ""
	}
	return msg.Header.Get("Message-ID")
}

type dsnInfo struct {
	OurDomain         string
	Destination       string
	MessageID         string
	Date              string
	FailedRecipient   string
	FailureMessage    string
	OriginalMessage   string
	OriginalMessageID string
	Boundary          string
}

var dsnTemplate = template.Must(
	template.New("dsn").Parse(
		`From: Mail Delivery System <postmaster-dsn@{{.OurDomain}}>
To: <{{.Destination}}>
Subject: Mail delivery failed: returning message to sender
Message-ID: <{{.MessageID}}>
Date: {{.Date}}
In-Reply-To: {{.OriginalMessageID}}
References: {{.OriginalMessageID}}
X-Failed-Recipients: {{.FailedRecipient}}
Auto-Submitted: auto-replied
MIME-Version: 1.0
Content-Type: multipart/report; report-type=delivery-status;
    boundary="{{.Boundary}}"


--{{.Boundary}}
Content-Type: text/plain; charset="utf-8"
Content-Disposition: inline
Content-Description: Notification
Content-Transfer-Encoding: 8bit

Delivery of your message to the following recipient failed permanently:

  - {{.FailedRecipient}}

Technical details:
"{{.FailedRecipient}}" failed permanently with error:
    {{.FailureMessage}}


--{{.Boundary}}
Content-Type: message/global-delivery-status
Content-Description: Delivery Report
Content-Transfer-Encoding: 8bit

Reporting-MTA: dns; {{.OurDomain}}

Original-Recipient: utf-8; {{.FailedRecipient}}
Final-Recipient: utf-8; {{.FailedRecipient}}
Action: failed
Status: 5.0.0
Diagnostic-Code: smtp; {{.FailureMessage}}

--{{.Boundary}}
Content-Type: message/rfc822
Content-Description: Undelivered Message
Content-Transfer-Encoding: 8bit

{{.OriginalMessage}}

--{{.Boundary}}--
`))

var _ hooks.Bouncer = (*Generator)(nil)
