package bounce

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
	"github.com/chasquid-relay/zoneq/internal/hooks"
	"github.com/chasquid-relay/zoneq/internal/ids"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
	"github.com/chasquid-relay/zoneq/internal/queuestore/fake"
)

type fakeBlobs struct {
	bodies  map[string][]byte
	metas   map[string]*blobstore.BodyMeta
	removed []string
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{bodies: map[string][]byte{}, metas: map[string]*blobstore.BodyMeta{}}
}

func (f *fakeBlobs) Retrieve(ctx context.Context, id string) (io.Reader, error) {
	return bytes.NewReader(f.bodies[id]), nil
}

func (f *fakeBlobs) GetMeta(ctx context.Context, id string) (*blobstore.BodyMeta, error) {
	return f.metas[id], nil
}

func (f *fakeBlobs) StoreBody(ctx context.Context, id string, r io.Reader, meta *blobstore.BodyMeta) error {
	b, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	f.bodies[id] = b
	f.metas[id] = meta
	return nil
}

func (f *fakeBlobs) RemoveNow(ctx context.Context, id string) error {
	f.removed = append(f.removed, id)
	delete(f.bodies, id)
	delete(f.metas, id)
	return nil
}

type fakePusher struct {
	pushed []PushEnvelope
}

func (p *fakePusher) Push(ctx context.Context, env PushEnvelope) error {
	p.pushed = append(p.pushed, env)
	return nil
}

func TestBounceComposesAndResubmitsDSN(t *testing.T) {
	st := fake.New()
	now := time.Now()
	st.InsertMany(context.Background(), []*queuestore.Delivery{{
		ID: "M1", Seq: "001", Recipient: "bob@y.test", Domain: "y.test",
		SendingZone: "default", Assigned: queuestore.Unassigned, Queued: now, Created: now,
	}})

	blobs := newFakeBlobs()
	blobs.bodies["M1"] = []byte("Message-ID: <orig@x.com>\r\nSubject: hi\r\n\r\nbody\r\n")
	blobs.metas["M1"] = &blobstore.BodyMeta{EnvelopeFrom: "alice@x.com"}

	pusher := &fakePusher{}
	g := &Generator{
		Store:     st,
		Blobs:     blobs,
		Push:      pusher,
		IDs:       ids.New(),
		OurDomain: "x.com",
	}

	err := g.Bounce(context.Background(), hooks.BounceRequest{
		ID: "M1", Seq: "001", Response: "550 no such user",
	})
	if err != nil {
		t.Fatal(err)
	}

	if len(pusher.pushed) != 1 {
		t.Fatalf("expected one DSN push, got %d", len(pusher.pushed))
	}
	env := pusher.pushed[0]
	if len(env.To) != 1 || env.To[0] != "alice@x.com" {
		t.Fatalf("expected DSN addressed to original sender, got %+v", env)
	}

	dsn := blobs.bodies[env.MessageID]
	if !strings.Contains(string(dsn), "bob@y.test") {
		t.Fatalf("expected DSN body to reference the failed recipient, got:\n%s", dsn)
	}
	if !strings.Contains(string(dsn), "550 no such user") {
		t.Fatalf("expected DSN body to include the failure reason, got:\n%s", dsn)
	}

	if st.Len() != 0 {
		t.Fatalf("expected original row to be released, %d remain", st.Len())
	}
	if len(blobs.removed) != 1 || blobs.removed[0] != "M1" {
		t.Fatalf("expected the original body to be removed once its only row was released, got %v", blobs.removed)
	}
}

func TestBounceOfABounceIsDropped(t *testing.T) {
	st := fake.New()
	now := time.Now()
	st.InsertMany(context.Background(), []*queuestore.Delivery{{
		ID: "M2", Seq: "001", Recipient: "bob@y.test", Domain: "y.test",
		SendingZone: "default", Assigned: queuestore.Unassigned, Queued: now, Created: now,
	}})

	blobs := newFakeBlobs()
	blobs.metas["M2"] = &blobstore.BodyMeta{EnvelopeFrom: ""}

	pusher := &fakePusher{}
	g := &Generator{Store: st, Blobs: blobs, Push: pusher, IDs: ids.New(), OurDomain: "x.com"}

	if err := g.Bounce(context.Background(), hooks.BounceRequest{ID: "M2", Seq: "001", Response: "550"}); err != nil {
		t.Fatal(err)
	}
	if len(pusher.pushed) != 0 {
		t.Fatalf("expected no DSN for a null-sender message, got %d", len(pusher.pushed))
	}
	if st.Len() != 0 {
		t.Fatalf("expected row to still be released, %d remain", st.Len())
	}
	if len(blobs.removed) != 1 || blobs.removed[0] != "M2" {
		t.Fatalf("expected the null-sender body to be removed too, got %v", blobs.removed)
	}
}
