package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	s := NewServer()
	addr, err := s.Listen("127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go s.Serve()
	t.Cleanup(func() { s.Close() })
	return s, addr
}

func TestHelloRoundTrip(t *testing.T) {
	s, addr := startTestServer(t)
	s.Register(MethodHello, HandlerFunc(func(ctx context.Context, cs *ConnState, req *HelloRequest) (*HelloResponse, error) {
		cs.SetInstanceID(req.InstanceID)
		return &HelloResponse{OK: true}, nil
	}))

	var disconnected string
	done := make(chan struct{})
	s.OnDisconnect(func(id string) {
		disconnected = id
		close(done)
	})

	c, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}

	var resp HelloResponse
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := CallTyped(ctx, c, MethodHello, &HelloRequest{InstanceID: "worker-1", Zone: "default"}, &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.OK {
		t.Fatal("expected OK response")
	}

	c.Close()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for disconnect callback")
	}
	if disconnected != "worker-1" {
		t.Fatalf("expected disconnect callback with worker-1, got %q", disconnected)
	}
}

func TestUnknownMethod(t *testing.T) {
	_, addr := startTestServer(t)

	c, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = c.Call(ctx, "nosuchmethod", nil)
	if err == nil {
		t.Fatal("expected an error for an unregistered method")
	}
}

func TestGetRoundTripWithLargePayload(t *testing.T) {
	s, addr := startTestServer(t)
	s.Register(MethodGet, HandlerFunc(func(ctx context.Context, cs *ConnState, req *GetRequest) (*GetResponse, error) {
		// A body big enough to cross the compression threshold, exercising
		// the s2 path in frame.go.
		headers := map[string]string{}
		for i := 0; i < 200; i++ {
			headers["x-header-"+string(rune('a'+i%26))] = "some repeated filler text for compression"
		}
		return &GetResponse{
			Meta: &blobstore.BodyMeta{Headers: headers},
		}, nil
	}))

	c, err := Dial(addr)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	var resp GetResponse
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := CallTyped(ctx, c, MethodGet, &GetRequest{Zone: "default"}, &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Empty {
		t.Fatal("unexpected empty response")
	}
}
