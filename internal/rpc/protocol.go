package rpc

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chasquid-relay/zoneq/internal/blobstore"
	"github.com/chasquid-relay/zoneq/internal/queuestore"
)

// Method names, per spec.md §4.13.
const (
	MethodHello   = "hello"
	MethodGet     = "get"
	MethodRelease = "release"
	MethodDefer   = "defer"
	MethodBounce  = "bounce"
)

// HelloRequest identifies a worker and the zone it services.
type HelloRequest struct {
	InstanceID string `msgpack:"instanceId"`
	Zone       string `msgpack:"zone"`
}

// HelloResponse acknowledges a HELLO.
type HelloResponse struct {
	OK bool `msgpack:"ok"`
}

// GetRequest asks for the next eligible delivery in Zone (spec.md §4.7's
// "shift", invoked over RPC by a worker rather than in-process).
type GetRequest struct {
	Zone string `msgpack:"zone"`
}

// GetResponse carries the claimed delivery and its body metadata, or Empty
// if the zone currently has no eligible work.
type GetResponse struct {
	Empty    bool                  `msgpack:"empty"`
	Delivery *queuestore.Delivery  `msgpack:"delivery,omitempty"`
	Meta     *blobstore.BodyMeta   `msgpack:"meta,omitempty"`
}

// ReleaseRequest tells the master a delivery was sent successfully, per
// spec.md §4.8.
//
// SkipDelayDelete controls the body-removal cascade spec.md §4.8 step 3
// runs once Lock's row was the last one referencing its message: false
// (the default) removes the body through the usual short grace window,
// true removes it immediately. Only RELEASE carries this flag — DEFER
// never removes a row, and BOUNCE always removes its body immediately
// once the DSN has been generated.
type ReleaseRequest struct {
	Lock            string `msgpack:"lock"`
	SkipDelayDelete bool   `msgpack:"skipDelayDelete,omitempty"`
}

// DeferRequest tells the master a delivery attempt failed temporarily, per
// spec.md §4.8.
type DeferRequest struct {
	Lock     string        `msgpack:"lock"`
	TTL      time.Duration `msgpack:"ttl"`
	Response string        `msgpack:"response"`
	Log      string        `msgpack:"log,omitempty"`
}

// BounceRequest tells the master a delivery failed permanently, triggering
// DSN generation, per spec.md §4.8/§4.15.
type BounceRequest struct {
	Lock     string `msgpack:"lock"`
	Response string `msgpack:"response"`
}

// Ack is the empty acknowledgement shared by RELEASE/DEFER/BOUNCE.
type Ack struct{}

// CallTyped marshals req, invokes method, and unmarshals the response into
// resp (which must be a pointer). A convenience wrapper so call sites don't
// repeat the marshal/unmarshal boilerplate around Client.Call.
func CallTyped(ctx context.Context, c *Client, method string, req, resp interface{}) error {
	payload, err := msgpack.Marshal(req)
	if err != nil {
		return err
	}
	out, err := c.Call(ctx, method, payload)
	if err != nil {
		return err
	}
	if resp == nil || len(out) == 0 {
		return nil
	}
	return msgpack.Unmarshal(out, resp)
}

// HandlerFunc adapts a typed handler function (decode request, run, encode
// response) into the Handler signature Server.Register expects.
func HandlerFunc[Req, Resp any](f func(ctx context.Context, cs *ConnState, req *Req) (*Resp, error)) Handler {
	return func(ctx context.Context, cs *ConnState, payload []byte) ([]byte, error) {
		var req Req
		if len(payload) > 0 {
			if err := msgpack.Unmarshal(payload, &req); err != nil {
				return nil, err
			}
		}
		resp, err := f(ctx, cs, &req)
		if err != nil {
			return nil, err
		}
		return msgpack.Marshal(resp)
	}
}
