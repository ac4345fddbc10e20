// Package rpc implements the control-plane protocol between the master
// (cmd/zoneqd) and worker processes (cmd/zoneqworker), per spec.md §4.13:
// HELLO, GET, RELEASE, DEFER, and BOUNCE over a persistent, multiplexed
// connection.
//
// Grounded on the teacher's internal/localrpc: a Server with a
// Register(name, handler) map and a Client, generalized from localrpc's
// one-shot textproto-over-Unix-socket request/response into a persistent,
// multiplexed TCP connection (GET can block for an arbitrary time waiting
// for work, so a worker must still be able to RELEASE/DEFER other deliveries
// on the same connection while a GET is outstanding) with msgpack framing
// instead of URL-encoded text, per spec.md §4.13/§6.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/chasquid-relay/zoneq/internal/log"
)

// envelope is the wire message. A request carries Method; a response leaves
// it empty and carries either Payload or Err.
type envelope struct {
	ID      uint64 `msgpack:"id"`
	Method  string `msgpack:"method,omitempty"`
	Payload []byte `msgpack:"payload,omitempty"`
	Err     string `msgpack:"err,omitempty"`
}

func encodeEnvelope(e envelope) ([]byte, error) {
	return msgpack.Marshal(e)
}

func decodeEnvelope(b []byte) (envelope, error) {
	var e envelope
	err := msgpack.Unmarshal(b, &e)
	return e, err
}

// ErrUnknownMethod is returned to a caller of an unregistered method.
var ErrUnknownMethod = errors.New("rpc: unknown method")

//
// Server
//

// ConnState tracks per-connection state a handler may need, in particular
// the instance id a HELLO call establishes, so the server can release that
// worker's locks on disconnect (spec.md §4.13).
type ConnState struct {
	mu         sync.Mutex
	instanceID string
}

// SetInstanceID records the worker identity this connection authenticated
// as, normally called by the HELLO handler.
func (c *ConnState) SetInstanceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.instanceID = id
}

// InstanceID returns the identity set by SetInstanceID, or "" if none.
func (c *ConnState) InstanceID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.instanceID
}

// Handler processes one request's payload and returns the response payload,
// both msgpack-encoded by the caller/callee respectively.
type Handler func(ctx context.Context, cs *ConnState, payload []byte) ([]byte, error)

// Server is the control-plane RPC server run by cmd/zoneqd.
type Server struct {
	mu       sync.Mutex
	handlers map[string]Handler
	lis      net.Listener

	// onDisconnect is called with a connection's established instance id (if
	// any) when that connection closes, so the master can release its locks
	// immediately rather than waiting out the lock TTL.
	onDisconnect func(instanceID string)
}

// NewServer creates a Server with no handlers registered.
func NewServer() *Server {
	return &Server{handlers: map[string]Handler{}}
}

// Register associates method with handler. Registering the same method
// twice replaces the previous handler.
func (s *Server) Register(method string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = h
}

// OnDisconnect sets the callback invoked when a connection closes, with the
// instance id that connection's HELLO established (or "" if none).
func (s *Server) OnDisconnect(f func(instanceID string)) {
	s.onDisconnect = f
}

// Listen binds addr and returns the actual listening address (useful when
// addr uses the ":0" ephemeral-port convention). Call Serve to start
// accepting connections.
func (s *Server) Listen(addr string) (string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.lis = lis
	return lis.Addr().String(), nil
}

// Serve accepts connections until an Accept error occurs (normally from
// Close). Listen must have been called first.
func (s *Server) Serve() error {
	log.Infof("rpc: listening on %s", s.lis.Addr())
	for {
		conn, err := s.lis.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(conn)
	}
}

// ListenAndServe binds addr and serves until an Accept error occurs.
func (s *Server) ListenAndServe(addr string) error {
	if _, err := s.Listen(addr); err != nil {
		return err
	}
	return s.Serve()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.lis == nil {
		return nil
	}
	return s.lis.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	cs := &ConnState{}
	var writeMu sync.Mutex

	defer func() {
		if s.onDisconnect != nil {
			s.onDisconnect(cs.InstanceID())
		}
	}()

	for {
		frame, err := readFrame(conn)
		if err != nil {
			return
		}

		req, err := decodeEnvelope(frame)
		if err != nil {
			log.Errorf("rpc: malformed request from %s: %v", conn.RemoteAddr(), err)
			return
		}

		go s.dispatch(conn, &writeMu, cs, req)
	}
}

func (s *Server) dispatch(conn net.Conn, writeMu *sync.Mutex, cs *ConnState, req envelope) {
	s.mu.Lock()
	h, ok := s.handlers[req.Method]
	s.mu.Unlock()

	var resp envelope
	resp.ID = req.ID

	if !ok {
		resp.Err = ErrUnknownMethod.Error()
	} else {
		out, err := h(context.Background(), cs, req.Payload)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.Payload = out
		}
	}

	body, err := encodeEnvelope(resp)
	if err != nil {
		log.Errorf("rpc: encoding response to %q: %v", req.Method, err)
		return
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	if err := writeFrame(conn, body); err != nil {
		log.Errorf("rpc: writing response to %s: %v", conn.RemoteAddr(), err)
	}
}

//
// Client
//

// Client is a persistent, multiplexed connection to a Server. One Client
// may have several Call invocations in flight concurrently (e.g. a blocked
// GET alongside a RELEASE for a previous delivery).
type Client struct {
	conn net.Conn

	nextID uint64

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[uint64]chan envelope

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to addr and starts the client's read loop.
func Dial(addr string) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, err
	}
	c := &Client{
		conn:    conn,
		pending: map[uint64]chan envelope{},
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close shuts down the connection and fails every in-flight call.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		err = c.conn.Close()
		close(c.closed)
	})
	return err
}

func (c *Client) readLoop() {
	defer func() {
		c.pendingMu.Lock()
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
	}()

	for {
		frame, err := readFrame(c.conn)
		if err != nil {
			return
		}
		resp, err := decodeEnvelope(frame)
		if err != nil {
			log.Errorf("rpc: malformed response: %v", err)
			return
		}

		c.pendingMu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
		}
		c.pendingMu.Unlock()

		if ok {
			ch <- resp
			close(ch)
		}
	}
}

// Call invokes method with payload (msgpack-marshaled by the caller) and
// returns the raw response payload; CallTyped wraps the marshaling. It
// blocks until a response arrives, ctx is canceled, or the connection
// closes.
func (c *Client) Call(ctx context.Context, method string, payload []byte) ([]byte, error) {
	id := atomic.AddUint64(&c.nextID, 1)
	ch := make(chan envelope, 1)

	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	req := envelope{ID: id, Method: method, Payload: payload}
	body, err := encodeEnvelope(req)
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	c.writeMu.Lock()
	err = writeFrame(c.conn, body)
	c.writeMu.Unlock()
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, fmt.Errorf("rpc: connection closed while waiting for %q", method)
		}
		if resp.Err != "" {
			return nil, errors.New(resp.Err)
		}
		return resp.Payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.closed:
		return nil, fmt.Errorf("rpc: connection closed while waiting for %q", method)
	}
}
