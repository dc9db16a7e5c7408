// Package ipc implements the IPC Router (C8): the local, authenticated
// transport that component processes use to reach the runtime's internal
// services (auth handshake, lifecycle control, configuration store reads and
// update prompts, CLI passthrough, credential proxying) over a single
// connection per client, plus server-pushed event frames on the same
// connection.
//
// No repository in the retrieved corpus implements a raw-socket,
// length-prefixed binary protocol (the closest analog, the teacher's
// internal/aggregator.AggregatorServer, is built entirely on net/http and
// mark3labs/mcp-go's SSE/stdio/streamable-HTTP transports) so the frame
// encoding here is hand-rolled against encoding/binary and net; see
// DESIGN.md for the justification. The connection lifecycle shape —
// registry of handlers keyed by a destination, an auth gate that must
// succeed before anything else is dispatched, and asynchronous
// request/response/event frames distinguishable by a caller-chosen id — is
// grounded on that same aggregator server's session registry and
// auth-then-dispatch flow, generalized from HTTP requests to raw frames.
package ipc

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/giantswarm/nucleus/pkg/logging"
)

// Destination is the frame header's routing code. Values match the wire
// contract: AUTH must be 1, the rest are assigned in the order the external
// interface lists them.
type Destination uint16

const (
	DestAuth        Destination = 1
	DestLifecycle   Destination = 2
	DestConfigStore Destination = 3
	DestCLI         Destination = 4
	DestCredentials Destination = 5
)

func (d Destination) String() string {
	switch d {
	case DestAuth:
		return "AUTH"
	case DestLifecycle:
		return "LIFECYCLE"
	case DestConfigStore:
		return "CONFIG_STORE"
	case DestCLI:
		return "CLI"
	case DestCredentials:
		return "CREDENTIALS"
	default:
		return fmt.Sprintf("DEST(%d)", uint16(d))
	}
}

// FrameType distinguishes a client request, a server response to a request
// (or to a pushed event, when the reply's request id matches one the router
// is waiting on), and a server-pushed event.
type FrameType uint8

const (
	FrameRequest FrameType = iota
	FrameResponse
	FrameEvent
)

// maxPayloadBytes bounds a single frame's payload so a malformed or hostile
// peer cannot force an unbounded allocation off a forged length prefix.
const maxPayloadBytes = 16 << 20

// frameHeaderSize is the fixed-size portion of every frame: 4-byte
// big-endian payload length, 2-byte destination, 4-byte request id, 1-byte
// frame type.
const frameHeaderSize = 4 + 2 + 4 + 1

// Frame is one unit of the wire protocol. Payload is opaque to the router;
// handlers and callers agree on its CBOR shape between themselves.
type Frame struct {
	Destination Destination
	RequestID   uint32
	Type        FrameType
	Payload     []byte
}

func writeFrame(w io.Writer, f Frame) error {
	if len(f.Payload) > maxPayloadBytes {
		return errs.New(errs.IOError, "frame payload exceeds maximum size")
	}
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(len(f.Payload)))
	binary.BigEndian.PutUint16(buf[4:6], uint16(f.Destination))
	binary.BigEndian.PutUint32(buf[6:10], f.RequestID)
	buf[10] = byte(f.Type)
	copy(buf[frameHeaderSize:], f.Payload)
	_, err := w.Write(buf)
	return err
}

func readFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}
	n := binary.BigEndian.Uint32(hdr[0:4])
	if n > maxPayloadBytes {
		return Frame{}, errs.New(errs.IOError, "peer announced an oversized frame")
	}
	f := Frame{
		Destination: Destination(binary.BigEndian.Uint16(hdr[4:6])),
		RequestID:   binary.BigEndian.Uint32(hdr[6:10]),
		Type:        FrameType(hdr[10]),
	}
	if n > 0 {
		f.Payload = make([]byte, n)
		if _, err := io.ReadFull(r, f.Payload); err != nil {
			return Frame{}, err
		}
	}
	return f, nil
}

// authPayload is the CBOR shape of the first frame on every connection.
type authPayload struct {
	Token string `cbor:"token"`
}

type errorPayload struct {
	Kind    string `cbor:"kind"`
	Message string `cbor:"message"`
}

func writeError(w *connWriter, requestID uint32, dest Destination, kind errs.Kind, message string) error {
	payload, err := cbor.Marshal(errorPayload{Kind: string(kind), Message: message})
	if err != nil {
		return err
	}
	return w.write(Frame{Destination: dest, RequestID: requestID, Type: FrameResponse, Payload: payload})
}

// Authenticator validates the bearer token presented in the first frame and
// returns the principal name it authenticates as.
type Authenticator interface {
	Authenticate(token string) (principal string, ok bool)
}

// Authorizer decides whether principal may address dest at all, once
// authenticated. Handlers may still apply finer-grained checks themselves.
type Authorizer interface {
	Authorize(principal string, dest Destination) bool
}

// Handler answers one request frame for a given destination. It runs on its
// own goroutine per call, so a slow or blocked handler only delays the
// response for that one request id, never the connection's read loop; the
// goroutine itself is the "future" the response frame waits on.
type Handler func(ctx context.Context, principal string, payload []byte) ([]byte, error)

// connWriter serializes writes to one connection; reads run concurrently
// with writes on the same net.Conn, so they need independent synchronization.
type connWriter struct {
	mu  sync.Mutex
	w   io.Writer
	sem chan struct{}
}

func (c *connWriter) write(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.w, f)
}

type pendingCall struct {
	resultCh chan callResult
}

type callResult struct {
	payload []byte
	err     error
}

// Router accepts connections, authenticates them, authorizes and dispatches
// request frames to registered handlers, and lets callers push event frames
// or make correlated server-initiated calls to a connected principal.
type Router struct {
	authn Authenticator
	authz Authorizer

	maxOutstanding int

	mu       sync.RWMutex
	handlers map[Destination]Handler
	conns    map[string]*connWriter // principal -> connection
	pending  map[uint32]*pendingCall

	nextReqID uint32

	wg sync.WaitGroup
}

// Option configures a Router at construction time.
type Option func(*Router)

// WithMaxOutstanding bounds how many requests on a single connection may be
// in flight (dispatched but not yet responded to) before the read loop
// pauses, applying backpressure to that client. Default 32.
func WithMaxOutstanding(n int) Option {
	return func(r *Router) { r.maxOutstanding = n }
}

// New constructs a Router. authz may be nil, meaning every authenticated
// principal may address every destination.
func New(authn Authenticator, authz Authorizer, opts ...Option) *Router {
	r := &Router{
		authn:          authn,
		authz:          authz,
		maxOutstanding: 32,
		handlers:       make(map[Destination]Handler),
		conns:          make(map[string]*connWriter),
		pending:        make(map[uint32]*pendingCall),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler binds a handler to a destination code. Registering the
// same destination twice replaces the previous handler.
func (r *Router) RegisterHandler(dest Destination, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[dest] = h
}

// Serve accepts connections from ln until ctx is canceled or Accept fails.
// It blocks; callers typically run it in its own goroutine.
func (r *Router) Serve(ctx context.Context, ln net.Listener) error {
	stopCh := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = ln.Close()
		case <-stopCh:
		}
	}()
	defer close(stopCh)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				r.wg.Wait()
				return nil
			default:
				return err
			}
		}
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.handleConn(ctx, conn)
		}()
	}
}

// Wait blocks until every in-flight connection handler has returned. Safe to
// call after Serve has returned (e.g. on shutdown).
func (r *Router) Wait() {
	r.wg.Wait()
}

func (r *Router) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	br := bufio.NewReader(conn)
	cw := &connWriter{w: conn, sem: make(chan struct{}, r.maxOutstanding)}

	var principal string
	authenticated := false

	defer func() {
		if authenticated {
			r.mu.Lock()
			if r.conns[principal] == cw {
				delete(r.conns, principal)
			}
			r.mu.Unlock()
		}
	}()

	for {
		f, err := readFrame(br)
		if err != nil {
			if err != io.EOF {
				logging.Debug("ipc", "connection read error: %v", err)
			}
			return
		}

		if !authenticated {
			if f.Destination != DestAuth || f.Type != FrameRequest {
				_ = writeError(cw, f.RequestID, f.Destination, errs.AuthFailed, "first frame must be an AUTH request")
				return
			}
			var ap authPayload
			if err := cbor.Unmarshal(f.Payload, &ap); err != nil {
				_ = writeError(cw, f.RequestID, DestAuth, errs.AuthFailed, "malformed auth payload")
				return
			}
			p, ok := r.authn.Authenticate(ap.Token)
			if !ok {
				_ = writeError(cw, f.RequestID, DestAuth, errs.AuthFailed, "invalid token")
				return
			}
			principal = p
			authenticated = true
			r.mu.Lock()
			r.conns[principal] = cw
			r.mu.Unlock()
			okPayload, _ := cbor.Marshal(struct{}{})
			_ = cw.write(Frame{Destination: DestAuth, RequestID: f.RequestID, Type: FrameResponse, Payload: okPayload})
			continue
		}

		if f.Type == FrameResponse {
			r.mu.RLock()
			pc, ok := r.pending[f.RequestID]
			r.mu.RUnlock()
			if ok {
				pc.resultCh <- callResult{payload: f.Payload}
				continue
			}
			// Reply to a request id the router is no longer waiting on
			// (already timed out, or unsolicited); drop it.
			continue
		}

		if f.Type != FrameRequest {
			_ = writeError(cw, f.RequestID, f.Destination, errs.MalformedConfig, "unexpected frame type from client")
			continue
		}

		if r.authz != nil && !r.authz.Authorize(principal, f.Destination) {
			_ = writeError(cw, f.RequestID, f.Destination, errs.AuthzDenied, fmt.Sprintf("%s not permitted for this principal", f.Destination))
			continue
		}

		r.mu.RLock()
		h, ok := r.handlers[f.Destination]
		r.mu.RUnlock()
		if !ok {
			_ = writeError(cw, f.RequestID, f.Destination, errs.NotFound, fmt.Sprintf("no handler registered for %s", f.Destination))
			continue
		}

		r.dispatch(ctx, cw, principal, f, h)
	}
}

// dispatch runs h on its own goroutine, bounded by the connection's
// outstanding-request semaphore: acquiring a slot blocks the caller (the
// connection's read loop), which is the backpressure the external
// interface calls for when a client's requests pile up faster than they're
// answered.
func (r *Router) dispatch(ctx context.Context, cw *connWriter, principal string, f Frame, h Handler) {
	cw.sem <- struct{}{}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() { <-cw.sem }()
		defer func() {
			if rec := recover(); rec != nil {
				logging.Error("ipc", fmt.Errorf("%v", rec), "handler panic for %s", f.Destination)
				_ = writeError(cw, f.RequestID, f.Destination, errs.ScriptFailure, "handler panicked")
			}
		}()

		resp, err := h(ctx, principal, f.Payload)
		if err != nil {
			kind, ok := errs.KindOf(err)
			if !ok {
				kind = errs.IOError
			}
			_ = writeError(cw, f.RequestID, f.Destination, kind, err.Error())
			return
		}
		_ = cw.write(Frame{Destination: f.Destination, RequestID: f.RequestID, Type: FrameResponse, Payload: resp})
	}()
}

// PushEvent sends an unsolicited event frame to principal's connection, if
// it is currently connected. Returns errs.NotFound if not.
func (r *Router) PushEvent(dest Destination, principal string, payload []byte) error {
	r.mu.RLock()
	cw, ok := r.conns[principal]
	r.mu.RUnlock()
	if !ok {
		return errs.New(errs.NotFound, fmt.Sprintf("principal %q is not connected", principal))
	}
	return cw.write(Frame{Destination: dest, RequestID: atomic.AddUint32(&r.nextReqID, 1), Type: FrameEvent, Payload: payload})
}

// Broadcast pushes an event frame to every currently connected principal,
// used to fan a lifecycle event out to every attached CLI/watcher
// connection without the caller needing to know who is listening. Errors
// writing to an individual connection are logged and otherwise ignored —
// one stuck client must not stop the broadcast from reaching the rest.
func (r *Router) Broadcast(dest Destination, payload []byte) {
	r.mu.RLock()
	targets := make([]*connWriter, 0, len(r.conns))
	for _, cw := range r.conns {
		targets = append(targets, cw)
	}
	r.mu.RUnlock()

	for _, cw := range targets {
		reqID := atomic.AddUint32(&r.nextReqID, 1)
		if err := cw.write(Frame{Destination: dest, RequestID: reqID, Type: FrameEvent, Payload: payload}); err != nil {
			logging.Debug("ipc", "broadcast write failed: %v", err)
		}
	}
}

// Call pushes an event frame to principal and blocks for a correlated
// response (a frame from that connection carrying FrameResponse and the
// same request id) until timeout elapses. Used to implement
// deployment.Announcer: a timeout or a disconnected principal both resolve
// as "no objection", matching the spec's validate-configuration contract.
func (r *Router) Call(dest Destination, principal string, payload []byte, timeout time.Duration) ([]byte, error) {
	r.mu.RLock()
	cw, ok := r.conns[principal]
	r.mu.RUnlock()
	if !ok {
		return nil, errs.New(errs.NotFound, fmt.Sprintf("principal %q is not connected", principal))
	}

	reqID := atomic.AddUint32(&r.nextReqID, 1)
	pc := &pendingCall{resultCh: make(chan callResult, 1)}
	r.mu.Lock()
	r.pending[reqID] = pc
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.pending, reqID)
		r.mu.Unlock()
	}()

	if err := cw.write(Frame{Destination: dest, RequestID: reqID, Type: FrameEvent, Payload: payload}); err != nil {
		return nil, err
	}

	select {
	case res := <-pc.resultCh:
		return res.payload, res.err
	case <-time.After(timeout):
		return nil, errs.New(errs.Timeout, "no reply before deadline")
	}
}
