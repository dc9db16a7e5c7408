package ipc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/giantswarm/nucleus/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticAuthn struct{ tokens map[string]string }

func (s staticAuthn) Authenticate(token string) (string, bool) {
	p, ok := s.tokens[token]
	return p, ok
}

type denyList struct{ denied map[Destination]bool }

func (d denyList) Authorize(_ string, dest Destination) bool {
	return !d.denied[dest]
}

func dial(t *testing.T, addr net.Addr) net.Conn {
	t.Helper()
	conn, err := net.Dial(addr.Network(), addr.String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func serve(t *testing.T, r *Router) net.Addr {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		ln.Close()
	})
	go r.Serve(ctx, ln)
	return ln.Addr()
}

func authenticate(t *testing.T, conn net.Conn, token string) {
	t.Helper()
	payload, err := cbor.Marshal(authPayload{Token: token})
	require.NoError(t, err)
	require.NoError(t, writeFrame(conn, Frame{Destination: DestAuth, RequestID: 1, Type: FrameRequest, Payload: payload}))
	resp, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, resp.Type)
	assert.Equal(t, DestAuth, resp.Destination)
}

func TestFirstFrameMustAuthenticate(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	addr := serve(t, r)
	conn := dial(t, addr)

	payload, _ := cbor.Marshal(struct{}{})
	require.NoError(t, writeFrame(conn, Frame{Destination: DestLifecycle, RequestID: 1, Type: FrameRequest, Payload: payload}))

	resp, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, resp.Type)
	var ep errorPayload
	require.NoError(t, cbor.Unmarshal(resp.Payload, &ep))
	assert.Equal(t, "AUTH_FAILED", ep.Kind)

	_, err = readFrame(conn)
	assert.Error(t, err, "connection must be closed after a failed auth attempt")
}

func TestInvalidTokenRejected(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	addr := serve(t, r)
	conn := dial(t, addr)

	payload, _ := cbor.Marshal(authPayload{Token: "wrong"})
	require.NoError(t, writeFrame(conn, Frame{Destination: DestAuth, RequestID: 1, Type: FrameRequest, Payload: payload}))

	resp, err := readFrame(conn)
	require.NoError(t, err)
	var ep errorPayload
	require.NoError(t, cbor.Unmarshal(resp.Payload, &ep))
	assert.Equal(t, "AUTH_FAILED", ep.Kind)
}

func TestAuthenticatedRequestDispatchesToHandler(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	r.RegisterHandler(DestLifecycle, func(_ context.Context, principal string, payload []byte) ([]byte, error) {
		assert.Equal(t, "svc-a", principal)
		return append([]byte("echo:"), payload...), nil
	})
	addr := serve(t, r)
	conn := dial(t, addr)
	authenticate(t, conn, "tok")

	require.NoError(t, writeFrame(conn, Frame{Destination: DestLifecycle, RequestID: 42, Type: FrameRequest, Payload: []byte("hi")}))
	resp, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, resp.Type)
	assert.Equal(t, uint32(42), resp.RequestID)
	assert.Equal(t, "echo:hi", string(resp.Payload))
}

func TestUnregisteredDestinationReturnsNotFound(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	addr := serve(t, r)
	conn := dial(t, addr)
	authenticate(t, conn, "tok")

	require.NoError(t, writeFrame(conn, Frame{Destination: DestCredentials, RequestID: 7, Type: FrameRequest, Payload: nil}))
	resp, err := readFrame(conn)
	require.NoError(t, err)
	var ep errorPayload
	require.NoError(t, cbor.Unmarshal(resp.Payload, &ep))
	assert.Equal(t, "NOT_FOUND", ep.Kind)
}

func TestAuthorizerDeniesDestination(t *testing.T) {
	r := New(
		staticAuthn{tokens: map[string]string{"tok": "svc-a"}},
		denyList{denied: map[Destination]bool{DestCredentials: true}},
	)
	r.RegisterHandler(DestCredentials, func(context.Context, string, []byte) ([]byte, error) { return nil, nil })
	addr := serve(t, r)
	conn := dial(t, addr)
	authenticate(t, conn, "tok")

	require.NoError(t, writeFrame(conn, Frame{Destination: DestCredentials, RequestID: 9, Type: FrameRequest, Payload: nil}))
	resp, err := readFrame(conn)
	require.NoError(t, err)
	var ep errorPayload
	require.NoError(t, cbor.Unmarshal(resp.Payload, &ep))
	assert.Equal(t, "AUTHZ_DENIED", ep.Kind)
}

func TestHandlerPanicBecomesErrorResponse(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	r.RegisterHandler(DestLifecycle, func(context.Context, string, []byte) ([]byte, error) {
		panic("boom")
	})
	addr := serve(t, r)
	conn := dial(t, addr)
	authenticate(t, conn, "tok")

	require.NoError(t, writeFrame(conn, Frame{Destination: DestLifecycle, RequestID: 3, Type: FrameRequest}))
	resp, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, FrameResponse, resp.Type)
	var ep errorPayload
	require.NoError(t, cbor.Unmarshal(resp.Payload, &ep))
	assert.Equal(t, "SCRIPT_FAILURE", ep.Kind)
}

func TestPushEventDeliversToConnectedPrincipal(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	addr := serve(t, r)
	conn := dial(t, addr)
	authenticate(t, conn, "tok")

	deadline := time.Now().Add(time.Second)
	var err error
	for time.Now().Before(deadline) {
		err = r.PushEvent(DestConfigStore, "svc-a", []byte("changed"))
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)

	evt, err := readFrame(conn)
	require.NoError(t, err)
	assert.Equal(t, FrameEvent, evt.Type)
	assert.Equal(t, "changed", string(evt.Payload))
}

func TestPushEventToDisconnectedPrincipalIsNotFound(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	serve(t, r)
	err := r.PushEvent(DestConfigStore, "nobody", []byte("x"))
	require.Error(t, err)
}

func TestBroadcastReachesEveryConnectedPrincipal(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"a": "svc-a", "b": "svc-b"}}, nil)
	addr := serve(t, r)
	connA := dial(t, addr)
	authenticate(t, connA, "a")
	connB := dial(t, addr)
	authenticate(t, connB, "b")

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		r.mu.RLock()
		n := len(r.conns)
		r.mu.RUnlock()
		if n == 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	r.Broadcast(DestCLI, []byte("restarting"))

	evtA, err := readFrame(connA)
	require.NoError(t, err)
	assert.Equal(t, "restarting", string(evtA.Payload))

	evtB, err := readFrame(connB)
	require.NoError(t, err)
	assert.Equal(t, "restarting", string(evtB.Payload))
}

func TestCallCorrelatesReplyByRequestID(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	addr := serve(t, r)
	conn := dial(t, addr)
	authenticate(t, conn, "tok")

	go func() {
		evt, err := readFrame(conn)
		if err != nil {
			return
		}
		reply, _ := cbor.Marshal(verdictPayload{OK: false, Reason: "busy"})
		_ = writeFrame(conn, Frame{Destination: evt.Destination, RequestID: evt.RequestID, Type: FrameResponse, Payload: reply})
	}()

	deadline := time.Now().Add(time.Second)
	var (
		reply []byte
		err   error
	)
	for time.Now().Before(deadline) {
		reply, err = r.Call(DestConfigStore, "svc-a", []byte("proposed"), 2*time.Second)
		if err == nil {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.NoError(t, err)
	var v verdictPayload
	require.NoError(t, cbor.Unmarshal(reply, &v))
	assert.False(t, v.OK)
	assert.Equal(t, "busy", v.Reason)
}

func TestCallTimesOutWhenNoReply(t *testing.T) {
	r := New(staticAuthn{tokens: map[string]string{"tok": "svc-a"}}, nil)
	addr := serve(t, r)
	conn := dial(t, addr)
	authenticate(t, conn, "tok") // registers the connection; the client never replies

	_, err := r.Call(DestConfigStore, "svc-a", []byte("x"), 50*time.Millisecond)
	require.Error(t, err)
	kind, ok := errs.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, errs.Timeout, kind)
}
