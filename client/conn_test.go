package client

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/rivetkit-go/rivetkit/driver"
	"github.com/rivetkit-go/rivetkit/query"
	"github.com/rivetkit-go/rivetkit/wire"
)

type fakeSocket struct {
	toClient   chan []byte
	fromClient chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		toClient:   make(chan []byte, 16),
		fromClient: make(chan []byte, 16),
		closed:     make(chan struct{}),
	}
}

func (s *fakeSocket) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-s.toClient:
		if !ok {
			return 0, nil, io.EOF
		}
		return 1, data, nil
	case <-s.closed:
		return 0, nil, io.EOF
	}
}

func (s *fakeSocket) WriteMessage(messageType int, data []byte) error {
	select {
	case s.fromClient <- data:
		return nil
	case <-s.closed:
		return io.ErrClosedPipe
	}
}

func (s *fakeSocket) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

func (s *fakeSocket) CloseWithReason(code int, reason string) error { return s.Close() }

type fakeConnDriver struct {
	*fakeDriver
	sockets chan *fakeSocket
}

func newFakeConnDriver(actorID string) *fakeConnDriver {
	return &fakeConnDriver{
		fakeDriver: &fakeDriver{records: map[string]driver.Record{actorID: {ActorID: actorID}}},
		sockets:    make(chan *fakeSocket, 8),
	}
}

func (f *fakeConnDriver) OpenWebSocket(ctx context.Context, path, actorID, encoding string, params map[string]string) (driver.Socket, error) {
	sock := newFakeSocket()
	select {
	case f.sockets <- sock:
	default:
	}
	return sock, nil
}

func sendServerMessage(t *testing.T, sock *fakeSocket, m wire.ServerMessage) {
	t.Helper()
	data, err := wire.SerializeTextServer(m)
	if err != nil {
		t.Fatalf("serialize server message: %v", err)
	}
	sock.toClient <- data
}

func recvClientMessage(t *testing.T, sock *fakeSocket, timeout time.Duration) wire.ClientMessage {
	t.Helper()
	select {
	case data := <-sock.fromClient:
		msg, err := wire.DeserializeTextClient(data)
		if err != nil {
			t.Fatalf("deserialize client message: %v", err)
		}
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out waiting for client message")
		return wire.ClientMessage{}
	}
}

func TestConnConnectsOnInit(t *testing.T) {
	drv := newFakeConnDriver("a1")
	c := NewConn("ns", drv, query.Query{Kind: query.KindGetForID, ID: "a1"}, "text", nil, nil)
	c.Connect()
	defer c.Dispose()

	var sock *fakeSocket
	select {
	case sock = <-drv.sockets:
	case <-time.After(time.Second):
		t.Fatalf("driver never opened a websocket")
	}
	sendServerMessage(t, sock, wire.ServerMessage{Tag: wire.TagInit, Init: &wire.Init{ActorID: "a1", ConnectionID: "conn-1"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}
	if c.State() != StateConnected {
		t.Fatalf("expected connected, got %v", c.State())
	}
}

func TestConnActionRoundTrip(t *testing.T) {
	drv := newFakeConnDriver("a1")
	c := NewConn("ns", drv, query.Query{Kind: query.KindGetForID, ID: "a1"}, "text", nil, nil)
	c.Connect()
	defer c.Dispose()

	sock := <-drv.sockets
	sendServerMessage(t, sock, wire.ServerMessage{Tag: wire.TagInit, Init: &wire.Init{ActorID: "a1", ConnectionID: "conn-1"}})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.WaitConnected(ctx); err != nil {
		t.Fatalf("WaitConnected: %v", err)
	}

	resultCh := make(chan struct {
		out wire.Payload
		err error
	}, 1)
	go func() {
		out, err := c.Action(context.Background(), "increment", nil)
		resultCh <- struct {
			out wire.Payload
			err error
		}{out, err}
	}()

	req := recvClientMessage(t, sock, time.Second)
	if req.Tag != wire.TagActionRequest || req.ActionRequest.Name != "increment" {
		t.Fatalf("unexpected request: %+v", req)
	}
	out, err := wire.EncodePayload(7)
	if err != nil {
		t.Fatalf("encode payload: %v", err)
	}
	sendServerMessage(t, sock, wire.ServerMessage{Tag: wire.TagActionResponse, ActionResponse: &wire.ActionResponse{ID: req.ActionRequest.ID, Output: out}})

	select {
	case res := <-resultCh:
		if res.err != nil {
			t.Fatalf("Action returned error: %v", res.err)
		}
		var v int
		if err := wire.DecodePayload(res.out, &v); err != nil {
			t.Fatalf("decode output: %v", err)
		}
		if v != 7 {
			t.Fatalf("expected 7, got %d", v)
		}
	case <-time.After(time.Second):
		t.Fatalf("Action never returned")
	}
}

func TestConnQueuesActionsWhileDisconnected(t *testing.T) {
	drv := newFakeConnDriver("a1")
	c := NewConn("ns", drv, query.Query{Kind: query.KindGetForID, ID: "a1"}, "text", nil, nil)
	c.Connect()
	defer c.Dispose()

	done := make(chan error, 1)
	go func() {
		_, err := c.Action(context.Background(), "increment", nil)
		done <- err
	}()

	sock := <-drv.sockets
	sendServerMessage(t, sock, wire.ServerMessage{Tag: wire.TagInit, Init: &wire.Init{ActorID: "a1", ConnectionID: "conn-1"}})

	req := recvClientMessage(t, sock, time.Second)
	out, _ := wire.EncodePayload("ok")
	sendServerMessage(t, sock, wire.ServerMessage{Tag: wire.TagActionResponse, ActionResponse: &wire.ActionResponse{ID: req.ActionRequest.ID, Output: out}})

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("queued action failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("queued action never completed")
	}
}

func TestConnDisposeRejectsPending(t *testing.T) {
	drv := newFakeConnDriver("a1")
	c := NewConn("ns", drv, query.Query{Kind: query.KindGetForID, ID: "a1"}, "text", nil, nil)
	c.Connect()

	done := make(chan error, 1)
	go func() {
		_, err := c.Action(context.Background(), "increment", nil)
		done <- err
	}()

	// Give the action a moment to be queued before disposing.
	time.Sleep(50 * time.Millisecond)
	c.Dispose()

	select {
	case err := <-done:
		if _, ok := err.(*ConnectionDisposed); !ok {
			t.Fatalf("expected *ConnectionDisposed, got %T: %v", err, err)
		}
	case <-time.After(time.Second):
		t.Fatalf("disposed action never rejected")
	}
}
