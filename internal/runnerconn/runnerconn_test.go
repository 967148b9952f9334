package runnerconn

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rivetkit-go/rivetkit/driver"
)

// echoHandler answers every HTTP request with its own path as the body and
// every WebSocket open with an in-memory loopback socket.
type echoHandler struct{}

func (echoHandler) ServeActorHTTP(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	body, _ := io.ReadAll(req.Body)
	return &http.Response{
		StatusCode: http.StatusOK,
		Header:     http.Header{"X-Actor-Id": []string{actorID}},
		Body:       io.NopCloser(strings.NewReader(req.URL.Path + ":" + string(body))),
	}, nil
}

func (echoHandler) ServeActorWebSocket(ctx context.Context, actorID, path, encoding string, params map[string]string) (driver.Socket, error) {
	return newLoopbackSocket(), nil
}

// loopbackSocket echoes every frame written to it back to the reader.
type loopbackSocket struct {
	mu     sync.Mutex
	closed bool
	ch     chan [2]any
}

func newLoopbackSocket() *loopbackSocket {
	return &loopbackSocket{ch: make(chan [2]any, 8)}
}

func (s *loopbackSocket) ReadMessage() (int, []byte, error) {
	v, ok := <-s.ch
	if !ok {
		return 0, nil, io.EOF
	}
	return v[0].(int), v[1].([]byte), nil
}
func (s *loopbackSocket) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	s.ch <- [2]any{messageType, data}
	return nil
}
func (s *loopbackSocket) Close() error { return s.CloseWithReason(1000, "") }
func (s *loopbackSocket) CloseWithReason(code int, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
	return nil
}

// testServer wires Accept into an httptest.Server and hands back the Conn
// once a runner registers.
func startTestServer(t *testing.T) (*httptest.Server, chan *Conn) {
	t.Helper()
	connCh := make(chan *Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		err := Accept(w, r, nil,
			func(runnerID string, names []string, conn *Conn) { connCh <- conn },
			func(runnerID string) {},
		)
		_ = err
	}))
	t.Cleanup(srv.Close)
	return srv, connCh
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestSendRequestRoundTrip(t *testing.T) {
	srv, connCh := startTestServer(t)

	client := NewClient(wsURL(srv), "runner-1", []string{"counter"}, echoHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	var conn *Conn
	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runner registration")
	}

	req, _ := http.NewRequest(http.MethodGet, "/state", strings.NewReader("hello"))
	resp, err := conn.SendRequest(context.Background(), "actor-1", req)
	if err != nil {
		t.Fatalf("SendRequest: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "/state:hello" {
		t.Fatalf("unexpected body: %q", body)
	}
	if resp.Header.Get("X-Actor-Id") != "actor-1" {
		t.Fatalf("unexpected header: %v", resp.Header)
	}
}

func TestOpenWebSocketRoundTrip(t *testing.T) {
	srv, connCh := startTestServer(t)

	client := NewClient(wsURL(srv), "runner-1", []string{"counter"}, echoHandler{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go client.Run(ctx)

	var conn *Conn
	select {
	case conn = <-connCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for runner registration")
	}

	sock, err := conn.OpenWebSocket(context.Background(), "actor-1", "/connect", "text", nil)
	if err != nil {
		t.Fatalf("OpenWebSocket: %v", err)
	}
	defer sock.Close()

	if err := sock.WriteMessage(1, []byte("ping")); err != nil {
		t.Fatalf("WriteMessage: %v", err)
	}

	done := make(chan struct{})
	var got []byte
	go func() {
		_, got, _ = sock.ReadMessage()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for echoed frame")
	}
	if string(got) != "ping" {
		t.Fatalf("expected echoed ping, got %q", got)
	}
}
