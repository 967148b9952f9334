package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/gorilla/websocket"

	"github.com/rivetkit-go/rivetkit/driver"
)

// localHandler implements runnerconn.ActorHandler by forwarding tunneled
// traffic to a local HTTP server that hosts the actual actor instances —
// the runner process is the tunnel shim; actor execution itself lives
// behind localAddr, the same split as the teacher's agent forwarding
// backup jobs to its local restic/rclone subprocess rather than executing
// them inline.
type localHandler struct {
	baseURL *url.URL
	client  *http.Client
}

func newLocalHandler(addr string) (*localHandler, error) {
	base, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("runner: parse local actor addr: %w", err)
	}
	return &localHandler{baseURL: base, client: &http.Client{}}, nil
}

func (h *localHandler) ServeActorHTTP(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	target := *h.baseURL
	target.Path = req.URL.Path
	outReq, err := http.NewRequestWithContext(ctx, req.Method, target.String(), req.Body)
	if err != nil {
		return nil, err
	}
	outReq.Header = req.Header.Clone()
	outReq.Header.Set("X-Rivet-Actor", actorID)
	return h.client.Do(outReq)
}

func (h *localHandler) ServeActorWebSocket(ctx context.Context, actorID, path, encoding string, params map[string]string) (driver.Socket, error) {
	wsURL := *h.baseURL
	wsURL.Scheme = "ws"
	if h.baseURL.Scheme == "https" {
		wsURL.Scheme = "wss"
	}
	wsURL.Path = path

	header := http.Header{}
	header.Set("X-Rivet-Actor", actorID)
	header.Set("X-Rivet-Encoding", encoding)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL.String(), header)
	if err != nil {
		return nil, fmt.Errorf("runner: dial local actor websocket: %w", err)
	}
	return gorillaSocket{conn}, nil
}

// gorillaSocket adapts *websocket.Conn to driver.Socket.
type gorillaSocket struct{ conn *websocket.Conn }

func (s gorillaSocket) ReadMessage() (int, []byte, error)     { return s.conn.ReadMessage() }
func (s gorillaSocket) WriteMessage(t int, data []byte) error { return s.conn.WriteMessage(t, data) }
func (s gorillaSocket) Close() error                          { return s.conn.Close() }
func (s gorillaSocket) CloseWithReason(code int, reason string) error {
	deadline := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteMessage(websocket.CloseMessage, deadline)
	return s.conn.Close()
}
