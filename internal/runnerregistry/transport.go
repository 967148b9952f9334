package runnerregistry

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
)

// upgrader performs the HTTP → WebSocket protocol upgrade on the client-facing
// side of ProxyWebSocket. Origin validation is left to the reverse proxy in
// front of the manager, matching the teacher's websocket.Client upgrader.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Transport implements driver.Transport over a Registry of connected
// runners: it resolves an actor to its assigned runner's connection and
// delegates the one-shot and proxying operations to it.
type Transport struct {
	registry *Registry
	logger   *zap.Logger
}

// NewTransport builds a driver.Transport backed by registry.
func NewTransport(registry *Registry, logger *zap.Logger) *Transport {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transport{registry: registry, logger: logger.Named("runnertransport")}
}

var _ driver.Transport = (*Transport)(nil)

func (t *Transport) SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	conn, err := t.registry.connFor(actorID)
	if err != nil {
		return nil, err
	}
	return conn.SendRequest(ctx, actorID, req)
}

func (t *Transport) OpenWebSocket(ctx context.Context, path, actorID, encoding string, params map[string]string) (driver.Socket, error) {
	conn, err := t.registry.connFor(actorID)
	if err != nil {
		return nil, err
	}
	return conn.OpenWebSocket(ctx, actorID, path, encoding, params)
}

// ProxyRequest forwards an inbound HTTP request to the actor's runner and
// copies the response back, headers and body untouched.
func (t *Transport) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, actorID string) error {
	resp, err := t.SendRequest(ctx, actorID, r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	for key, values := range resp.Header {
		for _, v := range values {
			w.Header().Add(key, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		return fmt.Errorf("runnertransport: copy response body: %w", err)
	}
	return nil
}

// ProxyWebSocket upgrades the inbound request, dials the actor's runner, and
// pumps frames bidirectionally between the two sockets until either side
// closes. Grounded on the teacher's websocket.Client readPump/writePump
// split — here each direction gets its own goroutine instead of a channel,
// since both ends are already full-duplex sockets.
func (t *Transport) ProxyWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, path, actorID, encoding string, params map[string]string) error {
	client, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("runnertransport: upgrade client connection: %w", err)
	}
	defer client.Close()

	backend, err := t.OpenWebSocket(ctx, path, actorID, encoding, params)
	if err != nil {
		_ = client.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, err.Error()))
		return err
	}
	defer backend.Close()

	errCh := make(chan error, 2)
	go t.pump(client, backend, errCh)
	go t.pumpBack(backend, client, errCh)

	return <-errCh
}

// clientSocket is the subset of *websocket.Conn used on the client side of
// ProxyWebSocket; kept narrow so pump can also drive a driver.Socket.
type clientSocket interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
}

func (t *Transport) pump(from clientSocket, to driver.Socket, errCh chan<- error) {
	for {
		msgType, data, err := from.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if err := to.WriteMessage(msgType, data); err != nil {
			errCh <- err
			return
		}
	}
}

func (t *Transport) pumpBack(from driver.Socket, to clientSocket, errCh chan<- error) {
	for {
		msgType, data, err := from.ReadMessage()
		if err != nil {
			errCh <- err
			return
		}
		if err := to.WriteMessage(msgType, data); err != nil {
			errCh <- err
			return
		}
	}
}
