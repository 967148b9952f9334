package runnerconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
)

// upgrader upgrades the inbound runner tunnel connection at the manager's
// runner-registration endpoint.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// RegisterFunc is invoked once a runner has sent its Register frame, so the
// caller can wire the resulting Conn (a runnerregistry.RunnerConn) into a
// runner registry under the announced runner id.
type RegisterFunc func(runnerID string, names []string, conn *Conn)

// DeregisterFunc is invoked when the tunnel connection ends.
type DeregisterFunc func(runnerID string)

// Accept upgrades r to the runner tunnel protocol, blocks reading the
// Register frame, invokes onRegister, then services the connection
// (routing response/ack/data/close frames to pending callers) until it
// closes, at which point onDeregister runs. Accept blocks for the lifetime
// of the connection — callers run it in its own goroutine per HTTP request.
func Accept(w http.ResponseWriter, r *http.Request, logger *zap.Logger, onRegister RegisterFunc, onDeregister DeregisterFunc) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("runnerconn: upgrade: %w", err)
	}

	c := newConn(ws, logger)
	defer c.close()

	_, data, err := ws.ReadMessage()
	if err != nil {
		return fmt.Errorf("runnerconn: read register frame: %w", err)
	}
	f, err := decodeFrame(data)
	if err != nil || f.Kind != frameRegister {
		return fmt.Errorf("runnerconn: expected register frame, got %v (err=%v)", f.Kind, err)
	}
	var reg registerBody
	if err := json.Unmarshal(f.Body, &reg); err != nil {
		return fmt.Errorf("runnerconn: decode register body: %w", err)
	}

	onRegister(reg.RunnerID, reg.Names, c)
	defer onDeregister(reg.RunnerID)

	logger.Info("runner registered", zap.String("runner_id", reg.RunnerID), zap.Strings("names", reg.Names))
	return c.serve()
}

// pendingHTTP tracks one in-flight SendRequest waiting on its response frame.
type pendingHTTP struct {
	respCh chan httpResponseBody
}

// pendingWS tracks one in-flight OpenWebSocket waiting on its open-ack, plus
// the live socket once opened.
type pendingWS struct {
	ackCh  chan wsOpenAckBody
	socket *tunnelSocket
}

// Conn is the manager-side handle to one runner's tunnel connection. It
// implements runnerregistry.RunnerConn.
type Conn struct {
	ws     *websocket.Conn
	logger *zap.Logger
	ids    streamIDSource

	writeMu sync.Mutex

	mu        sync.Mutex
	pendingH  map[uint64]*pendingHTTP
	pendingW  map[uint64]*pendingWS
	liveWS    map[uint64]*tunnelSocket
	closed    bool
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, logger *zap.Logger) *Conn {
	return &Conn{
		ws:       ws,
		logger:   logger,
		pendingH: make(map[uint64]*pendingHTTP),
		pendingW: make(map[uint64]*pendingWS),
		liveWS:   make(map[uint64]*tunnelSocket),
	}
}

func (c *Conn) writeFrame(kind frameKind, streamID uint64, body any) error {
	data, err := encodeFrame(kind, streamID, body)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// serve reads frames off the tunnel until it closes, routing each to its
// pending waiter or live socket.
func (c *Conn) serve() error {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.close()
			return err
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("discarding unparsable tunnel frame", zap.Error(err))
			continue
		}
		c.dispatch(f)
	}
}

func (c *Conn) dispatch(f frame) {
	switch f.Kind {
	case frameHTTPResp:
		var body httpResponseBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return
		}
		c.mu.Lock()
		p, ok := c.pendingH[f.StreamID]
		if ok {
			delete(c.pendingH, f.StreamID)
		}
		c.mu.Unlock()
		if ok {
			p.respCh <- body
		}

	case frameWSOpenAck:
		var body wsOpenAckBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return
		}
		c.mu.Lock()
		p, ok := c.pendingW[f.StreamID]
		c.mu.Unlock()
		if ok {
			p.ackCh <- body
		}

	case frameWSData:
		var body wsDataBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return
		}
		c.mu.Lock()
		sock, ok := c.liveWS[f.StreamID]
		c.mu.Unlock()
		if ok {
			sock.deliver(body.MessageType, body.Data, nil)
		}

	case frameWSClose:
		var body wsCloseBody
		if err := json.Unmarshal(f.Body, &body); err != nil {
			return
		}
		c.mu.Lock()
		sock, ok := c.liveWS[f.StreamID]
		delete(c.liveWS, f.StreamID)
		c.mu.Unlock()
		if ok {
			sock.deliver(0, nil, fmt.Errorf("%s:%s", "closed", body.Reason))
		}
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		for _, p := range c.pendingH {
			close(p.respCh)
		}
		for _, p := range c.pendingW {
			close(p.ackCh)
		}
		for _, sock := range c.liveWS {
			sock.deliver(0, nil, io.ErrClosedPipe)
		}
		c.mu.Unlock()
		c.ws.Close()
	})
}

// SendRequest implements runnerregistry.RunnerConn: it tunnels req to the
// runner and blocks for the matching httpResponseBody.
func (c *Conn) SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	var body []byte
	if req.Body != nil {
		var err error
		body, err = io.ReadAll(req.Body)
		if err != nil {
			return nil, fmt.Errorf("runnerconn: read request body: %w", err)
		}
	}

	streamID := c.ids.next1()
	respCh := make(chan httpResponseBody, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("runnerconn: tunnel closed")
	}
	c.pendingH[streamID] = &pendingHTTP{respCh: respCh}
	c.mu.Unlock()

	err := c.writeFrame(frameHTTPRequest, streamID, httpRequestBody{
		ActorID: actorID,
		Method:  req.Method,
		Path:    req.URL.Path,
		Header:  req.Header,
		Body:    body,
	})
	if err != nil {
		c.mu.Lock()
		delete(c.pendingH, streamID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case resp, ok := <-respCh:
		if !ok {
			return nil, fmt.Errorf("runnerconn: tunnel closed while awaiting response")
		}
		if resp.Err != "" {
			return nil, fmt.Errorf("runnerconn: runner error: %s", resp.Err)
		}
		header := http.Header(resp.Header)
		return &http.Response{
			StatusCode: resp.Status,
			Header:     header,
			Body:       io.NopCloser(bytes.NewReader(resp.Body)),
		}, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingH, streamID)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// OpenWebSocket implements runnerregistry.RunnerConn: it asks the runner to
// open a session against actorID and, once acknowledged, returns a
// driver.Socket backed by ws_data/ws_close frames multiplexed over the same
// tunnel connection.
func (c *Conn) OpenWebSocket(ctx context.Context, actorID, path, encoding string, params map[string]string) (driver.Socket, error) {
	streamID := c.ids.next1()
	ackCh := make(chan wsOpenAckBody, 1)
	sock := newTunnelSocket(c, streamID)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("runnerconn: tunnel closed")
	}
	c.pendingW[streamID] = &pendingWS{ackCh: ackCh}
	c.mu.Unlock()

	err := c.writeFrame(frameWSOpen, streamID, wsOpenBody{ActorID: actorID, Path: path, Encoding: encoding, Params: params})
	if err != nil {
		c.mu.Lock()
		delete(c.pendingW, streamID)
		c.mu.Unlock()
		return nil, err
	}

	select {
	case ack, ok := <-ackCh:
		c.mu.Lock()
		delete(c.pendingW, streamID)
		c.mu.Unlock()
		if !ok {
			return nil, fmt.Errorf("runnerconn: tunnel closed while opening websocket")
		}
		if ack.Err != "" {
			return nil, fmt.Errorf("runnerconn: runner refused websocket: %s", ack.Err)
		}
		c.mu.Lock()
		c.liveWS[streamID] = sock
		c.mu.Unlock()
		return sock, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pendingW, streamID)
		c.mu.Unlock()
		return nil, ctx.Err()
	case <-time.After(30 * time.Second):
		c.mu.Lock()
		delete(c.pendingW, streamID)
		c.mu.Unlock()
		return nil, fmt.Errorf("runnerconn: timed out opening websocket")
	}
}

func (c *Conn) forgetWS(streamID uint64) {
	c.mu.Lock()
	delete(c.liveWS, streamID)
	c.mu.Unlock()
}
