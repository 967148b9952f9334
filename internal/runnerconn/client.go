package runnerconn

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
)

const (
	dialBackoffInitial = 250 * time.Millisecond
	dialBackoffMax     = 30 * time.Second
	dialBackoffFactor  = 2.0
	dialJitterFraction = 0.2
)

// ActorHandler is how a runner process answers tunneled traffic for the
// actors it hosts. A runner binary supplies its own implementation; this
// package only owns the tunnel protocol, not actor execution itself.
type ActorHandler interface {
	ServeActorHTTP(ctx context.Context, actorID string, req *http.Request) (*http.Response, error)
	ServeActorWebSocket(ctx context.Context, actorID, path, encoding string, params map[string]string) (driver.Socket, error)
}

// Client is the runner-side half of the tunnel: it dials the manager once,
// registers, and services inbound frames until the connection drops, at
// which point Run redials with backoff. Grounded on client.Conn's run/
// connectAndWait split and on the teacher's agent connection manager.
type Client struct {
	url      string
	runnerID string
	names    []string
	handler  ActorHandler
	logger   *zap.Logger

	mu      sync.Mutex
	writeMu sync.Mutex
	ws      *websocket.Conn
	liveWS  map[uint64]*tunnelSocket
}

// NewClient constructs a runner tunnel client. url is the manager's runner
// registration endpoint (ws:// or wss://).
func NewClient(url, runnerID string, names []string, handler ActorHandler, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		url:      url,
		runnerID: runnerID,
		names:    names,
		handler:  handler,
		logger:   logger.Named("runnerconn.client"),
		liveWS:   make(map[uint64]*tunnelSocket),
	}
}

// Run dials and services the tunnel, reconnecting with backoff on failure,
// until ctx is cancelled.
func (c *Client) Run(ctx context.Context) {
	backoff := dialBackoffInitial
	for {
		if ctx.Err() != nil {
			return
		}
		if err := c.connectAndServe(ctx); err != nil {
			c.logger.Warn("tunnel connection failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(jitterDial(backoff)):
		}
		backoff = nextDialBackoff(backoff)
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("runnerconn: dial manager: %w", err)
	}
	defer ws.Close()

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	regFrame, err := encodeFrame(frameRegister, 0, registerBody{RunnerID: c.runnerID, Names: c.names})
	if err != nil {
		return err
	}
	if err := ws.WriteMessage(websocket.TextMessage, regFrame); err != nil {
		return fmt.Errorf("runnerconn: send register frame: %w", err)
	}

	c.logger.Info("registered with manager", zap.String("runner_id", c.runnerID))

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		f, err := decodeFrame(data)
		if err != nil {
			c.logger.Warn("discarding unparsable tunnel frame", zap.Error(err))
			continue
		}
		go c.handleFrame(ctx, f)
	}
}

func (c *Client) writeFrame(kind frameKind, streamID uint64, body any) error {
	data, err := encodeFrame(kind, streamID, body)
	if err != nil {
		return err
	}
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return fmt.Errorf("runnerconn: no active tunnel connection")
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) forgetWS(streamID uint64) {
	c.mu.Lock()
	delete(c.liveWS, streamID)
	c.mu.Unlock()
}

func (c *Client) handleFrame(ctx context.Context, f frame) {
	switch f.Kind {
	case frameHTTPRequest:
		c.handleHTTPRequest(ctx, f)
	case frameWSOpen:
		c.handleWSOpen(ctx, f)
	case frameWSData:
		c.handleWSData(f)
	case frameWSClose:
		c.handleWSClose(f)
	}
}

func (c *Client) handleHTTPRequest(ctx context.Context, f frame) {
	var body httpRequestBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return
	}

	req, err := http.NewRequestWithContext(ctx, body.Method, body.Path, bytes.NewReader(body.Body))
	if err == nil {
		req.Header = http.Header(body.Header)
	}

	resp := httpResponseBody{}
	if err != nil {
		resp.Err = err.Error()
	} else {
		httpResp, err := c.handler.ServeActorHTTP(ctx, body.ActorID, req)
		if err != nil {
			resp.Err = err.Error()
		} else {
			defer httpResp.Body.Close()
			respBody, _ := io.ReadAll(httpResp.Body)
			resp.Status = httpResp.StatusCode
			resp.Header = httpResp.Header
			resp.Body = respBody
		}
	}

	if err := c.writeFrame(frameHTTPResp, f.StreamID, resp); err != nil {
		c.logger.Warn("failed to send http response frame", zap.Error(err))
	}
}

func (c *Client) handleWSOpen(ctx context.Context, f frame) {
	var body wsOpenBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return
	}

	sock, err := c.handler.ServeActorWebSocket(ctx, body.ActorID, body.Path, body.Encoding, body.Params)
	if err != nil {
		_ = c.writeFrame(frameWSOpenAck, f.StreamID, wsOpenAckBody{Err: err.Error()})
		return
	}
	if err := c.writeFrame(frameWSOpenAck, f.StreamID, wsOpenAckBody{}); err != nil {
		sock.Close()
		return
	}

	local := newTunnelSocket(localFrameWriter{c}, f.StreamID)
	c.mu.Lock()
	c.liveWS[f.StreamID] = local
	c.mu.Unlock()

	go c.pumpActorToManager(sock, f.StreamID)
	go c.pumpLocalToActor(local, sock)
}

// localFrameWriter adapts *Client to the frameWriter interface tunnelSocket
// expects, without exposing Client's other methods.
type localFrameWriter struct{ c *Client }

func (l localFrameWriter) writeFrame(kind frameKind, streamID uint64, body any) error {
	return l.c.writeFrame(kind, streamID, body)
}
func (l localFrameWriter) forgetWS(streamID uint64) { l.c.forgetWS(streamID) }

// pumpActorToManager reads frames off the local actor socket and relays
// them to the manager as ws_data frames, sending ws_close on EOF/error.
func (c *Client) pumpActorToManager(sock driver.Socket, streamID uint64) {
	defer c.forgetWS(streamID)
	for {
		msgType, data, err := sock.ReadMessage()
		if err != nil {
			_ = c.writeFrame(frameWSClose, streamID, wsCloseBody{Code: 1000, Reason: err.Error()})
			return
		}
		if err := c.writeFrame(frameWSData, streamID, wsDataBody{MessageType: msgType, Data: data}); err != nil {
			sock.Close()
			return
		}
	}
}

// pumpLocalToActor relays frames the manager sent (delivered into local's
// inbox by handleWSData/handleWSClose) onward to the actor's own socket.
func (c *Client) pumpLocalToActor(local *tunnelSocket, sock driver.Socket) {
	defer sock.Close()
	for {
		msgType, data, err := local.ReadMessage()
		if err != nil {
			return
		}
		if err := sock.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func (c *Client) handleWSData(f frame) {
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
}

func (c *Client) handleWSClose(f frame) {
	var body wsCloseBody
	if err := json.Unmarshal(f.Body, &body); err != nil {
		return
	}
	c.mu.Lock()
	sock, ok := c.liveWS[f.StreamID]
	delete(c.liveWS, f.StreamID)
	c.mu.Unlock()
	if ok {
		sock.deliver(0, nil, fmt.Errorf("closed:%s", body.Reason))
	}
}

func nextDialBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * dialBackoffFactor)
	if next > dialBackoffMax {
		return dialBackoffMax
	}
	return next
}

func jitterDial(d time.Duration) time.Duration {
	delta := float64(d) * dialJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}
