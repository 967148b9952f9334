package client

import (
	"context"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/rivetkit-go/rivetkit/driver"
	"github.com/rivetkit-go/rivetkit/query"
	"github.com/rivetkit-go/rivetkit/wire"
)

const (
	connBackoffInitial = 250 * time.Millisecond
	connBackoffMax     = 30 * time.Second
	connBackoffFactor  = 2.0
	connJitterFraction = 0.2

	// keepAliveInterval is a low-frequency no-op timer tick that, on runtimes
	// where it matters, prevents the host process from exiting while a
	// connection is live (spec.md §4.7 "Keep-alive").
	keepAliveInterval = 25 * time.Second
)

// State is one position in the connection's state machine (spec.md §4.7).
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

type inflightAction struct {
	name   string
	result chan actionResult
}

type actionResult struct {
	output wire.Payload
	err    error
}

type eventHandler struct {
	id   uint64
	fn   func(wire.Payload)
	once bool
}

type queuedMessage struct {
	msg       wire.ClientMessage
	ephemeral bool
}

// Conn is the stateful, multiplexed actor connection (C7): one WebSocket
// carrying RPC-style actions and publish-subscribe events, with automatic
// reconnect-with-backoff and replay of the live subscription set across
// reconnects.
type Conn struct {
	namespace string
	drv       driver.Driver
	encoding  string
	params    map[string]string
	logger    *zap.Logger

	mu             sync.Mutex
	state          State
	q              query.Query
	actorID        string
	connectionID   string
	socket         driver.Socket
	everConnected  bool
	disposed       bool
	nextActionID   uint64
	inflight       map[uint64]*inflightAction
	subsByEvent    map[string][]*eventHandler
	nextHandlerID  uint64
	queue          []queuedMessage
	openWaiters    []chan error
	stateListeners []func(State)
	errorHandlers  []func(error)

	runCancel context.CancelFunc
	runDone   chan struct{}
}

// NewConn constructs a Conn bound to an actor query. Connect must be called
// to begin dialing.
func NewConn(namespace string, drv driver.Driver, q query.Query, encoding string, params map[string]string, logger *zap.Logger) *Conn {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Conn{
		namespace:   namespace,
		drv:         drv,
		encoding:    encoding,
		params:      params,
		q:           q,
		logger:      logger.Named("client.conn"),
		inflight:    make(map[uint64]*inflightAction),
		subsByEvent: make(map[string][]*eventHandler),
	}
}

// State returns the connection's current state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// OnStateChange registers a listener invoked on every state transition.
func (c *Conn) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners = append(c.stateListeners, fn)
}

// OnError registers a listener invoked on every connection-level error.
func (c *Conn) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorHandlers = append(c.errorHandlers, fn)
}

// WaitConnected blocks until the connection reaches StateConnected, fails
// with a connection-level error, or ctx is cancelled. The "open-promise"
// from spec.md §4.7: rejected alongside the in-flight table on a
// connection-level error or close, resolved once on the first Init.
func (c *Conn) WaitConnected(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	if c.disposed {
		c.mu.Unlock()
		return &ConnectionDisposed{}
	}
	waiter := make(chan error, 1)
	c.openWaiters = append(c.openWaiters, waiter)
	c.mu.Unlock()

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect starts the retry loop in the background. Calling Connect on an
// already-connecting or connected Conn is a no-op.
func (c *Conn) Connect() {
	c.mu.Lock()
	if c.state != StateIdle || c.disposed {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateConnecting)
	ctx, cancel := context.WithCancel(context.Background())
	c.runCancel = cancel
	c.runDone = make(chan struct{})
	c.mu.Unlock()

	go c.run(ctx)
}

// run is the outer retry loop: connect, wait out the session, back off,
// retry — grounded on the reconnect-loop shape of a gRPC agent's connection
// manager, generalized to WebSockets and spec.md's own backoff constants.
func (c *Conn) run(ctx context.Context) {
	defer close(c.runDone)
	backoff := connBackoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		err := c.connectAndWait(ctx)

		c.mu.Lock()
		disposed := c.disposed
		c.mu.Unlock()
		if disposed {
			return
		}

		if err != nil {
			c.logger.Warn("connection attempt failed, retrying", zap.Error(err), zap.Duration("backoff", backoff))
			c.fireError(err)
		}

		c.mu.Lock()
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-time.After(jitter(backoff)):
		}
		backoff = nextBackoff(backoff)
	}
}

// connectAndWait resolves the query, opens the socket, waits for Init, then
// runs the receive loop until the socket closes or the connection is
// disposed. It returns nil only when the session ended because of dispose.
func (c *Conn) connectAndWait(ctx context.Context) error {
	resolved, err := query.Resolve(ctx, c.namespace, c.q, c.drv)
	if err != nil {
		return fmt.Errorf("client: resolve actor: %w", err)
	}
	if rewritten, rwErr := query.Rewrite(c.q, resolved.ActorID); rwErr == nil {
		c.mu.Lock()
		c.q = rewritten
		c.mu.Unlock()
	}

	sock, err := c.drv.OpenWebSocket(ctx, PathConnect, resolved.ActorID, c.encoding, c.params)
	if err != nil {
		return fmt.Errorf("client: open websocket: %w", err)
	}

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		sock.CloseWithReason(1000, "Disposed")
		return nil
	}
	c.actorID = resolved.ActorID
	c.socket = sock
	c.mu.Unlock()

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()
	keepAliveDone := make(chan struct{})
	defer close(keepAliveDone)
	go func() {
		for {
			select {
			case <-keepAlive.C:
			case <-keepAliveDone:
				return
			}
		}
	}()

	return c.receiveLoop(ctx, sock)
}

// receiveLoop reads frames until the socket closes, dispatching by tag.
func (c *Conn) receiveLoop(ctx context.Context, sock driver.Socket) error {
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			return c.handleClose(err)
		}

		msg, err := c.decodeServerMessage(data)
		if err != nil {
			c.logger.Warn("discarding unparsable server frame", zap.Error(err))
			continue
		}

		switch msg.Tag {
		case wire.TagInit:
			c.handleInit(msg.Init)
		case wire.TagActionResponse:
			c.handleActionResponse(msg.ActionResponse)
		case wire.TagEvent:
			c.handleEvent(msg.Event)
		case wire.TagError:
			c.handleServerError(ctx, msg.Error)
		}
	}
}

func (c *Conn) decodeServerMessage(data []byte) (wire.ServerMessage, error) {
	if c.encoding == string(wire.EncodingBinary) {
		return wire.DeserializeBinaryServer(data)
	}
	return wire.DeserializeTextServer(data)
}

// handleInit captures the init frame and defers the connected promotion to
// the next scheduler turn, so callers that attach listeners in the same
// synchronous frame as Connect() still observe `connecting` first.
func (c *Conn) handleInit(init *wire.Init) {
	c.mu.Lock()
	c.connectionID = init.ConnectionID
	c.actorID = init.ActorID
	disposed := c.disposed
	sock := c.socket
	c.mu.Unlock()

	if disposed {
		if sock != nil {
			sock.CloseWithReason(1000, "Disposed")
		}
		return
	}

	go func() {
		c.mu.Lock()
		if c.disposed {
			sock := c.socket
			c.mu.Unlock()
			if sock != nil {
				sock.CloseWithReason(1000, "Disposed")
			}
			return
		}
		c.setStateLocked(StateConnected)
		c.everConnected = true
		waiters := c.openWaiters
		c.openWaiters = nil
		pending := c.drainQueueLocked()
		c.mu.Unlock()

		for _, w := range waiters {
			close(w)
		}
		c.resubscribeAll()
		for _, qm := range pending {
			c.sendRaw(qm.msg)
		}
	}()
}

// drainQueueLocked returns and clears the pending message queue. Must be
// called with c.mu held.
func (c *Conn) drainQueueLocked() []queuedMessage {
	pending := c.queue
	c.queue = nil
	return pending
}

func (c *Conn) handleActionResponse(r *wire.ActionResponse) {
	c.mu.Lock()
	in, ok := c.inflight[r.ID]
	if ok {
		delete(c.inflight, r.ID)
	}
	c.mu.Unlock()
	if !ok {
		c.logger.Warn("action response for unknown id, dropping", zap.Uint64("id", r.ID))
		return
	}
	in.result <- actionResult{output: r.Output}
}

func (c *Conn) handleEvent(ev *wire.Event) {
	c.mu.Lock()
	handlers := make([]*eventHandler, len(c.subsByEvent[ev.Name]))
	copy(handlers, c.subsByEvent[ev.Name])
	var remaining []*eventHandler
	for _, h := range handlers {
		if !h.once {
			remaining = append(remaining, h)
		}
	}
	if len(remaining) == 0 {
		delete(c.subsByEvent, ev.Name)
	} else {
		c.subsByEvent[ev.Name] = remaining
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h.fn(ev.Args)
	}
}

func (c *Conn) handleServerError(ctx context.Context, e *wire.Error) {
	normalized := c.normalizeWireError(ctx, e)

	if e.ActionID == nil {
		c.mu.Lock()
		waiters := c.openWaiters
		c.openWaiters = nil
		inflight := c.inflight
		c.inflight = make(map[uint64]*inflightAction)
		c.mu.Unlock()

		for _, w := range waiters {
			w <- normalized
		}
		for _, in := range inflight {
			in.result <- actionResult{err: normalized}
		}
		c.fireError(normalized)
		return
	}

	c.mu.Lock()
	in, ok := c.inflight[*e.ActionID]
	if ok {
		delete(c.inflight, *e.ActionID)
	}
	c.mu.Unlock()
	if ok {
		in.result <- actionResult{err: normalized}
	}
}

func (c *Conn) normalizeWireError(ctx context.Context, e *wire.Error) error {
	base := &Error{Group: e.Group, Code: e.Code, Message: e.Message, Metadata: e.Metadata}
	if !isSchedulingClass(e.Group, e.Code) {
		return base
	}
	c.mu.Lock()
	actorID := c.actorID
	c.mu.Unlock()
	rec, err := c.drv.GetForID(ctx, c.namespace, actorID)
	if err != nil || rec.Error == nil {
		return &SchedulingError{ActorID: actorID, Cause: base}
	}
	return &SchedulingError{
		ActorID: actorID, Cause: base,
		Record: &TerminalError{Group: rec.Error.Group, Code: rec.Error.Code, Message: rec.Error.Message},
	}
}

// parseCloseReason parses the structured close-reason format this build
// produces: "group:code" (spec.md §6.3). Any reason not matching this
// exactly is reported as not ok and becomes a generic close error.
func parseCloseReason(reason string) (group, code string, ok bool) {
	parts := strings.SplitN(reason, ":", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// handleClose runs when the socket's read loop ends. readErr carries
// whatever the underlying Socket surfaced; structured close information (if
// any) is expected to have been encoded into readErr's message by the
// driver, in "group:code" form — drivers that can't do this pass the raw
// error through and callers get a generic close error.
func (c *Conn) handleClose(readErr error) error {
	c.mu.Lock()
	disposed := c.disposed
	everConnected := c.everConnected
	c.mu.Unlock()

	if disposed {
		c.rejectAll(&ConnectionDisposed{})
		return nil
	}

	var closeErr error
	if group, code, ok := parseCloseReason(readErr.Error()); ok {
		closeErr = &Error{Group: group, Code: code, Message: "connection closed"}
	} else {
		closeErr = &Error{Message: "connection closed: " + readErr.Error()}
	}

	c.mu.Lock()
	c.setStateLocked(StateDisconnected)
	waiters := c.openWaiters
	c.openWaiters = nil
	inflight := c.inflight
	c.inflight = make(map[uint64]*inflightAction)
	c.mu.Unlock()

	for _, w := range waiters {
		w <- closeErr
	}
	for _, in := range inflight {
		in.result <- actionResult{err: closeErr}
	}
	c.fireError(closeErr)

	if everConnected {
		// The caller's outer run loop retries after its backoff delay.
		return fmt.Errorf("client: session ended: %w", closeErr)
	}
	return fmt.Errorf("client: connect attempt ended: %w", closeErr)
}

func (c *Conn) rejectAll(err error) {
	c.mu.Lock()
	inflight := c.inflight
	c.inflight = make(map[uint64]*inflightAction)
	waiters := c.openWaiters
	c.openWaiters = nil
	c.mu.Unlock()

	for _, in := range inflight {
		in.result <- actionResult{err: err}
	}
	for _, w := range waiters {
		w <- err
	}
}

// Action sends an ActionRequest and blocks for its response, queueing the
// request if the connection isn't currently connected.
func (c *Conn) Action(ctx context.Context, name string, args wire.Payload) (wire.Payload, error) {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return nil, &ConnectionDisposed{}
	}
	c.nextActionID++
	id := c.nextActionID
	result := make(chan actionResult, 1)
	c.inflight[id] = &inflightAction{name: name, result: result}
	c.mu.Unlock()

	msg := wire.ClientMessage{Tag: wire.TagActionRequest, ActionRequest: &wire.ActionRequest{ID: id, Name: name, Args: args}}
	c.enqueueOrSend(msg, false)

	select {
	case res := <-result:
		if res.err != nil {
			return nil, res.err
		}
		return res.output, nil
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.inflight, id)
		c.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Subscribe registers fn to run on every Event with the given name. The
// returned func unsubscribes. once, when true, removes the handler after
// its first invocation.
func (c *Conn) Subscribe(name string, once bool, fn func(wire.Payload)) (unsubscribe func()) {
	c.mu.Lock()
	c.nextHandlerID++
	h := &eventHandler{id: c.nextHandlerID, fn: fn, once: once}
	wasEmpty := len(c.subsByEvent[name]) == 0
	c.subsByEvent[name] = append(c.subsByEvent[name], h)
	c.mu.Unlock()

	if wasEmpty {
		msg := wire.ClientMessage{Tag: wire.TagSubscriptionRequest, SubscriptionRequest: &wire.SubscriptionRequest{EventName: name, Subscribe: true}}
		c.enqueueOrSend(msg, false)
	}

	return func() {
		c.mu.Lock()
		handlers := c.subsByEvent[name]
		for i, existing := range handlers {
			if existing.id == h.id {
				handlers = append(handlers[:i], handlers[i+1:]...)
				break
			}
		}
		empty := len(handlers) == 0
		if empty {
			delete(c.subsByEvent, name)
		} else {
			c.subsByEvent[name] = handlers
		}
		c.mu.Unlock()

		if empty {
			msg := wire.ClientMessage{Tag: wire.TagSubscriptionRequest, SubscriptionRequest: &wire.SubscriptionRequest{EventName: name, Subscribe: false}}
			c.enqueueOrSend(msg, false)
		}
	}
}

// enqueueOrSend sends msg immediately if connected, else enqueues it unless
// ephemeral — subscription re-sends on reconnect are ephemeral because the
// subscription table, not the queue, is the source of truth for those.
func (c *Conn) enqueueOrSend(msg wire.ClientMessage, ephemeral bool) {
	c.mu.Lock()
	if c.state != StateConnected {
		if !ephemeral {
			c.queue = append(c.queue, queuedMessage{msg: msg, ephemeral: ephemeral})
		}
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.sendRaw(msg)
}

// sendRaw writes msg to the live socket. On failure the message is
// re-enqueued so the next reconnect drains it; sendRaw does not know whether
// msg is ephemeral, so a failed subscription message is re-enqueued too.
func (c *Conn) sendRaw(msg wire.ClientMessage) {
	c.mu.Lock()
	sock := c.socket
	c.mu.Unlock()
	if sock == nil {
		return
	}

	var data []byte
	var err error
	if c.encoding == string(wire.EncodingBinary) {
		data, err = wire.SerializeBinaryClient(msg)
	} else {
		data, err = wire.SerializeTextClient(msg)
	}
	if err != nil {
		c.logger.Error("failed to encode outgoing message, dropping", zap.Error(err))
		return
	}

	msgType := websocket.TextMessage
	if c.encoding == string(wire.EncodingBinary) {
		msgType = websocket.BinaryMessage
	}
	if err := sock.WriteMessage(msgType, data); err != nil {
		c.logger.Warn("send failed, re-queueing for next reconnect", zap.Error(err))
		c.mu.Lock()
		c.queue = append(c.queue, queuedMessage{msg: msg})
		c.mu.Unlock()
	}
}

// resubscribeAll re-sends the current subscription set as ephemeral
// SubscriptionRequest messages after a reconnect.
func (c *Conn) resubscribeAll() {
	c.mu.Lock()
	names := make([]string, 0, len(c.subsByEvent))
	for name := range c.subsByEvent {
		names = append(names, name)
	}
	c.mu.Unlock()

	for _, name := range names {
		msg := wire.ClientMessage{Tag: wire.TagSubscriptionRequest, SubscriptionRequest: &wire.SubscriptionRequest{EventName: name, Subscribe: true}}
		c.enqueueOrSend(msg, true)
	}
}

func (c *Conn) setStateLocked(s State) {
	c.state = s
	listeners := make([]func(State), len(c.stateListeners))
	copy(listeners, c.stateListeners)
	go func() {
		for _, l := range listeners {
			l(s)
		}
	}()
}

func (c *Conn) fireError(err error) {
	c.mu.Lock()
	handlers := make([]func(error), len(c.errorHandlers))
	copy(handlers, c.errorHandlers)
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// Dispose permanently closes the connection: rejects all pending work with
// ConnectionDisposed, closes the socket with code 1000 reason "Disposed",
// and stops the retry loop. Dispose is idempotent.
func (c *Conn) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	sock := c.socket
	cancel := c.runCancel
	c.setStateLocked(StateIdle)
	c.mu.Unlock()

	if sock != nil {
		sock.CloseWithReason(1000, "Disposed")
	}
	if cancel != nil {
		cancel()
	}
	c.rejectAll(&ConnectionDisposed{})
}

// nextBackoff returns the next backoff duration, capped at connBackoffMax.
func nextBackoff(current time.Duration) time.Duration {
	next := time.Duration(float64(current) * connBackoffFactor)
	if next > connBackoffMax {
		return connBackoffMax
	}
	return next
}

// jitter adds up to ±connJitterFraction random perturbation to d.
func jitter(d time.Duration) time.Duration {
	delta := float64(d) * connJitterFraction
	offset := (rand.Float64()*2 - 1) * delta
	return time.Duration(float64(d) + offset)
}

