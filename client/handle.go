package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/rivetkit-go/rivetkit/driver"
	"github.com/rivetkit-go/rivetkit/query"
	"github.com/rivetkit-go/rivetkit/queue"
	"github.com/rivetkit-go/rivetkit/wire"
)

// PathConnect is the gateway subpath a WebSocket connection upgrades against,
// per spec.md §6.2 "Connect endpoint".
const PathConnect = "/connect"

// ActionOptions holds per-call action options. Handle.Action does not accept
// it, so Signal has no effect there; Action is cancelled through its ctx.
type ActionOptions struct {
	// Signal, when non-nil, cancels the underlying one-shot HTTP request.
	// There is no equivalent for the WebSocket path (spec.md §4.7 "Cancellation").
	Signal context.Context
}

type actionBody struct {
	Args json.RawMessage `json:"args"`
}

type actionResponseBody struct {
	Output json.RawMessage `json:"output,omitempty"`
	Error  *wireErrorBody  `json:"error,omitempty"`
}

type wireErrorBody struct {
	Group    string          `json:"group"`
	Code     string          `json:"code"`
	Message  string          `json:"message"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

// Handle is the stateless actor handle (C6): one-shot actions, raw HTTP
// fetch, ephemeral WebSocket dials, and named-queue sends, all against a
// query that is lazily resolved and then pinned to the resolved actor id.
type Handle struct {
	namespace string
	drv       driver.Driver
	encoding  string

	mu sync.Mutex
	q  query.Query

	queueProxy *queue.Proxy
}

// NewHandle constructs a Handle bound to an unresolved (or already-resolved)
// query. encoding ("text" or "binary") is sent as the X-Rivet-Encoding header
// on action and queue requests; their request and response bodies are JSON
// for either encoding.
func NewHandle(namespace string, drv driver.Driver, q query.Query, encoding string) *Handle {
	h := &Handle{namespace: namespace, drv: drv, encoding: encoding, q: q}
	h.queueProxy = queue.NewProxy(queue.NewSender(handleSenderAdapter{h}, "", encoding))
	return h
}

// handleSenderAdapter defers actorID resolution until the first queue send,
// since Handle's query may still be unresolved at construction time.
type handleSenderAdapter struct{ h *Handle }

func (a handleSenderAdapter) SendRequest(ctx context.Context, _ string, req *http.Request) (*http.Response, error) {
	actorID, err := a.h.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	return a.h.drv.SendRequest(ctx, actorID, req)
}
func (a handleSenderAdapter) OpenWebSocket(ctx context.Context, path, actorID, encoding string, params map[string]string) (driver.Socket, error) {
	return a.h.drv.OpenWebSocket(ctx, path, actorID, encoding, params)
}
func (a handleSenderAdapter) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, actorID string) error {
	return a.h.drv.ProxyRequest(ctx, w, r, actorID)
}
func (a handleSenderAdapter) ProxyWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, path, actorID, encoding string, params map[string]string) error {
	return a.h.drv.ProxyWebSocket(ctx, w, r, path, actorID, encoding, params)
}

// Queue returns the C5 proxy for named queue sends against this handle's actor.
func (h *Handle) Queue() *queue.Proxy { return h.queueProxy }

// Resolve resolves the held query to a concrete actor id, mutating the held
// query to KindGetForID on success so subsequent calls are O(1). Resolving a
// create query is rejected (query.ErrResolveCreate).
func (h *Handle) Resolve(ctx context.Context) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.q.Kind == query.KindGetForID && h.q.ID != "" {
		return h.q.ID, nil
	}
	if h.q.Kind == query.KindCreate {
		return "", query.ErrResolveCreate
	}

	resolved, err := query.Resolve(ctx, h.namespace, h.q, h.drv)
	if err != nil {
		return "", &Error{Group: "rivetkit", Code: "actor_not_found", Message: err.Error()}
	}

	rewritten, err := query.Rewrite(h.q, resolved.ActorID)
	if err != nil {
		// Rewrite only fails for create queries, which are rejected above.
		return resolved.ActorID, nil
	}
	h.q = rewritten
	return resolved.ActorID, nil
}

// GetGatewayURL returns the base URL a caller would use to reach this
// actor's gateway directly, once resolved.
func (h *Handle) GetGatewayURL(ctx context.Context) (string, error) {
	actorID, err := h.Resolve(ctx)
	if err != nil {
		return "", err
	}
	return "http://actor/gateway/" + actorID, nil
}

// Action performs one POST to http://actor/action/{name} and returns the
// raw CBOR output, normalizing any server-side error into *Error (enriched
// to *SchedulingError when the (group, code) belongs to the closed
// scheduling class, per spec.md §4.6 and §7).
func (h *Handle) Action(ctx context.Context, name string, args wire.Payload) ([]byte, error) {
	actorID, err := h.Resolve(ctx)
	if err != nil {
		return nil, err
	}

	argsJSON, err := payloadToRawJSON(args)
	if err != nil {
		return nil, &Error{Message: "encode action args: " + err.Error()}
	}
	reqBody, err := json.Marshal(actionBody{Args: argsJSON})
	if err != nil {
		return nil, &Error{Message: "marshal action request: " + err.Error()}
	}

	url := "http://actor/action/" + name
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return nil, &Error{Message: "build action request: " + err.Error()}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Rivet-Encoding", h.encoding)

	resp, err := h.drv.SendRequest(ctx, actorID, httpReq)
	if err != nil {
		return nil, &Error{Message: fmt.Sprintf("send action %q: %v", name, err)}
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &Error{Message: "read action response: " + err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var body actionResponseBody
		if jsonErr := json.Unmarshal(respBytes, &body); jsonErr == nil && body.Error != nil {
			return nil, h.normalizeServerError(ctx, actorID, body.Error)
		}
		return nil, &Error{Message: fmt.Sprintf("action %q: server returned status %d", name, resp.StatusCode)}
	}

	var body actionResponseBody
	if err := json.Unmarshal(respBytes, &body); err != nil {
		return nil, &Error{Message: "decode action response: " + err.Error()}
	}
	if body.Error != nil {
		return nil, h.normalizeServerError(ctx, actorID, body.Error)
	}
	return rawJSONToPayload(body.Output)
}

// normalizeServerError converts the wire error shape into *Error, enriching
// with the actor's terminal error record when the (group, code) pair
// belongs to the closed scheduling-error class.
func (h *Handle) normalizeServerError(ctx context.Context, actorID string, e *wireErrorBody) error {
	meta, _ := rawJSONToPayload(e.Metadata)
	base := &Error{Group: e.Group, Code: e.Code, Message: e.Message, Metadata: meta}
	if !isSchedulingClass(e.Group, e.Code) {
		return base
	}
	rec, err := h.drv.GetForID(ctx, h.namespace, actorID)
	if err != nil || rec.Error == nil {
		return &SchedulingError{ActorID: actorID, Cause: base}
	}
	return &SchedulingError{
		ActorID: actorID, Cause: base,
		Record: &TerminalError{Group: rec.Error.Group, Code: rec.Error.Code, Message: rec.Error.Message},
	}
}

// Fetch performs a raw, actor-routed HTTP request, bypassing the action
// envelope entirely.
func (h *Handle) Fetch(ctx context.Context, req *http.Request) (*http.Response, error) {
	actorID, err := h.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	resp, err := h.drv.SendRequest(ctx, actorID, req)
	if err != nil {
		return nil, &Error{Message: "fetch: " + err.Error()}
	}
	return resp, nil
}

// WebSocket dials an ephemeral WebSocket against the actor's connect
// endpoint, bypassing the multiplexed Conn state machine entirely (for
// callers that want a raw duplex socket rather than the RPC/pubsub layer).
func (h *Handle) WebSocket(ctx context.Context, params map[string]string) (driver.Socket, error) {
	actorID, err := h.Resolve(ctx)
	if err != nil {
		return nil, err
	}
	sock, err := h.drv.OpenWebSocket(ctx, PathConnect, actorID, h.encoding, params)
	if err != nil {
		return nil, &Error{Message: "open websocket: " + err.Error()}
	}
	return sock, nil
}

func payloadToRawJSON(p wire.Payload) (json.RawMessage, error) {
	if len(p) == 0 {
		return json.RawMessage("null"), nil
	}
	v, err := wire.DecodePayloadDynamic(p)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func rawJSONToPayload(raw json.RawMessage) ([]byte, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, err
	}
	return wire.EncodePayload(v)
}
