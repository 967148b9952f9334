// Package queue implements the named-queue sender and proxy (C5): a single
// POST per message against an actor's `/queue/{name}` endpoint, fire-and-forget
// or wait-for-completion, used by the stateless handle (C6) through
// Handle.Queue. The stateful connection (C7) does not expose a queue sender.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rivetkit-go/rivetkit/driver"
)

// Status is the outcome of a wait-for-completion send.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusTimedOut  Status = "timedOut"
)

// Options configures Sender.Send. Wait:false (the default) resolves once the
// server has accepted the message; Wait:true resolves when the server
// reports completion or the timeout elapses.
type Options struct {
	Wait    bool
	Timeout time.Duration
}

// Result is returned from a wait-for-completion send.
type Result struct {
	Status   Status
	Response []byte // opaque CBOR payload, present only when Status == StatusCompleted
}

type sendBody struct {
	Name    string `json:"name"`
	Body    []byte `json:"body"`
	Wait    bool   `json:"wait,omitempty"`
	Timeout *int64 `json:"timeout,omitempty"`
}

type sendResponse struct {
	Status   Status `json:"status"`
	Response []byte `json:"response,omitempty"`
}

// Sender issues queue sends against one actor.
type Sender struct {
	transport driver.Transport
	actorID   string
	encoding  string
}

// NewSender constructs a Sender bound to one resolved actor id.
func NewSender(transport driver.Transport, actorID, encoding string) *Sender {
	return &Sender{transport: transport, actorID: actorID, encoding: encoding}
}

// Send posts one message to the actor's named queue. Timeout is communicated
// to the server as an integer number of milliseconds; the server enforces it
// so Send never hangs the caller beyond it.
func (s *Sender) Send(ctx context.Context, name string, body []byte, opts Options) (Result, error) {
	reqBody := sendBody{Name: name, Body: body, Wait: opts.Wait}
	if opts.Wait && opts.Timeout > 0 {
		ms := opts.Timeout.Milliseconds()
		reqBody.Timeout = &ms
	}

	data, err := json.Marshal(reqBody)
	if err != nil {
		return Result{}, fmt.Errorf("queue: marshal send body: %w", err)
	}

	url := "http://actor/queue/" + name
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return Result{}, fmt.Errorf("queue: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Rivet-Encoding", s.encoding)
	if opts.Wait && opts.Timeout > 0 {
		httpReq.Header.Set("X-Rivet-Timeout", strconv.FormatInt(opts.Timeout.Milliseconds(), 10))
	}

	resp, err := s.transport.SendRequest(ctx, s.actorID, httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("queue: send %q: %w", name, err)
	}
	defer resp.Body.Close()

	respBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("queue: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{}, fmt.Errorf("queue: send %q: server returned status %d", name, resp.StatusCode)
	}

	if !opts.Wait {
		return Result{Status: StatusCompleted}, nil
	}

	var sr sendResponse
	if err := json.Unmarshal(respBytes, &sr); err != nil {
		return Result{}, fmt.Errorf("queue: decode response: %w", err)
	}
	return Result{Status: sr.Status, Response: sr.Response}, nil
}

// Queue is the per-name handle returned by Proxy.Queue, mirroring the
// ergonomic `queue.<name>.send(...)` accessor from the source runtime.
type Queue struct {
	name   string
	sender *Sender
}

// Send forwards to the bound Sender.Send with this queue's name.
func (q *Queue) Send(ctx context.Context, body []byte, opts Options) (Result, error) {
	return q.sender.Send(ctx, q.name, body, opts)
}

// Proxy deduplicates Queue handles per name, since Go has no dynamic property
// access: callers use Proxy.Queue("name") where the source runtime would use
// queue.name.send(...).
type Proxy struct {
	sender *Sender

	mu     sync.Mutex
	queues map[string]*Queue
}

// NewProxy constructs a Proxy over sender.
func NewProxy(sender *Sender) *Proxy {
	return &Proxy{sender: sender, queues: make(map[string]*Queue)}
}

// Queue returns the (possibly cached) handle for the named queue.
func (p *Proxy) Queue(name string) *Queue {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.queues[name]; ok {
		return q
	}
	q := &Queue{name: name, sender: p.sender}
	p.queues[name] = q
	return q
}
