// Package driver defines the manager driver contract (C3): the pluggable
// backend a manager gateway uses for actor identity operations and for
// moving client traffic to wherever an actor is actually running. Identity
// and Transport are kept as separate interfaces because a thin reference
// driver, a test driver, and the production runner-backed driver all
// implement them differently but share the same identity records.
package driver

import (
	"context"
	"net/http"
)

// Record mirrors the actor identity schema used by the manager HTTP API
// (see internal/managerapi) and returned from every Identity operation.
type Record struct {
	ActorID             string
	Name                string
	Key                 []string
	NamespaceID         string
	RunnerNameSelector  string
	CreateTs            *int64
	StartTs             *int64
	ConnectableTs       *int64
	SleepTs             *int64
	DestroyTs           *int64
	Error               *TerminalError
}

// TerminalError is the terminal error record an actor carries once it has
// stopped being schedulable (destroyed, crashed, rejected at deploy, ...).
type TerminalError struct {
	Group   string
	Code    string
	Message string
}

// CreateInput carries the parameters accepted when creating a new actor.
type CreateInput struct {
	Name   string
	Key    []string
	Input  []byte // opaque CBOR, see wire.Payload
	Region string
}

// Identity is the set of operations that resolve or mutate actor identity.
// Implementations must treat "not found" as a distinguishable condition via
// ErrNotFound so callers (query.Resolve) can apply the right fallback.
type Identity interface {
	GetForID(ctx context.Context, namespace, id string) (Record, error)
	GetWithKey(ctx context.Context, namespace, name string, key []string) (Record, error)
	GetOrCreateWithKey(ctx context.Context, namespace string, input CreateInput) (rec Record, created bool, err error)
	CreateActor(ctx context.Context, namespace string, input CreateInput) (Record, error)
	ListActors(ctx context.Context, namespace string, opts ListOptions) ([]Record, error)
}

// ListOptions narrows a ListActors call. Exactly one of ActorIDs or
// (Name[,Key]) should be set — combining ActorIDs with Name/Key is rejected
// by the manager HTTP API before it reaches the driver.
type ListOptions struct {
	ActorIDs []string
	Name     string
	Key      []string
}

// Transport is the set of operations that move client traffic to the actor
// identified by actorID, wherever it is currently hosted.
type Transport interface {
	// SendRequest performs a one-shot HTTP request against the actor and
	// returns its response. Used by the stateless handle (C6) and by the
	// queue sender (C5).
	SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error)

	// OpenWebSocket dials a WebSocket to the actor's connect endpoint for a
	// stateful client connection (C7).
	OpenWebSocket(ctx context.Context, path, actorID, encoding string, params map[string]string) (Socket, error)

	// ProxyRequest forwards an inbound HTTP request to the actor and copies
	// its response back. Used by the gateway (C4).
	ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, actorID string) error

	// ProxyWebSocket upgrades an inbound HTTP request to a WebSocket and
	// proxies frames bidirectionally with the actor's own socket.
	ProxyWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, path, actorID, encoding string, params map[string]string) error
}

// Socket is the minimal duplex frame interface a Transport hands back from
// OpenWebSocket; client.Conn depends only on this, not on gorilla directly,
// so tests can substitute an in-memory implementation.
type Socket interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	CloseWithReason(code int, reason string) error
}

// Driver is the full manager driver contract (C3): identity plus transport.
type Driver interface {
	Identity
	Transport
}
