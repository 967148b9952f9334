package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rivetkit-go/rivetkit/driver"
)

type fakeTransport struct {
	lastActorID     string
	lastPath        string
	lastActorHeader string
	wsActorID       string
	wsEncoding      string
	wsParams        map[string]string
}

func (f *fakeTransport) GetForID(ctx context.Context, namespace, id string) (driver.Record, error) {
	return driver.Record{}, driver.ErrNotFound
}
func (f *fakeTransport) GetWithKey(ctx context.Context, namespace, name string, key []string) (driver.Record, error) {
	return driver.Record{}, driver.ErrNotFound
}
func (f *fakeTransport) GetOrCreateWithKey(ctx context.Context, namespace string, input driver.CreateInput) (driver.Record, bool, error) {
	return driver.Record{}, false, nil
}
func (f *fakeTransport) CreateActor(ctx context.Context, namespace string, input driver.CreateInput) (driver.Record, error) {
	return driver.Record{}, nil
}
func (f *fakeTransport) ListActors(ctx context.Context, namespace string, opts driver.ListOptions) ([]driver.Record, error) {
	return nil, nil
}
func (f *fakeTransport) SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	return nil, nil
}
func (f *fakeTransport) OpenWebSocket(ctx context.Context, path, actorID, encoding string, params map[string]string) (driver.Socket, error) {
	return nil, nil
}
func (f *fakeTransport) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, actorID string) error {
	f.lastActorID = actorID
	f.lastPath = r.URL.Path
	f.lastActorHeader = r.Header.Get(headerActor)
	w.WriteHeader(http.StatusOK)
	return nil
}
func (f *fakeTransport) ProxyWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, path, actorID, encoding string, params map[string]string) error {
	f.wsActorID = actorID
	f.wsEncoding = encoding
	f.wsParams = params
	w.WriteHeader(http.StatusSwitchingProtocols)
	return nil
}

func TestPathBasedRoutingWins(t *testing.T) {
	ft := &fakeTransport{}
	router := NewRouter(Config{Driver: ft, Namespace: "ns"})

	req := httptest.NewRequest(http.MethodGet, "/gateway/actor-123/state", nil)
	req.Header.Set(headerTarget, "actor")
	req.Header.Set(headerActor, "some-other-actor")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ft.lastActorID != "actor-123" {
		t.Fatalf("expected path-based actor id to win, got %q", ft.lastActorID)
	}
	if ft.lastPath != "/state" {
		t.Fatalf("expected subpath /state, got %q", ft.lastPath)
	}
}

func TestHeaderBasedRoutingFallback(t *testing.T) {
	ft := &fakeTransport{}
	router := NewRouter(Config{Driver: ft, Namespace: "ns"})

	req := httptest.NewRequest(http.MethodGet, "/some/other/path", nil)
	req.Header.Set(headerTarget, "actor")
	req.Header.Set(headerActor, "actor-456")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ft.lastActorID != "actor-456" {
		t.Fatalf("expected header-based actor id, got %q", ft.lastActorID)
	}
	if ft.lastActorHeader != "" {
		t.Fatalf("expected X-Rivet-Actor header to be stripped before proxying")
	}
}

func TestMissingActorHeaderRejected(t *testing.T) {
	ft := &fakeTransport{}
	router := NewRouter(Config{Driver: ft, Namespace: "ns"})

	req := httptest.NewRequest(http.MethodGet, "/some/other/path", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestPercentDecodeFailureFallsThroughToHeaders(t *testing.T) {
	ft := &fakeTransport{}
	router := NewRouter(Config{Driver: ft, Namespace: "ns"})

	// httptest.NewRequest rejects an invalid escape in its target, so the
	// undecodable segment is set on the parsed URL directly.
	req := httptest.NewRequest(http.MethodGet, "/gateway/x", nil)
	req.URL.Path = "/gateway/%zz"
	req.URL.RawPath = "/gateway/%zz"
	req.Header.Set(headerTarget, "actor")
	req.Header.Set(headerActor, "actor-789")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ft.lastActorID != "actor-789" {
		t.Fatalf("expected fallthrough to header-based actor id, got %q", ft.lastActorID)
	}
}

func TestWebSocketProtocolHeaderRouting(t *testing.T) {
	ft := &fakeTransport{}
	router := NewRouter(Config{Driver: ft, Namespace: "ns"})

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	req.Header.Set("Sec-WebSocket-Protocol", "target.actor, actor.actor-999, encoding.binary")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if ft.wsActorID != "actor-999" {
		t.Fatalf("expected actor-999, got %q", ft.wsActorID)
	}
	if ft.wsEncoding != "binary" {
		t.Fatalf("expected binary encoding, got %q", ft.wsEncoding)
	}
}
