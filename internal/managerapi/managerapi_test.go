package managerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"

	"github.com/rivetkit-go/rivetkit/driver"
)

type fakeDriver struct {
	records map[string]driver.Record
	byKey   map[string]driver.Record
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{records: map[string]driver.Record{}, byKey: map[string]driver.Record{}}
}

func keyOf(name string, key []string) string {
	s := name
	for _, k := range key {
		s += "/" + k
	}
	return s
}

func (f *fakeDriver) GetForID(ctx context.Context, namespace, id string) (driver.Record, error) {
	rec, ok := f.records[id]
	if !ok {
		return driver.Record{}, driver.ErrNotFound
	}
	return rec, nil
}
func (f *fakeDriver) GetWithKey(ctx context.Context, namespace, name string, key []string) (driver.Record, error) {
	rec, ok := f.byKey[keyOf(name, key)]
	if !ok {
		return driver.Record{}, driver.ErrNotFound
	}
	return rec, nil
}
func (f *fakeDriver) GetOrCreateWithKey(ctx context.Context, namespace string, input driver.CreateInput) (driver.Record, bool, error) {
	if rec, ok := f.byKey[keyOf(input.Name, input.Key)]; ok {
		return rec, false, nil
	}
	rec, err := f.CreateActor(ctx, namespace, input)
	return rec, true, err
}
func (f *fakeDriver) CreateActor(ctx context.Context, namespace string, input driver.CreateInput) (driver.Record, error) {
	rec := driver.Record{ActorID: "actor-" + input.Name + "-1", Name: input.Name, Key: input.Key, NamespaceID: namespace}
	f.records[rec.ActorID] = rec
	f.byKey[keyOf(input.Name, input.Key)] = rec
	return rec, nil
}
func (f *fakeDriver) ListActors(ctx context.Context, namespace string, opts driver.ListOptions) ([]driver.Record, error) {
	if len(opts.ActorIDs) > 0 && (opts.Name != "" || len(opts.Key) > 0) {
		return nil, driver.ErrInvalidListOptions
	}
	var out []driver.Record
	for _, rec := range f.records {
		if opts.Name != "" && rec.Name != opts.Name {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}
func (f *fakeDriver) SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	return nil, nil
}
func (f *fakeDriver) OpenWebSocket(ctx context.Context, path, actorID, encoding string, params map[string]string) (driver.Socket, error) {
	return nil, nil
}
func (f *fakeDriver) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, actorID string) error {
	return nil
}
func (f *fakeDriver) ProxyWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, path, actorID, encoding string, params map[string]string) error {
	return nil
}

func TestHealthAndMetadata(t *testing.T) {
	router := NewRouter(Config{Driver: newFakeDriver(), Namespace: "ns", Version: "test"})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metadata", nil))
	var body map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["data"]["version"] != "test" {
		t.Fatalf("unexpected metadata: %v", body)
	}
}

func TestCreateAndGetOrCreateActor(t *testing.T) {
	drv := newFakeDriver()
	router := NewRouter(Config{Driver: drv, Namespace: "ns"})

	body := `{"name":"counter","key":["room-1"]}`
	req := httptest.NewRequest(http.MethodPut, "/actors", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["data"]["created"] != true {
		t.Fatalf("expected created=true, got %v", resp["data"])
	}

	// Second call should find the existing actor.
	req = httptest.NewRequest(http.MethodPut, "/actors", strings.NewReader(body))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp["data"]["created"] != false {
		t.Fatalf("expected created=false on second call, got %v", resp["data"])
	}
}

func TestListActorsRejectsCombinedFilters(t *testing.T) {
	drv := newFakeDriver()
	router := NewRouter(Config{Driver: drv, Namespace: "ns"})

	req := httptest.NewRequest(http.MethodGet, "/actors?actor_ids=a1,a2&name=counter", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestBearerAuthRequired(t *testing.T) {
	drv := newFakeDriver()
	router := NewRouter(Config{Driver: drv, Namespace: "ns", BearerToken: "secret"})

	req := httptest.NewRequest(http.MethodGet, "/actors", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "client"})
	signed, err := tok.SignedString([]byte("secret"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req = httptest.NewRequest(http.MethodGet, "/actors", nil)
	req.Header.Set("Authorization", "Bearer "+signed)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid token, got %d: %s", rec.Code, rec.Body.String())
	}
}
