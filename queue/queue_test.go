package queue

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"testing"
	"time"

	"github.com/rivetkit-go/rivetkit/driver"
)

type fakeTransport struct {
	lastReq *http.Request
	status  int
	body    string
}

func (f *fakeTransport) SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	f.lastReq = req
	return &http.Response{
		StatusCode: f.status,
		Body:       io.NopCloser(bytes.NewBufferString(f.body)),
	}, nil
}
func (f *fakeTransport) OpenWebSocket(ctx context.Context, path, actorID, encoding string, params map[string]string) (driver.Socket, error) {
	return nil, nil
}
func (f *fakeTransport) ProxyRequest(ctx context.Context, w http.ResponseWriter, r *http.Request, actorID string) error {
	return nil
}
func (f *fakeTransport) ProxyWebSocket(ctx context.Context, w http.ResponseWriter, r *http.Request, path, actorID, encoding string, params map[string]string) error {
	return nil
}

func TestSendFireAndForget(t *testing.T) {
	ft := &fakeTransport{status: 200, body: "{}"}
	s := NewSender(ft, "actor-1", "text")

	res, err := s.Send(context.Background(), "jobs", []byte("hi"), Options{})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusCompleted {
		t.Fatalf("expected completed status for fire-and-forget, got %v", res.Status)
	}
	if ft.lastReq.URL.Path != "/queue/jobs" {
		t.Fatalf("unexpected path: %s", ft.lastReq.URL.Path)
	}
}

func TestSendWaitDecodesServerStatus(t *testing.T) {
	ft := &fakeTransport{status: 200, body: `{"status":"timedOut"}`}
	s := NewSender(ft, "actor-1", "text")

	res, err := s.Send(context.Background(), "jobs", []byte("hi"), Options{Wait: true, Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.Status != StatusTimedOut {
		t.Fatalf("expected timedOut, got %v", res.Status)
	}
}

func TestProxyDedupesQueueHandles(t *testing.T) {
	ft := &fakeTransport{status: 200, body: "{}"}
	p := NewProxy(NewSender(ft, "actor-1", "text"))

	q1 := p.Queue("jobs")
	q2 := p.Queue("jobs")
	if q1 != q2 {
		t.Fatalf("expected the same Queue instance for repeated names")
	}
}

func TestSendNonSuccessStatus(t *testing.T) {
	ft := &fakeTransport{status: 500, body: "boom"}
	s := NewSender(ft, "actor-1", "text")

	if _, err := s.Send(context.Background(), "jobs", []byte("hi"), Options{}); err == nil {
		t.Fatalf("expected error on non-2xx status")
	}
}
