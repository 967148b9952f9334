package runnerregistry

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/rivetkit-go/rivetkit/driver"
)

type fakeRunnerConn struct {
	lastActorID string
	sendErr     error
}

func (f *fakeRunnerConn) SendRequest(ctx context.Context, actorID string, req *http.Request) (*http.Response, error) {
	f.lastActorID = actorID
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &http.Response{StatusCode: http.StatusOK, Body: http.NoBody, Header: http.Header{}}, nil
}

func (f *fakeRunnerConn) OpenWebSocket(ctx context.Context, actorID, path, encoding string, params map[string]string) (driver.Socket, error) {
	f.lastActorID = actorID
	return nil, errors.New("not implemented in fake")
}

func TestRegisterAndLookup(t *testing.T) {
	r := New(nil)
	conn := &fakeRunnerConn{}

	r.Register("runner-1", nil, conn)
	if !r.IsConnected("runner-1") {
		t.Fatal("expected runner-1 to be connected")
	}

	r.AssignActor("actor-a", "runner-1")
	got, err := r.connFor("actor-a")
	if err != nil {
		t.Fatalf("connFor: %v", err)
	}
	if got != conn {
		t.Fatal("expected connFor to return the registered connection")
	}
}

func TestConnForUnassignedActor(t *testing.T) {
	r := New(nil)
	if _, err := r.connFor("actor-missing"); err == nil {
		t.Fatal("expected error for unassigned actor")
	}
}

func TestConnForDisconnectedRunner(t *testing.T) {
	r := New(nil)
	conn := &fakeRunnerConn{}
	r.Register("runner-1", nil, conn)
	r.AssignActor("actor-a", "runner-1")

	r.Deregister("runner-1")

	if _, err := r.connFor("actor-a"); err == nil {
		t.Fatal("expected error once the assigned runner disconnects")
	}
}

func TestDeregisterUnknownRunnerIsNoop(t *testing.T) {
	r := New(nil)
	r.Deregister("never-registered") // must not panic
}

func TestUnassignActor(t *testing.T) {
	r := New(nil)
	conn := &fakeRunnerConn{}
	r.Register("runner-1", nil, conn)
	r.AssignActor("actor-a", "runner-1")
	r.UnassignActor("actor-a")

	if _, err := r.connFor("actor-a"); err == nil {
		t.Fatal("expected error after unassigning the actor")
	}
}

func TestWaitForRunnerSucceedsOnceRegistered(t *testing.T) {
	r := New(nil)
	done := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		r.Register("runner-1", nil, &fakeRunnerConn{})
		close(done)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.WaitForRunner(ctx, "runner-1"); err != nil {
		t.Fatalf("WaitForRunner: %v", err)
	}
	<-done
}

func TestPickRunnerForName(t *testing.T) {
	r := New(nil)
	r.Register("runner-1", []string{"counter", "chat"}, &fakeRunnerConn{})

	id, ok := r.PickRunnerForName("chat")
	if !ok || id != "runner-1" {
		t.Fatalf("expected runner-1 for name chat, got %q ok=%v", id, ok)
	}

	if _, ok := r.PickRunnerForName("unknown"); ok {
		t.Fatal("expected no runner for an unregistered name")
	}
}

func TestWaitForRunnerTimesOut(t *testing.T) {
	r := New(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	if err := r.WaitForRunner(ctx, "runner-unknown"); err == nil {
		t.Fatal("expected timeout error")
	}
}
