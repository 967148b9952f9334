package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHandlerExposesRegisteredMetrics(t *testing.T) {
	reg := New()
	reg.ActorsActive.Set(3)
	reg.ActionsTotal.WithLabelValues("success").Inc()

	req := httptest.NewRequest("GET", "/metrics", nil)
	rec := httptest.NewRecorder()
	reg.Handler().ServeHTTP(rec, req)

	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "rivetkit_actors_active 3") {
		t.Fatalf("expected actors_active gauge in output, got:\n%s", body)
	}
	if !strings.Contains(body, `rivetkit_actions_total{outcome="success"} 1`) {
		t.Fatalf("expected actions_total counter in output, got:\n%s", body)
	}
}
