package telemetry

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetrics_NilSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.ConnOpened()
	m.ConnClosed()
	m.SetOnline(3)
	m.Handshake("ok")
	m.SendOutcome(SendConfirmed, time.Millisecond)
	m.Delivery(true)
	m.Dropped("online_users")
	m.HTTPRequest("GET", "2xx")
	if m.Registry() != nil {
		t.Fatalf("nil metrics must have nil registry")
	}
}

func TestMetrics_Counters(t *testing.T) {
	t.Parallel()

	m := New()
	m.ConnOpened()
	m.ConnOpened()
	m.ConnClosed()
	m.SetOnline(1)
	m.SendOutcome(SendConfirmed, 5*time.Millisecond)
	m.SendOutcome(SendFailed, 0)
	m.Delivery(false)

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Fatalf("connections: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.online); got != 1 {
		t.Fatalf("online: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.sends.WithLabelValues(SendConfirmed)); got != 1 {
		t.Fatalf("confirmed sends: got %v want 1", got)
	}
	if got := testutil.ToFloat64(m.deliveries.WithLabelValues("offline")); got != 1 {
		t.Fatalf("offline deliveries: got %v want 1", got)
	}
}

func TestMetrics_Handler(t *testing.T) {
	t.Parallel()

	m := New()
	m.Handshake("ok")

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rr.Body)

	if rr.Code != 200 {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(string(body), `courier_ws_handshakes_total{result="ok"} 1`) {
		t.Fatalf("handshake counter missing from exposition:\n%s", body)
	}
}
