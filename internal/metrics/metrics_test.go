package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/funnyzak/tapkit/pkg/progress"
	"github.com/funnyzak/tapkit/pkg/registry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())

	c.ObserveRequest("orders", 200, 120*time.Millisecond)
	c.ObserveRequest("orders", 0, time.Second)
	c.CaptureResult("orders", "captured")
	c.CaptureResult("orders", "dropped")
	c.ObserveBuild("orders", false, nil)
	c.ObserveBuild("orders", true, errors.New("boom"))

	if got := testutil.ToFloat64(c.requests.WithLabelValues("orders", "200")); got != 1 {
		t.Fatalf("expected 1 ok request, got %v", got)
	}
	if got := testutil.ToFloat64(c.requests.WithLabelValues("orders", "0")); got != 1 {
		t.Fatalf("expected 1 failed request, got %v", got)
	}
	if got := testutil.ToFloat64(c.captures.WithLabelValues("orders", "dropped")); got != 1 {
		t.Fatalf("expected 1 dropped capture, got %v", got)
	}
	if got := testutil.ToFloat64(c.builds.WithLabelValues("orders", "error")); got != 1 {
		t.Fatalf("expected 1 failed build, got %v", got)
	}
	if n := testutil.CollectAndCount(c.requestDuration); n != 1 {
		t.Fatalf("expected one duration series, got %d", n)
	}
}

func TestResetObserver(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	observe := ResetObserver[string](c)

	observe(registry.Event[string]{Phase: registry.PhaseResetBefore, Key: "k"})
	observe(registry.Event[string]{Phase: registry.PhaseReset, Key: "k"})

	if got := testutil.ToFloat64(c.resets.WithLabelValues("k")); got != 1 {
		t.Fatalf("only completed resets count, got %v", got)
	}
}

func TestBytesListener(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry())
	listen := c.Bytes("files", "download")

	listen(progress.Event{Phase: progress.PhaseStart, Total: 100})
	listen(progress.Event{Phase: progress.PhaseProgress, Total: 100, Current: 40})
	listen(progress.Event{Phase: progress.PhaseProgress, Total: 100, Current: 100})
	listen(progress.Event{Phase: progress.PhaseFinish, Total: 100, Current: 100})

	if got := testutil.ToFloat64(c.progressBytes.WithLabelValues("files", "download")); got != 100 {
		t.Fatalf("expected 100 bytes, got %v", got)
	}
}

func TestHandler(t *testing.T) {
	c := NewCollector(nil)
	c.ObserveRequest("orders", 503, time.Millisecond)

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `tapkit_transport_requests_total{code="503",service="orders"} 1`) {
		t.Fatalf("metric missing from exposition:\n%s", body)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Fatal("expected runtime collectors on a fresh registry")
	}
}
