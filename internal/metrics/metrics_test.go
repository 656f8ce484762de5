package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.SyncEvent("a", "b", "created", 1)
	m.SyncPass("a", "b", time.Second)
	m.QueueItem("sync", "completed")
	m.Reconcile("deletion_checks", "deleted", 2)
	m.Webhook("a", "deleted")
	m.BridgeHealth("a", true, time.Millisecond)
	m.JobRun("queue_drain", nil)
	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}
}

func TestCounters(t *testing.T) {
	m := New()
	m.SyncEvent("outlook", "booking", "created", 3)
	m.SyncEvent("outlook", "booking", "created", 0)
	m.QueueItem("deletion", "completed")
	m.QueueItem("deletion", "completed")
	m.JobRun("retry_sweep", errors.New("boom"))

	if got := testutil.ToFloat64(m.syncEvents.WithLabelValues("outlook", "booking", "created")); got != 3 {
		t.Errorf("sync events = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.queueItems.WithLabelValues("deletion", "completed")); got != 2 {
		t.Errorf("queue items = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.jobRuns.WithLabelValues("retry_sweep", "error")); got != 1 {
		t.Errorf("job runs = %v, want 1", got)
	}
}

func TestBridgeHealth(t *testing.T) {
	m := New()
	m.BridgeHealth("dav", true, 250*time.Millisecond)
	if got := testutil.ToFloat64(m.bridgeUp.WithLabelValues("dav")); got != 1 {
		t.Errorf("bridge_up = %v", got)
	}
	m.BridgeHealth("dav", false, time.Second)
	if got := testutil.ToFloat64(m.bridgeUp.WithLabelValues("dav")); got != 0 {
		t.Errorf("bridge_up after failure = %v", got)
	}
}

func TestHandler(t *testing.T) {
	m := New()
	m.Webhook("booking", "created")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `bridgesync_webhooks_received_total{action="created",bridge="booking"} 1`) {
		t.Errorf("metrics output missing webhook counter:\n%s", body)
	}
}
