package metrics_test

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"crate/internal/metrics"
)

func TestCountersAndHandler(t *testing.T) {
	m := metrics.New("")
	m.ObservePush("pushed")
	m.ObservePush("pushed")
	m.ObservePull("quarantined")
	m.ObserveAttestations(3, 1)
	m.ObserveProxyWrite("PUT", "accepted")
	m.SetChainState("valid")

	if got := testutil.ToFloat64(m.Pushes.WithLabelValues("pushed")); got != 2 {
		t.Fatalf("expected 2 pushes, got %v", got)
	}
	if got := testutil.ToFloat64(m.Attestations.WithLabelValues("rejected")); got != 1 {
		t.Fatalf("expected 1 rejected attestation, got %v", got)
	}
	if got := testutil.ToFloat64(m.ChainState.WithLabelValues("invalid")); got != 0 {
		t.Fatalf("invalid state gauge should be 0, got %v", got)
	}

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "crate_sync_pushes_total") {
		t.Fatalf("expected push counter in exposition, got:\n%s", body)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *metrics.Metrics
	m.ObservePush("pushed")
	m.ObservePull("applied")
	m.ObserveAttestations(1, 1)
	m.ObserveProxyWrite("PUT", "accepted")
	m.SetChainState("none")
	if m.Registry() != nil {
		t.Fatal("nil metrics should have no registry")
	}
}
