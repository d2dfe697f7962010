package httpapi

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestMetricsMiddleware_LabelsByRoutePattern checks that device ids in the
// URL collapse into the chi pattern.
func TestMetricsMiddleware_LabelsByRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(MetricsMiddleware)
	r.Post("/devices/{id}/load", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	const pattern = "/devices/{id}/load"
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(pattern, http.MethodPost, "202"))
	for _, id := range []string{"cuda:0", "cuda:1", "cuda:2"} {
		rr := httptest.NewRecorder()
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/devices/"+id+"/load", nil))
		if rr.Code != http.StatusAccepted {
			t.Fatalf("status=%d", rr.Code)
		}
	}
	after := testutil.ToFloat64(httpRequestsTotal.WithLabelValues(pattern, http.MethodPost, "202"))
	if after-before != 3 {
		t.Fatalf("expected 3 requests under %s, got %v", pattern, after-before)
	}
	if got := testutil.ToFloat64(httpInflight.WithLabelValues(http.MethodPost)); got != 0 {
		t.Fatalf("inflight gauge not released: %v", got)
	}
}

func TestMetricsMiddleware_UnroutedFallsBackToPath(t *testing.T) {
	h := MetricsMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/raw", nil))
	if got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("/raw", http.MethodGet, "418")); got < 1 {
		t.Fatalf("expected raw path label, got %v", got)
	}

	mrr := httptest.NewRecorder()
	promhttp.Handler().ServeHTTP(mrr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !bytes.Contains(mrr.Body.Bytes(), []byte("gpupool_http_requests_total")) {
		t.Fatal("gpupool_http_requests_total missing from /metrics")
	}
}
