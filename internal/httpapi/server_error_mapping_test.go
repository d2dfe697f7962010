package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"gpupool/internal/poolerr"
	"gpupool/pkg/types"
)

// stubService fails every inference with err. Methods a test does not
// exercise panic through the nil embedded interface.
type stubService struct {
	Service
	ready bool
	err   error
}

func (s *stubService) Ready() bool { return s.ready }

func (s *stubService) RunInference(ctx context.Context, deviceID string, req types.InferRequest) (types.InferResponse, error) {
	return types.InferResponse{}, s.err
}

func (s *stubService) Postprocess(context.Context) error {
	return poolerr.New(poolerr.KindNotImplemented, "pool.postprocess", "postprocessing is not implemented")
}

func TestInfer_ErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
		kind string
	}{
		{poolerr.NotFound("pool.infer", "model %q not found", "m"), http.StatusNotFound, "not_found"},
		{poolerr.New(poolerr.KindUnavailable, "pool.infer", "no device"), http.StatusServiceUnavailable, "unavailable"},
		{poolerr.New(poolerr.KindInsufficientMemory, "vram.promote", "too big"), http.StatusInsufficientStorage, ""},
		{fmt.Errorf("wrapped: %w", poolerr.New(poolerr.KindWorkerCrashed, "worker", "exit 139")), http.StatusBadGateway, ""},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, ""},
		{errors.New("boom"), http.StatusInternalServerError, ""},
	}
	for _, tc := range cases {
		r := NewMux(&stubService{err: tc.err})
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"model":"m","prompt":"hi"}`))
		req.Header.Set("Content-Type", "application/json")
		r.ServeHTTP(w, req)
		if w.Code != tc.want {
			t.Fatalf("%v: expected %d, got %d", tc.err, tc.want, w.Code)
		}
		var body types.ErrorResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("json: %v", err)
		}
		if body.Success || body.Code != tc.want || body.Error == "" {
			t.Fatalf("unexpected error body: %+v", body)
		}
		if tc.kind != "" && body.Kind != tc.kind {
			t.Fatalf("kind=%q want %q", body.Kind, tc.kind)
		}
	}
}

func TestPostprocess_NotImplemented(t *testing.T) {
	w := httptest.NewRecorder()
	NewMux(&stubService{}).ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/postprocess", nil))
	if w.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", w.Code)
	}
}

func TestReadyz(t *testing.T) {
	for _, ready := range []bool{true, false} {
		w := httptest.NewRecorder()
		NewMux(&stubService{ready: ready}).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		want := http.StatusOK
		if !ready {
			want = http.StatusServiceUnavailable
		}
		if w.Code != want {
			t.Fatalf("ready=%v: status=%d", ready, w.Code)
		}
	}
}

func TestDecodeJSON_Rejections(t *testing.T) {
	r := NewMux(&stubService{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"model":"m"}`)))
	if w.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("missing content type: expected 415, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"model":`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("bad json: expected 400, got %d", w.Code)
	}

	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"prompt":"no model"}`))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing model: expected 400, got %d", w.Code)
	}

	SetMaxBodyBytes(16)
	defer SetMaxBodyBytes(0)
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/infer", bytes.NewBufferString(`{"model":"m","prompt":"this body is too long"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized body: expected 413, got %d", w.Code)
	}
}

func TestCORS_PreflightWhenEnabled(t *testing.T) {
	SetCORSOptions(true, []string{"http://ui.local"}, nil, nil)
	defer SetCORSOptions(false, nil, nil, nil)
	r := NewMux(&stubService{})
	req := httptest.NewRequest(http.MethodOptions, "/devices", nil)
	req.Header.Set("Origin", "http://ui.local")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://ui.local" {
		t.Fatalf("allow-origin=%q", got)
	}
}
