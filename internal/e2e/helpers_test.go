package e2e

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"gpupool/internal/config"
	"gpupool/internal/device"
	"gpupool/internal/httpapi"
	"gpupool/internal/pool"
)

const gib = int64(1 << 30)

// buildFakeWorker compiles the protocol fake shared with the worker tests.
func buildFakeWorker(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("builds a subprocess worker")
	}
	bin := filepath.Join(t.TempDir(), "fake_worker")
	cmd := exec.Command("go", "build", "-o", bin, "../worker/testdata/fake_worker.go")
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("build fake_worker: %v: %s", err, string(out))
	}
	return bin
}

// createTempModelsDir writes minimal safetensors files and returns the dir.
func createTempModelsDir(t *testing.T, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		b := make([]byte, size)
		binary.LittleEndian.PutUint64(b[:8], 2)
		copy(b[8:], "{}")
		p := filepath.Join(dir, name+".safetensors")
		if err := os.WriteFile(p, b, 0o644); err != nil {
			t.Fatalf("write temp model %s: %v", p, err)
		}
	}
	return dir
}

// newServer runs a pool whose workers are real subprocesses behind an
// httptest server.
func newServer(t *testing.T, workerBin, modelsDir string, devs []device.Device) (*httptest.Server, *pool.Pool) {
	t.Helper()
	auto := true
	cfg := config.Config{
		ModelDir:          modelsDir,
		OutputDir:         filepath.Join(t.TempDir(), "out"),
		MaxRAMCacheGB:     1,
		WorkerCommand:     []string{workerBin},
		AutoStartWorkers:  &auto,
		HeartbeatInterval: 60,
		MessageTimeout:    5,
		TaskTimeout:       5,
	}
	p, err := pool.New(context.Background(), pool.Options{
		Config:     cfg,
		Enumerator: device.StaticEnumerator(devs),
		Registerer: prometheus.NewRegistry(),
		Logger:     zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("pool.New: %v", err)
	}
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("pool.Start: %v", err)
	}
	srv := httptest.NewServer(httpapi.NewMux(p))
	t.Cleanup(func() {
		srv.Close()
		p.Close()
	})
	return srv, p
}

func waitReady(t *testing.T, base string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		resp, _ := httpGet(t, base+"/readyz")
		if resp.StatusCode == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("pool did not become ready, last status %d", resp.StatusCode)
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func httpGet(t *testing.T, url string) (*http.Response, []byte) {
	t.Helper()
	return do(t, http.MethodGet, url, nil)
}

func httpPostJSON(t *testing.T, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	return do(t, http.MethodPost, url, payload)
}

func do(t *testing.T, method, url string, payload any) (*http.Response, []byte) {
	t.Helper()
	var body io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, url, body)
	if err != nil {
		t.Fatalf("new req: %v", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do req: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	return resp, b
}

func decode(t *testing.T, b []byte, v any) {
	t.Helper()
	if err := json.Unmarshal(b, v); err != nil {
		t.Fatalf("decode %q: %v", string(b), err)
	}
}
