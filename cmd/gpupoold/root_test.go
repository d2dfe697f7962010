package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"gpupool/internal/config"
	"gpupool/internal/device"
)

func TestSplitCSV(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{" a , b , c ", []string{"a", "b", "c"}},
		{"a,,c", []string{"a", "c"}},
		{"", nil},
	}
	for _, c := range cases {
		got := splitCSV(c.in)
		if len(got) != len(c.want) {
			t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
		}
		for i := range got {
			if got[i] != c.want[i] {
				t.Fatalf("%q -> %v, want %v", c.in, got, c.want)
			}
		}
	}
}

func TestParseDevices(t *testing.T) {
	got, err := parseDevices("0, cuda:2")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0] != 0 || got[1] != 2 {
		t.Fatalf("got %v", got)
	}
	if _, err := parseDevices("gpu0"); err == nil {
		t.Fatal("expected error for gpu0")
	}
	if _, err := parseDevices("-1"); err == nil {
		t.Fatal("expected error for negative index")
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "pool.yaml")
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestCheckConfig_FlagsOverrideFile(t *testing.T) {
	path := writeConfig(t, "host: 0.0.0.0\nport: 9000\nmodel_dir: /srv/models\n")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"check-config", "--config", path, "--port", "9100", "--devices", "1,3"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var cfg config.Config
	if err := json.Unmarshal(out.Bytes(), &cfg); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if cfg.Host != "0.0.0.0" || cfg.Port != 9100 || cfg.ModelDir != "/srv/models" {
		t.Fatalf("unexpected config: host=%s port=%d dir=%s", cfg.Host, cfg.Port, cfg.ModelDir)
	}
	if len(cfg.DeviceList) != 2 || cfg.DeviceList[1] != 3 {
		t.Fatalf("device_list=%v", cfg.DeviceList)
	}
	if cfg.MemoryThreshold == 0 {
		t.Fatal("defaults not applied")
	}
}

func TestCheckConfig_Invalid(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"check-config", "--port", "70000"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestDevices_StaticFromConfig(t *testing.T) {
	path := writeConfig(t, "static_devices:\n  - {index: 0, name: a, total_gb: 8}\n  - {index: 1, name: b, total_gb: 24}\n")
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"devices", "--config", path, "--devices", "1", "--json"})
	if err := cmd.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	var devs []device.Device
	if err := json.Unmarshal(out.Bytes(), &devs); err != nil {
		t.Fatalf("decode: %v\n%s", err, out.String())
	}
	if len(devs) != 1 || devs[0].ID != "cuda:1" || devs[0].TotalBytes != 24<<30 {
		t.Fatalf("devices=%+v", devs)
	}
}

func TestNewLogger_JSONWhenNotTerminal(t *testing.T) {
	var buf bytes.Buffer
	log := newLogger(&buf, "warn", "auto")
	log.Info().Msg("hidden")
	log.Warn().Str("k", "v").Msg("shown")
	out := buf.String()
	if bytes.Contains(buf.Bytes(), []byte("hidden")) {
		t.Fatalf("info should be filtered: %q", out)
	}
	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected a JSON line, got %q", out)
	}
	if line["k"] != "v" || line["level"] != "warn" {
		t.Fatalf("line=%v", line)
	}
}
