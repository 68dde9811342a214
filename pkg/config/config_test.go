package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	cfgPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(cfgPath, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return cfgPath
}

func TestLoad(t *testing.T) {
	content := `
run:
  id: lab-42
  controller: Ryu
correlator:
  correlation_timeout: 2s
  flow_signature: 5tuple
  queue_size: 1024
sink:
  format: badger
  path: /var/lib/ofprobe/run
  batch_size: 64
analysis:
  bucket_width: 500ms
  size_limit: 64KB
  min_sample_size: 50
archive:
  backend: lab
  backends:
    - name: lab
      type: local
      config:
        root: /srv/archive
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Run.ID != "lab-42" {
		t.Errorf("Run.ID = %q, want lab-42", cfg.Run.ID)
	}
	if cfg.Correlator.Timeout != 2*time.Second {
		t.Errorf("Correlator.Timeout = %v, want 2s", cfg.Correlator.Timeout)
	}
	if cfg.Correlator.Signature != "5tuple" {
		t.Errorf("Correlator.Signature = %q, want 5tuple", cfg.Correlator.Signature)
	}
	if cfg.Sink.Format != "badger" || cfg.Sink.Path != "/var/lib/ofprobe/run" {
		t.Errorf("Sink = %+v", cfg.Sink)
	}
	if cfg.Sink.MaxBuffered != 8*64 {
		t.Errorf("Sink.MaxBuffered = %d, want 512", cfg.Sink.MaxBuffered)
	}
	if cfg.Analysis.BucketWidth != 500*time.Millisecond {
		t.Errorf("Analysis.BucketWidth = %v, want 500ms", cfg.Analysis.BucketWidth)
	}
	if cfg.Analysis.SizeLimit != 64*1024 {
		t.Errorf("Analysis.SizeLimit = %d, want 64KB", cfg.Analysis.SizeLimit)
	}
	be, ok := cfg.ArchiveBackend()
	if !ok {
		t.Fatal("ArchiveBackend not found")
	}
	if be.Type != "local" || be.Config["root"] != "/srv/archive" {
		t.Errorf("archive backend = %+v", be)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Run.Protocol != "TCP" || cfg.Run.Controller != "Ryu" || cfg.Run.OpenFlowVersion != "1.3" {
		t.Errorf("Run defaults = %+v", cfg.Run)
	}
	if cfg.Correlator.Timeout != 5*time.Second {
		t.Errorf("Default Timeout = %v, want 5s", cfg.Correlator.Timeout)
	}
	if cfg.Correlator.Signature != "l2" {
		t.Errorf("Default Signature = %q, want l2", cfg.Correlator.Signature)
	}
	if cfg.Correlator.QueueSize != 4096 {
		t.Errorf("Default QueueSize = %d, want 4096", cfg.Correlator.QueueSize)
	}
	if cfg.Sink.Format != "jsonl" {
		t.Errorf("Default Sink.Format = %q, want jsonl", cfg.Sink.Format)
	}
	if cfg.Analysis.BucketWidth != time.Second {
		t.Errorf("Default BucketWidth = %v, want 1s", cfg.Analysis.BucketWidth)
	}
	if cfg.Analysis.SizeLimit != 65507 {
		t.Errorf("Default SizeLimit = %d, want 65507", cfg.Analysis.SizeLimit)
	}
	if cfg.Analysis.MinSampleSize != 20 {
		t.Errorf("Default MinSampleSize = %d, want 20", cfg.Analysis.MinSampleSize)
	}
	if cfg.Analysis.HeaderBytes != 20 || cfg.Analysis.AltHeaderBytes != 8 {
		t.Errorf("Default header bytes = %d/%d, want 20/8", cfg.Analysis.HeaderBytes, cfg.Analysis.AltHeaderBytes)
	}
	if cfg.Ingest.Addr != ":8080" || cfg.Ingest.MaxBody != 4*1024*1024 {
		t.Errorf("Ingest defaults = %+v", cfg.Ingest)
	}
	if cfg.SummaryInterval != 30*time.Second {
		t.Errorf("Default SummaryInterval = %v, want 30s", cfg.SummaryInterval)
	}
	if _, ok := cfg.ArchiveBackend(); ok {
		t.Error("ArchiveBackend should be unset by default")
	}
}

func TestDefaultMatchesEmptyFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	if err != nil {
		t.Fatal(err)
	}
	def := Default()
	if def.Analysis != cfg.Analysis || def.Correlator != cfg.Correlator || def.Sink != cfg.Sink {
		t.Errorf("Default() = %+v, want %+v", def, cfg)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("OFPROBE_RUN_ID", "from-env")
	cfg, err := Load(writeConfig(t, "run:\n  id: ${OFPROBE_RUN_ID}\n"))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Run.ID != "from-env" {
		t.Errorf("Run.ID = %q, want from-env", cfg.Run.ID)
	}
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "config.Load") {
		t.Errorf("expected config.Load error, got %v", err)
	}
}

func TestParseSize(t *testing.T) {
	tests := []struct {
		input string
		want  int64
	}{
		{"65507", 65507},
		{"64KB", 64 * 1024},
		{"1.5KB", 1536},
		{"4MB", 4 * 1024 * 1024},
		{"1GB", 1024 * 1024 * 1024},
		{"512B", 512},
		{"4 mb", 4 * 1024 * 1024},
		{"0", 0},
		{"", 0},
	}
	for _, tt := range tests {
		got, err := ParseSize(tt.input)
		if err != nil {
			t.Errorf("ParseSize(%q) error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseSize(%q) = %d, want %d", tt.input, got, tt.want)
		}
	}
}

func TestParseSize_Invalid(t *testing.T) {
	for _, in := range []string{"abc", "KB", "1.2.3MB"} {
		if _, err := ParseSize(in); err == nil {
			t.Errorf("ParseSize(%q) expected error", in)
		}
	}
}

func TestLoad_InvalidSizeLimit(t *testing.T) {
	_, err := Load(writeConfig(t, "analysis:\n  size_limit: lots\n"))
	if err == nil {
		t.Fatal("expected error for invalid size_limit")
	}
	if !strings.Contains(err.Error(), "size_limit") {
		t.Errorf("error = %v, want mention of size_limit", err)
	}
}

func TestLoad_MetricsDisabled(t *testing.T) {
	content := `
metrics:
  enabled: false
  addr: ":9191"
`
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Metrics.MetricsEnabled() {
		t.Error("Metrics should be disabled when set to false")
	}
	if cfg.Metrics.Addr != ":9191" {
		t.Errorf("Metrics.Addr = %q, want :9191", cfg.Metrics.Addr)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errSub string
	}{
		{"ok", func(*Config) {}, ""},
		{"negative timeout", func(c *Config) { c.Correlator.Timeout = -time.Second }, "correlation_timeout"},
		{"bad signature", func(c *Config) { c.Correlator.Signature = "7tuple" }, "flow_signature"},
		{"bad format", func(c *Config) { c.Sink.Format = "sqlite" }, "sink format"},
		{"buffer below batch", func(c *Config) { c.Sink.BatchSize = 100; c.Sink.MaxBuffered = 10 }, "max_buffered"},
		{"negative size limit", func(c *Config) { c.Analysis.SizeLimit = -1 }, "size_limit"},
		{"empty backend name", func(c *Config) {
			c.Archive.Backends = []BackendConfig{{Type: "local"}}
		}, "name cannot be empty"},
		{"empty backend type", func(c *Config) {
			c.Archive.Backends = []BackendConfig{{Name: "a"}}
		}, "empty type"},
		{"duplicate backend", func(c *Config) {
			c.Archive.Backends = []BackendConfig{{Name: "a", Type: "local"}, {Name: "a", Type: "s3"}}
		}, "duplicate"},
		{"undefined archive backend", func(c *Config) { c.Archive.Backend = "missing" }, "not defined"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.errSub == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.errSub) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.errSub)
			}
		})
	}
}
