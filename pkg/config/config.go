package config

import (
	"fmt"
	"time"
)

// Config is the top-level ofprobe configuration.
type Config struct {
	Run             RunConfig        `yaml:"run"`
	Correlator      CorrelatorConfig `yaml:"correlator"`
	Sink            SinkConfig       `yaml:"sink"`
	Analysis        AnalysisConfig   `yaml:"analysis"`
	Metrics         MetricsConfig    `yaml:"metrics"`
	Ingest          IngestConfig     `yaml:"ingest"`
	Archive         ArchiveConfig    `yaml:"archive"`
	SummaryInterval time.Duration    `yaml:"summary_interval"`
}

// RunConfig describes the measured deployment. An empty ID gets a fresh uuid.
type RunConfig struct {
	ID              string `yaml:"id"`
	Protocol        string `yaml:"protocol"`
	Controller      string `yaml:"controller"`
	OpenFlowVersion string `yaml:"openflow_version"`
	ReportPath      string `yaml:"report_path"`
}

// CorrelatorConfig configures request/response matching.
type CorrelatorConfig struct {
	Timeout       time.Duration `yaml:"correlation_timeout"`
	Signature     string        `yaml:"flow_signature"` // "l2" or "5tuple"
	QueueSize     int           `yaml:"queue_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// SinkConfig configures the event log.
type SinkConfig struct {
	Format        string        `yaml:"format"` // "jsonl" or "badger"
	Path          string        `yaml:"path"`
	BatchSize     int           `yaml:"batch_size"`
	MaxBuffered   int           `yaml:"max_buffered"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// AnalysisConfig parameterizes report computation.
type AnalysisConfig struct {
	BucketWidth    time.Duration `yaml:"bucket_width"`
	SizeLimitRaw   string        `yaml:"size_limit"`
	SizeLimit      int64         `yaml:"-"`
	MinSampleSize  int           `yaml:"min_sample_size"`
	HeaderBytes    int           `yaml:"header_bytes"`
	AltHeaderBytes int           `yaml:"alt_header_bytes"`
}

// MetricsConfig configures the Prometheus metrics and health endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled"` // pointer to distinguish unset from false; default true
	Addr    string `yaml:"addr"`    // listen address; default ":9090"
}

// MetricsEnabled returns whether the metrics server should run.
func (m MetricsConfig) MetricsEnabled() bool {
	if m.Enabled == nil {
		return true // default: enabled
	}
	return *m.Enabled
}

// IngestConfig configures the HTTP ingest API.
type IngestConfig struct {
	Addr       string `yaml:"addr"`
	MaxBodyRaw string `yaml:"max_body"`
	MaxBody    int64  `yaml:"-"`
}

// ArchiveConfig configures where closed logs are uploaded.
type ArchiveConfig struct {
	Backend  string          `yaml:"backend"` // name of one entry in Backends
	Prefix   string          `yaml:"prefix"`
	Backends []BackendConfig `yaml:"backends"`
}

// BackendConfig describes a single rclone remote.
type BackendConfig struct {
	Name   string            `yaml:"name"`
	Type   string            `yaml:"type"`
	Config map[string]string `yaml:"config"`
}

// Validate checks the configuration for logical errors.
func (c *Config) Validate() error {
	if c.Correlator.Timeout < 0 {
		return fmt.Errorf("config: correlation_timeout must be positive, got %s", c.Correlator.Timeout)
	}
	switch c.Correlator.Signature {
	case "", "l2", "5tuple":
	default:
		return fmt.Errorf("config: unknown flow_signature %q", c.Correlator.Signature)
	}
	if c.Correlator.QueueSize < 0 {
		return fmt.Errorf("config: queue_size must be positive, got %d", c.Correlator.QueueSize)
	}
	switch c.Sink.Format {
	case "", "jsonl", "badger":
	default:
		return fmt.Errorf("config: unknown sink format %q", c.Sink.Format)
	}
	if c.Sink.BatchSize > 0 && c.Sink.MaxBuffered > 0 && c.Sink.MaxBuffered < c.Sink.BatchSize {
		return fmt.Errorf("config: sink max_buffered (%d) must be at least batch_size (%d)",
			c.Sink.MaxBuffered, c.Sink.BatchSize)
	}
	if c.Analysis.BucketWidth < 0 {
		return fmt.Errorf("config: bucket_width must be positive, got %s", c.Analysis.BucketWidth)
	}
	if c.Analysis.SizeLimit < 0 {
		return fmt.Errorf("config: size_limit must be positive, got %d", c.Analysis.SizeLimit)
	}
	if c.Analysis.MinSampleSize < 0 {
		return fmt.Errorf("config: min_sample_size must be positive, got %d", c.Analysis.MinSampleSize)
	}

	names := make(map[string]bool)
	for _, be := range c.Archive.Backends {
		if be.Name == "" {
			return fmt.Errorf("config: backend name cannot be empty")
		}
		if be.Type == "" {
			return fmt.Errorf("config: backend %q has empty type", be.Name)
		}
		if names[be.Name] {
			return fmt.Errorf("config: duplicate backend name %q", be.Name)
		}
		names[be.Name] = true
	}
	if c.Archive.Backend != "" && !names[c.Archive.Backend] {
		return fmt.Errorf("config: archive backend %q is not defined", c.Archive.Backend)
	}
	return nil
}

// ArchiveBackend returns the configured archive remote, or false when
// archiving is not set up.
func (c *Config) ArchiveBackend() (BackendConfig, bool) {
	for _, be := range c.Archive.Backends {
		if be.Name == c.Archive.Backend {
			return be, true
		}
	}
	return BackendConfig{}, false
}
