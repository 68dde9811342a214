package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads and parses an ofprobe configuration file.
// Supports environment variable expansion in string values via ${VAR} syntax.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %s: %w", path, err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %s: %w", path, err)
	}
	if err := cfg.Finish(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	cfg.applyDefaults()
	// The default size strings always parse.
	_ = cfg.parseSizes()
	return &cfg
}

// Finish applies defaults, parses sizes and validates. Call it after
// overriding fields from flags.
func (c *Config) Finish() error {
	c.applyDefaults()
	if err := c.parseSizes(); err != nil {
		return err
	}
	return c.Validate()
}

func (c *Config) applyDefaults() {
	if c.Run.Protocol == "" {
		c.Run.Protocol = "TCP"
	}
	if c.Run.Controller == "" {
		c.Run.Controller = "Ryu"
	}
	if c.Run.OpenFlowVersion == "" {
		c.Run.OpenFlowVersion = "1.3"
	}
	if c.Correlator.Timeout == 0 {
		c.Correlator.Timeout = 5 * time.Second
	}
	if c.Correlator.Signature == "" {
		c.Correlator.Signature = "l2"
	}
	if c.Correlator.QueueSize == 0 {
		c.Correlator.QueueSize = 4096
	}
	if c.Sink.Format == "" {
		c.Sink.Format = "jsonl"
	}
	if c.Sink.Path == "" {
		c.Sink.Path = "ofprobe-events.jsonl"
	}
	if c.Sink.BatchSize == 0 {
		c.Sink.BatchSize = 256
	}
	if c.Sink.MaxBuffered == 0 {
		c.Sink.MaxBuffered = 8 * c.Sink.BatchSize
	}
	if c.Sink.FlushInterval == 0 {
		c.Sink.FlushInterval = time.Second
	}
	if c.Analysis.BucketWidth == 0 {
		c.Analysis.BucketWidth = time.Second
	}
	if c.Analysis.SizeLimitRaw == "" {
		c.Analysis.SizeLimitRaw = "65507"
	}
	if c.Analysis.MinSampleSize == 0 {
		c.Analysis.MinSampleSize = 20
	}
	if c.Analysis.HeaderBytes == 0 {
		c.Analysis.HeaderBytes = 20
	}
	if c.Analysis.AltHeaderBytes == 0 {
		c.Analysis.AltHeaderBytes = 8
	}
	if c.Metrics.Addr == "" {
		c.Metrics.Addr = ":9090"
	}
	if c.Ingest.Addr == "" {
		c.Ingest.Addr = ":8080"
	}
	if c.Ingest.MaxBodyRaw == "" {
		c.Ingest.MaxBodyRaw = "4MB"
	}
	if c.Archive.Prefix == "" {
		c.Archive.Prefix = "runs"
	}
	if c.SummaryInterval == 0 {
		c.SummaryInterval = 30 * time.Second
	}
}

// parseSizes converts human-readable size strings to int64 bytes.
// Returns an error if any user-provided size string is invalid.
func (c *Config) parseSizes() error {
	v, err := ParseSize(c.Analysis.SizeLimitRaw)
	if err != nil {
		return fmt.Errorf("config: invalid analysis.size_limit %q: %w", c.Analysis.SizeLimitRaw, err)
	}
	c.Analysis.SizeLimit = v

	v, err = ParseSize(c.Ingest.MaxBodyRaw)
	if err != nil {
		return fmt.Errorf("config: invalid ingest.max_body %q: %w", c.Ingest.MaxBodyRaw, err)
	}
	c.Ingest.MaxBody = v
	return nil
}

// ParseSize converts a human-readable size like "64KB", "4MB" or "65507" to bytes.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToUpper(s))
	if s == "" || s == "0" {
		return 0, nil
	}

	multipliers := []struct {
		suffix string
		mult   int64
	}{
		{"GB", 1024 * 1024 * 1024},
		{"MB", 1024 * 1024},
		{"KB", 1024},
		{"B", 1},
	}

	for _, m := range multipliers {
		if strings.HasSuffix(s, m.suffix) {
			numStr := strings.TrimSpace(strings.TrimSuffix(s, m.suffix))
			num, err := strconv.ParseFloat(numStr, 64)
			if err != nil {
				return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
			}
			return int64(num * float64(m.mult)), nil
		}
	}

	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("config.ParseSize: invalid size %q: %w", s, err)
	}
	return n, nil
}
