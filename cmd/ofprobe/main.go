package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/benbjohnson/clock"
	"golang.org/x/sync/errgroup"

	"github.com/ofprobe/ofprobe/pkg/aggregate"
	"github.com/ofprobe/ofprobe/pkg/config"
	"github.com/ofprobe/ofprobe/pkg/control"
	"github.com/ofprobe/ofprobe/pkg/correlate"
	"github.com/ofprobe/ofprobe/pkg/metrics"
	"github.com/ofprobe/ofprobe/pkg/run"
	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "Path to config file (defaults apply when empty)")
	runID := flag.String("run-id", "", "Run id (overrides config; random when unset)")
	timeout := flag.Duration("timeout", 0, "Correlation timeout (overrides config)")
	signature := flag.String("signature", "", "Flow signature: l2 or 5tuple (overrides config)")
	sinkFormat := flag.String("sink-format", "", "Event log format: jsonl or badger (overrides config)")
	sinkPath := flag.String("sink-path", "", "Event log path (overrides config)")
	ingestAddr := flag.String("ingest-addr", "", "Ingest API listen address (overrides config)")
	metricsAddr := flag.String("metrics-addr", "", "Metrics listen address (overrides config)")
	reportPath := flag.String("report", "", "Write the report JSON here on finalize (overrides config)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := flag.String("log-format", "text", "Log format: text or json")
	flag.Parse()

	if err := setupLogging(*logLevel, *logFormat); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	cfg := config.Default()
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "path", *configPath, "error", err)
			os.Exit(1)
		}
	}
	override(&cfg.Run.ID, *runID)
	override(&cfg.Correlator.Signature, *signature)
	override(&cfg.Sink.Format, *sinkFormat)
	override(&cfg.Sink.Path, *sinkPath)
	override(&cfg.Ingest.Addr, *ingestAddr)
	override(&cfg.Metrics.Addr, *metricsAddr)
	override(&cfg.Run.ReportPath, *reportPath)
	if *timeout > 0 {
		cfg.Correlator.Timeout = *timeout
	}
	if err := cfg.Finish(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	if err := serve(cfg); err != nil {
		slog.Error("ofprobe failed", "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	sig, err := correlate.ParseSignature(cfg.Correlator.Signature)
	if err != nil {
		return err
	}

	// ── Event log ─────────────────────────────────────────────────
	store, err := telemetry.OpenStore(cfg.Sink.Format, cfg.Sink.Path)
	if err != nil {
		return err
	}
	clk := clock.New()
	sink := telemetry.NewSink(store, telemetry.SinkConfig{
		BatchSize:     cfg.Sink.BatchSize,
		MaxBuffered:   cfg.Sink.MaxBuffered,
		FlushInterval: cfg.Sink.FlushInterval,
	}, clk)

	// ── Run + correlator ──────────────────────────────────────────
	r := run.New(cfg.Run.ID, run.Metadata{
		Protocol:        cfg.Run.Protocol,
		Controller:      cfg.Run.Controller,
		OpenFlowVersion: cfg.Run.OpenFlowVersion,
	}, clk)
	corr := correlate.New(r, correlate.Config{
		Timeout:       cfg.Correlator.Timeout,
		Signature:     sig,
		QueueSize:     cfg.Correlator.QueueSize,
		SweepInterval: cfg.Correlator.SweepInterval,
	}, sink)

	// The correlator outlives the signal context so shutdown can finalize
	// through the server and write the report.
	if err := corr.Start(context.Background()); err != nil {
		return err
	}

	srv := control.NewServer(control.Config{
		Addr:    cfg.Ingest.Addr,
		MaxBody: cfg.Ingest.MaxBody,
		Log:     logReader(cfg.Sink.Format, cfg.Sink.Path),
		Analysis: aggregate.Options{
			BucketWidth:    cfg.Analysis.BucketWidth,
			SizeLimit:      int(cfg.Analysis.SizeLimit),
			MinSampleSize:  cfg.Analysis.MinSampleSize,
			HeaderBytes:    cfg.Analysis.HeaderBytes,
			AltHeaderBytes: cfg.Analysis.AltHeaderBytes,
		},
		ReportPath: cfg.Run.ReportPath,
	}, r, corr)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	metrics.RegisterHealthCheck("sink", metrics.SinkHealthCheck(sink.Err))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return srv.Run(gctx) })
	if cfg.Metrics.MetricsEnabled() {
		g.Go(func() error { return metrics.MetricsServer(gctx, cfg.Metrics.Addr) })
		slog.Info("metrics server started", "addr", cfg.Metrics.Addr)
	} else {
		slog.Info("metrics server disabled")
	}
	g.Go(func() error {
		control.NewSummaryLogger(corr, cfg.SummaryInterval, clk).Run(gctx)
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-srv.Finalized():
		}
		finCtx, finCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer finCancel()
		rep, err := srv.Finalize(finCtx)
		// Stop the servers once the run is over.
		cancel()
		if err != nil {
			return err
		}
		if rep != nil {
			logReport(rep)
		}
		return nil
	})

	slog.Info("ofprobe running",
		"run", r.ID, "ingest", cfg.Ingest.Addr, "log", cfg.Sink.Path,
		"format", cfg.Sink.Format, "timeout", cfg.Correlator.Timeout, "signature", sig,
	)
	if err := g.Wait(); err != nil {
		return err
	}
	slog.Info("ofprobe stopped cleanly", "run", r.ID)
	return nil
}

func logReader(format, path string) telemetry.Reader {
	if format == telemetry.FormatBadger {
		return telemetry.BadgerReader{Dir: path}
	}
	return telemetry.FileReader{Path: path}
}

func logReport(rep *aggregate.Report) {
	attrs := []any{
		"run", rep.Run.RunID,
		"events", rep.Counters.Events,
		"samples", rep.Latency.Count,
		"unresolved", rep.Counters.Unresolved,
	}
	if rep.Latency.MeanMs != nil {
		attrs = append(attrs, "mean_ms", *rep.Latency.MeanMs, "p99_ms", *rep.Latency.P99Ms)
	}
	if rep.Size.Fits != nil {
		attrs = append(attrs, "max_bytes", *rep.Size.MaxBytes, "fits", *rep.Size.Fits)
	}
	slog.Info("run report", attrs...)
}

func override(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setupLogging(level, format string) error {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", level, err)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler
	switch strings.ToLower(format) {
	case "text", "":
		h = slog.NewTextHandler(os.Stderr, opts)
	case "json":
		h = slog.NewJSONHandler(os.Stderr, opts)
	default:
		return fmt.Errorf("invalid --log-format %q: want text or json", format)
	}
	slog.SetDefault(slog.New(h))
	return nil
}
