// Package main provides the ofprobe-ctl CLI for offline analysis and run
// archive operations.
//
// Usage:
//
//	ofprobe-ctl analyze --log <path> [--store jsonl|badger] [--format json|table|csv] [--partial] [--out <file>]
//	ofprobe-ctl dump --log <path> [--store jsonl|badger] [--kind event|sample|outcome]
//	ofprobe-ctl status [--addr http://localhost:8080]
//	ofprobe-ctl finalize [--addr http://localhost:8080]
//	ofprobe-ctl archive --config <file> --log <path> [--store jsonl|badger] [--backend <name>]
//	ofprobe-ctl fetch --config <file> --run-id <id> --out <file> [--backend <name>]
//	ofprobe-ctl runs --config <file> [--backend <name>]
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ofprobe/ofprobe/pkg/aggregate"
	"github.com/ofprobe/ofprobe/pkg/archive"
	"github.com/ofprobe/ofprobe/pkg/backend"
	"github.com/ofprobe/ofprobe/pkg/config"
	"github.com/ofprobe/ofprobe/pkg/control"
	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

const rule = "────────────────────────────────────"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "analyze":
		runAnalyze(os.Args[2:])
	case "dump":
		runDump(os.Args[2:])
	case "status":
		runStatus(os.Args[2:])
	case "finalize":
		runFinalize(os.Args[2:])
	case "archive":
		runArchive(os.Args[2:])
	case "fetch":
		runFetch(os.Args[2:])
	case "runs":
		runRuns(os.Args[2:])
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, "ofprobe-ctl: OpenFlow control-channel probe CLI\n\n")
	fmt.Fprint(os.Stderr, "Usage:\n")
	fmt.Fprint(os.Stderr, "  ofprobe-ctl <command> [flags]\n\n")
	fmt.Fprint(os.Stderr, "Commands:\n")
	fmt.Fprint(os.Stderr, "  analyze   Compute the report of a closed event log\n")
	fmt.Fprint(os.Stderr, "  dump      Print the records of an event log\n")
	fmt.Fprint(os.Stderr, "  status    Show live status of a running probe\n")
	fmt.Fprint(os.Stderr, "  finalize  End the run of a running probe\n")
	fmt.Fprint(os.Stderr, "  archive   Upload a closed log and its report to a remote\n")
	fmt.Fprint(os.Stderr, "  fetch     Download an archived log\n")
	fmt.Fprint(os.Stderr, "  runs      List archived runs\n\n")
	fmt.Fprint(os.Stderr, "Use \"ofprobe-ctl <command> --help\" for more information about a command.\n")
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
}

func loadConfig(path string) *config.Config {
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		slog.Error("failed to load config", "path", path, "error", err)
		os.Exit(1)
	}
	return cfg
}

func openLog(store, path string) telemetry.Reader {
	if path == "" {
		fmt.Fprintln(os.Stderr, "Error: --log is required")
		os.Exit(1)
	}
	r, err := telemetry.OpenLog(store, path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return r
}

func analysisOptions(cfg *config.Config) aggregate.Options {
	return aggregate.Options{
		BucketWidth:    cfg.Analysis.BucketWidth,
		SizeLimit:      int(cfg.Analysis.SizeLimit),
		MinSampleSize:  cfg.Analysis.MinSampleSize,
		HeaderBytes:    cfg.Analysis.HeaderBytes,
		AltHeaderBytes: cfg.Analysis.AltHeaderBytes,
	}
}

// runAnalyze implements "ofprobe-ctl analyze".
func runAnalyze(args []string) {
	fs := flag.NewFlagSet("analyze", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (analysis defaults)")
	logPath := fs.String("log", "", "Event log path (required)")
	store := fs.String("store", "jsonl", "Event log format: jsonl or badger")
	format := fs.String("format", "table", "Output format: json, table or csv")
	partial := fs.Bool("partial", false, "Analyze a log without its end marker")
	bucket := fs.Duration("bucket-width", 0, "Throughput bucket width (overrides config)")
	sizeLimit := fs.String("size-limit", "", "Transport message size limit, e.g. 65507 or 64KB (overrides config)")
	minSamples := fs.Int("min-samples", 0, "Minimum sample size (overrides config)")
	out := fs.String("out", "", "Write output to this file instead of stdout")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: ofprobe-ctl analyze [flags]\n\n")
		fmt.Fprint(os.Stderr, "Replay an event log and print its latency, throughput and size report.\n")
		fmt.Fprint(os.Stderr, "Re-running on the same log produces identical output.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  ofprobe-ctl analyze --log ofprobe-events.jsonl\n")
		fmt.Fprint(os.Stderr, "  ofprobe-ctl analyze --log /var/lib/ofprobe/run --store badger --format json --out report.json\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	opts := analysisOptions(cfg)
	opts.AllowPartial = *partial
	if *bucket > 0 {
		opts.BucketWidth = *bucket
	}
	if *sizeLimit != "" {
		n, err := config.ParseSize(*sizeLimit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid --size-limit %q: %v\n", *sizeLimit, err)
			os.Exit(1)
		}
		opts.SizeLimit = int(n)
	}
	if *minSamples > 0 {
		opts.MinSampleSize = *minSamples
	}

	ctx, cancel := signalContext()
	defer cancel()

	rep, err := aggregate.Compute(ctx, openLog(*store, *logPath), opts)
	if errors.Is(err, aggregate.ErrLogOpen) {
		fmt.Fprintln(os.Stderr, "Error: the log has no end marker; pass --partial to analyze it anyway")
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := io.Writer(os.Stdout)
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	switch *format {
	case "json":
		err = aggregate.WriteJSON(w, rep)
	case "table", "text":
		err = aggregate.WriteText(w, rep)
	case "csv":
		err = aggregate.WriteCSV(w, rep)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown --format %q\n", *format)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runDump implements "ofprobe-ctl dump".
func runDump(args []string) {
	fs := flag.NewFlagSet("dump", flag.ExitOnError)
	logPath := fs.String("log", "", "Event log path (required)")
	store := fs.String("store", "jsonl", "Event log format: jsonl or badger")
	kind := fs.String("kind", "", "Only print records of this kind (begin, event, sample, outcome, end)")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: ofprobe-ctl dump [flags]\n\nPrint log records as JSON lines.\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	ctx, cancel := signalContext()
	defer cancel()

	enc := json.NewEncoder(os.Stdout)
	state, err := openLog(*store, *logPath).Replay(ctx, func(rec telemetry.Record) error {
		if *kind != "" && string(rec.Kind) != *kind {
			return nil
		}
		return enc.Encode(rec)
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "%d records, closed=%t, truncated=%t\n", state.Records, state.Closed, state.Truncated)
}

func apiCall(method, url string, v any) {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot reach probe: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		fmt.Fprintf(os.Stderr, "Error: %s: %s\n", resp.Status, strings.TrimSpace(string(body)))
		os.Exit(1)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error: decode response: %v\n", err)
		os.Exit(1)
	}
}

// runStatus implements "ofprobe-ctl status".
func runStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Probe ingest API base URL")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: ofprobe-ctl status [flags]\n\nShow live run status.\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var st control.Status
	apiCall(http.MethodGet, strings.TrimRight(*addr, "/")+"/api/v1/status", &st)

	c := st.Stats.Counters
	fmt.Println("ofprobe Status")
	fmt.Println(rule)
	fmt.Printf("Run:          %s\n", st.RunID)
	fmt.Printf("State:        %s\n", st.State)
	fmt.Printf("Elapsed:      %s\n", time.Duration(st.ElapsedS*float64(time.Second)).Truncate(time.Second))
	fmt.Printf("Protocol:     %s\n", st.Protocol)
	fmt.Printf("Signature:    %s\n", st.Signature)
	fmt.Println()
	fmt.Println("Correlation")
	fmt.Println(rule)
	fmt.Printf("Events:       %d\n", c.Events)
	fmt.Printf("Samples:      %d\n", c.Samples)
	fmt.Printf("Pending:      %d\n", st.Stats.Pending)
	fmt.Printf("Queued:       %d\n", st.Stats.Queued)
	fmt.Printf("Unresolved:   %d (timeout %d, run end %d)\n", c.Unresolved, c.UnresolvedTimeout, c.UnresolvedRunEnd)
	fmt.Printf("Stale:        %d\n", c.Stale)
	fmt.Printf("Orphan:       %d\n", c.Orphan)
	fmt.Printf("Late:         %d\n", c.Late)
	fmt.Printf("Malformed:    %d\n", c.Malformed)
	fmt.Printf("Clamped:      %d\n", c.Clamped)
	if len(st.Stats.Latency) > 0 {
		fmt.Println()
		fmt.Println("Live Latency (approximate)")
		fmt.Println(rule)
		fmt.Printf("%-18s %8s %10s %10s %10s %10s\n", "REQUEST", "COUNT", "MEAN", "P50", "P95", "P99")
		for _, q := range st.Stats.Latency {
			fmt.Printf("%-18s %8d %8.3fms %8.3fms %8.3fms %8.3fms\n",
				q.RequestType, q.Count, q.MeanMs, q.P50Ms, q.P95Ms, q.P99Ms)
		}
	}
	fmt.Println(rule)
}

// runFinalize implements "ofprobe-ctl finalize".
func runFinalize(args []string) {
	fs := flag.NewFlagSet("finalize", flag.ExitOnError)
	addr := fs.String("addr", "http://localhost:8080", "Probe ingest API base URL")
	format := fs.String("format", "table", "Output format: json or table")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: ofprobe-ctl finalize [flags]\n\n")
		fmt.Fprint(os.Stderr, "End the run: pending requests become unresolved, the log is closed and the report printed.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	var rep aggregate.Report
	apiCall(http.MethodPost, strings.TrimRight(*addr, "/")+"/api/v1/finalize", &rep)

	var err error
	if *format == "json" {
		err = aggregate.WriteJSON(os.Stdout, &rep)
	} else {
		err = aggregate.WriteText(os.Stdout, &rep)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupArchiver(cfg *config.Config, name string) (*archive.Archiver, func()) {
	if name == "" {
		name = cfg.Archive.Backend
	}
	if name == "" {
		fmt.Fprintln(os.Stderr, "Error: no archive backend; set archive.backend in the config or pass --backend")
		os.Exit(1)
	}
	reg, err := backend.FromConfig(cfg.Archive.Backends)
	if err != nil {
		slog.Error("failed to create backends", "error", err)
		os.Exit(1)
	}
	be, err := reg.Get(name)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: unknown backend %q\n", name)
		fmt.Fprintln(os.Stderr, "Available backends:")
		for _, n := range reg.Names() {
			fmt.Fprintf(os.Stderr, "  - %s\n", n)
		}
		reg.Close()
		os.Exit(1)
	}
	return archive.New(be, cfg.Archive.Prefix), func() { reg.Close() }
}

// runArchive implements "ofprobe-ctl archive".
func runArchive(args []string) {
	fs := flag.NewFlagSet("archive", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (required)")
	logPath := fs.String("log", "", "Event log path (required)")
	store := fs.String("store", "jsonl", "Event log format: jsonl or badger")
	backendName := fs.String("backend", "", "Backend name (overrides archive.backend)")
	runID := fs.String("run-id", "", "Run id (defaults to the id in the log)")
	noReport := fs.Bool("no-report", false, "Upload the log without computing its report")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: ofprobe-ctl archive [flags]\n\n")
		fmt.Fprint(os.Stderr, "Compress a closed event log with zstd and upload it with its report.\n\n")
		fmt.Fprint(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
		fmt.Fprint(os.Stderr, "\nExamples:\n")
		fmt.Fprint(os.Stderr, "  ofprobe-ctl archive --config ofprobe.yaml --log ofprobe-events.jsonl\n")
		fmt.Fprint(os.Stderr, "  ofprobe-ctl archive --config ofprobe.yaml --log /var/lib/ofprobe/run --store badger --backend s3-lab\n")
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --config is required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	log := openLog(*store, *logPath)
	a, cleanup := setupArchiver(cfg, *backendName)
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	var rep *aggregate.Report
	if !*noReport {
		var err error
		rep, err = aggregate.Compute(ctx, log, analysisOptions(cfg))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
	}
	id := *runID
	if id == "" {
		id = logRunID(ctx, log)
	}

	start := time.Now()
	m, err := a.Upload(ctx, id, log, rep)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Archive Complete")
	fmt.Println(rule)
	fmt.Printf("Run:          %s\n", m.RunID)
	fmt.Printf("Backend:      %s\n", m.Backend)
	fmt.Printf("Log:          %s\n", m.LogPath)
	if m.ReportPath != "" {
		fmt.Printf("Report:       %s\n", m.ReportPath)
	}
	fmt.Printf("Records:      %d\n", m.Records)
	fmt.Printf("Size:         %s -> %s\n", humanBytes(m.RawBytes), humanBytes(m.Compressed))
	if m.RawBytes > 0 {
		fmt.Printf("Ratio:        %.1f%%\n", float64(m.Compressed)/float64(m.RawBytes)*100)
	}
	fmt.Printf("Duration:     %s\n", time.Since(start).Truncate(time.Millisecond))
	fmt.Println(rule)
}

// logRunID reads the run id from the begin record.
func logRunID(ctx context.Context, log telemetry.Reader) string {
	errStop := errors.New("stop")
	var id string
	_, err := log.Replay(ctx, func(rec telemetry.Record) error {
		if rec.Kind == telemetry.KindBegin {
			id = rec.Begin.RunID
		}
		return errStop
	})
	if err != nil && !errors.Is(err, errStop) {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if id == "" {
		fmt.Fprintln(os.Stderr, "Error: the log has no run id; pass --run-id")
		os.Exit(1)
	}
	return id
}

// runFetch implements "ofprobe-ctl fetch".
func runFetch(args []string) {
	fs := flag.NewFlagSet("fetch", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (required)")
	backendName := fs.String("backend", "", "Backend name (overrides archive.backend)")
	runID := fs.String("run-id", "", "Run id (required)")
	out := fs.String("out", "", "Write the decompressed JSONL log here (required)")
	reportOut := fs.String("report-out", "", "Also download the report to this file")
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, "Usage: ofprobe-ctl fetch [flags]\n\nDownload and decompress an archived event log.\n\nFlags:\n")
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	if *configPath == "" || *runID == "" || *out == "" {
		fmt.Fprintln(os.Stderr, "Error: --config, --run-id and --out are required")
		fs.Usage()
		os.Exit(1)
	}

	cfg := loadConfig(*configPath)
	a, cleanup := setupArchiver(cfg, *backendName)
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	f, err := os.Create(*out)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	state, err := a.Fetch(ctx, *runID, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Fetched %d records of run %s to %s\n", state.Records, *runID, *out)

	if *reportOut != "" {
		rep, err := a.FetchReport(ctx, *runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		rf, err := os.Create(*reportOut)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer rf.Close()
		if err := aggregate.WriteJSON(rf, rep); err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Report written to %s\n", *reportOut)
	}
}

// runRuns implements "ofprobe-ctl runs".
func runRuns(args []string) {
	fs := flag.NewFlagSet("runs", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (required)")
	backendName := fs.String("backend", "", "Backend name (overrides archive.backend)")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}
	cfg := loadConfig(*configPath)
	a, cleanup := setupArchiver(cfg, *backendName)
	defer cleanup()

	ctx, cancel := signalContext()
	defer cancel()

	ids, err := a.Runs(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if len(ids) == 0 {
		fmt.Println("No archived runs.")
		return
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

func humanBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	suffix := []string{"KB", "MB", "GB", "TB"}
	if exp >= len(suffix) {
		exp = len(suffix) - 1
	}
	return fmt.Sprintf("%.2f %s", float64(b)/float64(div), suffix[exp])
}
