// Package archive uploads finalized run logs and their reports to a remote
// backend and fetches them back.
//
// A run is stored under <prefix>/<run id>/ as two objects: the log as
// zstd-compressed JSON lines and the report as indented JSON.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"sort"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/ofprobe/ofprobe/pkg/aggregate"
	"github.com/ofprobe/ofprobe/pkg/backend"
	"github.com/ofprobe/ofprobe/pkg/metrics"
	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// Object names inside a run directory.
const (
	LogObject    = "events.jsonl.zst"
	ReportObject = "report.json"
)

// Manifest describes one uploaded run.
type Manifest struct {
	RunID      string `json:"run_id"`
	Backend    string `json:"backend"`
	LogPath    string `json:"log_path"`
	ReportPath string `json:"report_path,omitempty"`
	Records    uint64 `json:"records"`
	RawBytes   int64  `json:"raw_bytes"`
	Compressed int64  `json:"compressed_bytes"`
}

// Archiver reads and writes run archives on one backend.
type Archiver struct {
	be     backend.Backend
	prefix string
}

// New returns an archiver writing under prefix on be.
func New(be backend.Backend, prefix string) *Archiver {
	return &Archiver{be: be, prefix: strings.Trim(prefix, "/")}
}

func (a *Archiver) dir(runID string) string {
	return path.Join(a.prefix, runID)
}

// Upload compresses a finalized log and writes it with its report. rep may be
// nil to upload the log alone. Logs without their end marker are rejected.
func (a *Archiver) Upload(ctx context.Context, runID string, log telemetry.Reader, rep *aggregate.Report) (Manifest, error) {
	m, err := a.upload(ctx, runID, log, rep)
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.ArchiveUploads.WithLabelValues(a.be.Name(), status).Inc()
	return m, err
}

func (a *Archiver) upload(ctx context.Context, runID string, log telemetry.Reader, rep *aggregate.Report) (Manifest, error) {
	if runID == "" || strings.Contains(runID, "/") {
		return Manifest{}, fmt.Errorf("archive.Upload: invalid run id %q", runID)
	}
	m := Manifest{RunID: runID, Backend: a.be.Name(), LogPath: path.Join(a.dir(runID), LogObject)}

	var (
		buf bytes.Buffer
		raw countingWriter
	)
	zw, err := zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return m, fmt.Errorf("archive.Upload: %w", err)
	}
	raw.w = zw
	enc := json.NewEncoder(&raw)
	state, err := log.Replay(ctx, func(rec telemetry.Record) error {
		return enc.Encode(rec)
	})
	if err != nil {
		zw.Close()
		return m, fmt.Errorf("archive.Upload: replay: %w", err)
	}
	if !state.Closed {
		zw.Close()
		return m, fmt.Errorf("archive.Upload: %w", aggregate.ErrLogOpen)
	}
	if err := zw.Close(); err != nil {
		return m, fmt.Errorf("archive.Upload: compress: %w", err)
	}
	m.Records = state.Records
	m.RawBytes = raw.n
	m.Compressed = int64(buf.Len())

	if err := a.be.Write(ctx, m.LogPath, &buf, m.Compressed); err != nil {
		return m, fmt.Errorf("archive.Upload: %w", err)
	}

	if rep != nil {
		var rbuf bytes.Buffer
		if err := aggregate.WriteJSON(&rbuf, rep); err != nil {
			return m, fmt.Errorf("archive.Upload: encode report: %w", err)
		}
		m.ReportPath = path.Join(a.dir(runID), ReportObject)
		if err := a.be.Write(ctx, m.ReportPath, &rbuf, int64(rbuf.Len())); err != nil {
			return m, fmt.Errorf("archive.Upload: %w", err)
		}
	}

	slog.Info("Run archived",
		"component", "archive", "run_id", runID, "backend", a.be.Name(),
		"records", m.Records, "raw_bytes", m.RawBytes, "compressed_bytes", m.Compressed,
	)
	return m, nil
}

// Fetch downloads and decompresses the log of runID into dst. The stream is
// replayed while it is written so a corrupt archive is reported.
func (a *Archiver) Fetch(ctx context.Context, runID string, dst io.Writer) (telemetry.LogState, error) {
	rc, err := a.be.Open(ctx, path.Join(a.dir(runID), LogObject))
	if err != nil {
		return telemetry.LogState{}, fmt.Errorf("archive.Fetch: %w", err)
	}
	defer rc.Close()

	zr, err := zstd.NewReader(rc)
	if err != nil {
		return telemetry.LogState{}, fmt.Errorf("archive.Fetch: %w", err)
	}
	defer zr.Close()

	state, err := telemetry.ReplayJSONL(ctx, io.TeeReader(zr, dst), func(telemetry.Record) error { return nil })
	if err != nil {
		return state, fmt.Errorf("archive.Fetch: %w", err)
	}
	if !state.Closed {
		return state, fmt.Errorf("archive.Fetch: %s: %w", runID, aggregate.ErrLogOpen)
	}
	return state, nil
}

// FetchReport downloads the report of runID.
func (a *Archiver) FetchReport(ctx context.Context, runID string) (*aggregate.Report, error) {
	rc, err := a.be.Open(ctx, path.Join(a.dir(runID), ReportObject))
	if err != nil {
		return nil, fmt.Errorf("archive.FetchReport: %w", err)
	}
	defer rc.Close()

	var rep aggregate.Report
	if err := json.NewDecoder(rc).Decode(&rep); err != nil {
		return nil, fmt.Errorf("archive.FetchReport: %w", err)
	}
	return &rep, nil
}

// Runs lists the archived run ids.
func (a *Archiver) Runs(ctx context.Context) ([]string, error) {
	entries, err := a.be.List(ctx, a.prefix)
	if errors.Is(err, backend.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("archive.Runs: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir {
			ids = append(ids, path.Base(e.Path))
		}
	}
	sort.Strings(ids)
	return ids, nil
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
