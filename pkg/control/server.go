// Package control serves the ingest API of a running probe: out-of-process
// controllers post events, operators query status and trigger finalization.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ofprobe/ofprobe/pkg/aggregate"
	"github.com/ofprobe/ofprobe/pkg/correlate"
	"github.com/ofprobe/ofprobe/pkg/run"
	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// ErrNotFinalized is returned when the report is requested before the run ends.
var ErrNotFinalized = errors.New("control: run not finalized")

// Config configures the ingest server.
type Config struct {
	Addr       string            // listen address; default ":8080"
	MaxBody    int64             // request body limit in bytes; default 4MB
	Log        telemetry.Reader  // replays the run's log once it is closed
	Analysis   aggregate.Options // report parameters
	ReportPath string            // if set, the report JSON is written here on finalize
}

// Status is returned by GET /api/v1/status.
type Status struct {
	RunID     string          `json:"run_id"`
	State     run.State       `json:"state"`
	ElapsedS  float64         `json:"elapsed_s"`
	Protocol  string          `json:"protocol"`
	Signature string          `json:"flow_signature"`
	Stats     correlate.Stats `json:"stats"`
}

// Server is the probe's HTTP ingest and control server.
type Server struct {
	cfg  Config
	run  *run.Run
	corr *correlate.Correlator

	mu        sync.Mutex
	finalized bool
	report    *aggregate.Report
	finalErr  error
	done      chan struct{}

	httpSrv *http.Server
}

// NewServer creates a server feeding corr.
func NewServer(cfg Config, r *run.Run, corr *correlate.Correlator) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.MaxBody <= 0 {
		cfg.MaxBody = 4 << 20
	}
	return &Server{
		cfg:  cfg,
		run:  r,
		corr: corr,
		done: make(chan struct{}),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterAPIRoutes(mux)
	return mux
}

// Run starts the HTTP server.
// It blocks until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.httpSrv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("ingest API listening", "component", "control", "addr", s.cfg.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		slog.Info("ingest API shutting down", "component", "control")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("control.Run: %w", err)
		}
		return nil
	}
}

// SetAddr overrides the listen address.
func (s *Server) SetAddr(addr string) {
	s.cfg.Addr = addr
}

// Ingest observes a batch of events in order. It stops at the first error,
// which is correlate.ErrFinalized or a sink fault; the count of events
// observed before it is returned.
func (s *Server) Ingest(events []telemetry.RawEvent) (int, error) {
	for i, ev := range events {
		if err := s.corr.Observe(ev); err != nil {
			return i, err
		}
	}
	return len(events), nil
}

// Status returns the live run status.
func (s *Server) Status() Status {
	cfg := s.corr.Config()
	return Status{
		RunID:     s.run.ID,
		State:     s.run.State(),
		ElapsedS:  s.run.Elapsed().Seconds(),
		Protocol:  s.run.Meta.Protocol,
		Signature: string(cfg.Signature),
		Stats:     s.corr.Stats(),
	}
}

// Finalize ends the run, computes its report and writes it to ReportPath.
// Later calls return the first result.
func (s *Server) Finalize(ctx context.Context) (*aggregate.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finalized {
		return s.report, s.finalErr
	}

	if _, err := s.corr.Finalize(ctx); err != nil {
		if ctx.Err() != nil {
			// Nothing is cached so a later call can retry.
			return nil, err
		}
		s.finish(nil, fmt.Errorf("control.Finalize: %w", err))
		return nil, s.finalErr
	}
	if s.cfg.Log == nil {
		s.finish(nil, nil)
		return nil, nil
	}

	rep, err := aggregate.Compute(ctx, s.cfg.Log, s.cfg.Analysis)
	if err != nil {
		s.finish(nil, fmt.Errorf("control.Finalize: %w", err))
		return nil, s.finalErr
	}
	if s.cfg.ReportPath != "" {
		if err := writeReport(s.cfg.ReportPath, rep); err != nil {
			s.finish(rep, fmt.Errorf("control.Finalize: %w", err))
			return rep, s.finalErr
		}
		slog.Info("report written", "component", "control", "path", s.cfg.ReportPath)
	}
	s.finish(rep, nil)
	return rep, nil
}

func (s *Server) finish(rep *aggregate.Report, err error) {
	s.finalized = true
	s.report = rep
	s.finalErr = err
	close(s.done)
}

// Report returns the report once Finalize has produced one.
func (s *Server) Report() (*aggregate.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.finalized {
		return nil, ErrNotFinalized
	}
	if s.finalErr != nil {
		return nil, s.finalErr
	}
	if s.report == nil {
		return nil, fmt.Errorf("control.Report: no log configured")
	}
	return s.report, nil
}

// Finalized is closed once Finalize has completed.
func (s *Server) Finalized() <-chan struct{} { return s.done }

func writeReport(path string, rep *aggregate.Report) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := aggregate.WriteJSON(f, rep); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
