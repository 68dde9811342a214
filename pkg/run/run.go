// Package run holds the run-scoped context shared by the correlator, the
// sink and the ingest server: identity, metadata and the run timeline.
package run

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// State is the lifecycle state of a run.
type State string

const (
	StateCreated   State = "created"
	StateRunning   State = "running"
	StateFinalized State = "finalized"
)

var (
	ErrNotRunning = errors.New("run: not running")
	ErrStarted    = errors.New("run: already started")
)

// Metadata describes the measured setup. It is copied into the begin record.
type Metadata struct {
	Protocol        string `yaml:"protocol" json:"protocol"`
	Controller      string `yaml:"controller" json:"controller"`
	OpenFlowVersion string `yaml:"openflow_version" json:"openflow_version"`
}

// DefaultMetadata is the baseline TCP / Ryu / OpenFlow 1.3 setup.
var DefaultMetadata = Metadata{
	Protocol:        "TCP",
	Controller:      "Ryu",
	OpenFlowVersion: "1.3",
}

// Run is one measurement run. Timestamps on its timeline are Unix
// nanoseconds computed from the start wall time plus elapsed clock time, so
// they stay monotonic even if the wall clock steps.
type Run struct {
	ID   string
	Meta Metadata
	clk  clock.Clock

	mu        sync.Mutex
	state     State
	startedAt time.Time
	endedAt   time.Time
}

// New creates a run. An empty id is replaced by a random UUID.
func New(id string, meta Metadata, clk clock.Clock) *Run {
	if id == "" {
		id = uuid.NewString()
	}
	if clk == nil {
		clk = clock.New()
	}
	if meta.Protocol == "" {
		meta.Protocol = DefaultMetadata.Protocol
	}
	if meta.Controller == "" {
		meta.Controller = DefaultMetadata.Controller
	}
	if meta.OpenFlowVersion == "" {
		meta.OpenFlowVersion = DefaultMetadata.OpenFlowVersion
	}
	return &Run{ID: id, Meta: meta, clk: clk, state: StateCreated}
}

// Clock returns the run's clock.
func (r *Run) Clock() clock.Clock { return r.clk }

// Start marks the run as started at the current clock time.
func (r *Run) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateCreated {
		return fmt.Errorf("run.Start %s: %w", r.ID, ErrStarted)
	}
	r.state = StateRunning
	r.startedAt = r.clk.Now()
	return nil
}

// Finalize marks the run as finished.
func (r *Run) Finalize() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning {
		return fmt.Errorf("run.Finalize %s: %w", r.ID, ErrNotRunning)
	}
	r.state = StateFinalized
	r.endedAt = r.clk.Now()
	return nil
}

// State returns the lifecycle state.
func (r *Run) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// StartedAt returns the start wall time (zero before Start).
func (r *Run) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// Now returns the current position on the run timeline in Unix nanoseconds.
func (r *Run) Now() int64 {
	r.mu.Lock()
	start := r.startedAt
	r.mu.Unlock()
	if start.IsZero() {
		return r.clk.Now().UnixNano()
	}
	return start.UnixNano() + int64(r.clk.Since(start))
}

// Elapsed returns the time since Start, or the run length once finalized.
func (r *Run) Elapsed() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateRunning:
		return r.clk.Since(r.startedAt)
	case StateFinalized:
		return r.endedAt.Sub(r.startedAt)
	}
	return 0
}

// Info builds the begin record payload.
func (r *Run) Info(timeout time.Duration, signature string) telemetry.RunInfo {
	return telemetry.RunInfo{
		RunID:           r.ID,
		Protocol:        r.Meta.Protocol,
		Controller:      r.Meta.Controller,
		OpenFlowVersion: r.Meta.OpenFlowVersion,
		StartedNs:       r.StartedAt().UnixNano(),
		TimeoutNs:       int64(timeout),
		Signature:       signature,
	}
}
