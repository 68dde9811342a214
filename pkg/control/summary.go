package control

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/ofprobe/ofprobe/pkg/correlate"
)

// Summary is one periodic progress line.
type Summary struct {
	RunID        string
	Events       uint64
	Samples      uint64
	Unresolved   uint64
	Stale        uint64
	Orphan       uint64
	Malformed    uint64
	Pending      int
	Queued       int
	AvgLatencyMs float64 // sample-weighted over request types; 0 without samples
}

// Summarize condenses live stats into a Summary.
func Summarize(st correlate.Stats) Summary {
	sum := Summary{
		RunID:      st.RunID,
		Events:     st.Counters.Events,
		Samples:    st.Counters.Samples,
		Unresolved: st.Counters.Unresolved,
		Stale:      st.Counters.Stale,
		Orphan:     st.Counters.Orphan,
		Malformed:  st.Counters.Malformed,
		Pending:    st.Pending,
		Queued:     st.Queued,
	}
	var n int64
	var total float64
	for _, q := range st.Latency {
		n += q.Count
		total += q.MeanMs * float64(q.Count)
	}
	if n > 0 {
		sum.AvgLatencyMs = total / float64(n)
	}
	return sum
}

// SummaryLogger periodically logs the progress of a run.
type SummaryLogger struct {
	corr     *correlate.Correlator
	interval time.Duration
	clk      clock.Clock
}

// NewSummaryLogger creates a logger ticking on clk every interval.
func NewSummaryLogger(corr *correlate.Correlator, interval time.Duration, clk clock.Clock) *SummaryLogger {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if clk == nil {
		clk = clock.New()
	}
	return &SummaryLogger{corr: corr, interval: interval, clk: clk}
}

// Run logs a summary on every tick until ctx is cancelled or the run ends,
// then logs a last one.
func (sl *SummaryLogger) Run(ctx context.Context) {
	ticker := sl.clk.Ticker(sl.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sl.corr.Done():
			sl.Log()
			return
		case <-ticker.C:
			sl.Log()
		}
	}
}

// Log writes one summary line and returns it.
func (sl *SummaryLogger) Log() Summary {
	s := Summarize(sl.corr.Stats())
	slog.Info("run summary",
		"component", "control",
		"run", s.RunID,
		"events", s.Events,
		"samples", s.Samples,
		"unresolved", s.Unresolved,
		"stale", s.Stale,
		"orphan", s.Orphan,
		"malformed", s.Malformed,
		"pending", s.Pending,
		"queued", s.Queued,
		"avg_latency_ms", s.AvgLatencyMs,
	)
	return s
}
