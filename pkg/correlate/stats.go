package correlate

import (
	"sort"
	"time"

	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// Stats is a live view of a running correlation.
type Stats struct {
	RunID    string             `json:"run_id"`
	Counters telemetry.Counters `json:"counters"`
	Pending  int                `json:"pending"`
	Queued   int                `json:"queued"`
	Latency  []Quantiles        `json:"latency"`
}

// Quantiles summarizes the live latency histogram of one request type.
// hdrhistogram keeps three significant digits, so these are approximate;
// the aggregate report is computed exactly from the log.
type Quantiles struct {
	RequestType telemetry.MessageType `json:"request_type"`
	Count       int64                 `json:"count"`
	MeanMs      float64               `json:"mean_ms"`
	P50Ms       float64               `json:"p50_ms"`
	P95Ms       float64               `json:"p95_ms"`
	P99Ms       float64               `json:"p99_ms"`
	MaxMs       float64               `json:"max_ms"`
}

// Quantiles returns the entry for t, if any samples were recorded.
func (s Stats) Quantiles(t telemetry.MessageType) (Quantiles, bool) {
	for _, q := range s.Latency {
		if q.RequestType == t {
			return q, true
		}
	}
	return Quantiles{}, false
}

func usToMs(us float64) float64 {
	return us * float64(time.Microsecond) / float64(time.Millisecond)
}

func (c *Correlator) snapshot() Stats {
	s := Stats{
		RunID:    c.run.ID,
		Counters: c.counters,
		Pending:  len(c.pending),
		Queued:   len(c.ops),
	}
	for t, h := range c.hist {
		s.Latency = append(s.Latency, Quantiles{
			RequestType: t,
			Count:       h.TotalCount(),
			MeanMs:      usToMs(h.Mean()),
			P50Ms:       usToMs(float64(h.ValueAtQuantile(50))),
			P95Ms:       usToMs(float64(h.ValueAtQuantile(95))),
			P99Ms:       usToMs(float64(h.ValueAtQuantile(99))),
			MaxMs:       usToMs(float64(h.Max())),
		})
	}
	sort.Slice(s.Latency, func(i, j int) bool { return s.Latency[i].RequestType < s.Latency[j].RequestType })
	return s
}
