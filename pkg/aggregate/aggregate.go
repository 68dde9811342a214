// Package aggregate computes the report of a run from its event log.
//
// Compute is a pure function of the log and the options: two calls over the
// same log produce byte-identical JSON.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

// ErrLogOpen is returned for a log without its end marker unless
// Options.AllowPartial is set.
var ErrLogOpen = errors.New("aggregate: log is not finalized")

// Defaults.
const (
	DefaultBucketWidth    = time.Second
	DefaultSizeLimit      = 65507 // IPv4 UDP payload maximum
	DefaultMinSampleSize  = 20
	DefaultHeaderBytes    = 20 // TCP
	DefaultAltHeaderBytes = 8  // UDP

	maxBuckets = 1 << 22
)

// Options parameterize a report.
type Options struct {
	BucketWidth    time.Duration
	SizeLimit      int
	MinSampleSize  int
	HeaderBytes    int // transport header per message on the measured transport
	AltHeaderBytes int // same, on the candidate transport
	AllowPartial   bool
}

// DefaultOptions returns the defaults.
func DefaultOptions() Options {
	return Options{
		BucketWidth:    DefaultBucketWidth,
		SizeLimit:      DefaultSizeLimit,
		MinSampleSize:  DefaultMinSampleSize,
		HeaderBytes:    DefaultHeaderBytes,
		AltHeaderBytes: DefaultAltHeaderBytes,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BucketWidth <= 0 {
		o.BucketWidth = d.BucketWidth
	}
	if o.SizeLimit <= 0 {
		o.SizeLimit = d.SizeLimit
	}
	if o.MinSampleSize <= 0 {
		o.MinSampleSize = d.MinSampleSize
	}
	if o.HeaderBytes <= 0 {
		o.HeaderBytes = d.HeaderBytes
	}
	if o.AltHeaderBytes <= 0 {
		o.AltHeaderBytes = d.AltHeaderBytes
	}
	return o
}

// Report is the aggregate of one run. Latencies are in milliseconds, sizes in
// bytes and rates in events per second.
type Report struct {
	Run           RunMeta            `json:"run"`
	Complete      bool               `json:"complete"`
	Truncated     bool               `json:"truncated,omitempty"`
	Counters      telemetry.Counters `json:"counters"`
	Latency       LatencyStats       `json:"latency"`
	LatencyByType []TypedLatency     `json:"latency_by_request_type"`
	Throughput    Throughput         `json:"throughput"`
	Size          SizeStats          `json:"size"`
	MessageTypes  []TypeBreakdown    `json:"message_types"`
	Overhead      Overhead           `json:"transport_overhead"`
	Connections   []Connection       `json:"connections"`
}

// RunMeta is copied from the begin and end records.
type RunMeta struct {
	RunID           string   `json:"run_id"`
	Protocol        string   `json:"protocol"`
	Controller      string   `json:"controller"`
	OpenFlowVersion string   `json:"openflow_version"`
	Signature       string   `json:"flow_signature"`
	TimeoutMs       float64  `json:"correlation_timeout_ms"`
	StartedNs       int64    `json:"started_ns"`
	FinishedNs      int64    `json:"finished_ns,omitempty"`
	DurationS       *float64 `json:"duration_s"`
}

// LatencyStats describes a latency distribution. Values are nil when there
// are no samples.
type LatencyStats struct {
	Count                  int      `json:"count"`
	NoData                 bool     `json:"no_data,omitempty"`
	InsufficientSampleSize bool     `json:"insufficient_sample_size,omitempty"`
	MeanMs                 *float64 `json:"mean_ms"`
	MedianMs               *float64 `json:"median_ms"`
	StddevMs               *float64 `json:"stddev_ms"`
	MinMs                  *float64 `json:"min_ms"`
	MaxMs                  *float64 `json:"max_ms"`
	P95Ms                  *float64 `json:"p95_ms"`
	P99Ms                  *float64 `json:"p99_ms"`
}

// TypedLatency is the latency distribution of one request type.
type TypedLatency struct {
	RequestType telemetry.MessageType `json:"request_type"`
	LatencyStats
}

// Throughput is the bucketed event rate.
type Throughput struct {
	BucketWidthMs float64  `json:"bucket_width_ms"`
	Events        int      `json:"events"`
	NoData        bool     `json:"no_data,omitempty"`
	OriginNs      int64    `json:"origin_ts_ns,omitempty"` // start of bucket 0
	FirstNs       int64    `json:"first_ts_ns,omitempty"`
	LastNs        int64    `json:"last_ts_ns,omitempty"`
	Buckets       []int    `json:"buckets"`
	EventsPerSec  *float64 `json:"events_per_sec"`
	PeakPerSec    *float64 `json:"peak_bucket_events_per_sec"`
}

// SizeStats is the message size distribution against a transport limit.
type SizeStats struct {
	Count      int      `json:"count"`
	NoData     bool     `json:"no_data,omitempty"`
	LimitBytes int      `json:"limit_bytes"`
	MaxBytes   *int     `json:"max_bytes"`
	MeanBytes  *float64 `json:"mean_bytes"`
	P95Bytes   *int     `json:"p95_bytes"`
	P99Bytes   *int     `json:"p99_bytes"`
	Margin     *float64 `json:"margin"`
	Fits       *bool    `json:"fits"`
}

// TypeBreakdown counts one message type regardless of correlation.
type TypeBreakdown struct {
	Type       telemetry.MessageType `json:"type"`
	Count      int                   `json:"count"`
	TotalBytes int64                 `json:"total_bytes"`
	MeanBytes  float64               `json:"mean_bytes"`
	MaxBytes   int                   `json:"max_bytes"`
	PerSec     *float64              `json:"events_per_sec"`
}

// Overhead compares transport header cost on the measured and the
// candidate transport.
type Overhead struct {
	Messages       int      `json:"messages"`
	NoData         bool     `json:"no_data,omitempty"`
	PayloadBytes   int64    `json:"payload_bytes"`
	HeaderBytes    int      `json:"header_bytes_per_message"`
	HeaderTotal    int64    `json:"header_bytes_total"`
	OverheadPct    *float64 `json:"overhead_pct"`
	AltHeaderBytes int      `json:"alt_header_bytes_per_message"`
	AltHeaderTotal int64    `json:"alt_header_bytes_total"`
	AltOverheadPct *float64 `json:"alt_overhead_pct"`
	SavedBytes     int64    `json:"saved_bytes"`
}

// Connection summarizes one datapath.
type Connection struct {
	DatapathID      uint64   `json:"dpid"`
	FirstSeenNs     int64    `json:"first_seen_ns"`
	Messages        int      `json:"messages"`
	FeaturesReplyNs *int64   `json:"features_reply_ns"`
	EstablishMs     *float64 `json:"establish_ms"`
}

// Compute replays the log and builds its report.
func Compute(ctx context.Context, r telemetry.Reader, opts Options) (*Report, error) {
	opts = opts.withDefaults()

	var (
		begin   *telemetry.RunInfo
		end     *telemetry.RunSummary
		events  []telemetry.Event
		samples []telemetry.LatencySample
		derived telemetry.Counters
	)
	state, err := r.Replay(ctx, func(rec telemetry.Record) error {
		switch rec.Kind {
		case telemetry.KindBegin:
			begin = rec.Begin
		case telemetry.KindEvent:
			events = append(events, *rec.Event)
			derived.Events++
		case telemetry.KindSample:
			samples = append(samples, *rec.Sample)
			derived.Samples++
		case telemetry.KindOutcome:
			derived.Count(*rec.Outcome)
		case telemetry.KindEnd:
			end = rec.End
		}
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, fmt.Errorf("aggregate.Compute: %w", err)
	}
	if !state.Closed && !opts.AllowPartial {
		return nil, fmt.Errorf("aggregate.Compute: %w", ErrLogOpen)
	}
	if begin == nil {
		return nil, fmt.Errorf("aggregate.Compute: log has no begin record")
	}

	rep := &Report{
		Complete:  state.Closed,
		Truncated: state.Truncated,
		Counters:  derived,
	}
	rep.Run = runMeta(begin, end)
	if end != nil {
		rep.Counters = end.Counters
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rep.Latency, rep.LatencyByType = latencyReport(samples, opts.MinSampleSize)
	if rep.Throughput, err = throughput(events, opts.BucketWidth, begin.StartedNs); err != nil {
		return nil, fmt.Errorf("aggregate.Compute: %w", err)
	}
	rep.Size = sizes(events, opts.SizeLimit)
	rep.MessageTypes = breakdown(events)
	rep.Overhead = overhead(events, opts.HeaderBytes, opts.AltHeaderBytes)
	rep.Connections = connections(events, begin.StartedNs)
	return rep, nil
}

func runMeta(begin *telemetry.RunInfo, end *telemetry.RunSummary) RunMeta {
	m := RunMeta{
		RunID:           begin.RunID,
		Protocol:        begin.Protocol,
		Controller:      begin.Controller,
		OpenFlowVersion: begin.OpenFlowVersion,
		Signature:       begin.Signature,
		TimeoutMs:       nsToMs(begin.TimeoutNs),
		StartedNs:       begin.StartedNs,
	}
	if end != nil {
		m.FinishedNs = end.FinishedNs
		m.DurationS = ptr(float64(end.FinishedNs-begin.StartedNs) / float64(time.Second))
	}
	return m
}

func latencyReport(samples []telemetry.LatencySample, minSamples int) (LatencyStats, []TypedLatency) {
	all := make([]int64, 0, len(samples))
	byType := make(map[telemetry.MessageType][]int64)
	for _, s := range samples {
		all = append(all, s.LatencyNs)
		byType[s.RequestType] = append(byType[s.RequestType], s.LatencyNs)
	}

	typed := make([]TypedLatency, 0, len(byType))
	for _, t := range telemetry.MessageTypes {
		if !t.IsRequest() {
			continue
		}
		v, ok := byType[t]
		if !ok {
			continue
		}
		typed = append(typed, TypedLatency{RequestType: t, LatencyStats: latencyStats(v, minSamples)})
	}
	return latencyStats(all, minSamples), typed
}

// latencyStats summarizes latencies given in nanoseconds.
func latencyStats(ns []int64, minSamples int) LatencyStats {
	st := LatencyStats{Count: len(ns)}
	if len(ns) == 0 {
		st.NoData = true
		st.InsufficientSampleSize = true
		return st
	}
	st.InsufficientSampleSize = len(ns) < minSamples

	sorted := append([]int64(nil), ns...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	mean, stddev := meanStddev(sorted)
	st.MeanMs = ptr(mean / 1e6)
	st.StddevMs = ptr(stddev / 1e6)
	st.MinMs = ptr(nsToMs(sorted[0]))
	st.MaxMs = ptr(nsToMs(sorted[len(sorted)-1]))
	st.MedianMs = ptr(nsToMs(percentile(sorted, 50)))
	st.P95Ms = ptr(nsToMs(percentile(sorted, 95)))
	st.P99Ms = ptr(nsToMs(percentile(sorted, 99)))
	return st
}

// meanStddev returns the mean and population standard deviation. Input must
// be sorted so the float summation order does not depend on arrival order.
func meanStddev(sorted []int64) (mean, stddev float64) {
	n := float64(len(sorted))
	var sum float64
	for _, v := range sorted {
		sum += float64(v)
	}
	mean = sum / n
	var sq float64
	for _, v := range sorted {
		d := float64(v) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// percentile is the nearest-rank percentile of sorted values.
func percentile[T int | int64](sorted []T, pct int) T {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(float64(pct)/100.0*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// throughput buckets events from the run start. Events stamped on another
// timeline (earlier than the start, or too far after it) are bucketed from
// the first event instead.
func throughput(events []telemetry.Event, width time.Duration, startedNs int64) (Throughput, error) {
	tp := Throughput{BucketWidthMs: nsToMs(int64(width)), Events: len(events), Buckets: []int{}}
	if len(events) == 0 {
		tp.NoData = true
		return tp, nil
	}
	first, last := events[0].TimestampNs, events[0].TimestampNs
	for _, ev := range events {
		if ev.TimestampNs < first {
			first = ev.TimestampNs
		}
		if ev.TimestampNs > last {
			last = ev.TimestampNs
		}
	}
	tp.FirstNs, tp.LastNs = first, last

	origin := first
	if startedNs > 0 && startedNs <= first && (last-startedNs)/int64(width) < maxBuckets {
		origin = startedNs
	}
	tp.OriginNs = origin

	n := (last-origin)/int64(width) + 1
	if n > maxBuckets {
		return tp, fmt.Errorf("aggregate: event span %s needs %d buckets of %s (max %d)",
			time.Duration(last-origin), n, width, maxBuckets)
	}
	tp.Buckets = make([]int, n)
	for _, ev := range events {
		tp.Buckets[(ev.TimestampNs-origin)/int64(width)]++
	}
	peak := 0
	for _, n := range tp.Buckets {
		if n > peak {
			peak = n
		}
	}
	tp.PeakPerSec = ptr(float64(peak) / width.Seconds())
	tp.EventsPerSec = rate(len(events), first, last)
	return tp, nil
}

// rate is count over the span between first and last; nil for a zero span.
func rate(count int, first, last int64) *float64 {
	if last <= first {
		return nil
	}
	return ptr(float64(count) / (float64(last-first) / float64(time.Second)))
}

func sizes(events []telemetry.Event, limit int) SizeStats {
	st := SizeStats{Count: len(events), LimitBytes: limit}
	if len(events) == 0 {
		st.NoData = true
		return st
	}
	sorted := make([]int, len(events))
	var sum int64
	for i, ev := range events {
		sorted[i] = ev.Size
	}
	sort.Ints(sorted)
	for _, v := range sorted {
		sum += int64(v)
	}
	largest := sorted[len(sorted)-1]
	st.MaxBytes = ptr(largest)
	st.MeanBytes = ptr(float64(sum) / float64(len(sorted)))
	st.P95Bytes = ptr(percentile(sorted, 95))
	st.P99Bytes = ptr(percentile(sorted, 99))
	st.Margin = ptr(1 - float64(largest)/float64(limit))
	st.Fits = ptr(largest <= limit)
	return st
}

func breakdown(events []telemetry.Event) []TypeBreakdown {
	type acc struct {
		TypeBreakdown
		first, last int64
	}
	byType := make(map[telemetry.MessageType]*acc)
	for _, ev := range events {
		a, ok := byType[ev.Type]
		if !ok {
			a = &acc{TypeBreakdown: TypeBreakdown{Type: ev.Type}, first: ev.TimestampNs, last: ev.TimestampNs}
			byType[ev.Type] = a
		}
		a.Count++
		a.TotalBytes += int64(ev.Size)
		if ev.Size > a.MaxBytes {
			a.MaxBytes = ev.Size
		}
		if ev.TimestampNs < a.first {
			a.first = ev.TimestampNs
		}
		if ev.TimestampNs > a.last {
			a.last = ev.TimestampNs
		}
	}
	out := make([]TypeBreakdown, 0, len(byType))
	for _, t := range telemetry.MessageTypes {
		a, ok := byType[t]
		if !ok {
			continue
		}
		a.MeanBytes = float64(a.TotalBytes) / float64(a.Count)
		a.PerSec = rate(a.Count, a.first, a.last)
		out = append(out, a.TypeBreakdown)
	}
	return out
}

func overhead(events []telemetry.Event, header, alt int) Overhead {
	o := Overhead{Messages: len(events), HeaderBytes: header, AltHeaderBytes: alt}
	for _, ev := range events {
		o.PayloadBytes += int64(ev.Size)
	}
	o.HeaderTotal = int64(header) * int64(len(events))
	o.AltHeaderTotal = int64(alt) * int64(len(events))
	o.SavedBytes = o.HeaderTotal - o.AltHeaderTotal
	if len(events) == 0 {
		o.NoData = true
		return o
	}
	o.OverheadPct = ptr(100 * float64(o.HeaderTotal) / float64(o.HeaderTotal+o.PayloadBytes))
	o.AltOverheadPct = ptr(100 * float64(o.AltHeaderTotal) / float64(o.AltHeaderTotal+o.PayloadBytes))
	return o
}

func connections(events []telemetry.Event, startNs int64) []Connection {
	byDP := make(map[uint64]*Connection)
	for _, ev := range events {
		if ev.DatapathID == 0 {
			continue
		}
		c, ok := byDP[ev.DatapathID]
		if !ok {
			c = &Connection{DatapathID: ev.DatapathID, FirstSeenNs: ev.TimestampNs}
			byDP[ev.DatapathID] = c
		}
		c.Messages++
		if ev.TimestampNs < c.FirstSeenNs {
			c.FirstSeenNs = ev.TimestampNs
		}
		if ev.Type == telemetry.TypeFeaturesReply && c.FeaturesReplyNs == nil {
			c.FeaturesReplyNs = ptr(ev.TimestampNs)
			c.EstablishMs = ptr(nsToMs(ev.TimestampNs - startNs))
		}
	}
	out := make([]Connection, 0, len(byDP))
	for _, c := range byDP {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DatapathID < out[j].DatapathID })
	return out
}

func nsToMs(ns int64) float64 { return float64(ns) / 1e6 }

func ptr[T any](v T) *T { return &v }
