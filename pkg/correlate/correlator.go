// Package correlate pairs OpenFlow requests with the responses they induce
// and turns each pair into a latency sample.
//
// A Correlator owns its pending table from a single goroutine. Observe only
// enqueues; the owner loop stamps, keys and persists events, resolves pairs
// and sweeps expired requests on a ticker.
package correlate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/codahale/hdrhistogram"

	"github.com/ofprobe/ofprobe/pkg/metrics"
	"github.com/ofprobe/ofprobe/pkg/ofp"
	"github.com/ofprobe/ofprobe/pkg/run"
	"github.com/ofprobe/ofprobe/pkg/telemetry"
)

var (
	// ErrFinalized is returned by Observe once Finalize has been called.
	ErrFinalized = errors.New("correlate: run finalized")
	// ErrNotStarted is returned by Observe before Start.
	ErrNotStarted = errors.New("correlate: not started")
)

// Config controls correlation.
type Config struct {
	Timeout       time.Duration `yaml:"timeout"`
	Signature     Signature     `yaml:"signature"`
	QueueSize     int           `yaml:"queue_size"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // 0 = Timeout/2
}

const (
	DefaultTimeout   = 5 * time.Second
	DefaultQueueSize = 4096
	minSweepInterval = 10 * time.Millisecond

	// Live histograms track microseconds up to one minute.
	histMaxMicros = int64(time.Minute / time.Microsecond)
)

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.Signature == "" {
		c.Signature = SignatureL2
	}
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = c.Timeout / 2
	}
	if c.SweepInterval < minSweepInterval {
		c.SweepInterval = minSweepInterval
	}
	return c
}

type opKind int

const (
	opEvent opKind = iota
	opSweep
	opStats
	opFinalize
)

type op struct {
	kind  opKind
	ev    telemetry.RawEvent
	at    int64 // run timeline at enqueue
	ack   chan struct{}
	stats chan Stats
}

// Correlator is the single owner of the pending correlation table.
type Correlator struct {
	run  *run.Run
	cfg  Config
	sink *telemetry.Sink
	clk  clock.Clock

	ops  chan op
	done chan struct{} // closed when the owner loop has exited

	// mu guards admission. Observe holds it shared while sending so Finalize
	// can wait out in-flight sends before queueing its own op.
	mu      sync.RWMutex
	started bool
	closing bool

	// Written by the owner before done is closed.
	summary  telemetry.RunSummary
	finalErr error
	lastSnap Stats

	// Owner state.
	seq         uint64
	pending     map[string]telemetry.Event
	lastTs      map[uint64]int64
	counters    telemetry.Counters
	watermark   int64
	watermarkAt time.Time
	hist        map[telemetry.MessageType]*hdrhistogram.Histogram
}

// New creates a correlator writing to sink. The run's clock drives stamps,
// sweeps and the watermark.
func New(r *run.Run, cfg Config, sink *telemetry.Sink) *Correlator {
	cfg = cfg.withDefaults()
	return &Correlator{
		run:     r,
		cfg:     cfg,
		sink:    sink,
		clk:     r.Clock(),
		ops:     make(chan op, cfg.QueueSize),
		done:    make(chan struct{}),
		pending: make(map[string]telemetry.Event),
		lastTs:  make(map[uint64]int64),
		hist:    make(map[telemetry.MessageType]*hdrhistogram.Histogram),
	}
}

// Config returns the effective configuration.
func (c *Correlator) Config() Config { return c.cfg }

// Start starts the run if needed, writes the begin record and launches the
// owner loop. Cancelling ctx finalizes the run as if Finalize had been called.
func (c *Correlator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return fmt.Errorf("correlate.Start: %w", run.ErrStarted)
	}
	if c.run.State() == run.StateCreated {
		if err := c.run.Start(); err != nil {
			return fmt.Errorf("correlate.Start: %w", err)
		}
	}
	info := c.run.Info(c.cfg.Timeout, string(c.cfg.Signature))
	c.emit(telemetry.Record{Kind: telemetry.KindBegin, Begin: &info})
	if err := c.sink.Err(); err != nil {
		return fmt.Errorf("correlate.Start: %w", err)
	}
	c.started = true

	go c.loop(ctx)
	slog.Info("correlator started", "component", "correlator", "run", c.run.ID,
		"timeout", c.cfg.Timeout, "signature", c.cfg.Signature, "sweep", c.cfg.SweepInterval)
	return nil
}

// Observe hands one event to the correlator. It blocks while the queue is
// full. The returned error is ErrNotStarted, ErrFinalized or a sticky sink
// fault; malformed events are accepted and recorded as such.
func (c *Correlator) Observe(ev telemetry.RawEvent) error {
	at := c.run.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.started {
		return ErrNotStarted
	}
	if c.closing {
		return ErrFinalized
	}
	select {
	case <-c.done:
		return ErrFinalized
	default:
	}
	if err := c.sink.Err(); err != nil {
		return err
	}
	select {
	case c.ops <- op{kind: opEvent, ev: ev, at: at}:
		metrics.QueueDepth.Set(float64(len(c.ops)))
		return nil
	case <-c.done:
		return ErrFinalized
	}
}

// SweepNow runs an eviction sweep and waits for it to finish.
func (c *Correlator) SweepNow() {
	ack := make(chan struct{})
	if !c.send(op{kind: opSweep, ack: ack}) {
		return
	}
	select {
	case <-ack:
	case <-c.done:
	}
}

// Stats returns a snapshot of the counters and live latency quantiles.
// After the run is finalized it returns the final snapshot.
func (c *Correlator) Stats() Stats {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return Stats{}
	}
	reply := make(chan Stats, 1)
	if c.send(op{kind: opStats, stats: reply}) {
		select {
		case s := <-reply:
			return s
		case <-c.done:
		}
	}
	<-c.done
	return c.lastSnap
}

// Done is closed once the run is finalized.
func (c *Correlator) Done() <-chan struct{} { return c.done }

// Finalize drains queued events, evicts every pending request as
// unresolved/run_end, writes the end record and closes the sink. It is safe
// to call more than once; every call returns the same summary.
func (c *Correlator) Finalize(ctx context.Context) (telemetry.RunSummary, error) {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return telemetry.RunSummary{}, fmt.Errorf("correlate.Finalize: %w", ErrNotStarted)
	}
	first := !c.closing
	c.closing = true
	c.mu.Unlock()

	if first {
		select {
		case c.ops <- op{kind: opFinalize}:
		case <-c.done:
		case <-ctx.Done():
			return telemetry.RunSummary{}, ctx.Err()
		}
	}
	select {
	case <-c.done:
		return c.summary, c.finalErr
	case <-ctx.Done():
		return telemetry.RunSummary{}, ctx.Err()
	}
}

// send queues a control op unless the owner is gone.
func (c *Correlator) send(o op) bool {
	c.mu.RLock()
	started := c.started
	c.mu.RUnlock()
	if !started {
		return false
	}
	select {
	case c.ops <- o:
		return true
	case <-c.done:
		return false
	}
}

func (c *Correlator) loop(ctx context.Context) {
	defer close(c.done)
	ticker := c.clk.Ticker(c.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			return
		case <-ticker.C:
			c.sweep()
		case o := <-c.ops:
			if o.kind == opFinalize {
				c.finish()
				return
			}
			c.dispatch(o)
		}
	}
}

func (c *Correlator) dispatch(o op) {
	switch o.kind {
	case opEvent:
		start := c.clk.Now()
		c.handle(o.ev, o.at)
		metrics.ObserveDuration.Observe(c.clk.Since(start).Seconds())
		metrics.QueueDepth.Set(float64(len(c.ops)))
	case opSweep:
		c.sweep()
		close(o.ack)
	case opStats:
		o.stats <- c.snapshot()
	}
}

// shutdown closes admission the way Finalize does, then finishes. Observe
// holds mu shared while it sends, so the owner keeps draining until the
// write lock is granted.
func (c *Correlator) shutdown() {
	closed := make(chan struct{})
	go func() {
		c.mu.Lock()
		c.closing = true
		c.mu.Unlock()
		close(closed)
	}()
	for {
		select {
		case <-closed:
			c.finish()
			return
		case o := <-c.ops:
			if o.kind != opFinalize {
				c.dispatch(o)
			}
		}
	}
}

// finish runs on the owner goroutine once admission is closed.
func (c *Correlator) finish() {
	for drained := false; !drained; {
		select {
		case o := <-c.ops:
			if o.kind != opFinalize {
				c.dispatch(o)
			}
		default:
			drained = true
		}
	}

	c.evict(c.expired(func(telemetry.Event) bool { return true }), telemetry.ReasonRunEnd)

	finished := c.run.Now()
	if finished < c.watermark {
		finished = c.watermark
	}
	c.summary = telemetry.RunSummary{FinishedNs: finished, Counters: c.counters}
	c.emit(telemetry.Record{Kind: telemetry.KindEnd, End: &c.summary})
	c.lastSnap = c.snapshot()

	c.finalErr = c.sink.Close()
	if err := c.run.Finalize(); err != nil && !errors.Is(err, run.ErrNotRunning) {
		slog.Warn("run finalize failed", "component", "correlator", "error", err)
	}
	if c.finalErr != nil {
		slog.Error("run finalized with a faulty log", "component", "correlator", "run", c.run.ID, "error", c.finalErr)
		return
	}
	slog.Info("run finalized", "component", "correlator", "run", c.run.ID,
		"events", c.counters.Events, "samples", c.counters.Samples,
		"unresolved", c.counters.Unresolved, "orphan", c.counters.Orphan,
		"stale", c.counters.Stale, "malformed", c.counters.Malformed)
}

// emit assigns the next sequence number and appends to the sink. Sink errors
// are sticky there and surface through Observe and Finalize.
func (c *Correlator) emit(rec telemetry.Record) {
	c.seq++
	rec.Seq = c.seq
	if err := c.sink.Append(rec); err != nil && c.sink.Err() == nil {
		slog.Error("append failed", "component", "correlator", "seq", rec.Seq, "kind", rec.Kind, "error", err)
	}
}

func (c *Correlator) outcome(o telemetry.Outcome) {
	c.counters.Count(o)
	metrics.Outcomes.WithLabelValues(string(o.Kind), o.Reason).Inc()
	c.emit(telemetry.Record{Kind: telemetry.KindOutcome, Outcome: &o})
}

func (c *Correlator) handle(raw telemetry.RawEvent, at int64) {
	var malformed []string

	if err := ofp.Fill(&raw); err != nil {
		malformed = append(malformed, "raw: "+err.Error())
	}

	typ, ok := telemetry.ParseMessageType(string(raw.Type))
	if !ok {
		malformed = append(malformed, fmt.Sprintf("unknown type %q", raw.Type))
	}
	raw.Type = typ
	if raw.DatapathID == 0 {
		malformed = append(malformed, "missing dpid")
	}
	if raw.Size < 0 {
		malformed = append(malformed, fmt.Sprintf("negative size %d", raw.Size))
		raw.Size = 0
	}
	unclassified := !ok || raw.DatapathID == 0
	if unclassified {
		raw.Type = telemetry.TypeUnclassified
	}

	ts := at
	if raw.TimestampNs != nil {
		ts = *raw.TimestampNs
	}
	if raw.DatapathID != 0 {
		if prev, seen := c.lastTs[raw.DatapathID]; seen && ts < prev {
			ts = prev
			c.counters.Clamped++
		}
		c.lastTs[raw.DatapathID] = ts
	}

	var key string
	if !unclassified && raw.Type.KeyScheme() != telemetry.KeyNone {
		k, err := Key(raw, c.cfg.Signature)
		if err != nil {
			malformed = append(malformed, err.Error())
		}
		key = k
	}

	dir := raw.Direction
	if dir == "" {
		dir = raw.Type.DefaultDirection()
	}
	ev := telemetry.Event{
		TimestampNs: ts,
		Type:        raw.Type,
		DatapathID:  raw.DatapathID,
		Size:        raw.Size,
		Key:         key,
		Direction:   dir,
	}
	c.counters.Events++
	metrics.EventsObserved.WithLabelValues(string(ev.Type)).Inc()
	metrics.EventBytes.WithLabelValues(string(ev.Type)).Add(float64(ev.Size))
	c.emit(telemetry.Record{Kind: telemetry.KindEvent, Event: &ev})

	if ts > c.watermark {
		c.watermark = ts
	}
	c.watermarkAt = c.clk.Now()

	if len(malformed) > 0 {
		c.outcome(telemetry.Outcome{
			Kind:        telemetry.OutcomeMalformed,
			Reason:      strings.Join(malformed, "; "),
			Type:        ev.Type,
			DatapathID:  ev.DatapathID,
			TimestampNs: ts,
		})
		return
	}
	if key == "" {
		return
	}

	switch {
	case ev.Type.IsRequest():
		if old, dup := c.pending[key]; dup {
			// An entry already past the timeout is unresolved whether or not
			// a sweep has run yet.
			o := telemetry.Outcome{
				Kind:        telemetry.OutcomeStale,
				Key:         key,
				Type:        old.Type,
				DatapathID:  old.DatapathID,
				TimestampNs: old.TimestampNs,
				AgeNs:       ts - old.TimestampNs,
			}
			if o.AgeNs > int64(c.cfg.Timeout) {
				o.Kind, o.Reason = telemetry.OutcomeUnresolved, telemetry.ReasonTimeout
			}
			c.outcome(o)
		}
		c.pending[key] = ev
	case ev.Type.IsResponse():
		c.resolve(ev)
	}
	metrics.PendingCorrelations.Set(float64(len(c.pending)))
}

func (c *Correlator) resolve(resp telemetry.Event) {
	req, ok := c.pending[resp.Key]
	if !ok {
		c.outcome(telemetry.Outcome{
			Kind:        telemetry.OutcomeOrphan,
			Key:         resp.Key,
			Type:        resp.Type,
			DatapathID:  resp.DatapathID,
			TimestampNs: resp.TimestampNs,
		})
		return
	}
	delete(c.pending, resp.Key)

	age := resp.TimestampNs - req.TimestampNs
	if age > int64(c.cfg.Timeout) {
		c.outcome(telemetry.Outcome{
			Kind:        telemetry.OutcomeUnresolved,
			Reason:      telemetry.ReasonLate,
			Key:         req.Key,
			Type:        req.Type,
			DatapathID:  req.DatapathID,
			TimestampNs: req.TimestampNs,
			AgeNs:       age,
		})
		c.outcome(telemetry.Outcome{
			Kind:        telemetry.OutcomeLate,
			Key:         resp.Key,
			Type:        resp.Type,
			DatapathID:  resp.DatapathID,
			TimestampNs: resp.TimestampNs,
			AgeNs:       age,
		})
		return
	}

	s := telemetry.LatencySample{
		Key:          req.Key,
		RequestType:  req.Type,
		ResponseType: resp.Type,
		DatapathID:   req.DatapathID,
		RequestNs:    req.TimestampNs,
		ResponseNs:   resp.TimestampNs,
		LatencyNs:    age,
	}
	c.counters.Samples++
	c.record(s)
	c.emit(telemetry.Record{Kind: telemetry.KindSample, Sample: &s})
}

func (c *Correlator) record(s telemetry.LatencySample) {
	metrics.LatencySamples.WithLabelValues(string(s.RequestType)).Inc()
	metrics.CorrelationLatency.WithLabelValues(string(s.RequestType)).Observe(s.Latency().Seconds())

	h, ok := c.hist[s.RequestType]
	if !ok {
		h = hdrhistogram.New(1, histMaxMicros, 3)
		c.hist[s.RequestType] = h
	}
	us := s.LatencyNs / int64(time.Microsecond)
	if us < 1 {
		us = 1
	}
	if us > histMaxMicros {
		us = histMaxMicros
	}
	_ = h.RecordValue(us)
}

// now projects the run timeline forward from the newest event by the wall
// time elapsed since it was processed.
func (c *Correlator) now() int64 {
	if c.watermarkAt.IsZero() {
		return c.run.Now()
	}
	return c.watermark + int64(c.clk.Since(c.watermarkAt))
}

func (c *Correlator) sweep() {
	if len(c.pending) == 0 {
		return
	}
	now := c.now()
	timeout := int64(c.cfg.Timeout)
	c.evict(c.expired(func(ev telemetry.Event) bool {
		return now-ev.TimestampNs > timeout
	}), telemetry.ReasonTimeout)
	metrics.PendingCorrelations.Set(float64(len(c.pending)))
}

// expired returns the pending entries matching fn, oldest first.
func (c *Correlator) expired(fn func(telemetry.Event) bool) []telemetry.Event {
	var out []telemetry.Event
	for _, ev := range c.pending {
		if fn(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TimestampNs != out[j].TimestampNs {
			return out[i].TimestampNs < out[j].TimestampNs
		}
		return out[i].Key < out[j].Key
	})
	return out
}

func (c *Correlator) evict(evs []telemetry.Event, reason string) {
	now := c.now()
	for _, ev := range evs {
		delete(c.pending, ev.Key)
		c.outcome(telemetry.Outcome{
			Kind:        telemetry.OutcomeUnresolved,
			Reason:      reason,
			Key:         ev.Key,
			Type:        ev.Type,
			DatapathID:  ev.DatapathID,
			TimestampNs: ev.TimestampNs,
			AgeNs:       now - ev.TimestampNs,
		})
	}
	if len(evs) > 0 {
		slog.Debug("evicted pending requests", "component", "correlator", "count", len(evs), "reason", reason)
	}
}

