package telemetry

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"

	"github.com/ofprobe/ofprobe/pkg/metrics"
)

// SinkConfig configures record buffering in front of a Store.
type SinkConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	MaxBuffered   int           `yaml:"max_buffered"` // Append flushes inline at this depth
	FlushInterval time.Duration `yaml:"flush_interval"`
}

// Sink buffers records and writes them to a Store in append order.
type Sink struct {
	cfg   SinkConfig
	store Store
	clk   clock.Clock

	mu     sync.Mutex
	batch  []Record
	fault  error
	closed bool

	// flushMu serializes store writes so batches land in the order they were taken.
	flushMu sync.Mutex

	flushCh chan struct{}
	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewSink creates a sink over store and starts its flush loop.
func NewSink(store Store, cfg SinkConfig, clk clock.Clock) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 256
	}
	if cfg.MaxBuffered < cfg.BatchSize {
		cfg.MaxBuffered = cfg.BatchSize * 4
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 200 * time.Millisecond
	}
	if clk == nil {
		clk = clock.New()
	}
	s := &Sink{
		cfg:     cfg,
		store:   store,
		clk:     clk,
		batch:   make([]Record, 0, cfg.BatchSize),
		flushCh: make(chan struct{}, 1),
		closeCh: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.flushLoop()
	return s
}

// Append queues a record. It returns the sticky fault once a store write has
// failed, and ErrLogClosed after Close.
func (s *Sink) Append(rec Record) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("telemetry.Sink: %w", err)
	}
	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return err
	}
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("telemetry.Sink: %w", ErrLogClosed)
	}
	s.batch = append(s.batch, rec)
	n := len(s.batch)
	s.mu.Unlock()
	metrics.SinkBuffered.Set(float64(n))

	if n >= s.cfg.MaxBuffered {
		return s.Flush()
	}
	if n >= s.cfg.BatchSize {
		select {
		case s.flushCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// Flush writes the current batch to the store.
func (s *Sink) Flush() error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.fault != nil {
		err := s.fault
		s.mu.Unlock()
		return err
	}
	if len(s.batch) == 0 {
		s.mu.Unlock()
		return nil
	}
	batch := s.batch
	s.batch = make([]Record, 0, s.cfg.BatchSize)
	s.mu.Unlock()
	metrics.SinkBuffered.Set(0)

	start := s.clk.Now()
	err := s.store.Write(batch)
	metrics.SinkFlushDuration.Observe(s.clk.Since(start).Seconds())
	if err != nil {
		metrics.SinkFaults.Inc()
		fault := fmt.Errorf("%w: %w", ErrSinkFault, err)
		slog.Error("telemetry sink write failed", "component", "sink", "records", len(batch), "error", err)
		s.mu.Lock()
		s.fault = fault
		s.mu.Unlock()
		return fault
	}
	metrics.SinkRecords.Add(float64(len(batch)))
	return nil
}

// Err returns the sticky fault, if any.
func (s *Sink) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// Close flushes remaining records and closes the store.
func (s *Sink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.closeCh)
	s.wg.Wait()
	return multierr.Combine(s.Flush(), s.store.Close())
}

func (s *Sink) flushLoop() {
	defer s.wg.Done()
	ticker := s.clk.Ticker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closeCh:
			return
		case <-s.flushCh:
			s.Flush()
		case <-ticker.C:
			s.Flush()
		}
	}
}
