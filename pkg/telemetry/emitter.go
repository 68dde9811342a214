package telemetry

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
)

var (
	// ErrLogClosed is returned when appending to a log that carries its end marker.
	ErrLogClosed = errors.New("telemetry: log is finalized")

	// ErrSinkFault marks a storage failure. A run that hit it is incomplete.
	ErrSinkFault = errors.New("telemetry: sink fault")
)

// Store persists batches of records in order.
type Store interface {
	// Write durably appends records. A failed Write leaves every record
	// from earlier successful calls intact.
	Write(records []Record) error
	Close() error
}

// OpenStore creates a new log of the given format at path.
func OpenStore(format, path string) (Store, error) {
	switch format {
	case FormatJSONL, "file", "":
		return NewFileStore(path)
	case FormatBadger:
		return NewBadgerStore(path)
	default:
		return nil, fmt.Errorf("telemetry.OpenStore: unknown format %q", format)
	}
}

// FileStore writes records as JSON lines and fsyncs after every batch.
type FileStore struct {
	path   string
	file   *os.File
	w      *bufio.Writer
	enc    *json.Encoder
	mu     sync.Mutex
	closed bool // end marker written
}

// NewFileStore creates a JSONL store at path. The file must be new or empty;
// reusing a finalized log returns ErrLogClosed.
func NewFileStore(path string) (*FileStore, error) {
	if st, err := os.Stat(path); err == nil && st.Size() > 0 {
		state, rerr := ReplayFile(context.Background(), path, func(Record) error { return nil })
		if rerr == nil && state.Closed {
			return nil, fmt.Errorf("telemetry.NewFileStore: %s: %w", path, ErrLogClosed)
		}
		return nil, fmt.Errorf("telemetry.NewFileStore: %s already holds a log", path)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewFileStore: %w", err)
	}
	w := bufio.NewWriterSize(f, 64*1024)
	return &FileStore{
		path: path,
		file: f,
		w:    w,
		enc:  json.NewEncoder(w),
	}, nil
}

// Path returns the log file path.
func (s *FileStore) Path() string { return s.path }

// Write encodes records, flushes the buffer and syncs the file.
func (s *FileStore) Write(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("telemetry.FileStore: %w", ErrLogClosed)
	}
	for _, rec := range records {
		if err := s.enc.Encode(rec); err != nil {
			return fmt.Errorf("telemetry.FileStore: encode seq %d: %w", rec.Seq, err)
		}
		if rec.Kind == KindEnd {
			s.closed = true
		}
	}
	if err := s.w.Flush(); err != nil {
		return fmt.Errorf("telemetry.FileStore: flush: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return fmt.Errorf("telemetry.FileStore: sync: %w", err)
	}
	return nil
}

// Close closes the file.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// MemoryStore keeps records in memory (for testing and replay fixtures).
type MemoryStore struct {
	mu      sync.Mutex
	records []Record
	closed  bool
	failErr error
}

// NewMemoryStore creates an empty memory-backed store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// FailWith makes every following Write return err.
func (s *MemoryStore) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failErr = err
}

// Write stores records.
func (s *MemoryStore) Write(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	if s.closed {
		return fmt.Errorf("telemetry.MemoryStore: %w", ErrLogClosed)
	}
	for _, rec := range records {
		s.records = append(s.records, rec)
		if rec.Kind == KindEnd {
			s.closed = true
		}
	}
	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}

// Records returns all stored records.
func (s *MemoryStore) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Replay walks the stored records in order.
func (s *MemoryStore) Replay(ctx context.Context, fn func(Record) error) (LogState, error) {
	return replaySlice(ctx, s.Records(), fn)
}
