package telemetry

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
)

// LogState describes a replayed log.
type LogState struct {
	Records   uint64 // complete records delivered
	Closed    bool   // end marker seen
	Truncated bool   // a trailing partial record was skipped
}

// Reader replays a persisted log in arrival order.
type Reader interface {
	Replay(ctx context.Context, fn func(Record) error) (LogState, error)
}

// Log formats accepted by OpenLog.
const (
	FormatJSONL  = "jsonl"
	FormatBadger = "badger"
)

// OpenLog returns a reader for a log written in the given format.
func OpenLog(format, path string) (Reader, error) {
	switch format {
	case FormatJSONL, "file", "":
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("telemetry.OpenLog: %w", err)
		}
		return FileReader{Path: path}, nil
	case FormatBadger:
		return BadgerReader{Dir: path}, nil
	default:
		return nil, fmt.Errorf("telemetry.OpenLog: unknown format %q", format)
	}
}

// FileReader replays a JSONL log.
type FileReader struct {
	Path string
}

// Replay implements Reader.
func (r FileReader) Replay(ctx context.Context, fn func(Record) error) (LogState, error) {
	return ReplayFile(ctx, r.Path, fn)
}

// ReplayFile decodes a JSONL log line by line. A final line without its
// newline terminator is an append that was cut short and is skipped.
func ReplayFile(ctx context.Context, path string, fn func(Record) error) (LogState, error) {
	f, err := os.Open(path)
	if err != nil {
		return LogState{}, fmt.Errorf("telemetry.ReplayFile: %w", err)
	}
	defer f.Close()
	return ReplayJSONL(ctx, f, fn)
}

// ReplayJSONL decodes a JSONL stream.
func ReplayJSONL(ctx context.Context, src io.Reader, fn func(Record) error) (LogState, error) {
	var (
		state LogState
		v     validator
		br    = bufio.NewReaderSize(src, 64*1024)
	)
	for line := 1; ; line++ {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		raw, err := br.ReadBytes('\n')
		if errors.Is(err, io.EOF) {
			if len(bytes.TrimSpace(raw)) > 0 {
				state.Truncated = true
			}
			return state, nil
		}
		if err != nil {
			return state, fmt.Errorf("telemetry.ReplayJSONL: line %d: %w", line, err)
		}
		raw = bytes.TrimSpace(raw)
		if len(raw) == 0 {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return state, fmt.Errorf("telemetry.ReplayJSONL: line %d: %w", line, err)
		}
		if err := v.check(rec); err != nil {
			return state, fmt.Errorf("telemetry.ReplayJSONL: line %d: %w", line, err)
		}
		if err := fn(rec); err != nil {
			return state, err
		}
		state.Records++
		state.Closed = rec.Kind == KindEnd
	}
}

func replaySlice(ctx context.Context, records []Record, fn func(Record) error) (LogState, error) {
	var (
		state LogState
		v     validator
	)
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return state, err
		}
		if err := v.check(rec); err != nil {
			return state, err
		}
		if err := fn(rec); err != nil {
			return state, err
		}
		state.Records++
		state.Closed = rec.Kind == KindEnd
	}
	return state, nil
}

// validator enforces log framing: strictly increasing sequence numbers,
// begin first, nothing after end.
type validator struct {
	n       uint64
	lastSeq uint64
	ended   bool
}

func (v *validator) check(rec Record) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if v.ended {
		return fmt.Errorf("telemetry: record seq %d after end marker", rec.Seq)
	}
	if v.n == 0 && rec.Kind != KindBegin {
		return fmt.Errorf("telemetry: log starts with %q, want %q", rec.Kind, KindBegin)
	}
	if v.n > 0 && rec.Seq <= v.lastSeq {
		return fmt.Errorf("telemetry: sequence went from %d to %d", v.lastSeq, rec.Seq)
	}
	v.n++
	v.lastSeq = rec.Seq
	v.ended = rec.Kind == KindEnd
	return nil
}

// ReadAll collects every record of a log.
func ReadAll(ctx context.Context, r Reader) ([]Record, LogState, error) {
	var out []Record
	state, err := r.Replay(ctx, func(rec Record) error {
		out = append(out, rec)
		return nil
	})
	return out, state, err
}
