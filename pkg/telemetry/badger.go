package telemetry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/dgraph-io/badger/v4"
)

var (
	recordPrefix = []byte("rec:")
	closedKey    = []byte("meta:closed")
)

// recordKey orders records by sequence number under badger's byte ordering.
func recordKey(seq uint64) []byte {
	k := make([]byte, len(recordPrefix)+8)
	copy(k, recordPrefix)
	binary.BigEndian.PutUint64(k[len(recordPrefix):], seq)
	return k
}

// BadgerStore persists records in a badger database keyed by sequence number.
type BadgerStore struct {
	db     *badger.DB
	dir    string
	mu     sync.Mutex
	closed bool
}

func badgerOptions(dir string, readOnly bool) badger.Options {
	return badger.DefaultOptions(dir).
		WithSyncWrites(!readOnly).
		WithReadOnly(readOnly).
		WithLogger(nil)
}

// NewBadgerStore opens (or creates) a badger log in dir. The directory must
// not hold records from an earlier run.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	db, err := badger.Open(badgerOptions(dir, false))
	if err != nil {
		return nil, fmt.Errorf("telemetry.NewBadgerStore: open %s: %w", dir, err)
	}
	var finalized, nonEmpty bool
	err = db.View(func(txn *badger.Txn) error {
		if _, err := txn.Get(closedKey); err == nil {
			finalized = true
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		nonEmpty = it.Valid()
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("telemetry.NewBadgerStore: inspect %s: %w", dir, err)
	}
	if finalized {
		db.Close()
		return nil, fmt.Errorf("telemetry.NewBadgerStore: %s: %w", dir, ErrLogClosed)
	}
	if nonEmpty {
		db.Close()
		return nil, fmt.Errorf("telemetry.NewBadgerStore: %s already holds a log", dir)
	}
	return &BadgerStore{db: db, dir: dir}, nil
}

// Write stores a batch atomically. The end marker also sets meta:closed.
func (s *BadgerStore) Write(records []Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("telemetry.BadgerStore: %w", ErrLogClosed)
	}
	ended := false
	err := s.db.Update(func(txn *badger.Txn) error {
		for _, rec := range records {
			val, err := json.Marshal(rec)
			if err != nil {
				return fmt.Errorf("marshal seq %d: %w", rec.Seq, err)
			}
			if err := txn.Set(recordKey(rec.Seq), val); err != nil {
				return err
			}
			if rec.Kind == KindEnd {
				ended = true
				if err := txn.Set(closedKey, []byte{1}); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("telemetry.BadgerStore: %w", err)
	}
	s.closed = ended
	return nil
}

// Close closes the database.
func (s *BadgerStore) Close() error {
	return s.db.Close()
}

// BadgerReader replays a badger log. The database is opened read-only for
// the duration of the replay.
type BadgerReader struct {
	Dir string
}

// Replay implements Reader.
func (r BadgerReader) Replay(ctx context.Context, fn func(Record) error) (LogState, error) {
	db, err := badger.Open(badgerOptions(r.Dir, true))
	if err != nil {
		return LogState{}, fmt.Errorf("telemetry.BadgerReader: open %s: %w", r.Dir, err)
	}
	defer db.Close()

	var (
		state LogState
		v     validator
	)
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = recordPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %x: %w", it.Item().Key(), err)
			}
			if err := v.check(rec); err != nil {
				return err
			}
			if err := fn(rec); err != nil {
				return err
			}
			state.Records++
			state.Closed = rec.Kind == KindEnd
		}
		return nil
	})
	if err != nil {
		return state, fmt.Errorf("telemetry.BadgerReader: %w", err)
	}
	return state, nil
}
