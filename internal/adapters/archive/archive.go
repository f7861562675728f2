// Package archive keeps encoded tally snapshots in a badger database, one
// entry per (batch, rank). Entries are written before a reduction starts so
// partial results stay readable when the reduction fails.
package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/okian/tally/internal/domain/tally"
	"github.com/okian/tally/pkg/logger"
	"github.com/okian/tally/pkg/metrics"
)

const keyPrefix = "snap/"

// Entry describes one archived snapshot.
type Entry struct {
	Batch     uint64 `json:"batch"`
	Rank      int    `json:"rank"`
	Histories uint64 `json:"histories"`
	Entities  int    `json:"entities"`
	Bytes     int    `json:"bytes"`
}

// Store is a badger-backed snapshot archive.
type Store struct {
	db         *badger.DB
	dir        string
	syncWrites bool
	log        logger.Logger
	closed     atomic.Bool
}

// badgerLogger routes badger's own logging to our logger.
type badgerLogger struct {
	log logger.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(context.Background(), fmt.Sprintf(format, args...))
}

// Open opens (or creates) an archive.
func Open(opts ...Option) (*Store, error) {
	s := &Store{}
	for _, opt := range opts {
		opt(s)
	}
	if s.log == nil {
		s.log = logger.Named("archive")
	}

	var bopts badger.Options
	if s.dir == "" {
		bopts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(s.dir, 0o750); err != nil {
			return nil, fmt.Errorf("create archive directory %s: %w", s.dir, err)
		}
		bopts = badger.DefaultOptions(s.dir)
	}
	bopts = bopts.
		WithSyncWrites(s.syncWrites).
		WithNumVersionsToKeep(1).
		WithLogger(&badgerLogger{log: s.log})

	db, err := badger.Open(bopts)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	s.db = db
	return s, nil
}

// Close flushes and closes the database. Closing twice is a no-op.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}

func key(batch uint64, rank int) []byte {
	return fmt.Appendf(nil, "%s%020d/%06d", keyPrefix, batch, rank)
}

func parseKey(k []byte) (uint64, int, error) {
	b, r, ok := strings.Cut(strings.TrimPrefix(string(k), keyPrefix), "/")
	if !ok {
		return 0, 0, fmt.Errorf("archive key %q: missing rank", k)
	}
	batch, err := strconv.ParseUint(b, 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("archive key %q: %w", k, err)
	}
	rank, err := strconv.Atoi(r)
	if err != nil {
		return 0, 0, fmt.Errorf("archive key %q: %w", k, err)
	}
	return batch, rank, nil
}

// Put stores snap as the result of rank for batch, replacing any earlier
// entry with the same key.
func (s *Store) Put(ctx context.Context, batch uint64, rank int, snap *tally.Snapshot) (err error) {
	if s.closed.Load() {
		return ErrClosed
	}
	start := time.Now()
	defer func() {
		status := "ok"
		if err != nil {
			status = "failed"
			metrics.RecordErrorByComponent("archive", "write")
		}
		metrics.RecordArchiveWrite(status)
		metrics.RecordArchiveLatency(float64(time.Since(start).Milliseconds()))
	}()

	blob, err := snap.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key(batch, rank), blob)
	})
	if err != nil {
		return fmt.Errorf("archive batch %d rank %d: %w", batch, rank, err)
	}
	s.log.Debug(ctx, "snapshot archived",
		logger.Uint64("batch", batch), logger.Int("rank", rank), logger.Int("bytes", len(blob)))
	return nil
}

// Get loads the snapshot of rank for batch.
func (s *Store) Get(_ context.Context, batch uint64, rank int) (*tally.Snapshot, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	snap := new(tally.Snapshot)
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(batch, rank))
		if err != nil {
			return err
		}
		return item.Value(snap.UnmarshalBinary)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: batch %d rank %d", ErrNotFound, batch, rank)
	}
	if err != nil {
		return nil, fmt.Errorf("read batch %d rank %d: %w", batch, rank, err)
	}
	return snap, nil
}

// List returns every archived entry ordered by batch, then rank.
func (s *Store) List(_ context.Context) ([]Entry, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}
	var out []Entry
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			batch, rank, err := parseKey(item.Key())
			if err != nil {
				return err
			}
			var snap tally.Snapshot
			if err := item.Value(snap.UnmarshalBinary); err != nil {
				return fmt.Errorf("batch %d rank %d: %w", batch, rank, err)
			}
			out = append(out, Entry{
				Batch:     batch,
				Rank:      rank,
				Histories: snap.Histories,
				Entities:  len(snap.Entities),
				Bytes:     int(item.ValueSize()),
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	return out, nil
}

// Latest returns the newest snapshot archived by rank.
func (s *Store) Latest(ctx context.Context, rank int) (*tally.Snapshot, uint64, error) {
	entries, err := s.List(ctx)
	if err != nil {
		return nil, 0, err
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].Rank == rank {
			snap, err := s.Get(ctx, entries[i].Batch, rank)
			return snap, entries[i].Batch, err
		}
	}
	return nil, 0, fmt.Errorf("%w: rank %d has no snapshots", ErrNotFound, rank)
}
