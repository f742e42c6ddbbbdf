// Package badgerstore keeps the update log and snapshots in an embedded
// BadgerDB.
//
// Keys:
//
//	s\x00<doc>                          snapshot; value is 8-byte time then data
//	u\x00<doc>\x00<8-byte time><8-byte seq>  update; value is the delta
//
// Times are big-endian unix nanoseconds so a prefix scan yields records in
// time order, with seq breaking ties in insertion order.
package badgerstore

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/astromechza/automerge-relay/pkg/persistence"
)

type Config struct {
	// Path is the data directory. Ignored when InMemory is set.
	Path       string
	InMemory   bool
	SyncWrites bool
	Logger     *slog.Logger
}

type Store struct {
	db  *badger.DB
	seq atomic.Uint64
	log *slog.Logger
}

var _ persistence.Store = (*Store)(nil)

type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func Open(cfg Config) (*Store, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("path is required for persistent database")
	}
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o750); err != nil {
			return nil, fmt.Errorf("failed to create database directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithNumVersionsToKeep(1)
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
		opts = opts.WithLogger(nil)
	} else {
		opts = opts.WithLogger(&badgerLogger{logger: log})
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	s := &Store{db: db, log: log}
	s.seq.Store(uint64(time.Now().UnixNano()))
	return s, nil
}

func snapshotKey(doc string) []byte {
	return append([]byte("s\x00"), doc...)
}

func updatePrefix(doc string) []byte {
	k := append([]byte("u\x00"), doc...)
	return append(k, 0)
}

func updateKey(doc string, at time.Time, seq uint64) []byte {
	k := updatePrefix(doc)
	k = binary.BigEndian.AppendUint64(k, uint64(persistence.UnixNanos(at)))
	return binary.BigEndian.AppendUint64(k, seq)
}

// timeOf extracts the timestamp from an update key.
func timeOf(prefix, key []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(key[len(prefix):])))
}

func (s *Store) AppendUpdate(_ context.Context, doc string, update []byte, at time.Time) error {
	key := updateKey(doc, at, s.seq.Add(1))
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, update)
	}); err != nil {
		return fmt.Errorf("failed to append update: %w", err)
	}
	return nil
}

func (s *Store) Updates(ctx context.Context, doc string, since time.Time) ([]persistence.Record, error) {
	prefix := updatePrefix(doc)
	start := binary.BigEndian.AppendUint64(append([]byte{}, prefix...), uint64(persistence.UnixNanos(since)))
	var out []persistence.Record
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(start); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			item := it.Item()
			v, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, persistence.Record{Data: v, At: timeOf(prefix, item.Key())})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan updates: %w", err)
	}
	return out, nil
}

func (s *Store) Snapshot(_ context.Context, doc string) (persistence.Record, error) {
	var rec persistence.Record
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(snapshotKey(doc))
		if err != nil {
			return err
		}
		v, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		if len(v) < 8 {
			return fmt.Errorf("snapshot value too short: %d bytes", len(v))
		}
		rec = persistence.Record{At: time.Unix(0, int64(binary.BigEndian.Uint64(v))), Data: v[8:]}
		return nil
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return persistence.Record{}, persistence.ErrNotFound
	} else if err != nil {
		return persistence.Record{}, fmt.Errorf("failed to read snapshot: %w", err)
	}
	return rec, nil
}

func (s *Store) PutSnapshot(_ context.Context, doc string, data []byte, at time.Time) error {
	v := binary.BigEndian.AppendUint64(make([]byte, 0, 8+len(data)), uint64(persistence.UnixNanos(at)))
	v = append(v, data...)
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(snapshotKey(doc), v)
	}); err != nil {
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	return nil
}

func (s *Store) PruneUpdates(_ context.Context, doc string, before time.Time) error {
	prefix := updatePrefix(doc)
	cutoff := persistence.UnixNanos(before)
	var keys [][]byte
	if err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			key := it.Item().KeyCopy(nil)
			if timeOf(prefix, key).UnixNano() >= cutoff {
				break
			}
			keys = append(keys, key)
		}
		return nil
	}); err != nil {
		return fmt.Errorf("failed to scan for prune: %w", err)
	}
	if len(keys) == 0 {
		return nil
	}
	wb := s.db.NewWriteBatch()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			wb.Cancel()
			return fmt.Errorf("failed to prune: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("failed to prune: %w", err)
	}
	s.log.Debug("pruned updates", "doc", doc, "rows", len(keys))
	return nil
}

// RunGC runs value log garbage collection every interval until ctx is done.
func (s *Store) RunGC(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if err := s.db.RunValueLogGC(0.5); err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				s.log.Warn("badger value log gc failed", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func (s *Store) Close() error {
	return s.db.Close()
}
