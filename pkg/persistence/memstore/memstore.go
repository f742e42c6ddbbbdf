// Package memstore is an in-process persistence.Store for tests and
// single-process development.
package memstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/astromechza/automerge-relay/pkg/persistence"
)

type Store struct {
	mu        sync.Mutex
	updates   map[string][]persistence.Record
	snapshots map[string]persistence.Record
}

var _ persistence.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		updates:   make(map[string][]persistence.Record),
		snapshots: make(map[string]persistence.Record),
	}
}

func (s *Store) AppendUpdate(_ context.Context, doc string, update []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	recs := s.updates[doc]
	i := len(recs)
	for i > 0 && recs[i-1].At.After(at) {
		i--
	}
	s.updates[doc] = slices.Insert(recs, i, persistence.Record{Data: slices.Clone(update), At: at})
	return nil
}

func (s *Store) Updates(_ context.Context, doc string, since time.Time) ([]persistence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []persistence.Record
	for _, r := range s.updates[doc] {
		if !r.At.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *Store) Snapshot(_ context.Context, doc string) (persistence.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.snapshots[doc]
	if !ok {
		return persistence.Record{}, persistence.ErrNotFound
	}
	return r, nil
}

func (s *Store) PutSnapshot(_ context.Context, doc string, data []byte, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[doc] = persistence.Record{Data: slices.Clone(data), At: at}
	return nil
}

func (s *Store) PruneUpdates(_ context.Context, doc string, before time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates[doc] = slices.DeleteFunc(s.updates[doc], func(r persistence.Record) bool {
		return r.At.Before(before)
	})
	return nil
}

// UpdateCount returns how many update records doc has.
func (s *Store) UpdateCount(doc string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.updates[doc])
}

func (s *Store) Close() error {
	return nil
}
