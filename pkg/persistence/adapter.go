// Package persistence restores replicas from a Store and keeps the Store in
// step with them: every client update is appended to a log and every
// SnapshotEvery updates the full state is written as a gzip snapshot.
package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/astromechza/automerge-relay/pkg/docstore"
	"github.com/astromechza/automerge-relay/pkg/metrics"
)

const DefaultSnapshotEvery = 50

const writeTimeout = 10 * time.Second

type Adapter struct {
	store         Store
	log           *slog.Logger
	metrics       *metrics.Metrics
	snapshotEvery int
	overlap       time.Duration
	prune         bool
	now           func() time.Time
}

type Option func(*Adapter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Adapter) { a.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(a *Adapter) { a.metrics = m }
}

// WithSnapshotEvery sets how many persisted updates trigger a snapshot.
func WithSnapshotEvery(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.snapshotEvery = n
		}
	}
}

// WithReplayOverlap widens the replay window on load and narrows pruning by d,
// tolerating clock skew between writers. Replaying a delta twice is harmless.
func WithReplayOverlap(d time.Duration) Option {
	return func(a *Adapter) { a.overlap = d }
}

// WithPrune deletes update records older than each new snapshot.
func WithPrune(prune bool) Option {
	return func(a *Adapter) { a.prune = prune }
}

func New(store Store, opts ...Option) *Adapter {
	a := &Adapter{
		store:         store,
		log:           slog.Default(),
		snapshotEvery: DefaultSnapshotEvery,
		now:           time.Now,
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

// BindState attaches the persistence listener and replays the stored state
// into r. It runs while r is Loading; the registry marks r Ready when it
// returns. Load failures are logged and leave r with whatever was applied.
func (a *Adapter) BindState(ctx context.Context, r *docstore.Replica) {
	log := a.log.With("doc", r.Name())
	if err := r.Listen(docstore.ListenPersistence, func(u docstore.Update) {
		a.onUpdate(context.WithoutCancel(ctx), r, u)
	}); err != nil {
		log.Error("failed to attach persistence listener", "err", err)
	}
	if err := a.load(ctx, r); err != nil {
		a.metrics.PersistFailed("load")
		log.Error("failed to load document", "err", err)
	}
}

func (a *Adapter) load(ctx context.Context, r *docstore.Replica) error {
	var since time.Time
	if snap, err := a.store.Snapshot(ctx, r.Name()); err != nil {
		if !errors.Is(err, ErrNotFound) {
			return fmt.Errorf("failed to read snapshot: %w", err)
		}
	} else if raw, err := Decompress(snap.Data); err != nil {
		return err
	} else if err := r.ApplyUpdate(raw, docstore.OriginLoad); err != nil {
		return fmt.Errorf("failed to apply snapshot: %w", err)
	} else {
		since = snap.At.Add(-a.overlap)
	}

	records, err := a.store.Updates(ctx, r.Name(), since)
	if err != nil {
		return fmt.Errorf("failed to read updates: %w", err)
	}
	for i, rec := range records {
		if err := r.ApplyUpdate(rec.Data, docstore.OriginLoad); err != nil {
			return fmt.Errorf("failed to apply update %d of %d: %w", i+1, len(records), err)
		}
	}
	a.log.Debug("loaded document", "doc", r.Name(), "replayed", len(records))
	return nil
}

// onUpdate persists deltas that arrived from directly connected clients once
// the replica has loaded. Remote deltas are persisted by the process that
// received them from a client.
func (a *Adapter) onUpdate(ctx context.Context, r *docstore.Replica, u docstore.Update) {
	if u.Origin != docstore.OriginClient || r.State() == docstore.StateLoading {
		return
	}
	log := a.log.With("doc", r.Name())

	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := a.store.AppendUpdate(wctx, r.Name(), u.Delta, a.now()); err != nil {
		a.metrics.PersistFailed("append")
		log.Error("failed to append update", "err", err)
		return
	}
	n, err := r.IncrementPending()
	if err != nil {
		log.Warn("update persisted outside ready state", "err", err)
		return
	}
	if n >= a.snapshotEvery {
		if err := a.snapshot(wctx, r); err != nil {
			log.Error("failed to write snapshot", "err", err)
		}
	}
}

// snapshot writes the full compressed state and resets the pending counter.
// The timestamp is taken before encoding so every update logged earlier is
// contained in the snapshot.
func (a *Adapter) snapshot(ctx context.Context, r *docstore.Replica) error {
	start := a.now()
	raw := r.Doc().EncodeFull()
	compressed, err := Compress(raw)
	if err != nil {
		a.metrics.PersistFailed("compress")
		return err
	}
	if err := a.store.PutSnapshot(ctx, r.Name(), compressed, start); err != nil {
		a.metrics.PersistFailed("snapshot")
		return fmt.Errorf("failed to put snapshot: %w", err)
	}
	r.ResetPending()
	a.metrics.ObserveSnapshot(time.Since(start).Seconds())
	a.log.Info("snapshot written", "doc", r.Name(), "raw", len(raw), "compressed", len(compressed))

	if a.prune {
		if err := a.store.PruneUpdates(ctx, r.Name(), start.Add(-a.overlap)); err != nil {
			a.metrics.PersistFailed("prune")
			a.log.Error("failed to prune updates", "doc", r.Name(), "err", err)
		}
	}
	return nil
}

// WriteState unconditionally writes a final snapshot of r.
func (a *Adapter) WriteState(ctx context.Context, r *docstore.Replica) error {
	return a.snapshot(ctx, r)
}

// Checkpoint snapshots every loaded replica with updates not yet covered by a
// snapshot.
func (a *Adapter) Checkpoint(ctx context.Context, replicas []*docstore.Replica) {
	for _, r := range replicas {
		if r.State() != docstore.StateReady || r.Pending() == 0 {
			continue
		}
		if err := a.snapshot(ctx, r); err != nil {
			a.log.Error("failed to checkpoint", "doc", r.Name(), "err", err)
		}
	}
}

// RunCheckpointer calls Checkpoint on the registry's replicas every interval
// until ctx is done.
func (a *Adapter) RunCheckpointer(ctx context.Context, registry *docstore.Registry, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			a.Checkpoint(ctx, registry.Replicas())
		case <-ctx.Done():
			return
		}
	}
}
