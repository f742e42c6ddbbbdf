package docstore

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/astromechza/automerge-relay/pkg/metrics"
)

// Loader restores a replica's persisted state. BindState runs on its own
// goroutine while the replica is Loading; the registry marks it Ready when
// BindState returns.
type Loader interface {
	BindState(ctx context.Context, r *Replica)
}

// Hook runs once for every new replica, under the registry lock. Hooks attach
// listeners and must not call back into the registry.
type Hook func(r *Replica)

// Registry maps document names to replicas. Get-or-create is a single
// critical section so concurrent callers for one name share one replica and
// one load.
type Registry struct {
	ctx     context.Context
	log     *slog.Logger
	loader  Loader
	metrics *metrics.Metrics

	mu       sync.Mutex
	hooks    []Hook
	replicas map[string]*Replica
}

type Option func(*Registry)

func WithLoader(l Loader) Option {
	return func(g *Registry) { g.loader = l }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Registry) { g.log = l }
}

// WithContext sets the context handed to the Loader.
func WithContext(ctx context.Context) Option {
	return func(g *Registry) { g.ctx = ctx }
}

func WithHook(h Hook) Option {
	return func(g *Registry) { g.hooks = append(g.hooks, h) }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Registry) { g.metrics = m }
}

func NewRegistry(opts ...Option) *Registry {
	g := &Registry{
		ctx:      context.Background(),
		log:      slog.Default(),
		replicas: make(map[string]*Replica),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// OnCreate appends a hook for replicas created from now on.
func (g *Registry) OnCreate(h Hook) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = append(g.hooks, h)
}

// GetOrCreate returns the replica for name, creating and loading it if needed.
func (g *Registry) GetOrCreate(name string) *Replica {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.getOrCreateLocked(name)
}

// Attach is GetOrCreate plus adding p to the replica's peers in the same
// critical section, so a teardown cannot destroy the replica in between.
func (g *Registry) Attach(name string, p Peer) *Replica {
	g.mu.Lock()
	defer g.mu.Unlock()
	r := g.getOrCreateLocked(name)
	r.mu.Lock()
	r.addPeerLocked(p)
	r.mu.Unlock()
	return r
}

func (g *Registry) getOrCreateLocked(name string) *Replica {
	if r, ok := g.replicas[name]; ok {
		return r
	}
	r := newReplica(name, g.log)
	g.replicas[name] = r
	g.metrics.SetDocuments(len(g.replicas))
	for _, h := range g.hooks {
		h(r)
	}
	if err := r.transition(StateLoading); err != nil {
		g.log.Error("failed to start loading", "doc", name, "err", err)
	}
	if g.loader == nil {
		r.markLoaded()
		return r
	}
	go func() {
		defer r.markLoaded()
		g.loader.BindState(g.ctx, r)
	}()
	return r
}

// Lookup returns the replica for name only if it is already present.
func (g *Registry) Lookup(name string) (*Replica, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.replicas[name]
	return r, ok
}

func (g *Registry) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.replicas)
}

// Replicas returns the present replicas sorted by name.
func (g *Registry) Replicas() []*Replica {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Replica, 0, len(g.replicas))
	for _, r := range g.replicas {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].name < out[j].name })
	return out
}

// BeginDrain moves an idle, loaded replica to Draining. It returns the update
// sequence observed so FinishDrain can tell whether anything was merged while
// the final state was being written.
func (g *Registry) BeginDrain(r *Replica) (uint64, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.peers) > 0 || r.state != StateReady {
		return 0, false
	}
	if err := r.transitionLocked(StateDraining); err != nil {
		return 0, false
	}
	return r.seq, true
}

// FinishDrain re-checks a draining replica after its final write. A replica
// that gained a peer goes back to Ready; one that merged updates since seq
// stays Draining and retry is true; otherwise it is destroyed and removed.
func (g *Registry) FinishDrain(r *Replica, seq uint64) (destroyed, retry bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateDraining {
		return false, false
	}
	if len(r.peers) > 0 {
		_ = r.transitionLocked(StateReady)
		return false, false
	}
	if r.seq != seq {
		return false, true
	}
	_ = r.transitionLocked(StateDestroyed)
	if g.replicas[r.name] == r {
		delete(g.replicas, r.name)
	}
	g.metrics.SetDocuments(len(g.replicas))
	return true, false
}

// Seq returns the current update sequence of r.
func (r *Replica) Seq() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.seq
}
