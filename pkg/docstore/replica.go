// Package docstore owns the live replicas: one per document name per
// Registry, each with its connected peers, awareness table, update listeners
// and a small lifecycle state machine.
package docstore

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/astromechza/automerge-relay/pkg/awareness"
	"github.com/astromechza/automerge-relay/pkg/crdt"
)

var (
	ErrListenerAttached  = errors.New("listener already attached")
	ErrInvalidTransition = errors.New("invalid lifecycle transition")
	ErrDestroyed         = errors.New("replica destroyed")
	ErrNotReady          = errors.New("replica not ready")
)

// State is the lifecycle state of a Replica.
type State int

const (
	StateCreating State = iota
	StateLoading
	StateReady
	StateDraining
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreating:
		return "creating"
	case StateLoading:
		return "loading"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateDestroyed:
		return "destroyed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// transitions lists the allowed moves. Draining may fall back to Ready when
// a peer arrives during teardown.
var transitions = map[State][]State{
	StateCreating: {StateLoading},
	StateLoading:  {StateReady},
	StateReady:    {StateDraining},
	StateDraining: {StateReady, StateDestroyed},
}

// Origin tags where a merged update came from.
type Origin string

const (
	// OriginClient is an update sent by a directly connected client.
	OriginClient Origin = "client"
	// OriginRemote is an update relayed from another process by the fan-out bridge.
	OriginRemote Origin = "remote"
	// OriginLoad is an update replayed from storage while loading.
	OriginLoad Origin = "load"
)

// Update is raised once per merge that added new changes.
type Update struct {
	Document string
	Delta    []byte
	Origin   Origin
}

type Listener func(Update)

// ListenerKind names a listener slot. Each kind attaches at most once.
type ListenerKind string

const (
	ListenBroadcast   ListenerKind = "broadcast"
	ListenPersistence ListenerKind = "persistence"
	ListenFanout      ListenerKind = "fanout"
)

type listener struct {
	kind ListenerKind
	fn   Listener
}

// Peer is a live connection attached to a replica.
type Peer interface {
	ID() string
	Send(msg []byte) error
	Close() error
}

type Replica struct {
	name      string
	doc       *crdt.Doc
	awareness *awareness.Table
	loaded    chan struct{}
	log       *slog.Logger

	mu        sync.Mutex
	state     State
	peers     map[Peer]map[uint64]struct{}
	listeners []listener
	pending   int
	// seq counts emitted updates, used to notice writes racing a teardown.
	seq uint64
}

func newReplica(name string, log *slog.Logger) *Replica {
	return &Replica{
		name:      name,
		doc:       crdt.New(),
		awareness: awareness.NewTable(),
		loaded:    make(chan struct{}),
		log:       log.With("doc", name),
		peers:     make(map[Peer]map[uint64]struct{}),
	}
}

func (r *Replica) Name() string {
	return r.name
}

func (r *Replica) Doc() *crdt.Doc {
	return r.doc
}

func (r *Replica) Awareness() *awareness.Table {
	return r.awareness
}

// Loaded is closed once the initial load has finished.
func (r *Replica) Loaded() <-chan struct{} {
	return r.loaded
}

func (r *Replica) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// transitionLocked expects r.mu to be held.
func (r *Replica) transitionLocked(to State) error {
	if !slices.Contains(transitions[r.state], to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.state, to)
	}
	r.log.Debug("replica state", "from", r.state, "to", to)
	r.state = to
	return nil
}

func (r *Replica) transition(to State) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.transitionLocked(to)
}

func (r *Replica) markLoaded() {
	if err := r.transition(StateReady); err != nil {
		r.log.Error("failed to mark loaded", "err", err)
	}
	close(r.loaded)
}

// Listen attaches fn under kind. A second attach of the same kind fails with
// ErrListenerAttached and leaves the first in place.
func (r *Replica) Listen(kind ListenerKind, fn Listener) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, l := range r.listeners {
		if l.kind == kind {
			return fmt.Errorf("%w: %s", ErrListenerAttached, kind)
		}
	}
	r.listeners = append(r.listeners, listener{kind: kind, fn: fn})
	return nil
}

// ApplyUpdate merges delta and notifies listeners with the newly applied part.
// Deltas that add nothing raise no event.
func (r *Replica) ApplyUpdate(delta []byte, origin Origin) error {
	if r.State() == StateDestroyed {
		return ErrDestroyed
	}
	applied, err := r.doc.Merge(delta)
	if err != nil {
		return err
	}
	if len(applied) == 0 {
		return nil
	}
	r.emit(Update{Document: r.name, Delta: applied, Origin: origin})
	return nil
}

func (r *Replica) emit(u Update) {
	r.mu.Lock()
	r.seq++
	ls := slices.Clone(r.listeners)
	r.mu.Unlock()
	for _, l := range ls {
		l.fn(u)
	}
}

// IncrementPending bumps the updates-since-snapshot counter. Only valid once
// the replica is loaded and until it is destroyed.
func (r *Replica) IncrementPending() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateReady && r.state != StateDraining {
		return r.pending, fmt.Errorf("%w: %s", ErrNotReady, r.state)
	}
	r.pending++
	return r.pending, nil
}

func (r *Replica) ResetPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending = 0
}

func (r *Replica) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *Replica) addPeerLocked(p Peer) {
	if _, ok := r.peers[p]; !ok {
		r.peers[p] = make(map[uint64]struct{})
	}
}

// RemovePeer detaches p and returns the awareness ids it controlled and how
// many peers remain. ok is false when p was not attached.
func (r *Replica) RemovePeer(p Peer) (controlled []uint64, remaining int, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.peers[p]
	if !ok {
		return nil, len(r.peers), false
	}
	delete(r.peers, p)
	for id := range ids {
		controlled = append(controlled, id)
	}
	slices.Sort(controlled)
	return controlled, len(r.peers), true
}

// Control records which awareness ids p speaks for.
func (r *Replica) Control(p Peer, added, removed []uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids, ok := r.peers[p]
	if !ok {
		return
	}
	for _, id := range added {
		ids[id] = struct{}{}
	}
	for _, id := range removed {
		delete(ids, id)
	}
}

// Controlled returns the awareness ids p speaks for, sorted.
func (r *Replica) Controlled(p Peer) []uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]uint64, 0, len(r.peers[p]))
	for id := range r.peers[p] {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (r *Replica) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for p := range r.peers {
		out = append(out, p)
	}
	return out
}

func (r *Replica) PeerCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}
