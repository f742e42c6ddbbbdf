package docstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/crdt"
)

type stubPeer struct {
	id string
}

func (p *stubPeer) ID() string        { return p.id }
func (p *stubPeer) Send([]byte) error { return nil }
func (p *stubPeer) Close() error      { return nil }

type countingLoader struct {
	mu      sync.Mutex
	calls   map[string]int
	release chan struct{}
}

func (l *countingLoader) BindState(_ context.Context, r *Replica) {
	l.mu.Lock()
	l.calls[r.Name()]++
	l.mu.Unlock()
	if l.release != nil {
		<-l.release
	}
}

func waitLoaded(t *testing.T, r *Replica) {
	t.Helper()
	select {
	case <-r.Loaded():
	case <-time.After(2 * time.Second):
		t.Fatal("replica never loaded")
	}
}

func TestConcurrentAttachSharesOneReplicaAndOneLoad(t *testing.T) {
	loader := &countingLoader{calls: map[string]int{}}
	g := NewRegistry(WithLoader(loader))

	var wg sync.WaitGroup
	out := make([]*Replica, 16)
	for i := range out {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out[i] = g.Attach("room", &stubPeer{id: string(rune('a' + i))})
		}()
	}
	wg.Wait()

	for _, r := range out {
		assert.Same(t, out[0], r)
	}
	waitLoaded(t, out[0])
	assert.Equal(t, 16, out[0].PeerCount())
	assert.Equal(t, 1, loader.calls["room"])
	assert.Equal(t, 1, g.Len())
}

func TestLifecycleWithoutLoader(t *testing.T) {
	var hooked []string
	g := NewRegistry(WithHook(func(r *Replica) {
		hooked = append(hooked, r.Name()+":"+r.State().String())
	}))
	r := g.GetOrCreate("doc")
	waitLoaded(t, r)
	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, []string{"doc:creating"}, hooked)

	_, ok := g.Lookup("missing")
	assert.False(t, ok)
	got, ok := g.Lookup("doc")
	require.True(t, ok)
	assert.Same(t, r, got)
}

func TestUpdatesDuringLoadingAreTaggedAndStateIsLoading(t *testing.T) {
	loader := &countingLoader{calls: map[string]int{}, release: make(chan struct{})}
	g := NewRegistry(WithLoader(loader))
	r := g.GetOrCreate("doc")
	assert.Equal(t, StateLoading, r.State())

	_, err := r.IncrementPending()
	assert.ErrorIs(t, err, ErrNotReady)

	close(loader.release)
	waitLoaded(t, r)
	n, err := r.IncrementPending()
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestListenerKindsAttachOnce(t *testing.T) {
	g := NewRegistry()
	r := g.GetOrCreate("doc")

	var got []Update
	require.NoError(t, r.Listen(ListenBroadcast, func(u Update) { got = append(got, u) }))
	err := r.Listen(ListenBroadcast, func(Update) { t.Fatal("second listener called") })
	assert.ErrorIs(t, err, ErrListenerAttached)
	require.NoError(t, r.Listen(ListenFanout, func(Update) {}))

	src := crdt.New()
	delta, err := src.InitText()
	require.NoError(t, err)

	require.NoError(t, r.ApplyUpdate(delta, OriginClient))
	require.NoError(t, r.ApplyUpdate(delta, OriginRemote))
	require.Len(t, got, 1)
	assert.Equal(t, Update{Document: "doc", Delta: delta, Origin: OriginClient}, got[0])
}

func TestControlledAwarenessIDs(t *testing.T) {
	g := NewRegistry()
	p := &stubPeer{id: "p"}
	r := g.Attach("doc", p)

	r.Control(p, []uint64{4, 2}, nil)
	r.Control(p, []uint64{9}, []uint64{4})
	assert.Equal(t, []uint64{2, 9}, r.Controlled(p))

	r.Control(&stubPeer{id: "stranger"}, []uint64{1}, nil)

	ids, remaining, ok := r.RemovePeer(p)
	require.True(t, ok)
	assert.Equal(t, []uint64{2, 9}, ids)
	assert.Zero(t, remaining)

	_, _, ok = r.RemovePeer(p)
	assert.False(t, ok)
}

func TestDrainDestroysIdleReplica(t *testing.T) {
	g := NewRegistry()
	p := &stubPeer{id: "p"}
	r := g.Attach("doc", p)
	waitLoaded(t, r)

	_, ok := g.BeginDrain(r)
	assert.False(t, ok, "replica with peers must not drain")

	r.RemovePeer(p)
	seq, ok := g.BeginDrain(r)
	require.True(t, ok)
	assert.Equal(t, StateDraining, r.State())

	destroyed, retry := g.FinishDrain(r, seq)
	assert.True(t, destroyed)
	assert.False(t, retry)
	assert.Equal(t, StateDestroyed, r.State())
	assert.Zero(t, g.Len())
	assert.ErrorIs(t, r.ApplyUpdate([]byte{1}, OriginClient), ErrDestroyed)

	fresh := g.GetOrCreate("doc")
	assert.NotSame(t, r, fresh)
}

func TestDrainAbortsWhenPeerArrives(t *testing.T) {
	g := NewRegistry()
	p := &stubPeer{id: "p"}
	r := g.Attach("doc", p)
	waitLoaded(t, r)
	r.RemovePeer(p)

	seq, ok := g.BeginDrain(r)
	require.True(t, ok)

	again := g.Attach("doc", &stubPeer{id: "q"})
	assert.Same(t, r, again)

	destroyed, retry := g.FinishDrain(r, seq)
	assert.False(t, destroyed)
	assert.False(t, retry)
	assert.Equal(t, StateReady, r.State())
	assert.Equal(t, 1, g.Len())
}

func TestDrainRetriesAfterLateUpdate(t *testing.T) {
	g := NewRegistry()
	r := g.GetOrCreate("doc")
	waitLoaded(t, r)

	seq, ok := g.BeginDrain(r)
	require.True(t, ok)

	delta, err := crdt.New().InitText()
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(delta, OriginRemote))

	destroyed, retry := g.FinishDrain(r, seq)
	assert.False(t, destroyed)
	assert.True(t, retry)

	destroyed, _ = g.FinishDrain(r, r.Seq())
	assert.True(t, destroyed)
}
