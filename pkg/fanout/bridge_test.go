package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/docstore"
)

type countingBus struct {
	Bus
	published atomic.Int64
}

func (c *countingBus) Publish(ctx context.Context, topic string, msg string) error {
	c.published.Add(1)
	return c.Bus.Publish(ctx, topic, msg)
}

func waitLoaded(t *testing.T, r *docstore.Replica) {
	t.Helper()
	select {
	case <-r.Loaded():
	case <-time.After(2 * time.Second):
		t.Fatal("replica never loaded")
	}
}

func runBridge(t *testing.T, b *Bridge) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, b.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func newProcess(t *testing.T, bus Bus) (*docstore.Registry, *Bridge) {
	t.Helper()
	g := docstore.NewRegistry()
	b := NewBridge(bus, g)
	g.OnCreate(b.Attach)
	runBridge(t, b)
	return g, b
}

func TestTwoProcessesConvergeWithoutEcho(t *testing.T) {
	bus := &countingBus{Bus: NewMemoryBus()}
	regA, _ := newProcess(t, bus)
	regB, _ := newProcess(t, bus)
	// subscriptions are registered asynchronously by Run
	require.Eventually(t, func() bool {
		m := bus.Bus.(*MemoryBus)
		m.mu.Lock()
		defer m.mu.Unlock()
		return len(m.subs[Topic]) == 2
	}, time.Second, 5*time.Millisecond)

	a := regA.GetOrCreate("doc")
	b := regB.GetOrCreate("doc")
	waitLoaded(t, a)
	waitLoaded(t, b)

	client := crdt.New()
	delta, err := client.InitText()
	require.NoError(t, err)
	require.NoError(t, a.ApplyUpdate(delta, docstore.OriginClient))
	delta, err = client.Insert(0, "hello")
	require.NoError(t, err)
	require.NoError(t, a.ApplyUpdate(delta, docstore.OriginClient))

	require.Eventually(t, func() bool {
		text, err := b.Doc().Text()
		return err == nil && text == "hello"
	}, 2*time.Second, 5*time.Millisecond)

	// give any echo a chance to show up
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int64(2), bus.published.Load())
}

func TestAbsentReplicaIgnoresRemoteUpdate(t *testing.T) {
	g := docstore.NewRegistry()
	b := NewBridge(NewMemoryBus(), g)
	b.handle(`{"docName":"nobody","update":"AAAA","origin":"elsewhere"}`)
	assert.Zero(t, g.Len())
}

func TestOwnAndMalformedMessagesAreSkipped(t *testing.T) {
	g := docstore.NewRegistry()
	b := NewBridge(NewMemoryBus(), g, WithInstance("me"))
	r := g.GetOrCreate("doc")
	waitLoaded(t, r)

	var events int
	require.NoError(t, r.Listen(docstore.ListenBroadcast, func(docstore.Update) { events++ }))

	delta, err := crdt.New().InitText()
	require.NoError(t, err)
	b.handle(mustJSON(t, Message{DocName: "doc", Update: encode(delta), Origin: "me"}))
	b.handle(`not json`)
	b.handle(`{"docName":"doc","update":"!!","origin":"other"}`)
	assert.Zero(t, events)

	b.handle(mustJSON(t, Message{DocName: "doc", Update: encode(delta), Origin: "other"}))
	assert.Equal(t, 1, events)
}

func TestAttachIsIdempotent(t *testing.T) {
	bus := &countingBus{Bus: NewMemoryBus()}
	g := docstore.NewRegistry()
	b := NewBridge(bus, g)
	r := g.GetOrCreate("doc")
	b.Attach(r)
	b.Attach(r)

	delta, err := crdt.New().InitText()
	require.NoError(t, err)
	require.NoError(t, r.ApplyUpdate(delta, docstore.OriginClient))
	assert.Equal(t, int64(1), bus.published.Load())
}

func TestRedisBusRoundTrip(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	bus := NewRedisBus(client, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	msgs, closeSub, err := bus.Subscribe(ctx, Topic)
	require.NoError(t, err)
	defer func() { _ = closeSub() }()

	require.NoError(t, bus.Publish(ctx, Topic, "ping"))
	select {
	case got := <-msgs:
		assert.Equal(t, "ping", got)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}

func encode(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

func mustJSON(t *testing.T, m Message) string {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	return string(raw)
}
