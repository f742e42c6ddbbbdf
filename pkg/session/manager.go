// Package session runs the websocket side of the relay: it attaches each
// connection to its document's replica, performs the initial sync handshake,
// dispatches inbound protocol messages and broadcasts updates to the other
// connections of the same document.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-relay/pkg/docstore"
	"github.com/astromechza/automerge-relay/pkg/metrics"
	"github.com/astromechza/automerge-relay/pkg/protocol"
)

type Config struct {
	// SendQueue bounds the messages waiting for the writer of one connection.
	SendQueue       int
	MaxMessageBytes int64
	PingInterval    time.Duration
	// IdleTimeout closes a connection that sent nothing, not even a pong,
	// for this long. Must exceed PingInterval.
	IdleTimeout  time.Duration
	WriteTimeout time.Duration
	// RateLimit and RateBurst bound inbound messages per connection. Excess
	// messages are delayed, not dropped.
	RateLimit        rate.Limit
	RateBurst        int
	AwarenessTimeout time.Duration
	SweepInterval    time.Duration
}

func DefaultConfig() Config {
	return Config{
		SendQueue:        256,
		MaxMessageBytes:  8 << 20,
		PingInterval:     25 * time.Second,
		IdleTimeout:      60 * time.Second,
		WriteTimeout:     10 * time.Second,
		RateLimit:        200,
		RateBurst:        400,
		AwarenessTimeout: 30 * time.Second,
		SweepInterval:    5 * time.Second,
	}
}

// StateWriter persists a replica's final state before it is destroyed.
type StateWriter interface {
	WriteState(ctx context.Context, r *docstore.Replica) error
}

type Manager struct {
	registry *docstore.Registry
	writer   StateWriter
	cfg      Config
	log      *slog.Logger
	metrics  *metrics.Metrics

	mu    sync.Mutex
	conns map[*Conn]struct{}
	// teardowns tracks in-flight replica teardowns.
	teardowns sync.WaitGroup
}

type Option func(*Manager)

func WithConfig(cfg Config) Option {
	return func(m *Manager) { m.cfg = cfg }
}

func WithStateWriter(w StateWriter) Option {
	return func(m *Manager) { m.writer = w }
}

func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager and hooks broadcasting into every replica the
// registry creates from now on.
func NewManager(registry *docstore.Registry, opts ...Option) *Manager {
	m := &Manager{
		registry: registry,
		cfg:      DefaultConfig(),
		log:      slog.Default(),
		conns:    make(map[*Conn]struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	registry.OnCreate(m.attachBroadcast)
	return m
}

func (m *Manager) attachBroadcast(r *docstore.Replica) {
	if err := r.Listen(docstore.ListenBroadcast, func(u docstore.Update) {
		if u.Origin == docstore.OriginLoad {
			return
		}
		m.Broadcast(r, protocol.EncodeUpdate(u.Delta), nil)
	}); err != nil {
		m.log.Error("failed to attach broadcast listener", "doc", r.Name(), "err", err)
	}
}

// Serve runs one client connection on document until it disconnects or ctx
// ends. It always leaves the connection detached and the socket closed.
func (m *Manager) Serve(ctx context.Context, ws *websocket.Conn, document string) error {
	c := newConn(ws, m.cfg.SendQueue, m.log.With("doc", document))
	go c.writePump(m.cfg.PingInterval, m.cfg.WriteTimeout)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-c.done:
		}
	}()

	m.track(c, true)
	defer m.track(c, false)

	r := m.registry.Attach(document, c)
	defer m.Disconnect(r, c)
	c.log.Info("connected")

	select {
	case <-r.Loaded():
	case <-c.done:
		return nil
	}

	if aw := r.Awareness(); aw.Len() > 0 {
		if err := c.Send(protocol.EncodeAwareness(aw.Encode(aw.Clients()))); err != nil {
			return fmt.Errorf("failed to send awareness: %w", err)
		}
	}
	if err := c.Send(protocol.EncodeStep1(r.Doc().StateVector())); err != nil {
		return fmt.Errorf("failed to send step1: %w", err)
	}
	return m.readLoop(ctx, r, c)
}

func (m *Manager) readLoop(ctx context.Context, r *docstore.Replica, c *Conn) error {
	ws := c.ws
	ws.SetReadLimit(m.cfg.MaxMessageBytes)
	refresh := func() error {
		return ws.SetReadDeadline(time.Now().Add(m.cfg.IdleTimeout))
	}
	_ = refresh()
	ws.SetPongHandler(func(string) error { return refresh() })
	limiter := rate.NewLimiter(m.cfg.RateLimit, m.cfg.RateBurst)

	for {
		mt, p, err := ws.ReadMessage()
		if err != nil {
			if isClosed(err) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		_ = refresh()
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := limiter.Wait(ctx); err != nil {
			return nil
		}
		if err := m.HandleMessage(r, c, p); err != nil {
			return err
		}
	}
}

func isClosed(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) ||
		errors.Is(err, net.ErrClosed)
}

// syncTarget applies sync messages from a client to a replica.
type syncTarget struct {
	r *docstore.Replica
}

func (t syncTarget) StateVector() []byte {
	return t.r.Doc().StateVector()
}

func (t syncTarget) Diff(sv []byte) ([]byte, error) {
	return t.r.Doc().Diff(sv)
}

func (t syncTarget) Apply(delta []byte) error {
	return t.r.ApplyUpdate(delta, docstore.OriginClient)
}

// HandleMessage processes one inbound message from c. An error means the
// message could not be decoded or answered and c should be disconnected.
func (m *Manager) HandleMessage(r *docstore.Replica, c docstore.Peer, msg []byte) error {
	dec := protocol.NewDecoder(msg)
	kind, err := dec.ReadUvarint()
	if err != nil {
		return err
	}
	switch kind {
	case protocol.MessageSync:
		m.metrics.Message("sync")
		enc := protocol.NewEncoder()
		enc.WriteUvarint(protocol.MessageSync)
		if _, err := protocol.ReadSyncMessage(dec, enc, syncTarget{r: r}); err != nil {
			return err
		}
		// a bare kind byte means there is nothing to answer
		if enc.Len() > 1 {
			return c.Send(enc.Bytes())
		}
	case protocol.MessageAwareness:
		m.metrics.Message("awareness")
		payload, err := dec.ReadBytes()
		if err != nil {
			return err
		}
		change, err := r.Awareness().Apply(payload)
		if err != nil {
			return err
		}
		r.Control(c, append(change.Added, change.Updated...), change.Removed)
		if !change.Empty() {
			m.Broadcast(r, protocol.EncodeAwareness(payload), c)
		}
	default:
		m.metrics.Message("unknown")
	}
	return nil
}

// Broadcast sends msg to every connection of r except the given one. A
// connection that cannot take the message is disconnected.
func (m *Manager) Broadcast(r *docstore.Replica, msg []byte, except docstore.Peer) {
	for _, p := range r.Peers() {
		if p == except {
			continue
		}
		if err := p.Send(msg); err != nil {
			m.log.Warn("dropping connection after failed send", "doc", r.Name(), "conn", p.ID(), "err", err)
			m.Disconnect(r, p)
		}
	}
}

// Disconnect detaches p from r, retracts the presence entries it controlled
// and closes it. When p was the last connection the replica is torn down in
// the background.
func (m *Manager) Disconnect(r *docstore.Replica, p docstore.Peer) {
	controlled, remaining, ok := r.RemovePeer(p)
	if !ok {
		return
	}
	if len(controlled) > 0 {
		if change := r.Awareness().Remove(controlled); len(change.Removed) > 0 {
			m.Broadcast(r, protocol.EncodeAwareness(r.Awareness().Encode(change.Removed)), nil)
		}
	}
	if err := p.Close(); err != nil {
		m.log.Debug("failed to close connection", "conn", p.ID(), "err", err)
	}
	m.log.Info("disconnected", "doc", r.Name(), "conn", p.ID(), "remaining", remaining)
	if remaining == 0 {
		m.teardowns.Add(1)
		go func() {
			defer m.teardowns.Done()
			m.teardown(r)
		}()
	}
}

// teardown writes the final state of an idle replica and destroys it, unless
// a connection arrives meanwhile. Updates merged during the write trigger
// another write.
func (m *Manager) teardown(r *docstore.Replica) {
	<-r.Loaded()
	seq, ok := m.registry.BeginDrain(r)
	if !ok {
		return
	}
	for {
		if m.writer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), m.cfg.WriteTimeout)
			if err := m.writer.WriteState(ctx, r); err != nil {
				m.log.Error("failed to write final state", "doc", r.Name(), "err", err)
			}
			cancel()
		}
		destroyed, retry := m.registry.FinishDrain(r, seq)
		if destroyed {
			m.log.Info("document unloaded", "doc", r.Name())
		}
		if !retry {
			return
		}
		seq = r.Seq()
	}
}

func (m *Manager) track(c *Conn, open bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if open {
		m.conns[c] = struct{}{}
		m.metrics.ConnectionOpened()
	} else if _, ok := m.conns[c]; ok {
		delete(m.conns, c)
		m.metrics.ConnectionClosed()
	}
}

// Connections returns the number of open connections.
func (m *Manager) Connections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conns)
}

// RunAwarenessSweep expires presence entries that were not refreshed within
// the awareness timeout, broadcasting each expiry as a removal.
func (m *Manager) RunAwarenessSweep(ctx context.Context) {
	t := time.NewTicker(m.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.sweep()
		case <-ctx.Done():
			return
		}
	}
}

func (m *Manager) sweep() {
	for _, r := range m.registry.Replicas() {
		change := r.Awareness().Expire(m.cfg.AwarenessTimeout)
		if len(change.Removed) == 0 {
			continue
		}
		m.metrics.Expired(len(change.Removed))
		m.Broadcast(r, protocol.EncodeAwareness(r.Awareness().Encode(change.Removed)), nil)
	}
}

// Shutdown closes every connection and waits for the resulting teardowns.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	conns := make([]*Conn, 0, len(m.conns))
	for c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}

	// connections finish detaching on their own goroutines
	for m.Connections() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(10 * time.Millisecond):
		}
	}
	done := make(chan struct{})
	go func() {
		m.teardowns.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
