// Package fanout relays replica updates between relay processes over a
// publish/subscribe bus so clients connected to different processes converge.
package fanout

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/astromechza/automerge-relay/pkg/docstore"
	"github.com/astromechza/automerge-relay/pkg/metrics"
)

// Topic is the single channel every process publishes updates on.
const Topic = "collab-update"

const publishTimeout = 5 * time.Second

// Bus is a topic based publish/subscribe transport carrying text messages.
type Bus interface {
	Publish(ctx context.Context, topic string, msg string) error
	// Subscribe delivers messages on topic until the returned close function
	// is called or ctx ends.
	Subscribe(ctx context.Context, topic string) (<-chan string, func() error, error)
}

// Message is the JSON payload published for each update.
type Message struct {
	DocName string `json:"docName"`
	Update  string `json:"update"`
	Origin  string `json:"origin"`
}

type Bridge struct {
	bus      Bus
	registry *docstore.Registry
	instance string
	log      *slog.Logger
	metrics  *metrics.Metrics
}

type Option func(*Bridge)

func WithLogger(l *slog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bridge) { b.metrics = m }
}

// WithInstance overrides the random process identity.
func WithInstance(id string) Option {
	return func(b *Bridge) { b.instance = id }
}

func NewBridge(bus Bus, registry *docstore.Registry, opts ...Option) *Bridge {
	b := &Bridge{
		bus:      bus,
		registry: registry,
		instance: uuid.NewString(),
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("instance", b.instance)
	return b
}

func (b *Bridge) Instance() string {
	return b.instance
}

// Attach publishes r's locally originated updates. Attaching the same replica
// twice is a no-op.
func (b *Bridge) Attach(r *docstore.Replica) {
	if err := r.Listen(docstore.ListenFanout, b.publish); err != nil && !errors.Is(err, docstore.ErrListenerAttached) {
		b.log.Error("failed to attach fanout listener", "doc", r.Name(), "err", err)
	}
}

func (b *Bridge) publish(u docstore.Update) {
	if u.Origin == docstore.OriginRemote || u.Origin == docstore.OriginLoad {
		return
	}
	raw, err := json.Marshal(Message{
		DocName: u.Document,
		Update:  base64.StdEncoding.EncodeToString(u.Delta),
		Origin:  b.instance,
	})
	if err != nil {
		b.log.Error("failed to encode fanout message", "doc", u.Document, "err", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := b.bus.Publish(ctx, Topic, string(raw)); err != nil {
		b.log.Error("failed to publish update", "doc", u.Document, "err", err)
		return
	}
	b.metrics.Published()
}

// Run subscribes to Topic and applies updates from other processes until ctx
// is done.
func (b *Bridge) Run(ctx context.Context) error {
	msgs, closeSub, err := b.bus.Subscribe(ctx, Topic)
	if err != nil {
		return fmt.Errorf("failed to subscribe: %w", err)
	}
	defer func() {
		if err := closeSub(); err != nil {
			b.log.Warn("failed to close subscription", "err", err)
		}
	}()
	b.log.Info("fanout subscribed", "topic", Topic)
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return nil
			}
			b.handle(msg)
		}
	}
}

func (b *Bridge) handle(text string) {
	var m Message
	if err := json.Unmarshal([]byte(text), &m); err != nil {
		b.log.Warn("dropping undecodable fanout message", "err", err)
		return
	}
	if m.Origin == b.instance {
		return
	}
	r, ok := b.registry.Lookup(m.DocName)
	if !ok {
		return
	}
	delta, err := base64.StdEncoding.DecodeString(m.Update)
	if err != nil {
		b.log.Warn("dropping fanout message with bad update", "doc", m.DocName, "err", err)
		return
	}
	if err := r.ApplyUpdate(delta, docstore.OriginRemote); err != nil {
		b.log.Warn("failed to apply remote update", "doc", m.DocName, "err", err)
		return
	}
	b.metrics.Applied()
}
