// Package client is a Go collaboration client: it keeps a local replica of
// one document in step with a relay and publishes the user's presence.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/astromechza/automerge-relay/pkg/awareness"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/protocol"
)

// PresenceRefresh is how often a set presence is re-announced so the relay
// does not expire it.
const PresenceRefresh = 15 * time.Second

type Client struct {
	doc      *crdt.Doc
	ws       *websocket.Conn
	peers    *awareness.Table
	clientID uint64
	log      *slog.Logger
	synced   chan struct{}
	onSync   sync.Once

	writeMu  sync.Mutex
	clock    uint64
	presence json.RawMessage
}

// Dial connects to the relay at base (http or https URL) for document,
// authenticating with token. doc may be nil to start from an empty replica.
func Dial(ctx context.Context, base string, document string, token string, doc *crdt.Doc) (*Client, error) {
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("failed to parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u = u.JoinPath("collab", document)
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("failed to dial: unauthorized")
		}
		return nil, fmt.Errorf("failed to dial: %w", err)
	}
	if doc == nil {
		doc = crdt.New()
	}
	return &Client{
		doc:      doc,
		ws:       conn,
		peers:    awareness.NewTable(),
		clientID: rand.Uint64() >> 11,
		log:      slog.Default().With("doc", document),
		synced:   make(chan struct{}),
	}, nil
}

func (c *Client) ClientID() uint64 {
	return c.clientID
}

func (c *Client) Doc() *crdt.Doc {
	return c.doc
}

// Peers is the presence of everyone on the document as last seen.
func (c *Client) Peers() *awareness.Table {
	return c.peers
}

// Synced is closed once the relay has answered the initial state request.
func (c *Client) Synced() <-chan struct{} {
	return c.synced
}

func (c *Client) Text() (string, error) {
	return c.doc.Text()
}

func (c *Client) write(msg []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	return nil
}

func (c *Client) push(delta []byte, err error) error {
	if err != nil {
		return err
	}
	if len(delta) == 0 {
		return nil
	}
	return c.write(protocol.EncodeUpdate(delta))
}

// InitText creates the shared text if this replica has not seen it.
func (c *Client) InitText() error {
	return c.push(c.doc.InitText())
}

func (c *Client) Insert(pos int, s string) error {
	return c.push(c.doc.Insert(pos, s))
}

func (c *Client) Delete(pos, n int) error {
	return c.push(c.doc.Delete(pos, n))
}

// SetPresence publishes state (any JSON-encodable value) as this client's
// presence. A nil state retracts it.
func (c *Client) SetPresence(state any) error {
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("failed to encode presence: %w", err)
		}
		raw = b
	}
	c.writeMu.Lock()
	c.clock++
	c.presence = raw
	msg := protocol.EncodeAwareness(awareness.Encode([]awareness.Entry{{ClientID: c.clientID, Clock: c.clock, State: raw}}))
	c.writeMu.Unlock()
	return c.write(msg)
}

type target struct {
	c *Client
}

func (t target) StateVector() []byte {
	return t.c.doc.StateVector()
}

func (t target) Diff(sv []byte) ([]byte, error) {
	return t.c.doc.Diff(sv)
}

func (t target) Apply(delta []byte) error {
	_, err := t.c.doc.Merge(delta)
	return err
}

// Run exchanges messages with the relay until ctx ends or the connection
// fails. It returns nil when ctx ends.
func (c *Client) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = c.ws.Close()
	}()
	go c.refreshPresence(ctx)

	if err := c.write(protocol.EncodeStep1(c.doc.StateVector())); err != nil {
		return err
	}
	for {
		mt, p, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) ||
				websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("failed to read message: %w", err)
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		if err := c.handle(p); err != nil {
			return err
		}
	}
}

func (c *Client) handle(msg []byte) error {
	dec := protocol.NewDecoder(msg)
	kind, err := dec.ReadUvarint()
	if err != nil {
		return err
	}
	switch kind {
	case protocol.MessageSync:
		enc := protocol.NewEncoder()
		enc.WriteUvarint(protocol.MessageSync)
		sub, err := protocol.ReadSyncMessage(dec, enc, target{c: c})
		if err != nil {
			return err
		}
		if enc.Len() > 1 {
			if err := c.write(enc.Bytes()); err != nil {
				return err
			}
		}
		if sub == protocol.SyncStep2 {
			c.onSync.Do(func() { close(c.synced) })
		}
	case protocol.MessageAwareness:
		payload, err := dec.ReadBytes()
		if err != nil {
			return err
		}
		if _, err := c.peers.Apply(payload); err != nil {
			return err
		}
	default:
		c.log.Debug("ignoring message", "kind", kind)
	}
	return nil
}

func (c *Client) refreshPresence(ctx context.Context) {
	t := time.NewTicker(PresenceRefresh)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			c.writeMu.Lock()
			raw := c.presence
			c.writeMu.Unlock()
			if raw == nil {
				continue
			}
			if err := c.SetPresence(raw); err != nil {
				c.log.Warn("failed to refresh presence", "err", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Close retracts presence and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	hadPresence := c.presence != nil
	c.writeMu.Unlock()
	if hadPresence {
		_ = c.SetPresence(nil)
	}
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	return c.ws.Close()
}
