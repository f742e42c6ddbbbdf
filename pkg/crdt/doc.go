// Package crdt wraps an automerge document behind the small set of operations
// the relay needs: merge a delta, diff against a state vector, encode the
// full state and summarise what has been seen.
package crdt

import (
	"errors"
	"fmt"
	"sync"

	"github.com/automerge/automerge-go"
)

// TextField is the root key holding the shared text object.
const TextField = "content"

// Engine is the contract the rest of the relay depends on. Merge must be
// idempotent and commutative: applying a delta twice or in a different order
// relative to other deltas yields the same content.
type Engine interface {
	// Merge applies delta and returns only the changes that were new to this
	// replica. An empty result means the delta was already known.
	Merge(delta []byte) ([]byte, error)
	// Diff returns the changes a peer advertising stateVector is missing.
	Diff(stateVector []byte) ([]byte, error)
	// EncodeFull returns a self-contained encoding of the whole state.
	EncodeFull() []byte
	// StateVector summarises the changes this replica has seen.
	StateVector() []byte
}

var _ Engine = (*Doc)(nil)

// Doc is an Engine backed by automerge. It is safe for concurrent use.
type Doc struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

func New() *Doc {
	return &Doc{doc: automerge.New()}
}

// Load builds a Doc from the output of EncodeFull or from a delta stream.
func Load(raw []byte) (*Doc, error) {
	d := New()
	if len(raw) == 0 {
		return d, nil
	}
	if _, err := d.Merge(raw); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Doc) Merge(delta []byte) ([]byte, error) {
	if len(delta) == 0 {
		return nil, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := d.doc.LoadIncremental(delta); err != nil {
		return nil, fmt.Errorf("failed to load delta: %w", err)
	}
	return d.changesSince(before)
}

func (d *Doc) Diff(stateVector []byte) ([]byte, error) {
	remote, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	all, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	known := make(map[string]automerge.ChangeHash, len(all))
	for _, c := range all {
		known[c.Hash().String()] = c.Hash()
	}
	// heads we have never seen cannot be used as a lower bound; the peer gets
	// a superset for those branches, which merge tolerates
	since := make([]automerge.ChangeHash, 0, len(remote))
	for _, h := range remote {
		if ch, ok := known[h]; ok {
			since = append(since, ch)
		}
	}
	if len(since) == 0 {
		return encodeChanges(all), nil
	}
	return d.changesSince(since)
}

func (d *Doc) EncodeFull() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *Doc) StateVector() []byte {
	return EncodeStateVector(d.Heads())
}

// Heads returns the hex hashes of the current heads.
func (d *Doc) Heads() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	heads := d.doc.Heads()
	out := make([]string, 0, len(heads))
	for _, h := range heads {
		out = append(out, h.String())
	}
	return out
}

// Text returns the shared text, or "" when nobody has created it yet.
func (d *Doc) Text() (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return textOf(d.doc)
}

// InitText creates the shared text object if it does not exist yet and
// returns the resulting delta.
func (d *Doc) InitText() ([]byte, error) {
	return d.edit("init text", func(doc *automerge.Doc) error {
		v, err := doc.Path(TextField).Get()
		if err != nil {
			return fmt.Errorf("failed to read text: %w", err)
		}
		if v.Kind() != automerge.KindVoid {
			return errNoChange
		}
		return doc.Path(TextField).Set(automerge.NewText(""))
	})
}

// Insert inserts s at pos of the shared text and returns the resulting delta.
func (d *Doc) Insert(pos int, s string) ([]byte, error) {
	return d.edit("insert", func(doc *automerge.Doc) error {
		return doc.Path(TextField).Text().Insert(pos, s)
	})
}

// Delete removes n characters at pos of the shared text and returns the
// resulting delta.
func (d *Doc) Delete(pos, n int) ([]byte, error) {
	return d.edit("delete", func(doc *automerge.Doc) error {
		return doc.Path(TextField).Text().Delete(pos, n)
	})
}

func (d *Doc) edit(msg string, fn func(doc *automerge.Doc) error) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	before := d.doc.Heads()
	if err := fn(d.doc); errors.Is(err, errNoChange) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to %s: %w", msg, err)
	}
	if _, err := d.doc.Commit(msg); err != nil {
		return nil, fmt.Errorf("failed to commit %s: %w", msg, err)
	}
	return d.changesSince(before)
}

// changesSince expects d.mu to be held.
func (d *Doc) changesSince(heads []automerge.ChangeHash) ([]byte, error) {
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	return encodeChanges(changes), nil
}

func encodeChanges(changes []*automerge.Change) []byte {
	var out []byte
	for _, c := range changes {
		out = append(out, c.Save()...)
	}
	return out
}

func textOf(doc *automerge.Doc) (string, error) {
	v, err := doc.Path(TextField).Get()
	if err != nil {
		return "", fmt.Errorf("failed to read text: %w", err)
	}
	if v.Kind() == automerge.KindVoid {
		return "", nil
	}
	return doc.Path(TextField).Text().Get()
}
