// Package awareness keeps the ephemeral presence table for one document:
// which numeric client ids are present and what JSON state (cursor, name,
// colour) each one last reported. Entries are never persisted.
package awareness

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

// ErrMalformed is returned when an awareness update cannot be decoded.
var ErrMalformed = errors.New("malformed awareness update")

var null = []byte("null")

// Change lists the client ids touched by one Apply or Remove.
type Change struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
}

// All returns every client id in the change, in added, updated, removed order.
func (c Change) All() []uint64 {
	out := make([]uint64, 0, len(c.Added)+len(c.Updated)+len(c.Removed))
	out = append(out, c.Added...)
	out = append(out, c.Updated...)
	return append(out, c.Removed...)
}

func (c Change) Empty() bool {
	return len(c.Added)+len(c.Updated)+len(c.Removed) == 0
}

type meta struct {
	clock       uint64
	lastUpdated time.Time
}

// Table is safe for concurrent use.
type Table struct {
	mu     sync.Mutex
	states map[uint64]json.RawMessage
	meta   map[uint64]meta
	now    func() time.Time
}

func NewTable() *Table {
	return &Table{
		states: make(map[uint64]json.RawMessage),
		meta:   make(map[uint64]meta),
		now:    time.Now,
	}
}

// Apply merges an encoded update. An entry is accepted when its clock is newer
// than the known one, or when it carries the same clock with a null state for
// a client that is still present (an explicit removal).
func (t *Table) Apply(update []byte) (Change, error) {
	entries, err := Decode(update)
	if err != nil {
		return Change{}, err
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var change Change
	for _, e := range entries {
		m := t.meta[e.ClientID]
		_, present := t.states[e.ClientID]
		removal := e.State == nil
		if !(m.clock < e.Clock || (m.clock == e.Clock && removal && present)) {
			continue
		}
		if removal {
			delete(t.states, e.ClientID)
		} else {
			t.states[e.ClientID] = e.State
		}
		t.meta[e.ClientID] = meta{clock: e.Clock, lastUpdated: now}
		switch {
		case removal:
			if present {
				change.Removed = append(change.Removed, e.ClientID)
			}
		case !present:
			change.Added = append(change.Added, e.ClientID)
		default:
			// an unchanged state still counts: it renews lastUpdated for peers
			change.Updated = append(change.Updated, e.ClientID)
		}
	}
	return change, nil
}

// Remove drops the given clients and reports which ones were present.
func (t *Table) Remove(clients []uint64) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	var change Change
	for _, id := range clients {
		if _, ok := t.states[id]; ok {
			delete(t.states, id)
			change.Removed = append(change.Removed, id)
		}
	}
	return change
}

// Expire removes entries that were not refreshed within timeout.
func (t *Table) Expire(timeout time.Duration) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-timeout)
	var change Change
	for id := range t.states {
		if m := t.meta[id]; m.lastUpdated.Before(cutoff) {
			delete(t.states, id)
			change.Removed = append(change.Removed, id)
		}
	}
	slices.Sort(change.Removed)
	return change
}

// Encode writes the current entries for clients. Absent clients are encoded
// with a null state and their last known clock.
func (t *Table) Encode(clients []uint64) []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	entries := make([]Entry, 0, len(clients))
	for _, id := range clients {
		entries = append(entries, Entry{ClientID: id, Clock: t.meta[id].clock, State: t.states[id]})
	}
	return Encode(entries)
}

// Clients returns the ids with a non-null state, sorted.
func (t *Table) Clients() []uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]uint64, 0, len(t.states))
	for id := range t.states {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.states)
}

func (t *Table) State(id uint64) (json.RawMessage, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	return s, ok
}

// Entry is one element of an encoded awareness update. A nil State encodes
// as JSON null and signals removal.
type Entry struct {
	ClientID uint64
	Clock    uint64
	State    json.RawMessage
}

// Encode writes count, then (client id, clock, JSON string) per entry.
func Encode(entries []Entry) []byte {
	out := binary.AppendUvarint(nil, uint64(len(entries)))
	for _, e := range entries {
		out = binary.AppendUvarint(out, e.ClientID)
		out = binary.AppendUvarint(out, e.Clock)
		state := []byte(e.State)
		if state == nil {
			state = null
		}
		out = binary.AppendUvarint(out, uint64(len(state)))
		out = append(out, state...)
	}
	return out
}

func Decode(raw []byte) ([]Entry, error) {
	r := reader{buf: raw}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(raw)) {
		return nil, fmt.Errorf("%w: %d entries in %d bytes", ErrMalformed, n, len(raw))
	}
	entries := make([]Entry, 0, n)
	for i := uint64(0); i < n; i++ {
		var e Entry
		if e.ClientID, err = r.uvarint(); err != nil {
			return nil, err
		}
		if e.Clock, err = r.uvarint(); err != nil {
			return nil, err
		}
		state, err := r.bytes()
		if err != nil {
			return nil, err
		}
		if !json.Valid(state) {
			return nil, fmt.Errorf("%w: client %d state is not JSON", ErrMalformed, e.ClientID)
		}
		if !bytes.Equal(bytes.TrimSpace(state), null) {
			e.State = json.RawMessage(bytes.Clone(state))
		}
		entries = append(entries, e)
	}
	return entries, nil
}

type reader struct {
	buf []byte
}

func (r *reader) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, ErrMalformed
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *reader) bytes() ([]byte, error) {
	l, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(r.buf)) < l {
		return nil, fmt.Errorf("%w: truncated state", ErrMalformed)
	}
	out := r.buf[:l]
	r.buf = r.buf[l:]
	return out, nil
}
