// Package protocol encodes and decodes the binary messages exchanged over a
// collaboration websocket. Every message starts with a varuint kind:
//
//	0 sync      varuint sub-kind, then a length-prefixed blob
//	            (0 step1 state vector, 1 step2 delta, 2 update delta)
//	1 awareness length-prefixed awareness update
//
// Unknown kinds are left for the caller to ignore.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	MessageSync      uint64 = 0
	MessageAwareness uint64 = 1
)

const (
	SyncStep1  uint64 = 0
	SyncStep2  uint64 = 1
	SyncUpdate uint64 = 2
)

// ErrMalformed is returned for truncated or otherwise undecodable messages.
var ErrMalformed = errors.New("malformed message")

// Encoder appends varuint-framed values to a buffer.
type Encoder struct {
	buf []byte
}

func NewEncoder() *Encoder {
	return &Encoder{}
}

func (e *Encoder) WriteUvarint(v uint64) {
	e.buf = binary.AppendUvarint(e.buf, v)
}

func (e *Encoder) WriteBytes(b []byte) {
	e.WriteUvarint(uint64(len(b)))
	e.buf = append(e.buf, b...)
}

func (e *Encoder) Len() int {
	return len(e.buf)
}

func (e *Encoder) Bytes() []byte {
	return e.buf
}

// Decoder reads varuint-framed values.
type Decoder struct {
	buf []byte
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{buf: b}
}

func (d *Decoder) ReadUvarint() (uint64, error) {
	v, n := binary.Uvarint(d.buf)
	if n <= 0 {
		return 0, fmt.Errorf("%w: bad varuint", ErrMalformed)
	}
	d.buf = d.buf[n:]
	return v, nil
}

func (d *Decoder) ReadBytes() ([]byte, error) {
	l, err := d.ReadUvarint()
	if err != nil {
		return nil, err
	}
	if uint64(len(d.buf)) < l {
		return nil, fmt.Errorf("%w: want %d bytes, have %d", ErrMalformed, l, len(d.buf))
	}
	out := d.buf[:l]
	d.buf = d.buf[l:]
	return out, nil
}

// Remaining is the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf)
}

// Target is what a sync message is applied to.
type Target interface {
	StateVector() []byte
	Diff(stateVector []byte) ([]byte, error)
	Apply(delta []byte) error
}

// ReadSyncMessage handles one sync sub-message from dec. Step1 writes the
// matching Step2 to enc; Step2 and Update are merged into target and write
// nothing. The caller owns the envelope and should not send enc when it
// holds nothing beyond the leading kind.
func ReadSyncMessage(dec *Decoder, enc *Encoder, target Target) (uint64, error) {
	kind, err := dec.ReadUvarint()
	if err != nil {
		return 0, err
	}
	payload, err := dec.ReadBytes()
	if err != nil {
		return kind, err
	}
	switch kind {
	case SyncStep1:
		delta, err := target.Diff(payload)
		if err != nil {
			return kind, fmt.Errorf("failed to diff: %w", err)
		}
		enc.WriteUvarint(SyncStep2)
		enc.WriteBytes(delta)
	case SyncStep2, SyncUpdate:
		if err := target.Apply(payload); err != nil {
			return kind, fmt.Errorf("failed to apply: %w", err)
		}
	default:
		return kind, fmt.Errorf("%w: unknown sync kind %d", ErrMalformed, kind)
	}
	return kind, nil
}

func encodeSync(kind uint64, payload []byte) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(MessageSync)
	enc.WriteUvarint(kind)
	enc.WriteBytes(payload)
	return enc.Bytes()
}

// EncodeStep1 builds the message advertising a state vector.
func EncodeStep1(stateVector []byte) []byte {
	return encodeSync(SyncStep1, stateVector)
}

// EncodeStep2 builds the reply carrying the deltas a peer is missing.
func EncodeStep2(delta []byte) []byte {
	return encodeSync(SyncStep2, delta)
}

// EncodeUpdate builds a direct delta push.
func EncodeUpdate(delta []byte) []byte {
	return encodeSync(SyncUpdate, delta)
}

// EncodeAwareness wraps an encoded awareness update.
func EncodeAwareness(update []byte) []byte {
	enc := NewEncoder()
	enc.WriteUvarint(MessageAwareness)
	enc.WriteBytes(update)
	return enc.Bytes()
}

// Message is a fully decoded envelope. SyncKind is only meaningful for
// MessageSync.
type Message struct {
	Kind     uint64
	SyncKind uint64
	Payload  []byte
}

// Decode parses a whole message. Unknown kinds decode with a nil payload so
// callers can skip them.
func Decode(b []byte) (Message, error) {
	dec := NewDecoder(b)
	kind, err := dec.ReadUvarint()
	if err != nil {
		return Message{}, err
	}
	m := Message{Kind: kind}
	switch kind {
	case MessageSync:
		if m.SyncKind, err = dec.ReadUvarint(); err != nil {
			return m, err
		}
		if m.Payload, err = dec.ReadBytes(); err != nil {
			return m, err
		}
	case MessageAwareness:
		if m.Payload, err = dec.ReadBytes(); err != nil {
			return m, err
		}
	}
	return m, nil
}
