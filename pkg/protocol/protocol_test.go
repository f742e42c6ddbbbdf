package protocol

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTarget struct {
	sv      []byte
	diffs   map[string][]byte
	applied [][]byte
	err     error
}

func (f *fakeTarget) StateVector() []byte { return f.sv }

func (f *fakeTarget) Diff(sv []byte) ([]byte, error) {
	return f.diffs[string(sv)], f.err
}

func (f *fakeTarget) Apply(delta []byte) error {
	f.applied = append(f.applied, delta)
	return f.err
}

func handle(t *testing.T, target Target, msg []byte) ([]byte, error) {
	t.Helper()
	dec := NewDecoder(msg)
	kind, err := dec.ReadUvarint()
	require.NoError(t, err)
	require.Equal(t, MessageSync, kind)
	enc := NewEncoder()
	enc.WriteUvarint(MessageSync)
	if _, err := ReadSyncMessage(dec, enc, target); err != nil {
		return nil, err
	}
	if enc.Len() <= 1 {
		return nil, nil
	}
	return enc.Bytes(), nil
}

func TestStep1RepliesWithStep2(t *testing.T) {
	target := &fakeTarget{diffs: map[string][]byte{"sv": []byte("missing")}}

	out, err := handle(t, target, EncodeStep1([]byte("sv")))
	require.NoError(t, err)
	assert.Equal(t, EncodeStep2([]byte("missing")), out)

	m, err := Decode(out)
	require.NoError(t, err)
	assert.Equal(t, Message{Kind: MessageSync, SyncKind: SyncStep2, Payload: []byte("missing")}, m)
}

func TestUpdateAndStep2ApplyWithoutReply(t *testing.T) {
	target := &fakeTarget{}

	out, err := handle(t, target, EncodeUpdate([]byte("u1")))
	require.NoError(t, err)
	assert.Nil(t, out)

	out, err = handle(t, target, EncodeStep2([]byte("u2")))
	require.NoError(t, err)
	assert.Nil(t, out)

	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2")}, target.applied)
}

func TestApplyErrorsPropagate(t *testing.T) {
	target := &fakeTarget{err: errors.New("boom")}
	_, err := handle(t, target, EncodeUpdate([]byte("u")))
	assert.ErrorContains(t, err, "boom")
}

func TestUnknownSyncKindIsMalformed(t *testing.T) {
	enc := NewEncoder()
	enc.WriteUvarint(MessageSync)
	enc.WriteUvarint(9)
	enc.WriteBytes(nil)
	_, err := handle(t, &fakeTarget{}, enc.Bytes())
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestDecode(t *testing.T) {
	m, err := Decode(EncodeAwareness([]byte{1, 2, 3}))
	require.NoError(t, err)
	assert.Equal(t, MessageAwareness, m.Kind)
	assert.Equal(t, []byte{1, 2, 3}, m.Payload)

	m, err = Decode([]byte{7, 1, 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(7), m.Kind)
	assert.Nil(t, m.Payload)

	_, err = Decode([]byte{0, 2, 10, 'x'})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}
