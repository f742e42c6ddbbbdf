package awareness

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func update(entries ...Entry) []byte {
	return Encode(entries)
}

func TestApplyAddUpdateRemove(t *testing.T) {
	tbl := NewTable()

	change, err := tbl.Apply(update(Entry{ClientID: 7, Clock: 1, State: json.RawMessage(`{"name":"ada"}`)}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Added)
	assert.Equal(t, []uint64{7}, tbl.Clients())

	change, err = tbl.Apply(update(Entry{ClientID: 7, Clock: 2, State: json.RawMessage(`{"name":"ada","cursor":3}`)}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Updated)
	state, ok := tbl.State(7)
	require.True(t, ok)
	assert.JSONEq(t, `{"name":"ada","cursor":3}`, string(state))

	change, err = tbl.Apply(update(Entry{ClientID: 7, Clock: 2}))
	require.NoError(t, err)
	assert.Equal(t, []uint64{7}, change.Removed)
	assert.Zero(t, tbl.Len())
}

func TestApplyIgnoresStaleClock(t *testing.T) {
	tbl := NewTable()
	_, err := tbl.Apply(update(Entry{ClientID: 1, Clock: 5, State: json.RawMessage(`{"v":5}`)}))
	require.NoError(t, err)

	change, err := tbl.Apply(update(Entry{ClientID: 1, Clock: 4, State: json.RawMessage(`{"v":4}`)}))
	require.NoError(t, err)
	assert.True(t, change.Empty())
	state, _ := tbl.State(1)
	assert.JSONEq(t, `{"v":5}`, string(state))
}

func TestRemoveEncodesNullWithCurrentClock(t *testing.T) {
	server := NewTable()
	peer := NewTable()
	add := update(Entry{ClientID: 3, Clock: 9, State: json.RawMessage(`{"color":"#fff"}`)})
	_, err := server.Apply(add)
	require.NoError(t, err)
	_, err = peer.Apply(add)
	require.NoError(t, err)

	removed := server.Remove([]uint64{3, 4})
	assert.Equal(t, []uint64{3}, removed.Removed)

	entries, err := Decode(server.Encode(removed.Removed))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(9), entries[0].Clock)
	assert.Nil(t, entries[0].State)

	change, err := peer.Apply(server.Encode(removed.Removed))
	require.NoError(t, err)
	assert.Equal(t, []uint64{3}, change.Removed)
}

func TestExpire(t *testing.T) {
	now := time.Unix(1000, 0)
	tbl := NewTable()
	tbl.now = func() time.Time { return now }

	_, err := tbl.Apply(update(
		Entry{ClientID: 1, Clock: 1, State: json.RawMessage(`{}`)},
		Entry{ClientID: 2, Clock: 1, State: json.RawMessage(`{}`)},
	))
	require.NoError(t, err)

	now = now.Add(20 * time.Second)
	_, err = tbl.Apply(update(Entry{ClientID: 2, Clock: 2, State: json.RawMessage(`{}`)}))
	require.NoError(t, err)

	now = now.Add(15 * time.Second)
	change := tbl.Expire(30 * time.Second)
	assert.Equal(t, []uint64{1}, change.Removed)
	assert.Equal(t, []uint64{2}, tbl.Clients())
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{1, 1, 1, 3, 'x', 'y', 'z'})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode([]byte{1, 1})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Decode(nil)
	assert.ErrorIs(t, err, ErrMalformed)
}
