// Package storetest holds behaviour checks every persistence.Store must pass.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/persistence"
)

// Run exercises a fresh store returned by open for each subtest.
func Run(t *testing.T, open func(t *testing.T) persistence.Store) {
	base := time.Unix(1_700_000_000, 0)
	ctx := context.Background()

	t.Run("missing snapshot", func(t *testing.T) {
		s := open(t)
		_, err := s.Snapshot(ctx, "nope")
		assert.ErrorIs(t, err, persistence.ErrNotFound)
		recs, err := s.Updates(ctx, "nope", time.Time{})
		require.NoError(t, err)
		assert.Empty(t, recs)
	})

	t.Run("updates ascending from cutoff", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.AppendUpdate(ctx, "doc", []byte("b"), base.Add(2*time.Second)))
		require.NoError(t, s.AppendUpdate(ctx, "doc", []byte("a"), base.Add(time.Second)))
		require.NoError(t, s.AppendUpdate(ctx, "doc", []byte("c"), base.Add(3*time.Second)))
		require.NoError(t, s.AppendUpdate(ctx, "doc", []byte("c2"), base.Add(3*time.Second)))
		require.NoError(t, s.AppendUpdate(ctx, "other", []byte("x"), base.Add(time.Second)))

		recs, err := s.Updates(ctx, "doc", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "c2"}, data(recs))
		assert.True(t, recs[0].At.Equal(base.Add(time.Second)))

		recs, err = s.Updates(ctx, "doc", base.Add(2*time.Second))
		require.NoError(t, err)
		assert.Equal(t, []string{"b", "c", "c2"}, data(recs))
	})

	t.Run("snapshot replaced", func(t *testing.T) {
		s := open(t)
		require.NoError(t, s.PutSnapshot(ctx, "doc", []byte("one"), base))
		require.NoError(t, s.PutSnapshot(ctx, "doc", []byte("two"), base.Add(time.Minute)))
		snap, err := s.Snapshot(ctx, "doc")
		require.NoError(t, err)
		assert.Equal(t, []byte("two"), snap.Data)
		assert.True(t, snap.At.Equal(base.Add(time.Minute)))
	})

	t.Run("prune before", func(t *testing.T) {
		s := open(t)
		for i := range 4 {
			require.NoError(t, s.AppendUpdate(ctx, "doc", []byte{byte('a' + i)}, base.Add(time.Duration(i)*time.Second)))
		}
		require.NoError(t, s.AppendUpdate(ctx, "other", []byte("x"), base))
		require.NoError(t, s.PruneUpdates(ctx, "doc", base.Add(2*time.Second)))

		recs, err := s.Updates(ctx, "doc", time.Time{})
		require.NoError(t, err)
		assert.Equal(t, []string{"c", "d"}, data(recs))
		recs, err = s.Updates(ctx, "other", time.Time{})
		require.NoError(t, err)
		assert.Len(t, recs, 1)
	})
}

func data(recs []persistence.Record) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = string(r.Data)
	}
	return out
}
