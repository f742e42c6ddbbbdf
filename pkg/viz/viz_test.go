package viz

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/crdt"
)

func TestRenderHistory(t *testing.T) {
	doc := crdt.New()
	_, err := doc.InitText()
	require.NoError(t, err)
	_, err = doc.Insert(0, "hello")
	require.NoError(t, err)
	revisions, err := doc.History()
	require.NoError(t, err)
	require.Len(t, revisions, 2)

	var buff bytes.Buffer
	require.NoError(t, RenderHistory(revisions, &buff))
	assert.Contains(t, buff.String(), "<svg")
	assert.Contains(t, buff.String(), revisions[1].Hash[:8])

	path := filepath.Join(t.TempDir(), "history.svg")
	require.NoError(t, RenderHistoryFile(revisions, path))
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(raw), "<svg")
}

func TestLabelTruncates(t *testing.T) {
	l := label(crdt.Revision{Hash: "0123456789", Actor: "abcdefghij", Seq: 2, Text: string(bytes.Repeat([]byte("x"), 50))})
	assert.Contains(t, l, "01234567 abcdefgh@2")
	assert.Contains(t, l, "…")
}
