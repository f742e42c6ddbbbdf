package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/astromechza/automerge-relay/pkg/config"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/gatekeeper"
	"github.com/astromechza/automerge-relay/pkg/persistence/sqlstore"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	// flag values outlive a single Execute
	inspectDriver, inspectDSN, inspectSVG, inspectHistory, inspectFile = "sqlite", "collab.sqlite3", "", false, ""
	out, err := run(args...)
	require.NoError(t, err)
	return out
}

func run(args ...string) (string, error) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSessionConfigFromConfig(t *testing.T) {
	t.Setenv("COLLAB_AUTH_SECRET", "s3cret")
	t.Setenv("COLLAB_SESSION_RATE_LIMIT", "12.5")
	t.Setenv("COLLAB_SESSION_RATE_BURST", "30")
	cfg, err := config.Load("")
	require.NoError(t, err)

	sc := sessionConfig(cfg)
	assert.Equal(t, rate.Limit(12.5), sc.RateLimit)
	assert.Equal(t, 30, sc.RateBurst)
	assert.Equal(t, cfg.Session.IdleTimeout, sc.IdleTimeout)
	assert.Equal(t, cfg.Session.MaxMessageBytes, sc.MaxMessageBytes)
}

func TestTokenCommand(t *testing.T) {
	t.Setenv("COLLAB_AUTH_SECRET", "s3cret")
	token := strings.TrimSpace(execute(t, "token", "ada", "--email", "ada@example.com"))

	id, err := gatekeeper.NewJWTVerifier("s3cret").Verify(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, gatekeeper.Identity{UserID: "ada", Email: "ada@example.com"}, id)
}

func TestInspectReplaysStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "collab.sqlite3")
	store, err := sqlstore.Open(context.Background(), path)
	require.NoError(t, err)
	doc := crdt.New()
	at := time.Now()
	for i, edit := range []func() ([]byte, error){
		doc.InitText,
		func() ([]byte, error) { return doc.Insert(0, "stored") },
	} {
		delta, err := edit()
		require.NoError(t, err)
		require.NoError(t, store.AppendUpdate(context.Background(), "notes", delta, at.Add(time.Duration(i))))
	}
	require.NoError(t, store.Close())

	svg := filepath.Join(t.TempDir(), "history.svg")
	out := execute(t, "inspect", "notes", "--dsn", path, "--history", "--svg", svg)
	assert.Contains(t, out, "text:\nstored\n")
	assert.Contains(t, out, `"stored"`)
	assert.Contains(t, out, "rendered 2 changes")
	_, err = os.Stat(svg)
	assert.NoError(t, err)
}

func TestInspectFile(t *testing.T) {
	doc := crdt.New()
	_, err := doc.InitText()
	require.NoError(t, err)
	_, err = doc.Insert(0, "dumped")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "notes.doc")
	require.NoError(t, os.WriteFile(path, doc.EncodeFull(), 0o600))

	out := execute(t, "inspect", "--file", path)
	assert.Contains(t, out, "text:\ndumped\n")
}

func TestInspectRejectsMemoryDriver(t *testing.T) {
	inspectFile = ""
	_, err := run("inspect", "notes", "--driver", "memory")
	assert.ErrorContains(t, err, "driver memory")
	inspectDriver = "sqlite"
}
