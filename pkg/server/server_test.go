package server

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-relay/pkg/client"
	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/docstore"
	"github.com/astromechza/automerge-relay/pkg/gatekeeper"
	"github.com/astromechza/automerge-relay/pkg/metrics"
	"github.com/astromechza/automerge-relay/pkg/session"
)

type fixture struct {
	srv      *httptest.Server
	registry *docstore.Registry
	verifier *gatekeeper.JWTVerifier
	reg      *prometheus.Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	registry := docstore.NewRegistry(docstore.WithMetrics(m))
	sessions := session.NewManager(registry, session.WithMetrics(m))
	verifier := gatekeeper.NewJWTVerifier("s3cret")
	s := New(registry, sessions, gatekeeper.New(verifier, nil, m), reg, nil)
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(srv.Close)
	return &fixture{srv: srv, registry: registry, verifier: verifier, reg: reg}
}

func (f *fixture) token(t *testing.T, user string) string {
	t.Helper()
	token, err := f.verifier.Issue(gatekeeper.Identity{UserID: user}, time.Hour)
	require.NoError(t, err)
	return token
}

func (f *fixture) get(t *testing.T, path, token string) (int, []byte) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, f.srv.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	code, body := f.get(t, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "ok", string(body))
}

func TestUnauthenticatedUpgradeRejected(t *testing.T) {
	f := newFixture(t)
	u := "ws" + f.srv.URL[len("http"):] + "/collab/doc"
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(u+"?token=nope", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	assert.Zero(t, f.registry.Len())

	code, body := f.get(t, "/metrics", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `collab_auth_rejected_total{reason="missing"} 1`)
	assert.Contains(t, string(body), `collab_auth_rejected_total{reason="invalid"} 1`)
}

func TestClientsConvergeThroughHandler(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := client.Dial(ctx, f.srv.URL, "notes", f.token(t, "a"), nil)
	require.NoError(t, err)
	defer a.Close()
	go func() { _ = a.Run(ctx) }()
	<-a.Synced()

	b, err := client.Dial(ctx, f.srv.URL, "notes", f.token(t, "b"), nil)
	require.NoError(t, err)
	defer b.Close()
	go func() { _ = b.Run(ctx) }()
	<-b.Synced()

	require.NoError(t, a.InitText())
	require.NoError(t, a.Insert(0, "hello"))
	require.Eventually(t, func() bool {
		text, _ := b.Text()
		return text == "hello"
	}, 3*time.Second, 10*time.Millisecond)

	code, body := f.get(t, "/documents/notes/latest", f.token(t, "c"))
	require.Equal(t, http.StatusOK, code)
	doc, err := crdt.Load(body)
	require.NoError(t, err)
	text, err := doc.Text()
	require.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestLatestUnknownDocument(t *testing.T) {
	f := newFixture(t)
	code, _ := f.get(t, "/documents/missing/latest", f.token(t, "a"))
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = f.get(t, "/documents/missing/latest", "")
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestCollabRejectsNulDocumentName(t *testing.T) {
	f := newFixture(t)
	u := "ws" + f.srv.URL[len("http"):] + "/collab/notes%00other?token=" + f.token(t, "a")
	_, resp, err := websocket.DefaultDialer.Dial(u, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Zero(t, f.registry.Len())
}
