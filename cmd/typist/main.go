// Command typist connects to a relay and types random words into a document,
// reconnecting when the connection drops. It is useful for watching several
// editors converge.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/astromechza/automerge-relay/pkg/client"
	"github.com/astromechza/automerge-relay/pkg/crdt"
)

var words = []string{"lorem", "ipsum", "dolor", "sit", "amet", "relay", "merge", "cursor", "shared", "text"}

func main() {
	if err := mainInner(); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func mainInner() error {
	addrVar := flag.String("addr", "http://127.0.0.1:8080", "the relay base url")
	docVar := flag.String("doc", "default", "the document to edit")
	tokenVar := flag.String("token", os.Getenv("COLLAB_TOKEN"), "access token, see collabd token")
	nameVar := flag.String("name", fmt.Sprintf("typist-%d", os.Getpid()), "name shown to other editors")
	flag.Parse()

	base, err := url.Parse(*addrVar)
	if err != nil {
		return err
	}
	doc, err := fetchLatest(base, *docVar, *tokenVar)
	if err != nil {
		return err
	}
	slog.Info("established base doc", "heads", doc.Heads())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	t := &typist{base: base.String(), document: *docVar, token: *tokenVar, name: *nameVar, doc: doc}

	wg := new(sync.WaitGroup)
	wg.Add(1)
	go func() {
		defer wg.Done()
		t.connectContinuously(ctx)
	}()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-exit
	slog.Info("signal caught", "sig", sig)
	cancel()
	wg.Wait()

	tf := filepath.Join(os.TempDir(), fmt.Sprintf("%s-%d.doc", *docVar, os.Getpid()))
	if err := os.WriteFile(tf, doc.EncodeFull(), 0o644); err != nil {
		return err
	}
	slog.Info("dumped", "dump", tf)
	return nil
}

// fetchLatest downloads the relay's copy of document, or starts empty when
// nobody has it open.
func fetchLatest(base *url.URL, document, token string) (*crdt.Doc, error) {
	req, err := http.NewRequest(http.MethodGet, base.JoinPath("documents", document, "latest").String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to get: %w", err)
	}
	defer resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read body from get: %w", err)
		}
		return crdt.Load(raw)
	case http.StatusNotFound:
		return crdt.New(), nil
	default:
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
}

type typist struct {
	base     string
	document string
	token    string
	name     string
	doc      *crdt.Doc
}

func (t *typist) connectContinuously(ctx context.Context) {
	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 10 * time.Second
	for ctx.Err() == nil {
		err := t.session(ctx)
		if err == nil || ctx.Err() != nil {
			b.Reset()
			continue
		}
		wait := b.NextBackOff()
		slog.Error("session failed", "err", err, "retry", wait)
		select {
		case <-time.After(wait):
		case <-ctx.Done():
		}
	}
	slog.Info("stopping")
}

func (t *typist) session(ctx context.Context) error {
	c, err := client.Dial(ctx, t.base, t.document, t.token, t.doc)
	if err != nil {
		return err
	}
	defer c.Close()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(sessionCtx) }()

	select {
	case <-c.Synced():
	case err := <-runErr:
		return err
	}
	if err := c.InitText(); err != nil {
		return err
	}
	slog.Info("synced", "heads", t.doc.Heads())

	for {
		timer := time.NewTimer(500*time.Millisecond + time.Duration(rand.IntN(1500))*time.Millisecond)
		select {
		case <-timer.C:
			if err := t.typeWord(c); err != nil {
				return err
			}
		case err := <-runErr:
			timer.Stop()
			if err == nil {
				err = errors.New("connection closed")
			}
			return err
		case <-ctx.Done():
			timer.Stop()
			return nil
		}
	}
}

func (t *typist) typeWord(c *client.Client) error {
	text, err := c.Text()
	if err != nil {
		return err
	}
	length := len([]rune(text))
	pos := 0
	if length > 0 {
		pos = rand.IntN(length + 1)
	}
	word := words[rand.IntN(len(words))] + " "
	if err := c.Insert(pos, word); err != nil {
		return err
	}
	if err := c.SetPresence(map[string]any{"name": t.name, "cursor": pos + len(word)}); err != nil {
		return err
	}
	slog.Info("typed", "word", word, "pos", pos, "peers", c.Peers().Len())
	return nil
}
