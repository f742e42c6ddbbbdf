package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/astromechza/automerge-relay/pkg/crdt"
	"github.com/astromechza/automerge-relay/pkg/docstore"
	"github.com/astromechza/automerge-relay/pkg/persistence"
	"github.com/astromechza/automerge-relay/pkg/viz"
)

var (
	inspectDriver  string
	inspectDSN     string
	inspectSVG     string
	inspectHistory bool
	inspectFile    string
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <document>",
	Short: "Load a document from the store, or a dumped file, and print its text",
	Args:  inspectArgs,
	RunE:  runInspect,
}

func inspectArgs(cmd *cobra.Command, args []string) error {
	if inspectFile != "" {
		return cobra.NoArgs(cmd, args)
	}
	if inspectDriver == "memory" {
		return fmt.Errorf("driver memory holds nothing to inspect, use sqlite, postgres or badger")
	}
	return cobra.ExactArgs(1)(cmd, args)
}

func init() {
	inspectCmd.Flags().StringVar(&inspectDriver, "driver", "sqlite", "store driver: sqlite, postgres or badger")
	inspectCmd.Flags().StringVar(&inspectDSN, "dsn", "collab.sqlite3", "store location")
	inspectCmd.Flags().StringVar(&inspectSVG, "svg", "", "also render the change history to this svg file")
	inspectCmd.Flags().BoolVar(&inspectHistory, "history", false, "print every change with its text")
	inspectCmd.Flags().StringVar(&inspectFile, "file", "", "read a saved document (as written by typist) instead of the store")
}

func runInspect(cmd *cobra.Command, args []string) error {
	var (
		doc *crdt.Doc
		err error
	)
	if inspectFile != "" {
		doc, err = loadFile(inspectFile)
	} else {
		doc, err = loadFromStore(cmd.Context(), args[0])
	}
	if err != nil {
		return err
	}

	text, err := doc.Text()
	if err != nil {
		return fmt.Errorf("failed to read text: %w", err)
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "heads: %v\n", doc.Heads())
	fmt.Fprintf(out, "size: %d bytes\n", len(doc.EncodeFull()))
	fmt.Fprintf(out, "text:\n%s\n", text)

	if !inspectHistory && inspectSVG == "" {
		return nil
	}
	revisions, err := doc.History()
	if err != nil {
		return err
	}
	if inspectHistory {
		for _, rev := range revisions {
			fmt.Fprintf(out, "%s %s@%d %q\n", rev.Hash, rev.Actor, rev.Seq, rev.Text)
		}
	}
	if inspectSVG != "" {
		if err := viz.RenderHistoryFile(revisions, inspectSVG); err != nil {
			return err
		}
		fmt.Fprintf(out, "rendered %d changes to %s\n", len(revisions), inspectSVG)
	}
	return nil
}

func loadFile(path string) (*crdt.Doc, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read input file: %w", err)
	}
	doc, err := crdt.Load(raw)
	if err != nil {
		return nil, fmt.Errorf("failed to load doc: %w", err)
	}
	return doc, nil
}

// loadFromStore replays document through the same path the relay uses so the
// replay rules match.
func loadFromStore(ctx context.Context, document string) (*crdt.Doc, error) {
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	store, _, err := openStore(ctx, inspectDriver, inspectDSN, log)
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	defer store.Close()

	registry := docstore.NewRegistry(
		docstore.WithLoader(persistence.New(store, persistence.WithLogger(log))),
		docstore.WithLogger(log),
		docstore.WithContext(ctx),
	)
	r := registry.GetOrCreate(document)
	select {
	case <-r.Loaded():
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if r.State() != docstore.StateReady {
		return nil, fmt.Errorf("document %s did not load", document)
	}
	return r.Doc(), nil
}
