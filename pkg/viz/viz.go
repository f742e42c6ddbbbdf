// Package viz draws a document's change history as a graph.
package viz

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/goccy/go-graphviz"
	"github.com/goccy/go-graphviz/cgraph"

	"github.com/astromechza/automerge-relay/pkg/crdt"
)

const maxLabelText = 40

// RenderHistory writes revisions as an SVG graph to w, one node per change
// and an edge from each dependency to its dependent.
func RenderHistory(revisions []crdt.Revision, w io.Writer) error {
	g := graphviz.New()
	defer g.Close()

	graph, err := g.Graph()
	if err != nil {
		return fmt.Errorf("failed to setup graph: %w", err)
	}
	defer graph.Close()

	nodeMap := make(map[string]*cgraph.Node, len(revisions))
	var edgeCounter int
	for _, rev := range revisions {
		n, err := graph.CreateNode(rev.Hash)
		if err != nil {
			return fmt.Errorf("failed to create node: %w", err)
		}
		n.SetLabel(label(rev))
		nodeMap[rev.Hash] = n

		for _, dep := range rev.Deps {
			from, ok := nodeMap[dep]
			if !ok {
				continue
			}
			edgeCounter++
			if _, err := graph.CreateEdge(strconv.Itoa(edgeCounter), from, n); err != nil {
				return fmt.Errorf("failed to create edge: %w", err)
			}
		}
	}

	if err := g.Render(graph, graphviz.SVG, w); err != nil {
		return fmt.Errorf("failed to render: %w", err)
	}
	return nil
}

func label(rev crdt.Revision) string {
	text := []rune(rev.Text)
	if len(text) > maxLabelText {
		text = append(text[:maxLabelText], '…')
	}
	hash := rev.Hash
	if len(hash) > 8 {
		hash = hash[:8]
	}
	actor := rev.Actor
	if len(actor) > 8 {
		actor = actor[:8]
	}
	return fmt.Sprintf("%s %s@%d %q", hash, actor, rev.Seq, string(text))
}

// RenderHistoryFile renders to outputPath.
func RenderHistoryFile(revisions []crdt.Revision, outputPath string) error {
	var buff bytes.Buffer
	if err := RenderHistory(revisions, &buff); err != nil {
		return err
	}
	if err := os.WriteFile(outputPath, buff.Bytes(), 0o644); err != nil {
		return fmt.Errorf("failed to write: %w", err)
	}
	return nil
}
