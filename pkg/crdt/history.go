package crdt

import "fmt"

// Revision describes one change in the document history.
type Revision struct {
	Hash  string
	Actor string
	Seq   uint64
	Deps  []string
	// Text is the shared text as of this change.
	Text string
}

// History lists every change with the text checked out at that change.
func (d *Doc) History() ([]Revision, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	changes, err := d.doc.Changes()
	if err != nil {
		return nil, fmt.Errorf("failed to generate changes: %w", err)
	}
	out := make([]Revision, 0, len(changes))
	for _, change := range changes {
		docAt, err := d.doc.Fork(change.Hash())
		if err != nil {
			return nil, fmt.Errorf("failed to checkout %s: %w", change.Hash(), err)
		}
		text, err := textOf(docAt)
		if err != nil {
			return nil, fmt.Errorf("failed to read text at %s: %w", change.Hash(), err)
		}
		deps := make([]string, 0, len(change.Dependencies()))
		for _, h := range change.Dependencies() {
			deps = append(deps, h.String())
		}
		out = append(out, Revision{
			Hash:  change.Hash().String(),
			Actor: change.ActorID(),
			Seq:   uint64(change.ActorSeq()),
			Deps:  deps,
			Text:  text,
		})
	}
	return out, nil
}
