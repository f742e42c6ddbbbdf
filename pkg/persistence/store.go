package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Snapshot when a document has none yet.
var ErrNotFound = errors.New("not found")

// Record is a stored blob with the time it was written.
type Record struct {
	Data []byte
	At   time.Time
}

// Store is the durable side of persistence: an append-only log of update
// deltas per document plus at most one snapshot per document.
type Store interface {
	AppendUpdate(ctx context.Context, doc string, update []byte, at time.Time) error
	// Updates returns the records created at or after the given time, oldest
	// first. Records with equal timestamps keep insertion order.
	Updates(ctx context.Context, doc string, since time.Time) ([]Record, error)
	Snapshot(ctx context.Context, doc string) (Record, error)
	// PutSnapshot replaces the document's snapshot.
	PutSnapshot(ctx context.Context, doc string, data []byte, at time.Time) error
	// PruneUpdates deletes records created strictly before the given time, so
	// it never removes anything Updates(before) would return.
	PruneUpdates(ctx context.Context, doc string, before time.Time) error
	Close() error
}

// UnixNanos is the integer timestamp stores index by. The zero time maps to 0
// so Updates from the zero time selects every record.
func UnixNanos(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}
