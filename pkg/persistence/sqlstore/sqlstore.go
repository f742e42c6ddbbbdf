// Package sqlstore keeps the update log and snapshots in a SQLite database.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/automerge-relay/pkg/persistence"
)

type Store struct {
	database *sql.DB
}

var _ persistence.Store = (*Store)(nil)

// Open opens (creating if needed) the SQLite database at path and ensures the
// tables exist. Use ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite serialises writers anyway and :memory: is per-connection
	db.SetMaxOpenConns(1)
	s := &Store{database: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS document_updates (
		id integer not null primary key autoincrement,
		document text not null,
		content blob not null,
		created_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create updates table: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE INDEX IF NOT EXISTS document_updates_doc_created ON document_updates (document, created_at)`,
	); err != nil {
		return fmt.Errorf("failed to create updates index: %w", err)
	}
	if _, err := s.database.ExecContext(ctx,
		`CREATE TABLE IF NOT EXISTS document_snapshots (
		document text not null primary key,
		content blob not null,
		created_at integer not null
		)`,
	); err != nil {
		return fmt.Errorf("failed to create snapshots table: %w", err)
	}
	slog.Debug("ensured sqlite tables exist")
	return nil
}

func (s *Store) AppendUpdate(ctx context.Context, doc string, update []byte, at time.Time) error {
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO document_updates (document, content, created_at) VALUES (?, ?, ?)`,
		doc, update, persistence.UnixNanos(at),
	); err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}
	return nil
}

func (s *Store) Updates(ctx context.Context, doc string, since time.Time) ([]persistence.Record, error) {
	rows, err := s.database.QueryContext(ctx,
		`SELECT content, created_at FROM document_updates WHERE document = ? AND created_at >= ? ORDER BY created_at, id`,
		doc, persistence.UnixNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer func(rows *sql.Rows) {
		if err := rows.Close(); err != nil {
			slog.Error("failed to close rows", "err", err)
		}
	}(rows)
	var out []persistence.Record
	for rows.Next() {
		var content []byte
		var createdAt int64
		if err := rows.Scan(&content, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan: %w", err)
		}
		out = append(out, persistence.Record{Data: content, At: time.Unix(0, createdAt)})
	}
	return out, rows.Err()
}

func (s *Store) Snapshot(ctx context.Context, doc string) (persistence.Record, error) {
	var content []byte
	var createdAt int64
	if err := s.database.QueryRowContext(ctx,
		`SELECT content, created_at FROM document_snapshots WHERE document = ?`, doc,
	).Scan(&content, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return persistence.Record{}, persistence.ErrNotFound
		}
		return persistence.Record{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return persistence.Record{Data: content, At: time.Unix(0, createdAt)}, nil
}

func (s *Store) PutSnapshot(ctx context.Context, doc string, data []byte, at time.Time) error {
	if _, err := s.database.ExecContext(ctx,
		`INSERT INTO document_snapshots (document, content, created_at) VALUES (?, ?, ?)
		ON CONFLICT (document) DO UPDATE SET content = excluded.content, created_at = excluded.created_at`,
		doc, data, persistence.UnixNanos(at),
	); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

func (s *Store) PruneUpdates(ctx context.Context, doc string, before time.Time) error {
	if res, err := s.database.ExecContext(ctx,
		`DELETE FROM document_updates WHERE document = ? AND created_at < ?`,
		doc, persistence.UnixNanos(before),
	); err != nil {
		return fmt.Errorf("failed to prune: %w", err)
	} else if n, _ := res.RowsAffected(); n > 0 {
		slog.Debug("pruned updates", "doc", doc, "rows", n)
	}
	return nil
}

func (s *Store) Close() error {
	return s.database.Close()
}
