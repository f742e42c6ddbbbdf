// Package pgstore keeps the update log and snapshots in PostgreSQL.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/astromechza/automerge-relay/pkg/persistence"
)

type Store struct {
	pool *pgxpool.Pool
}

var _ persistence.Store = (*Store)(nil)

// Open connects to dsn and ensures the tables exist.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	s := &Store{pool: pool}
	if err := s.init(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	for _, stmt := range []string{
		`CREATE TABLE IF NOT EXISTS document_updates (
		id bigserial primary key,
		document text not null,
		content bytea not null,
		created_at bigint not null
		)`,
		`CREATE INDEX IF NOT EXISTS document_updates_doc_created ON document_updates (document, created_at)`,
		`CREATE TABLE IF NOT EXISTS document_snapshots (
		document text primary key,
		content bytea not null,
		created_at bigint not null
		)`,
	} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to ensure schema: %w", err)
		}
	}
	slog.Debug("ensured postgres tables exist")
	return nil
}

func (s *Store) AppendUpdate(ctx context.Context, doc string, update []byte, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO document_updates (document, content, created_at) VALUES ($1, $2, $3)`,
		doc, update, persistence.UnixNanos(at),
	); err != nil {
		return fmt.Errorf("failed to insert update: %w", err)
	}
	return nil
}

func (s *Store) Updates(ctx context.Context, doc string, since time.Time) ([]persistence.Record, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT content, created_at FROM document_updates WHERE document = $1 AND created_at >= $2 ORDER BY created_at, id`,
		doc, persistence.UnixNanos(since),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query: %w", err)
	}
	defer rows.Close()
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
	if err := s.pool.QueryRow(ctx,
		`SELECT content, created_at FROM document_snapshots WHERE document = $1`, doc,
	).Scan(&content, &createdAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return persistence.Record{}, persistence.ErrNotFound
		}
		return persistence.Record{}, fmt.Errorf("failed to query snapshot: %w", err)
	}
	return persistence.Record{Data: content, At: time.Unix(0, createdAt)}, nil
}

func (s *Store) PutSnapshot(ctx context.Context, doc string, data []byte, at time.Time) error {
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO document_snapshots (document, content, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (document) DO UPDATE SET content = EXCLUDED.content, created_at = EXCLUDED.created_at`,
		doc, data, persistence.UnixNanos(at),
	); err != nil {
		return fmt.Errorf("failed to upsert snapshot: %w", err)
	}
	return nil
}

func (s *Store) PruneUpdates(ctx context.Context, doc string, before time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM document_updates WHERE document = $1 AND created_at < $2`,
		doc, persistence.UnixNanos(before),
	)
	if err != nil {
		return fmt.Errorf("failed to prune: %w", err)
	}
	if tag.RowsAffected() > 0 {
		slog.Debug("pruned updates", "doc", doc, "rows", tag.RowsAffected())
	}
	return nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}
