package store

import (
	"context"
	"errors"

	"propfirm-core/pkg/db"
)

// SQLite stores values in the kv_store table.
type SQLite struct {
	q *db.Queries
}

// NewSQLite wraps an already migrated database.
func NewSQLite(database *db.Database) *SQLite {
	return &SQLite{q: database.Queries()}
}

func (s *SQLite) Get(ctx context.Context, owner, key string) ([]byte, error) {
	v, err := s.q.KVGet(ctx, owner, key)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrNotFound
	}
	return v, err
}

func (s *SQLite) Put(ctx context.Context, owner, key string, value []byte) error {
	return s.q.KVPut(ctx, owner, key, value)
}

func (s *SQLite) Delete(ctx context.Context, owner, key string) error {
	return s.q.KVDelete(ctx, owner, key)
}

// Close is a no-op; the database handle is owned by the caller.
func (s *SQLite) Close() error { return nil }
