//go:build !sqlite_fts5

package semantic

import (
	"context"
	"database/sql"
	"fmt"
)

func initFTS(_ *sql.DB) error {
	// FTS5 not available; Query scores documents in Go.
	return nil
}

func ftsClear(_ context.Context, _ *sql.Tx) error { return nil }

func ftsUpsert(_ context.Context, _ *sql.Tx, _, _ string) error { return nil }

// Query ranks every document with BM25 over Terms (fallback when FTS5 is not
// compiled in). Equal scores keep insertion order.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Document, error) {
	if k <= 0 {
		return nil, nil
	}
	docs, err := s.all(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w", err)
	}
	ranked := rank(Terms(text), docs)
	if len(ranked) > k {
		ranked = ranked[:k]
	}
	return ranked, nil
}
