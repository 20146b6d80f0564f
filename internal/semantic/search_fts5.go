//go:build sqlite_fts5

package semantic

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

func initFTS(conn *sql.DB) error {
	_, err := conn.Exec(`
		CREATE VIRTUAL TABLE IF NOT EXISTS documents_fts USING fts5(
			id UNINDEXED,
			terms,
			tokenize = 'unicode61 remove_diacritics 2'
		);
	`)
	return err
}

func ftsClear(ctx context.Context, tx *sql.Tx) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM documents_fts`); err != nil {
		return fmt.Errorf("semantic: clear fts: %w", err)
	}
	return nil
}

func ftsUpsert(ctx context.Context, tx *sql.Tx, id, content string) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO documents_fts (id, terms) VALUES (?, ?)`,
		id, strings.Join(Terms(content), " "))
	if err != nil {
		return fmt.Errorf("semantic: upsert fts: %w", err)
	}
	return nil
}

// Query ranks documents with FTS5 bm25. Documents that match no term fill the
// remaining slots in insertion order, so up to k results are always returned.
func (s *Store) Query(ctx context.Context, text string, k int) ([]Document, error) {
	if k <= 0 {
		return nil, nil
	}

	var out []Document
	if match := ftsMatchExpr(text); match != "" {
		ranked, err := s.queryDocuments(ctx, `
			SELECT d.id, d.owner_id, d.content, d.checksum
			FROM documents_fts f
			JOIN documents d ON d.id = f.id
			WHERE documents_fts MATCH ?
			ORDER BY bm25(documents_fts), d.rowid
			LIMIT ?
		`, match, k)
		if err != nil {
			return nil, fmt.Errorf("semantic: query: %w", err)
		}
		out = ranked
	}
	if len(out) >= k {
		return out, nil
	}

	all, err := s.all(ctx)
	if err != nil {
		return nil, fmt.Errorf("semantic: query: %w", err)
	}
	seen := make(map[string]struct{}, len(out))
	for _, d := range out {
		seen[d.ID] = struct{}{}
	}
	for _, d := range all {
		if len(out) >= k {
			break
		}
		if _, ok := seen[d.ID]; !ok {
			out = append(out, d)
		}
	}
	return out, nil
}

// ftsMatchExpr quotes every term and ORs them: "fix auth" → `"fix" OR "auth"`.
func ftsMatchExpr(text string) string {
	terms := Terms(text)
	for i, t := range terms {
		terms[i] = `"` + t + `"`
	}
	return strings.Join(terms, " OR ")
}
