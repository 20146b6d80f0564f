// Package semantic provides the similarity-searchable index over model
// elements. Each element is stored as one document whose content is the
// element's normalized JSON and whose metadata carries the owner id.
package semantic

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/mattn/go-sqlite3"

	"github.com/starford/modelshift/internal/checksum"
	"github.com/starford/modelshift/internal/models"
)

// MemoryDSN opens a private in-memory index.
const MemoryDSN = ":memory:"

const coreSchemaSQL = `
CREATE TABLE IF NOT EXISTS documents (
	id       TEXT PRIMARY KEY,
	owner_id TEXT NOT NULL DEFAULT '',
	content  TEXT NOT NULL,
	checksum TEXT NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_documents_owner ON documents(owner_id);
`

// Document is the indexed projection of one element.
type Document struct {
	ID       string
	OwnerID  string
	Content  string
	Checksum string
}

// Element parses the document content back into an element.
func (d Document) Element() (models.Element, error) {
	return models.ParseElement(d.Content)
}

// Store wraps a SQLite database holding the document index.
type Store struct {
	conn        *sql.DB
	logger      *slog.Logger
	fingerprint string
}

// Open opens (or creates) the index database and applies the schema.
func Open(dsn string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	source := dsn
	if dsn != MemoryDSN {
		source = dsn + "?_journal_mode=WAL&_busy_timeout=5000"
	}
	conn, err := sql.Open("sqlite3", source)
	if err != nil {
		return nil, fmt.Errorf("semantic: open db: %w", err)
	}
	// Every connection to ":memory:" is a separate database.
	conn.SetMaxOpenConns(1)
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("semantic: ping: %w", err)
	}
	if _, err := conn.Exec(coreSchemaSQL); err != nil {
		conn.Close()
		return nil, fmt.Errorf("semantic: apply core schema: %w", err)
	}
	if err := initFTS(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("semantic: apply fts schema: %w", err)
	}
	return &Store{conn: conn, logger: logger}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

// Sync replaces the whole index with one document per element. Empty fields
// are stripped before indexing. Elements without an id are skipped.
func (s *Store) Sync(ctx context.Context, elements []models.Element) (int, error) {
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("semantic: begin tx: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents`); err != nil {
		return 0, fmt.Errorf("semantic: clear documents: %w", err)
	}
	if err := ftsClear(ctx, tx); err != nil {
		return 0, err
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO documents (id, owner_id, content, checksum)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			owner_id = excluded.owner_id,
			content  = excluded.content,
			checksum = excluded.checksum
	`)
	if err != nil {
		return 0, fmt.Errorf("semantic: prepare insert: %w", err)
	}
	defer stmt.Close()

	contents := make([]string, 0, len(elements))
	indexed := 0
	for _, el := range elements {
		id := el.ID()
		if id == "" {
			s.logger.Warn("semantic: skipping element without id", slog.String("type", el.Type()))
			continue
		}
		content, err := el.Normalize()
		if err != nil {
			s.logger.Warn("semantic: skipping unserializable element",
				slog.String("id", id), slog.String("error", err.Error()))
			continue
		}
		if _, err := stmt.ExecContext(ctx, id, el.OwnerID(), content, checksum.Sum([]byte(content))); err != nil {
			return 0, fmt.Errorf("semantic: insert %s: %w", id, err)
		}
		if err := ftsUpsert(ctx, tx, id, content); err != nil {
			return 0, err
		}
		contents = append(contents, content)
		indexed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("semantic: commit: %w", err)
	}
	s.fingerprint = checksum.Fingerprint(contents)
	s.logger.Debug("semantic: synced",
		slog.Int("documents", indexed),
		slog.String("fingerprint", s.fingerprint))
	return indexed, nil
}

// Fingerprint identifies the content of the last successful Sync.
func (s *Store) Fingerprint() string {
	return s.fingerprint
}

// Count returns the number of indexed documents.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.conn.QueryRowContext(ctx, `SELECT count(*) FROM documents`).Scan(&n); err != nil {
		return 0, fmt.Errorf("semantic: count: %w", err)
	}
	return n, nil
}

// Get looks up a document by id. A missing id is reported with ok=false.
func (s *Store) Get(ctx context.Context, id string) (Document, bool, error) {
	var d Document
	err := s.conn.QueryRowContext(ctx,
		`SELECT id, owner_id, content, checksum FROM documents WHERE id = ?`, id,
	).Scan(&d.ID, &d.OwnerID, &d.Content, &d.Checksum)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, false, nil
	}
	if err != nil {
		return Document{}, false, fmt.Errorf("semantic: get %s: %w", id, err)
	}
	return d, true, nil
}

// Related returns the children of id (documents owned by it) followed by its
// owner, deduplicated and never including id itself. An unknown id yields an
// empty result. Documents whose content does not parse are skipped.
func (s *Store) Related(ctx context.Context, id string) ([]Document, error) {
	self, ok, err := s.Get(ctx, id)
	if err != nil || !ok {
		return nil, err
	}

	children, err := s.queryDocuments(ctx,
		`SELECT id, owner_id, content, checksum FROM documents
		 WHERE owner_id = ? AND id <> ? ORDER BY rowid`, id, id)
	if err != nil {
		return nil, fmt.Errorf("semantic: children of %s: %w", id, err)
	}

	candidates := children
	if self.OwnerID != "" && self.OwnerID != id {
		owner, found, err := s.Get(ctx, self.OwnerID)
		if err != nil {
			return nil, err
		}
		if found {
			candidates = append(candidates, owner)
		}
	}

	seen := make(map[string]struct{}, len(candidates))
	out := make([]Document, 0, len(candidates))
	for _, d := range candidates {
		if _, dup := seen[d.ID]; dup {
			continue
		}
		if _, err := d.Element(); err != nil {
			s.logger.Warn("semantic: skipping malformed document",
				slog.String("id", d.ID), slog.String("error", err.Error()))
			continue
		}
		seen[d.ID] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// all returns every document in insertion order.
func (s *Store) all(ctx context.Context) ([]Document, error) {
	return s.queryDocuments(ctx, `SELECT id, owner_id, content, checksum FROM documents ORDER BY rowid`)
}

func (s *Store) queryDocuments(ctx context.Context, query string, args ...any) ([]Document, error) {
	rows, err := s.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var d Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.Content, &d.Checksum); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
