// Package testutil provides shared test doubles: an in-memory model
// repository served over HTTP, a scripted inference boundary, and
// temporary semantic stores.
package testutil

import (
	"io"
	"log/slog"
	"os"
	"testing"

	"github.com/starford/modelshift/internal/semantic"
)

// TestStore creates a semantic store in a temporary SQLite file that is
// automatically cleaned up.
func TestStore(t *testing.T) *semantic.Store {
	t.Helper()
	dbFile, err := os.CreateTemp("", "modelshift-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	store, err := semantic.Open(dbFile.Name(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}
