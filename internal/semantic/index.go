package semantic

import (
	"context"

	"github.com/starford/modelshift/internal/models"
)

// Index defines the operations the context builder needs from a store.
// Consumers should depend on this interface rather than the concrete *Store.
type Index interface {
	Sync(ctx context.Context, elements []models.Element) (int, error)
	Query(ctx context.Context, text string, k int) ([]Document, error)
	Related(ctx context.Context, id string) ([]Document, error)
	Get(ctx context.Context, id string) (Document, bool, error)
}

// Verify *Store satisfies Index at compile time.
var _ Index = (*Store)(nil)
