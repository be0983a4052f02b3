package knowledge

import (
	"context"
	"errors"

	"github.com/postloom/backend/internal/models"
)

// ErrCollectionNotFound is returned when a collection has no chunks at all.
var ErrCollectionNotFound = errors.New("knowledge collection not found")

// Store is the read-only retrieval service over embedded chunks. All methods
// are safe for concurrent use.
type Store interface {
	// Sample returns up to n chunks chosen at random from the collection.
	Sample(ctx context.Context, collectionID string, n int) ([]models.Chunk, error)
	// Similar returns up to k chunks nearest to seed, excluding seed itself.
	Similar(ctx context.Context, collectionID string, seed models.Chunk, k int) ([]models.Chunk, error)
	Count(ctx context.Context, collectionID string) (int, error)
}
