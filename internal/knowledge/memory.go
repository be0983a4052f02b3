package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/postloom/backend/internal/models"
)

// MemoryStore holds chunks in process. It backs the "file" knowledge
// backend and the tests.
type MemoryStore struct {
	mu          sync.Mutex
	collections map[string][]models.Chunk
	rng         *rand.Rand
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore groups chunks by collection id. A nil rng gets a time-seeded source.
func NewMemoryStore(chunks []models.Chunk, rng *rand.Rand) *MemoryStore {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	s := &MemoryStore{collections: make(map[string][]models.Chunk), rng: rng}
	for _, c := range chunks {
		s.collections[c.CollectionID] = append(s.collections[c.CollectionID], c)
	}
	return s
}

// LoadFile reads a JSON array of chunks exported by the ingestion tooling.
func LoadFile(path string) (*MemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read knowledge file: %w", err)
	}
	var chunks []models.Chunk
	if err := json.Unmarshal(data, &chunks); err != nil {
		return nil, fmt.Errorf("decode knowledge file: %w", err)
	}
	return NewMemoryStore(chunks, nil), nil
}

// Sample returns the whole collection in stored order when n covers it,
// otherwise n distinct chunks picked at random.
func (s *MemoryStore) Sample(_ context.Context, collectionID string, n int) ([]models.Chunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	chunks := s.collections[collectionID]
	if n <= 0 || len(chunks) == 0 {
		return nil, nil
	}
	if n >= len(chunks) {
		return append([]models.Chunk(nil), chunks...), nil
	}
	out := make([]models.Chunk, 0, n)
	for _, i := range s.rng.Perm(len(chunks))[:n] {
		out = append(out, chunks[i])
	}
	return out, nil
}

// Similar ranks by cosine similarity of embeddings, ties broken by id.
func (s *MemoryStore) Similar(_ context.Context, collectionID string, seed models.Chunk, k int) ([]models.Chunk, error) {
	s.mu.Lock()
	chunks := append([]models.Chunk(nil), s.collections[collectionID]...)
	s.mu.Unlock()
	if k <= 0 {
		return nil, nil
	}

	type scored struct {
		chunk models.Chunk
		score float64
	}
	candidates := make([]scored, 0, len(chunks))
	for _, c := range chunks {
		if c.ID == seed.ID {
			continue
		}
		candidates = append(candidates, scored{chunk: c, score: cosine(seed.Embedding, c.Embedding)})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].chunk.ID < candidates[j].chunk.ID
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}
	out := make([]models.Chunk, len(candidates))
	for i, c := range candidates {
		out[i] = c.chunk
	}
	return out, nil
}

func (s *MemoryStore) Count(_ context.Context, collectionID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.collections[collectionID]), nil
}

func cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
