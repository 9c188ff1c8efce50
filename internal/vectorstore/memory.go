package vectorstore

import (
	"context"
	"sync"

	"github.com/xxxsen/ragguard/internal/model"
)

type memoryEntry struct {
	vector []float32
	meta   model.VectorMetadata
}

// memoryStore is a brute-force in-process index.
type memoryStore struct {
	mu        sync.RWMutex
	dimension int
	metric    string
	entries   map[string]memoryEntry
}

func init() {
	Register("memory", createMemoryStore)
}

func createMemoryStore(args interface{}, opts Options) (Store, error) {
	return NewMemory(opts.Dimension, opts.Metric), nil
}

func NewMemory(dimension int, metric string) Store {
	return &memoryStore{
		dimension: dimension,
		metric:    metric,
		entries:   make(map[string]memoryEntry),
	}
}

func (s *memoryStore) Upsert(ctx context.Context, chunkID string, vector []float32, meta model.VectorMetadata) error {
	if err := checkDimension(s.dimension, vector); err != nil {
		return err
	}
	vec := make([]float32, len(vector))
	copy(vec, vector)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[chunkID] = memoryEntry{vector: vec, meta: meta}
	return nil
}

func (s *memoryStore) Search(ctx context.Context, vector []float32, topK int, filter model.SearchFilter) (model.RetrievalResult, error) {
	if err := checkDimension(s.dimension, vector); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make(model.RetrievalResult, 0, len(s.entries))
	for id, entry := range s.entries {
		if !matchFilter(entry.meta, filter) {
			continue
		}
		items = append(items, model.ScoredChunk{ChunkID: id, Score: score(s.metric, entry.vector, vector)})
	}
	return finalize(items, topK), nil
}

func (s *memoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *memoryStore) Dimension() int {
	return s.dimension
}
