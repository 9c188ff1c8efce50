package vectorstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

// Store is a nearest-neighbour index keyed by chunk id.
type Store interface {
	Upsert(ctx context.Context, chunkID string, vector []float32, meta model.VectorMetadata) error
	// Search returns at most topK results matching filter, sorted by
	// descending score.
	Search(ctx context.Context, vector []float32, topK int, filter model.SearchFilter) (model.RetrievalResult, error)
	Ping(ctx context.Context) error
	Dimension() int
}

type Options struct {
	Dimension int
	Metric    string
	DB        *sql.DB
}

type Factory func(args interface{}, opts Options) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.VectorStoreConfig, db *sql.DB) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Type))
	if key == "" {
		return nil, fmt.Errorf("vector_store.type is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported vector store type: %s", cfg.Type)
	}
	if cfg.Dimension <= 0 {
		return nil, fmt.Errorf("vector store dimension must be positive")
	}
	return factory(cfg.Data, Options{Dimension: cfg.Dimension, Metric: cfg.Metric, DB: db})
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		return nil
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode vector store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode vector store config: %w", err)
	}
	return nil
}

func checkDimension(want int, vector []float32) error {
	if len(vector) != want {
		return fmt.Errorf("got %d, want %d: %w", len(vector), want, appErr.ErrDimensionMismatch)
	}
	return nil
}

// finalize orders results by score, breaking ties by chunk id, and cuts the
// list to topK.
func finalize(items model.RetrievalResult, topK int) model.RetrievalResult {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Score != items[j].Score {
			return items[i].Score > items[j].Score
		}
		return items[i].ChunkID < items[j].ChunkID
	})
	if topK >= 0 && len(items) > topK {
		items = items[:topK]
	}
	return items
}

func score(metric string, a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if metric == config.MetricInnerProduct {
		return float32(dot)
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func matchFilter(meta model.VectorMetadata, filter model.SearchFilter) bool {
	if filter.Tenant != "" && meta.Tenant != filter.Tenant {
		return false
	}
	if len(filter.DocumentIDs) == 0 {
		return true
	}
	for _, id := range filter.DocumentIDs {
		if id == meta.DocumentID {
			return true
		}
	}
	return false
}
