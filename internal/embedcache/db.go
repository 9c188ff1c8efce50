package embedcache

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/ai"
	"github.com/xxxsen/ragguard/internal/model"
)

// Store persists embeddings across restarts.
type Store interface {
	Get(ctx context.Context, key model.EmbeddingCacheKey) ([]float32, bool, error)
	Save(ctx context.Context, item *model.EmbeddingCache) error
}

// WrapDBCacheToEmbedder caches vectors of the given shape. The shape is part
// of the key, so changing the configured dimension or normalization never
// serves vectors produced under the old setting.
func WrapDBCacheToEmbedder(e ai.IEmbedder, store Store, dimension int, normalized bool) ai.IEmbedder {
	if e == nil || store == nil {
		return e
	}
	return &dbEmbedder{next: e, store: store, dimension: dimension, normalized: normalized, now: time.Now}
}

type dbEmbedder struct {
	next       ai.IEmbedder
	store      Store
	dimension  int
	normalized bool
	now        func() time.Time
}

func (d *dbEmbedder) storeKey(taskType, text string) model.EmbeddingCacheKey {
	key := buildCacheKey(d.next.ModelName(), taskType, text)
	return model.EmbeddingCacheKey{
		ModelName:   key.model,
		TaskType:    taskType,
		Dimension:   d.dimension,
		Normalized:  d.normalized,
		ContentHash: key.contentHash,
	}
}

// Embed consults the store first. A failing store never fails the call, it
// only costs a backend round trip.
func (d *dbEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	key := d.storeKey(taskType, text)
	logger := logutil.GetLogger(ctx).With(zap.String("task_type", taskType), zap.Int("dimension", d.dimension))
	values, ok, err := d.store.Get(ctx, key)
	if err != nil {
		logger.Warn("read embedding cache failed", zap.Error(err))
	}
	if ok && (d.dimension <= 0 || len(values) == d.dimension) {
		logger.Debug("embedding cache hit (db)")
		return values, nil
	}
	res, err := d.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	if err := d.store.Save(ctx, &model.EmbeddingCache{
		EmbeddingCacheKey: key,
		Embedding:         res,
		Ctime:             d.now().Unix(),
	}); err != nil {
		logger.Warn("failed to cache embedding", zap.Error(err))
	}
	return res, nil
}

func (d *dbEmbedder) ModelName() string {
	return d.next.ModelName()
}
