package job

import (
	"context"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
)

type CacheCleaner interface {
	DeleteIdleBefore(ctx context.Context, cutoff int64) (int64, error)
	Stats(ctx context.Context) (*model.EmbeddingCacheStats, error)
}

// EmbeddingCacheCleanupJob evicts cached vectors nobody has read within
// maxIdle.
type EmbeddingCacheCleanupJob struct {
	repo    CacheCleaner
	maxIdle time.Duration
	now     func() time.Time
}

func NewEmbeddingCacheCleanupJob(repo CacheCleaner, maxIdle time.Duration) *EmbeddingCacheCleanupJob {
	if maxIdle <= 0 {
		maxIdle = 30 * 24 * time.Hour
	}
	return &EmbeddingCacheCleanupJob{repo: repo, maxIdle: maxIdle, now: time.Now}
}

func (j *EmbeddingCacheCleanupJob) Name() string {
	return "embedding_cache_cleanup"
}

func (j *EmbeddingCacheCleanupJob) Run(ctx context.Context) error {
	if j.repo == nil {
		return nil
	}
	cutoff := j.now().Add(-j.maxIdle).Unix()
	removed, err := j.repo.DeleteIdleBefore(ctx, cutoff)
	if err != nil {
		return err
	}
	logger := logutil.GetLogger(ctx).With(zap.Int64("removed", removed), zap.Int64("idle_cutoff", cutoff))
	st, err := j.repo.Stats(ctx)
	if err != nil {
		logger.Warn("embedding cache cleaned, stats unavailable", zap.Error(err))
		return nil
	}
	logger.Info("embedding cache cleaned", zap.Int64("entries", st.Entries), zap.Int64("hits", st.Hits))
	return nil
}
