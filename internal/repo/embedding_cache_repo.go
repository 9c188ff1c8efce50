package repo

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/didi/gendry/builder"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/dbutil"
)

// EmbeddingCacheRepo keeps provider vectors keyed by model, task, output
// shape and content hash. Reads bump hits and atime so cleanup can evict
// by idleness rather than age.
type EmbeddingCacheRepo struct {
	db  *sql.DB
	now func() time.Time
}

func NewEmbeddingCacheRepo(db *sql.DB) *EmbeddingCacheRepo {
	return &EmbeddingCacheRepo{db: db, now: time.Now}
}

func cacheKeyWhere(key model.EmbeddingCacheKey) map[string]interface{} {
	return map[string]interface{}{
		"model_name":   key.ModelName,
		"task_type":    key.TaskType,
		"dimension":    key.Dimension,
		"normalized":   key.Normalized,
		"content_hash": key.ContentHash,
	}
}

// Get returns the cached vector for key. A stored vector whose length no
// longer matches the key's dimension is dropped and reported as a miss.
func (r *EmbeddingCacheRepo) Get(ctx context.Context, key model.EmbeddingCacheKey) ([]float32, bool, error) {
	const query = `
		UPDATE embedding_cache SET hits = hits + 1, atime = $6
		WHERE model_name = $1 AND task_type = $2 AND dimension = $3
			AND normalized = $4 AND content_hash = $5
		RETURNING embedding
	`
	var embedding pgvector.Vector
	err := r.db.QueryRowContext(ctx, query,
		key.ModelName, key.TaskType, key.Dimension, key.Normalized, key.ContentHash, r.now().Unix(),
	).Scan(&embedding)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	values := embedding.Slice()
	if key.Dimension > 0 && len(values) != key.Dimension {
		if err := r.delete(ctx, key); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}
	return values, true, nil
}

func (r *EmbeddingCacheRepo) delete(ctx context.Context, key model.EmbeddingCacheKey) error {
	sqlStr, args, err := builder.BuildDelete("embedding_cache", cacheKeyWhere(key))
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	_, err = r.db.ExecContext(ctx, sqlStr, args...)
	return err
}

// Save upserts a cached vector. Rewriting a key replaces the vector and
// resets its hit count.
func (r *EmbeddingCacheRepo) Save(ctx context.Context, item *model.EmbeddingCache) error {
	const query = `
		INSERT INTO embedding_cache (model_name, task_type, dimension, normalized, content_hash, embedding, hits, ctime, atime)
		VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $7)
		ON CONFLICT (model_name, task_type, dimension, normalized, content_hash) DO UPDATE SET
			embedding = EXCLUDED.embedding,
			hits = 0,
			ctime = EXCLUDED.ctime,
			atime = EXCLUDED.atime
	`
	_, err := r.db.ExecContext(ctx, query,
		item.ModelName,
		item.TaskType,
		item.Dimension,
		item.Normalized,
		item.ContentHash,
		pgvector.NewVector(item.Embedding),
		item.Ctime,
	)
	return err
}

// DeleteIdleBefore evicts rows not read or written since cutoff.
func (r *EmbeddingCacheRepo) DeleteIdleBefore(ctx context.Context, cutoff int64) (int64, error) {
	sqlStr, args, err := builder.BuildDelete("embedding_cache", map[string]interface{}{"atime <": cutoff})
	if err != nil {
		return 0, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	res, err := r.db.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r *EmbeddingCacheRepo) Stats(ctx context.Context) (*model.EmbeddingCacheStats, error) {
	var st model.EmbeddingCacheStats
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(hits), 0) FROM embedding_cache`).Scan(&st.Entries, &st.Hits)
	if err != nil {
		return nil, err
	}
	return &st, nil
}
