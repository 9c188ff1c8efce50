package vectorstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

type pgvectorConfig struct {
	Table string `json:"table"`
}

// pgvectorStore keeps vectors in the chunk_vectors table next to the
// record store.
type pgvectorStore struct {
	db        *sql.DB
	table     string
	dimension int
	metric    string
}

func init() {
	Register("pgvector", createPGVectorStore)
}

func createPGVectorStore(args interface{}, opts Options) (Store, error) {
	c := &pgvectorConfig{}
	if err := decodeConfig(args, c); err != nil {
		return nil, err
	}
	if opts.DB == nil {
		return nil, fmt.Errorf("pgvector store requires a database")
	}
	if c.Table == "" {
		c.Table = "chunk_vectors"
	}
	return &pgvectorStore{db: opts.DB, table: pq.QuoteIdentifier(c.Table), dimension: opts.Dimension, metric: opts.Metric}, nil
}

func (s *pgvectorStore) Upsert(ctx context.Context, chunkID string, vector []float32, meta model.VectorMetadata) error {
	if err := checkDimension(s.dimension, vector); err != nil {
		return err
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (chunk_id, document_id, position, tenant, embedding, mtime)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (chunk_id) DO UPDATE SET
			document_id = EXCLUDED.document_id,
			position = EXCLUDED.position,
			tenant = EXCLUDED.tenant,
			embedding = EXCLUDED.embedding,
			mtime = EXCLUDED.mtime
	`, s.table)
	_, err := s.db.ExecContext(ctx, query, chunkID, meta.DocumentID, meta.Position, meta.Tenant,
		pgvector.NewVector(vector), time.Now().Unix())
	if err != nil {
		return fmt.Errorf("pgvector upsert: %w: %w", appErr.ErrIndexUnavailable, err)
	}
	return nil
}

func (s *pgvectorStore) Search(ctx context.Context, vector []float32, topK int, filter model.SearchFilter) (model.RetrievalResult, error) {
	if err := checkDimension(s.dimension, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return model.RetrievalResult{}, nil
	}
	op, scoreExpr := "<=>", "1 - (embedding <=> $1)"
	if s.metric == config.MetricInnerProduct {
		op, scoreExpr = "<#>", "-(embedding <#> $1)"
	}
	args := []interface{}{pgvector.NewVector(vector)}
	conds := make([]string, 0, 2)
	if filter.Tenant != "" {
		args = append(args, filter.Tenant)
		conds = append(conds, fmt.Sprintf("tenant = $%d", len(args)))
	}
	if len(filter.DocumentIDs) > 0 {
		args = append(args, pq.Array(filter.DocumentIDs))
		conds = append(conds, fmt.Sprintf("document_id = ANY($%d)", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = "WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, topK)
	query := fmt.Sprintf(`SELECT chunk_id, %s AS score FROM %s %s ORDER BY embedding %s $1 LIMIT $%d`,
		scoreExpr, s.table, where, op, len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pgvector search: %w: %w", appErr.ErrIndexUnavailable, err)
	}
	defer rows.Close()
	items := make(model.RetrievalResult, 0, topK)
	for rows.Next() {
		var item model.ScoredChunk
		var sc float64
		if err := rows.Scan(&item.ChunkID, &sc); err != nil {
			return nil, fmt.Errorf("pgvector scan: %w: %w", appErr.ErrIndexUnavailable, err)
		}
		item.Score = float32(sc)
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pgvector rows: %w: %w", appErr.ErrIndexUnavailable, err)
	}
	return finalize(items, topK), nil
}

func (s *pgvectorStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("pgvector ping: %w: %w", appErr.ErrIndexUnavailable, err)
	}
	return nil
}

func (s *pgvectorStore) Dimension() int {
	return s.dimension
}
