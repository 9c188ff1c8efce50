package repo

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/dbutil"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

var chunkFields = []string{"id", "document_id", "text", "position", "chunk_type", "token_count"}

type ChunkRepo struct {
	db *sql.DB
}

func NewChunkRepo(db *sql.DB) *ChunkRepo {
	return &ChunkRepo{db: db}
}

// CreateBatch inserts all chunks of one document in a single transaction.
// Positions must be unique and contiguous starting at zero.
func (r *ChunkRepo) CreateBatch(ctx context.Context, chunks []*model.Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	if err := CheckPositions(chunks); err != nil {
		return err
	}
	rows := make([]map[string]interface{}, 0, len(chunks))
	for _, c := range chunks {
		rows = append(rows, map[string]interface{}{
			"id":          c.ID,
			"document_id": c.DocumentID,
			"text":        c.Text,
			"position":    c.Position,
			"chunk_type":  string(c.ChunkType),
			"token_count": c.TokenCount,
		})
	}
	sqlStr, args, err := builder.BuildInsert("chunks", rows)
	if err != nil {
		return err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		if dbutil.IsConflict(err) {
			return appErr.ErrConflict
		}
		return err
	}
	return tx.Commit()
}

// CheckPositions verifies chunks belong to one document and carry positions
// 0..n-1 without holes or repeats.
func CheckPositions(chunks []*model.Chunk) error {
	seen := make([]bool, len(chunks))
	docID := chunks[0].DocumentID
	for _, c := range chunks {
		if c.DocumentID != docID {
			return fmt.Errorf("chunks span documents %s and %s: %w", docID, c.DocumentID, appErr.ErrInvalid)
		}
		if c.Position < 0 || c.Position >= len(chunks) || seen[c.Position] {
			return fmt.Errorf("chunk position %d not contiguous: %w", c.Position, appErr.ErrInvalid)
		}
		seen[c.Position] = true
	}
	return nil
}

// ListByIDs returns the chunks keyed by id. Missing ids are absent from the map.
func (r *ChunkRepo) ListByIDs(ctx context.Context, ids []string) (map[string]*model.Chunk, error) {
	result := make(map[string]*model.Chunk, len(ids))
	if len(ids) == 0 {
		return result, nil
	}
	in := make([]interface{}, 0, len(ids))
	for _, id := range ids {
		in = append(in, id)
	}
	where := map[string]interface{}{
		"id in": in,
	}
	sqlStr, args, err := builder.BuildSelect("chunks", where, chunkFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		result[c.ID] = c
	}
	return result, rows.Err()
}

func (r *ChunkRepo) ListByDocument(ctx context.Context, docID string) ([]*model.Chunk, error) {
	where := map[string]interface{}{
		"document_id": docID,
		"_orderby":    "position asc",
	}
	sqlStr, args, err := builder.BuildSelect("chunks", where, chunkFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	chunks := make([]*model.Chunk, 0)
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

func scanChunk(rows *sql.Rows) (*model.Chunk, error) {
	var c model.Chunk
	var chunkType string
	if err := rows.Scan(&c.ID, &c.DocumentID, &c.Text, &c.Position, &chunkType, &c.TokenCount); err != nil {
		return nil, err
	}
	c.ChunkType = model.ChunkType(chunkType)
	return &c, nil
}
