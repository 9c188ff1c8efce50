package service

import (
	"context"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/pool"
)

type ChunkReader interface {
	ListByIDs(ctx context.Context, ids []string) (map[string]*model.Chunk, error)
}

// ContextAssembler turns a retrieval result into a bounded grounding
// context.
type ContextAssembler struct {
	chunks  ChunkReader
	gate    *pool.Gate
	timeout time.Duration
	budget  int
}

func NewContextAssembler(chunks ChunkReader, gate *pool.Gate, timeout time.Duration, budget int) *ContextAssembler {
	return &ContextAssembler{chunks: chunks, gate: gate, timeout: timeout, budget: budget}
}

// Assemble keeps chunks in score order, drops exact duplicates within a
// document and cuts whole chunks from the tail once the rune budget is
// reached. Ids the record store no longer knows are skipped.
func (a *ContextAssembler) Assemble(ctx context.Context, q *model.Query, res model.RetrievalResult) (*model.Context, error) {
	out := &model.Context{Fragments: []model.ContextFragment{}}
	if len(res) == 0 {
		return out, nil
	}
	logger := logutil.GetLogger(ctx).With(zap.String("query_id", q.ID))
	ordered := make(model.RetrievalResult, len(res))
	copy(ordered, res)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Score > ordered[j].Score
	})

	chunks, err := a.load(ctx, ordered.ChunkIDs())
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{}, len(ordered))
	for i, item := range ordered {
		chunk, ok := chunks[item.ChunkID]
		if !ok {
			logger.Warn("retrieved chunk missing from record store", zap.String("chunk_id", item.ChunkID))
			continue
		}
		key := chunk.DocumentID + "\x00" + chunk.Text
		if _, dup := seen[key]; dup {
			logger.Debug("duplicate chunk skipped", zap.String("chunk_id", item.ChunkID))
			continue
		}
		seen[key] = struct{}{}
		size := utf8.RuneCountInString(chunk.Text)
		if out.Size+size > a.budget {
			out.Dropped = countRemaining(ordered[i:], chunks)
			logger.Debug("context budget reached", zap.Int("size", out.Size), zap.Int("dropped", out.Dropped))
			break
		}
		out.Size += size
		out.Fragments = append(out.Fragments, model.ContextFragment{
			Index:      len(out.Fragments) + 1,
			ChunkID:    chunk.ID,
			DocumentID: chunk.DocumentID,
			Text:       chunk.Text,
			Score:      item.Score,
		})
	}
	logger.Info("context assembled",
		zap.Int("fragments", len(out.Fragments)),
		zap.Int("size", out.Size),
		zap.Int("dropped", out.Dropped),
	)
	return out, nil
}

func (a *ContextAssembler) load(ctx context.Context, ids []string) (map[string]*model.Chunk, error) {
	release, err := a.gate.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	chunks, err := a.chunks.ListByIDs(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("resolve chunks: %w: %w", appErr.ErrInternal, err)
	}
	return chunks, nil
}

func countRemaining(rest model.RetrievalResult, chunks map[string]*model.Chunk) int {
	n := 0
	for _, item := range rest {
		if _, ok := chunks[item.ChunkID]; ok {
			n++
		}
	}
	return n
}
