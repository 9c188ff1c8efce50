package service

import (
	"context"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/ai"
	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/pool"
	"github.com/xxxsen/ragguard/internal/vectorstore"
)

const (
	FormatMarkdown = "markdown"
	FormatText     = "text"
)

type DocumentWriter interface {
	Create(ctx context.Context, doc *model.Document) error
	Delete(ctx context.Context, docID string) error
}

type ChunkWriter interface {
	CreateBatch(ctx context.Context, chunks []*model.Chunk) error
}

type IngestRequest struct {
	ID        string `json:"id"`
	SourceURI string `json:"source_uri"`
	Text      string `json:"text"`
	Tenant    string `json:"tenant"`
	Format    string `json:"format"`
}

type IngestResult struct {
	Document *model.Document `json:"document"`
	Chunks   int             `json:"chunks"`
}

// IngestService stores a document, splits it into chunks and indexes one
// vector per chunk.
type IngestService struct {
	docs     DocumentWriter
	chunks   ChunkWriter
	embedder ai.IEmbedder
	index    vectorstore.Store
	chunker  *ai.Chunker
	gate     *pool.Gate
}

func NewIngestService(docs DocumentWriter, chunks ChunkWriter, embedder ai.IEmbedder, index vectorstore.Store, chunker *ai.Chunker, gate *pool.Gate) *IngestService {
	return &IngestService{docs: docs, chunks: chunks, embedder: embedder, index: index, chunker: chunker, gate: gate}
}

// Ingest embeds every chunk before writing anything, so a failing embedder
// leaves no trace. A failed vector upsert removes the stored document again;
// chunks follow it through the cascade.
func (s *IngestService) Ingest(ctx context.Context, req *IngestRequest) (*IngestResult, error) {
	if strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("document text is empty: %w", appErr.ErrInvalid)
	}
	doc := &model.Document{
		ID:        req.ID,
		SourceURI: req.SourceURI,
		RawText:   req.Text,
		Tenant:    req.Tenant,
		Ctime:     time.Now().Unix(),
	}
	if doc.ID == "" {
		doc.ID = newID()
	}
	logger := logutil.GetLogger(ctx).With(zap.String("document_id", doc.ID), zap.String("source_uri", doc.SourceURI))

	chunks, err := s.split(ctx, req)
	if err != nil {
		return nil, err
	}
	if len(chunks) == 0 {
		return nil, fmt.Errorf("document produced no chunks: %w", appErr.ErrInvalid)
	}
	for _, c := range chunks {
		c.ID = fmt.Sprintf("%s#%d", doc.ID, c.Position)
		c.DocumentID = doc.ID
		vec, err := s.embedder.Embed(ctx, c.Text, ai.TaskTypeDocument)
		if err != nil {
			logger.Error("embed chunk failed", zap.Int("position", c.Position), zap.Error(err))
			return nil, asTyped(err, appErr.ErrEmbeddingUnavailable)
		}
		c.Embedding = vec
	}

	if err := s.store(ctx, doc, chunks); err != nil {
		return nil, err
	}
	for _, c := range chunks {
		meta := model.VectorMetadata{DocumentID: doc.ID, Position: c.Position, Tenant: doc.Tenant}
		if err := s.index.Upsert(ctx, c.ID, c.Embedding, meta); err != nil {
			logger.Error("index chunk failed, removing document", zap.String("chunk_id", c.ID), zap.Error(err))
			if derr := s.withRecordStore(ctx, func(ctx context.Context) error {
				return s.docs.Delete(context.WithoutCancel(ctx), doc.ID)
			}); derr != nil {
				logger.Error("remove document failed", zap.Error(derr))
			}
			return nil, asTyped(err, appErr.ErrIndexUnavailable)
		}
	}
	logger.Info("document ingested", zap.Int("chunks", len(chunks)))
	return &IngestResult{Document: doc, Chunks: len(chunks)}, nil
}

func (s *IngestService) split(ctx context.Context, req *IngestRequest) ([]*model.Chunk, error) {
	format := req.Format
	if format == "" {
		switch strings.ToLower(path.Ext(req.SourceURI)) {
		case ".md", ".markdown":
			format = FormatMarkdown
		default:
			format = FormatText
		}
	}
	switch format {
	case FormatMarkdown:
		return s.chunker.Chunk(ctx, req.Text)
	case FormatText:
		return s.chunker.ChunkPlain(ctx, req.Text), nil
	default:
		return nil, fmt.Errorf("unknown format %q: %w", format, appErr.ErrInvalid)
	}
}

func (s *IngestService) store(ctx context.Context, doc *model.Document, chunks []*model.Chunk) error {
	return s.withRecordStore(ctx, func(ctx context.Context) error {
		if err := s.docs.Create(ctx, doc); err != nil {
			return err
		}
		if err := s.chunks.CreateBatch(ctx, chunks); err != nil {
			if derr := s.docs.Delete(context.WithoutCancel(ctx), doc.ID); derr != nil {
				logutil.GetLogger(ctx).Error("remove document failed", zap.String("document_id", doc.ID), zap.Error(derr))
			}
			return err
		}
		return nil
	})
}

func (s *IngestService) withRecordStore(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := s.gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	return fn(ctx)
}
