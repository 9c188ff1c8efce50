package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/ai"
	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/vectorstore"
)

type QueryRequest struct {
	Text        string
	Tenant      string
	DocumentIDs []string
	// Body is the raw inbound request, validated as is.
	Body      []byte
	RawQuery  string
	ClientKey string
}

type QueryResult struct {
	QueryID   string
	Answer    *model.Answer
	Context   *model.Context
	Incidents []*model.Incident
	// Withheld is set when a flagged answer was replaced by an empty one.
	Withheld bool
}

type QueryOptions struct {
	TopK            int
	FlaggedOutbound string
}

// QueryPipeline runs one query through validation, retrieval, assembly,
// generation and outbound validation. Stages run strictly in order and
// nothing is retried here; adapters own their retries.
type QueryPipeline struct {
	gate      *PayloadGate
	embedder  ai.IEmbedder
	index     vectorstore.Store
	assembler *ContextAssembler
	invoker   *GenerationInvoker
	opts      QueryOptions
}

func NewQueryPipeline(gate *PayloadGate, embedder ai.IEmbedder, index vectorstore.Store, assembler *ContextAssembler, invoker *GenerationInvoker, opts QueryOptions) *QueryPipeline {
	if opts.TopK <= 0 {
		opts.TopK = 5
	}
	if opts.FlaggedOutbound == "" {
		opts.FlaggedOutbound = config.FlaggedOutboundDeliver
	}
	return &QueryPipeline{gate: gate, embedder: embedder, index: index, assembler: assembler, invoker: invoker, opts: opts}
}

// Query returns a *RejectedError (with the incident attached) when either
// side is rejected; Incidents on the result lists flagged records.
// The raw inbound body goes through the gate before anything else looks at
// it, so a malformed or empty query is still evaluated and audited; only
// then is a missing text reported as ErrInvalid.
func (p *QueryPipeline) Query(ctx context.Context, req *QueryRequest) (*QueryResult, error) {
	q := &model.Query{ID: newID(), Text: req.Text, Tenant: req.Tenant, IssuedAt: time.Now().Unix()}
	logger := logutil.GetLogger(ctx).With(zap.String("query_id", q.ID))
	result := &QueryResult{QueryID: q.ID, Incidents: []*model.Incident{}}

	in := &model.Payload{
		ID:        newID(),
		Direction: model.DirectionInbound,
		Body:      req.Body,
		QueryID:   q.ID,
		ClientKey: req.ClientKey,
		RawQuery:  req.RawQuery,
	}
	_, inc, err := p.gate.Check(ctx, in)
	if err != nil {
		return nil, err
	}
	if inc != nil {
		result.Incidents = append(result.Incidents, inc)
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, fmt.Errorf("query text is empty: %w", appErr.ErrInvalid)
	}

	vec, err := p.embedder.Embed(ctx, q.Text, ai.TaskTypeQuery)
	if err != nil {
		logger.Error("embed query failed", zap.Error(err))
		return nil, asTyped(err, appErr.ErrEmbeddingUnavailable)
	}
	q.Embedding = vec

	filter := model.SearchFilter{Tenant: req.Tenant, DocumentIDs: req.DocumentIDs}
	retrieved, err := p.index.Search(ctx, vec, p.opts.TopK, filter)
	if err != nil {
		logger.Error("vector search failed", zap.Error(err))
		return nil, asTyped(err, appErr.ErrIndexUnavailable)
	}
	logger.Info("retrieval done", zap.Int("results", len(retrieved)))

	grounding, err := p.assembler.Assemble(ctx, q, retrieved)
	if err != nil {
		logger.Error("assemble context failed", zap.Error(err))
		return nil, err
	}
	result.Context = grounding

	answer, err := p.invoker.Generate(ctx, q, grounding)
	if err != nil {
		logger.Error("generation failed", zap.Error(err))
		return nil, err
	}

	body, err := json.Marshal(map[string]interface{}{"query_id": q.ID, "answer": answer.Text})
	if err != nil {
		return nil, err
	}
	out := &model.Payload{ID: newID(), Direction: model.DirectionOutbound, Body: body, QueryID: q.ID, ClientKey: req.ClientKey}
	verdict, inc, err := p.gate.Check(ctx, out)
	if err != nil {
		return nil, err
	}
	if inc != nil {
		result.Incidents = append(result.Incidents, inc)
	}
	if verdict.Status == model.StatusFlagged && p.opts.FlaggedOutbound == config.FlaggedOutboundWithhold {
		logger.Warn("flagged answer withheld", zap.Strings("rules", verdict.TriggeredRules))
		answer = redact(answer)
		result.Withheld = true
	}
	result.Answer = answer
	return result, nil
}

// asTyped keeps typed errors and wraps anything else in fallback.
func asTyped(err error, fallback error) error {
	for _, known := range []error{
		appErr.ErrEmbeddingUnavailable,
		appErr.ErrIndexUnavailable,
		appErr.ErrDimensionMismatch,
		appErr.ErrPoolExhausted,
	} {
		if errors.Is(err, known) {
			return err
		}
	}
	return fmt.Errorf("%w: %w", fallback, err)
}
