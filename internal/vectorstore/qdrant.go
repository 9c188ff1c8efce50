package vectorstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

type qdrantConfig struct {
	URL        string `json:"url"`
	APIKey     string `json:"api_key"`
	Collection string `json:"collection"`
}

// qdrantStore talks to the Qdrant REST API. Point ids are derived from
// chunk ids, the chunk id itself rides in the payload.
type qdrantStore struct {
	url        string
	apiKey     string
	collection string
	dimension  int
	metric     string
	client     *http.Client
	ready      atomic.Bool
}

func init() {
	Register("qdrant", createQdrantStore)
}

func createQdrantStore(args interface{}, opts Options) (Store, error) {
	c := &qdrantConfig{}
	if err := decodeConfig(args, c); err != nil {
		return nil, err
	}
	if c.URL == "" {
		return nil, fmt.Errorf("qdrant url is required")
	}
	if c.Collection == "" {
		c.Collection = "chunks"
	}
	return &qdrantStore{
		url:        strings.TrimSuffix(c.URL, "/"),
		apiKey:     c.APIKey,
		collection: c.Collection,
		dimension:  opts.Dimension,
		metric:     opts.Metric,
		client:     &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func pointID(chunkID string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(chunkID)).String()
}

func (s *qdrantStore) ensureCollection(ctx context.Context) error {
	if s.ready.Load() {
		return nil
	}
	distance := "Cosine"
	if s.metric == config.MetricInnerProduct {
		distance = "Dot"
	}
	body := map[string]any{
		"vectors": map[string]any{
			"size":     s.dimension,
			"distance": distance,
		},
	}
	status, err := s.do(ctx, http.MethodPut, "/collections/"+s.collection, body, nil)
	if err != nil && status != http.StatusConflict {
		return err
	}
	s.ready.Store(true)
	return nil
}

func (s *qdrantStore) Upsert(ctx context.Context, chunkID string, vector []float32, meta model.VectorMetadata) error {
	if err := checkDimension(s.dimension, vector); err != nil {
		return err
	}
	if err := s.ensureCollection(ctx); err != nil {
		return err
	}
	body := map[string]any{
		"points": []map[string]any{{
			"id":     pointID(chunkID),
			"vector": vector,
			"payload": map[string]any{
				"chunk_id":    chunkID,
				"document_id": meta.DocumentID,
				"position":    meta.Position,
				"tenant":      meta.Tenant,
			},
		}},
	}
	_, err := s.do(ctx, http.MethodPut, "/collections/"+s.collection+"/points?wait=true", body, nil)
	return err
}

func (s *qdrantStore) Search(ctx context.Context, vector []float32, topK int, filter model.SearchFilter) (model.RetrievalResult, error) {
	if err := checkDimension(s.dimension, vector); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return model.RetrievalResult{}, nil
	}
	req := map[string]any{
		"vector":       vector,
		"limit":        topK,
		"with_payload": []string{"chunk_id"},
	}
	must := make([]map[string]any, 0, 2)
	if filter.Tenant != "" {
		must = append(must, map[string]any{"key": "tenant", "match": map[string]any{"value": filter.Tenant}})
	}
	if len(filter.DocumentIDs) > 0 {
		must = append(must, map[string]any{"key": "document_id", "match": map[string]any{"any": filter.DocumentIDs}})
	}
	if len(must) > 0 {
		req["filter"] = map[string]any{"must": must}
	}
	var resp struct {
		Result []struct {
			Score   float32 `json:"score"`
			Payload struct {
				ChunkID string `json:"chunk_id"`
			} `json:"payload"`
		} `json:"result"`
	}
	if _, err := s.do(ctx, http.MethodPost, "/collections/"+s.collection+"/points/search", req, &resp); err != nil {
		return nil, err
	}
	items := make(model.RetrievalResult, 0, len(resp.Result))
	for _, r := range resp.Result {
		items = append(items, model.ScoredChunk{ChunkID: r.Payload.ChunkID, Score: r.Score})
	}
	return finalize(items, topK), nil
}

func (s *qdrantStore) Ping(ctx context.Context) error {
	_, err := s.do(ctx, http.MethodGet, "/readyz", nil, nil)
	return err
}

func (s *qdrantStore) Dimension() int {
	return s.dimension
}

// do sends one request. Transport failures and non 2xx answers map to
// ErrIndexUnavailable; the status code is returned for callers that accept
// specific failures.
func (s *qdrantStore) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.url+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("qdrant %s %s: %w: %w", method, path, appErr.ErrIndexUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return resp.StatusCode, fmt.Errorf("qdrant %s %s: status %d %s: %w",
			method, path, resp.StatusCode, strings.TrimSpace(string(msg)), appErr.ErrIndexUnavailable)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, fmt.Errorf("qdrant decode: %w: %w", appErr.ErrIndexUnavailable, err)
		}
	}
	return resp.StatusCode, nil
}
