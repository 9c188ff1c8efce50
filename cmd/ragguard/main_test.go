package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/service"
)

type recordingIngester struct {
	seen map[string]*service.IngestRequest
}

func (r *recordingIngester) Ingest(ctx context.Context, req *service.IngestRequest) (*service.IngestResult, error) {
	if _, ok := r.seen[req.ID]; ok {
		return nil, appErr.ErrConflict
	}
	r.seen[req.ID] = req
	return &service.IngestResult{Document: &model.Document{ID: req.ID}, Chunks: 1}, nil
}

func TestIngestDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "policies"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "policies", "refunds.md"), []byte("# Refunds\n\nwithin 14 days"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "shipping.txt"), []byte("3 to 5 days"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "logo.png"), []byte{0x89}, 0o644))

	ing := &recordingIngester{seen: map[string]*service.IngestRequest{}}
	var out bytes.Buffer
	require.NoError(t, ingestDir(context.Background(), ing, dir, "acme", &out))
	require.Len(t, ing.seen, 2)
	require.Contains(t, out.String(), "stored 2, skipped 0")

	uris := map[string]bool{}
	for _, req := range ing.seen {
		uris[req.SourceURI] = true
		require.Equal(t, "acme", req.Tenant)
	}
	require.True(t, uris["policies/refunds.md"])
	require.True(t, uris["shipping.txt"])

	out.Reset()
	require.NoError(t, ingestDir(context.Background(), ing, dir, "acme", &out))
	require.Contains(t, out.String(), "stored 0, skipped 2")
}
