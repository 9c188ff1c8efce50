package main

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/ai"
	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/db"
	"github.com/xxxsen/ragguard/internal/embedcache"
	"github.com/xxxsen/ragguard/internal/pool"
	"github.com/xxxsen/ragguard/internal/repo"
	"github.com/xxxsen/ragguard/internal/service"
	"github.com/xxxsen/ragguard/internal/validator"
	"github.com/xxxsen/ragguard/internal/vectorstore"
)

type app struct {
	cfg *config.Config
	db  *sql.DB

	embedCache *repo.EmbeddingCacheRepo
	cursors    *repo.CursorRepo

	gate      *service.PayloadGate
	incidents *service.IncidentLogger
	pipeline  *service.QueryPipeline
	ingest    *service.IngestService
	health    *service.HealthService
	usage     *service.UsageCounter
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

func buildApp(cfg *config.Config) (*app, error) {
	logger := logutil.GetLogger(context.Background())
	conn, err := db.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.ApplyMigrations(conn); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	a, err := wire(cfg, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	logger.Info("components ready",
		zap.String("vector_store", cfg.VectorStore.Type),
		zap.Int("dimension", cfg.VectorStore.Dimension),
		zap.String("embedding", cfg.Embedding.Provider),
		zap.Int("generators", len(cfg.Generation.Providers)),
		zap.Int("rules", len(cfg.Validation.Rules)),
	)
	return a, nil
}

func wire(cfg *config.Config, conn *sql.DB) (*app, error) {
	recordGate := pool.NewGate("record_store", cfg.Pool.RecordStoreSize, cfg.Pool.FailFast)
	vectorGate := pool.NewGate("vector_store", cfg.Pool.VectorStoreSize, cfg.Pool.FailFast)

	docRepo := repo.NewDocumentRepo(conn)
	chunkRepo := repo.NewChunkRepo(conn)
	incidentRepo := repo.NewIncidentRepo(conn)
	embedCacheRepo := repo.NewEmbeddingCacheRepo(conn)

	embedder, err := buildEmbedder(cfg, embedCacheRepo)
	if err != nil {
		return nil, err
	}
	generator, err := buildGenerator(cfg.Generation)
	if err != nil {
		return nil, err
	}
	store, err := vectorstore.New(cfg.VectorStore, conn)
	if err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	index := vectorstore.NewGuarded(store, vectorstore.GuardOptions{
		Gate:       vectorGate,
		Timeout:    seconds(cfg.VectorStore.Timeout),
		MaxRetries: cfg.VectorStore.MaxRetries,
	})

	rules, err := validator.New(cfg.Validation.Rules, validator.Options{RateKeyCapacity: cfg.Validation.RateKeyCapacity})
	if err != nil {
		return nil, fmt.Errorf("compile rules: %w", err)
	}
	incidents := service.NewIncidentLogger(incidentRepo, recordGate, seconds(cfg.Audit.WriteTimeout)).
		WithTechniques(cfg.Validation.Rules)
	gate := service.NewPayloadGate(rules, incidents)
	assembler := service.NewContextAssembler(chunkRepo, recordGate, seconds(cfg.Database.Timeout), cfg.Retrieval.ContextBudget)
	invoker := service.NewGenerationInvoker(generator, cfg.Generation.MaxInputChars, cfg.Generation.NoContext)

	return &app{
		cfg:        cfg,
		db:         conn,
		embedCache: embedCacheRepo,
		cursors:    repo.NewCursorRepo(conn),
		gate:       gate,
		incidents:  incidents,
		pipeline: service.NewQueryPipeline(gate, embedder, index, assembler, invoker, service.QueryOptions{
			TopK:            cfg.Retrieval.TopK,
			FlaggedOutbound: cfg.Validation.FlaggedOutbound,
		}),
		ingest: service.NewIngestService(docRepo, chunkRepo, embedder, index, ai.NewChunker(generator), recordGate),
		health: service.NewHealthService(docRepo, index, embedder, generator, seconds(cfg.Database.Timeout)),
		usage:  service.NewUsageCounter(repo.NewUsageRepo(conn), 5*time.Minute),
	}, nil
}

// buildEmbedder stacks retry, shape checks and caches around the provider.
// Shape checks sit below the caches so only valid vectors get cached.
func buildEmbedder(cfg *config.Config, cache embedcache.Store) (ai.IEmbedder, error) {
	ec := cfg.Embedding
	provider, err := ai.NewEmbedProvider(ec.Provider, ec.Data, ai.EmbedOptions{Dimension: cfg.VectorStore.Dimension})
	if err != nil {
		return nil, fmt.Errorf("init embedding provider: %w", err)
	}
	embedder := ai.NewEmbedder(provider, ec.Model)
	embedder = ai.WithEmbedderGuard(embedder, ai.GuardOptions{Timeout: seconds(ec.Timeout), MaxRetries: ec.MaxRetries})
	embedder = ai.WithShape(embedder, cfg.VectorStore.Dimension, ec.Normalize)
	if ec.DBCache {
		embedder = embedcache.WrapDBCacheToEmbedder(embedder, cache, cfg.VectorStore.Dimension, ec.Normalize)
	}
	if ec.CacheSize > 0 {
		embedder = embedcache.WrapLruCacheToEmbedder(embedder, ec.CacheSize, seconds(ec.CacheTTLSecs))
	}
	return embedder, nil
}

// buildGenerator guards each provider on its own, then falls back across
// them in configured order.
func buildGenerator(gc config.GenerationConfig) (ai.IGenerator, error) {
	items := make([]ai.IGenerator, 0, len(gc.Providers))
	for _, pc := range gc.Providers {
		provider, err := ai.NewGenProvider(pc.Provider, pc.Data)
		if err != nil {
			return nil, fmt.Errorf("init generation provider %s: %w", pc.Provider, err)
		}
		items = append(items, ai.WithGeneratorGuard(ai.NewGenerator(provider, pc.Model), ai.GuardOptions{
			Timeout:    seconds(gc.Timeout),
			MaxRetries: gc.MaxRetries,
		}))
	}
	if len(items) == 1 {
		return items[0], nil
	}
	return ai.NewGroupGenerator(items), nil
}

func (a *app) Close() {
	_ = a.db.Close()
}
