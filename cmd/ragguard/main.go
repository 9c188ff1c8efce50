package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"

	"github.com/xxxsen/ragguard/internal/config"
	"github.com/xxxsen/ragguard/internal/filestore"
	"github.com/xxxsen/ragguard/internal/handler"
	"github.com/xxxsen/ragguard/internal/job"
	"github.com/xxxsen/ragguard/internal/middleware"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/schedule"
	"github.com/xxxsen/ragguard/internal/service"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ragguard",
		Short: "guarded retrieval augmented question answering",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run ragguard server",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return runServer(a)
		},
	}

	var dir, tenant string
	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "ingest .md and .txt files from a directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("--dir is required")
			}
			a, err := setup(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			return ingestDir(cmd.Context(), a.ingest, dir, tenant, cmd.OutOrStdout())
		},
	}
	ingestCmd.Flags().StringVar(&dir, "dir", "", "directory to ingest")
	ingestCmd.Flags().StringVar(&tenant, "tenant", "", "tenant for every ingested document")

	var batch int
	verifyCmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "verify the incident hash chain",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(configPath)
			if err != nil {
				return err
			}
			defer a.Close()
			report, err := a.incidents.Verify(cmd.Context(), batch)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return err
			}
			if !report.OK {
				return fmt.Errorf("incident chain broken at %d", report.BrokenAt)
			}
			return nil
		},
	}
	verifyCmd.Flags().IntVar(&batch, "batch", 500, "records per read")

	hashKeyCmd := &cobra.Command{
		Use:   "hash-key",
		Short: "hash an admin key read from stdin for admin.key_hash",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			key := strings.TrimSpace(string(raw))
			if key == "" {
				return fmt.Errorf("empty key")
			}
			hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return err
		},
	}

	rootCmd.AddCommand(runCmd, ingestCmd, verifyCmd, hashKeyCmd)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logutil.GetLogger(context.Background()).Fatal("command failed", zap.Error(err))
	}
}

func setup(configPath string) (*app, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))
	return buildApp(cfg)
}

func runServer(a *app) error {
	cfg := a.cfg
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("vector_store", cfg.VectorStore.Type),
		zap.String("flagged_outbound", cfg.Validation.FlaggedOutbound),
	)

	scheduler, err := buildScheduler(a)
	if err != nil {
		return err
	}

	deps := handler.RouterDeps{
		Query:  handler.NewQueryHandler(a.pipeline, a.gate, int64(cfg.Validation.MaxBodyBytes), cfg.Validation.TrustClientKey),
		Health: handler.NewHealthHandler(a.health),
		Admin: handler.NewAdminHandler(handler.AdminOptions{
			Incidents: a.incidents,
			Ingest:    a.ingest,
			Usage:     a.usage,
			Jobs:      scheduler,
			KeyHash:   cfg.Admin.KeyHash,
			Secret:    []byte(cfg.Admin.JWTSecret),
			TTL:       time.Hour * time.Duration(cfg.Admin.JWTTTLHours),
		}),
		Usage:       a.usage,
		JWTSecret:   []byte(cfg.Admin.JWTSecret),
		TokenWindow: 2 * time.Second,
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(
			middleware.RequestID(),
			middleware.CORS(cfg.CORSOrigins),
			gzip.Gzip(gzip.DefaultCompression),
		),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scheduler.Start(ctx)
	defer scheduler.Stop()
	go func() {
		// surface a chain broken while the service was down
		if err := scheduler.Trigger(job.IncidentVerifyJobName); err != nil && !errors.Is(err, schedule.ErrJobUnknown) {
			logutil.GetLogger(ctx).Error("startup chain verify failed", zap.Error(err))
		}
	}()

	logutil.GetLogger(context.Background()).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.usage.Flush(flushCtx); err != nil {
		logutil.GetLogger(flushCtx).Error("final usage flush failed", zap.Error(err))
	}
	return nil
}

func buildScheduler(a *app) (*schedule.CronScheduler, error) {
	cfg := a.cfg
	scheduler := schedule.NewCronScheduler()
	verify := job.NewIncidentVerifyJob(a.incidents, cfg.Audit.ArchiveBatch)
	if err := scheduler.AddJob(verify, cfg.Audit.VerifyCron); err != nil {
		return nil, err
	}
	if cfg.Audit.ArchiveCron != "" {
		store, err := filestore.New(cfg.Audit.Archive)
		if err != nil {
			return nil, fmt.Errorf("init archive store: %w", err)
		}
		archive := job.NewIncidentArchiveJob(a.incidents, store, a.cursors, cfg.Audit.ArchiveBatch)
		if err := scheduler.AddJob(archive, cfg.Audit.ArchiveCron); err != nil {
			return nil, err
		}
	}
	if err := scheduler.AddJob(job.NewEmbeddingCacheCleanupJob(a.embedCache, 0), cfg.EmbeddingCacheCleanupCron); err != nil {
		return nil, err
	}
	if err := scheduler.AddJob(job.NewUsageFlushJob(a.usage), cfg.UsageFlushCron); err != nil {
		return nil, err
	}
	return scheduler, nil
}

type documentIngester interface {
	Ingest(ctx context.Context, req *service.IngestRequest) (*service.IngestResult, error)
}

// ingestDir loads every markdown and text file below dir. Document ids are
// derived from the relative path, so re-running skips what is stored.
func ingestDir(ctx context.Context, ingest documentIngester, dir, tenant string, out io.Writer) error {
	logger := logutil.GetLogger(ctx)
	var stored, skipped int
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(filepath.Ext(path))
		if ext != ".md" && ext != ".markdown" && ext != ".txt" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		res, err := ingest.Ingest(ctx, &service.IngestRequest{
			ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte(tenant+"/"+rel)).String(),
			SourceURI: rel,
			Text:      string(data),
			Tenant:    tenant,
		})
		switch {
		case errors.Is(err, appErr.ErrConflict):
			skipped++
			logger.Info("document already ingested", zap.String("source_uri", rel))
			return nil
		case errors.Is(err, appErr.ErrInvalid):
			skipped++
			logger.Warn("document skipped", zap.String("source_uri", rel), zap.Error(err))
			return nil
		case err != nil:
			return fmt.Errorf("ingest %s: %w", rel, err)
		}
		stored++
		_, err = fmt.Fprintf(out, "%s\t%s\t%d chunks\n", res.Document.ID, rel, res.Chunks)
		return err
	})
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(out, "stored %d, skipped %d\n", stored, skipped)
	return err
}
