package service

import (
	"context"
	"errors"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/ai"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

const (
	HealthOK   = "ok"
	HealthDown = "down"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type ComponentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type HealthReport struct {
	OK         bool                       `json:"ok"`
	Components map[string]ComponentHealth `json:"components"`
}

type healthCheck struct {
	name  string
	check func(ctx context.Context) error
}

// HealthService probes every adapter independently.
type HealthService struct {
	checks  []healthCheck
	timeout time.Duration
}

func NewHealthService(records Pinger, index Pinger, embedder ai.IEmbedder, generator ai.IGenerator, timeout time.Duration) *HealthService {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthService{
		timeout: timeout,
		checks: []healthCheck{
			{name: "record_store", check: records.Ping},
			{name: "vector_store", check: index.Ping},
			{name: "embedding", check: func(ctx context.Context) error {
				_, err := embedder.Embed(ctx, "health check", ai.TaskTypeQuery)
				return err
			}},
			{name: "generation", check: func(ctx context.Context) error {
				if generator == nil {
					return appErr.ErrGenerationUnavailable
				}
				return nil
			}},
		},
	}
}

func (s *HealthService) Check(ctx context.Context) *HealthReport {
	report := &HealthReport{OK: true, Components: make(map[string]ComponentHealth, len(s.checks))}
	for _, c := range s.checks {
		cctx, cancel := context.WithTimeout(ctx, s.timeout)
		err := c.check(cctx)
		cancel()
		if err == nil {
			report.Components[c.name] = ComponentHealth{Status: HealthOK}
			continue
		}
		logutil.GetLogger(ctx).Warn("health check failed", zap.String("component", c.name), zap.Error(err))
		report.OK = false
		report.Components[c.name] = ComponentHealth{Status: HealthDown, Error: ErrorClass(err)}
	}
	return report
}

// ErrorClass names the failure without leaking backend detail.
func ErrorClass(err error) string {
	switch {
	case errors.Is(err, appErr.ErrEmbeddingUnavailable):
		return "embedding_unavailable"
	case errors.Is(err, appErr.ErrIndexUnavailable):
		return "index_unavailable"
	case errors.Is(err, appErr.ErrDimensionMismatch):
		return "dimension_mismatch"
	case errors.Is(err, appErr.ErrGenerationUnavailable):
		return "generation_unavailable"
	case errors.Is(err, appErr.ErrContextTooLarge):
		return "context_too_large"
	case errors.Is(err, appErr.ErrAuditWriteFailed):
		return "audit_write_failed"
	case errors.Is(err, appErr.ErrPoolExhausted):
		return "pool_exhausted"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "unavailable"
	}
}
