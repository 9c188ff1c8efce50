package ai

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/pkg/retry"
)

type GuardOptions struct {
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

func (o GuardOptions) retryOptions(ctx context.Context, kind string, sentinel error) retry.Options {
	delay := o.BaseDelay
	if delay <= 0 {
		delay = 200 * time.Millisecond
	}
	return retry.Options{
		Attempts:  o.MaxRetries + 1,
		BaseDelay: delay,
		MaxDelay:  5 * time.Second,
		Retryable: func(err error) bool {
			return errors.Is(err, sentinel)
		},
		OnRetry: func(attempt int, err error) {
			logutil.GetLogger(ctx).Warn("backend call failed, retrying",
				zap.String("kind", kind), zap.Int("attempt", attempt), zap.Error(err))
		},
	}
}

// attempt runs fn under the per call timeout and turns an expired deadline
// into the given unavailable error.
func attempt[T any](ctx context.Context, timeout time.Duration, sentinel error, fn func(ctx context.Context) (T, error)) (T, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := fn(ctx)
	if err != nil && !errors.Is(err, sentinel) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return res, fmt.Errorf("%w: %w", sentinel, err)
	}
	return res, err
}

type guardedGenerator struct {
	next IGenerator
	opts GuardOptions
}

// WithGeneratorGuard bounds each call with a timeout and retries
// ErrGenerationUnavailable.
func WithGeneratorGuard(next IGenerator, opts GuardOptions) IGenerator {
	if next == nil {
		return nil
	}
	return &guardedGenerator{next: next, opts: opts}
}

func (g *guardedGenerator) Name() string {
	return g.next.Name()
}

func (g *guardedGenerator) Generate(ctx context.Context, system string, prompt string) (string, error) {
	return retry.Do(ctx, g.opts.retryOptions(ctx, "generate", appErr.ErrGenerationUnavailable), func(ctx context.Context) (string, error) {
		return attempt(ctx, g.opts.Timeout, appErr.ErrGenerationUnavailable, func(ctx context.Context) (string, error) {
			return g.next.Generate(ctx, system, prompt)
		})
	})
}

type guardedEmbedder struct {
	next IEmbedder
	opts GuardOptions
}

// WithEmbedderGuard bounds each call with a timeout and retries
// ErrEmbeddingUnavailable.
func WithEmbedderGuard(next IEmbedder, opts GuardOptions) IEmbedder {
	if next == nil {
		return nil
	}
	return &guardedEmbedder{next: next, opts: opts}
}

func (g *guardedEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	return retry.Do(ctx, g.opts.retryOptions(ctx, "embed", appErr.ErrEmbeddingUnavailable), func(ctx context.Context) ([]float32, error) {
		return attempt(ctx, g.opts.Timeout, appErr.ErrEmbeddingUnavailable, func(ctx context.Context) ([]float32, error) {
			return g.next.Embed(ctx, text, taskType)
		})
	})
}

func (g *guardedEmbedder) ModelName() string {
	return g.next.ModelName()
}

type shapedEmbedder struct {
	next      IEmbedder
	dimension int
	normalize bool
}

// WithShape rejects vectors of the wrong length and optionally scales them
// to unit length.
func WithShape(next IEmbedder, dimension int, normalize bool) IEmbedder {
	if next == nil {
		return nil
	}
	return &shapedEmbedder{next: next, dimension: dimension, normalize: normalize}
}

func (s *shapedEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	vec, err := s.next.Embed(ctx, text, taskType)
	if err != nil {
		return nil, err
	}
	if s.dimension > 0 && len(vec) != s.dimension {
		return nil, fmt.Errorf("embedder %s returned %d values, want %d: %w",
			s.next.ModelName(), len(vec), s.dimension, appErr.ErrDimensionMismatch)
	}
	if s.normalize {
		vec = Normalize(vec)
	}
	return vec, nil
}

func (s *shapedEmbedder) ModelName() string {
	return s.next.ModelName()
}

// Normalize returns vec scaled to unit L2 length. A zero vector is returned
// unchanged.
func Normalize(vec []float32) []float32 {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return vec
	}
	norm := math.Sqrt(sum)
	out := make([]float32, len(vec))
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}
