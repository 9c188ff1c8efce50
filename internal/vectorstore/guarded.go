package vectorstore

import (
	"context"
	"errors"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/pkg/retry"
	"github.com/xxxsen/ragguard/internal/pool"
)

type GuardOptions struct {
	Gate       *pool.Gate
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
}

// guardedStore bounds every call with a pool slot and a timeout, and
// retries ErrIndexUnavailable with backoff. Dimension errors pass through
// untouched.
type guardedStore struct {
	next Store
	opts GuardOptions
}

func NewGuarded(next Store, opts GuardOptions) Store {
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	return &guardedStore{next: next, opts: opts}
}

func (s *guardedStore) retryOptions(ctx context.Context, op string) retry.Options {
	return retry.Options{
		Attempts:  s.opts.MaxRetries + 1,
		BaseDelay: s.opts.BaseDelay,
		MaxDelay:  2 * time.Second,
		Retryable: func(err error) bool {
			return errors.Is(err, appErr.ErrIndexUnavailable)
		},
		OnRetry: func(attempt int, err error) {
			logutil.GetLogger(ctx).Warn("vector store call failed, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		},
	}
}

func (s *guardedStore) call(ctx context.Context, fn func(ctx context.Context) error) error {
	release, err := s.opts.Gate.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	err = fn(ctx)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, appErr.ErrIndexUnavailable) {
		return errors.Join(appErr.ErrIndexUnavailable, err)
	}
	return err
}

func (s *guardedStore) Upsert(ctx context.Context, chunkID string, vector []float32, meta model.VectorMetadata) error {
	_, err := retry.Do(ctx, s.retryOptions(ctx, "upsert"), func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.call(ctx, func(ctx context.Context) error {
			return s.next.Upsert(ctx, chunkID, vector, meta)
		})
	})
	return err
}

func (s *guardedStore) Search(ctx context.Context, vector []float32, topK int, filter model.SearchFilter) (model.RetrievalResult, error) {
	return retry.Do(ctx, s.retryOptions(ctx, "search"), func(ctx context.Context) (model.RetrievalResult, error) {
		var res model.RetrievalResult
		err := s.call(ctx, func(ctx context.Context) error {
			var err error
			res, err = s.next.Search(ctx, vector, topK, filter)
			return err
		})
		return res, err
	})
}

func (s *guardedStore) Ping(ctx context.Context) error {
	return s.call(ctx, s.next.Ping)
}

func (s *guardedStore) Dimension() int {
	return s.next.Dimension()
}
