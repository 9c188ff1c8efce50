package pool

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

// Gate bounds concurrent use of a shared backend connection pool. When the
// gate is full callers either wait for a slot or fail immediately.
type Gate struct {
	name     string
	size     int64
	failFast bool
	sem      *semaphore.Weighted
}

func NewGate(name string, size int, failFast bool) *Gate {
	if size <= 0 {
		return nil
	}
	return &Gate{
		name:     name,
		size:     int64(size),
		failFast: failFast,
		sem:      semaphore.NewWeighted(int64(size)),
	}
}

// Acquire returns a release func. A nil gate never blocks.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	if g == nil {
		return func() {}, nil
	}
	if g.failFast {
		if !g.sem.TryAcquire(1) {
			return nil, fmt.Errorf("%s: %w", g.name, appErr.ErrPoolExhausted)
		}
		return g.release, nil
	}
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%s: %w: %w", g.name, appErr.ErrPoolExhausted, err)
	}
	return g.release, nil
}

func (g *Gate) release() {
	g.sem.Release(1)
}

func (g *Gate) Size() int {
	if g == nil {
		return 0
	}
	return int(g.size)
}
