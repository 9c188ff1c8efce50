package service

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
)

type UsageStore interface {
	Add(ctx context.Context, items []*model.UsageBucket) error
	ListSince(ctx context.Context, since int64) ([]*model.UsageBucket, error)
}

type usageKey struct {
	start int64
	route string
}

// UsageCounter counts finished API requests per route in fixed buckets.
// Counts are held in memory and written to the store by Flush, so the
// request path never waits on the database.
type UsageCounter struct {
	store  UsageStore
	bucket time.Duration
	now    func() time.Time

	mu      sync.Mutex
	pending map[usageKey]*model.UsageBucket
}

func NewUsageCounter(store UsageStore, bucket time.Duration) *UsageCounter {
	if bucket <= 0 {
		bucket = defaultTimelineBucket
	}
	return &UsageCounter{
		store:   store,
		bucket:  bucket,
		now:     time.Now,
		pending: make(map[usageKey]*model.UsageBucket),
	}
}

// Observe records one request. Status codes of 400 and above count as
// errors, rejections included.
func (u *UsageCounter) Observe(route string, status int) {
	width := u.bucket.Milliseconds()
	key := usageKey{start: u.now().UnixMilli() / width * width, route: route}
	u.mu.Lock()
	defer u.mu.Unlock()
	b, ok := u.pending[key]
	if !ok {
		b = &model.UsageBucket{Start: key.start, Route: route}
		u.pending[key] = b
	}
	if status >= 400 {
		b.Errors++
		return
	}
	b.Success++
}

// Flush writes pending counts. On failure they are kept for the next try.
func (u *UsageCounter) Flush(ctx context.Context) error {
	u.mu.Lock()
	batch := u.pending
	u.pending = make(map[usageKey]*model.UsageBucket)
	u.mu.Unlock()
	if len(batch) == 0 {
		return nil
	}
	items := make([]*model.UsageBucket, 0, len(batch))
	for _, b := range batch {
		items = append(items, b)
	}
	if err := u.store.Add(ctx, items); err != nil {
		u.mu.Lock()
		for k, b := range batch {
			u.merge(k, b)
		}
		u.mu.Unlock()
		logutil.GetLogger(ctx).Error("flush api usage failed", zap.Int("buckets", len(items)), zap.Error(err))
		return err
	}
	logutil.GetLogger(ctx).Debug("api usage flushed", zap.Int("buckets", len(items)))
	return nil
}

func (u *UsageCounter) merge(k usageKey, b *model.UsageBucket) {
	cur, ok := u.pending[k]
	if !ok {
		u.pending[k] = b
		return
	}
	cur.Success += b.Success
	cur.Errors += b.Errors
}

// Usage returns stored and not yet flushed counts for the last window,
// ordered by bucket then route.
func (u *UsageCounter) Usage(ctx context.Context, window time.Duration) ([]*model.UsageBucket, error) {
	if window <= 0 {
		window = defaultTimelineWindow
	}
	width := u.bucket.Milliseconds()
	since := (u.now().UnixMilli() - window.Milliseconds()) / width * width
	stored, err := u.store.ListSince(ctx, since)
	if err != nil {
		return nil, err
	}
	merged := make(map[usageKey]*model.UsageBucket, len(stored))
	for _, b := range stored {
		cp := *b
		merged[usageKey{start: b.Start, route: b.Route}] = &cp
	}
	u.mu.Lock()
	for k, b := range u.pending {
		if k.start < since {
			continue
		}
		cur, ok := merged[k]
		if !ok {
			cp := *b
			merged[k] = &cp
			continue
		}
		cur.Success += b.Success
		cur.Errors += b.Errors
	}
	u.mu.Unlock()

	out := make([]*model.UsageBucket, 0, len(merged))
	for _, b := range merged {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Start != out[j].Start {
			return out[i].Start < out[j].Start
		}
		return out[i].Route < out[j].Route
	})
	return out, nil
}
