package validator

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/xxxsen/ragguard/internal/model"
)

const (
	RateKeyClient = "client"
	RateKeyGlobal = "global"
)

// ratePredicate keeps one token bucket per key. It is the only stateful
// predicate; its answer depends on the request history and the clock.
type ratePredicate struct {
	limit rate.Limit
	burst int
	key   string

	mu       sync.Mutex
	limiters *lru.Cache[string, *rate.Limiter]
}

func newRatePredicate(spec *model.RatePredicate, capacity int) (*ratePredicate, error) {
	if spec.PerSecond <= 0 {
		return nil, fmt.Errorf("rate per_second must be positive")
	}
	burst := spec.Burst
	if burst <= 0 {
		burst = 1
	}
	key := spec.Key
	switch key {
	case "":
		key = RateKeyClient
	case RateKeyClient, RateKeyGlobal:
	default:
		return nil, fmt.Errorf("unknown rate key %q", spec.Key)
	}
	cache, err := lru.New[string, *rate.Limiter](capacity)
	if err != nil {
		return nil, err
	}
	return &ratePredicate{
		limit:    rate.Limit(spec.PerSecond),
		burst:    burst,
		key:      key,
		limiters: cache,
	}, nil
}

func (r *ratePredicate) Violated(p *model.Payload, now time.Time) (bool, error) {
	key := "*"
	if r.key == RateKeyClient {
		key = p.ClientKey
		if key == "" {
			key = "anonymous"
		}
	}
	r.mu.Lock()
	lim, ok := r.limiters.Get(key)
	if !ok {
		lim = rate.NewLimiter(r.limit, r.burst)
		r.limiters.Add(key, lim)
	}
	r.mu.Unlock()
	return !lim.AllowN(now, 1), nil
}
