package job

import "context"

type UsageFlusher interface {
	Flush(ctx context.Context) error
}

// UsageFlushJob persists in-memory API usage counters.
type UsageFlushJob struct {
	flusher UsageFlusher
}

func NewUsageFlushJob(flusher UsageFlusher) *UsageFlushJob {
	return &UsageFlushJob{flusher: flusher}
}

func (j *UsageFlushJob) Name() string {
	return "api_usage_flush"
}

func (j *UsageFlushJob) Run(ctx context.Context) error {
	if j.flusher == nil {
		return nil
	}
	return j.flusher.Flush(ctx)
}
