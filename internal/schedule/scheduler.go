package schedule

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"
)

var (
	ErrJobUnknown = errors.New("job not registered")
	ErrJobRunning = errors.New("job still running")
)

type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type Scheduler interface {
	AddJob(job Job, spec string) error
	Start(ctx context.Context)
	Stop()
}

// JobStatus is the last known state of a registered maintenance job.
type JobStatus struct {
	Name       string `json:"name"`
	Spec       string `json:"spec"`
	Running    bool   `json:"running"`
	Runs       int64  `json:"runs"`
	Failures   int64  `json:"failures"`
	Skipped    int64  `json:"skipped"`
	LastStart  int64  `json:"last_start,omitempty"`
	LastMillis int64  `json:"last_duration_ms"`
	LastError  string `json:"last_error,omitempty"`
	NextRun    int64  `json:"next_run,omitempty"`
}

type jobEntry struct {
	job     Job
	spec    string
	entryID cron.EntryID

	mu     sync.Mutex
	status JobStatus
}

// CronScheduler runs maintenance jobs on five field cron specs. A job never
// overlaps with itself, whether started by cron or by Trigger.
type CronScheduler struct {
	cron *cron.Cron
	now  func() time.Time

	mu   sync.Mutex
	jobs map[string]*jobEntry
	ctx  context.Context
}

func NewCronScheduler() *CronScheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return &CronScheduler{
		cron: cron.New(cron.WithParser(parser)),
		now:  time.Now,
		jobs: make(map[string]*jobEntry),
	}
}

// AddJob registers job under spec. An empty spec leaves the job disabled.
func (c *CronScheduler) AddJob(job Job, spec string) error {
	name := job.Name()
	logger := logutil.GetLogger(context.Background()).With(zap.String("job", name), zap.String("spec", spec))
	if spec == "" {
		logger.Info("job disabled")
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.jobs[name]; ok {
		return fmt.Errorf("job %s already scheduled", name)
	}
	entry := &jobEntry{job: job, spec: spec, status: JobStatus{Name: name, Spec: spec}}
	entryID, err := c.cron.AddFunc(spec, func() { _ = c.execute(entry) })
	if err != nil {
		logger.Error("schedule job failed", zap.Error(err))
		return err
	}
	entry.entryID = entryID
	c.jobs[name] = entry
	logger.Info("job scheduled")
	return nil
}

// Scheduled lists the names of enabled jobs.
func (c *CronScheduler) Scheduled() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	names := make([]string, 0, len(c.jobs))
	for name := range c.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Status reports every enabled job ordered by name.
func (c *CronScheduler) Status() []JobStatus {
	c.mu.Lock()
	entries := make([]*jobEntry, 0, len(c.jobs))
	for _, e := range c.jobs {
		entries = append(entries, e)
	}
	c.mu.Unlock()

	out := make([]JobStatus, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		st := e.status
		e.mu.Unlock()
		if next := c.cron.Entry(e.entryID).Next; !next.IsZero() {
			st.NextRun = next.UnixMilli()
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Trigger runs a registered job now on the caller's goroutine.
func (c *CronScheduler) Trigger(name string) error {
	c.mu.Lock()
	entry, ok := c.jobs[name]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobUnknown, name)
	}
	return c.execute(entry)
}

func (c *CronScheduler) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()
	c.cron.Start()
}

func (c *CronScheduler) Stop() {
	ctx := c.cron.Stop()
	<-ctx.Done()
}

func (c *CronScheduler) runContext() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

func (c *CronScheduler) execute(entry *jobEntry) error {
	ctx := c.runContext()
	logger := logutil.GetLogger(ctx).With(
		zap.String("job", entry.status.Name),
		zap.String("spec", entry.spec),
	)
	entry.mu.Lock()
	if entry.status.Running {
		entry.status.Skipped++
		entry.mu.Unlock()
		logger.Info("job skipped: still running")
		return ErrJobRunning
	}
	start := c.now()
	entry.status.Running = true
	entry.status.LastStart = start.UnixMilli()
	entry.mu.Unlock()

	logger.Info("job started")
	err := entry.job.Run(ctx)
	elapsed := c.now().Sub(start)

	entry.mu.Lock()
	entry.status.Running = false
	entry.status.Runs++
	entry.status.LastMillis = elapsed.Milliseconds()
	entry.status.LastError = ""
	if err != nil {
		entry.status.Failures++
		entry.status.LastError = err.Error()
	}
	entry.mu.Unlock()

	if err != nil {
		logger.Error("job finished", zap.Error(err), zap.Duration("duration", elapsed))
		return err
	}
	logger.Info("job finished", zap.Duration("duration", elapsed))
	return nil
}
