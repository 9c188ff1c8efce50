package schedule

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const (
	timeout = time.Second
	tick    = 5 * time.Millisecond
)

type countingJob struct {
	name  string
	runs  atomic.Int32
	err   error
	block chan struct{}
}

func (j *countingJob) Name() string {
	return j.name
}

func (j *countingJob) Run(ctx context.Context) error {
	j.runs.Add(1)
	if j.block != nil {
		<-j.block
	}
	return j.err
}

func TestCronSchedulerAddJob(t *testing.T) {
	s := NewCronScheduler()
	require.NoError(t, s.AddJob(&countingJob{name: "verify"}, "*/5 * * * *"))
	require.NoError(t, s.AddJob(&countingJob{name: "archive"}, ""))
	require.Error(t, s.AddJob(&countingJob{name: "verify"}, "0 * * * *"))
	require.Error(t, s.AddJob(&countingJob{name: "bad"}, "not a spec"))
	require.Equal(t, []string{"verify"}, s.Scheduled())
}

func TestCronSchedulerTriggerSkipsOverlap(t *testing.T) {
	s := NewCronScheduler()
	job := &countingJob{name: "slow", block: make(chan struct{}), err: errors.New("boom")}
	require.NoError(t, s.AddJob(job, "0 3 * * *"))

	done := make(chan error, 1)
	go func() {
		done <- s.Trigger("slow")
	}()
	require.Eventually(t, func() bool { return job.runs.Load() == 1 }, timeout, tick)
	require.ErrorIs(t, s.Trigger("slow"), ErrJobRunning)
	require.Equal(t, int32(1), job.runs.Load())
	close(job.block)
	require.EqualError(t, <-done, "boom")

	job.block = nil
	job.err = nil
	require.NoError(t, s.Trigger("slow"))
	require.Equal(t, int32(2), job.runs.Load())

	status := s.Status()
	require.Len(t, status, 1)
	require.Equal(t, "slow", status[0].Name)
	require.Equal(t, "0 3 * * *", status[0].Spec)
	require.False(t, status[0].Running)
	require.Equal(t, int64(2), status[0].Runs)
	require.Equal(t, int64(1), status[0].Failures)
	require.Equal(t, int64(1), status[0].Skipped)
	require.Empty(t, status[0].LastError)
}

func TestCronSchedulerTriggerUnknown(t *testing.T) {
	s := NewCronScheduler()
	require.NoError(t, s.AddJob(&countingJob{name: "off"}, ""))
	require.ErrorIs(t, s.Trigger("off"), ErrJobUnknown)
	require.Empty(t, s.Status())
}

func TestCronSchedulerStatusRecordsFailure(t *testing.T) {
	s := NewCronScheduler()
	base := time.Unix(1700000000, 0)
	calls := 0
	s.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls-1) * 250 * time.Millisecond)
	}
	require.NoError(t, s.AddJob(&countingJob{name: "verify", err: errors.New("chain broken")}, "*/5 * * * *"))
	require.Error(t, s.Trigger("verify"))

	st := s.Status()[0]
	require.Equal(t, base.UnixMilli(), st.LastStart)
	require.Equal(t, int64(250), st.LastMillis)
	require.Equal(t, "chain broken", st.LastError)
	require.Equal(t, int64(1), st.Failures)
}
