package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/pool"
	"github.com/xxxsen/ragguard/internal/repo"
)

type IncidentStore interface {
	Append(ctx context.Context, build repo.BuildIncidentFunc) (*model.Incident, error)
	ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error)
	CountByRule(ctx context.Context, limit int) ([]*model.RuleCount, error)
	CountByBucket(ctx context.Context, since int64, bucket int64) ([]*model.IncidentBucket, error)
	LastSequence(ctx context.Context) (int64, error)
}

// IncidentLogger is the only writer of the incident log. Sequence numbers
// are handed out by the store inside the insert transaction; the mutex keeps
// appends from this process strictly one at a time.
type IncidentLogger struct {
	store   IncidentStore
	gate    *pool.Gate
	timeout time.Duration
	now     func() time.Time
	// techniques maps rule ids to their ATT&CK tags for Stats.
	techniques map[string]*model.MitreTechnique

	mu sync.Mutex
}

func NewIncidentLogger(store IncidentStore, gate *pool.Gate, timeout time.Duration) *IncidentLogger {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &IncidentLogger{store: store, gate: gate, timeout: timeout, now: time.Now}
}

// Record appends one incident and returns it once durable. The write runs
// on a context detached from the caller, so a client disconnect does not
// abandon an issued write.
func (l *IncidentLogger) Record(ctx context.Context, p *model.Payload, ruleIDs []string, severity model.Severity) (*model.Incident, error) {
	logger := logutil.GetLogger(ctx).With(zap.String("payload_id", p.ID), zap.String("direction", string(p.Direction)))
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), l.timeout)
	defer cancel()

	release, err := l.gate.Acquire(wctx)
	if err != nil {
		logger.Error("incident write blocked by pool", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", appErr.ErrAuditWriteFailed, err)
	}
	defer release()

	rules := append([]string(nil), ruleIDs...)
	sort.Strings(rules)
	digest := sha256.Sum256(p.Body)

	l.mu.Lock()
	defer l.mu.Unlock()
	inc, err := l.store.Append(wctx, func(seq int64, prevHash string) (*model.Incident, error) {
		inc := &model.Incident{
			ID:             newID(),
			SequenceNumber: seq,
			PayloadID:      p.ID,
			QueryID:        p.QueryID,
			Direction:      p.Direction,
			RuleIDs:        rules,
			Severity:       severity,
			PayloadDigest:  hex.EncodeToString(digest[:]),
			PrevHash:       prevHash,
			Ctime:          l.now().UnixMilli(),
		}
		inc.RecordHash = HashIncident(inc)
		return inc, nil
	})
	if err != nil {
		logger.Error("incident write failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", appErr.ErrAuditWriteFailed, err)
	}
	logger.Warn("incident recorded",
		zap.Int64("sequence", inc.SequenceNumber),
		zap.Strings("rules", inc.RuleIDs),
		zap.String("severity", string(inc.Severity)),
	)
	return inc, nil
}

// HashIncident chains an incident to its predecessor. RuleIDs must already
// be sorted.
func HashIncident(inc *model.Incident) string {
	parts := []string{
		inc.PrevHash,
		strconv.FormatInt(inc.SequenceNumber, 10),
		inc.ID,
		inc.PayloadID,
		inc.QueryID,
		string(inc.Direction),
		strings.Join(inc.RuleIDs, ","),
		string(inc.Severity),
		inc.PayloadDigest,
		strconv.FormatInt(inc.Ctime, 10),
	}
	sum := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type ChainReport struct {
	Checked      int64  `json:"checked"`
	LastSequence int64  `json:"last_sequence"`
	OK           bool   `json:"ok"`
	BrokenAt     int64  `json:"broken_at,omitempty"`
	Reason       string `json:"reason,omitempty"`
}

// Verify walks the whole log in sequence order and stops at the first gap,
// link mismatch or altered record.
func (l *IncidentLogger) Verify(ctx context.Context, batch int) (*ChainReport, error) {
	if batch <= 0 {
		batch = 500
	}
	counter, err := l.store.LastSequence(ctx)
	if err != nil {
		return nil, err
	}
	report := &ChainReport{OK: true}
	prevHash := ""
	var expect int64 = 1
	for {
		items, err := l.store.ListAfter(ctx, expect-1, batch)
		if err != nil {
			return nil, err
		}
		for _, inc := range items {
			report.Checked++
			switch {
			case inc.SequenceNumber != expect:
				return report.fail(expect, fmt.Sprintf("sequence gap: want %d, got %d", expect, inc.SequenceNumber)), nil
			case inc.PrevHash != prevHash:
				return report.fail(inc.SequenceNumber, "previous hash does not link"), nil
			case HashIncident(inc) != inc.RecordHash:
				return report.fail(inc.SequenceNumber, "record hash mismatch"), nil
			}
			prevHash = inc.RecordHash
			report.LastSequence = inc.SequenceNumber
			expect++
		}
		if len(items) < batch {
			break
		}
	}
	if report.LastSequence < counter {
		return report.fail(report.LastSequence+1, fmt.Sprintf("counter at %d but log ends at %d", counter, report.LastSequence)), nil
	}
	return report, nil
}

func (r *ChainReport) fail(seq int64, reason string) *ChainReport {
	r.OK = false
	r.BrokenAt = seq
	r.Reason = reason
	return r
}

func (l *IncidentLogger) List(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	if afterSeq < 0 {
		afterSeq = 0
	}
	return l.store.ListAfter(ctx, afterSeq, limit)
}

// WithTechniques remembers the ATT&CK tags declared on rules. Rules without
// a tag are reported as unmapped.
func (l *IncidentLogger) WithTechniques(rules []model.ValidationRule) *IncidentLogger {
	l.techniques = make(map[string]*model.MitreTechnique, len(rules))
	for _, r := range rules {
		if r.Mitre != nil {
			t := *r.Mitre
			l.techniques[r.ID] = &t
		}
	}
	return l
}

func (l *IncidentLogger) Stats(ctx context.Context, limit int) ([]*model.RuleCount, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	items, err := l.store.CountByRule(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, item := range items {
		item.Technique = unmappedTechnique
		if t, ok := l.techniques[item.RuleID]; ok {
			item.Technique = t
		}
	}
	return items, nil
}

var unmappedTechnique = &model.MitreTechnique{ID: "unknown", Tactic: "unmapped"}

const (
	defaultTimelineWindow = time.Hour
	defaultTimelineBucket = 5 * time.Minute
	maxTimelineBuckets    = 2016
)

// Timeline returns incident counts for the last window in fixed buckets,
// oldest first. Every bucket in the window is present, empty ones as zero.
func (l *IncidentLogger) Timeline(ctx context.Context, window, bucket time.Duration) ([]*model.IncidentBucket, error) {
	if bucket < time.Minute {
		bucket = defaultTimelineBucket
	}
	if window <= 0 {
		window = defaultTimelineWindow
	}
	if window/bucket > maxTimelineBuckets {
		window = bucket * maxTimelineBuckets
	}
	width := bucket.Milliseconds()
	now := l.now().UnixMilli()
	last := now / width * width
	first := (now - window.Milliseconds()) / width * width
	if first == last {
		first = last - width
	}
	first += width

	counted, err := l.store.CountByBucket(ctx, first, width)
	if err != nil {
		return nil, err
	}
	byStart := make(map[int64]*model.IncidentBucket, len(counted))
	for _, b := range counted {
		byStart[b.Start] = b
	}
	out := make([]*model.IncidentBucket, 0, (last-first)/width+1)
	for start := first; start <= last; start += width {
		b, ok := byStart[start]
		if !ok {
			b = &model.IncidentBucket{Start: start}
		}
		out = append(out, b)
	}
	return out, nil
}
