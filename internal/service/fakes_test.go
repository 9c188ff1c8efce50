package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/xxxsen/ragguard/internal/model"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
	"github.com/xxxsen/ragguard/internal/repo"
)

type memIncidentStore struct {
	mu      sync.Mutex
	counter int64
	items   []*model.Incident
	failErr error
}

func (s *memIncidentStore) Append(ctx context.Context, build repo.BuildIncidentFunc) (*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return nil, s.failErr
	}
	seq := s.counter + 1
	prev := ""
	if n := len(s.items); n > 0 {
		prev = s.items[n-1].RecordHash
	}
	inc, err := build(seq, prev)
	if err != nil {
		return nil, err
	}
	s.counter = seq
	cp := *inc
	s.items = append(s.items, &cp)
	return inc, nil
}

func (s *memIncidentStore) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Incident, 0)
	for _, inc := range s.items {
		if inc.SequenceNumber > afterSeq && len(out) < limit {
			cp := *inc
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memIncidentStore) CountByRule(ctx context.Context, limit int) ([]*model.RuleCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := map[string]*model.RuleCount{}
	for _, inc := range s.items {
		for _, id := range inc.RuleIDs {
			rc, ok := counts[id]
			if !ok {
				rc = &model.RuleCount{RuleID: id}
				counts[id] = rc
			}
			rc.Count++
			rc.LastSeen = inc.Ctime
			rc.LatestPayloadID = inc.PayloadID
			rc.LatestSequence = inc.SequenceNumber
		}
	}
	out := make([]*model.RuleCount, 0, len(counts))
	for _, rc := range counts {
		out = append(out, rc)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].RuleID < out[j].RuleID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memIncidentStore) CountByBucket(ctx context.Context, since int64, bucket int64) ([]*model.IncidentBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byStart := map[int64]*model.IncidentBucket{}
	for _, inc := range s.items {
		if inc.Ctime < since {
			continue
		}
		start := inc.Ctime / bucket * bucket
		b, ok := byStart[start]
		if !ok {
			b = &model.IncidentBucket{Start: start}
			byStart[start] = b
		}
		switch inc.Severity {
		case model.SeverityReject:
			b.Rejected++
		case model.SeverityFlag:
			b.Flagged++
		}
	}
	out := make([]*model.IncidentBucket, 0, len(byStart))
	for _, b := range byStart {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out, nil
}

type memUsageStore struct {
	mu      sync.Mutex
	rows    map[usageKey]*model.UsageBucket
	failErr error
	adds    int
}

func newMemUsageStore() *memUsageStore {
	return &memUsageStore{rows: map[usageKey]*model.UsageBucket{}}
}

func (s *memUsageStore) Add(ctx context.Context, items []*model.UsageBucket) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.adds++
	if s.failErr != nil {
		return s.failErr
	}
	for _, b := range items {
		k := usageKey{start: b.Start, route: b.Route}
		cur, ok := s.rows[k]
		if !ok {
			cp := *b
			s.rows[k] = &cp
			continue
		}
		cur.Success += b.Success
		cur.Errors += b.Errors
	}
	return nil
}

func (s *memUsageStore) ListSince(ctx context.Context, since int64) ([]*model.UsageBucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.UsageBucket, 0, len(s.rows))
	for k, b := range s.rows {
		if k.start >= since {
			cp := *b
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *memIncidentStore) LastSequence(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter, nil
}

func (s *memIncidentStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

type memChunks struct {
	mu     sync.Mutex
	items  map[string]*model.Chunk
	docs   map[string]*model.Document
	fail   error
	nextCr error
}

func newMemChunks(chunks ...*model.Chunk) *memChunks {
	m := &memChunks{items: map[string]*model.Chunk{}, docs: map[string]*model.Document{}}
	for _, c := range chunks {
		m.items[c.ID] = c
	}
	return m
}

func (m *memChunks) ListByIDs(ctx context.Context, ids []string) (map[string]*model.Chunk, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return nil, m.fail
	}
	out := make(map[string]*model.Chunk, len(ids))
	for _, id := range ids {
		if c, ok := m.items[id]; ok {
			out[id] = c
		}
	}
	return out, nil
}

func (m *memChunks) Create(ctx context.Context, doc *model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return appErr.ErrConflict
	}
	m.docs[doc.ID] = doc
	return nil
}

func (m *memChunks) Delete(ctx context.Context, docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[docID]; !ok {
		return appErr.ErrNotFound
	}
	delete(m.docs, docID)
	for id, c := range m.items {
		if c.DocumentID == docID {
			delete(m.items, id)
		}
	}
	return nil
}

func (m *memChunks) CreateBatch(ctx context.Context, chunks []*model.Chunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.nextCr != nil {
		return m.nextCr
	}
	for _, c := range chunks {
		m.items[c.ID] = c
	}
	return nil
}

type fakeEmbedder struct {
	vectors map[string][]float32
	dim     int
	err     error
	calls   atomic.Int32
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string, taskType string) ([]float32, error) {
	f.calls.Add(1)
	if f.err != nil {
		return nil, f.err
	}
	if v, ok := f.vectors[text]; ok {
		return v, nil
	}
	v := make([]float32, f.dim)
	v[len(text)%f.dim] = 1
	return v, nil
}

func (f *fakeEmbedder) ModelName() string {
	return "fake-embed"
}

type fakeGenerator struct {
	reply      string
	err        error
	calls      atomic.Int32
	lastSystem string
	lastPrompt string
}

func (f *fakeGenerator) Name() string {
	return "fake:gen"
}

func (f *fakeGenerator) Generate(ctx context.Context, system string, prompt string) (string, error) {
	f.calls.Add(1)
	f.lastSystem = system
	f.lastPrompt = prompt
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

type downIndex struct {
	calls atomic.Int32
}

func (d *downIndex) Upsert(ctx context.Context, chunkID string, vector []float32, meta model.VectorMetadata) error {
	d.calls.Add(1)
	return appErr.ErrIndexUnavailable
}

func (d *downIndex) Search(ctx context.Context, vector []float32, topK int, filter model.SearchFilter) (model.RetrievalResult, error) {
	d.calls.Add(1)
	return nil, errors.Join(appErr.ErrIndexUnavailable, errors.New("connection refused"))
}

func (d *downIndex) Ping(ctx context.Context) error {
	return appErr.ErrIndexUnavailable
}

func (d *downIndex) Dimension() int {
	return 3
}
