package job

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragguard/internal/filestore"
	"github.com/xxxsen/ragguard/internal/model"
)

const archiveCursorName = "incident_archive"

type IncidentSource interface {
	List(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error)
}

type CursorStore interface {
	Get(ctx context.Context, name string) (int64, error)
	Set(ctx context.Context, name string, value int64) error
}

// IncidentArchiveJob copies new incidents to the file store as JSON lines,
// one object per batch. The cursor only moves after a batch is stored.
type IncidentArchiveJob struct {
	source  IncidentSource
	store   filestore.Store
	cursors CursorStore
	batch   int
}

func NewIncidentArchiveJob(source IncidentSource, store filestore.Store, cursors CursorStore, batch int) *IncidentArchiveJob {
	if batch <= 0 {
		batch = 500
	}
	return &IncidentArchiveJob{source: source, store: store, cursors: cursors, batch: batch}
}

func (j *IncidentArchiveJob) Name() string {
	return "incident_archive"
}

func (j *IncidentArchiveJob) Run(ctx context.Context) error {
	logger := logutil.GetLogger(ctx)
	after, err := j.cursors.Get(ctx, archiveCursorName)
	if err != nil {
		return fmt.Errorf("load archive cursor: %w", err)
	}
	for {
		items, err := j.source.List(ctx, after, j.batch)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return nil
		}
		data, err := encodeJSONL(items)
		if err != nil {
			return err
		}
		first, last := items[0].SequenceNumber, items[len(items)-1].SequenceNumber
		key := ArchiveKey(first, last)
		if err := filestore.SaveBytes(ctx, j.store, key, data); err != nil {
			return fmt.Errorf("save %s: %w", key, err)
		}
		if err := j.cursors.Set(ctx, archiveCursorName, last); err != nil {
			return fmt.Errorf("save archive cursor: %w", err)
		}
		logger.Info("incidents archived", zap.String("key", key), zap.Int("count", len(items)))
		after = last
		if len(items) < j.batch {
			return nil
		}
	}
}

func ArchiveKey(first, last int64) string {
	return fmt.Sprintf("incidents-%012d-%012d.jsonl", first, last)
}

func encodeJSONL(items []*model.Incident) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, inc := range items {
		if err := enc.Encode(inc); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}
