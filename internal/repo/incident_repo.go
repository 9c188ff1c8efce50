package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/didi/gendry/builder"
	"github.com/lib/pq"

	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/dbutil"
	appErr "github.com/xxxsen/ragguard/internal/pkg/errors"
)

const incidentSequenceName = "incident"

var incidentFields = []string{
	"sequence_number", "id", "payload_id", "query_id", "direction", "rule_ids",
	"severity", "payload_digest", "prev_hash", "record_hash", "ctime",
}

// BuildIncidentFunc fills an incident for the allocated sequence number.
// prevHash is empty for the first record of the chain.
type BuildIncidentFunc func(seq int64, prevHash string) (*model.Incident, error)

type IncidentRepo struct {
	db *sql.DB
}

func NewIncidentRepo(db *sql.DB) *IncidentRepo {
	return &IncidentRepo{db: db}
}

// Append allocates the next sequence number and inserts the incident in one
// transaction. A failed insert rolls the counter back with it, so numbers
// stay gap-free.
func (r *IncidentRepo) Append(ctx context.Context, build BuildIncidentFunc) (*model.Incident, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`UPDATE incident_sequence SET value = value + 1 WHERE name = $1 RETURNING value`,
		incidentSequenceName,
	).Scan(&seq); err != nil {
		return nil, fmt.Errorf("allocate incident sequence: %w", err)
	}

	prevHash := ""
	if seq > 1 {
		if err := tx.QueryRowContext(ctx,
			`SELECT record_hash FROM incidents WHERE sequence_number = $1`, seq-1,
		).Scan(&prevHash); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, fmt.Errorf("incident %d missing from chain: %w", seq-1, appErr.ErrInternal)
			}
			return nil, err
		}
	}

	inc, err := build(seq, prevHash)
	if err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO incidents (sequence_number, id, payload_id, query_id, direction, rule_ids,
			severity, payload_digest, prev_hash, record_hash, ctime)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		inc.SequenceNumber,
		inc.ID,
		inc.PayloadID,
		inc.QueryID,
		string(inc.Direction),
		pq.Array(inc.RuleIDs),
		string(inc.Severity),
		inc.PayloadDigest,
		inc.PrevHash,
		inc.RecordHash,
		inc.Ctime,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inc, nil
}

// ListAfter returns up to limit incidents with sequence numbers greater than
// afterSeq, in sequence order.
func (r *IncidentRepo) ListAfter(ctx context.Context, afterSeq int64, limit int) ([]*model.Incident, error) {
	where := map[string]interface{}{
		"sequence_number >": afterSeq,
		"_orderby":          "sequence_number asc",
		"_limit":            []uint{0, uint(limit)},
	}
	sqlStr, args, err := builder.BuildSelect("incidents", where, incidentFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]*model.Incident, 0, limit)
	for rows.Next() {
		var inc model.Incident
		var direction, severity string
		var ruleIDs pq.StringArray
		if err := rows.Scan(
			&inc.SequenceNumber, &inc.ID, &inc.PayloadID, &inc.QueryID, &direction, &ruleIDs,
			&severity, &inc.PayloadDigest, &inc.PrevHash, &inc.RecordHash, &inc.Ctime,
		); err != nil {
			return nil, err
		}
		inc.Direction = model.Direction(direction)
		inc.Severity = model.Severity(severity)
		inc.RuleIDs = []string(ruleIDs)
		items = append(items, &inc)
	}
	return items, rows.Err()
}

// CountByRule aggregates incidents per triggered rule, most frequent first,
// along with the newest incident for each rule.
func (r *IncidentRepo) CountByRule(ctx context.Context, limit int) ([]*model.RuleCount, error) {
	const query = `
		SELECT rule_id, COUNT(*) AS cnt, MAX(ctime),
			(array_agg(payload_id ORDER BY sequence_number DESC))[1],
			MAX(sequence_number)
		FROM incidents, unnest(rule_ids) AS rule_id
		GROUP BY rule_id
		ORDER BY cnt DESC, rule_id ASC
		LIMIT $1
	`
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]*model.RuleCount, 0)
	for rows.Next() {
		var item model.RuleCount
		if err := rows.Scan(&item.RuleID, &item.Count, &item.LastSeen, &item.LatestPayloadID, &item.LatestSequence); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

// CountByBucket counts incidents recorded at or after since, grouped into
// buckets of the given width in milliseconds. Empty buckets are omitted.
func (r *IncidentRepo) CountByBucket(ctx context.Context, since int64, bucket int64) ([]*model.IncidentBucket, error) {
	if bucket <= 0 {
		return nil, fmt.Errorf("bucket width must be positive: %w", appErr.ErrInvalid)
	}
	const query = `
		SELECT (ctime / $1) * $1 AS bucket,
			COUNT(*) FILTER (WHERE severity = 'reject'),
			COUNT(*) FILTER (WHERE severity = 'flag')
		FROM incidents
		WHERE ctime >= $2
		GROUP BY bucket
		ORDER BY bucket ASC
	`
	rows, err := r.db.QueryContext(ctx, query, bucket, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]*model.IncidentBucket, 0)
	for rows.Next() {
		var item model.IncidentBucket
		if err := rows.Scan(&item.Start, &item.Rejected, &item.Flagged); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}

func (r *IncidentRepo) LastSequence(ctx context.Context) (int64, error) {
	var seq int64
	err := r.db.QueryRowContext(ctx,
		`SELECT value FROM incident_sequence WHERE name = $1`, incidentSequenceName,
	).Scan(&seq)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, err
	}
	return seq, nil
}
