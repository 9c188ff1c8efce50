package repo

import (
	"context"
	"database/sql"

	"github.com/didi/gendry/builder"

	"github.com/xxxsen/ragguard/internal/model"
	"github.com/xxxsen/ragguard/internal/pkg/dbutil"
)

var usageFields = []string{"bucket", "route", "success", "errors"}

// UsageRepo stores request counters per time bucket and route.
type UsageRepo struct {
	db *sql.DB
}

func NewUsageRepo(db *sql.DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// Add increments the stored counters by items in one transaction.
func (r *UsageRepo) Add(ctx context.Context, items []*model.UsageBucket) error {
	if len(items) == 0 {
		return nil
	}
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback()
	}()
	const query = `
		INSERT INTO api_usage (bucket, route, success, errors)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bucket, route) DO UPDATE SET
			success = api_usage.success + EXCLUDED.success,
			errors = api_usage.errors + EXCLUDED.errors
	`
	for _, item := range items {
		if _, err := tx.ExecContext(ctx, query, item.Start, item.Route, item.Success, item.Errors); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *UsageRepo) ListSince(ctx context.Context, since int64) ([]*model.UsageBucket, error) {
	where := map[string]interface{}{
		"bucket >=": since,
		"_orderby":  "bucket asc, route asc",
	}
	sqlStr, args, err := builder.BuildSelect("api_usage", where, usageFields)
	if err != nil {
		return nil, err
	}
	sqlStr, args = dbutil.Finalize(sqlStr, args)
	rows, err := r.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := make([]*model.UsageBucket, 0)
	for rows.Next() {
		var item model.UsageBucket
		if err := rows.Scan(&item.Start, &item.Route, &item.Success, &item.Errors); err != nil {
			return nil, err
		}
		items = append(items, &item)
	}
	return items, rows.Err()
}
