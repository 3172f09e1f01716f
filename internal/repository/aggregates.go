package repository

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/metrics"
	"github.com/kjannette/crypto-pipeline/internal/models"
)

// Same-window recomputes queue on this lock until the holder commits, so the
// last one to run sees every committed snapshot of the month.
const lockAggregateSQL = `SELECT pg_advisory_xact_lock(hashtext($1::text), $2::int)`

const recomputeAggregateSQL = `
INSERT INTO coin_monthly_aggregates (coin_id, year, month, min_price_usd, max_price_usd, updated_at)
SELECT $1::text, $2::int, $3::int, MIN(price_usd), MAX(price_usd), NOW()
FROM coin_history
WHERE coin_id = $1::text
  AND fetch_date >= $4::date
  AND fetch_date <  $5::date
ON CONFLICT (coin_id, year, month) DO UPDATE SET
    min_price_usd = EXCLUDED.min_price_usd,
    max_price_usd = EXCLUDED.max_price_usd,
    updated_at    = EXCLUDED.updated_at`

func recomputeAggregate(ctx context.Context, tx pgx.Tx, assetID string, year, month int) error {
	if month < 1 || month > 12 {
		return fmt.Errorf("month %d out of range", month)
	}
	if _, err := tx.Exec(ctx, lockAggregateSQL, assetID, year*12+month); err != nil {
		return fmt.Errorf("lock aggregate window: %w", err)
	}
	start, next := models.MonthBounds(year, month)
	if _, err := tx.Exec(ctx, recomputeAggregateSQL, assetID, year, month, start, next); err != nil {
		return fmt.Errorf("recompute aggregate: %w", err)
	}
	return nil
}

// RecomputeMonthlyAggregate rebuilds one (asset, year, month) aggregate from
// the stored snapshots. Min and max are NULL when no snapshot has a price.
func (s *Store) RecomputeMonthlyAggregate(ctx context.Context, assetID string, year, month int) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp("recompute_aggregate", err, time.Since(start)) }()

	if month < 1 || month > 12 {
		return fmt.Errorf("recompute aggregate: month %d out of range", month)
	}

	pool, err := s.getPool(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return persistErr("begin recompute", err)
	}
	defer tx.Rollback(ctx)

	if err := recomputeAggregate(ctx, tx, assetID, year, month); err != nil {
		return persistErr("recompute", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return persistErr("commit recompute", err)
	}
	return nil
}

// RebuildAggregates recomputes every month that holds snapshots for assetID
// and returns how many months were refreshed.
func (s *Store) RebuildAggregates(ctx context.Context, assetID string) (int, error) {
	pool, err := s.getPool(ctx)
	if err != nil {
		return 0, err
	}

	rows, err := pool.Query(ctx,
		`SELECT DISTINCT EXTRACT(YEAR FROM fetch_date)::int, EXTRACT(MONTH FROM fetch_date)::int
		 FROM coin_history WHERE coin_id = $1
		 ORDER BY 1, 2`,
		assetID,
	)
	if err != nil {
		return 0, persistErr("list months", err)
	}

	type window struct{ year, month int }
	var windows []window
	for rows.Next() {
		var w window
		if err := rows.Scan(&w.year, &w.month); err != nil {
			rows.Close()
			return 0, persistErr("scan months", err)
		}
		windows = append(windows, w)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, persistErr("list months", err)
	}

	for i, w := range windows {
		if err := s.RecomputeMonthlyAggregate(ctx, assetID, w.year, w.month); err != nil {
			return i, err
		}
	}
	return len(windows), nil
}

// GetMonthlyAggregates lists aggregates newest first, optionally filtered by
// year and month. Read failures are logged and yield an empty list.
func (s *Store) GetMonthlyAggregates(ctx context.Context, assetID string, year, month *int) []models.MonthlyAggregate {
	out := []models.MonthlyAggregate{}

	sql, args, err := buildAggregateQuery(assetID, year, month)
	if err != nil {
		s.log.Error("build aggregate query", zap.Error(err))
		return out
	}

	pool, err := s.getPool(ctx)
	if err != nil {
		s.log.Error("get monthly aggregates", zap.String("coin", assetID), zap.Error(err))
		return out
	}

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		s.log.Error("get monthly aggregates", zap.String("coin", assetID), zap.Error(err))
		return out
	}
	defer rows.Close()

	aggs, err := collectAggregates(rows)
	if err != nil {
		s.log.Error("scan monthly aggregates", zap.String("coin", assetID), zap.Error(err))
		return out
	}
	return aggs
}

func buildAggregateQuery(assetID string, year, month *int) (string, []any, error) {
	q := psql.Select("coin_id", "year", "month", "min_price_usd", "max_price_usd", "updated_at").
		From("coin_monthly_aggregates").
		Where(sq.Eq{"coin_id": assetID})
	if year != nil {
		q = q.Where(sq.Eq{"year": *year})
	}
	if month != nil {
		q = q.Where(sq.Eq{"month": *month})
	}
	return q.OrderBy("year DESC", "month DESC").ToSql()
}

func collectAggregates(rows rowsIter) ([]models.MonthlyAggregate, error) {
	out := []models.MonthlyAggregate{}
	for rows.Next() {
		var a models.MonthlyAggregate
		if err := rows.Scan(&a.AssetID, &a.Year, &a.Month, &a.MinPriceUSD, &a.MaxPriceUSD, &a.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
