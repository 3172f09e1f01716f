package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/metrics"
	"github.com/kjannette/crypto-pipeline/internal/models"
)

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

const upsertSnapshotSQL = `
INSERT INTO coin_history (coin_id, price_usd, fetch_date, response_data, created_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (coin_id, fetch_date) DO UPDATE SET
    price_usd     = EXCLUDED.price_usd,
    response_data = EXCLUDED.response_data,
    created_at    = EXCLUDED.created_at`

// Upsert writes the snapshot for (assetID, date), replacing any previous one,
// and refreshes that month's aggregate in the same transaction. An aggregate
// failure is logged and does not undo the snapshot.
func (s *Store) Upsert(ctx context.Context, assetID string, date time.Time, price decimal.NullDecimal, raw json.RawMessage) (err error) {
	start := time.Now()
	defer func() { metrics.ObserveStoreOp("upsert", err, time.Since(start)) }()

	if assetID == "" {
		return fmt.Errorf("upsert: empty asset id")
	}
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	day := models.Day(date)

	pool, err := s.getPool(ctx)
	if err != nil {
		return err
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		return persistErr("begin upsert", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, upsertSnapshotSQL, assetID, price, day, raw); err != nil {
		return persistErr("upsert snapshot", err)
	}

	year, month := day.Year(), int(day.Month())

	sp, err := tx.Begin(ctx)
	if err != nil {
		return persistErr("savepoint", err)
	}
	if aggErr := recomputeAggregate(ctx, sp, assetID, year, month); aggErr != nil {
		_ = sp.Rollback(ctx)
		s.log.Warn("monthly aggregate refresh failed, snapshot kept",
			zap.String("coin", assetID),
			zap.Int("year", year),
			zap.Int("month", month),
			zap.Error(aggErr))
	} else if err := sp.Commit(ctx); err != nil {
		return persistErr("release savepoint", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return persistErr("commit upsert", err)
	}

	s.log.Debug("snapshot stored",
		zap.String("coin", assetID),
		zap.String("date", day.Format(models.DateLayout)),
		zap.Bool("has_price", price.Valid))
	return nil
}

// GetSnapshot returns nil, nil when no snapshot exists.
func (s *Store) GetSnapshot(ctx context.Context, assetID string, date time.Time) (*models.Snapshot, error) {
	pool, err := s.getPool(ctx)
	if err != nil {
		return nil, err
	}

	row := pool.QueryRow(ctx,
		`SELECT coin_id, fetch_date, price_usd, response_data, created_at
		 FROM coin_history WHERE coin_id = $1 AND fetch_date = $2`,
		assetID, models.Day(date),
	)
	snap, err := scanSnapshot(row, true)
	if err != nil {
		if isNoRows(err) {
			return nil, nil
		}
		return nil, persistErr("get snapshot", err)
	}
	return snap, nil
}

// ListSnapshots returns snapshots in ascending date order. Zero bounds are
// open and a limit of zero or less returns every row. Raw payloads are omitted unless withPayload is set.
func (s *Store) ListSnapshots(ctx context.Context, assetID string, from, to time.Time, withPayload bool, limit int) ([]models.Snapshot, error) {
	sql, args, err := buildSnapshotQuery(assetID, from, to, withPayload, limit)
	if err != nil {
		return nil, fmt.Errorf("build snapshot query: %w", err)
	}

	pool, err := s.getPool(ctx)
	if err != nil {
		return nil, err
	}

	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistErr("list snapshots", err)
	}
	defer rows.Close()

	out, err := collectSnapshots(rows, withPayload)
	if err != nil {
		return nil, persistErr("scan snapshots", err)
	}
	return out, nil
}

func buildSnapshotQuery(assetID string, from, to time.Time, withPayload bool, limit int) (string, []any, error) {
	cols := []string{"coin_id", "fetch_date", "price_usd"}
	if withPayload {
		cols = append(cols, "response_data")
	}
	cols = append(cols, "created_at")

	q := psql.Select(cols...).
		From("coin_history").
		Where(sq.Eq{"coin_id": assetID})
	if !from.IsZero() {
		q = q.Where(sq.GtOrEq{"fetch_date": models.Day(from)})
	}
	if !to.IsZero() {
		q = q.Where(sq.LtOrEq{"fetch_date": models.Day(to)})
	}
	q = q.OrderBy("fetch_date ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	return q.ToSql()
}

func scanSnapshot(row scannable, withPayload bool) (*models.Snapshot, error) {
	var snap models.Snapshot
	dest := []any{&snap.AssetID, &snap.AsOfDate, &snap.PriceUSD}
	if withPayload {
		dest = append(dest, &snap.RawPayload)
	}
	dest = append(dest, &snap.FetchedAt)
	if err := row.Scan(dest...); err != nil {
		return nil, err
	}
	return &snap, nil
}

func collectSnapshots(rows rowsIter, withPayload bool) ([]models.Snapshot, error) {
	out := []models.Snapshot{}
	for rows.Next() {
		snap, err := scanSnapshot(rows, withPayload)
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, rows.Err()
}
