package repository

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/kjannette/crypto-pipeline/internal/metrics"
	"github.com/kjannette/crypto-pipeline/internal/models"
)

// RunNamedQuery executes a registered analysis query in a read-only
// transaction. Unknown names and missing parameters are returned as errors
// before any database work.
func (s *Store) RunNamedQuery(ctx context.Context, name string, params map[string]any) (recs []models.Record, err error) {
	q, err := s.queries.Get(name)
	if err != nil {
		return nil, err
	}
	sql, args, err := q.Bind(params)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() { metrics.ObserveStoreOp("named_query", err, time.Since(start)) }()

	pool, err := s.getPool(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := pool.BeginTx(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly})
	if err != nil {
		return nil, persistErr("begin query", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, sql, args...)
	if err != nil {
		return nil, persistErr(fmt.Sprintf("query %s", name), err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	recs = []models.Record{}
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, persistErr(fmt.Sprintf("scan %s", name), err)
		}
		rec := make(models.Record, len(fields))
		for i, f := range fields {
			rec[f.Name] = normalizeValue(vals[i])
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, persistErr(fmt.Sprintf("query %s", name), err)
	}
	return recs, nil
}

// normalizeValue turns driver-specific values into types that marshal cleanly.
func normalizeValue(v any) any {
	switch x := v.(type) {
	case pgtype.Numeric:
		return numericToDecimal(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 && x.Nanosecond() == 0 {
			return x.Format(models.DateLayout)
		}
		return x
	default:
		return v
	}
}

func numericToDecimal(n pgtype.Numeric) any {
	if !n.Valid || n.NaN || n.InfinityModifier != pgtype.Finite {
		return nil
	}
	i := n.Int
	if i == nil {
		i = new(big.Int)
	}
	return decimal.NewFromBigInt(i, n.Exp)
}
