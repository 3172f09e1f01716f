package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/kjannette/crypto-pipeline/internal/db"
)

// SetupPool connects to TEST_DATABASE_URL, applies the migrations and
// truncates the pipeline tables. Tests are skipped when the variable is unset.
func SetupPool(t *testing.T) (*pgxpool.Pool, string) {
	t.Helper()

	_ = godotenv.Load("../../.env")

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	if err := db.MigrateUp(dsn); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { pool.Close() })

	_, err = pool.Exec(context.Background(),
		"TRUNCATE coin_history, coin_monthly_aggregates RESTART IDENTITY")
	if err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return pool, dsn
}

