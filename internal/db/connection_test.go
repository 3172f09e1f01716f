package db_test

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjannette/crypto-pipeline/internal/db"
	"github.com/kjannette/crypto-pipeline/internal/testutil"
)

func TestTestConnection(t *testing.T) {
	pool, _ := testutil.SetupPool(t)

	core, logs := observer.New(zap.InfoLevel)
	if err := db.TestConnection(context.Background(), pool, zap.New(core)); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	entries := logs.FilterMessage("database connection ok").All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	if _, ok := entries[0].ContextMap()["server_time"]; !ok {
		t.Fatal("expected server_time field")
	}
}

func TestTestConnectionClosedPool(t *testing.T) {
	pool, _ := testutil.SetupPool(t)
	pool.Close()

	if err := db.TestConnection(context.Background(), pool, nil); err == nil {
		t.Fatal("expected error on closed pool")
	}
}
