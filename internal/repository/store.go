package repository

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/db"
	"github.com/kjannette/crypto-pipeline/internal/logging"
	"github.com/kjannette/crypto-pipeline/internal/queries"
)

// ErrPersistence marks connection and write failures of the store.
var ErrPersistence = errors.New("persistence error")

func persistErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrPersistence, err)
}

type Options struct {
	Pool    db.PoolOptions
	Queries *queries.Registry
	Logger  *zap.Logger
	// ConnectRetryDelay is the pause before the single reconnect attempt.
	ConnectRetryDelay time.Duration
}

// Store persists snapshots and monthly aggregates in Postgres. The pool is
// created lazily on first use.
type Store struct {
	dsn     string
	opts    Options
	queries *queries.Registry
	log     *zap.Logger
	connect func(ctx context.Context, dsn string, opts db.PoolOptions) (*pgxpool.Pool, error)

	mu   sync.Mutex
	pool *pgxpool.Pool
}

func Open(dsn string, opts Options) *Store {
	if opts.ConnectRetryDelay <= 0 {
		opts.ConnectRetryDelay = time.Second
	}
	log := logging.OrNop(opts.Logger)
	reg := opts.Queries
	if reg == nil {
		reg, _ = queries.Load("")
	}
	s := &Store{
		dsn:     dsn,
		opts:    opts,
		queries: reg,
		log:     log,
	}
	s.connect = s.dial
	return s
}

// dial builds the pool and runs a test query before handing it out.
func (s *Store) dial(ctx context.Context, dsn string, opts db.PoolOptions) (*pgxpool.Pool, error) {
	p, err := db.Connect(ctx, dsn, opts)
	if err != nil {
		return nil, err
	}
	if err := db.TestConnection(ctx, p, s.log); err != nil {
		p.Close()
		return nil, err
	}
	return p, nil
}

// NewStore wraps an existing pool.
func NewStore(pool *pgxpool.Pool, reg *queries.Registry, log *zap.Logger) *Store {
	s := Open("", Options{Queries: reg, Logger: log})
	s.pool = pool
	return s
}

func (s *Store) getPool(ctx context.Context) (*pgxpool.Pool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pool != nil {
		return s.pool, nil
	}

	p, err := s.connect(ctx, s.dsn, s.opts.Pool)
	if err != nil {
		s.log.Warn("database connect failed, retrying once",
			zap.Duration("delay", s.opts.ConnectRetryDelay), zap.Error(err))

		t := time.NewTimer(s.opts.ConnectRetryDelay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, persistErr("connect", ctx.Err())
		case <-t.C:
		}

		p, err = s.connect(ctx, s.dsn, s.opts.Pool)
		if err != nil {
			return nil, persistErr("connect", err)
		}
	}

	s.log.Info("database pool ready",
		zap.Int32("max_conns", p.Config().MaxConns))
	s.pool = p
	return p, nil
}

func (s *Store) Ping(ctx context.Context) error {
	pool, err := s.getPool(ctx)
	if err != nil {
		return err
	}
	if err := pool.Ping(ctx); err != nil {
		return persistErr("ping", err)
	}
	return nil
}

func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pool != nil {
		s.pool.Close()
		s.pool = nil
	}
}

func (s *Store) Queries() *queries.Registry { return s.queries }

// --- scan helpers ---

type scannable interface {
	Scan(dest ...any) error
}

type rowsIter interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}
