package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/ingest"
	"github.com/kjannette/crypto-pipeline/internal/logging"
)

// DailyRunner fetches one calendar day for a set of coins.
type DailyRunner interface {
	RunDaily(ctx context.Context, assets []string, day time.Time) ([]*ingest.Summary, error)
}

type DailyConfig struct {
	Spec       string // standard 5-field cron expression, UTC
	Coins      []string
	RunTimeout time.Duration
	OnRun      func(day time.Time, sums []*ingest.Summary, err error)
	Now        func() time.Time
	Logger     *zap.Logger
}

// DailyScheduler fetches the previous UTC day for every configured coin on
// a cron schedule. A run that overlaps the next tick causes that tick to be
// skipped.
type DailyScheduler struct {
	runner   DailyRunner
	cfg      DailyConfig
	schedule cron.Schedule
	log      *zap.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	entry   cron.EntryID
	cancel  context.CancelFunc
	running bool
}

func NewDailyScheduler(runner DailyRunner, cfg DailyConfig) (*DailyScheduler, error) {
	if cfg.Spec == "" {
		cfg.Spec = "0 3 * * *"
	}
	schedule, err := cron.ParseStandard(cfg.Spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron spec %q: %w", cfg.Spec, err)
	}
	if len(cfg.Coins) == 0 {
		return nil, fmt.Errorf("daily scheduler: no coins configured")
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 30 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := logging.OrNop(cfg.Logger)
	return &DailyScheduler{runner: runner, cfg: cfg, schedule: schedule, log: log}, nil
}

func (s *DailyScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.log.Warn("daily scheduler already running")
		return
	}

	cl := cronLogger{s.log.Sugar()}
	s.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	base, cancelBase := context.WithCancel(context.Background())
	s.cancel = cancelBase
	s.entry = s.cron.Schedule(s.schedule, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(base, s.cfg.RunTimeout)
		defer cancel()
		_ = s.FetchNow(ctx)
	}))
	s.cron.Start()
	s.running = true

	s.log.Info("daily scheduler started",
		zap.String("spec", s.cfg.Spec),
		zap.Strings("coins", s.cfg.Coins),
		zap.Time("next", s.schedule.Next(time.Now().UTC())))
}

// Stop halts the schedule, cancels a run in progress and waits for it to
// drain its in-flight units.
func (s *DailyScheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	c, cancel := s.cron, s.cancel
	s.running = false
	s.cron, s.cancel = nil, nil
	s.mu.Unlock()

	done := c.Stop().Done()
	cancel()
	<-done
	s.log.Info("daily scheduler stopped")
}

func (s *DailyScheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Next is the time of the next scheduled run, zero when stopped.
func (s *DailyScheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return time.Time{}
	}
	if next := s.cron.Entry(s.entry).Next; !next.IsZero() {
		return next
	}
	return s.schedule.Next(time.Now().UTC())
}

// FetchNow runs the daily fetch for yesterday outside the schedule.
func (s *DailyScheduler) FetchNow(ctx context.Context) error {
	day := ingest.Yesterday(s.cfg.Now())
	s.log.Info("daily fetch triggered", zap.Time("day", day), zap.Strings("coins", s.cfg.Coins))

	sums, err := s.runner.RunDaily(ctx, s.cfg.Coins, day)
	if err != nil {
		s.log.Error("daily fetch failed", zap.Error(err))
	}
	for _, sum := range sums {
		s.log.Info("daily fetch result",
			zap.String("coin", sum.AssetID),
			zap.String("result", sum.String()))
	}
	if s.cfg.OnRun != nil {
		s.cfg.OnRun(day, sums, err)
	}
	return err
}

// cronLogger routes robfig/cron logging through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
