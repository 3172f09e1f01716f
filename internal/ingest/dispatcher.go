// Package ingest fans date ranges out to fetch-and-store units of work.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kjannette/crypto-pipeline/internal/external"
	"github.com/kjannette/crypto-pipeline/internal/logging"
	"github.com/kjannette/crypto-pipeline/internal/metrics"
	"github.com/kjannette/crypto-pipeline/internal/models"
)

type Fetcher interface {
	GetCoinHistory(ctx context.Context, assetID, date string) (json.RawMessage, error)
}

type SnapshotStore interface {
	Upsert(ctx context.Context, assetID string, date time.Time, price decimal.NullDecimal, raw json.RawMessage) error
}

// Archiver keeps a copy of raw payloads outside the database.
type Archiver interface {
	Save(assetID string, date time.Time, raw json.RawMessage) (string, error)
}

type Mode int

const (
	Sequential Mode = iota
	Concurrent
)

func (m Mode) String() string {
	switch m {
	case Sequential:
		return "sequential"
	case Concurrent:
		return "concurrent"
	default:
		return fmt.Sprintf("mode(%d)", int(m))
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "sequential":
		return Sequential, nil
	case "concurrent":
		return Concurrent, nil
	default:
		return 0, fmt.Errorf("unknown mode %q (want sequential or concurrent)", s)
	}
}

type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusSkipped   Status = "skipped"
)

// Result is the outcome of one date's fetch-then-store unit.
type Result struct {
	Date     time.Time
	Status   Status
	Price    decimal.NullDecimal
	Err      error
	Duration time.Duration
}

type Summary struct {
	RunID     uuid.UUID
	AssetID   string
	Mode      Mode
	Total     int
	Succeeded int
	Failed    int
	Skipped   int
	Results   []Result // ascending by date
	Started   time.Time
	Finished  time.Time
}

func (s *Summary) String() string {
	return fmt.Sprintf("%d of %d succeeded", s.Succeeded, s.Total)
}

// Failures returns the failed results in date order.
func (s *Summary) Failures() []Result {
	var out []Result
	for _, r := range s.Results {
		if r.Status == StatusFailed {
			out = append(out, r)
		}
	}
	return out
}

type Options struct {
	Archive Archiver
	Logger  *zap.Logger
	// FetchTimeout and StoreTimeout bound each unit's fetch and store write.
	// Both run detached from run cancellation so an in-flight unit can finish.
	FetchTimeout time.Duration
	StoreTimeout time.Duration
}

type Dispatcher struct {
	fetcher      Fetcher
	store        SnapshotStore
	archive      Archiver
	log          *zap.Logger
	fetchTimeout time.Duration
	storeTimeout time.Duration
}

func NewDispatcher(f Fetcher, s SnapshotStore, opts Options) *Dispatcher {
	if opts.FetchTimeout <= 0 {
		opts.FetchTimeout = 10 * time.Minute
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 30 * time.Second
	}
	log := logging.OrNop(opts.Logger)
	return &Dispatcher{
		fetcher:      f,
		store:        s,
		archive:      opts.Archive,
		log:          log,
		fetchTimeout: opts.FetchTimeout,
		storeTimeout: opts.StoreTimeout,
	}
}

var ErrEmptyAsset = errors.New("asset id is required")

// Run processes every date of r for assetID. Per-date failures are recorded
// in the summary and never abort the run; the error return is reserved for
// invalid input, detected before any fetch. Cancelling ctx stops dispatch,
// lets in-flight units finish and marks the remaining dates skipped.
func (d *Dispatcher) Run(ctx context.Context, assetID string, r models.DateRange, mode Mode, concurrency int) (*Summary, error) {
	if assetID == "" {
		return nil, ErrEmptyAsset
	}
	r, err := models.NewDateRange(r.Start, r.End)
	if err != nil {
		return nil, err
	}
	if mode != Sequential && mode != Concurrent {
		return nil, fmt.Errorf("unknown mode %s", mode)
	}

	days := r.Days()
	sum := &Summary{
		RunID:   uuid.New(),
		AssetID: assetID,
		Mode:    mode,
		Total:   len(days),
		Started: time.Now(),
	}
	results := make([]Result, len(days))
	for i, day := range days {
		results[i] = Result{Date: day, Status: StatusSkipped}
	}

	log := d.log.With(zap.String("run_id", sum.RunID.String()), zap.String("coin", assetID))
	log.Info("run started",
		zap.String("range", r.String()),
		zap.Int("dates", len(days)),
		zap.Stringer("mode", mode))

	switch mode {
	case Sequential:
		d.runSequential(ctx, log, assetID, days, results)
	case Concurrent:
		if concurrency <= 0 {
			concurrency = runtime.NumCPU()
		}
		d.runConcurrent(ctx, log, assetID, days, results, concurrency)
	}

	sum.Results = results
	for _, res := range results {
		switch res.Status {
		case StatusSucceeded:
			sum.Succeeded++
			metrics.RecordUnit(metrics.UnitSucceeded)
		case StatusFailed:
			sum.Failed++
			metrics.RecordUnit(metrics.UnitFailed)
		default:
			sum.Skipped++
			metrics.RecordUnit(metrics.UnitSkipped)
		}
	}
	sum.Finished = time.Now()
	metrics.ObserveRun(mode.String(), sum.Finished.Sub(sum.Started))

	log.Info("run finished",
		zap.Int("succeeded", sum.Succeeded),
		zap.Int("failed", sum.Failed),
		zap.Int("skipped", sum.Skipped),
		zap.Duration("took", sum.Finished.Sub(sum.Started)))
	return sum, nil
}

func (d *Dispatcher) runSequential(ctx context.Context, log *zap.Logger, assetID string, days []time.Time, results []Result) {
	for i, day := range days {
		if ctx.Err() != nil {
			log.Warn("run cancelled", zap.Int("remaining", len(days)-i))
			return
		}
		results[i] = d.process(ctx, log, assetID, day)
	}
}

// runConcurrent feeds date indexes to a fixed pool of workers. Each index is
// written by exactly one worker.
func (d *Dispatcher) runConcurrent(ctx context.Context, log *zap.Logger, assetID string, days []time.Time, results []Result, workers int) {
	if workers > len(days) {
		workers = len(days)
	}
	jobs := make(chan int)

	var g errgroup.Group
	g.Go(func() error {
		defer close(jobs)
		for i := range days {
			select {
			case <-ctx.Done():
				log.Warn("run cancelled", zap.Int("remaining", len(days)-i))
				return nil
			case jobs <- i:
			}
		}
		return nil
	})
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := range jobs {
				results[i] = d.process(ctx, log, assetID, days[i])
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (d *Dispatcher) process(ctx context.Context, log *zap.Logger, assetID string, day time.Time) Result {
	start := time.Now()
	res := Result{Date: day}
	dateStr := day.Format(models.DateLayout)

	if ctx.Err() != nil {
		res.Status = StatusSkipped
		return res
	}

	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.fetchTimeout)
	raw, err := d.fetcher.GetCoinHistory(fetchCtx, assetID, external.FormatHistoryDate(day))
	cancel()
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("fetch: %w", err)
		res.Duration = time.Since(start)
		log.Warn("fetch failed", zap.String("date", dateStr), zap.Error(err))
		return res
	}

	res.Price = external.ExtractPriceUSD(raw)

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.storeTimeout)
	err = d.store.Upsert(storeCtx, assetID, day, res.Price, raw)
	cancel()
	if err != nil {
		res.Status = StatusFailed
		res.Err = fmt.Errorf("store: %w", err)
		res.Duration = time.Since(start)
		log.Warn("store failed", zap.String("date", dateStr), zap.Error(err))
		return res
	}

	if d.archive != nil {
		if path, err := d.archive.Save(assetID, day, raw); err != nil {
			log.Warn("archive write failed", zap.String("date", dateStr), zap.Error(err))
		} else {
			log.Debug("archived", zap.String("path", path))
		}
	}

	res.Status = StatusSucceeded
	res.Duration = time.Since(start)
	log.Debug("date processed",
		zap.String("date", dateStr),
		zap.Stringer("price", res.Price.Decimal),
		zap.Bool("has_price", res.Price.Valid),
		zap.Duration("took", res.Duration))
	return res
}

// RunDaily fetches a single day for each asset in turn, the way the daily
// job does. Assets are validated before any fetch.
func (d *Dispatcher) RunDaily(ctx context.Context, assets []string, day time.Time) ([]*Summary, error) {
	if len(assets) == 0 {
		return nil, ErrEmptyAsset
	}
	for _, a := range assets {
		if a == "" {
			return nil, ErrEmptyAsset
		}
	}

	r, err := models.NewDateRange(day, day)
	if err != nil {
		return nil, err
	}

	out := make([]*Summary, 0, len(assets))
	for _, a := range assets {
		if ctx.Err() != nil {
			break
		}
		sum, err := d.Run(ctx, a, r, Sequential, 1)
		if err != nil {
			return out, err
		}
		out = append(out, sum)
	}
	return out, nil
}
