package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/api"
	"github.com/kjannette/crypto-pipeline/internal/archive"
	"github.com/kjannette/crypto-pipeline/internal/db"
	"github.com/kjannette/crypto-pipeline/internal/ingest"
	"github.com/kjannette/crypto-pipeline/internal/models"
	"github.com/kjannette/crypto-pipeline/internal/repository"
	"github.com/kjannette/crypto-pipeline/internal/scheduler"
)

// paramFlags collects repeated --param key=value pairs.
type paramFlags map[string]any

func (p paramFlags) String() string {
	keys := make([]string, 0, len(p))
	for k, v := range p {
		keys = append(keys, fmt.Sprintf("%s=%v", k, v))
	}
	sort.Strings(keys)
	return strings.Join(keys, ",")
}

func (p paramFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok || k == "" {
		return fmt.Errorf("expected key=value, got %q", v)
	}
	p[k] = val
	return nil
}

func newFlags(name string) *flag.FlagSet {
	return flag.NewFlagSet(name, flag.ContinueOnError)
}

func parse(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) dispatcher(store ingest.SnapshotStore, withArchive bool) *ingest.Dispatcher {
	opts := ingest.Options{Logger: a.log.Named("dispatcher")}
	if withArchive {
		opts.Archive = archive.New(a.cfg.ArchiveDir, a.log.Named("archive"))
	}
	return ingest.NewDispatcher(a.fetcher(), store, opts)
}

func (a *app) report(sum *ingest.Summary) {
	fmt.Fprintf(a.out, "Successfully processed %d out of %d dates for %s\n", sum.Succeeded, sum.Total, sum.AssetID)
	for _, r := range sum.Failures() {
		fmt.Fprintf(a.out, "  %s: %v\n", r.Date.Format(models.DateLayout), r.Err)
	}
	if sum.Skipped > 0 {
		fmt.Fprintf(a.out, "  %d dates skipped (interrupted)\n", sum.Skipped)
	}
}

func (a *app) history(ctx context.Context, args []string) error {
	fs := newFlags("history")
	coin := fs.String("coin", "bitcoin", "coin id")
	date := fs.String("date", "", "date (YYYY-MM-DD)")
	withArchive := fs.Bool("archive", false, "also write the raw payload to ARCHIVE_DIR")
	if err := parse(fs, args); err != nil {
		return err
	}

	r, err := ingest.ParseRange(*date, *date)
	if err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sum, err := a.dispatcher(store, *withArchive).Run(ctx, *coin, r, ingest.Sequential, 1)
	if err != nil {
		return err
	}
	a.report(sum)
	return nil
}

func (a *app) bulk(ctx context.Context, args []string) error {
	fs := newFlags("bulk")
	coin := fs.String("coin", "bitcoin", "coin id")
	start := fs.String("start", "", "first date (YYYY-MM-DD)")
	end := fs.String("end", "", "last date (YYYY-MM-DD)")
	concurrent := fs.Bool("concurrent", false, "fetch dates in parallel")
	workers := fs.Int("workers", a.cfg.Workers, "worker count for --concurrent")
	withArchive := fs.Bool("archive", false, "also write raw payloads to ARCHIVE_DIR")
	if err := parse(fs, args); err != nil {
		return err
	}

	r, err := ingest.ParseRange(*start, *end)
	if err != nil {
		return err
	}
	mode := ingest.Sequential
	if *concurrent {
		mode = ingest.Concurrent
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	sum, err := a.dispatcher(store, *withArchive).Run(ctx, *coin, r, mode, *workers)
	if err != nil {
		return err
	}
	a.report(sum)
	a.notify.NotifyRun(context.WithoutCancel(ctx), sum)
	return nil
}

func (a *app) daily(ctx context.Context, args []string) error {
	fs := newFlags("daily")
	date := fs.String("date", "", "date to fetch (default: yesterday UTC)")
	coins := fs.String("coins", strings.Join(a.cfg.DailyCoins, ","), "comma-separated coin ids")
	schedule := fs.Bool("schedule", false, "run on DAILY_CRON until interrupted")
	withArchive := fs.Bool("archive", false, "also write raw payloads to ARCHIVE_DIR")
	if err := parse(fs, args); err != nil {
		return err
	}

	var list []string
	for _, c := range strings.Split(*coins, ",") {
		if c = strings.TrimSpace(c); c != "" {
			list = append(list, c)
		}
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()
	disp := a.dispatcher(store, *withArchive)

	if *schedule {
		return a.runSchedule(ctx, disp, store, list)
	}

	day := ingest.Yesterday(time.Now())
	if *date != "" {
		if day, err = ingest.ParseDate(*date); err != nil {
			return err
		}
	}

	sums, runErr := disp.RunDaily(ctx, list, day)
	for _, sum := range sums {
		a.report(sum)
	}
	a.notify.NotifyDaily(context.WithoutCancel(ctx), day, sums, runErr)
	return runErr
}

func (a *app) runSchedule(ctx context.Context, disp *ingest.Dispatcher, store *repository.Store, coins []string) error {
	fmt.Print(banner)

	sched, err := scheduler.NewDailyScheduler(disp, scheduler.DailyConfig{
		Spec:  a.cfg.DailyCron,
		Coins: coins,
		OnRun: func(day time.Time, sums []*ingest.Summary, err error) {
			a.notify.NotifyDaily(context.Background(), day, sums, err)
		},
		Logger: a.log.Named("scheduler"),
	})
	if err != nil {
		return err
	}

	srv := a.newServer(store)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	sched.Start()
	a.log.Info("daily scheduler running", zap.Time("next", sched.Next()))

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			sched.Stop()
			return fmt.Errorf("api server: %w", err)
		}
	}

	a.log.Info("shutting down gracefully")
	sched.Stop()
	return a.shutdown(srv)
}

func (a *app) importArchive(ctx context.Context, args []string) error {
	fs := newFlags("import")
	dir := fs.String("dir", a.cfg.ArchiveDir, "archive directory")
	coin := fs.String("coin", "", "only import this coin")
	if err := parse(fs, args); err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := archive.New(*dir, a.log.Named("archive")).Import(ctx, store, *coin)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "Loaded %d of %d archived snapshots (%d failed)\n", res.Loaded, res.Total, res.Failed)
	return nil
}

func (a *app) aggregates(ctx context.Context, args []string) error {
	fs := newFlags("aggregates")
	coin := fs.String("coin", "bitcoin", "coin id")
	year := fs.Int("year", 0, "filter by year")
	month := fs.Int("month", 0, "filter by month (1-12)")
	rebuild := fs.Bool("rebuild", false, "recompute every month from stored snapshots first")
	if err := parse(fs, args); err != nil {
		return err
	}
	if *month < 0 || *month > 12 {
		return fmt.Errorf("%w: month must be between 1 and 12", errUsage)
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if *rebuild {
		n, err := store.RebuildAggregates(ctx, *coin)
		if err != nil {
			return err
		}
		a.log.Info("aggregates rebuilt", zap.String("coin", *coin), zap.Int("months", n))
	}

	var y, m *int
	if *year > 0 {
		y = year
	}
	if *month > 0 {
		m = month
	}
	return a.printJSON(store.GetMonthlyAggregates(ctx, *coin, y, m))
}

func (a *app) query(ctx context.Context, args []string) error {
	fs := newFlags("query")
	name := fs.String("name", "", "named query")
	list := fs.Bool("list", false, "list available queries")
	params := paramFlags{}
	fs.Var(params, "param", "query parameter key=value (repeatable)")
	if err := parse(fs, args); err != nil {
		return err
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	if *list || *name == "" {
		return a.printJSON(store.Queries().List())
	}

	recs, err := store.RunNamedQuery(ctx, *name, params)
	if err != nil {
		return err
	}
	return a.printJSON(recs)
}

func (a *app) coins(ctx context.Context, args []string) error {
	fs := newFlags("coins")
	search := fs.String("search", "", "case-insensitive filter on id, symbol or name")
	if err := parse(fs, args); err != nil {
		return err
	}

	list, err := a.fetcher().GetCoinList(ctx)
	if err != nil {
		return err
	}
	needle := strings.ToLower(*search)
	for _, c := range list {
		if needle != "" &&
			!strings.Contains(c.ID, needle) &&
			!strings.Contains(strings.ToLower(c.Symbol), needle) &&
			!strings.Contains(strings.ToLower(c.Name), needle) {
			continue
		}
		fmt.Fprintf(a.out, "%-40s %-12s %s\n", c.ID, c.Symbol, c.Name)
	}
	return nil
}

func (a *app) migrate(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("%w: migrate up|down|version", errUsage)
	}
	dsn := a.cfg.DSN()

	switch args[0] {
	case "up":
		if err := db.MigrateUp(dsn); err != nil {
			return err
		}
	case "down":
		if err := db.MigrateDown(dsn); err != nil {
			return err
		}
	case "version":
	default:
		return fmt.Errorf("%w: unknown migrate action %q", errUsage, args[0])
	}

	version, dirty, err := db.MigrationVersion(dsn)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.out, "schema version %d (dirty=%t)\n", version, dirty)
	return nil
}

func (a *app) serve(ctx context.Context, args []string) error {
	fs := newFlags("serve")
	if err := parse(fs, args); err != nil {
		return err
	}
	fmt.Print(banner)
	for _, line := range a.cfg.Summary() {
		a.log.Info(line)
	}

	store, err := a.openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := store.Ping(pingCtx); err != nil {
		a.log.Warn("database not reachable yet, serving anyway", zap.Error(err))
	}
	cancel()

	srv := a.newServer(store)
	errc := make(chan error, 1)
	go func() { errc <- srv.Start() }()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	}

	a.log.Info("shutting down gracefully")
	return a.shutdown(srv)
}

func (a *app) newServer(store api.Reader) *api.Server {
	return api.NewServer(store, api.ServerConfig{
		Port:           a.cfg.APIPort,
		APIKey:         a.cfg.APIKey,
		CORSOrigin:     a.cfg.CORSAllowOrigin,
		MetricsEnabled: a.cfg.MetricsEnabled,
		Logger:         a.log.Named("api"),
	})
}

func (a *app) shutdown(srv *api.Server) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("api shutdown: %w", err)
	}
	a.log.Info("api server closed")
	return nil
}
