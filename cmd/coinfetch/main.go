// Command coinfetch ingests historical coin prices into Postgres and serves
// them back over a read-only API.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/kjannette/crypto-pipeline/internal/config"
	"github.com/kjannette/crypto-pipeline/internal/db"
	"github.com/kjannette/crypto-pipeline/internal/external"
	"github.com/kjannette/crypto-pipeline/internal/logging"
	"github.com/kjannette/crypto-pipeline/internal/notifications"
	"github.com/kjannette/crypto-pipeline/internal/queries"
	"github.com/kjannette/crypto-pipeline/internal/repository"
)

const banner = `
╔══════════════════════════════════════╗
║       Crypto Price Pipeline v0.3     ║
║                                      ║
╚══════════════════════════════════════╝
`

const usage = `usage: coinfetch <command> [flags]

commands:
  history     fetch one date for a coin
  bulk        fetch a date range for a coin
  daily       fetch yesterday for the configured coins (--schedule to run on cron)
  import      load archived JSON payloads into the database
  aggregates  print (or rebuild) monthly min/max aggregates
  query       run a named analysis query
  coins       list provider coin ids
  migrate     apply schema migrations: up | down | version
  serve       run the read API
`

var errUsage = errors.New("usage")

// requiredQueries must exist in any configured query file.
var requiredQueries = []string{"price_history", "monthly_ranges"}

type app struct {
	cfg    *config.Config
	log    *zap.Logger
	out    io.Writer
	notify *notifications.Sender
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load error: %v\n", err)
		return 1
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		return 1
	}

	log, cleanup, err := logging.New(cfg.LogOptions())
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		return 1
	}
	defer cleanup()

	for _, w := range cfg.Warnings() {
		log.Warn(w)
	}
	for _, line := range cfg.Summary() {
		log.Debug(line)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := &app{
		cfg:    cfg,
		log:    log,
		out:    os.Stdout,
		notify: notifications.NewSender(cfg.WebhookURL, cfg.BotName, log.Named("notify")),
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "history":
		err = a.history(ctx, rest)
	case "bulk":
		err = a.bulk(ctx, rest)
	case "daily":
		err = a.daily(ctx, rest)
	case "import":
		err = a.importArchive(ctx, rest)
	case "aggregates":
		err = a.aggregates(ctx, rest)
	case "query":
		err = a.query(ctx, rest)
	case "coins":
		err = a.coins(ctx, rest)
	case "migrate":
		err = a.migrate(rest)
	case "serve":
		err = a.serve(ctx, rest)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}

	switch {
	case err == nil:
		return 0
	case errors.Is(err, errUsage):
		return 2
	default:
		log.Error(cmd+" failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		return 1
	}
}

func (a *app) fetcher() *external.CoinGeckoClient {
	opts := a.cfg.FetcherOptions()
	opts.Logger = a.log.Named("fetcher")
	return external.NewCoinGeckoClient(opts)
}

func (a *app) loadQueries() (*queries.Registry, error) {
	reg, err := queries.Load(a.cfg.QueriesFile)
	if err != nil {
		return nil, err
	}
	if err := reg.Validate(requiredQueries...); err != nil {
		return nil, err
	}
	return reg, nil
}

// openStore returns a store that connects on first use.
func (a *app) openStore() (*repository.Store, error) {
	reg, err := a.loadQueries()
	if err != nil {
		return nil, err
	}
	return repository.Open(a.cfg.DSN(), repository.Options{
		Pool: db.PoolOptions{
			MaxConns: int32(a.cfg.DBMaxConns),
			MinConns: int32(a.cfg.DBMinConns),
		},
		Queries: reg,
		Logger:  a.log.Named("store"),
	}), nil
}
