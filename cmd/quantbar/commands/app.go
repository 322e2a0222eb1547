package commands

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"quantbar/internal/config"
	"quantbar/internal/domain"
	"quantbar/internal/gather"
	"quantbar/internal/gather/cn"
	"quantbar/internal/gather/crypto"
	"quantbar/internal/gather/fx"
	"quantbar/internal/gather/us"
	"quantbar/internal/maincontract"
	"quantbar/internal/reference"
	"quantbar/internal/session"
	"quantbar/internal/store"
	"quantbar/internal/util"
)

// sourceNames lists the supported upstreams in display order.
var sourceNames = []string{cn.Name, us.Name, fx.Name, crypto.OKXName, crypto.BinanceName}

// ---------------------------------------------------------------------------
// Storage
// ---------------------------------------------------------------------------

// storage hides the configured driver behind per-source backends and the
// rolling recent-bar store.
type storage struct {
	backend func(ctx context.Context, name string) (*store.Backend, error)
	latest  func() (store.BarStore, func() error, error)
	close   func() error
}

func openStorage(ctx context.Context, cfg *config.Config) (*storage, error) {
	switch cfg.Storage.Driver {
	case "mongo":
		ms, err := store.NewMongoStore(ctx, cfg.Storage.Mongo)
		if err != nil {
			return nil, err
		}
		latest := func() (store.BarStore, func() error, error) {
			return ms.LatestBarStore(), func() error { return nil }, nil
		}
		return &storage{backend: ms.Backend, latest: latest, close: ms.Close}, nil
	default:
		ss, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
		if err != nil {
			return nil, err
		}
		latest := func() (store.BarStore, func() error, error) {
			ls, err := store.NewSQLiteStore(cfg.Storage.LatestPath)
			if err != nil {
				return nil, nil, fmt.Errorf("opening latest store: %w", err)
			}
			return ls.BarStore(), ls.Close, nil
		}
		return &storage{backend: ss.Backend, latest: latest, close: ss.Close}, nil
	}
}

// ---------------------------------------------------------------------------
// Sources
// ---------------------------------------------------------------------------

// source is one wired upstream.
type source struct {
	orch *gather.Orchestrator
	job  config.Job
}

// jobConfig returns the job section of the named source with the symbols
// of its symbols_file merged in.
func jobConfig(cfg *config.Config, name string) (config.Job, error) {
	job, err := rawJobConfig(cfg, name)
	if err != nil || job.SymbolsFile == "" {
		return job, err
	}
	extra, err := gather.LoadSymbols(job.SymbolsFile)
	if err != nil {
		return job, err
	}
	job.Symbols = gather.MergeSymbols(job.Symbols, extra)
	return job, nil
}

func rawJobConfig(cfg *config.Config, name string) (config.Job, error) {
	switch name {
	case cn.Name:
		return cfg.Sources.CNFut.Job, nil
	case us.Name:
		return cfg.Sources.Alpaca.Job, nil
	case fx.Name:
		return cfg.Sources.Oanda.Job, nil
	case crypto.OKXName:
		return cfg.Sources.OKX.Job, nil
	case crypto.BinanceName:
		return cfg.Sources.Binance.Job, nil
	}
	return config.Job{}, fmt.Errorf("unknown source %q (want one of %s)", name, strings.Join(sourceNames, ", "))
}

// buildSource wires the fetcher, calendar and session filter of name to its
// stores. Calendar-driven sources use trading days; fx and crypto use every
// natural day.
func buildSource(ctx context.Context, cfg *config.Config, st *storage, name string) (*source, error) {
	job, err := jobConfig(cfg, name)
	if err != nil {
		return nil, err
	}

	var (
		fetcher gather.Fetcher
		cal     gather.Calendar = util.NaturalCalendar{}
		filter  gather.SessionFilter
	)
	switch name {
	case cn.Name:
		fetcher = cn.NewFuturesFetcher(cfg.Sources.CNFut.Dir)
		tc, err := util.LoadTradingCalendar(cfg.Calendar.Path)
		if err != nil {
			return nil, fmt.Errorf("loading calendar: %w", err)
		}
		cal = tc
		if cfg.Session.MarketPath != "" {
			sf, err := session.LoadFilter(cfg.Session.MarketPath, cfg.Session.InstMapPath)
			if err != nil {
				return nil, fmt.Errorf("loading session filter: %w", err)
			}
			filter = sf
		}
	case us.Name:
		fetcher = us.NewMinuteFetcher(cfg.Sources.Alpaca)
		cal = us.NewCalendar(cfg.Sources.Alpaca)
	case fx.Name:
		fetcher = fx.NewOandaFetcher(cfg.Sources.Oanda)
	case crypto.OKXName:
		fetcher = crypto.NewOKXFetcher(cfg.Sources.OKX)
	case crypto.BinanceName:
		fetcher = crypto.NewBinanceFetcher(cfg.Sources.Binance)
	}

	b, err := st.backend(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("opening %s stores: %w", name, err)
	}
	orch := gather.NewOrchestrator(fetcher, b.Missions, b.Bars, cal, gather.Options{
		Timeout: job.Timeout,
		Limiter: util.NewRateLimiter(job.RatePerSec),
		Filter:  filter,
		Log:     slog.Default(),
	})
	return &source{orch: orch, job: job}, nil
}

// ---------------------------------------------------------------------------
// Main contract
// ---------------------------------------------------------------------------

// buildResolver wires the resolver over the stores of the configured raw
// source. The returned func releases the reference source.
func buildResolver(ctx context.Context, cfg *config.Config, st *storage) (*maincontract.Resolver, func(), error) {
	mc := cfg.MainContract
	tc, err := util.LoadTradingCalendar(cfg.Calendar.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("loading calendar: %w", err)
	}
	loc, err := time.LoadLocation(mc.Timezone)
	if err != nil {
		return nil, nil, fmt.Errorf("loading timezone %s: %w", mc.Timezone, err)
	}
	b, err := st.backend(ctx, mc.Source)
	if err != nil {
		return nil, nil, fmt.Errorf("opening %s stores: %w", mc.Source, err)
	}

	var (
		ref     reference.Source
		release = func() {}
	)
	switch {
	case mc.Reference.PostgresDSN != "":
		pg, err := reference.NewPostgresSource(ctx, mc.Reference.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		ref, release = pg, pg.Close
	case mc.Reference.CSVPath != "":
		ref = reference.NewCSVSource(mc.Reference.CSVPath)
	default:
		return nil, nil, fmt.Errorf("main_contract.reference needs csv_path or postgres_dsn")
	}

	sess := maincontract.Session{
		Calendar: tc,
		Location: loc,
		Boundary: time.Duration(mc.BoundaryHour) * time.Hour,
	}
	oi := maincontract.NewStoreOpenInterest(b.Bars, sess)
	return maincontract.NewResolver(ref, oi, sess, b.Missions, b.Bars, b.Links), release, nil
}

// today returns the current day in the named zone, or in local time when the
// zone cannot be loaded.
func today(tz string) int {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.Local
	}
	return domain.DayOf(time.Now().In(loc))
}

// ---------------------------------------------------------------------------
// Flags
// ---------------------------------------------------------------------------

// rangeFlags are the scope overrides shared by most commands. Zero values
// fall back to the configuration.
type rangeFlags struct {
	start   string
	end     string
	symbols []string
}

func (f *rangeFlags) register(cmd *cobra.Command, symbolsName string) {
	cmd.Flags().StringVar(&f.start, "start", "", "first day, YYYYMMDD (default from config)")
	cmd.Flags().StringVar(&f.end, "end", "", "last day, YYYYMMDD (default from config or today)")
	cmd.Flags().StringSliceVar(&f.symbols, symbolsName, nil, symbolsName+" to process (default from config)")
}

// resolve applies the overrides to the configured scope.
func (f *rangeFlags) resolve(symbols []string, start, end int) ([]string, int, int, error) {
	if len(f.symbols) > 0 {
		symbols = f.symbols
	}
	if f.start != "" {
		d, err := domain.ParseDay(f.start)
		if err != nil {
			return nil, 0, 0, err
		}
		start = d
	}
	if f.end != "" {
		d, err := domain.ParseDay(f.end)
		if err != nil {
			return nil, 0, 0, err
		}
		end = d
	}
	return symbols, start, end, nil
}
