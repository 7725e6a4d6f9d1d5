package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/extra/redisotel/v9"
	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/creovision/governor/pkg/cache"
	cacheredis "github.com/creovision/governor/pkg/cache/redis"
	cachesqlite "github.com/creovision/governor/pkg/cache/sqlite"
	"github.com/creovision/governor/pkg/config"
	"github.com/creovision/governor/pkg/feature"
	"github.com/creovision/governor/pkg/governor"
	"github.com/creovision/governor/pkg/journal"
	"github.com/creovision/governor/pkg/ledger"
	ledgerpostgres "github.com/creovision/governor/pkg/ledger/postgres"
	ledgerredis "github.com/creovision/governor/pkg/ledger/redis"
	ledgersqlite "github.com/creovision/governor/pkg/ledger/sqlite"
	"github.com/creovision/governor/pkg/logging"
	"github.com/creovision/governor/pkg/metrics"
	"github.com/creovision/governor/pkg/promo"
	"github.com/creovision/governor/pkg/provider"
	"github.com/creovision/governor/pkg/quota"
	quotasqlite "github.com/creovision/governor/pkg/quota/sqlite"
	"github.com/creovision/governor/pkg/ratelimit"
	"github.com/creovision/governor/pkg/redisdb"
	"github.com/creovision/governor/pkg/router"
	"github.com/creovision/governor/pkg/tracing"
)

// app holds every component built from one config file.
type app struct {
	cfg      *config.Config
	log      logr.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	tracing  *tracing.Provider

	cacheStore cache.Store
	cache      *cache.Engine
	ledger     ledger.Ledger
	quota      *quota.Manager
	journal    *journal.Journal
	limiter    *ratelimit.Limiter
	gov        *governor.Governor

	closers []func() error
}

// openApp loads the config and wires the full stack.
func openApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	log, syncLog, err := logging.NewLogger(cfg.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}

	a := &app{cfg: cfg, log: log, registry: prometheus.NewRegistry()}
	a.closers = append(a.closers, func() error { syncLog(); return nil })
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = metrics.New(a.registry)

	if err := a.build(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context) error {
	cfg := a.cfg

	tp, err := tracing.NewProvider(ctx, cfg.Tracing, version)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	a.tracing = tp
	a.closers = append(a.closers, func() error {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(shutCtx)
	})

	var rdb goredis.UniversalClient
	if cfg.Cache.Backend == config.BackendRedis || cfg.Ledger.Backend == config.BackendRedis {
		client, err := redisdb.Open(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		rdb = client
		a.closers = append(a.closers, client.Close)
		if cfg.Tracing.Enabled {
			if err := redisotel.InstrumentTracing(client); err != nil {
				return fmt.Errorf("instrument redis: %w", err)
			}
		}
	}

	switch cfg.Cache.Backend {
	case config.BackendRedis:
		a.cacheStore = cacheredis.NewFromClient(rdb, cfg.Redis.KeyPrefix)
	default:
		s, err := cachesqlite.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("init cache: %w", err)
		}
		a.cacheStore = s
	}
	a.closers = append(a.closers, a.cacheStore.Close)
	a.cache = cache.NewEngine(a.cacheStore, cache.Options{
		DefaultTTL:    cfg.Cache.TTL,
		HistoryWindow: cfg.Cache.HistoryWindow,
		Metrics:       a.metrics,
		Logger:        a.log,
	})

	var base ledger.Ledger
	switch cfg.Ledger.Backend {
	case config.BackendRedis:
		base = ledgerredis.NewFromClient(rdb, cfg.Redis.KeyPrefix)
	case config.BackendPostgres:
		l, err := ledgerpostgres.New(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
		if err != nil {
			return fmt.Errorf("init ledger: %w", err)
		}
		base = l
	default:
		l, err := ledgersqlite.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("init ledger: %w", err)
		}
		base = l
	}
	a.ledger = ledger.Instrument(base, a.metrics, a.log)
	a.closers = append(a.closers, a.ledger.Close)

	qs, err := quotasqlite.New(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("init quota store: %w", err)
	}
	a.closers = append(a.closers, qs.Close)

	opts := quota.Options{
		Policy:  quota.PolicyFromConfig(cfg.Quota),
		Catalog: promo.NewCatalog(cfg.Promo.Codes),
		Metrics: a.metrics,
		Logger:  a.log,
	}
	if cfg.Journal.Enabled {
		j, err := journal.New(cfg.DBPath, cfg.Journal.RetentionDays)
		if err != nil {
			return fmt.Errorf("init journal: %w", err)
		}
		a.journal = j
		opts.Journal = j
		a.closers = append(a.closers, j.Close)
	}
	a.quota = quota.New(qs, a.ledger, opts)

	httpClient := &http.Client{}
	if cfg.Tracing.Enabled {
		httpClient.Transport = otelhttp.NewTransport(http.DefaultTransport)
	}
	providers, err := provider.NewSet(cfg.Providers, httpClient)
	if err != nil {
		return fmt.Errorf("init providers: %w", err)
	}
	a.limiter = ratelimit.New(cfg.RateLimit)
	a.gov = governor.New(governor.Deps{
		Cache:         a.cache,
		Quota:         a.quota,
		Ledger:        a.ledger,
		Router:        router.New(cfg),
		Orchestrator:  router.NewOrchestrator(providers, cfg.Orchestrator.AttemptTimeout, a.metrics, a.log).WithTracing(tp),
		Features:      feature.NewCatalog(cfg.Features),
		Limiter:       a.limiter,
		Metrics:       a.metrics,
		Tracing:       tp,
		Logger:        a.log,
		HistoryWindow: cfg.Cache.HistoryWindow,
	})
	return nil
}

// close releases components in reverse order of creation.
func (a *app) close() {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		a.log.Error(err, "shutdown")
	}
}

// withApp runs fn against a freshly wired app and closes it afterwards.
func withApp(ctx context.Context, configPath string, fn func(ctx context.Context, a *app) error) error {
	a, err := openApp(ctx, configPath)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(ctx, a)
}
