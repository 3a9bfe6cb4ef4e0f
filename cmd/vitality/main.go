// cmd/vitality/main.go

// vitality is the diocese extraction worker: it leases dioceses from
// the shared coordination store, crawls their parish directories with
// a pooled headless browser, runs the extraction fallback chain, and
// persists parishes and schedule facts.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ai"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/breaker"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/browser"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/cache"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/config"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/coordinator"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/errorhandling"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/extractor"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/monitoring"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/processor"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/ratelimit"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/scheduler"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/storage"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/timeout"
	"github.com/tomknightatl/diocesan-vitality-sub000/internal/utils"
)

// Version information (set by build flags).
var (
	version   = "dev"
	gitCommit = "unknown"
)

func main() {
	var (
		configPath       = flag.String("config", "", "path to YAML configuration")
		workerType       = flag.String("worker-type", "", "worker specialization: discovery, extraction, schedule, all")
		poolSize         = flag.Int("pool-size", 0, "browser driver pool size override")
		batchSize        = flag.Int("batch-size", 0, "dioceses leased per cycle override")
		maxDioceses      = flag.Int("max-dioceses", 0, "stop after this many dioceses (0 = no cap)")
		dioceseID        = flag.Int64("diocese-id", 0, "process only this diocese (0 = all)")
		extractSchedules = flag.Bool("extract-schedules", false, "also extract mass/reconciliation/adoration times")
		exitWhenIdle     = flag.Bool("exit-when-idle", false, "exit when the work pool drains instead of polling")
		metricsAddr      = flag.String("metrics-addr", "", "monitoring listen address override")
		coordinationDSN  = flag.String("coordination-dsn", "", "postgres DSN for work coordination (defaults to storage DSN)")
		watchConfig      = flag.Bool("watch-config", false, "hot-reload the configuration file")
		showVersion      = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("vitality %s (%s)\n", version, gitCommit)
		return
	}

	if err := run(*configPath, overrides{
		workerType:       *workerType,
		poolSize:         *poolSize,
		batchSize:        *batchSize,
		maxDioceses:      *maxDioceses,
		dioceseID:        *dioceseID,
		extractSchedules: *extractSchedules,
		exitWhenIdle:     *exitWhenIdle,
		metricsAddr:      *metricsAddr,
		coordinationDSN:  *coordinationDSN,
		watchConfig:      *watchConfig,
	}); err != nil {
		fmt.Fprintf(os.Stderr, "vitality: %v\n", err)
		os.Exit(1)
	}
}

type overrides struct {
	workerType       string
	poolSize         int
	batchSize        int
	maxDioceses      int
	dioceseID        int64
	extractSchedules bool
	exitWhenIdle     bool
	metricsAddr      string
	coordinationDSN  string
	watchConfig      bool
}

func loadConfig(path string, ov overrides) (*config.Config, error) {
	cfg := config.Default()
	if path != "" {
		loaded, err := config.LoadFromFile(path)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}

	if ov.workerType != "" {
		cfg.Coordinator.WorkerType = coordinator.WorkerType(ov.workerType)
	}
	if ov.poolSize > 0 {
		cfg.Browser.PoolSize = ov.poolSize
	}
	if ov.batchSize > 0 {
		cfg.Processor.BatchSize = ov.batchSize
	}
	if ov.maxDioceses > 0 {
		cfg.Processor.MaxDioceses = ov.maxDioceses
	}
	if ov.dioceseID > 0 {
		cfg.Coordinator.DioceseID = ov.dioceseID
	}
	if ov.extractSchedules {
		cfg.Processor.ExtractSchedules = true
	}
	if ov.exitWhenIdle {
		cfg.Processor.ExitWhenIdle = true
	}
	if ov.metricsAddr != "" {
		cfg.Monitoring.Addr = ov.metricsAddr
		cfg.Monitoring.Enabled = true
	}
	return cfg, nil
}

func run(configPath string, ov overrides) error {
	cfg, err := loadConfig(configPath, ov)
	if err != nil {
		return err
	}
	utils.SetLevel(cfg.LogLevel)
	logger := utils.NewComponentLogger("main")
	logger.Infof("vitality %s starting (worker_type=%s backend=%s)",
		version, cfg.Coordinator.WorkerType, cfg.Storage.Backend)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics := monitoring.NewMetricsManager(monitoring.MetricsConfig{})
	monSrv := monitoring.NewServer(cfg.Monitoring.Addr, metrics)

	// Coordination runs on Postgres regardless of the record store; the
	// leasing index depends on it.
	coordDSN := ov.coordinationDSN
	if coordDSN == "" {
		if cfg.Storage.Backend != storage.BackendPostgres {
			return fmt.Errorf("coordination requires postgres: set -coordination-dsn when storage.backend is %s", cfg.Storage.Backend)
		}
		coordDSN = cfg.Storage.ConnectionString
	}
	coordDB, err := sql.Open("postgres", coordDSN)
	if err != nil {
		return fmt.Errorf("opening coordination database: %w", err)
	}
	defer coordDB.Close()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	err = coordDB.PingContext(pingCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("pinging coordination database: %w", err)
	}

	coord := coordinator.New(coordDB, cfg.Coordinator)
	if err := coord.EnsureSchema(ctx); err != nil {
		return err
	}
	if err := coord.RegisterWorker(ctx); err != nil {
		return err
	}

	store, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}
	defer store.Close()

	brkCfg := cfg.Breaker
	brkCfg.OnStateChange = func(name string, from, to breaker.State) {
		metrics.SetBreakerState(name, breakerStateValue(to))
	}
	breakers := breaker.NewRegistry(brkCfg)
	timeouts := timeout.NewManager()
	limiter := ratelimit.NewLimiter(cfg.RateLimit, nil)

	cacheMgr := cache.NewManager(cfg.Cache.MaxEntries, cfg.Cache.MaxBytes)
	if cfg.Cache.PersistPath != "" {
		if err := cacheMgr.LoadFromDisk(cfg.Cache.PersistPath); err != nil {
			logger.Warnf("cache snapshot not loaded: %v", err)
		}
		defer func() {
			if err := cacheMgr.SaveToDisk(cfg.Cache.PersistPath); err != nil {
				logger.Warnf("cache snapshot not saved: %v", err)
			}
		}()
	}

	var shared *cache.SharedCache
	if cfg.Cache.Redis != nil {
		shared, err = cache.NewSharedCache(ctx, *cfg.Cache.Redis)
		if err != nil {
			return fmt.Errorf("connecting shared cache: %w", err)
		}
		defer shared.Close()
	}

	pool := browser.NewPool(cfg.Browser, breakers, timeouts)
	defer pool.Close()

	var analyzer ai.Analyzer
	if cfg.AI.Endpoint != "" {
		analyzer = ai.NewClient(cfg.AI)
	} else {
		logger.Warn("no AI endpoint configured; the fallback chain ends at the generic extractor")
	}

	chain := extractor.NewChain(breakers, cacheMgr, analyzer)
	if shared != nil {
		chain = chain.WithSharedProfiles(shared)
	}

	handler := errorhandling.NewHandler(cfg.ErrorHandling)
	sched := scheduler.NewManager(cfg.Scheduler, timeouts, cacheMgr, limiter).WithMetrics(metrics)
	proc := processor.New(cfg.Processor, coord, pool, chain, store, handler, sched).WithMetrics(metrics)

	monSrv.RegisterCheck("coordination_db", func(ctx context.Context) error {
		return coordDB.PingContext(ctx)
	})
	if shared != nil {
		monSrv.RegisterCheck("shared_cache", func(ctx context.Context) error {
			_, err := shared.Get(ctx, "readyz-probe")
			if err != nil && !errors.Is(err, cache.ErrSharedMiss) {
				return err
			}
			return nil
		})
	}
	monSrv.RegisterStats("processor", func() interface{} { return proc.GetStats() })
	monSrv.RegisterStats("scheduler", func() interface{} { return sched.GetStats() })
	monSrv.RegisterStats("breakers", func() interface{} { return breakers.AllStats() })
	monSrv.RegisterStats("cache", func() interface{} { return cacheMgr.GetStats() })
	monSrv.RegisterStats("browser", func() interface{} { return pool.GetStats() })
	monSrv.RegisterStats("rate_limits", func() interface{} { return limiter.Stats() })
	monSrv.RegisterStats("timeouts", func() interface{} { return timeouts.Stats() })
	monSrv.RegisterStats("errors", func() interface{} { return handler.GetMetrics() })

	if cfg.Monitoring.Enabled {
		go func() {
			if err := monSrv.Start(); err != nil {
				logger.Errorf("monitoring server: %v", err)
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			monSrv.Shutdown(shutdownCtx)
		}()
	}

	if ov.watchConfig && configPath != "" {
		watcher, err := config.NewWatcher(configPath)
		if err != nil {
			logger.Warnf("config watcher not started: %v", err)
		} else {
			defer watcher.Close()
			watcher.OnChange(func(updated *config.Config) {
				// Most sections need a restart; log level applies live.
				utils.SetLevel(updated.LogLevel)
			})
		}
	}

	runErr := proc.Run(ctx)
	if errors.Is(runErr, context.Canceled) {
		logger.Info("shutdown signal received")
		runErr = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := coord.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("coordinator shutdown: %v", err)
	}

	stats := proc.GetStats()
	logger.Infof("done: %d dioceses (%d ok, %d failed), %d parishes, %d schedule facts",
		stats.DiocesesProcessed, stats.DiocesesSucceeded, stats.DiocesesFailed,
		stats.ParishesPersisted, stats.FactsPersisted)
	return runErr
}

func breakerStateValue(s breaker.State) float64 {
	switch s {
	case breaker.StateOpen:
		return 2
	case breaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
