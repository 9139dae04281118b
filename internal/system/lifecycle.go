package system

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/U2SG/yoto-sub000/internal/abac"
	"github.com/U2SG/yoto-sub000/internal/bus"
	"github.com/U2SG/yoto-sub000/internal/cache"
	"github.com/U2SG/yoto-sub000/internal/config"
	"github.com/U2SG/yoto-sub000/internal/invalidation"
	"github.com/U2SG/yoto-sub000/internal/metrics"
	"github.com/U2SG/yoto-sub000/internal/ml"
	"github.com/U2SG/yoto-sub000/internal/monitor"
	"github.com/U2SG/yoto-sub000/internal/primitives"
	"github.com/U2SG/yoto-sub000/internal/rbac"
	"github.com/U2SG/yoto-sub000/internal/resilience"
	"github.com/U2SG/yoto-sub000/internal/store"
)

// warmupTimeout bounds the asynchronous warm-up pass.
const warmupTimeout = 60 * time.Second

// defaultSampleInterval is how often the lifecycle stages the process-
// level metrics the request path cannot produce on its own.
const defaultSampleInterval = 15 * time.Second

// Lifecycle wires the platform together in dependency order, runs the
// asynchronous warm-up, and tears everything down in reverse.
type Lifecycle struct {
	cfg *config.Config

	Store  *store.Client
	Locks  *store.LockFactory
	Bus    *bus.Bus
	Ctrl   *resilience.Controller
	Mon    *monitor.PermissionMonitor
	Agg    *metrics.Aggregator
	MLMon  *ml.Monitor
	Cache  *cache.PermissionCache
	Engine *invalidation.Engine
	System *PermissionSystem

	predictor *ml.Predictor
	optimizer *ml.Optimizer
	registry  *rbac.Registry

	db        *sql.DB
	ownsStore bool
	ownsDB    bool

	sampleInterval time.Duration
	stopSampling   chan struct{}
	sampleWG       sync.WaitGroup

	warmupWG sync.WaitGroup
	stopOnce sync.Once
}

// LifecycleOption injects pre-built components, mainly for tests.
type LifecycleOption func(*lifecycleDeps)

type lifecycleDeps struct {
	store          *store.Client
	db             *sql.DB
	source         cache.Source
	sampleInterval time.Duration
}

func WithStoreClient(c *store.Client) LifecycleOption {
	return func(d *lifecycleDeps) { d.store = c }
}

func WithDB(db *sql.DB) LifecycleOption {
	return func(d *lifecycleDeps) { d.db = db }
}

// WithSource replaces the SQL querier as the cache's backing source.
func WithSource(src cache.Source) LifecycleOption {
	return func(d *lifecycleDeps) { d.source = src }
}

// WithSampleInterval shortens the metric sampler cadence, mainly for
// tests.
func WithSampleInterval(d time.Duration) LifecycleOption {
	return func(deps *lifecycleDeps) { deps.sampleInterval = d }
}

// NewLifecycle builds every component in dependency order without
// starting any background work; Start does that.
func NewLifecycle(cfg *config.Config, opts ...LifecycleOption) (*Lifecycle, error) {
	var deps lifecycleDeps
	for _, opt := range opts {
		opt(&deps)
	}

	lc := &Lifecycle{
		cfg:            cfg,
		sampleInterval: defaultSampleInterval,
		stopSampling:   make(chan struct{}),
	}
	if deps.sampleInterval > 0 {
		lc.sampleInterval = deps.sampleInterval
	}

	// 1. Shared store and distributed lock.
	if deps.store != nil {
		lc.Store = deps.store
	} else {
		lc.Store = store.New(store.Options{
			Addrs:    cfg.Store.Addrs,
			Password: cfg.Store.Password,
			DB:       cfg.Store.DB,
			PoolSize: cfg.Store.PoolSize,
		})
		lc.ownsStore = true
	}
	lc.Locks = store.NewLockFactory(lc.Store)
	lc.Bus = bus.New(lc.Store)

	// 2. Resilience controller.
	lc.Ctrl = resilience.NewController(lc.Store, lc.Locks, lc.Bus,
		resilience.WithConfigCacheTTL(cfg.Resilience.ConfigCacheTTL()),
		resilience.WithOverrideTTL(cfg.Resilience.OverrideTTL()))

	// 3. Monitor backend.
	backend, err := buildBackend(cfg.Monitor, lc.Store)
	if err != nil {
		return nil, err
	}

	// 4–5. ML feed and the aggregator that drives it.
	lc.predictor = ml.NewPredictor()
	lc.optimizer = ml.NewOptimizer(lc.Ctrl, lc.Bus,
		ml.WithStrategy(cfg.ML.Strategy),
		ml.WithAutoApplyThreshold(cfg.ML.AutoApplyThreshold))
	lc.MLMon = ml.NewMonitor(lc.Bus, lc.predictor, ml.NewAnomalyDetector(), lc.optimizer)
	lc.Agg = metrics.NewAggregator(lc.Store, lc.MLMon)
	lc.Mon = monitor.NewPermissionMonitor(backend, lc.Agg)

	// 6. Cache, querier, invalidation.
	source := deps.source
	if source == nil {
		db := deps.db
		if db == nil {
			if cfg.Database.DSN == "" {
				return nil, fmt.Errorf("lifecycle: no database DSN and no injected source")
			}
			db, err = sql.Open("postgres", cfg.Database.DSN)
			if err != nil {
				return nil, fmt.Errorf("lifecycle: open database: %w", err)
			}
			lc.ownsDB = true
		}
		lc.db = db
		lc.registry = rbac.NewRegistry(db)
		source = rbac.NewQuerier(db)
	} else if deps.db != nil {
		lc.db = deps.db
		lc.registry = rbac.NewRegistry(deps.db)
	}

	lc.Cache = cache.NewPermissionCache(lc.Store, lc.Locks, source,
		cache.WithL2TTL(cfg.Cache.L2TTL()),
		cache.WithSingleFlightTTL(cfg.Cache.ReadLockTimeout()))
	lc.Engine = invalidation.NewEngine(lc.Store, lc.Cache,
		invalidation.WithBatchSize(cfg.Delayed.BatchSize),
		invalidation.WithMinQueueSize(cfg.Delayed.MinQueueSize))

	// 7. Façade.
	sysOpts := []SystemOption{
		WithML(lc.predictor, lc.optimizer),
		WithResilienceNames([]string{"db_query", "cache_read"}, []string{"permission_check"}),
	}
	if cfg.ABAC.URL != "" {
		sysOpts = append(sysOpts, WithABAC(abac.NewClient(cfg.ABAC.URL), cfg.ABAC.Policy))
	}
	lc.System = NewPermissionSystem(lc.Ctrl, lc.Cache, lc.registry, lc.Engine, lc.Mon, sysOpts...)

	// 8. Cross-wiring: applied tuning plans reach in-process knobs.
	engine := lc.Engine
	lc.optimizer.RegisterCallback(func(tc primitives.TuningConfig) {
		engine.SetBatchSize(tc.BatchSize)
		slog.Info("[Lifecycle] Tuning config applied",
			"batch_size", tc.BatchSize, "connection_pool_size", tc.ConnectionPoolSize)
	})

	return lc, nil
}

func buildBackend(cfg config.MonitorConfig, st *store.Client) (monitor.Backend, error) {
	switch cfg.Backend {
	case "", "redis":
		return monitor.NewRedisBackend(st), nil
	case "memory":
		return monitor.NewMemoryBackend(), nil
	case "statsd":
		return monitor.NewStatsdBackend(cfg.StatsdAddr, cfg.Namespace)
	case "prometheus":
		return monitor.NewPrometheusBackend(cfg.Namespace), nil
	}
	return nil, fmt.Errorf("lifecycle: unknown monitor backend %q", cfg.Backend)
}

// Start launches subscriptions and background loops, then kicks off the
// asynchronous warm-up.
func (lc *Lifecycle) Start() error {
	if err := lc.Ctrl.Start(); err != nil {
		return fmt.Errorf("lifecycle: resilience controller: %w", err)
	}
	if err := lc.MLMon.Start(); err != nil {
		return fmt.Errorf("lifecycle: ml monitor: %w", err)
	}
	lc.Agg.Start()
	lc.Engine.Start()

	lc.warmupWG.Add(1)
	go lc.warmup()

	lc.sampleWG.Add(1)
	go lc.sampleLoop()

	slog.Info("[Lifecycle] Permission system started")
	return nil
}

// sampleLoop periodically stages the minute-snapshot fields the request
// path does not produce: hit rate from cache counters, qps and error
// rate from façade counter deltas, memory from the runtime. Without
// these the minute snapshot never completes and the ML feed starves.
func (lc *Lifecycle) sampleLoop() {
	defer lc.sampleWG.Done()
	ticker := time.NewTicker(lc.sampleInterval)
	defer ticker.Stop()

	lastChecks, lastFailures := lc.System.Counters()
	last := time.Now()
	for {
		select {
		case <-lc.stopSampling:
			return
		case <-ticker.C:
			now := time.Now()
			checks, failures := lc.System.Counters()
			lc.sample(checks-lastChecks, failures-lastFailures, now.Sub(last))
			lastChecks, lastFailures = checks, failures
			last = now
		}
	}
}

func (lc *Lifecycle) sample(deltaChecks, deltaFailures int64, elapsed time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), lc.sampleInterval)
	defer cancel()

	stats := lc.Cache.Stats()
	l1, _ := stats["l1_hits"].(int64)
	l2, _ := stats["l2_hits"].(int64)
	loads, _ := stats["source_loads"].(int64)
	hitRate := 1.0
	if total := l1 + l2 + loads; total > 0 {
		hitRate = float64(l1+l2) / float64(total)
	}

	qps := 0.0
	if secs := elapsed.Seconds(); secs > 0 {
		qps = float64(deltaChecks) / secs
	}
	errorRate := 0.0
	if deltaChecks > 0 {
		errorRate = float64(deltaFailures) / float64(deltaChecks)
	}

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	memRatio := 0.0
	if ms.Sys > 0 {
		memRatio = float64(ms.HeapAlloc) / float64(ms.Sys)
	}

	for _, rec := range []struct {
		name   string
		record func(context.Context, float64) error
		value  float64
	}{
		{"cache_hit_rate", lc.Mon.RecordCacheHitRate, hitRate},
		{"qps", lc.Mon.RecordQPS, qps},
		{"error_rate", lc.Mon.RecordErrorRate, errorRate},
		{"memory_usage", lc.Mon.RecordMemoryUsage, memRatio},
	} {
		if err := rec.record(ctx, rec.value); err != nil {
			slog.Warn("[Lifecycle] Metric sample failed", "metric", rec.name, "error", err)
		}
	}
}

// warmup reloads the recent performance history into the predictor,
// syncs the permission registry and primes the cache. Failures here are
// logged, never fatal: the system serves cold.
func (lc *Lifecycle) warmup() {
	defer lc.warmupWG.Done()
	ctx, cancel := context.WithTimeout(context.Background(), warmupTimeout)
	defer cancel()

	history, err := lc.Agg.LoadRecent(ctx)
	if err != nil {
		slog.Warn("[Lifecycle] Performance history reload failed", "error", err)
	} else {
		for _, pm := range history {
			lc.predictor.Feed(pm)
		}
		if len(history) > 0 {
			slog.Info("[Lifecycle] Predictor warmed", "snapshots", len(history))
		}
	}

	if lc.registry != nil {
		if err := lc.registry.Sync(ctx); err != nil {
			slog.Warn("[Lifecycle] Registry sync failed", "error", err)
		}
	}

	if len(lc.cfg.Warmup) > 0 {
		warmed := lc.Cache.WarmUp(ctx, lc.cfg.Warmup)
		slog.Info("[Lifecycle] Cache warm-up finished", "requested", len(lc.cfg.Warmup), "warmed", warmed)
	}

	slog.Info("[Lifecycle] Component health", "health", lc.Mon.Health())
}

// Stop tears down in reverse order: loops first, subscriptions next,
// the store client last.
func (lc *Lifecycle) Stop() {
	lc.stopOnce.Do(func() {
		lc.Engine.Stop()
		close(lc.stopSampling)
		lc.sampleWG.Wait()
		lc.Agg.Stop()
		lc.warmupWG.Wait()
		lc.MLMon.Stop()
		lc.Ctrl.Stop()
		if lc.ownsDB && lc.db != nil {
			lc.db.Close()
		}
		if lc.ownsStore {
			lc.Store.Close()
		}
		slog.Info("[Lifecycle] Permission system stopped")
	})
}
