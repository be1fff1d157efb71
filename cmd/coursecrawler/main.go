// Package main wires together the course catalog pipeline binary.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	gstorage "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/csexpert/coursecrawler/internal/api"
	"github.com/csexpert/coursecrawler/internal/browser"
	"github.com/csexpert/coursecrawler/internal/clock/system"
	"github.com/csexpert/coursecrawler/internal/config"
	"github.com/csexpert/coursecrawler/internal/discovery"
	"github.com/csexpert/coursecrawler/internal/executor"
	"github.com/csexpert/coursecrawler/internal/hash/sha256"
	"github.com/csexpert/coursecrawler/internal/id/uuid"
	"github.com/csexpert/coursecrawler/internal/logging"
	"github.com/csexpert/coursecrawler/internal/orchestrator"
	"github.com/csexpert/coursecrawler/internal/pipeline"
	"github.com/csexpert/coursecrawler/internal/pool"
	memorypublisher "github.com/csexpert/coursecrawler/internal/publisher/memory"
	pubsubpublisher "github.com/csexpert/coursecrawler/internal/publisher/pubsub"
	queuememory "github.com/csexpert/coursecrawler/internal/queue/memory"
	queuepostgres "github.com/csexpert/coursecrawler/internal/queue/postgres"
	"github.com/csexpert/coursecrawler/internal/ratelimit"
	gcsstorage "github.com/csexpert/coursecrawler/internal/storage/gcs"
	localstorage "github.com/csexpert/coursecrawler/internal/storage/local"
	memorystorage "github.com/csexpert/coursecrawler/internal/storage/memory"
	"github.com/csexpert/coursecrawler/internal/structurer"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	storeDSN := flag.String("store", "", "Postgres DSN (overrides config; empty config DSN means memory store)")
	maxConcurrency := flag.Int("max-concurrency", 0, "Cap every phase's concurrency at N")
	batchSize := flag.Int("batch-size", 0, "Claim batch size (overrides config)")
	seeds := flag.String("seeds", "", "Comma-separated catalog search URLs (overrides config)")
	fresh := flag.Bool("fresh", false, "Start at discovery instead of resuming")
	validate := flag.Bool("validate", false, "Check store consistency and exit")
	stats := flag.Bool("stats", false, "Print pipeline stats and exit")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	if *storeDSN != "" {
		cfg.Store.DSN = *storeDSN
	}
	if *batchSize > 0 {
		cfg.Pipeline.BatchSize = *batchSize
	}
	if *maxConcurrency > 0 {
		capConcurrency(&cfg, *maxConcurrency)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, options{
		seeds:    splitSeeds(*seeds),
		fresh:    *fresh,
		validate: *validate,
		stats:    *stats,
	}); err != nil {
		logger.Error("run failed", zap.Error(err))
		os.Exit(1)
	}
}

type options struct {
	seeds    []string
	fresh    bool
	validate bool
	stats    bool
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger, opts options) error {
	store, closeStore, err := buildStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	// Inspection modes touch only the store; no browser or AI client needed.
	if opts.validate {
		report, err := store.Validate(ctx)
		if err != nil {
			return fmt.Errorf("validate store: %w", err)
		}
		return printJSON(report)
	}
	if opts.stats {
		return printStats(ctx, store)
	}

	blobs, closeBlobs, err := buildBlobStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeBlobs()

	publisher, closePublisher, err := buildPublisher(ctx, cfg)
	if err != nil {
		return err
	}
	defer closePublisher()

	gemini, err := structurer.New(ctx, cfg.AI.APIKey, cfg.AI.Model, cfg.AI.CostPerDocument, logger)
	if err != nil {
		return fmt.Errorf("init structurer: %w", err)
	}

	clk := system.New()
	aiLimiter := ratelimit.NewAdaptive(cfg.Limits.AI.MaxRequests, cfg.Limits.AI.Window(), clk, cfg.Limits.LoadThreshold)
	limiter := ratelimit.NewKeyed()
	limiter.Route(executor.KeyCatalog, ratelimit.New(cfg.Limits.Catalog.MaxRequests, cfg.Limits.Catalog.Window(), clk))
	limiter.Route(executor.KeyDownloads, ratelimit.New(cfg.Limits.Downloads.MaxRequests, cfg.Limits.Downloads.Window(), clk))
	limiter.Route(executor.KeyAI, aiLimiter)

	factory := browser.NewFactory(browser.Config{
		UserAgent:         cfg.Browser.UserAgent,
		NavigationTimeout: cfg.Browser.NavTimeout(),
	})
	defer factory.Close()
	browsers, err := pool.New(factory.New, cfg.Browser.PoolSize,
		pool.WithHealthCheck(func(b pipeline.Browser) bool { return b.IsAlive() }),
		pool.WithDestroy(func(b pipeline.Browser) { b.Close() }),
	)
	if err != nil {
		return fmt.Errorf("init browser pool: %w", err)
	}
	defer browsers.Close()

	exec := executor.New(store, limiter, executor.Config{
		BatchSize:       cfg.Pipeline.BatchSize,
		MaxRetries:      cfg.Pipeline.MaxRetries,
		RequestTimeout:  cfg.RequestTimeout(),
		NetworkCooldown: cfg.NetworkCooldown(),
	}, logger)

	phases := []executor.Phase{
		executor.DiscoveryPhase(
			discovery.New(cfg.Discovery.UserAgent, logger),
			store, cfg.Phases.DiscoveryConcurrency, logger),
		executor.DownloadPhase(
			&http.Client{Timeout: cfg.RequestTimeout()},
			store, blobs, sha256.New(), cfg.Phases.DownloadConcurrency, logger),
		executor.ExtractionPhase(
			browsers, cfg.Browser.AcquireTimeout(),
			store, blobs, cfg.Phases.ExtractionConcurrency, logger),
		executor.StructuringPhase(
			store, blobs, gemini, publisher, uuid.New(),
			cfg.Phases.StructuringConcurrency, aiLimiter.SetLoad, logger),
	}

	orch := orchestrator.New(store, exec, phases, orchestrator.Config{
		MaxRetries:        cfg.Pipeline.MaxRetries,
		ErrorTolerancePct: cfg.Pipeline.ErrorTolerancePct,
		Fresh:             opts.fresh,
	}, logger)

	seeds := opts.seeds
	if len(seeds) == 0 {
		seeds = cfg.Discovery.SearchURLs
	}
	added, err := orch.Seed(ctx, seeds)
	if err != nil {
		return fmt.Errorf("seed catalog pages: %w", err)
	}
	logger.Info("seeded catalog pages", zap.Int("added", added), zap.Int("given", len(seeds)))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           api.NewServer(orch, logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown error", zap.Error(err))
		}
	}()

	runStats, err := orch.Run(ctx)
	if err != nil {
		return err
	}
	logger.Info("pipeline finished",
		zap.String("start_phase", string(runStats.StartPhase)),
		zap.Int("reaped", runStats.Reaped),
		zap.Float64("total_cost", runStats.TotalCost))
	return nil
}

func buildStore(ctx context.Context, cfg config.Config) (pipeline.Store, func(), error) {
	if cfg.Store.DSN == "" {
		return queuememory.New(system.New()), func() {}, nil
	}
	store, err := queuepostgres.New(ctx, queuepostgres.Config{
		DSN:      cfg.Store.DSN,
		MaxConns: cfg.Store.MaxConns,
		MinConns: cfg.Store.MinConns,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("connect work-item store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, nil, fmt.Errorf("migrate work-item store: %w", err)
	}
	return store, store.Close, nil
}

func buildBlobStore(ctx context.Context, cfg config.Config) (pipeline.BlobStore, func(), error) {
	switch cfg.Storage.Provider {
	case "memory":
		return memorystorage.NewBlobStore(), func() {}, nil
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return nil, nil, fmt.Errorf("init gcs client: %w", err)
		}
		blobs, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return nil, nil, err
		}
		return blobs, func() { _ = client.Close() }, nil
	default:
		blobs, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.BaseDir})
		if err != nil {
			return nil, nil, fmt.Errorf("init local blob store: %w", err)
		}
		return blobs, func() {}, nil
	}
}

func buildPublisher(ctx context.Context, cfg config.Config) (pipeline.Publisher, func(), error) {
	if cfg.Publisher.Provider == "pubsub" {
		pub, err := pubsubpublisher.NewFromProject(ctx, cfg.Publisher.ProjectID, cfg.Publisher.TopicName)
		if err != nil {
			return nil, nil, fmt.Errorf("init pubsub publisher: %w", err)
		}
		return pub, pub.Close, nil
	}
	return memorypublisher.New(), func() {}, nil
}

func printStats(ctx context.Context, store pipeline.Store) error {
	out := make(map[string]map[pipeline.ItemStatus]int)
	for _, phase := range pipeline.Phases {
		counts, err := store.CountByStatus(ctx, phase)
		if err != nil {
			return fmt.Errorf("counts for %s: %w", phase, err)
		}
		out[string(phase)] = counts
	}
	cost, err := store.TotalCost(ctx)
	if err != nil {
		return fmt.Errorf("total cost: %w", err)
	}
	return printJSON(map[string]any{"phases": out, "total_cost": cost})
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

func capConcurrency(cfg *config.Config, n int) {
	for _, c := range []*int{
		&cfg.Phases.DiscoveryConcurrency,
		&cfg.Phases.DownloadConcurrency,
		&cfg.Phases.ExtractionConcurrency,
		&cfg.Phases.StructuringConcurrency,
	} {
		if *c > n {
			*c = n
		}
	}
}

func splitSeeds(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
