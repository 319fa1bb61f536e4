// ABOUTME: Entry point for the sagapm worker process
// ABOUTME: Wires store, bus, engine, pipeline, and metrics, then serves the pipeline loop until signaled

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/devit-tel/sagapm/internal/bus/natsbus"
	"github.com/devit-tel/sagapm/internal/config"
	"github.com/devit-tel/sagapm/internal/engine"
	"github.com/devit-tel/sagapm/internal/failure"
	"github.com/devit-tel/sagapm/internal/logging"
	"github.com/devit-tel/sagapm/internal/metrics"
	"github.com/devit-tel/sagapm/internal/pipeline"
	"github.com/devit-tel/sagapm/internal/store/defreg"
	"github.com/devit-tel/sagapm/internal/store/memory"
	"github.com/devit-tel/sagapm/internal/store/rdb"
	"github.com/devit-tel/sagapm/pkg/types"
)

// composedStore overrides an instance store's definition-facing methods
// with a filesystem-backed registry, so transaction/workflow/task
// instances live on the fast backend while definitions live wherever
// deployment configuration already keeps published artifacts.
type composedStore struct {
	types.Store
	defs *defreg.Store
}

func (c *composedStore) WorkflowDefinitions() types.WorkflowDefinitionStore {
	return c.defs.WorkflowDefinitions()
}

func (c *composedStore) TaskDefinitions() types.TaskDefinitionStore {
	return c.defs.TaskDefinitions()
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load(os.Getenv("SAGAPM_CONFIG_FILE"))
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	zl := newZerolog(cfg)
	logger := logging.NewZerologWrapper(zl)

	store, err := newStore(cfg)
	if err != nil {
		return fmt.Errorf("init store: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	busCfg := natsbus.DefaultConfig()
	busCfg.URL = cfg.NatsURL
	busCfg.Logger = logger
	client, err := natsbus.Connect(ctx, busCfg)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer client.Close()

	m := metrics.New(prometheus.DefaultRegisterer)

	fh := failure.New(store, time.Now, uuid.NewString)
	eng := engine.New(store, client, fh, time.Now, uuid.NewString)
	eng.SetRecorder(m)

	p := pipeline.New(eng, client, logger, &pipeline.Config{
		MaxConcurrency: cfg.MaxConcurrency,
		Recorder:       m,
	})

	go serveMetrics(cfg.MetricsAddr, logger)

	logger.Info().Str("natsUrl", cfg.NatsURL).Str("storeBackend", string(cfg.StoreBackend)).Msg("sagapm worker starting")

	if err := client.ConsumeTaskUpdates(ctx, "sagapm-worker", func(ctx context.Context, update types.TaskStatusUpdate) error {
		return p.ProcessBatch(ctx, []types.TaskStatusUpdate{update})
	}); err != nil {
		return fmt.Errorf("consume task updates: %w", err)
	}
	if err := client.ConsumeTimers(ctx, "sagapm-worker", func(ctx context.Context, t types.Timer) error {
		return p.ProcessTimer(ctx, t)
	}); err != nil {
		return fmt.Errorf("consume timers: %w", err)
	}

	<-ctx.Done()
	return nil
}

func newStore(cfg *config.Config) (types.Store, error) {
	var base types.Store
	switch cfg.StoreBackend {
	case config.StoreBackendRedis:
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		base = rdb.New(client)
	case config.StoreBackendMemory:
		base = memory.New()
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	if cfg.DefinitionsPath == "" {
		return base, nil
	}
	defs, err := defreg.Open(cfg.DefinitionsPath, &defreg.Config{})
	if err != nil {
		return nil, fmt.Errorf("open definitions source %s: %w", cfg.DefinitionsPath, err)
	}
	return &composedStore{Store: base, defs: defs}, nil
}

func newZerolog(cfg *config.Config) zerolog.Logger {
	level := zerolog.InfoLevel
	if cfg.Verbose {
		level = zerolog.DebugLevel
	}

	var w = os.Stderr
	if cfg.LogFormat != "json" {
		return zerolog.New(zerolog.ConsoleWriter{Out: w}).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func serveMetrics(addr string, logger types.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server stopped")
	}
}
