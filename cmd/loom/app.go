package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/engine"
	"github.com/loomhq/loom/internal/observability"
	"github.com/loomhq/loom/internal/provider"
	"github.com/loomhq/loom/internal/store"
	"github.com/loomhq/loom/internal/tools"
	"github.com/loomhq/loom/internal/tools/builtin"
)

// app owns the wired execution core for one CLI invocation.
type app struct {
	cfg       *config.Config
	logger    *observability.Logger
	metrics   *observability.Metrics
	store     store.Store
	writer    *store.AsyncWriter
	bus       *bus.Bus
	workspace *tools.Workspace
	registry  *tools.Registry
	providers map[string]provider.Provider
	runner    *engine.Runner
	scheduler *engine.Scheduler

	traceShutdown func(context.Context) error
	metricsSrv    *http.Server
}

// loadConfig reads the config file, falling back to built-in defaults when
// the file does not exist.
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// newApp wires store, bus, tools, providers, and the engine from config.
func newApp(cfg *config.Config, approval engine.ApprovalFunc, debug bool) (*app, error) {
	level := cfg.Logging.Level
	if debug {
		level = "debug"
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:  level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	tracer, traceShutdown := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "loom",
		ServiceVersion: version,
		Endpoint:       cfg.Observability.TraceEndpoint,
		SamplingRate:   cfg.Observability.TraceSampling,
		Insecure:       cfg.Observability.TraceInsecure,
	})

	st, err := openStore(cfg)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	writer := store.NewAsyncWriter(st, cfg.Session.PersistQueueSize, metrics.PersistBacklog, logger)

	evbus := bus.New()
	ws := tools.NewWorkspace(cfg.Tools.WorkspaceRoot)
	registry, err := buildRegistry(ws, cfg.Tools.BashEnabled)
	if err != nil {
		return nil, fmt.Errorf("build tool registry: %w", err)
	}

	providers, err := buildProviders(cfg)
	if err != nil {
		return nil, fmt.Errorf("build providers: %w", err)
	}

	runner := engine.NewRunner(engine.RunnerOptions{
		Writer:    writer,
		Bus:       evbus,
		Registry:  registry,
		Providers: providers,
		Approval:  approval,
		Logger:    logger,
		Metrics:   metrics,
		Tracer:    tracer,
		Config: engine.Config{
			MaxSteps:     cfg.Session.MaxSteps,
			StepTimeout:  cfg.Session.StepTimeout,
			ToolTimeout:  cfg.Session.ToolTimeout,
			AutoApprove:  cfg.Tools.AutoApprove,
			SystemPrompt: cfg.Session.SystemPrompt,
		},
	})
	scheduler := engine.NewScheduler(runner, evbus, logger, metrics)

	a := &app{
		cfg:           cfg,
		logger:        logger,
		metrics:       metrics,
		store:         st,
		writer:        writer,
		bus:           evbus,
		workspace:     ws,
		registry:      registry,
		providers:     providers,
		runner:        runner,
		scheduler:     scheduler,
		traceShutdown: traceShutdown,
	}
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		a.serveMetrics(addr)
	}
	return a, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "", "memory":
		return store.NewMemoryStore(), nil
	case "sqlite":
		return store.NewSQLiteStore(cfg.Database.URL)
	case "postgres":
		pc := store.DefaultPostgresConfig()
		if cfg.Database.MaxConnections > 0 {
			pc.MaxOpenConns = cfg.Database.MaxConnections
		}
		if cfg.Database.ConnMaxLifetime > 0 {
			pc.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
		}
		return store.NewPostgresStore(cfg.Database.URL, pc)
	default:
		return nil, fmt.Errorf("unknown database driver: %s", cfg.Database.Driver)
	}
}

func buildRegistry(ws *tools.Workspace, bashEnabled bool) (*tools.Registry, error) {
	registry := tools.NewRegistry()
	set := []tools.Tool{
		builtin.NewFinishTool(),
		builtin.NewProgressTool(),
		builtin.NewPlanTool(),
		builtin.NewPwdTool(ws),
		builtin.NewCdTool(ws),
		builtin.NewLsTool(ws),
		builtin.NewReadTool(ws),
		builtin.NewWriteTool(ws),
		builtin.NewEditTool(ws),
	}
	if bashEnabled {
		set = append(set, builtin.NewBashTool(ws))
	}
	for _, tool := range set {
		if err := registry.Register(tool); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

func buildProviders(cfg *config.Config) (map[string]provider.Provider, error) {
	providers := make(map[string]provider.Provider)
	for name, pc := range cfg.LLM.Providers {
		if pc.APIKey == "" {
			continue
		}
		switch name {
		case "anthropic":
			p, err := provider.NewAnthropic(provider.AnthropicConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, err
			}
			providers[name] = p
		case "openai":
			p, err := provider.NewOpenAI(provider.OpenAIConfig{
				APIKey:       pc.APIKey,
				BaseURL:      pc.BaseURL,
				DefaultModel: pc.DefaultModel,
			})
			if err != nil {
				return nil, err
			}
			providers[name] = p
		default:
			return nil, fmt.Errorf("unknown provider: %s", name)
		}
	}
	return providers, nil
}

func (a *app) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	a.metricsSrv = &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := a.metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error(context.Background(), "metrics server failed", "error", err)
		}
	}()
}

// close drains the scheduler and persistence queue before releasing the
// store and exporters.
func (a *app) close() {
	a.scheduler.Close()
	a.writer.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.metricsSrv != nil {
		_ = a.metricsSrv.Shutdown(ctx)
	}
	if a.traceShutdown != nil {
		_ = a.traceShutdown(ctx)
	}
	if err := a.store.Close(); err != nil {
		a.logger.Warn(context.Background(), "store close failed", "error", err)
	}
}
