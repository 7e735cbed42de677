package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/rendis/crewflow/internal/agents"
	"github.com/rendis/crewflow/internal/agents/provider"
	"github.com/rendis/crewflow/internal/catalog"
	"github.com/rendis/crewflow/internal/engine"
	"github.com/rendis/crewflow/internal/expressions"
	"github.com/rendis/crewflow/internal/logging"
	"github.com/rendis/crewflow/internal/metrics"
	"github.com/rendis/crewflow/internal/store"
	"github.com/rendis/crewflow/internal/streaming"
	"github.com/rendis/crewflow/internal/telemetry"
	"github.com/rendis/crewflow/pkg/schema"
)

// app is the wired object graph shared by the commands.
type app struct {
	cfg      Config
	level    *slog.LevelVar
	logger   *slog.Logger
	tracer   *sdktrace.TracerProvider
	store    store.Store
	catalog  *catalog.Catalog
	registry *agents.Registry
	bus      *streaming.Bus
	engine   *engine.Engine
	metrics  *metrics.Metrics
}

// newApp builds logging, tracing, the archive, the catalog and its agents,
// and the engine. Logs go to logOut.
func newApp(ctx context.Context, cfg Config, logOut io.Writer) (*app, error) {
	a := &app{cfg: cfg, level: new(slog.LevelVar)}
	a.level.Set(logging.ParseLevel(cfg.LogLevel))
	a.logger = logging.NewLeveled(logOut, a.level)

	tp, err := telemetry.Setup(ctx, telemetry.Config{
		Exporter:   cfg.Tracing.Exporter,
		Version:    version,
		Writer:     logOut,
		SampleRate: cfg.Tracing.SampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("tracing: %w", err)
	}
	a.tracer = tp

	if cfg.DBPath != "" {
		st, err := store.OpenLibSQL(ctx, cfg.DBPath)
		if err != nil {
			a.close(ctx)
			return nil, fmt.Errorf("open archive: %w", err)
		}
		a.store = st
	} else {
		a.store = store.NewMemoryStore()
	}

	a.catalog, a.registry, err = buildCatalog(ctx, cfg)
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.bus = streaming.NewBus(streaming.Config{
		HistorySize: cfg.EventBuffer,
		QueueSize:   cfg.SubscriberQueue,
	})
	a.engine, err = engine.New(a.registry, engine.Config{
		PoolSize: cfg.MaxWorkflows,
		Retry: engine.Policy{
			Max:      cfg.Retry.Max,
			Backoff:  cfg.Retry.Backoff,
			Delay:    mustDuration(cfg.Retry.Delay),
			MaxDelay: mustDuration(cfg.Retry.MaxDelay),
		},
		StepTimeout:    mustDuration(cfg.Retry.StepTimeout),
		CancelGrace:    mustDuration(cfg.Retry.CancelGrace),
		CircuitBreaker: engine.DefaultCircuitBreakerConfig(),
		Bus:            a.bus,
		Store:          a.store,
		Logger:         a.logger,
		Tracer:         tp.Tracer("github.com/rendis/crewflow/internal/engine"),
	})
	if err != nil {
		a.close(ctx)
		return nil, err
	}

	a.metrics = metrics.New()
	a.metrics.Attach(a.engine)

	a.logger.Info("crewflow ready",
		"version", version,
		"provider", cfg.providerName(),
		"agents", a.registry.Count(),
		"workflow_types", len(a.catalog.Types()),
		"archive", archiveKind(cfg),
	)
	return a, nil
}

// buildCatalog loads the workflow types and registers their agents.
func buildCatalog(ctx context.Context, cfg Config) (*catalog.Catalog, *agents.Registry, error) {
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, nil, err
	}
	var cat *catalog.Catalog
	if cfg.CatalogPath != "" {
		cat, err = catalog.Load(cel, cfg.CatalogPath)
	} else {
		cat, err = catalog.Default(cel)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("catalog: %w", err)
	}

	completer, err := newCompleter(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	reg := agents.NewRegistry()
	if err := cat.RegisterAgents(reg, completer, expressions.NewExprEngine(), expressions.NewGoJQEngine()); err != nil {
		return nil, nil, fmt.Errorf("register agents: %w", err)
	}
	return cat, reg, nil
}

func newCompleter(ctx context.Context, cfg Config) (provider.Completer, error) {
	p := cfg.Provider
	switch cfg.providerName() {
	case "anthropic":
		return provider.NewAnthropic(p.AnthropicKey, p.Model), nil
	case "openai":
		return provider.NewOpenAI(p.OpenAIKey, p.Model), nil
	case "gemini":
		return provider.NewGemini(ctx, p.GeminiKey, p.Model)
	default:
		return &provider.Static{Delay: mustDuration(p.StaticDelay)}, nil
	}
}

func archiveKind(cfg Config) string {
	if cfg.DBPath == "" {
		return "memory"
	}
	return cfg.DBPath
}

// close shuts the engine down, then flushes spans and closes the archive.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if a.engine != nil {
		errs = append(errs, a.engine.Shutdown(ctx))
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.tracer != nil {
		errs = append(errs, telemetry.Shutdown(ctx, a.tracer))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}

// submit builds a catalog workflow and submits it.
func (a *app) submit(ctx context.Context, workflowType string, input []byte) (string, error) {
	def, err := a.catalog.Build(ctx, workflowType, input)
	if err != nil {
		return "", err
	}
	return a.engine.Submit(ctx, def, input)
}

// exitCodeFor maps a terminal status to the process exit code of `run`.
func exitCodeFor(status schema.WorkflowStatus) int {
	switch status {
	case schema.WorkflowStatusCompleted:
		return ExitSuccess
	case schema.WorkflowStatusCancelled:
		return ExitCancelled
	default:
		return ExitFailed
	}
}
