package main

import (
	"context"
	"errors"
	"fmt"
	nethttp "net/http"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/cogflow/internal/action"
	"github.com/fyrsmithlabs/cogflow/internal/audit"
	"github.com/fyrsmithlabs/cogflow/internal/config"
	"github.com/fyrsmithlabs/cogflow/internal/engine"
	"github.com/fyrsmithlabs/cogflow/internal/escalation"
	"github.com/fyrsmithlabs/cogflow/internal/events"
	"github.com/fyrsmithlabs/cogflow/internal/execution"
	"github.com/fyrsmithlabs/cogflow/internal/generator"
	"github.com/fyrsmithlabs/cogflow/internal/http"
	"github.com/fyrsmithlabs/cogflow/internal/logging"
	"github.com/fyrsmithlabs/cogflow/internal/memory"
	"github.com/fyrsmithlabs/cogflow/internal/pipeline"
	"github.com/fyrsmithlabs/cogflow/internal/services"
	"github.com/fyrsmithlabs/cogflow/internal/telemetry"
)

const meterName = "github.com/fyrsmithlabs/cogflow"

// run starts cogflowd and blocks until ctx is cancelled.
//
// Initialization order:
//  1. Configuration, logger and telemetry
//  2. Event publisher, audit store and recorder
//  3. Embedder, memory backends and the validation gateway
//  4. Generator and action capabilities
//  5. Escalation coordinator and checkpoint
//  6. Router, stages, runner and task manager
//  7. HTTP server, then graceful shutdown on cancellation
func run(ctx context.Context, path string) error {
	cfg, err := config.LoadWithFile(path)
	if err != nil {
		return fmt.Errorf("loading configuration: %w", err)
	}

	tel, err := telemetry.New(ctx, cfg.Telemetry)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		_ = tel.Shutdown(context.Background())
	}()

	logCfg, err := logging.ConfigFrom(cfg.Logging)
	if err != nil {
		return fmt.Errorf("invalid logging configuration: %w", err)
	}
	logger, err := logging.NewLogger(logCfg, tel.LoggerProvider())
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer func() {
		_ = logger.Sync() // Best-effort sync on shutdown
	}()

	logger.Info(ctx, "starting cogflowd",
		zap.String("version", version),
		zap.String("host", cfg.Server.Host),
		zap.Int("port", cfg.Server.Port),
		zap.String("generator", cfg.Generator.Provider),
		zap.Duration("shutdown_timeout", cfg.Server.ShutdownTimeout.Duration()),
	)
	if degraded, reason := tel.Degraded(); degraded {
		logger.Warn(ctx, "telemetry degraded", zap.String("reason", reason))
	}

	deps, err := initDependencies(ctx, cfg, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize dependencies: %w", err)
	}
	defer deps.Close(context.Background())

	manager, err := initEngine(ctx, cfg, deps, tel, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize engine: %w", err)
	}

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go deps.coordinator.RunJanitor(janitorCtx, cfg.Escalation.CleanupInterval.Duration())

	reg := services.NewRegistry(services.Options{
		Tasks:       manager,
		Escalations: deps.coordinator,
		Gateway:     deps.gateway,
		Audit:       deps.recorder,
		Actions:     deps.actions,
		Generator:   deps.generator,
	})
	server, err := http.NewServer(reg, logger, &http.Config{
		Host:    cfg.Server.Host,
		Port:    cfg.Server.Port,
		Version: version,
	})
	if err != nil {
		return fmt.Errorf("failed to create http server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil && !errors.Is(err, nethttp.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info(context.Background(), "shutdown signal received")
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
	defer cancel()

	var errs []error
	if err := server.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("task manager shutdown: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		logger.Error(context.Background(), "shutdown incomplete", zap.Error(err))
		return err
	}
	logger.Info(context.Background(), "cogflowd stopped")
	return nil
}

// dependencies holds the infrastructure shared by the engine and the API.
type dependencies struct {
	publisher   events.Publisher
	auditStore  audit.Store
	recorder    *audit.Recorder
	backends    *memory.Registry
	gateway     *memory.Gateway
	generator   generator.Generator
	actions     *action.Registry
	coordinator *escalation.Coordinator
	escMetrics  *escalation.Metrics
	logger      *logging.Logger
}

func initDependencies(ctx context.Context, cfg *config.Config, tel *telemetry.Telemetry, logger *logging.Logger) (*dependencies, error) {
	deps := &dependencies{publisher: events.Nop{}, logger: logger}
	ok := false
	defer func() {
		if !ok {
			deps.Close(context.Background())
		}
	}()

	if cfg.Events.Enabled {
		pub, err := events.Connect(cfg.Events, logger)
		if err != nil {
			return nil, fmt.Errorf("connecting to NATS: %w", err)
		}
		deps.publisher = pub
		logger.Info(ctx, "event publishing enabled", zap.String("url", cfg.Events.URL))
	}

	store, err := audit.NewStore(cfg.Audit)
	if err != nil {
		return nil, fmt.Errorf("opening audit store: %w", err)
	}
	deps.auditStore = store
	deps.recorder = audit.NewRecorder(store, audit.WithSink(deps.publisher), audit.WithLogger(logger))

	embedder, err := memory.NewEmbedder(cfg.Memory.Embeddings)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	backends, err := memory.NewBackends(cfg.Memory, embedder, store, logger)
	if err != nil {
		return nil, err
	}
	if err := backends.ConnectAll(ctx); err != nil {
		return nil, fmt.Errorf("connecting memory backends: %w", err)
	}
	deps.backends = backends
	if deps.gateway, err = memory.NewGatewayFromConfig(cfg.Memory, backends, logger); err != nil {
		return nil, fmt.Errorf("creating validation gateway: %w", err)
	}

	if deps.generator, err = generator.New(ctx, cfg.Generator, logger); err != nil {
		return nil, fmt.Errorf("creating generator: %w", err)
	}

	var caps []action.Capability
	if cfg.Actions.HTTP.Enabled {
		fetch := action.NewHTTPCapability(cfg.Actions.HTTP, nil)
		caps = append(caps, fetch, action.NewHTMLCapability(fetch))
	}
	if deps.actions, err = action.NewRegistry(caps...); err != nil {
		return nil, err
	}

	if deps.escMetrics, err = escalation.NewMetrics(tel.Meter(meterName)); err != nil {
		return nil, fmt.Errorf("creating escalation metrics: %w", err)
	}
	publisher := deps.publisher
	deps.coordinator = escalation.NewCoordinator(
		escalation.WithSessionTTL(cfg.Escalation.SessionTTL.Duration()),
		escalation.WithLogger(logger),
		escalation.WithMetrics(deps.escMetrics),
		escalation.WithNotifier(func(ctx context.Context, e escalation.Escalation) {
			if err := publisher.PublishEscalation(ctx, e.TaskID, e); err != nil {
				logger.Warn(ctx, "publishing escalation failed", zap.String("escalation_id", e.ID), zap.Error(err))
			}
		}),
	)

	ok = true
	return deps, nil
}

// Close releases infrastructure in reverse order of creation.
func (d *dependencies) Close(ctx context.Context) {
	if d.backends != nil {
		if err := d.backends.DisconnectAll(ctx); err != nil {
			d.logger.Warn(ctx, "disconnecting memory backends", zap.Error(err))
		}
	}
	if d.auditStore != nil {
		if err := d.auditStore.Close(); err != nil {
			d.logger.Warn(ctx, "closing audit store", zap.Error(err))
		}
	}
	if d.publisher != nil {
		d.publisher.Close()
	}
}

func initEngine(ctx context.Context, cfg *config.Config, deps *dependencies, tel *telemetry.Telemetry, logger *logging.Logger) (*engine.Manager, error) {
	execMetrics, err := execution.NewMetrics(tel.Meter(meterName))
	if err != nil {
		return nil, fmt.Errorf("creating execution metrics: %w", err)
	}
	tree := execution.NewTree(execution.WithLogger(logger), execution.WithMetrics(execMetrics))

	router := pipeline.NewDefaultRouter(
		pipeline.WithStrict(cfg.Engine.StrictRouting),
		pipeline.WithLogger(logger),
	)

	stages := engine.NewStages(deps.generator, deps.gateway, deps.actions,
		engine.WithPublisherID(cfg.Memory.CommitAuthority),
		engine.WithContextResults(cfg.Engine.ContextResults),
		engine.WithStagesLogger(logger),
	)

	opts := []engine.RunnerOption{
		engine.WithRecorder(deps.recorder),
		engine.WithEvents(deps.publisher),
		engine.WithTree(tree),
		engine.WithPublisher(cfg.Memory.CommitAuthority),
		engine.WithStageTimeout(cfg.Engine.StageTimeout.Duration()),
		engine.WithChildFraction(cfg.Engine.ChildFraction),
		engine.WithLogger(logger),
	}
	if cfg.Escalation.Enabled {
		checkpoint, err := escalation.NewCheckpointFromConfig(cfg.Escalation, deps.coordinator,
			escalation.NewLLMScorer(deps.generator),
			escalation.WithCheckpointLogger(logger),
			escalation.WithCheckpointMetrics(deps.escMetrics),
		)
		if err != nil {
			return nil, fmt.Errorf("creating escalation checkpoint: %w", err)
		}
		opts = append(opts, engine.WithCheckpoint(checkpoint))
		logger.Info(ctx, "human escalation enabled",
			zap.Strings("stages", cfg.Escalation.Stages),
			zap.String("fallback", cfg.Escalation.Fallback),
		)
	}

	runner, err := engine.NewRunner(router, deps.gateway, stages.Handlers(), opts...)
	if err != nil {
		return nil, err
	}

	return engine.NewManager(runner,
		engine.WithLimits(engine.LimitsFromConfig(cfg.Budget)),
		engine.WithMaxIterations(cfg.Engine.MaxIterations),
		engine.WithMaxConcurrent(cfg.Engine.MaxConcurrentTasks),
		engine.WithResumeTimeout(cfg.Escalation.WaitTimeout.Duration()),
		engine.WithManagerLogger(logger),
	), nil
}
