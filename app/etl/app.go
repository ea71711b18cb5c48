package etl

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/commercex/app/etl/activity"
	"github.com/canopy-network/commercex/app/etl/workflow"
	"github.com/canopy-network/commercex/pkg/config"
	"github.com/canopy-network/commercex/pkg/pipeline"
	"github.com/canopy-network/commercex/pkg/source"
	"github.com/canopy-network/commercex/pkg/temporal"
	"go.temporal.io/sdk/worker"
	temporalworkflow "go.temporal.io/sdk/workflow"
	"go.uber.org/zap"
)

// App is the pipeline worker: it runs PipelineWorkflow and its activities.
type App struct {
	Worker         worker.Worker
	TemporalClient *temporal.Client
	Orchestrator   *pipeline.Orchestrator
	Stores         *Stores
	Logger         *zap.Logger
}

// NewOrchestrator wires an orchestrator over stores reading the configured source directory.
func NewOrchestrator(cfg config.Config, stores *Stores, logger *zap.Logger) *pipeline.Orchestrator {
	var opts []pipeline.Option
	if stores.Notifier != nil {
		opts = append(opts, pipeline.WithNotifier(stores.Notifier))
	}
	return pipeline.New(stores.Warehouse, stores.Audit, source.NewDir(cfg.SourceDir, logger), cfg, logger, opts...)
}

// Start starts the worker and blocks until the context is canceled.
func (a *App) Start(ctx context.Context) error {
	if err := a.Worker.Start(); err != nil {
		return fmt.Errorf("start worker: %w", err)
	}
	a.Logger.Info("Pipeline worker started", zap.String("queue", a.TemporalClient.PipelineQueue))
	<-ctx.Done()
	a.Stop()
	return nil
}

// Stop stops the worker and releases the stores.
func (a *App) Stop() {
	a.Worker.Stop()
	a.Orchestrator.Close()
	if err := a.Stores.Close(); err != nil {
		a.Logger.Warn("Closing stores failed", zap.Error(err))
	}
	a.TemporalClient.Close()
	time.Sleep(200 * time.Millisecond)
	a.Logger.Info("Pipeline worker stopped")
}

// Initialize connects the stores and Temporal and registers the pipeline workflow.
func Initialize(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	stores, err := OpenStores(ctx, cfg, logger, "etl")
	if err != nil {
		return nil, err
	}

	temporalClient, err := temporal.NewClient(ctx, logger)
	if err != nil {
		_ = stores.Close()
		return nil, fmt.Errorf("connect temporal: %w", err)
	}

	orchestrator := NewOrchestrator(cfg, stores, logger)
	activityContext := &activity.Context{
		Logger:       logger,
		Orchestrator: orchestrator,
	}
	workflowContext := workflow.Context{
		ActivityContext: activityContext,
		Config:          workflow.DefaultConfig(),
	}

	// one run at a time, so a single slot each is enough
	wkr := worker.New(
		temporalClient.TClient,
		temporalClient.PipelineQueue,
		worker.Options{
			MaxConcurrentWorkflowTaskPollers:       2,
			MaxConcurrentActivityTaskPollers:       2,
			MaxConcurrentActivityExecutionSize:     2,
			MaxConcurrentWorkflowTaskExecutionSize: 2,
			WorkerStopTimeout:                      1 * time.Minute,
		},
	)

	wkr.RegisterWorkflowWithOptions(
		workflowContext.PipelineWorkflow,
		temporalworkflow.RegisterOptions{Name: workflow.PipelineWorkflowName},
	)
	wkr.RegisterActivity(activityContext.ResolveWindow)
	wkr.RegisterActivity(activityContext.BeginRun)
	wkr.RegisterActivity(activityContext.RunStage)
	wkr.RegisterActivity(activityContext.RecordRun)

	return &App{
		Worker:         wkr,
		TemporalClient: temporalClient,
		Orchestrator:   orchestrator,
		Stores:         stores,
		Logger:         logger,
	}, nil
}
