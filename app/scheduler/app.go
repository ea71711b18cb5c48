package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/canopy-network/commercex/pkg/etlerr"
	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Trigger starts one pipeline run whose window ends at end.
type Trigger interface {
	Trigger(ctx context.Context, end time.Time) error
}

// TriggerFunc adapts a function to Trigger.
type TriggerFunc func(ctx context.Context, end time.Time) error

func (f TriggerFunc) Trigger(ctx context.Context, end time.Time) error { return f(ctx, end) }

// ReadyCheck reports whether a dependency is reachable.
type ReadyCheck func(ctx context.Context) error

// Status is the outcome of the most recent tick.
type Status struct {
	CronSpec  string    `json:"cronSpec"`
	LastTick  time.Time `json:"lastTick,omitempty"`
	LastError string    `json:"lastError,omitempty"`
	Skipped   bool      `json:"skipped,omitempty"`
	Triggered int64     `json:"triggered"`
}

// App fires the pipeline on CronSpec and serves health probes.
type App struct {
	// Cron is the scheduler that triggers runs at specified intervals, according to CronSpec.
	Cron     *cron.Cron
	CronSpec string

	Trigger Trigger
	Checks  []ReadyCheck
	Logger  *zap.Logger

	// Server is the HTTP server that serves the probes.
	Server *http.Server
	Addr   string

	now    func() time.Time
	mu     sync.Mutex
	status Status
}

// New builds the scheduler. Call SetupScheduler and SetupServer before Start.
func New(cronSpec, addr string, trigger Trigger, logger *zap.Logger, checks ...ReadyCheck) *App {
	return &App{
		CronSpec: cronSpec,
		Addr:     addr,
		Trigger:  trigger,
		Checks:   checks,
		Logger:   logger,
		now:      time.Now,
		status:   Status{CronSpec: cronSpec},
	}
}

// SetupServer sets up the HTTP server.
func (a *App) SetupServer() {
	a.Server = &http.Server{Addr: a.Addr, Handler: a.router(), ReadHeaderTimeout: 5 * time.Second}
}

func (a *App) router() *mux.Router {
	r := mux.NewRouter()

	r.Handle("/healthz", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })).Methods("GET")
	r.Handle("/readyz", http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if err := a.Ready(req.Context()); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})).Methods("GET")
	r.Handle("/status", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(a.Status())
	})).Methods("GET")

	return r
}

// SetupScheduler sets up the cron scheduler.
func (a *App) SetupScheduler(ctx context.Context, logger cron.Logger) error {
	// Seconds field, optional
	a.Cron = cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
		cron.WithLocation(time.UTC),
	)
	_, err := a.Cron.AddFunc(a.CronSpec, func() { a.Tick(ctx) })
	return err
}

// Tick triggers one run. A run still in progress is skipped, not an error.
func (a *App) Tick(ctx context.Context) {
	now := a.now().UTC()
	err := a.Trigger.Trigger(ctx, now)

	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.LastTick = now
	a.status.LastError = ""
	a.status.Skipped = false
	switch {
	case errors.Is(err, etlerr.ErrRunInProgress):
		a.status.Skipped = true
		a.Logger.Info("Previous run still in progress, skipping tick", zap.Time("tick", now))
	case err != nil:
		a.status.LastError = err.Error()
		a.Logger.Error("Pipeline trigger failed", zap.Time("tick", now), zap.Error(err))
	default:
		a.status.Triggered++
		a.Logger.Info("Pipeline triggered", zap.Time("tick", now))
	}
}

// Status returns the outcome of the latest tick.
func (a *App) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Ready runs every readiness check.
func (a *App) Ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	for _, check := range a.Checks {
		if err := check(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Start serves the probes and runs the cron until ctx is canceled.
func (a *App) Start(ctx context.Context) {
	go func() {
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error("Probe server stopped", zap.Error(err))
		}
	}()
	a.Cron.Start()
	a.Logger.Info("Scheduler started", zap.String("cronSpec", a.CronSpec), zap.String("addr", a.Addr))

	<-ctx.Done()
	_ = a.Server.Close()
	a.Logger.Info("Scheduler shutting down")
	// waits for a tick in flight
	<-a.Cron.Stop().Done()
	a.Logger.Info("Scheduler stopped")
}
