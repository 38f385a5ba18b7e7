// Package runner implements C3: the work queue view, worker assignment
// leases, liveness supervision, and result ingestion. It is the runner
// component of the Janitor control plane (spec.md §4.3).
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/store"
	"github.com/janitor-project/janitor/internal/telemetry"
)

// Config configures the runner's liveness and assignment behavior.
type Config struct {
	// KeepaliveTimeout is how long without a heartbeat before a run is
	// flagged MIA. Default is 10x the worker's declared ping interval.
	KeepaliveTimeout time.Duration
	// WatchdogSweepInterval is how often the watchdog scans for timed-out
	// or MIA active runs.
	WatchdogSweepInterval time.Duration
	// TimeoutGrace is the grace period added to 2x estimated_duration
	// before a run is aborted outright.
	TimeoutGrace time.Duration
	// MIASweepsBeforeAbort is how many consecutive MIA sweeps are
	// tolerated before the run is aborted even inside its duration budget.
	MIASweepsBeforeAbort int
}

// DefaultConfig returns the runner's production defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTimeout:      10 * time.Minute,
		WatchdogSweepInterval: 30 * time.Second,
		TimeoutGrace:          5 * time.Minute,
		MIASweepsBeforeAbort:  3,
	}
}

// Runner owns the pending queue, assignments, liveness, and result
// ingestion for the Janitor control plane.
type Runner struct {
	cfg      Config
	store    *store.Store
	bus      *eventbus.Bus
	limiter  *HostLimiter
	logger   *zap.Logger
	observer LifecycleObserver

	mu        sync.Mutex
	miaCounts map[string]int // log_id -> consecutive MIA sweep count
	wg        sync.WaitGroup
	cancel    context.CancelFunc
}

// New constructs a Runner.
func New(st *store.Store, bus *eventbus.Bus, cfg Config, logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		cfg:       cfg,
		store:     st,
		bus:       bus,
		limiter:   NewHostLimiter(DefaultHostLimitConfig()),
		logger:    logger.Named("runner"),
		observer:  noopLifecycleObserver{},
		miaCounts: make(map[string]int),
	}
}

// SetLifecycleObserver installs an observer for run lifecycle events,
// replacing the no-op default.
func (r *Runner) SetLifecycleObserver(obs LifecycleObserver) {
	if obs == nil {
		obs = noopLifecycleObserver{}
	}
	r.observer = obs
}

// Start launches the watchdog sweep as a background goroutine.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.watchdogLoop(ctx)
	}()
}

// Stop cancels the watchdog and waits for it to exit.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
}

// AssignmentEnvelope is the response of Assign/Peek, per spec.md §6.1.
type AssignmentEnvelope struct {
	LogID                    string `json:"id"`
	Codebase                 string `json:"codebase"`
	Campaign                 string `json:"campaign"`
	Command                  string `json:"command"`
	QueueID                  int64  `json:"queue_id"`
	EstimatedDurationSeconds int64  `json:"estimated_duration_seconds"`
	MainBranchRevision       string `json:"main_branch_revision,omitempty"`
	ResumeFromBranch         string `json:"resume_from_branch,omitempty"`
	ResumeFromRevision       string `json:"resume_from_revision,omitempty"`
}

// ErrEmptyQueue is returned by Assign/Peek when no eligible item exists.
var ErrEmptyQueue = fmt.Errorf("runner: empty-queue")

// Assign leases the highest-priority eligible queue item to worker,
// excluding items the worker cannot serve per filters (campaign/codebase).
// The host limiter is keyed by the worker name: a worker in cooldown gets
// ErrEmptyQueue. Queue items are not filtered by their own host. Implements the
// assignment algorithm of spec.md §4.3: select, transactionally delete +
// insert active-run with a freshly minted log_id, retry on commit race.
func (r *Runner) Assign(ctx context.Context, worker string, filters store.AssignFilters) (*AssignmentEnvelope, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "runner.assign")
	defer span.End()

	if !r.limiter.Eligible(worker) {
		return nil, ErrEmptyQueue
	}

	const maxRetries = 5
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		logID := uuid.NewString()
		run, err := r.store.Assign(ctx, worker, nil, logID, filters, nil)
		if err != nil {
			if store.IsConflict(err) {
				lastErr = err
				continue // another assigner raced us; retry next eligible item
			}
			if store.IsNotFound(err) {
				return nil, ErrEmptyQueue
			}
			return nil, err
		}

		r.observer.ObserveRunLifecycleEvent(LifecycleEvent{
			Type: EventAssigned, Timestamp: time.Now().UTC(), LogID: run.LogID,
			Codebase: run.Codebase, Campaign: run.Campaign, Worker: worker,
		})
		span.SetAttributes(
			attribute.String("janitor.codebase", run.Codebase),
			attribute.String("janitor.campaign", run.Campaign),
		)

		return &AssignmentEnvelope{
			LogID: run.LogID, Codebase: run.Codebase, Campaign: run.Campaign, Command: run.Command,
			QueueID: run.QueueID, EstimatedDurationSeconds: int64(run.EstimatedDuration / time.Second),
			MainBranchRevision: run.MainBranchRevision,
			ResumeFromBranch:   run.ResumeFromBranch, ResumeFromRevision: run.ResumeFromRevision,
		}, nil
	}
	return nil, lastErr
}

// Peek returns the next eligible assignment without leasing it, subject to
// the same campaign/codebase filters as Assign (spec.md §4.3: "same" input).
func (r *Runner) Peek(ctx context.Context, filters store.AssignFilters) (*AssignmentEnvelope, error) {
	positions, err := r.store.QueuePositions(ctx)
	if err != nil {
		return nil, err
	}
	for _, item := range positions {
		if filters.Campaign != "" && item.Campaign != filters.Campaign {
			continue
		}
		if filters.Codebase != "" && item.Codebase != filters.Codebase {
			continue
		}
		return &AssignmentEnvelope{
			Codebase: item.Codebase, Campaign: item.Campaign, Command: item.Command,
			QueueID: item.ID, EstimatedDurationSeconds: int64(item.EstimatedDuration / time.Second),
		}, nil
	}
	return nil, ErrEmptyQueue
}

// Heartbeat records a worker's liveness ping for an active run, resetting
// its MIA counter.
func (r *Runner) Heartbeat(ctx context.Context, logID string) error {
	if err := r.store.Heartbeat(ctx, logID); err != nil {
		return err
	}
	r.mu.Lock()
	delete(r.miaCounts, logID)
	r.mu.Unlock()
	r.observer.ObserveRunLifecycleEvent(LifecycleEvent{Type: EventHeartbeat, Timestamp: time.Now().UTC(), LogID: logID})
	return nil
}

// Schedule inserts a manually-requested queue item (the "schedule"/
// "schedule-control" admin operation).
func (r *Runner) Schedule(ctx context.Context, item store.QueueItem) (int64, error) {
	return r.store.Schedule(ctx, item)
}

// GetActiveRuns lists currently-leased runs.
func (r *Runner) GetActiveRuns(ctx context.Context) ([]store.ActiveRun, error) {
	return r.store.ListActiveRuns(ctx)
}

// Kill aborts a run on operator request (result_code "killed"): the run row
// is recorded and the active-run lease deleted at once. The worker's
// backchannel is not contacted.
func (r *Runner) Kill(ctx context.Context, logID string) error {
	aborted, err := r.store.AbortRun(ctx, logID, store.ResultKilled)
	if err != nil {
		return err
	}
	if !aborted {
		return store.ErrConflict // unknown-run
	}
	r.observer.ObserveRunLifecycleEvent(LifecycleEvent{Type: EventKilled, Timestamp: time.Now().UTC(), LogID: logID})
	r.publishRunFinished(logID, "", "", string(store.ResultKilled))
	return nil
}

func (r *Runner) publishRunFinished(logID, codebase, campaign, resultCode string) {
	r.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicRunFinished,
		Payload: map[string]any{
			"run_id": logID, "codebase": codebase, "campaign": campaign, "result_code": resultCode,
		},
	})
}
