package runner

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/metrics"
	"github.com/janitor-project/janitor/internal/store"
)

// watchdogLoop sweeps active runs on cfg.WatchdogSweepInterval, flagging
// stale heartbeats as MIA and aborting runs that have either exceeded
// their duration budget or stayed MIA too many consecutive sweeps.
// Implements spec.md §4.3's liveness supervision.
func (r *Runner) watchdogLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.WatchdogSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Runner) sweep(ctx context.Context) {
	active, err := r.store.ListActiveRuns(ctx)
	if err != nil {
		r.logger.Warn("watchdog: list active runs failed", zap.Error(err))
		return
	}

	metrics.ActiveRuns.Set(float64(len(active)))

	live := make(map[string]bool, len(active))
	now := time.Now()

	for _, run := range active {
		live[run.LogID] = true

		overBudget := run.EstimatedDuration > 0 &&
			now.Sub(run.StartTime) > 2*run.EstimatedDuration+r.cfg.TimeoutGrace

		mia := now.Sub(run.LastHeartbeat) > r.cfg.KeepaliveTimeout

		r.mu.Lock()
		if mia {
			r.miaCounts[run.LogID]++
		} else {
			delete(r.miaCounts, run.LogID)
		}
		sweeps := r.miaCounts[run.LogID]
		r.mu.Unlock()

		if overBudget || sweeps >= r.cfg.MIASweepsBeforeAbort {
			r.abort(ctx, run)
		}
	}

	// Drop MIA counters for runs that are no longer active (finished,
	// killed, or already reaped by a concurrent sweep).
	r.mu.Lock()
	for logID := range r.miaCounts {
		if !live[logID] {
			delete(r.miaCounts, logID)
		}
	}
	r.mu.Unlock()
}

func (r *Runner) abort(ctx context.Context, run store.ActiveRun) {
	aborted, err := r.store.AbortRun(ctx, run.LogID, store.ResultWorkerTimeout)
	if err != nil {
		r.logger.Warn("watchdog: abort failed", zap.Error(err))
		return
	}
	if !aborted {
		return // already reaped by another sweep or finished concurrently
	}

	r.mu.Lock()
	delete(r.miaCounts, run.LogID)
	r.mu.Unlock()

	r.limiter.RecordResult(run.Worker, false)
	r.observer.ObserveRunLifecycleEvent(LifecycleEvent{
		Type: EventTimedOut, Timestamp: time.Now().UTC(), LogID: run.LogID,
		Codebase: run.Codebase, Campaign: run.Campaign, Worker: run.Worker,
	})
	metrics.RecordRunComplete(run.Codebase, run.Campaign, string(store.ResultWorkerTimeout), time.Since(run.StartTime))
	r.publishRunFinished(run.LogID, run.Codebase, run.Campaign, string(store.ResultWorkerTimeout))
}
