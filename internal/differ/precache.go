package differ

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/metrics"
	"github.com/janitor-project/janitor/internal/store"
)

// baselineLookup resolves the run to diff a freshly finished run against,
// satisfied by *store.Store.
type baselineLookup interface {
	BaselineRun(ctx context.Context, codebase, campaign string) (logID string, ok bool, err error)
}

// PrecacheConfig bounds the precache pipeline.
type PrecacheConfig struct {
	SubscriberID string // identifies this precacher's outbox cursor
	PollInterval time.Duration
	Concurrency  int // max diffs computed at once
}

// DefaultPrecacheConfig returns production defaults.
func DefaultPrecacheConfig() PrecacheConfig {
	return PrecacheConfig{SubscriberID: "differ-precache", PollInterval: 5 * time.Second, Concurrency: 4}
}

// Precacher subscribes to runner.run-finished and warms the diff cache for
// every successful run against its baseline, per spec.md §4.5: "on a
// successful run, selects matching baseline runs (typically the latest
// successful control/unchanged run for the same codebase) and enqueues a
// precache for both (debdiff, diffoscope)".
type Precacher struct {
	cfg      PrecacheConfig
	differ   *Differ
	baseline baselineLookup
	bus      *eventbus.Bus
	sem      chan struct{}
	logger   *zap.Logger
}

// NewPrecacher wires a Precacher. baseline is typically a *store.Store.
func NewPrecacher(d *Differ, baseline baselineLookup, bus *eventbus.Bus, cfg PrecacheConfig, logger *zap.Logger) *Precacher {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Precacher{
		cfg:      cfg,
		differ:   d,
		baseline: baseline,
		bus:      bus,
		sem:      make(chan struct{}, cfg.Concurrency),
		logger:   logger.Named("differ.precache"),
	}
}

// Run polls the outbox for runner.run-finished events until ctx is
// canceled. Failures are logged, not retried indefinitely: a precache is
// an optimization, never a correctness requirement, so a run whose
// baseline diff fails to precache is simply computed on first request
// instead.
func (p *Precacher) Run(ctx context.Context, poller *eventbus.Poller) {
	poller.Run(ctx, p.cfg.SubscriberID, eventbus.TopicRunFinished, p.cfg.PollInterval, func(evt eventbus.OutboxEvent) error {
		p.handle(ctx, evt)
		return nil
	})
}

func (p *Precacher) handle(ctx context.Context, evt eventbus.OutboxEvent) {
	runID, _ := evt.Payload["run_id"].(string)
	codebase, _ := evt.Payload["codebase"].(string)
	campaign, _ := evt.Payload["campaign"].(string)
	resultCode, _ := evt.Payload["result_code"].(string)
	if runID == "" || codebase == "" {
		return
	}
	if store.ResultCode(resultCode) != store.ResultSuccess {
		return
	}

	baselineID, ok, err := p.baseline.BaselineRun(ctx, codebase, campaign)
	if err != nil {
		p.logger.Warn("baseline lookup failed", zap.String("run_id", runID), zap.Error(err))
		return
	}
	if !ok || baselineID == runID {
		return
	}

	for _, kind := range []Kind{KindDebdiff, KindDiffoscope} {
		p.enqueue(ctx, Request{Kind: kind, OldRunID: baselineID, NewRunID: runID, FilterBoring: true})
	}
}

func (p *Precacher) enqueue(ctx context.Context, req Request) {
	p.sem <- struct{}{}
	go func() {
		defer func() { <-p.sem }()
		if _, err := p.differ.Compute(ctx, req); err != nil {
			metrics.RecordPrecache(string(req.Kind), false)
			p.logger.Warn("precache failed",
				zap.String("kind", string(req.Kind)),
				zap.String("old_run_id", req.OldRunID),
				zap.String("new_run_id", req.NewRunID),
				zap.Error(err))
			return
		}
		metrics.RecordPrecache(string(req.Kind), true)
		p.bus.Publish(eventbus.Event{
			Topic: eventbus.TopicPrecacheDone,
			Payload: map[string]any{
				"kind": string(req.Kind), "old_run_id": req.OldRunID, "new_run_id": req.NewRunID,
			},
		})
	}()
}
