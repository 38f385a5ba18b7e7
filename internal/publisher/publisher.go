// Package publisher implements C4: turning successful runs into pushed
// commits or merge proposals, with idempotent per-target serialization,
// backoff, rate limiting, and merge-proposal lifecycle tracking
// (spec.md §4.4).
package publisher

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/backoff"
	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/metrics"
	"github.com/janitor-project/janitor/internal/store"
	"github.com/janitor-project/janitor/internal/telemetry"
	"github.com/janitor-project/janitor/internal/vcspublish"
)

// Config configures the publisher's periodic sweeps.
type Config struct {
	MaxPublishesPerTick int
	StaleScanThreshold  time.Duration
}

// DefaultConfig returns the publisher's production defaults.
func DefaultConfig() Config {
	return Config{MaxPublishesPerTick: 20, StaleScanThreshold: 6 * time.Hour}
}

// Publisher owns the publish decision function, the VCS publish
// collaborator, and the MP lifecycle sweeps.
type Publisher struct {
	cfg           Config
	store         *store.Store
	bus           *eventbus.Bus
	vcs           vcspublish.Publisher
	pushLimiter   *PushLimiter
	backoffPolicy backoff.Policy
	logger        *zap.Logger

	// forgeBusy optionally reports whether the target forge currently
	// signals rate-limited or branch-busy (step 8 of consider_publish_run).
	// Nil means never busy.
	forgeBusy func(codebase string) (busy bool, retryAfter time.Duration)

	// bucketCursor round-robins process_queue_loop fairness across
	// rate-limit buckets.
	bucketCursor int

	forge ForgeClient
}

// New constructs a Publisher.
func New(st *store.Store, bus *eventbus.Bus, vcs vcspublish.Publisher, cfg Config, logger *zap.Logger) *Publisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{
		cfg: cfg, store: st, bus: bus, vcs: vcs,
		pushLimiter:   NewPushLimiter(DefaultPushLimitConfig()),
		backoffPolicy: backoff.PublishBackoff,
		logger:        logger.Named("publisher"),
	}
}

// SetForgeBusyHook installs the optional forge rate-limit/branch-busy check.
func (p *Publisher) SetForgeBusyHook(fn func(codebase string) (bool, time.Duration)) {
	p.forgeBusy = fn
}

// GetBlockers evaluates every branch of run logID through
// considerPublishRun and returns the blockers encountered, for the
// admin "get blockers" UI operation.
func (p *Publisher) GetBlockers(ctx context.Context, logID string) (map[string][]Blocker, error) {
	run, err := p.store.GetRun(ctx, logID)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]Blocker, len(run.Branches))
	for _, b := range run.Branches {
		if b.Absorbed {
			continue
		}
		_, blockers, err := p.considerPublishRun(ctx, run, b)
		if err != nil {
			return nil, err
		}
		for _, blk := range blockers {
			metrics.RecordBlocker(blk.Key)
		}
		out[b.Role] = blockers
	}
	return out, nil
}

// Consider is the manual-trigger "consider" admin operation: evaluate run
// logID's branches and, if any are accepted, publish them.
func (p *Publisher) Consider(ctx context.Context, logID string) ([]Decision, map[string][]Blocker, error) {
	run, err := p.store.GetRun(ctx, logID)
	if err != nil {
		return nil, nil, err
	}
	var accepted []Decision
	blockedBy := make(map[string][]Blocker)
	for _, b := range run.Branches {
		if b.Absorbed {
			continue
		}
		decision, blockers, err := p.considerPublishRun(ctx, run, b)
		if err != nil {
			return nil, nil, err
		}
		if decision != nil {
			if err := p.execute(ctx, run, b, *decision); err != nil {
				return nil, nil, err
			}
			accepted = append(accepted, *decision)
		} else {
			blockedBy[b.Role] = blockers
		}
	}
	return accepted, blockedBy, nil
}

// Publish is the manual "publish" admin operation: force a publish attempt
// for (codebase, campaign), optionally overriding the policy mode.
func (p *Publisher) Publish(ctx context.Context, codebase, campaign string, modeOverride string) error {
	last, err := p.store.LastRun(ctx, codebase, campaign)
	if err != nil {
		return err
	}
	if last.LastUnabsorbedRunID == "" {
		return fmt.Errorf("publisher: nothing unabsorbed to publish for %s/%s", codebase, campaign)
	}
	run, err := p.store.GetRun(ctx, last.LastUnabsorbedRunID)
	if err != nil {
		return err
	}
	for _, b := range run.Branches {
		if b.Absorbed {
			continue
		}
		decision, blockers, err := p.considerPublishRun(ctx, run, b)
		if err != nil {
			return err
		}
		if decision == nil {
			return fmt.Errorf("publisher: blocked: %+v", blockers)
		}
		if modeOverride != "" {
			decision.Mode = modeOverride
		}
		if err := p.execute(ctx, run, b, *decision); err != nil {
			return err
		}
	}
	return nil
}

// execute performs the accepted publish under the per-(codebase,campaign)
// advisory lock, invokes the VCS collaborator, and records the outcome.
func (p *Publisher) execute(ctx context.Context, run store.Run, branch store.ResultBranch, decision Decision) error {
	ctx, span := telemetry.StartPublishSpan(ctx, run.Codebase, run.Campaign, branch.Role, decision.Mode)
	var spanErrorCode, spanProposalURL string
	defer func() { telemetry.EndPublishSpan(span, spanErrorCode, spanProposalURL) }()

	return p.store.WithPublishLock(ctx, run.Codebase, run.Campaign, func(ctx context.Context, tx pgx.Tx) error {
		req := vcspublish.Request{
			Mode: decision.Mode, Codebase: run.Codebase, Campaign: run.Campaign, Role: branch.Role,
			SourceBranchURL: branch.RemoteName, Revision: branch.Revision,
			CommitMessage: run.Command, Title: fmt.Sprintf("%s: %s", run.Campaign, run.Command),
		}
		result, pubErr := p.vcs.PublishOne(ctx, req)

		pa := store.PublishAttempt{
			Timestamp: time.Now(), ChangeSet: run.ChangeSet, Codebase: run.Codebase,
			Campaign: run.Campaign, Role: branch.Role, SourceBranchURL: branch.RemoteName,
			Revision: branch.Revision, Mode: store.PublishMode(decision.Mode),
		}
		if pubErr != nil {
			pa.ResultCode = errorCode(pubErr)
			pa.Description = pubErr.Error()
			spanErrorCode = pa.ResultCode
			metrics.RecordPublishAttempt(decision.Mode, pa.ResultCode)
			if _, err := p.store.InsertPublishAttempt(ctx, tx, pa); err != nil {
				return err
			}
			return pubErr
		}

		pa.ResultCode = "success"
		pa.MergeProposalURL = result.ProposalURL
		spanProposalURL = result.ProposalURL
		metrics.RecordPublishAttempt(decision.Mode, pa.ResultCode)
		if _, err := p.store.InsertPublishAttempt(ctx, tx, pa); err != nil {
			return err
		}

		switch decision.Mode {
		case string(store.ModePush), string(store.ModePushDerived):
			p.pushLimiter.RecordPush()
			if err := p.store.MarkBranchAbsorbed(ctx, tx, run.LogID, branch.Role); err != nil {
				return err
			}
		case string(store.ModePropose):
			mp := store.MergeProposal{
				URL: result.ProposalURL, Codebase: run.Codebase, TargetBranchURL: req.TargetBranchURL,
				Status: store.MPOpen, Revision: branch.Revision, LastScanned: time.Now(),
			}
			if err := p.store.UpsertMergeProposal(ctx, tx, mp); err != nil {
				return err
			}
			p.publishMergeProposalUpdated(mp)
		}
		return nil
	})
}

func errorCode(err error) string {
	if pubErr, ok := err.(*vcspublish.PublishError); ok {
		return pubErr.Code
	}
	return vcspublish.ErrUnexpectedHTTPStatus
}

func (p *Publisher) publishMergeProposalUpdated(mp store.MergeProposal) {
	p.bus.Publish(eventbus.Event{
		Topic: eventbus.TopicMergeProposalUpdated,
		Payload: map[string]any{
			"url": mp.URL, "codebase": mp.Codebase, "status": string(mp.Status),
		},
	})
}

// Autopublish is the periodic sweep admin operation: walk publish_ready and
// attempt to publish anything eligible, returning the count published.
func (p *Publisher) Autopublish(ctx context.Context) (int, error) {
	return p.processQueue(ctx)
}

// ProcessQueueLoop runs Autopublish on interval until ctx is cancelled.
func (p *Publisher) ProcessQueueLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := p.processQueue(ctx); err != nil {
				p.logger.Warn("process queue tick failed", zap.Error(err))
			} else if n > 0 {
				p.logger.Info("process queue tick", zap.Int("published", n))
			}
		}
	}
}

// processQueue implements process_queue_loop: walks publish_ready
// round-robined by rate_limit_bucket, bounded to cfg.MaxPublishesPerTick.
func (p *Publisher) processQueue(ctx context.Context) (int, error) {
	rows, err := p.store.PublishReady(ctx)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}

	buckets := make(map[string][]store.PublishReadyRow)
	var bucketOrder []string
	for _, r := range rows {
		if _, ok := buckets[r.RateLimitBucket]; !ok {
			bucketOrder = append(bucketOrder, r.RateLimitBucket)
		}
		buckets[r.RateLimitBucket] = append(buckets[r.RateLimitBucket], r)
	}

	published := 0
	for i := 0; i < len(bucketOrder) && published < p.cfg.MaxPublishesPerTick; i++ {
		bucket := bucketOrder[(p.bucketCursor+i)%len(bucketOrder)]
		items := buckets[bucket]
		if len(items) == 0 {
			continue
		}
		row := items[0]
		buckets[bucket] = items[1:]

		n, err := p.considerAndPublish(ctx, row.RunID)
		if err != nil {
			p.logger.Warn("autopublish failed", zap.String("run_id", row.RunID), zap.Error(err))
			continue
		}
		published += n
	}
	p.bucketCursor = (p.bucketCursor + 1) % max(len(bucketOrder), 1)
	return published, nil
}

func (p *Publisher) considerAndPublish(ctx context.Context, runID string) (int, error) {
	accepted, _, err := p.Consider(ctx, runID)
	if err != nil {
		return 0, err
	}
	return len(accepted), nil
}
