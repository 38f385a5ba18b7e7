package publisher

import (
	"context"
	"time"

	"github.com/janitor-project/janitor/internal/store"
)

// considerPublishRun is the publish decision function of spec.md §4.4: given
// a run and the branch role being considered, it returns either an accepted
// Decision or the full list of blockers, evaluated in the spec's order with
// short-circuit at the first failing check except where the spec calls for
// accumulating every applicable blocker (it does not; each step halts).
func (p *Publisher) considerPublishRun(ctx context.Context, run store.Run, branch store.ResultBranch) (*Decision, []Blocker, error) {
	// 1. Revision present.
	if run.Revision == "" {
		return nil, []Blocker{blocker(BlockerMissingRevision, nil)}, nil
	}

	// 2. Command unchanged.
	candidate, err := p.store.GetCandidate(ctx, run.Codebase, run.Campaign, run.ChangeSet)
	if err != nil && !store.IsNotFound(err) {
		return nil, nil, err
	}
	if err == nil && candidate.Command != "" && candidate.Command != run.Command {
		return nil, []Blocker{blocker(BlockerCommand, map[string]any{"actual": run.Command, "correct": candidate.Command})}, nil
	}

	// 3. Success chain.
	if run.ResultCode != store.ResultSuccess {
		return nil, []Blocker{blocker(BlockerNotSuccess, map[string]any{"result_code": run.ResultCode})}, nil
	}

	// 4. Publish status.
	switch run.PublishStatus {
	case store.PublishStatusApproved:
		// permitted
	case store.PublishStatusNeedsManualReview, store.PublishStatusRejected, store.PublishStatusBlocked, store.PublishStatusUnknown:
		return nil, []Blocker{blocker(BlockerPublishStatus, map[string]any{"status": run.PublishStatus})}, nil
	}

	policyName := candidate.PublishPolicy
	if policyName == "" {
		policyName = run.Campaign
	}
	policy, err := p.store.GetPolicy(ctx, policyName)
	if err != nil {
		return nil, nil, err
	}

	mode := policy.Mode

	// 5. Push count cap.
	if (mode == store.ModePush || mode == store.ModePushDerived) && !p.pushLimiter.Allow() {
		return nil, []Blocker{blocker(BlockerPushCap, nil)}, nil
	}

	// 6. Backoff.
	attemptCount, lastFinish, err := p.store.PriorPublishAttempts(ctx, run.Codebase, run.Campaign, branch.Role)
	if err != nil {
		return nil, nil, err
	}
	if attemptCount > 0 {
		nextTry := p.backoffPolicy.NextTryTime(lastFinish, attemptCount)
		if time.Now().Before(nextTry) {
			return nil, []Blocker{blocker(BlockerBackoff, nextTryTimeDetails(nextTry))}, nil
		}
	}

	// 7. Propose rate limit.
	if mode == store.ModePropose {
		open, err := p.store.OpenMergeProposalCount(ctx, policy.RateLimitBucket)
		if err != nil {
			return nil, nil, err
		}
		if policy.MaxOpen > 0 && open >= policy.MaxOpen {
			return nil, []Blocker{blocker(BlockerProposeRateLimit, map[string]any{
				"bucket": policy.RateLimitBucket, "open": open, "max_open": policy.MaxOpen,
			})}, nil
		}
	}

	// 8. Forge rate limit / branch busy.
	if p.forgeBusy != nil {
		if busy, retryAfter := p.forgeBusy(run.Codebase); busy {
			return nil, []Blocker{blocker(BlockerForgeBusy, map[string]any{"retry_after": retryAfter})}, nil
		}
	}

	// 9. Change-set state.
	if run.ChangeSet != "" {
		state, err := p.store.ChangeSetState(ctx, run.ChangeSet)
		if err != nil {
			return nil, nil, err
		}
		if state != store.ChangeSetWorking && state != store.ChangeSetReady {
			return nil, []Blocker{blocker(BlockerChangeSetState, map[string]any{"state": state})}, nil
		}
	}

	// 10. Previous MP rejection.
	rejected, err := p.store.PreviousMPRejected(ctx, run.Codebase, run.Campaign, branch.Role)
	if err != nil {
		return nil, nil, err
	}
	if rejected {
		return nil, []Blocker{blocker(BlockerPreviousMP, nil)}, nil
	}

	return &Decision{
		RunID: run.LogID, Codebase: run.Codebase, Campaign: run.Campaign,
		Role: branch.Role, Mode: string(mode), Revision: branch.Revision,
	}, nil, nil
}
