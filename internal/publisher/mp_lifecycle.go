package publisher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/metrics"
	"github.com/janitor-project/janitor/internal/store"
)

// ForgeProposalState is what a scan fetches from the forge for one MP.
type ForgeProposalState struct {
	Status   store.MergeProposalStatus
	MergedBy string
}

// ForgeClient is the consumed collaborator for MP status lookups and
// lifecycle actions (comment + close), separate from vcspublish.Publisher
// which only covers the initial publish_one call.
type ForgeClient interface {
	FetchProposalState(ctx context.Context, url string) (ForgeProposalState, error)
	PostComment(ctx context.Context, url, comment string) error
	CloseProposal(ctx context.Context, url string) error
}

// SetForgeClient installs the forge collaborator used by Scan,
// CheckStragglers, AbandonMP and CloseAppliedMP.
func (p *Publisher) SetForgeClient(fc ForgeClient) { p.forge = fc }

// Scan is the periodic "scan" admin operation: refresh every known open MP
// against the forge, returning how many were refreshed.
func (p *Publisher) Scan(ctx context.Context) (int, error) {
	mps, err := p.store.AllOpenMergeProposals(ctx)
	if err != nil {
		return 0, err
	}
	return p.rescan(ctx, mps)
}

// CheckStragglers rescans MPs whose last_scanned predates cfg.StaleScanThreshold.
func (p *Publisher) CheckStragglers(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-p.cfg.StaleScanThreshold)
	mps, err := p.store.StaleMergeProposals(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	return p.rescan(ctx, mps)
}

func (p *Publisher) rescan(ctx context.Context, mps []store.MergeProposal) (int, error) {
	if p.forge == nil {
		return 0, nil
	}
	checked := 0
	for _, mp := range mps {
		state, err := p.forge.FetchProposalState(ctx, mp.URL)
		if err != nil {
			p.logger.Warn("scan: fetch proposal state failed", zap.String("url", mp.URL), zap.Error(err))
			continue
		}
		mergedBy := ""
		if state.Status == store.MPMerged {
			mergedBy = state.MergedBy
		}
		if err := p.store.UpdateMergeProposalStatus(ctx, mp.URL, state.Status, mergedBy); err != nil {
			p.logger.Warn("scan: update proposal status failed", zap.String("url", mp.URL), zap.Error(err))
			continue
		}
		if state.Status != mp.Status {
			metrics.MergeProposalsByStatus.WithLabelValues(string(mp.Status)).Dec()
			metrics.MergeProposalsByStatus.WithLabelValues(string(state.Status)).Inc()
			p.publishMergeProposalUpdated(store.MergeProposal{URL: mp.URL, Codebase: mp.Codebase, Status: state.Status})
		}
		checked++
	}
	return checked, nil
}

// AbandonMP posts a comment, closes the MP on the forge, and marks it
// abandoned.
func (p *Publisher) AbandonMP(ctx context.Context, url, reason string) error {
	if p.forge != nil {
		if err := p.forge.PostComment(ctx, url, reason); err != nil {
			return err
		}
		if err := p.forge.CloseProposal(ctx, url); err != nil {
			return err
		}
	}
	if err := p.store.UpdateMergeProposalStatus(ctx, url, store.MPAbandoned, ""); err != nil {
		return err
	}
	p.publishMergeProposalUpdated(store.MergeProposal{URL: url, Status: store.MPAbandoned})
	return nil
}

// CloseAppliedMP posts a comment indicating the change landed via other
// means, closes the MP on the forge, and marks it applied.
func (p *Publisher) CloseAppliedMP(ctx context.Context, url string) error {
	const comment = "This change was applied through another channel."
	if p.forge != nil {
		if err := p.forge.PostComment(ctx, url, comment); err != nil {
			return err
		}
		if err := p.forge.CloseProposal(ctx, url); err != nil {
			return err
		}
	}
	if err := p.store.UpdateMergeProposalStatus(ctx, url, store.MPApplied, ""); err != nil {
		return err
	}
	p.publishMergeProposalUpdated(store.MergeProposal{URL: url, Status: store.MPApplied})
	return nil
}

// GetMergeProposals lists MPs for a campaign, for the admin read operation.
func (p *Publisher) GetMergeProposals(ctx context.Context, campaign string) ([]store.MergeProposal, error) {
	return p.store.MergeProposalsByCampaign(ctx, campaign)
}

// UpdateMergeProposal is the admin override operation.
func (p *Publisher) UpdateMergeProposal(ctx context.Context, url string, status store.MergeProposalStatus) error {
	if err := p.store.UpdateMergeProposalStatus(ctx, url, status, ""); err != nil {
		return err
	}
	p.publishMergeProposalUpdated(store.MergeProposal{URL: url, Status: status})
	return nil
}

// GetPolicy and PutPolicy expose the admin policy CRUD operations.
func (p *Publisher) GetPolicy(ctx context.Context, name string) (store.Policy, error) {
	return p.store.GetPolicy(ctx, name)
}

func (p *Publisher) PutPolicy(ctx context.Context, policy store.Policy) error {
	return p.store.PutPolicy(ctx, policy)
}

// RateLimitStats is the response shape for the admin "get rate limits" op.
type RateLimitStats struct {
	PushesAllowedNow bool `json:"pushes_allowed_now"`
}

// GetRateLimits reports the push limiter's current admission state.
func (p *Publisher) GetRateLimits(_ context.Context) RateLimitStats {
	return RateLimitStats{PushesAllowedNow: p.pushLimiter.Allow()}
}
