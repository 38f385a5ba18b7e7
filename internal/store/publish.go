package store

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/jackc/pgx/v5"
)

// PublishReadyRow is one row of the publish_ready view: effective last-runs
// with result_code='success' that have at least one unabsorbed branch whose
// policy is not skip/build-only, joined with the current named policy.
type PublishReadyRow struct {
	RunID           string
	Codebase        string
	Campaign        string
	ChangeSet       string
	Policy          string
	RateLimitBucket string
}

// PublishReady computes the publish_ready view. Because "effective last run"
// is a per-(codebase,campaign) walk rather than a plain column, this is
// implemented in application code rather than a single SQL view — exactly
// the kind of cross-table derived state the design notes call out as a pure
// function of the authoritative store, recomputed on read rather than
// cached.
func (s *Store) PublishReady(ctx context.Context) ([]PublishReadyRow, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT r.codebase, r.campaign
		FROM runs r
		JOIN result_branches rb ON rb.run_id = r.log_id
		WHERE r.result_code = 'success' AND rb.absorbed = false`)
	if err != nil {
		return nil, wrapf("publish_ready pairs", err)
	}
	type pair struct{ codebase, campaign string }
	var pairs []pair
	for rows.Next() {
		var p pair
		if err := rows.Scan(&p.codebase, &p.campaign); err != nil {
			rows.Close()
			return nil, wrapf("publish_ready pairs scan", err)
		}
		pairs = append(pairs, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var out []PublishReadyRow
	for _, p := range pairs {
		lr, err := computeLastRun(ctx, s.pool, p.codebase, p.campaign)
		if err != nil || lr.LastUnabsorbedRunID == "" {
			continue
		}

		var changeSet, policyName string
		err = s.pool.QueryRow(ctx, `SELECT change_set FROM runs WHERE log_id = $1`, lr.LastUnabsorbedRunID).Scan(&changeSet)
		if err != nil {
			continue
		}
		err = s.pool.QueryRow(ctx, `
			SELECT publish_policy FROM candidates WHERE codebase = $1 AND campaign = $2 LIMIT 1`,
			p.codebase, p.campaign).Scan(&policyName)
		if err != nil {
			policyName = ""
		}

		var mode, bucket string
		if policyName != "" {
			_ = s.pool.QueryRow(ctx, `SELECT mode, rate_limit_bucket FROM policies WHERE name = $1`, policyName).Scan(&mode, &bucket)
		}
		if mode == string(ModeSkip) || mode == string(ModeBuildOnly) {
			continue
		}

		out = append(out, PublishReadyRow{
			RunID: lr.LastUnabsorbedRunID, Codebase: p.codebase, Campaign: p.campaign,
			ChangeSet: changeSet, Policy: policyName, RateLimitBucket: bucket,
		})
	}
	return out, nil
}

// WithPublishLock runs fn while holding the Postgres transaction-scoped
// advisory lock for (codebase, campaign). This is the "per-(codebase,
// campaign) mutex (database advisory lock or equivalent)" spec.md requires
// around every publish operation: at most one active publish per target at
// a time, correct across multiple publisher replicas.
func (s *Store) WithPublishLock(ctx context.Context, codebase, campaign string, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapf("publish lock begin", err)
	}
	defer tx.Rollback(ctx)

	key := advisoryLockKey(codebase, campaign)
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, key); err != nil {
		return wrapf("publish lock acquire", err)
	}

	if err := fn(ctx, tx); err != nil {
		return err
	}
	return wrapf("publish lock commit", tx.Commit(ctx))
}

func advisoryLockKey(codebase, campaign string) int64 {
	h := fnv.New64a()
	h.Write([]byte(codebase))
	h.Write([]byte{0})
	h.Write([]byte(campaign))
	return int64(h.Sum64())
}

// PriorPublishAttempts counts publish attempts for (codebase, campaign,
// role) and returns the most recent one's timestamp, for the backoff check
// (consider_publish_run step 6).
func (s *Store) PriorPublishAttempts(ctx context.Context, codebase, campaign, role string) (count int, lastFinish time.Time, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT count(*), coalesce(max(ts), 'epoch'::timestamptz)
		FROM publish_attempts WHERE codebase = $1 AND campaign = $2 AND role = $3`,
		codebase, campaign, role).Scan(&count, &lastFinish)
	if err != nil {
		return 0, time.Time{}, wrapf("prior publish attempts", err)
	}
	return count, lastFinish, nil
}

// OpenMergeProposalCount returns the number of open MPs in bucket, for the
// propose rate limit check (consider_publish_run step 7).
func (s *Store) OpenMergeProposalCount(ctx context.Context, bucket string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM merge_proposals WHERE rate_limit_bucket = $1 AND status = 'open'`, bucket).Scan(&n)
	return n, wrapf("open mp count", err)
}

// PreviousMPRejected reports whether any prior MP for (codebase, campaign)
// chain was rejected (consider_publish_run step 10). Merge proposals do not
// carry a campaign/role column directly, so they are matched through the
// publish_attempts rows (codebase, campaign, role) that created them.
func (s *Store) PreviousMPRejected(ctx context.Context, codebase, campaign, role string) (bool, error) {
	var rejected bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM merge_proposals mp
			JOIN publish_attempts pa ON pa.merge_proposal_url = mp.url
			WHERE pa.codebase = $1 AND pa.campaign = $2 AND pa.role = $3 AND mp.status = 'rejected'
		)`, codebase, campaign, role).Scan(&rejected)
	return rejected, wrapf("previous mp rejected", err)
}

// InsertPublishAttempt records a publish attempt (success or failure).
func (s *Store) InsertPublishAttempt(ctx context.Context, tx pgx.Tx, pa PublishAttempt) (int64, error) {
	var id int64
	err := tx.QueryRow(ctx, `
		INSERT INTO publish_attempts (change_set, codebase, campaign, role, source_branch_url, target_branch_url,
			revision, mode, merge_proposal_url, result_code, description, requester)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING id`,
		pa.ChangeSet, pa.Codebase, pa.Campaign, pa.Role, pa.SourceBranchURL, pa.TargetBranchURL,
		pa.Revision, string(pa.Mode), pa.MergeProposalURL, pa.ResultCode, pa.Description, pa.Requester,
	).Scan(&id)
	return id, wrapf("insert publish attempt", err)
}

// MarkBranchAbsorbed flags a run's result branch as absorbed (push success,
// or MP merged/applied).
func (s *Store) MarkBranchAbsorbed(ctx context.Context, tx pgx.Tx, runID, role string) error {
	_, err := tx.Exec(ctx, `UPDATE result_branches SET absorbed = true WHERE run_id = $1 AND role = $2`, runID, role)
	return wrapf("mark branch absorbed", err)
}

// UpsertMergeProposal inserts a new MP (status 'open') or, if url already
// exists, refreshes revision/last_scanned — the "existing MP refresh" path
// of consider_publish_run's propose outcome.
func (s *Store) UpsertMergeProposal(ctx context.Context, tx pgx.Tx, mp MergeProposal) error {
	if mp.LastScanned.IsZero() {
		mp.LastScanned = time.Now().UTC()
	}
	_, err := tx.Exec(ctx, `
		INSERT INTO merge_proposals (url, codebase, target_branch_url, status, revision, last_scanned, can_be_merged, rate_limit_bucket)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (url) DO UPDATE SET revision = EXCLUDED.revision, last_scanned = EXCLUDED.last_scanned`,
		mp.URL, mp.Codebase, mp.TargetBranchURL, string(mp.Status), mp.Revision, mp.LastScanned, mp.CanBeMerged, mp.RateLimitBucket)
	return wrapf("upsert merge proposal", err)
}

// UpdateMergeProposalStatus sets status (and, for merged, merged_by/_at) for
// url, and marks the associated result branch absorbed when the transition
// lands the change upstream. See DESIGN.md Open Question 1 for the
// applied-vs-abandoned absorption decision.
func (s *Store) UpdateMergeProposalStatus(ctx context.Context, url string, status MergeProposalStatus, mergedBy string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapf("update mp status begin", err)
	}
	defer tx.Rollback(ctx)

	now := time.Now().UTC()
	var mergedAt *time.Time
	if status == MPMerged {
		mergedAt = &now
	}
	_, err = tx.Exec(ctx, `
		UPDATE merge_proposals SET status = $1, merged_by = $2, merged_at = $3, last_scanned = $4 WHERE url = $5`,
		string(status), mergedBy, mergedAt, now, url)
	if err != nil {
		return wrapf("update mp status", err)
	}

	absorbs := status == MPMerged || status == MPApplied
	if absorbs {
		runID, role, ok, err := s.originatingBranch(ctx, tx, url)
		if err != nil {
			return err
		}
		if ok {
			if err := s.MarkBranchAbsorbed(ctx, tx, runID, role); err != nil {
				return err
			}
		}
	}

	return wrapf("update mp status commit", tx.Commit(ctx))
}

// originatingBranch resolves the (run_id, role) of the result branch a
// merge proposal was published from, by joining back through its most
// recent publish_attempts row (which carries role/revision/merge_proposal_url)
// to the result_branches row with that role and revision. ok is false if no
// publish attempt or matching branch can be found.
func (s *Store) originatingBranch(ctx context.Context, tx pgx.Tx, mpURL string) (runID, role string, ok bool, err error) {
	var revision string
	err = tx.QueryRow(ctx, `
		SELECT role, revision FROM publish_attempts
		WHERE merge_proposal_url = $1
		ORDER BY ts DESC LIMIT 1`, mpURL).Scan(&role, &revision)
	if err != nil {
		if IsNotFound(err) {
			return "", "", false, nil
		}
		return "", "", false, wrapf("originating branch publish attempt", err)
	}

	err = tx.QueryRow(ctx, `
		SELECT rb.run_id FROM result_branches rb
		JOIN runs r ON r.log_id = rb.run_id
		WHERE rb.role = $1 AND rb.revision = $2
		ORDER BY r.start_time DESC LIMIT 1`, role, revision).Scan(&runID)
	if err != nil {
		if IsNotFound(err) {
			return "", "", false, nil
		}
		return "", "", false, wrapf("originating branch result branch", err)
	}
	return runID, role, true, nil
}

// MergeProposalsByCampaign lists MPs joined through publish_attempts for a
// given campaign (the "get merge proposals" admin op). An empty campaign
// lists every MP.
func (s *Store) MergeProposalsByCampaign(ctx context.Context, campaign string) ([]MergeProposal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT mp.url, mp.codebase, mp.target_branch_url, mp.status, mp.revision,
		       mp.merged_by, mp.merged_at, mp.last_scanned, mp.can_be_merged, mp.rate_limit_bucket
		FROM merge_proposals mp
		LEFT JOIN publish_attempts pa ON pa.merge_proposal_url = mp.url
		WHERE $1 = '' OR pa.campaign = $1`, campaign)
	if err != nil {
		return nil, wrapf("merge proposals by campaign", err)
	}
	defer rows.Close()

	var out []MergeProposal
	for rows.Next() {
		var mp MergeProposal
		var status string
		if err := rows.Scan(&mp.URL, &mp.Codebase, &mp.TargetBranchURL, &status, &mp.Revision,
			&mp.MergedBy, &mp.MergedAt, &mp.LastScanned, &mp.CanBeMerged, &mp.RateLimitBucket); err != nil {
			return nil, wrapf("merge proposals by campaign scan", err)
		}
		mp.Status = MergeProposalStatus(status)
		out = append(out, mp)
	}
	return out, rows.Err()
}

// StaleMergeProposals returns open MPs whose last_scanned predates cutoff,
// for check-stragglers.
func (s *Store) StaleMergeProposals(ctx context.Context, cutoff time.Time) ([]MergeProposal, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT url, codebase, target_branch_url, status, revision, merged_by, merged_at, last_scanned, can_be_merged, rate_limit_bucket
		FROM merge_proposals WHERE status = 'open' AND last_scanned < $1`, cutoff)
	if err != nil {
		return nil, wrapf("stale merge proposals", err)
	}
	defer rows.Close()

	var out []MergeProposal
	for rows.Next() {
		var mp MergeProposal
		var status string
		if err := rows.Scan(&mp.URL, &mp.Codebase, &mp.TargetBranchURL, &status, &mp.Revision,
			&mp.MergedBy, &mp.MergedAt, &mp.LastScanned, &mp.CanBeMerged, &mp.RateLimitBucket); err != nil {
			return nil, wrapf("stale merge proposals scan", err)
		}
		mp.Status = MergeProposalStatus(status)
		out = append(out, mp)
	}
	return out, rows.Err()
}

// AllOpenMergeProposals lists every open MP, for the periodic scan task.
func (s *Store) AllOpenMergeProposals(ctx context.Context) ([]MergeProposal, error) {
	return s.StaleMergeProposals(ctx, time.Now().UTC().Add(time.Hour*24*365*50))
}

// GetPolicy fetches a named publish policy.
func (s *Store) GetPolicy(ctx context.Context, name string) (Policy, error) {
	var p Policy
	var mode string
	var freqSeconds int64
	err := s.pool.QueryRow(ctx, `SELECT name, mode, frequency_seconds, rate_limit_bucket, max_open FROM policies WHERE name = $1`, name).
		Scan(&p.Name, &mode, &freqSeconds, &p.RateLimitBucket, &p.MaxOpen)
	if err != nil {
		return Policy{}, wrapf("get policy", err)
	}
	p.Mode = PublishMode(mode)
	p.Frequency = time.Duration(freqSeconds) * time.Second
	return p, nil
}

// PutPolicy upserts a named publish policy.
func (s *Store) PutPolicy(ctx context.Context, p Policy) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO policies (name, mode, frequency_seconds, rate_limit_bucket, max_open)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (name) DO UPDATE SET mode = EXCLUDED.mode, frequency_seconds = EXCLUDED.frequency_seconds,
			rate_limit_bucket = EXCLUDED.rate_limit_bucket, max_open = EXCLUDED.max_open`,
		p.Name, string(p.Mode), int64(p.Frequency/time.Second), p.RateLimitBucket, p.MaxOpen)
	return wrapf("put policy", err)
}
