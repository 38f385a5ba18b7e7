package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// PutCodebase upserts a codebase.
func (s *Store) PutCodebase(ctx context.Context, c Codebase) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO codebases (name, vcs_type, branch_url, subpath, web_url, value, inactive)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		ON CONFLICT (name) DO UPDATE SET vcs_type = EXCLUDED.vcs_type, branch_url = EXCLUDED.branch_url,
			subpath = EXCLUDED.subpath, web_url = EXCLUDED.web_url, value = EXCLUDED.value, inactive = EXCLUDED.inactive`,
		c.Name, c.VCSType, c.BranchURL, c.Subpath, c.WebURL, c.Value, c.Inactive)
	return wrapf("put codebase", err)
}

// GetCodebase fetches a codebase by name.
func (s *Store) GetCodebase(ctx context.Context, name string) (Codebase, error) {
	var c Codebase
	err := s.pool.QueryRow(ctx, `SELECT name, vcs_type, branch_url, subpath, web_url, value, inactive FROM codebases WHERE name = $1`, name).
		Scan(&c.Name, &c.VCSType, &c.BranchURL, &c.Subpath, &c.WebURL, &c.Value, &c.Inactive)
	return c, wrapf("get codebase", err)
}

// PutCandidate upserts a candidate (operators create/update; deletion
// cascades only to queue items, never to historical runs — enforced by not
// having a foreign key from runs to candidates).
func (s *Store) PutCandidate(ctx context.Context, c Candidate) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO candidates (codebase, campaign, change_set, command, context, value, success_chance, publish_policy)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (codebase, campaign, change_set) DO UPDATE SET command = EXCLUDED.command,
			context = EXCLUDED.context, value = EXCLUDED.value, success_chance = EXCLUDED.success_chance,
			publish_policy = EXCLUDED.publish_policy
		RETURNING id`,
		c.Codebase, c.Campaign, c.ChangeSet, c.Command, c.Context, c.Value, c.SuccessChance, c.PublishPolicy,
	).Scan(&id)
	return id, wrapf("put candidate", err)
}

// DeleteCandidate removes a candidate and its queue item, but never touches
// historical runs.
func (s *Store) DeleteCandidate(ctx context.Context, codebase, campaign, changeSet string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapf("delete candidate begin", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM queue WHERE codebase = $1 AND campaign = $2 AND change_set = $3`, codebase, campaign, changeSet); err != nil {
		return wrapf("delete candidate queue cascade", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM candidates WHERE codebase = $1 AND campaign = $2 AND change_set = $3`, codebase, campaign, changeSet); err != nil {
		return wrapf("delete candidate", err)
	}
	return wrapf("delete candidate commit", tx.Commit(ctx))
}

// ListCandidates lists every standing candidate, for periodic queue
// admission.
func (s *Store) ListCandidates(ctx context.Context) ([]Candidate, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, codebase, campaign, change_set, command, context, value, success_chance, publish_policy
		FROM candidates c
		JOIN codebases cb ON cb.name = c.codebase
		WHERE cb.inactive = false`)
	if err != nil {
		return nil, wrapf("list candidates", err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		if err := rows.Scan(&c.ID, &c.Codebase, &c.Campaign, &c.ChangeSet, &c.Command, &c.Context, &c.Value, &c.SuccessChance, &c.PublishPolicy); err != nil {
			return nil, wrapf("list candidates scan", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetCandidate fetches the standing candidate for (codebase, campaign,
// change_set), used by the publisher to check the recorded publish command
// against the run's actual command.
func (s *Store) GetCandidate(ctx context.Context, codebase, campaign, changeSet string) (Candidate, error) {
	var c Candidate
	err := s.pool.QueryRow(ctx, `
		SELECT id, codebase, campaign, change_set, command, context, value, success_chance, publish_policy
		FROM candidates WHERE codebase = $1 AND campaign = $2 AND change_set = $3`,
		codebase, campaign, changeSet,
	).Scan(&c.ID, &c.Codebase, &c.Campaign, &c.ChangeSet, &c.Command, &c.Context, &c.Value, &c.SuccessChance, &c.PublishPolicy)
	return c, wrapf("get candidate", err)
}

// GetRun fetches a run and its result branches by log_id.
func (s *Store) GetRun(ctx context.Context, logID string) (Run, error) {
	var r Run
	var resultCode, publishStatus string
	err := s.pool.QueryRow(ctx, `
		SELECT log_id, codebase, campaign, command, start_time, finish_time, result_code, failure_stage,
		       failure_transient, revision, main_branch_revision, worker, log_filenames, result_json, value,
		       publish_status, resume_from, change_set
		FROM runs WHERE log_id = $1`, logID).Scan(
		&r.LogID, &r.Codebase, &r.Campaign, &r.Command, &r.StartTime, &r.FinishTime, &resultCode, &r.FailureStage,
		&r.FailureTransient, &r.Revision, &r.MainBranchRevision, &r.Worker, &r.LogFilenames, &r.ResultJSON, &r.Value,
		&publishStatus, &r.ResumeFrom, &r.ChangeSet)
	if err != nil {
		return Run{}, wrapf("get run", err)
	}
	r.ResultCode = ResultCode(resultCode)
	r.PublishStatus = PublishStatus(publishStatus)

	rows, err := s.pool.Query(ctx, `SELECT run_id, role, remote_name, base_revision, revision, absorbed FROM result_branches WHERE run_id = $1`, logID)
	if err != nil {
		return r, wrapf("get run branches", err)
	}
	defer rows.Close()
	for rows.Next() {
		var b ResultBranch
		if err := rows.Scan(&b.RunID, &b.Role, &b.RemoteName, &b.BaseRevision, &b.Revision, &b.Absorbed); err != nil {
			return r, wrapf("get run branches scan", err)
		}
		r.Branches = append(r.Branches, b)
	}
	return r, rows.Err()
}

// SetRunPublishStatus updates publish_status for a run (admin override, or
// review-tool feedback).
func (s *Store) SetRunPublishStatus(ctx context.Context, logID string, status PublishStatus) error {
	tag, err := s.pool.Exec(ctx, `UPDATE runs SET publish_status = $1 WHERE log_id = $2`, string(status), logID)
	if err != nil {
		return wrapf("set run publish status", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapf("set run publish status", pgx.ErrNoRows)
	}
	return nil
}

// ListActiveRuns returns every currently-leased run, for the admin "get
// active runs" operation and the watchdog sweep.
func (s *Store) ListActiveRuns(ctx context.Context) ([]ActiveRun, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT log_id, queue_id, codebase, campaign, command, worker, start_time, estimated_duration_seconds,
		       last_heartbeat, backchannel, main_branch_revision, resume_from_branch, resume_from_revision
		FROM active_runs`)
	if err != nil {
		return nil, wrapf("list active runs", err)
	}
	defer rows.Close()

	var out []ActiveRun
	for rows.Next() {
		var ar ActiveRun
		var estSeconds int64
		if err := rows.Scan(&ar.LogID, &ar.QueueID, &ar.Codebase, &ar.Campaign, &ar.Command, &ar.Worker, &ar.StartTime,
			&estSeconds, &ar.LastHeartbeat, &ar.Backchannel, &ar.MainBranchRevision, &ar.ResumeFromBranch, &ar.ResumeFromRevision); err != nil {
			return nil, wrapf("list active runs scan", err)
		}
		ar.EstimatedDuration = time.Duration(estSeconds) * time.Second
		out = append(out, ar)
	}
	return out, rows.Err()
}

// Heartbeat updates last_heartbeat for an active run (worker "ping").
func (s *Store) Heartbeat(ctx context.Context, logID string) error {
	tag, err := s.pool.Exec(ctx, `UPDATE active_runs SET last_heartbeat = now() WHERE log_id = $1`, logID)
	if err != nil {
		return wrapf("heartbeat", err)
	}
	if tag.RowsAffected() == 0 {
		return wrapf("heartbeat", pgx.ErrNoRows)
	}
	return nil
}
