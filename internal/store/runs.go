package store

import (
	"context"
	"time"
)

// maxResumeWalk bounds the effective-run walk so a cyclic resume_from chain
// (should one ever occur through an operator mistake) cannot loop forever.
const maxResumeWalk = 200

// computeLastRun implements the last_run(codebase, campaign) derived view:
// last (most recent by start_time), effective (walks past
// nothing-new-to-do and transient failures to the latest substantive
// entry), and unabsorbed (the effective run if it is a success with at
// least one unabsorbed branch).
func computeLastRun(ctx context.Context, q querier, codebase, campaign string) (LastRun, error) {
	var lr LastRun

	err := q.QueryRow(ctx, `
		SELECT log_id FROM runs WHERE codebase = $1 AND campaign = $2
		ORDER BY start_time DESC LIMIT 1`, codebase, campaign).Scan(&lr.LastRunID)
	if err != nil {
		if IsNotFound(err) {
			return lr, nil
		}
		return lr, wrapf("compute last_run", err)
	}

	effective, err := walkEffective(ctx, q, lr.LastRunID)
	if err != nil {
		return lr, err
	}
	lr.LastEffectiveRunID = effective

	if effective != "" {
		var resultCode string
		var hasUnabsorbed bool
		err := q.QueryRow(ctx, `SELECT result_code FROM runs WHERE log_id = $1`, effective).Scan(&resultCode)
		if err != nil {
			return lr, wrapf("compute last_run effective lookup", err)
		}
		if ResultCode(resultCode) == ResultSuccess {
			err := q.QueryRow(ctx, `
				SELECT EXISTS(SELECT 1 FROM result_branches WHERE run_id = $1 AND absorbed = false)`,
				effective).Scan(&hasUnabsorbed)
			if err != nil {
				return lr, wrapf("compute last_run unabsorbed check", err)
			}
			if hasUnabsorbed {
				lr.LastUnabsorbedRunID = effective
			}
		}
	}
	return lr, nil
}

// walkEffective walks past nothing-new-to-do (via resume_from) and transient
// failures starting from startID, returning the first run that is neither,
// or "" if the chain bottoms out without finding one.
func walkEffective(ctx context.Context, q querier, startID string) (string, error) {
	current := startID
	for i := 0; i < maxResumeWalk && current != ""; i++ {
		var resultCode string
		var transient bool
		var resumeFrom, codebase, campaign string
		var startTime time.Time
		err := q.QueryRow(ctx, `SELECT result_code, failure_transient, resume_from, codebase, campaign, start_time FROM runs WHERE log_id = $1`, current).
			Scan(&resultCode, &transient, &resumeFrom, &codebase, &campaign, &startTime)
		if err != nil {
			if IsNotFound(err) {
				return "", nil
			}
			return "", wrapf("walk effective", err)
		}

		if transient {
			// A transient failure never becomes the effective run; it has no
			// resume_from pointer, so step back to the previous run of the
			// same codebase/campaign by start_time.
			err := q.QueryRow(ctx, `
				SELECT log_id FROM runs WHERE codebase = $1 AND campaign = $2 AND start_time < $3
				ORDER BY start_time DESC LIMIT 1`, codebase, campaign, startTime).Scan(&current)
			if err != nil {
				if IsNotFound(err) {
					return "", nil
				}
				return "", wrapf("walk effective previous run", err)
			}
			continue
		}
		if ResultCode(resultCode) == ResultNothingNewToDo && resumeFrom != "" {
			current = resumeFrom
			continue
		}
		return current, nil
	}
	return "", nil
}

// LastRun returns the derived last_run view for (codebase, campaign).
func (s *Store) LastRun(ctx context.Context, codebase, campaign string) (LastRun, error) {
	return computeLastRun(ctx, s.pool, codebase, campaign)
}

// BaselineRun returns the log_id of the latest successful run (by
// start_time) for codebase in the given campaign — the comparison point the
// differ's precache pipeline diffs new runs against. No separate "control"
// campaign is looked up. ok is false if no successful run exists yet.
func (s *Store) BaselineRun(ctx context.Context, codebase, campaign string) (logID string, ok bool, err error) {
	err = s.pool.QueryRow(ctx, `
		SELECT log_id FROM runs
		WHERE codebase = $1 AND campaign = $2 AND result_code = $3
		ORDER BY start_time DESC LIMIT 1`,
		codebase, campaign, string(ResultSuccess)).Scan(&logID)
	if err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, wrapf("baseline run", err)
	}
	return logID, true, nil
}

// RecordRunResult implements the runner's "finish" result ingestion: insert
// the run row, insert result branches, and delete the active-run row, all
// in a single transaction (step 4 of spec's result ingestion). Artifact/log
// uploads must already have completed by the time this is called (step 3);
// the caller is responsible for calling this only after those uploads
// succeed, and for emitting runner.run-finished strictly after this commits
// (step 5). Duplicate calls for an already-finished log_id return
// ErrAlreadyFinished.
func (s *Store) RecordRunResult(ctx context.Context, run Run) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return wrapf("record run result begin", err)
	}
	defer tx.Rollback(ctx)

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM active_runs WHERE log_id = $1)`, run.LogID).Scan(&exists); err != nil {
		return wrapf("record run result check active", err)
	}
	if !exists {
		var alreadyRun bool
		if err := tx.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE log_id = $1)`, run.LogID).Scan(&alreadyRun); err != nil {
			return wrapf("record run result check runs", err)
		}
		if alreadyRun {
			return ErrAlreadyFinished
		}
		return ErrConflict // unknown-run: no active lease and no prior run
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO runs (log_id, codebase, campaign, command, start_time, finish_time, result_code,
			failure_stage, failure_transient, revision, main_branch_revision, worker, log_filenames,
			result_json, value, publish_status, resume_from, change_set)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		run.LogID, run.Codebase, run.Campaign, run.Command, run.StartTime, run.FinishTime, string(run.ResultCode),
		run.FailureStage, run.FailureTransient, run.Revision, run.MainBranchRevision, run.Worker, run.LogFilenames,
		run.ResultJSON, run.Value, string(run.PublishStatus), run.ResumeFrom, run.ChangeSet)
	if err != nil {
		return wrapf("record run result insert run", err)
	}

	for _, b := range run.Branches {
		_, err = tx.Exec(ctx, `
			INSERT INTO result_branches (run_id, role, remote_name, base_revision, revision, absorbed)
			VALUES ($1,$2,$3,$4,$5,$6)`,
			run.LogID, b.Role, b.RemoteName, b.BaseRevision, b.Revision, b.Absorbed)
		if err != nil {
			return wrapf("record run result insert branch", err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM active_runs WHERE log_id = $1`, run.LogID); err != nil {
		return wrapf("record run result delete active", err)
	}

	if run.ChangeSet != "" {
		if err := recomputeChangeSet(ctx, tx, run.ChangeSet); err != nil {
			return err
		}
	}

	// Durable copy of runner.run-finished for cross-process subscribers
	// (eventbus.Poller), committed together with the run row.
	if err := s.AppendOutboxEvent(ctx, tx, "runner.run-finished", map[string]any{
		"run_id": run.LogID, "codebase": run.Codebase, "campaign": run.Campaign, "result_code": string(run.ResultCode),
	}); err != nil {
		return err
	}

	return wrapf("record run result commit", tx.Commit(ctx))
}

// AbortRun implements the watchdog's timeout/MIA reaping: delete the
// active-run row and insert a run row with the given transient result code.
// A second sweep finding no active-run row is a no-op (idempotent).
func (s *Store) AbortRun(ctx context.Context, logID string, resultCode ResultCode) (aborted bool, err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, wrapf("abort run begin", err)
	}
	defer tx.Rollback(ctx)

	var ar ActiveRun
	var estSeconds int64
	row := tx.QueryRow(ctx, `
		SELECT log_id, queue_id, codebase, campaign, command, worker, start_time, estimated_duration_seconds
		FROM active_runs WHERE log_id = $1`, logID)
	if err := row.Scan(&ar.LogID, &ar.QueueID, &ar.Codebase, &ar.Campaign, &ar.Command, &ar.Worker, &ar.StartTime, &estSeconds); err != nil {
		if IsNotFound(err) {
			return false, nil
		}
		return false, wrapf("abort run select", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO runs (log_id, codebase, campaign, command, start_time, finish_time, result_code, failure_transient)
		VALUES ($1,$2,$3,$4,$5,$6,$7,true)`,
		ar.LogID, ar.Codebase, ar.Campaign, ar.Command, ar.StartTime, now, string(resultCode))
	if err != nil {
		return false, wrapf("abort run insert run", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM active_runs WHERE log_id = $1`, logID); err != nil {
		return false, wrapf("abort run delete active", err)
	}
	return true, wrapf("abort run commit", tx.Commit(ctx))
}

// recomputeChangeSet applies the deterministic change_set.state rule:
// created -> working (any run) -> ready (successful run, no outstanding
// candidate) -> publishing (any successful publish) -> done (no unpublished
// result branches).
func recomputeChangeSet(ctx context.Context, q querier, changeSetID string) error {
	var anyRun, anySuccess, anyPublish, anyUnpublished, anyOutstanding bool

	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE change_set = $1)`, changeSetID).Scan(&anyRun); err != nil {
		return wrapf("recompute change_set any_run", err)
	}
	if err := q.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM runs WHERE change_set = $1 AND result_code = 'success')`, changeSetID).Scan(&anySuccess); err != nil {
		return wrapf("recompute change_set any_success", err)
	}
	if err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM publish_attempts WHERE change_set = $1 AND result_code = 'success')`, changeSetID).Scan(&anyPublish); err != nil {
		return wrapf("recompute change_set any_publish", err)
	}
	if err := q.QueryRow(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM result_branches rb
			JOIN runs r ON r.log_id = rb.run_id
			WHERE r.change_set = $1 AND rb.absorbed = false
		)`, changeSetID).Scan(&anyUnpublished); err != nil {
		return wrapf("recompute change_set any_unpublished", err)
	}
	// anyOutstanding is true while some candidate in the change set still
	// has no run recorded against it (it's still queued, in flight, or
	// simply never assigned yet) — spec §4.1's "ready" transition requires
	// a successful run *and* no outstanding todo candidate, so a change
	// set with one finished candidate and one still-queued candidate must
	// not flip to ready before the queued one has run too.
	if err := q.QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM queue WHERE change_set = $1)
		OR EXISTS(
			SELECT 1 FROM candidates c
			WHERE c.change_set = $1
			AND NOT EXISTS (
				SELECT 1 FROM runs r
				WHERE r.change_set = c.change_set AND r.codebase = c.codebase AND r.campaign = c.campaign
			)
		)`, changeSetID).Scan(&anyOutstanding); err != nil {
		return wrapf("recompute change_set any_outstanding", err)
	}

	state := ChangeSetCreated
	switch {
	case anyPublish && !anyUnpublished:
		state = ChangeSetDone
	case anyPublish:
		state = ChangeSetPublishing
	case anySuccess && !anyOutstanding:
		state = ChangeSetReady
	case anyRun:
		state = ChangeSetWorking
	}

	_, err := q.Exec(ctx, `
		INSERT INTO change_sets (id, state) VALUES ($1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state`, changeSetID, string(state))
	return wrapf("recompute change_set upsert", err)
}

// ChangeSetState returns the current derived state of a change set.
func (s *Store) ChangeSetState(ctx context.Context, changeSetID string) (ChangeSetState, error) {
	var state string
	err := s.pool.QueryRow(ctx, `SELECT state FROM change_sets WHERE id = $1`, changeSetID).Scan(&state)
	if err != nil {
		return "", wrapf("change_set state", err)
	}
	return ChangeSetState(state), nil
}
