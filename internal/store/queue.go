package store

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// Schedule inserts a queue item. At most one queue item may exist per
// (codebase, campaign, change_set); a duplicate schedule returns ErrConflict
// so the caller can surface HTTP 409, per the admin surface's error table.
func (s *Store) Schedule(ctx context.Context, item QueueItem) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO queue (codebase, campaign, command, priority, bucket, estimated_duration_seconds, change_set, requester, refresh)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		RETURNING id`,
		item.Codebase, item.Campaign, item.Command, item.Priority, string(item.Bucket),
		int64(item.EstimatedDuration/time.Second), item.ChangeSet, item.Requester, item.Refresh,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrConflict
		}
		return 0, wrapf("schedule", err)
	}
	return id, nil
}

// QueuePosition is a row of the queue position view: row_number() over the
// (bucket, priority, id) ordering.
type QueuePosition struct {
	QueueItem
	Position int64
}

// QueuePositions returns every pending queue item with its position in the
// (bucket, priority, id) assignment order.
func (s *Store) QueuePositions(ctx context.Context) ([]QueuePosition, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, codebase, campaign, command, priority, bucket, estimated_duration_seconds,
		       change_set, requester, refresh, created_at,
		       row_number() OVER (ORDER BY bucket, priority, id) AS position
		FROM queue
		ORDER BY bucket, priority, id`)
	if err != nil {
		return nil, wrapf("queue positions", err)
	}
	defer rows.Close()

	var out []QueuePosition
	for rows.Next() {
		var qp QueuePosition
		var bucket string
		var estSeconds int64
		if err := rows.Scan(&qp.ID, &qp.Codebase, &qp.Campaign, &qp.Command, &qp.Priority, &bucket,
			&estSeconds, &qp.ChangeSet, &qp.Requester, &qp.Refresh, &qp.CreatedAt, &qp.Position); err != nil {
			return nil, wrapf("queue positions scan", err)
		}
		qp.Bucket = QueueBucket(bucket)
		qp.EstimatedDuration = time.Duration(estSeconds) * time.Second
		out = append(out, qp)
	}
	return out, rows.Err()
}

// rateLimitedHosts/eligibility filters are resolved by the caller (runner
// package), which knows worker identity and campaign filters; Store only
// exposes the raw ordering and the assignment transaction.

// AssignFilters narrows which queue item Assign is willing to lease — the
// "optional filters (campaign, codebase, my_url, jenkins_build_url)" of
// spec.md §4.3's assign op. Campaign/Codebase restrict eligibility to items
// the calling worker can actually serve; MyURL/JenkinsBuildURL carry the
// worker's declared backchannel (recorded on the active-run row) and do not
// affect which item is picked. A zero value for any field means
// unfiltered.
type AssignFilters struct {
	Campaign        string
	Codebase        string
	MyURL           string
	JenkinsBuildURL string
}

// Backchannel returns the worker-declared notification endpoint to record
// against the leased active-run row: MyURL if given, else JenkinsBuildURL,
// else empty (no backchannel available).
func (f AssignFilters) Backchannel() string {
	if f.MyURL != "" {
		return f.MyURL
	}
	return f.JenkinsBuildURL
}

// Assign leases the highest-priority pending queue item not in excludeIDs
// and matching filters to worker, minting a fresh log_id. It implements the
// assignment transaction of the runner's public "assign" operation: select
// eligible, delete the queue row, insert the active-run row, snapshot VCS
// info. Returns an error for which IsNotFound reports true when no eligible
// item exists.
func (s *Store) Assign(ctx context.Context, worker string, excludeIDs []int64, logID string, filters AssignFilters, codebaseInfo func(codebase string) (mainBranchRevision string)) (*ActiveRun, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, wrapf("assign begin", err)
	}
	defer tx.Rollback(ctx)

	var item QueueItem
	var bucket string
	var estSeconds int64
	row := tx.QueryRow(ctx, `
		SELECT id, codebase, campaign, command, priority, bucket, estimated_duration_seconds,
		       change_set, requester, refresh, created_at
		FROM queue
		WHERE id != ALL($1::bigint[])
		  AND ($2 = '' OR campaign = $2)
		  AND ($3 = '' OR codebase = $3)
		ORDER BY bucket, priority, id
		FOR UPDATE SKIP LOCKED
		LIMIT 1`, excludeIDs, filters.Campaign, filters.Codebase)
	if err := row.Scan(&item.ID, &item.Codebase, &item.Campaign, &item.Command, &item.Priority, &bucket,
		&estSeconds, &item.ChangeSet, &item.Requester, &item.Refresh, &item.CreatedAt); err != nil {
		return nil, wrapf("assign select", err)
	}
	item.Bucket = QueueBucket(bucket)
	item.EstimatedDuration = time.Duration(estSeconds) * time.Second

	tag, err := tx.Exec(ctx, `DELETE FROM queue WHERE id = $1`, item.ID)
	if err != nil {
		return nil, wrapf("assign delete queue row", err)
	}
	if tag.RowsAffected() == 0 {
		// Raced with another assigner between select and delete.
		return nil, ErrConflict
	}

	mainBranchRevision := ""
	if codebaseInfo != nil {
		mainBranchRevision = codebaseInfo(item.Codebase)
	}

	run := &ActiveRun{
		LogID:              logID,
		QueueID:            item.ID,
		Codebase:           item.Codebase,
		Campaign:           item.Campaign,
		Command:            item.Command,
		Worker:             worker,
		StartTime:          time.Now().UTC(),
		EstimatedDuration:  item.EstimatedDuration,
		LastHeartbeat:      time.Now().UTC(),
		Backchannel:        filters.Backchannel(),
		MainBranchRevision: mainBranchRevision,
	}
	if !item.Refresh {
		// refresh=true omits resume_from from the assignment payload.
		run.ResumeFromBranch, run.ResumeFromRevision = s.lookupResumeFrom(ctx, tx, item.Codebase, item.Campaign)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO active_runs (log_id, queue_id, codebase, campaign, command, worker, start_time,
			estimated_duration_seconds, last_heartbeat, backchannel, main_branch_revision,
			resume_from_branch, resume_from_revision)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		run.LogID, run.QueueID, run.Codebase, run.Campaign, run.Command, run.Worker, run.StartTime,
		int64(run.EstimatedDuration/time.Second), run.LastHeartbeat, run.Backchannel, run.MainBranchRevision,
		run.ResumeFromBranch, run.ResumeFromRevision)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, wrapf("assign insert active_run", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, wrapf("assign commit", err)
	}
	return run, nil
}

// lookupResumeFrom finds the effective last run's branch to resume from.
// Errors are treated as "no baseline" rather than failing the assignment —
// a missing resume baseline degrades to a full build, never a lease failure.
func (s *Store) lookupResumeFrom(ctx context.Context, tx querier, codebase, campaign string) (branch, revision string) {
	lr, err := computeLastRun(ctx, tx, codebase, campaign)
	if err != nil || lr.LastEffectiveRunID == "" {
		return "", ""
	}
	var rev string
	err = tx.QueryRow(ctx, `SELECT revision FROM runs WHERE log_id = $1`, lr.LastEffectiveRunID).Scan(&rev)
	if err != nil {
		return "", ""
	}
	return lr.LastEffectiveRunID, rev
}

// CancelQueueItem removes the queued items for codebase/campaign.
func (s *Store) CancelQueueItem(ctx context.Context, codebase, campaign string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM queue WHERE codebase = $1 AND campaign = $2`, codebase, campaign)
	if err != nil {
		return wrapf("cancel queue item", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return pgErrCode(err) == "23505"
}
