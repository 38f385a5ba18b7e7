package runner

import (
	"context"
	"encoding/json"
	"time"

	"github.com/janitor-project/janitor/internal/artifactstore"
	"github.com/janitor-project/janitor/internal/metrics"
	"github.com/janitor-project/janitor/internal/store"
	"github.com/janitor-project/janitor/internal/telemetry"
)

// ResultEnvelope is the worker -> finish payload, per spec.md §6.1.
// Revisions are opaque byte strings represented here as base64-free plain
// strings (the VCS backends in this pack only ever hand back text
// revision ids).
type ResultEnvelope struct {
	Code               string              `json:"code"`
	Description        string              `json:"description"`
	Context            json.RawMessage     `json:"context,omitempty"`
	Codemod            json.RawMessage     `json:"codemod,omitempty"`
	MainBranchRevision string              `json:"main_branch_revision"`
	Revision           string              `json:"revision"`
	Value              int                 `json:"value"`
	Branches           [][4]string         `json:"branches,omitempty"` // role, remote_name, base_rev, rev
	Tags               [][2]string         `json:"tags,omitempty"`
	Remotes            map[string]any      `json:"remotes,omitempty"`
	Details            json.RawMessage     `json:"details,omitempty"`
	Stage              string              `json:"stage,omitempty"`
	BuilderResult      json.RawMessage     `json:"builder_result,omitempty"`
	StartTime          time.Time           `json:"start_time"`
	FinishTime         time.Time           `json:"finish_time"`
	QueueID            int64               `json:"queue_id"`
}

// transientResultCodes are result codes eligible for automatic retry.
var transientResultCodes = map[string]bool{
	string(store.ResultWorkerTimeout):  true,
	string(store.ResultBranchUnavail):  true,
}

// Finish ingests a worker's result for logID. Implements spec.md §4.3's
// result ingestion: validate the active-run exists, upload artifacts,
// then in a single transaction insert the run + branches and delete the
// active-run row, then emit runner.run-finished strictly after commit.
// Duplicate calls for an already-finished log_id return ErrAlreadyFinished
// via store.IsAlreadyFinished, matching the idempotence law of spec.md §8.
func (r *Runner) Finish(ctx context.Context, logID string, result ResultEnvelope, artifacts artifactstore.UploadSet, artifactStore artifactstore.Store) error {
	ctx, span := telemetry.Tracer().Start(ctx, "runner.finish")
	defer span.End()

	active, lookupErr := r.activeRunFor(ctx, logID)
	if lookupErr != nil && lookupErr != store.ErrConflict {
		return lookupErr
	}
	// With no active run, nothing is uploaded; RecordRunResult below reports
	// already-finished or unknown-run.
	if artifactStore != nil && lookupErr == nil {
		if err := artifactStore.Store(ctx, logID, artifacts); err != nil {
			return err
		}
	}

	resultJSON, _ := json.Marshal(result)

	// codebase/campaign are not present on the worker's result envelope;
	// the active-run row already carries them, along with the log_id of
	// the effective predecessor run computed at assignment time
	// (ActiveRun.ResumeFromBranch — despite its name, lookupResumeFrom
	// populates it with the predecessor's log_id, not a VCS branch), so
	// they come from the active run looked up above.

	run := store.Run{
		LogID:              logID,
		StartTime:          result.StartTime,
		FinishTime:         result.FinishTime,
		ResultCode:         store.ResultCode(result.Code),
		FailureStage:       result.Stage,
		FailureTransient:   transientResultCodes[result.Code],
		Revision:           result.Revision,
		MainBranchRevision: result.MainBranchRevision,
		ResultJSON:         resultJSON,
		Value:              result.Value,
		PublishStatus:      store.PublishStatusUnknown,
	}
	if lookupErr == nil {
		run.Codebase = active.Codebase
		run.Campaign = active.Campaign
		run.Command = active.Command
	}
	if result.Code == string(store.ResultNothingNewToDo) {
		// resume_from must chase the run chain by log_id (walkEffective
		// follows it with "WHERE log_id = $1"), not a revision string.
		// The predecessor this run was compared against is exactly the
		// effective run the assign-time lookup resolved for this
		// codebase/campaign.
		run.ResumeFrom = active.ResumeFromBranch
		if run.ResumeFrom == "" {
			// No effective predecessor existed at assignment time (e.g. a
			// refresh run); fall back to the run's own log_id so the CHECK
			// constraint is satisfied without fabricating a bogus pointer
			// — walkEffective keeps following this self-pointer until its
			// maxResumeWalk bound and then reports no effective run.
			run.ResumeFrom = logID
		}
	}
	for _, b := range result.Branches {
		run.Branches = append(run.Branches, store.ResultBranch{
			RunID: logID, Role: b[0], RemoteName: b[1], BaseRevision: b[2], Revision: b[3],
		})
	}

	err := r.store.RecordRunResult(ctx, run)
	if err != nil {
		if store.IsAlreadyFinished(err) {
			r.observer.ObserveRunLifecycleEvent(LifecycleEvent{Type: EventAlreadyFinished, Timestamp: time.Now().UTC(), LogID: logID})
			return err
		}
		return err
	}

	r.observer.ObserveRunLifecycleEvent(LifecycleEvent{
		Type: EventFinished, Timestamp: time.Now().UTC(), LogID: logID,
		Codebase: run.Codebase, Campaign: run.Campaign, ResultCode: result.Code,
	})
	metrics.RecordRunComplete(run.Codebase, run.Campaign, result.Code, result.FinishTime.Sub(result.StartTime))
	r.publishRunFinished(logID, run.Codebase, run.Campaign, result.Code)
	return nil
}

func (r *Runner) activeRunFor(ctx context.Context, logID string) (store.ActiveRun, error) {
	active, err := r.store.ListActiveRuns(ctx)
	if err != nil {
		return store.ActiveRun{}, err
	}
	for _, a := range active {
		if a.LogID == logID {
			return a, nil
		}
	}
	return store.ActiveRun{}, store.ErrConflict
}
