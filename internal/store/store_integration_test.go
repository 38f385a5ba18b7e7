package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/store"
)

// openTestStore connects to a scratch Postgres database and runs
// migrations. Unlike the teacher's SQLite packages, Postgres can't be
// opened in-process, so these tests are gated on JANITOR_TEST_DATABASE_URL
// and skipped otherwise; they are the integration counterpart to the
// pure-logic unit tests in publish_internal_test.go.
func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	dsn := os.Getenv("JANITOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JANITOR_TEST_DATABASE_URL not set, skipping store integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := store.Open(ctx, dsn, zap.NewNop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	if err := st.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestScheduleAssignAndFinish(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutCodebase(ctx, store.Codebase{Name: "widget", VCSType: "git", BranchURL: "https://example.org/widget"}); err != nil {
		t.Fatalf("PutCodebase: %v", err)
	}

	qid, err := st.Schedule(ctx, store.QueueItem{
		Codebase: "widget", Campaign: "lintian-fixes", Command: "janitor-codemod lintian-fixes",
		Bucket: store.BucketDefault, EstimatedDuration: time.Minute,
	})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	if qid == 0 {
		t.Fatal("expected nonzero queue id")
	}

	run, err := st.Assign(ctx, "worker-1", nil, "log-1", store.AssignFilters{}, nil)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if run.Codebase != "widget" || run.Campaign != "lintian-fixes" {
		t.Fatalf("unexpected assignment: %+v", run)
	}

	if _, err := st.Assign(ctx, "worker-2", nil, "log-2", store.AssignFilters{}, nil); err == nil {
		t.Fatal("expected empty queue on second assign")
	}

	err = st.RecordRunResult(ctx, store.Run{
		LogID: "log-1", Codebase: "widget", Campaign: "lintian-fixes",
		StartTime: run.StartTime, FinishTime: time.Now(),
		ResultCode: store.ResultSuccess, Revision: "deadbeef",
		MainBranchRevision: "cafef00d",
	})
	if err != nil {
		t.Fatalf("RecordRunResult: %v", err)
	}

	if err := st.RecordRunResult(ctx, store.Run{LogID: "log-1", ResultCode: store.ResultSuccess}); !store.IsAlreadyFinished(err) {
		t.Fatalf("expected ErrAlreadyFinished on duplicate finish, got %v", err)
	}

	last, err := st.LastRun(ctx, "widget", "lintian-fixes")
	if err != nil {
		t.Fatalf("LastRun: %v", err)
	}
	if last.LastRunID != "log-1" {
		t.Fatalf("LastRun.LastRunID = %q, want log-1", last.LastRunID)
	}
}

func TestAbortRunIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	aborted, err := st.AbortRun(ctx, "nonexistent", store.ResultWorkerTimeout)
	if err != nil {
		t.Fatalf("AbortRun: %v", err)
	}
	if aborted {
		t.Fatal("AbortRun on unknown log_id should be a no-op, not abort")
	}
}

func TestBaselineRun(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.PutCodebase(ctx, store.Codebase{Name: "gizmo", VCSType: "git", BranchURL: "https://example.org/gizmo"}); err != nil {
		t.Fatalf("PutCodebase: %v", err)
	}

	if _, ok, err := st.BaselineRun(ctx, "gizmo", "control"); err != nil || ok {
		t.Fatalf("BaselineRun with no runs: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	// RecordRunResult only accepts a run that holds an active lease.
	lease := func(logID string) {
		if _, err := st.Schedule(ctx, store.QueueItem{Codebase: "gizmo", Campaign: "control", Command: "x", Bucket: store.BucketDefault}); err != nil {
			t.Fatalf("Schedule %s: %v", logID, err)
		}
		if _, err := st.Assign(ctx, "worker-1", nil, logID, store.AssignFilters{}, nil); err != nil {
			t.Fatalf("Assign %s: %v", logID, err)
		}
	}

	lease("control-1")
	if err := st.RecordRunResult(ctx, store.Run{
		LogID: "control-1", Codebase: "gizmo", Campaign: "control",
		StartTime: time.Now().Add(-time.Hour), FinishTime: time.Now().Add(-time.Hour),
		ResultCode: store.ResultSuccess, Revision: "aaa111",
	}); err != nil {
		t.Fatalf("RecordRunResult control-1: %v", err)
	}
	lease("control-2")
	if err := st.RecordRunResult(ctx, store.Run{
		LogID: "control-2", Codebase: "gizmo", Campaign: "control",
		StartTime: time.Now(), FinishTime: time.Now(),
		ResultCode: store.ResultSuccess, Revision: "bbb222",
	}); err != nil {
		t.Fatalf("RecordRunResult control-2: %v", err)
	}

	logID, ok, err := st.BaselineRun(ctx, "gizmo", "control")
	if err != nil {
		t.Fatalf("BaselineRun: %v", err)
	}
	if !ok || logID != "control-2" {
		t.Fatalf("BaselineRun = (%q, %v), want (control-2, true)", logID, ok)
	}
}

func TestWorkerCredentials(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if ok, err := st.CheckWorkerCredentials(ctx, "no-such-worker", "whatever"); err != nil || ok {
		t.Fatalf("unenrolled worker: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	if err := st.EnrollWorker(ctx, "worker-1", "correct-horse"); err != nil {
		t.Fatalf("EnrollWorker: %v", err)
	}

	if ok, err := st.CheckWorkerCredentials(ctx, "worker-1", "correct-horse"); err != nil || !ok {
		t.Fatalf("correct credentials: ok=%v err=%v, want ok=true err=nil", ok, err)
	}
	if ok, err := st.CheckWorkerCredentials(ctx, "worker-1", "wrong-password"); err != nil || ok {
		t.Fatalf("wrong password: ok=%v err=%v, want ok=false err=nil", ok, err)
	}

	// Re-enrolling rotates the credential rather than erroring.
	if err := st.EnrollWorker(ctx, "worker-1", "new-password"); err != nil {
		t.Fatalf("re-enroll: %v", err)
	}
	if ok, _ := st.CheckWorkerCredentials(ctx, "worker-1", "correct-horse"); ok {
		t.Fatal("old password should no longer verify after rotation")
	}
	if ok, err := st.CheckWorkerCredentials(ctx, "worker-1", "new-password"); err != nil || !ok {
		t.Fatalf("rotated credentials: ok=%v err=%v, want ok=true err=nil", ok, err)
	}
}
