package publisher_test

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/publisher"
	"github.com/janitor-project/janitor/internal/store"
	"github.com/janitor-project/janitor/internal/vcspublish"
)

// openTestPublisher mirrors the store package's integration-test gating:
// these exercises need a live Postgres, so they're skipped unless
// JANITOR_TEST_DATABASE_URL is set.
func openTestPublisher(t *testing.T) (*publisher.Publisher, *store.Store) {
	t.Helper()
	dsn := os.Getenv("JANITOR_TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("JANITOR_TEST_DATABASE_URL not set, skipping publisher integration test")
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

	bus := eventbus.NewBus(16)
	pub := publisher.New(st, bus, noopPublisher{}, publisher.DefaultConfig(), zap.NewNop())
	return pub, st
}

type noopPublisher struct{}

func (noopPublisher) PublishOne(context.Context, vcspublish.Request) (vcspublish.Result, error) {
	return vcspublish.Result{IsNew: true, BranchName: "janitor/fix"}, nil
}

func TestConsiderBlocksOnMissingRevision(t *testing.T) {
	pub, st := openTestPublisher(t)
	ctx := context.Background()

	if err := st.PutCodebase(ctx, store.Codebase{Name: "widget", VCSType: "git", BranchURL: "https://example.org/widget"}); err != nil {
		t.Fatalf("PutCodebase: %v", err)
	}
	if _, err := st.PutCandidate(ctx, store.Candidate{Codebase: "widget", Campaign: "lintian-fixes", Command: "janitor-codemod lintian-fixes"}); err != nil {
		t.Fatalf("PutCandidate: %v", err)
	}
	if err := st.PutPolicy(ctx, store.Policy{Name: "lintian-fixes", Mode: store.ModePush}); err != nil {
		t.Fatalf("PutPolicy: %v", err)
	}

	qid, err := st.Schedule(ctx, store.QueueItem{Codebase: "widget", Campaign: "lintian-fixes", Command: "janitor-codemod lintian-fixes", Bucket: store.BucketDefault})
	if err != nil {
		t.Fatalf("Schedule: %v", err)
	}
	run, err := st.Assign(ctx, "worker-1", nil, "log-no-rev", store.AssignFilters{}, nil)
	if err != nil {
		t.Fatalf("Assign: %v", err)
	}
	if run.QueueID != qid {
		t.Fatalf("unexpected queue id: %d != %d", run.QueueID, qid)
	}

	if err := st.RecordRunResult(ctx, store.Run{
		LogID: "log-no-rev", Codebase: "widget", Campaign: "lintian-fixes", Command: "janitor-codemod lintian-fixes",
		ResultCode: store.ResultSuccess, PublishStatus: store.PublishStatusUnknown,
		Branches: []store.ResultBranch{{RunID: "log-no-rev", Role: "main", Revision: ""}},
	}); err != nil {
		t.Fatalf("RecordRunResult: %v", err)
	}

	blockers, err := pub.GetBlockers(ctx, "log-no-rev")
	if err != nil {
		t.Fatalf("GetBlockers: %v", err)
	}
	mainBlockers, ok := blockers["main"]
	if !ok || len(mainBlockers) == 0 || mainBlockers[0].Key != publisher.BlockerMissingRevision {
		t.Fatalf("expected missing-revision blocker, got %+v", blockers)
	}
}
