package differ

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/eventbus"
	"github.com/janitor-project/janitor/internal/store"
)

type fakeBaseline struct {
	logID string
	ok    bool
	err   error
}

func (f fakeBaseline) BaselineRun(context.Context, string, string) (string, bool, error) {
	return f.logID, f.ok, f.err
}

func newTestPrecacher(baseline baselineLookup) (*Precacher, *fakeArtifacts) {
	artifacts := &fakeArtifacts{}
	d := newTestDiffer(artifacts, newFakeCache())
	bus := eventbus.NewBus(8)
	p := NewPrecacher(d, baseline, bus, DefaultPrecacheConfig(), zap.NewNop())
	return p, artifacts
}

func TestPrecacheHandleEnqueuesBothKinds(t *testing.T) {
	p, artifacts := newTestPrecacher(fakeBaseline{logID: "baseline-1", ok: true})

	p.handle(context.Background(), eventbus.OutboxEvent{
		Topic: eventbus.TopicRunFinished,
		Payload: map[string]any{
			"run_id": "new-1", "codebase": "widget", "campaign": "lintian-fixes",
			"result_code": string(store.ResultSuccess),
		},
	})

	// enqueue spawns a goroutine per kind; give them a moment to run.
	deadline := time.After(time.Second)
	for artifacts.listCalls.Load() < 4 {
		select {
		case <-deadline:
			t.Fatalf("ListArtifacts called %d times, want 4 (2 kinds x 2 runs)", artifacts.listCalls.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestPrecacheHandleSkipsNonSuccess(t *testing.T) {
	p, artifacts := newTestPrecacher(fakeBaseline{logID: "baseline-1", ok: true})

	p.handle(context.Background(), eventbus.OutboxEvent{
		Topic: eventbus.TopicRunFinished,
		Payload: map[string]any{
			"run_id": "new-1", "codebase": "widget", "campaign": "lintian-fixes",
			"result_code": string(store.ResultWorkerFailure),
		},
	})

	time.Sleep(20 * time.Millisecond)
	if n := artifacts.listCalls.Load(); n != 0 {
		t.Fatalf("ListArtifacts called %d times for a non-success result, want 0", n)
	}
}

func TestPrecacheHandleSkipsWhenNoBaseline(t *testing.T) {
	p, artifacts := newTestPrecacher(fakeBaseline{ok: false})

	p.handle(context.Background(), eventbus.OutboxEvent{
		Topic: eventbus.TopicRunFinished,
		Payload: map[string]any{
			"run_id": "new-1", "codebase": "widget", "campaign": "lintian-fixes",
			"result_code": string(store.ResultSuccess),
		},
	})

	time.Sleep(20 * time.Millisecond)
	if n := artifacts.listCalls.Load(); n != 0 {
		t.Fatalf("ListArtifacts called %d times with no baseline, want 0", n)
	}
}

func TestPrecacheHandleSkipsSelfBaseline(t *testing.T) {
	p, artifacts := newTestPrecacher(fakeBaseline{logID: "new-1", ok: true})

	p.handle(context.Background(), eventbus.OutboxEvent{
		Topic: eventbus.TopicRunFinished,
		Payload: map[string]any{
			"run_id": "new-1", "codebase": "widget", "campaign": "lintian-fixes",
			"result_code": string(store.ResultSuccess),
		},
	})

	time.Sleep(20 * time.Millisecond)
	if n := artifacts.listCalls.Load(); n != 0 {
		t.Fatalf("ListArtifacts called %d times when baseline == new run, want 0", n)
	}
}
