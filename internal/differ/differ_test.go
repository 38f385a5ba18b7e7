package differ

import (
	"context"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"

	"github.com/janitor-project/janitor/internal/artifactstore"
)

// fakeArtifacts is a minimal in-memory artifactstore.Store that counts how
// many times artifacts are listed, to detect whether concurrent Compute
// calls for the same request were coalesced into one underlying
// computation instead of running it once per caller.
type fakeArtifacts struct {
	listCalls atomic.Int64
}

func (f *fakeArtifacts) Store(context.Context, string, artifactstore.UploadSet) error { return nil }
func (f *fakeArtifacts) ListLogs(context.Context, string) ([]string, error)           { return nil, nil }
func (f *fakeArtifacts) FetchLog(context.Context, string, string) (io.ReadCloser, error) {
	return nil, &artifactstore.ErrNotFound{}
}
func (f *fakeArtifacts) ListArtifacts(context.Context, string) ([]string, error) {
	f.listCalls.Add(1)
	return nil, nil
}
func (f *fakeArtifacts) FetchArtifact(context.Context, string, string) (io.ReadCloser, error) {
	return nil, &artifactstore.ErrNotFound{}
}

// fakeCache is an in-memory Cache.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache { return &fakeCache{data: map[string][]byte{}} }

func (c *fakeCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.data[key]
	return v, ok, nil
}

func (c *fakeCache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func newTestDiffer(artifacts artifactstore.Store, cache Cache) *Differ {
	cfg := DefaultConfig()
	cfg.Tool.DebdiffPath = "echo"
	cfg.Tool.DiffoscopePath = "echo"
	return New(artifacts, cache, cfg, zap.NewNop())
}

func TestComputeCachesResult(t *testing.T) {
	artifacts := &fakeArtifacts{}
	d := newTestDiffer(artifacts, newFakeCache())
	req := Request{Kind: KindDebdiff, OldRunID: "run-a", NewRunID: "run-b"}

	if _, err := d.Compute(context.Background(), req); err != nil {
		t.Fatalf("Compute: %v", err)
	}
	if _, err := d.Compute(context.Background(), req); err != nil {
		t.Fatalf("Compute (cached): %v", err)
	}
	if n := artifacts.listCalls.Load(); n != 2 {
		t.Fatalf("ListArtifacts called %d times, want 2 (one per run, staged once)", n)
	}
}

func TestComputeCoalescesConcurrentRequests(t *testing.T) {
	artifacts := &fakeArtifacts{}
	d := newTestDiffer(artifacts, newFakeCache())
	req := Request{Kind: KindDiffoscope, OldRunID: "run-x", NewRunID: "run-y"}

	const n = 8
	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Compute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i, err := range errs {
		if err != nil {
			t.Fatalf("Compute[%d]: %v", i, err)
		}
	}
	// singleflight.Group coalesces callers racing on the same key into one
	// underlying computation: exactly 2 artifact listings (old + new run),
	// regardless of how many goroutines asked for it concurrently.
	if got := artifacts.listCalls.Load(); got != 2 {
		t.Fatalf("ListArtifacts called %d times across %d concurrent callers, want 2", got, n)
	}
}

func TestComputeUnknownKindErrors(t *testing.T) {
	artifacts := &fakeArtifacts{}
	d := newTestDiffer(artifacts, newFakeCache())
	_, err := d.Compute(context.Background(), Request{Kind: Kind("bogus"), OldRunID: "a", NewRunID: "b"})
	if err == nil || !strings.Contains(err.Error(), "unknown kind") {
		t.Fatalf("Compute with unknown kind: err = %v, want an unknown-kind error", err)
	}
}
