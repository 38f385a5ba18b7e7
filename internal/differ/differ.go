// Package differ implements C5: computing and caching debdiff/diffoscope
// output between two runs' artifacts, with per-key coalescing so
// concurrent requests for the same pair share one computation
// (spec.md §4.5).
package differ

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/janitor-project/janitor/internal/artifactstore"
	"github.com/janitor-project/janitor/internal/metrics"
	"github.com/janitor-project/janitor/internal/telemetry"
)

// Config configures the differ.
type Config struct {
	Tool    ToolConfig
	WorkDir string // base directory for ephemeral artifact-fetch scratch dirs
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{Tool: DefaultToolConfig(), WorkDir: os.TempDir()}
}

// Differ computes and caches diffs between two runs' artifacts.
type Differ struct {
	cfg       Config
	artifacts artifactstore.Store
	cache     Cache
	group     singleflight.Group
	logger    *zap.Logger
}

// New constructs a Differ.
func New(artifacts artifactstore.Store, cache Cache, cfg Config, logger *zap.Logger) *Differ {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Differ{cfg: cfg, artifacts: artifacts, cache: cache, logger: logger.Named("differ")}
}

// Compute returns the raw diff bytes for req, computing and caching it if
// not already cached. Implements spec.md §4.5's core algorithm.
func (d *Differ) Compute(ctx context.Context, req Request) ([]byte, error) {
	ctx, span := telemetry.StartDiffSpan(ctx, string(req.Kind), req.OldRunID, req.NewRunID)

	key := cacheKey(req)

	if cached, ok, err := d.cache.Get(ctx, key); err != nil {
		telemetry.EndDiffSpan(span, false, 0)
		return nil, err
	} else if ok {
		metrics.RecordDiffCache(true)
		telemetry.EndDiffSpan(span, true, len(cached))
		return cached, nil
	}
	metrics.RecordDiffCache(false)

	result, err, _ := d.group.Do(key, func() (any, error) {
		// Re-check the cache under the singleflight key: another caller may
		// have finished the computation between our first Get and here.
		if cached, ok, err := d.cache.Get(ctx, key); err == nil && ok {
			return cached, nil
		}
		out, err := d.computeUncached(ctx, req)
		if err != nil {
			// Transient compute failures are not cached, per spec.md §4.5 step 4.
			return nil, err
		}
		if err := d.cache.Put(ctx, key, out); err != nil {
			d.logger.Warn("cache put failed", zap.String("key", key), zap.Error(err))
		}
		return out, nil
	})
	if err != nil {
		telemetry.EndDiffSpan(span, false, 0)
		return nil, err
	}
	out := result.([]byte)
	telemetry.EndDiffSpan(span, false, len(out))
	return out, nil
}

func (d *Differ) computeUncached(ctx context.Context, req Request) ([]byte, error) {
	scratch, err := os.MkdirTemp(d.cfg.WorkDir, "janitor-differ-*")
	if err != nil {
		return nil, fmt.Errorf("differ: scratch dir: %w", err)
	}
	defer os.RemoveAll(scratch)

	oldDir := filepath.Join(scratch, "old")
	newDir := filepath.Join(scratch, "new")
	if err := d.stageArtifacts(ctx, req.OldRunID, oldDir); err != nil {
		return nil, fmt.Errorf("differ: stage old run %s: %w", req.OldRunID, err)
	}
	if err := d.stageArtifacts(ctx, req.NewRunID, newDir); err != nil {
		return nil, fmt.Errorf("differ: stage new run %s: %w", req.NewRunID, err)
	}

	start := time.Now()
	out, err := d.cfg.Tool.run(ctx, req.Kind, oldDir, newDir, req.FilterBoring)
	metrics.RecordDiffCompute(string(req.Kind), time.Since(start))
	return out, err
}

// stageArtifacts retrieves every artifact for runID into dir, a freshly
// created, caller-owned scratch directory.
func (d *Differ) stageArtifacts(ctx context.Context, runID, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	names, err := d.artifacts.ListArtifacts(ctx, runID)
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := d.stageOne(ctx, runID, name, dir); err != nil {
			return err
		}
	}
	return nil
}

func (d *Differ) stageOne(ctx context.Context, runID, name, dir string) error {
	rc, err := d.artifacts.FetchArtifact(ctx, runID, name)
	if err != nil {
		return err
	}
	defer rc.Close()

	f, err := os.Create(filepath.Join(dir, filepath.Base(name)))
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = io.Copy(f, rc)
	return err
}
