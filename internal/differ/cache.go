package differ

import (
	"context"
	"os"
	"path/filepath"
)

// Cache stores computed diff results keyed by cacheKey. It is deliberately
// separate from artifactstore.Store: that interface is keyed by run log_id
// and named file, while a diff result is keyed by an opaque content hash
// with no natural "run" owner.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
}

// FSCache stores diff results as flat files under BaseDir.
type FSCache struct {
	BaseDir string
}

// NewFSCache creates an FSCache rooted at baseDir.
func NewFSCache(baseDir string) (*FSCache, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, err
	}
	return &FSCache{BaseDir: baseDir}, nil
}

func (c *FSCache) path(key string) string {
	return filepath.Join(c.BaseDir, filepath.Base(key))
}

func (c *FSCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	data, err := os.ReadFile(c.path(key))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

func (c *FSCache) Put(_ context.Context, key string, value []byte) error {
	return os.WriteFile(c.path(key), value, 0o644)
}
