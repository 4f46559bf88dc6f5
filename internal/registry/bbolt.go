package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	projectsBucket = []byte("projects")
	streamsBucket  = []byte("streams")
)

// BboltRegistry is the bbolt-backed Registry, grounded on the teacher's
// BboltMetadataStore (store/bbolt.go), generalized from one per-handler
// metadata table into the project/stream KV split of spec.md §4.4.
type BboltRegistry struct {
	db     *bbolt.DB
	logger *zap.Logger
}

// NewBboltRegistry opens (creating if absent) the registry database at
// <dataDir>/registry.db.
func NewBboltRegistry(dataDir string, logger *zap.Logger) (*BboltRegistry, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("registry: mkdir: %w", err)
	}
	db, err := bbolt.Open(filepath.Join(dataDir, "registry.db"), 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("registry: open: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(projectsBucket); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(streamsBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("registry: create buckets: %w", err)
	}
	return &BboltRegistry{db: db, logger: logger}, nil
}

func (r *BboltRegistry) GetProject(_ context.Context, projectID string) (ProjectConfig, error) {
	var cfg ProjectConfig
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(projectsBucket).Get([]byte(projectID))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &cfg)
	})
	return cfg, err
}

func (r *BboltRegistry) PutProject(_ context.Context, projectID string, cfg ProjectConfig) error {
	raw, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("registry: marshal project config: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(projectsBucket).Put([]byte(projectID), raw)
	})
}

func (r *BboltRegistry) GetStream(_ context.Context, path string) (StreamRecord, error) {
	var rec StreamRecord
	err := r.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(streamsBucket).Get([]byte(path))
		if raw == nil {
			return ErrNotFound
		}
		return json.Unmarshal(raw, &rec)
	})
	return rec, err
}

func (r *BboltRegistry) PutStream(_ context.Context, path string, rec StreamRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("registry: marshal stream record: %w", err)
	}
	return r.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(streamsBucket).Put([]byte(path), raw)
	})
}

// DeleteStream retries the bucket delete up to 3 times with linear backoff,
// per spec.md §4.4; it logs and returns nil after exhausting retries so
// the engine's own delete path (which trusts hot storage) is never blocked
// by a stale registry.
func (r *BboltRegistry) DeleteStream(ctx context.Context, path string) error {
	var lastErr error
	for attempt := 0; attempt <= len(DeleteRetryBackoff); attempt++ {
		lastErr = r.db.Update(func(tx *bbolt.Tx) error {
			return tx.Bucket(streamsBucket).Delete([]byte(path))
		})
		if lastErr == nil {
			return nil
		}
		if attempt == len(DeleteRetryBackoff) {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(DeleteRetryBackoff[attempt]):
		}
	}
	if r.logger != nil {
		r.logger.Error("registry: giving up on stream delete after retries",
			zap.String("path", path), zap.Error(lastErr))
	}
	return nil
}

func (r *BboltRegistry) ListStreams(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := r.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(streamsBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (r *BboltRegistry) Close() error {
	return r.db.Close()
}

// DB exposes the underlying handle so callers can open a BboltKVStore
// against the same database file (one process, one bbolt file).
func (r *BboltRegistry) DB() *bbolt.DB {
	return r.db
}
