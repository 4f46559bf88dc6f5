package registry

import (
	"context"
	"strings"
	"sync"
)

// MemRegistry is an in-memory Registry for tests.
type MemRegistry struct {
	mu       sync.RWMutex
	projects map[string]ProjectConfig
	streams  map[string]StreamRecord
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		projects: make(map[string]ProjectConfig),
		streams:  make(map[string]StreamRecord),
	}
}

func (r *MemRegistry) GetProject(_ context.Context, projectID string) (ProjectConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.projects[projectID]
	if !ok {
		return ProjectConfig{}, ErrNotFound
	}
	return cfg, nil
}

func (r *MemRegistry) PutProject(_ context.Context, projectID string, cfg ProjectConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.projects[projectID] = cfg
	return nil
}

func (r *MemRegistry) GetStream(_ context.Context, path string) (StreamRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.streams[path]
	if !ok {
		return StreamRecord{}, ErrNotFound
	}
	return rec, nil
}

func (r *MemRegistry) PutStream(_ context.Context, path string, rec StreamRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.streams[path] = rec
	return nil
}

func (r *MemRegistry) DeleteStream(_ context.Context, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streams, path)
	return nil
}

func (r *MemRegistry) ListStreams(_ context.Context, prefix string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for k := range r.streams {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	return out, nil
}

func (r *MemRegistry) Close() error { return nil }
