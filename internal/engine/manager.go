package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/coldstore"
	"github.com/durable-streams/streams-engine/internal/hotstore"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

// HotStoreFactory opens (or creates) the hot store for a stream path.
// DuckStore.Open backed by PathForStream is the production factory;
// tests pass one that hands out in-memory stores.
type HotStoreFactory func(path offsetv.StreamPath) (hotstore.Store, error)

// Manager is the keyed actor map of spec.md §9: "a stream is owned by
// exactly one actor at a time ... idle actors are evicted after a TTL
// and re-materialised lazily on next request". One Stream actor exists
// per path while it has recent traffic; GetOrCreate never blocks on
// another path's work.
type Manager struct {
	cold    coldstore.Store
	reg     registry.Registry
	logger  *zap.Logger
	openHot HotStoreFactory

	mu      sync.Mutex
	streams map[string]*Stream

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// NewManager constructs a Manager and starts its idle-eviction sweep.
func NewManager(openHot HotStoreFactory, cold coldstore.Store, reg registry.Registry, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		cold:      cold,
		reg:       reg,
		logger:    logger,
		openHot:   openHot,
		streams:   make(map[string]*Stream),
		stopSweep: make(chan struct{}),
	}
	go m.sweepLoop()
	return m
}

// GetOrCreate returns the actor for path, materialising it (opening hot
// storage) on first access.
func (m *Manager) GetOrCreate(path offsetv.StreamPath) (*Stream, error) {
	key := path.String()

	m.mu.Lock()
	if s, ok := m.streams[key]; ok {
		m.mu.Unlock()
		return s, nil
	}
	m.mu.Unlock()

	hot, err := m.openHot(path)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.streams[key]; ok {
		hot.Close()
		return s, nil
	}
	s := NewStream(path, hot, m.cold, m.reg, m.logger.With(zap.String("stream", key)))
	m.streams[key] = s
	return s, nil
}

// Evict removes an actor immediately, e.g. after a successful Delete,
// so a subsequent Create re-materialises clean state rather than
// reusing a stale in-process cache.
func (m *Manager) Evict(path offsetv.StreamPath) {
	key := path.String()
	m.mu.Lock()
	s, ok := m.streams[key]
	if ok {
		delete(m.streams, key)
	}
	m.mu.Unlock()
	if ok {
		s.closeHot()
	}
}

// Count reports the number of materialised actors, for metrics.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.streams)
}

// Close stops the sweep loop and closes every materialised actor's hot
// store. Intended for clean process shutdown.
func (m *Manager) Close() error {
	m.sweepOnce.Do(func() { close(m.stopSweep) })
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, s := range m.streams {
		s.closeHot()
		delete(m.streams, key)
	}
	return nil
}

func (m *Manager) sweepLoop() {
	ticker := time.NewTicker(ActorIdleTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopSweep:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *Manager) evictIdle() {
	evicted := make(map[string]*Stream)
	m.mu.Lock()
	for key, s := range m.streams {
		if s.IdleSince() >= ActorIdleTTL {
			evicted[key] = s
			delete(m.streams, key)
		}
	}
	m.mu.Unlock()

	for key, s := range evicted {
		m.logger.Debug("evicting idle stream actor", zap.String("stream", key))
		s.closeHot()
	}
}

// closeHot best-effort closes the actor's hot store handle, used both
// when an idle actor is evicted and when the Manager shuts down.
func (s *Stream) closeHot() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.hot.Close(); err != nil {
		s.logger.Warn("hot store close failed", zap.Error(err))
	}
}
