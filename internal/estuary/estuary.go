// Package estuary implements the estuary lifecycle manager of spec.md
// §4.7's estuary paragraph: a reverse index of the source streams an
// estuary is currently subscribed to, and a TTL alarm that, on fire,
// unsubscribes from every source and deletes the sink stream.
package estuary

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/durable-streams/streams-engine/internal/engine"
	"github.com/durable-streams/streams-engine/internal/engineerr"
	"github.com/durable-streams/streams-engine/internal/fanout"
	"github.com/durable-streams/streams-engine/internal/offsetv"
	"github.com/durable-streams/streams-engine/internal/registry"
)

// unsubscribeBatchSize is spec.md §4.7's "batches of 20" for alarm-fire
// cleanup.
const unsubscribeBatchSize = 20

// sweepInterval is how often the cron-scheduled sweep checks for expired
// estuaries. TTLs are seconds-granularity per spec.md §6, so a minute
// resolution sweep is adequate without per-estuary timers.
const sweepInterval = "@every 1m"

// subscriptionRecord is the `est:<project>/<estuary_id>:<source_stream>`
// value of spec.md §6's persisted-state layout.
type subscriptionRecord struct {
	SubscribedAt int64 `json:"subscribed_at"`
}

// estuaryState is the in-memory record for one estuary.
type estuaryState struct {
	project   string
	estuaryID string
	sources   map[string]struct{}
	expiresAt time.Time
}

// Manager owns every estuary's reverse index and runs the periodic TTL
// sweep via a robfig/cron scheduler (reused here as a fixed-interval
// timer wheel rather than for calendar scheduling).
type Manager struct {
	manager *engine.Manager
	subs    *fanout.SubscriberRegistry
	kv      registry.KVStore
	logger  *zap.Logger

	mu       sync.Mutex
	estuaries map[string]*estuaryState // "<project>/<estuaryId>" -> state

	cron    *cron.Cron
	entryID cron.EntryID
}

// NewManager constructs the estuary lifecycle manager and starts its
// sweep loop.
func NewManager(manager *engine.Manager, subs *fanout.SubscriberRegistry, kv registry.KVStore, logger *zap.Logger) *Manager {
	m := &Manager{
		manager:   manager,
		subs:      subs,
		kv:        kv,
		logger:    logger,
		estuaries: make(map[string]*estuaryState),
		cron:      cron.New(),
	}
	id, err := m.cron.AddFunc(sweepInterval, m.sweep)
	if err != nil {
		logger.Error("estuary: failed to schedule TTL sweep, expiry is disabled", zap.Error(err))
	} else {
		m.entryID = id
	}
	m.cron.Start()
	return m
}

// Stop halts the sweep loop.
func (m *Manager) Stop() {
	m.cron.Stop()
}

func estKey(project, estuaryID string) string { return project + "/" + estuaryID }

func subIndexKey(project, estuaryID, sourceStream string) string {
	return "est:" + project + "/" + estuaryID + ":" + sourceStream
}

func subIndexPrefix(project, estuaryID string) string {
	return "est:" + project + "/" + estuaryID + ":"
}

// SubscribeResult is the response body of POST /estuary/subscribe.
type SubscribeResult struct {
	EstuaryID         string
	SourceStreamID    string
	EstuaryStreamPath string
	ExpiresAt         int64
	IsNewEstuary      bool
}

// Subscribe implements POST /estuary/subscribe/<project>/<stream>: ensures
// the estuary's sink stream exists (content-type matched to the source),
// records the subscription in both the fan-out registry and this
// manager's reverse index, and (re)arms the estuary's TTL.
func (m *Manager) Subscribe(ctx context.Context, project, sourceStream, estuaryID string, ttlSeconds int64) (*SubscribeResult, error) {
	if estuaryID == "" {
		estuaryID = uuid.NewString()
	}
	sourcePath, err := offsetv.ParseStreamPath(project + "/" + sourceStream)
	if err != nil {
		return nil, err
	}
	sourceActor, err := m.manager.GetOrCreate(sourcePath)
	if err != nil {
		return nil, err
	}
	sourceMeta, err := sourceActor.Meta(ctx)
	if err != nil {
		return nil, err
	}

	sinkPath, err := offsetv.ParseStreamPath(project + "/" + estuaryID)
	if err != nil {
		return nil, err
	}
	sinkActor, err := m.manager.GetOrCreate(sinkPath)
	if err != nil {
		return nil, err
	}

	createRes, err := sinkActor.Create(ctx, engine.CreateInput{ContentType: sourceMeta.ContentType, Public: false})
	if err != nil {
		return nil, err
	}
	isNew := createRes.Created

	if err := m.subs.AddSubscriber(ctx, sourcePath.String(), estuaryID); err != nil {
		return nil, fmt.Errorf("estuary: record subscriber: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	m.mu.Lock()
	key := estKey(project, estuaryID)
	st, ok := m.estuaries[key]
	if !ok {
		st = &estuaryState{project: project, estuaryID: estuaryID, sources: make(map[string]struct{})}
		m.estuaries[key] = st
	}
	st.sources[sourcePath.String()] = struct{}{}
	st.expiresAt = expiresAt
	m.mu.Unlock()

	if err := registry.PutJSON(ctx, m.kv, subIndexKey(project, estuaryID, sourcePath.String()), subscriptionRecord{SubscribedAt: time.Now().UnixMilli()}); err != nil {
		m.logger.Warn("estuary: failed to persist reverse index entry", zap.Error(err))
	}

	return &SubscribeResult{
		EstuaryID:         estuaryID,
		SourceStreamID:    sourcePath.String(),
		EstuaryStreamPath: sinkPath.String(),
		ExpiresAt:         expiresAt.UnixMilli(),
		IsNewEstuary:      isNew,
	}, nil
}

// Unsubscribe implements DELETE /estuary/subscribe/<project>/<stream>.
func (m *Manager) Unsubscribe(ctx context.Context, project, sourceStream, estuaryID string) error {
	sourcePath, err := offsetv.ParseStreamPath(project + "/" + sourceStream)
	if err != nil {
		return err
	}
	if err := m.subs.RemoveSubscriber(ctx, sourcePath.String(), estuaryID); err != nil {
		m.logger.Warn("estuary: remove subscriber failed", zap.Error(err))
	}
	_ = m.kv.Delete(ctx, subIndexKey(project, estuaryID, sourcePath.String()))

	m.mu.Lock()
	if st, ok := m.estuaries[estKey(project, estuaryID)]; ok {
		delete(st.sources, sourcePath.String())
	}
	m.mu.Unlock()
	return nil
}

// Touch extends an estuary's expiry, used by POST /v1/estuary/<p>/<e>.
func (m *Manager) Touch(project, estuaryID string, ttlSeconds int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.estuaries[estKey(project, estuaryID)]
	if !ok {
		return engineerr.New(engineerr.CodeStreamNotFound, "no estuary %s/%s", project, estuaryID)
	}
	st.expiresAt = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	return nil
}

// List returns the source streams an estuary currently subscribes to.
func (m *Manager) List(project, estuaryID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.estuaries[estKey(project, estuaryID)]
	if !ok {
		return nil, engineerr.New(engineerr.CodeStreamNotFound, "no estuary %s/%s", project, estuaryID)
	}
	out := make([]string, 0, len(st.sources))
	for s := range st.sources {
		out = append(out, s)
	}
	sort.Strings(out)
	return out, nil
}

// Delete tears down an estuary immediately: unsubscribe from every source
// and delete the sink stream, the same sequence the TTL alarm performs.
func (m *Manager) Delete(ctx context.Context, project, estuaryID string) error {
	m.mu.Lock()
	st, ok := m.estuaries[estKey(project, estuaryID)]
	if ok {
		delete(m.estuaries, estKey(project, estuaryID))
	}
	m.mu.Unlock()
	if !ok {
		return engineerr.New(engineerr.CodeStreamNotFound, "no estuary %s/%s", project, estuaryID)
	}
	m.expire(ctx, st)
	return nil
}

// sweep is the cron-scheduled tick: fire the alarm sequence for every
// estuary whose expiry has passed.
func (m *Manager) sweep() {
	ctx := context.Background()
	now := time.Now()

	var expired []*estuaryState
	m.mu.Lock()
	for key, st := range m.estuaries {
		if !st.expiresAt.IsZero() && now.After(st.expiresAt) {
			expired = append(expired, st)
			delete(m.estuaries, key)
		}
	}
	m.mu.Unlock()

	for _, st := range expired {
		m.expire(ctx, st)
	}
}

// expire performs spec.md §4.7's alarm-fire sequence: unsubscribe from
// all sources in batches of 20, then delete the sink stream.
func (m *Manager) expire(ctx context.Context, st *estuaryState) {
	sources := make([]string, 0, len(st.sources))
	for s := range st.sources {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	for start := 0; start < len(sources); start += unsubscribeBatchSize {
		end := start + unsubscribeBatchSize
		if end > len(sources) {
			end = len(sources)
		}
		var wg sync.WaitGroup
		for _, source := range sources[start:end] {
			wg.Add(1)
			go func(source string) {
				defer wg.Done()
				if err := m.subs.RemoveSubscriber(ctx, source, st.estuaryID); err != nil {
					m.logger.Warn("estuary: alarm unsubscribe failed", zap.String("source", source), zap.Error(err))
				}
				_ = m.kv.Delete(ctx, subIndexKey(st.project, st.estuaryID, source))
			}(source)
		}
		wg.Wait()
	}

	sinkPath, err := offsetv.ParseStreamPath(st.project + "/" + st.estuaryID)
	if err != nil {
		return
	}
	sinkActor, err := m.manager.GetOrCreate(sinkPath)
	if err != nil {
		m.logger.Warn("estuary: could not open sink actor for deletion", zap.Error(err))
		return
	}
	if err := sinkActor.Delete(ctx); err != nil {
		if e, ok := engineerr.As(err); !ok || e.Code != engineerr.CodeStreamNotFound {
			m.logger.Warn("estuary: sink stream delete failed", zap.String("sink", sinkPath.String()), zap.Error(err))
		}
	}
	m.manager.Evict(sinkPath)
}

// LoadReverseIndex rebuilds one estuary's in-memory source set from kv,
// used on process start.
func (m *Manager) LoadReverseIndex(ctx context.Context, project, estuaryID string, ttlSeconds int64) error {
	keys, err := m.kv.List(ctx, subIndexPrefix(project, estuaryID))
	if err != nil {
		return err
	}
	prefix := subIndexPrefix(project, estuaryID)
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.estuaries[estKey(project, estuaryID)]
	if !ok {
		st = &estuaryState{project: project, estuaryID: estuaryID, sources: make(map[string]struct{})}
		m.estuaries[estKey(project, estuaryID)] = st
	}
	for _, k := range keys {
		st.sources[strings.TrimPrefix(k, prefix)] = struct{}{}
	}
	st.expiresAt = time.Now().Add(time.Duration(ttlSeconds) * time.Second)
	return nil
}
