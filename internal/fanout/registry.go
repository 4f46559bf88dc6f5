// Package fanout implements the publish/subscribe replication layer of
// spec.md §4.7: a per-source-stream subscriber registry, a two-tier
// inline/queued publish dispatcher, and the circuit breaker that protects
// the inline path under sustained failure.
package fanout

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/durable-streams/streams-engine/internal/registry"
)

// subscriptionRecord is the `sub:<project>/<stream>:<estuary_id>` value of
// spec.md §6's persisted-state layout.
type subscriptionRecord struct {
	SubscribedAt int64 `json:"subscribed_at"`
}

// SubscriberRegistry is the authoritative per-source-stream subscriber set
// of spec.md §4.7. One instance is shared process-wide; state is kept
// in-memory for the hot path and mirrored into kv for restart recovery.
type SubscriberRegistry struct {
	kv registry.KVStore

	mu   sync.Mutex
	subs map[string]map[string]struct{} // sourcePath -> estuaryId set
	seq  map[string]uint64              // sourcePath -> fanout_seq
}

// NewSubscriberRegistry constructs a registry backed by kv.
func NewSubscriberRegistry(kv registry.KVStore) *SubscriberRegistry {
	return &SubscriberRegistry{
		kv:   kv,
		subs: make(map[string]map[string]struct{}),
		seq:  make(map[string]uint64),
	}
}

func subKey(sourcePath, estuaryID string) string {
	return "sub:" + sourcePath + ":" + estuaryID
}

func subPrefix(sourcePath string) string {
	return "sub:" + sourcePath + ":"
}

// AddSubscriber records estuaryId as a subscriber of sourcePath.
func (r *SubscriberRegistry) AddSubscriber(ctx context.Context, sourcePath, estuaryID string) error {
	r.mu.Lock()
	set, ok := r.subs[sourcePath]
	if !ok {
		set = make(map[string]struct{})
		r.subs[sourcePath] = set
	}
	set[estuaryID] = struct{}{}
	r.mu.Unlock()

	return registry.PutJSON(ctx, r.kv, subKey(sourcePath, estuaryID), subscriptionRecord{SubscribedAt: time.Now().UnixMilli()})
}

// RemoveSubscriber drops estuaryId from sourcePath's subscriber set.
// Removing an absent subscriber is not an error.
func (r *SubscriberRegistry) RemoveSubscriber(ctx context.Context, sourcePath, estuaryID string) error {
	r.mu.Lock()
	if set, ok := r.subs[sourcePath]; ok {
		delete(set, estuaryID)
		if len(set) == 0 {
			delete(r.subs, sourcePath)
		}
	}
	r.mu.Unlock()

	return r.kv.Delete(ctx, subKey(sourcePath, estuaryID))
}

// RemoveSubscribers removes a batch of estuary ids from sourcePath,
// collecting (and returning) per-item errors rather than aborting early,
// matching spec.md §4.7's "per-item error logging on failure".
func (r *SubscriberRegistry) RemoveSubscribers(ctx context.Context, sourcePath string, estuaryIDs []string) []error {
	var errs []error
	for _, id := range estuaryIDs {
		if err := r.RemoveSubscriber(ctx, sourcePath, id); err != nil {
			errs = append(errs, fmt.Errorf("fanout: remove subscriber %s from %s: %w", id, sourcePath, err))
		}
	}
	return errs
}

// List returns the current subscriber estuary ids for sourcePath, sorted
// for deterministic batching.
func (r *SubscriberRegistry) List(sourcePath string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subs[sourcePath]
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NextFanoutSeq returns the next monotonic fanout_seq for sourcePath and
// advances the counter, used to tag queued-path producer headers so
// redelivery is idempotent (spec.md §4.7 step 4).
func (r *SubscriberRegistry) NextFanoutSeq(sourcePath string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq := r.seq[sourcePath]
	r.seq[sourcePath] = seq + 1
	return seq
}

// LoadFromKV rebuilds the in-memory subscriber set for sourcePath from the
// persisted kv entries, used on process start before the registry is
// otherwise warm.
func (r *SubscriberRegistry) LoadFromKV(ctx context.Context, sourcePath string) error {
	keys, err := r.kv.List(ctx, subPrefix(sourcePath))
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set := make(map[string]struct{}, len(keys))
	prefix := subPrefix(sourcePath)
	for _, k := range keys {
		set[strings.TrimPrefix(k, prefix)] = struct{}{}
	}
	if len(set) > 0 {
		r.subs[sourcePath] = set
	}
	return nil
}
