package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"go.etcd.io/bbolt"
)

// KVStore is the generic key/value contract of spec.md §6 consumed by the
// fan-out and estuary packages for the `sub:` and `est:` key families —
// distinct from Registry, which is shaped specifically around project and
// stream records.
type KVStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Close() error
}

var kvBucket = []byte("kv")

// BboltKVStore is the bbolt-backed KVStore, sharing the teacher's
// store/bbolt.go pattern of one bucket per logical namespace.
type BboltKVStore struct {
	db *bbolt.DB
}

// NewBboltKVStore opens the shared kv bucket inside an already-open bbolt
// database (callers typically point this at the same file as a
// BboltRegistry so one process owns one database file).
func NewBboltKVStore(db *bbolt.DB) (*BboltKVStore, error) {
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(kvBucket)
		return err
	}); err != nil {
		return nil, fmt.Errorf("registry: create kv bucket: %w", err)
	}
	return &BboltKVStore{db: db}, nil
}

func (s *BboltKVStore) Get(_ context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(kvBucket).Get([]byte(key))
		if raw == nil {
			return ErrNotFound
		}
		out = append([]byte(nil), raw...)
		return nil
	})
	return out, err
}

func (s *BboltKVStore) Put(_ context.Context, key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Put([]byte(key), value)
	})
}

func (s *BboltKVStore) Delete(_ context.Context, key string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(kvBucket).Delete([]byte(key))
	})
}

func (s *BboltKVStore) List(_ context.Context, prefix string) ([]string, error) {
	var out []string
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(kvBucket).Cursor()
		p := []byte(prefix)
		for k, _ := c.Seek(p); k != nil && strings.HasPrefix(string(k), prefix); k, _ = c.Next() {
			out = append(out, string(k))
		}
		return nil
	})
	return out, err
}

func (s *BboltKVStore) Close() error { return nil } // the owning Registry closes the shared *bbolt.DB

// MemKVStore is an in-memory KVStore for tests.
type MemKVStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemKVStore() *MemKVStore {
	return &MemKVStore{data: make(map[string][]byte)}
}

func (s *MemKVStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemKVStore) Put(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), value...)
	return nil
}

func (s *MemKVStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.data, key)
	return nil
}

func (s *MemKVStore) List(_ context.Context, prefix string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for k := range s.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *MemKVStore) Close() error { return nil }

// PutJSON is a convenience for KV values that are small JSON envelopes
// (subscription/subscription-reverse-index records in spec.md §6).
func PutJSON(ctx context.Context, kv KVStore, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("registry: marshal kv value: %w", err)
	}
	return kv.Put(ctx, key, raw)
}

// GetJSON unmarshals a KV value written by PutJSON.
func GetJSON(ctx context.Context, kv KVStore, key string, v any) error {
	raw, err := kv.Get(ctx, key)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
