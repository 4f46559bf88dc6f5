package edge

import (
	"context"
	"errors"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheableRules(t *testing.T) {
	assert.False(t, Cacheable(CacheabilityInput{NoStore: true, StreamPublic: true}))
	assert.False(t, Cacheable(CacheabilityInput{AtTailPlainGET: true, StreamPublic: true}))
	assert.True(t, Cacheable(CacheabilityInput{AtTailPlainGET: true, IsLongPoll: true, StreamPublic: true}))
	assert.False(t, Cacheable(CacheabilityInput{StreamPublic: false, HasReaderKey: false}))
	assert.True(t, Cacheable(CacheabilityInput{StreamPublic: false, HasReaderKey: true}))
	assert.True(t, Cacheable(CacheabilityInput{StreamPublic: true}))
}

func TestKeyNormalisesQueryOrder(t *testing.T) {
	u1, _ := url.Parse("/v1/streams/p/s?from=10&limit=5")
	u2, _ := url.Parse("/v1/streams/p/s?limit=5&from=10")
	assert.Equal(t, Key(u1), Key(u2))
}

func TestCacheGetPutExpiry(t *testing.T) {
	c := NewCache()
	resp := &CachedResponse{StatusCode: 200, Body: []byte("x")}
	c.Put("k", resp, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestCachePurge(t *testing.T) {
	c := NewCache()
	c.Put("k", &CachedResponse{StatusCode: 200}, time.Hour)
	c.Purge("k")
	_, ok := c.Get("k")
	assert.False(t, ok)
}

func TestStrongETagStable(t *testing.T) {
	e1 := StrongETag([]byte("body"), "offset-1")
	e2 := StrongETag([]byte("body"), "offset-1")
	e3 := StrongETag([]byte("body"), "offset-2")
	assert.Equal(t, e1, e2)
	assert.NotEqual(t, e1, e3)
}

func TestCoalescerDedupesConcurrentFetches(t *testing.T) {
	cache := NewCache()
	co := NewCoalescer(cache, time.Millisecond, 10, 0)

	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	fetch := func(ctx context.Context) (*CachedResponse, bool, error) {
		atomic.AddInt32(&calls, 1)
		close(started)
		<-release
		return &CachedResponse{StatusCode: 200, Body: []byte("v")}, true, nil
	}

	results := make(chan *CachedResponse, 2)
	go func() {
		resp, err := co.Get(context.Background(), "k", time.Second, fetch)
		require.NoError(t, err)
		results <- resp
	}()
	<-started
	go func() {
		resp, err := co.Get(context.Background(), "k", time.Second, fetch)
		require.NoError(t, err)
		results <- resp
	}()
	close(release)

	r1 := <-results
	r2 := <-results
	assert.Same(t, r1, r2)
	assert.EqualValues(t, 1, atomic.LoadInt32(&calls))
}

func TestCoalescerDropsEntryOnFailure(t *testing.T) {
	cache := NewCache()
	co := NewCoalescer(cache, time.Millisecond, 10, 0)

	_, err := co.Get(context.Background(), "k", time.Second, func(ctx context.Context) (*CachedResponse, bool, error) {
		return nil, false, errors.New("boom")
	})
	assert.Error(t, err)
	assert.Equal(t, 0, co.InFlightCount())
}

func TestCoalescerRejectsAtCapacity(t *testing.T) {
	cache := NewCache()
	co := NewCoalescer(cache, time.Hour, 1, 0)

	release := make(chan struct{})
	go co.Get(context.Background(), "k1", time.Second, func(ctx context.Context) (*CachedResponse, bool, error) {
		<-release
		return &CachedResponse{StatusCode: 200}, true, nil
	})
	time.Sleep(10 * time.Millisecond)

	_, err := co.Get(context.Background(), "k2", time.Second, func(ctx context.Context) (*CachedResponse, bool, error) {
		t.Fatal("fetch should not run when at capacity")
		return nil, false, nil
	})
	assert.Error(t, err)
	close(release)
}
