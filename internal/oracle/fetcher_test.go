package oracle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sourceFunc func(ctx context.Context, shipmentID string) (Snapshot, error)

func (f sourceFunc) FetchSnapshot(ctx context.Context, shipmentID string) (Snapshot, error) {
	return f(ctx, shipmentID)
}

// hangingSource never answers before the deadline.
var hangingSource = sourceFunc(func(ctx context.Context, _ string) (Snapshot, error) {
	<-ctx.Done()
	return Snapshot{}, ctx.Err()
})

func newTestFetcher(src Source, cache Cache, now time.Time) *Fetcher {
	f := NewFetcher(src, cache, FetcherConfig{Timeout: 50 * time.Millisecond, StaleAfter: time.Hour}, nil, nil)
	f.now = func() time.Time { return now }
	return f
}

func TestFetchFreshWritesCache(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	ts := now.Add(-10 * time.Minute)
	cache := NewMemoryCache()
	f := newTestFetcher(sourceFunc(func(ctx context.Context, id string) (Snapshot, error) {
		return Snapshot{Status: "picked_up", Timestamp: ts}, nil
	}), cache, now)

	snap, err := f.Fetch(context.Background(), "SHIP-200")
	require.NoError(t, err)
	assert.False(t, snap.Stale)
	assert.Equal(t, now, snap.FetchedAt)
	assert.Equal(t, "SHIP-200", snap.ShipmentID)

	cached, ok, err := cache.Get(context.Background(), "SHIP-200")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ts, cached.Timestamp)
}

func TestFetchTimeoutFallsBackToFreshCache(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	original := now.Add(-3 * time.Hour)
	cache := NewMemoryCache()
	require.NoError(t, cache.Put(context.Background(), Snapshot{
		ShipmentID: "SHIP-200",
		Status:     "in_transit",
		Timestamp:  original,
		FetchedAt:  now.Add(-20 * time.Minute),
	}))

	f := newTestFetcher(hangingSource, cache, now)
	snap, err := f.Fetch(context.Background(), "SHIP-200")
	require.NoError(t, err)
	assert.True(t, snap.Stale)
	assert.Equal(t, original, snap.Timestamp, "fallback must keep the original timestamp")
	assert.Equal(t, "in_transit", snap.Status)
}

func TestFetchTimeoutWithoutCacheFails(t *testing.T) {
	f := newTestFetcher(hangingSource, NewMemoryCache(), time.Now())
	_, err := f.Fetch(context.Background(), "SHIP-200")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoData))
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestFetchExpiredCacheFails(t *testing.T) {
	now := time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)
	cache := NewMemoryCache()
	require.NoError(t, cache.Put(context.Background(), Snapshot{
		ShipmentID: "SHIP-200",
		Status:     "in_transit",
		Timestamp:  now.Add(-3 * time.Hour),
		FetchedAt:  now.Add(-2 * time.Hour),
	}))
	f := newTestFetcher(sourceFunc(func(ctx context.Context, id string) (Snapshot, error) {
		return Snapshot{}, ErrInvalidResponse
	}), cache, now)

	_, err := f.Fetch(context.Background(), "SHIP-200")
	require.ErrorIs(t, err, ErrNoData)
	assert.ErrorIs(t, err, ErrInvalidResponse)
}

func TestFetchDeduplicatesConcurrentCalls(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	f := NewFetcher(sourceFunc(func(ctx context.Context, id string) (Snapshot, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return Snapshot{Status: "delivered", Timestamp: time.Now()}, nil
	}), nil, FetcherConfig{Timeout: 5 * time.Second}, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			snap, err := f.Fetch(context.Background(), "SHIP-300")
			assert.NoError(t, err)
			assert.Equal(t, "delivered", snap.Status)
		}()
	}
	// give the goroutines time to join the in-flight call
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestFetchSharedCallSurvivesFirstCallerCancel(t *testing.T) {
	var calls int32
	started := make(chan struct{})
	release := make(chan struct{})
	f := NewFetcher(sourceFunc(func(ctx context.Context, id string) (Snapshot, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			close(started)
		}
		select {
		case <-release:
			return Snapshot{Status: "in_transit", Timestamp: time.Now()}, nil
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	}), nil, FetcherConfig{Timeout: 5 * time.Second}, nil, nil)

	firstCtx, cancel := context.WithCancel(context.Background())
	firstErr := make(chan error, 1)
	go func() {
		_, err := f.Fetch(firstCtx, "SHIP-301")
		firstErr <- err
	}()
	<-started

	second := make(chan Snapshot, 1)
	go func() {
		snap, err := f.Fetch(context.Background(), "SHIP-301")
		assert.NoError(t, err)
		second <- snap
	}()
	// let the second caller join the in-flight call
	time.Sleep(20 * time.Millisecond)

	cancel()
	err := <-firstErr
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)

	close(release)
	select {
	case snap := <-second:
		assert.Equal(t, "in_transit", snap.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("second caller never returned")
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}
