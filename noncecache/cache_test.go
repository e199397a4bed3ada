package noncecache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAndMarkFreshThenUsed(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := New(5*time.Minute, func() time.Time { return now })

	status, done := cache.CheckAndMark("hash-a")
	require.Equal(t, StatusNotFound, status)
	require.NotNil(t, done)

	cache.MarkUsed("hash-a")

	status, _ = cache.CheckAndMark("hash-a")
	require.Equal(t, StatusUsed, status)
}

func TestUsedEntryExpiresButStaysAdvisory(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cache := New(time.Minute, func() time.Time { return now })

	cache.MarkUsed("hash-b")
	status, _ := cache.CheckAndMark("hash-b")
	require.Equal(t, StatusUsed, status)

	now = now.Add(2 * time.Minute)
	status, done := cache.CheckAndMark("hash-b")
	require.Equal(t, StatusNotFound, status, "an expired cache entry must fall through rather than claim used")
	require.NotNil(t, done)
}

func TestInFlightBlocksConcurrentCheck(t *testing.T) {
	cache := New(time.Minute, nil)

	status, done := cache.CheckAndMark("hash-c")
	require.Equal(t, StatusNotFound, status)

	status2, waitDone := cache.CheckAndMark("hash-c")
	require.Equal(t, StatusInFlight, status2)

	go func() {
		time.Sleep(10 * time.Millisecond)
		cache.MarkUsed("hash-c")
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := cache.WaitForResult(ctx, waitDone)
	require.NoError(t, err)

	_ = done
	status3, _ := cache.CheckAndMark("hash-c")
	require.Equal(t, StatusUsed, status3)
}

func TestReleaseAllowsRetry(t *testing.T) {
	cache := New(time.Minute, nil)

	status, _ := cache.CheckAndMark("hash-d")
	require.Equal(t, StatusNotFound, status)

	cache.Release("hash-d")

	status2, done := cache.CheckAndMark("hash-d")
	require.Equal(t, StatusNotFound, status2, "releasing an in-flight marker must allow a fresh attempt")
	require.NotNil(t, done)
}
