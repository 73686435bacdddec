package resilience

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBreakerOpensOnFailureRatio(t *testing.T) {
	b := NewBreaker(4, 0.5, time.Minute)

	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Report(true)
	}
	for i := 0; i < 2; i++ {
		require.True(t, b.Allow())
		b.Report(false)
	}
	require.False(t, b.Allow())
}

func TestBreakerStaysClosedBelowMinRequests(t *testing.T) {
	b := NewBreaker(10, 0.5, time.Minute)
	for i := 0; i < 5; i++ {
		require.True(t, b.Allow())
		b.Report(false)
	}
	require.True(t, b.Allow())
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := NewBreaker(1, 1, 20*time.Millisecond)
	require.True(t, b.Allow())
	b.Report(false)
	require.False(t, b.Allow())

	time.Sleep(30 * time.Millisecond)
	require.True(t, b.Allow())
	b.Report(true)
	require.True(t, b.Allow())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(1, 1, 20*time.Millisecond)
	require.True(t, b.Allow())
	b.Report(false)

	time.Sleep(30 * time.Millisecond)
	require.True(t, b.Allow())
	b.Report(false)
	require.False(t, b.Allow())
}

func TestBackoffGrowsExponentially(t *testing.T) {
	base := 100 * time.Millisecond
	require.Equal(t, base, Backoff(base, 1, 0))
	require.Equal(t, 2*base, Backoff(base, 2, 0))
	require.Equal(t, 4*base, Backoff(base, 3, 0))
}

func TestBackoffJitterStaysWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 50; i++ {
		d := Backoff(base, 2, 0.2)
		require.GreaterOrEqual(t, d, 160*time.Millisecond)
		require.LessOrEqual(t, d, 240*time.Millisecond)
	}
}
