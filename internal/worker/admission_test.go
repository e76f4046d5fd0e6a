package worker

import (
	"testing"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/config"
	"github.com/stretchr/testify/require"
)

func TestTokenBucketAllowsWithinBurst(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 1, Burst: 3, MaxEntries: 10})
	now := time.Now()

	require.True(t, b.Allow("1.2.3.4", now))
	require.True(t, b.Allow("1.2.3.4", now))
	require.True(t, b.Allow("1.2.3.4", now))
	require.False(t, b.Allow("1.2.3.4", now), "burst exhausted")
}

func TestTokenBucketReplenishesOverTime(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 10, Burst: 1, MaxEntries: 10})
	now := time.Now()

	require.True(t, b.Allow("k", now))
	require.False(t, b.Allow("k", now))
	require.True(t, b.Allow("k", now.Add(150*time.Millisecond)))
}

func TestTokenBucketDisabledWhenRateZero(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 0, Burst: 0})
	now := time.Now()
	for i := 0; i < 100; i++ {
		require.True(t, b.Allow("any", now))
	}
}

func TestTokenBucketIndependentKeys(t *testing.T) {
	b := NewTokenBucket(TokenBucketConfig{Rate: 1, Burst: 1, MaxEntries: 10})
	now := time.Now()

	require.True(t, b.Allow("a", now))
	require.False(t, b.Allow("a", now))
	require.True(t, b.Allow("b", now), "key b has its own bucket")
}

func TestAdmissionEnforcesConnectionCeiling(t *testing.T) {
	a := NewAdmission(config.RateLimitConfig{MaxConnections: 2})
	now := time.Now()

	require.True(t, a.Admit("1.1.1.1", now))
	require.True(t, a.Admit("2.2.2.2", now))
	require.False(t, a.Admit("3.3.3.3", now), "worker at capacity")

	a.Release()
	require.True(t, a.Admit("3.3.3.3", now))
	require.Equal(t, 2, a.Current())
}

func TestAdmissionRateLimitReleasesSlotOnReject(t *testing.T) {
	a := NewAdmission(config.RateLimitConfig{MaxConnections: 10, IPQPS: 1, IPBurst: 1})
	now := time.Now()

	require.True(t, a.Admit("1.1.1.1", now))
	require.False(t, a.Admit("1.1.1.1", now), "per-IP bucket exhausted")
	require.Equal(t, 1, a.Current(), "rejected admit must not leak a slot")
}

func TestAdmissionUnlimitedByDefault(t *testing.T) {
	a := NewAdmission(config.RateLimitConfig{})
	now := time.Now()
	for i := 0; i < 50; i++ {
		require.True(t, a.Admit("9.9.9.9", now))
	}
}
