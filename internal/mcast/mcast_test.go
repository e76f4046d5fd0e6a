package mcast

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestJoinRefcountsAndLeaveOnlyOnLastReference(t *testing.T) {
	j := NewJoiner()
	cfg := Config{Group: net.IPv4(239, 1, 1, 1), Port: 0}

	conn1, err := j.Join(cfg)
	require.NoError(t, err)
	require.Equal(t, 1, j.RefCount(cfg))

	conn2, err := j.Join(cfg)
	require.NoError(t, err)
	require.Equal(t, 2, j.RefCount(cfg))
	require.Same(t, conn1, conn2, "second join must share the same socket")

	require.NoError(t, j.Leave(cfg))
	require.Equal(t, 1, j.RefCount(cfg))

	require.NoError(t, j.Leave(cfg))
	require.Equal(t, 0, j.RefCount(cfg))

	require.ErrorIs(t, j.Leave(cfg), ErrNotJoined)
}

func TestJoinDistinctGroupsAreIndependent(t *testing.T) {
	j := NewJoiner()
	cfgA := Config{Group: net.IPv4(239, 1, 1, 1), Port: 0}
	cfgB := Config{Group: net.IPv4(239, 1, 1, 2), Port: 0}

	_, err := j.Join(cfgA)
	require.NoError(t, err)
	_, err = j.Join(cfgB)
	require.NoError(t, err)

	require.Equal(t, 1, j.RefCount(cfgA))
	require.Equal(t, 1, j.RefCount(cfgB))

	require.NoError(t, j.Leave(cfgA))
	require.Equal(t, 0, j.RefCount(cfgA))
	require.Equal(t, 1, j.RefCount(cfgB))
}

func TestRejoinSkipsBeforeIntervalElapses(t *testing.T) {
	j := NewJoiner()
	cfg := Config{Group: net.IPv4(239, 1, 1, 3), Port: 0, RejoinInterval: time.Hour}
	_, err := j.Join(cfg)
	require.NoError(t, err)

	// Should not panic or error even though the interval hasn't elapsed.
	j.Rejoin(time.Now())
	require.Equal(t, 1, j.RefCount(cfg))
}
