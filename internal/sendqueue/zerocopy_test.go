package sendqueue

import (
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stackia/rtp2httpd-relay/internal/pool"
	"github.com/stretchr/testify/require"
)

func TestZeroCopyDowngradesOnNonSocketFD(t *testing.T) {
	// A pipe refuses SO_ZEROCOPY; the queue must fall back to copying
	// sends rather than fail construction.
	r, w := pipeFDs(t)
	_ = r
	q := New(w, Config{ZeroCopy: true})
	require.False(t, q.ZeroCopyEnabled())

	p := pool.New(pool.OriginData, pool.Config{Initial: 1, Max: 1})
	ref, ok := p.Acquire()
	require.True(t, ok)
	copy(ref.Bytes(), []byte("data"))
	require.NoError(t, q.Enqueue(ref, 4, time.Now()))

	drained, err := q.Flush(time.Now())
	require.NoError(t, err)
	require.True(t, drained)
	require.Equal(t, pool.Stats{Total: 1, Free: 1, Max: 1}, onlyCounts(p.Stats()))
}

func TestZeroCopySetsockoptAcceptedOnTCPSocket(t *testing.T) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() { unix.Close(fd) })

	q := New(fd, Config{ZeroCopy: true})
	if !q.ZeroCopyEnabled() {
		t.Skip("kernel does not support SO_ZEROCOPY")
	}
	st := q.Stats()
	require.True(t, st.ZeroCopy)
	require.Zero(t, st.InflightChunks)
}

func TestCompleteRangeReleasesInflightSends(t *testing.T) {
	p := pool.New(pool.OriginData, pool.Config{Initial: 4, Max: 4})
	_, w := pipeFDs(t)
	q := New(w, Config{})

	// Fabricate three unacknowledged zero-copy sends holding one buffer
	// each, the way advanceZeroCopy records them.
	for seq := uint32(0); seq < 3; seq++ {
		ref, ok := p.Acquire()
		require.True(t, ok)
		q.inflight = append(q.inflight, zcSend{seq: seq, refs: []pool.Ref{ref}})
	}
	require.Equal(t, 1, p.Stats().Free)

	q.completeRange(0, 1, false)
	require.Equal(t, 3, p.Stats().Free, "sends 0 and 1 released")
	require.Equal(t, uint64(2), q.Stats().Completions)
	require.Equal(t, 1, q.Stats().InflightChunks)

	q.completeRange(2, 2, true)
	require.Equal(t, 4, p.Stats().Free)
	require.Equal(t, uint64(1), q.Stats().Copied)
	require.Zero(t, q.Stats().InflightChunks)
}

func TestCompleteRangeHandlesSequenceWrap(t *testing.T) {
	p := pool.New(pool.OriginData, pool.Config{Initial: 2, Max: 2})
	_, w := pipeFDs(t)
	q := New(w, Config{})

	for _, seq := range []uint32{0xFFFFFFFF, 0} {
		ref, ok := p.Acquire()
		require.True(t, ok)
		q.inflight = append(q.inflight, zcSend{seq: seq, refs: []pool.Ref{ref}})
	}

	q.completeRange(0xFFFFFFFF, 0, false)
	require.Equal(t, 2, p.Stats().Free, "range spanning the uint32 wrap covers both sends")
}

func TestAdvanceZeroCopyPinsConsumedChunks(t *testing.T) {
	p := pool.New(pool.OriginData, pool.Config{Initial: 2, Max: 2})
	_, w := pipeFDs(t)
	q := New(w, Config{})
	q.zeroCopy = true // exercise the bookkeeping without a real zero-copy socket

	now := time.Now()
	for i := 0; i < 2; i++ {
		ref, ok := p.Acquire()
		require.True(t, ok)
		copy(ref.Bytes(), []byte("abcd"))
		require.NoError(t, q.Enqueue(ref, 4, now))
	}

	// Consume the first chunk and half the second: the full chunk's ref
	// moves into the inflight record, the partial chunk stays queued with
	// a cloned ref pinned.
	q.advanceZeroCopy(6)
	require.Equal(t, 1, len(q.chunks))
	require.Equal(t, 1, len(q.inflight))
	require.Equal(t, 2, len(q.inflight[0].refs))
	require.Equal(t, 2, q.queuedBytes)
	require.Zero(t, p.Stats().Free, "all buffers still pinned")

	q.completeRange(0, 0, false)
	require.Equal(t, 1, p.Stats().Free, "fully-sent buffer returns; partial chunk still queued")

	q.Close()
	require.Equal(t, 2, p.Stats().Free)
}

func TestCloseReleasesInflight(t *testing.T) {
	p := pool.New(pool.OriginData, pool.Config{Initial: 1, Max: 1})
	_, w := pipeFDs(t)
	q := New(w, Config{})

	ref, ok := p.Acquire()
	require.True(t, ok)
	q.inflight = append(q.inflight, zcSend{seq: 0, refs: []pool.Ref{ref}})

	q.Close()
	require.Equal(t, 1, p.Stats().Free)
}

// onlyCounts strips the policy fields so pool snapshots compare on
// conservation counts alone.
func onlyCounts(s pool.Stats) pool.Stats {
	return pool.Stats{Total: s.Total, Free: s.Free, Max: s.Max}
}
