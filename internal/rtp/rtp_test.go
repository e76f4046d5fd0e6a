package rtp

import (
	"testing"
	"time"

	pionrtp "github.com/pion/rtp"
	"github.com/stretchr/testify/require"
)

func marshalTestPacket(t *testing.T, seq uint16, ts uint32, pt uint8, payload []byte) []byte {
	t.Helper()
	p := &pionrtp.Packet{
		Header: pionrtp.Header{
			Version:        2,
			PayloadType:    pt,
			SequenceNumber: seq,
			Timestamp:      ts,
			SSRC:           0xdeadbeef,
		},
		Payload: payload,
	}
	buf, err := p.Marshal()
	require.NoError(t, err)
	return buf
}

func TestParseExtractsHeaderAndPayload(t *testing.T) {
	buf := marshalTestPacket(t, 100, 9000, 33, []byte("tspayload"))
	pkt, err := Parse(buf, -1)
	require.NoError(t, err)
	require.Equal(t, uint16(100), pkt.SequenceNumber)
	require.Equal(t, uint32(9000), pkt.Timestamp)
	require.Equal(t, uint8(33), pkt.PayloadType)
	require.Equal(t, []byte("tspayload"), pkt.Payload)
}

func TestParseRejectsPayloadTypeMismatch(t *testing.T) {
	buf := marshalTestPacket(t, 1, 1, 33, []byte("x"))
	_, err := Parse(buf, 96)
	require.ErrorIs(t, err, ErrPayloadTypeMismatch)
}

func TestParseRejectsTooShort(t *testing.T) {
	_, err := Parse([]byte{0x80, 0x21}, -1)
	require.ErrorIs(t, err, ErrInvalidPacket)
}

func TestReorderInOrderEmitsImmediately(t *testing.T) {
	r := New(Config{})
	now := time.Now()

	emitted, dropped := r.Push(Packet{SequenceNumber: 1}, "a", now)
	require.False(t, dropped)
	require.Len(t, emitted, 1)

	emitted, dropped = r.Push(Packet{SequenceNumber: 2}, "b", now)
	require.False(t, dropped)
	require.Len(t, emitted, 1)
	require.Equal(t, "b", emitted[0].Handle)
}

func TestReorderBuffersOutOfOrderThenDrainsRun(t *testing.T) {
	r := New(Config{})
	now := time.Now()

	emitted, _ := r.Push(Packet{SequenceNumber: 1}, "1", now)
	require.Len(t, emitted, 1)

	// 3 arrives before 2: buffered, nothing emitted yet.
	emitted, dropped := r.Push(Packet{SequenceNumber: 3}, "3", now)
	require.False(t, dropped)
	require.Empty(t, emitted)
	require.Equal(t, 1, r.Pending())

	// 2 arrives: both 2 and 3 drain in order.
	emitted, dropped = r.Push(Packet{SequenceNumber: 2}, "2", now)
	require.False(t, dropped)
	require.Len(t, emitted, 2)
	require.Equal(t, "2", emitted[0].Handle)
	require.Equal(t, "3", emitted[1].Handle)
	require.Equal(t, 0, r.Pending())
}

func TestReorderDropsDuplicateKeepingFirst(t *testing.T) {
	r := New(Config{})
	now := time.Now()

	_, _ = r.Push(Packet{SequenceNumber: 1}, "first", now)
	_, dropped := r.Push(Packet{SequenceNumber: 1}, "second", now)
	require.True(t, dropped)

	gaps, droppedCount := r.Stats()
	require.Equal(t, uint64(0), gaps)
	require.Equal(t, uint64(1), droppedCount)
}

func TestReorderDropsLateArrival(t *testing.T) {
	r := New(Config{})
	now := time.Now()

	_, _ = r.Push(Packet{SequenceNumber: 5}, "5", now)
	_, _ = r.Push(Packet{SequenceNumber: 6}, "6", now)

	_, dropped := r.Push(Packet{SequenceNumber: 3}, "late", now)
	require.True(t, dropped)
}

func TestReorderFlushOnTimeoutEmitsAndLogsGap(t *testing.T) {
	r := New(Config{Timeout: 10 * time.Millisecond})
	now := time.Now()

	emitted, _ := r.Push(Packet{SequenceNumber: 1}, "1", now)
	require.Len(t, emitted, 1)

	// Sequence 2 never arrives; 3 is buffered out of order.
	_, dropped := r.Push(Packet{SequenceNumber: 3}, "3", now)
	require.False(t, dropped)

	emitted, gapped := r.Flush(now.Add(5 * time.Millisecond))
	require.False(t, gapped)
	require.Empty(t, emitted)

	emitted, gapped = r.Flush(now.Add(20 * time.Millisecond))
	require.True(t, gapped)
	require.Len(t, emitted, 1)
	require.Equal(t, "3", emitted[0].Handle)

	gaps, _ := r.Stats()
	require.Equal(t, uint64(1), gaps)
}

func TestReorderResyncsOnFarAheadArrival(t *testing.T) {
	r := New(Config{MaxSpan: 4})
	now := time.Now()

	_, _ = r.Push(Packet{SequenceNumber: 1}, "1", now)

	emitted, dropped := r.Push(Packet{SequenceNumber: 1000}, "far", now)
	require.False(t, dropped)
	require.Len(t, emitted, 1)
	require.Equal(t, "far", emitted[0].Handle)

	gaps, _ := r.Stats()
	require.Equal(t, uint64(1), gaps)
}

func TestSeqDeltaWrapsAround(t *testing.T) {
	require.Equal(t, int32(1), SeqDelta(65535, 0))
	require.Equal(t, int32(-1), SeqDelta(0, 65535))
}
