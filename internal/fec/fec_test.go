package fec

import (
	"testing"
	"time"

	"github.com/klauspost/reedsolomon"
	"github.com/stretchr/testify/require"
)

func makeShard(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestRecoversMissingDataShardWithEnoughParity(t *testing.T) {
	d, err := New(Config{DataShards: 3, ParityShards: 2})
	require.NoError(t, err)
	now := time.Now()

	// Build 3 data shards + 2 parity via the same encoder so they're valid
	// Reed-Solomon shares of one block.
	shards := [][]byte{
		makeShard(16, 0x01),
		makeShard(16, 0x02),
		makeShard(16, 0x03),
		make([]byte, 16),
		make([]byte, 16),
	}
	enc, err := reedsolomon.New(3, 2)
	require.NoError(t, err)
	require.NoError(t, enc.Encode(shards))

	// Deliver data shard 0 (carries baseSeq), data shard 2, and one parity
	// shard; data shard 1 is "lost" and must be reconstructed as soon as k
	// shards are present.
	d.SubmitData(1, 0, 1000, shards[0], now)
	d.SubmitData(1, 2, 1002, shards[2], now)
	recovered := d.SubmitParity(1, 0, shards[3], now)

	require.Len(t, recovered, 1)
	require.Equal(t, uint16(1001), recovered[0].Seq)
	require.Equal(t, shards[1], recovered[0].Payload)

	gotRecovered, _ := d.Stats()
	require.Equal(t, uint64(1), gotRecovered)
}

func TestBlockExpiresAfterTimeout(t *testing.T) {
	d, err := New(Config{DataShards: 3, ParityShards: 2, BlockTimeout: 10 * time.Millisecond})
	require.NoError(t, err)
	now := time.Now()

	d.SubmitData(5, 0, 1, makeShard(8, 1), now)

	expired := d.Expire(now.Add(20 * time.Millisecond))
	require.Equal(t, 1, expired)

	_, failed := d.Stats()
	require.Equal(t, uint64(1), failed)
}

func TestFullDataBlockNeedsNoRecovery(t *testing.T) {
	d, err := New(Config{DataShards: 2, ParityShards: 1})
	require.NoError(t, err)
	now := time.Now()

	r1 := d.SubmitData(9, 0, 10, makeShard(4, 1), now)
	require.Empty(t, r1)
	r2 := d.SubmitData(9, 1, 11, makeShard(4, 2), now)
	require.Empty(t, r2)

	recovered, failed := d.Stats()
	require.Equal(t, uint64(0), recovered)
	require.Equal(t, uint64(0), failed)
}
