// Package fec implements the optional Reed-Solomon FEC recovery stage of
// the RTP ingress pipeline: data and parity shards for a (k, k+m) block
// arrive on a parallel UDP
// port, and once at least k of the k+m shards are present the missing
// data shards are reconstructed and handed back to the reorder buffer
// under their original sequence numbers.
//
// The shard-bookkeeping shape (per-block shard table, present/missing
// tracking, a release-on-complete lifecycle) is grounded on the pack's
// kcp-go FEC decoder (other_examples kcptun vendor sess.go, fecDecoder);
// the actual matrix math comes from github.com/klauspost/reedsolomon
// rather than a hand-rolled Vandermonde solver, matching every FEC use in
// the retrieved pack.
package fec

import (
	"errors"
	"time"

	"github.com/klauspost/reedsolomon"
)

// ErrInvalidConfig covers shard counts the underlying codec can't use.
var ErrInvalidConfig = errors.New("fec: invalid data/parity shard configuration")

// Config mirrors service.FECDescriptor's shard counts.
type Config struct {
	DataShards   int
	ParityShards int
	// BlockTimeout bounds how long an incomplete block is held waiting for
	// more shards before it is abandoned; abandoning a block always leaves
	// a gap for the reorder stage to report.
	BlockTimeout time.Duration
}

const DefaultBlockTimeout = 300 * time.Millisecond

// RecoveredShard is one reconstructed data shard, ready to re-enter the
// reorder buffer under its original sequence number.
type RecoveredShard struct {
	Seq     uint16
	Payload []byte
}

type block struct {
	shards  [][]byte
	present []bool
	count   int
	baseSeq uint16
	haveBase bool
	arrived time.Time
}

// Decoder accumulates shards per FEC block ID and reconstructs missing
// data shards once enough are present. Not safe for concurrent use; owned
// by the worker's event-loop goroutine like the rest of the ingress
// pipeline.
type Decoder struct {
	enc          reedsolomon.Encoder
	dataShards   int
	parityShards int
	total        int
	timeout      time.Duration

	blocks map[uint32]*block

	recovered uint64
	failed    uint64
}

// New builds a Decoder for the given shard configuration.
func New(cfg Config) (*Decoder, error) {
	if cfg.DataShards <= 0 || cfg.ParityShards <= 0 {
		return nil, ErrInvalidConfig
	}
	enc, err := reedsolomon.New(cfg.DataShards, cfg.ParityShards)
	if err != nil {
		return nil, err
	}
	timeout := cfg.BlockTimeout
	if timeout <= 0 {
		timeout = DefaultBlockTimeout
	}
	return &Decoder{
		enc:          enc,
		dataShards:   cfg.DataShards,
		parityShards: cfg.ParityShards,
		total:        cfg.DataShards + cfg.ParityShards,
		timeout:      timeout,
		blocks:       make(map[uint32]*block),
	}, nil
}

func (d *Decoder) blockFor(id uint32, now time.Time) *block {
	b, ok := d.blocks[id]
	if !ok {
		b = &block{
			shards:  make([][]byte, d.total),
			present: make([]bool, d.total),
			arrived: now,
		}
		d.blocks[id] = b
	}
	return b
}

// SubmitData admits a data shard. seq is the RTP sequence number the
// shard's payload was originally carried under; baseSeq is the sequence of
// data shard 0 in this block, used to compute the original sequence of any
// shard this decoder later reconstructs.
func (d *Decoder) SubmitData(blockID uint32, shardIndex int, seq uint16, payload []byte, now time.Time) []RecoveredShard {
	if shardIndex < 0 || shardIndex >= d.dataShards {
		return nil
	}
	b := d.blockFor(blockID, now)
	if b.present[shardIndex] {
		return nil // duplicate shard
	}
	b.shards[shardIndex] = payload
	b.present[shardIndex] = true
	b.count++
	if shardIndex == 0 {
		b.baseSeq = seq
		b.haveBase = true
	}
	return d.tryRecover(blockID, b, now)
}

// SubmitParity admits a parity shard for blockID.
func (d *Decoder) SubmitParity(blockID uint32, shardIndex int, payload []byte, now time.Time) []RecoveredShard {
	if shardIndex < 0 || shardIndex >= d.parityShards {
		return nil
	}
	b := d.blockFor(blockID, now)
	idx := d.dataShards + shardIndex
	if b.present[idx] {
		return nil
	}
	b.shards[idx] = payload
	b.present[idx] = true
	b.count++
	return d.tryRecover(blockID, b, now)
}

func (d *Decoder) tryRecover(blockID uint32, b *block, now time.Time) []RecoveredShard {
	missing := d.dataShards - countPresent(b.present[:d.dataShards])
	if missing == 0 {
		// Nothing to recover; block is fully present as data.
		delete(d.blocks, blockID)
		return nil
	}
	if b.count < d.dataShards {
		return nil // not enough shards yet
	}
	if !b.haveBase {
		// Can't attribute recovered shards to a sequence number without
		// data shard 0; wait for it or let BlockTimeout abandon the block.
		return nil
	}

	padded := padShards(b.shards)
	if err := d.enc.Reconstruct(padded); err != nil {
		d.failed++
		delete(d.blocks, blockID)
		return nil
	}

	var out []RecoveredShard
	for i := 0; i < d.dataShards; i++ {
		if b.present[i] {
			continue
		}
		out = append(out, RecoveredShard{
			Seq:     b.baseSeq + uint16(i),
			Payload: padded[i],
		})
	}
	d.recovered += uint64(len(out))
	delete(d.blocks, blockID)
	return out
}

func countPresent(present []bool) int {
	n := 0
	for _, p := range present {
		if p {
			n++
		}
	}
	return n
}

// padShards right-pads every present shard to the block's longest shard
// length with zeroes (reedsolomon requires equal-length shards) and
// allocates zero-length buffers with full capacity for missing ones (a
// zero-length shard is what Reconstruct fills in); reconstructed shards therefore carry
// trailing zero padding beyond their true MPEG-TS payload length, which
// the caller trims using the container's fixed packet size.
func padShards(shards [][]byte) [][]byte {
	maxLen := 0
	for _, s := range shards {
		if len(s) > maxLen {
			maxLen = len(s)
		}
	}
	out := make([][]byte, len(shards))
	for i, s := range shards {
		if s == nil {
			out[i] = make([]byte, 0, maxLen)
			continue
		}
		if len(s) == maxLen {
			out[i] = s
			continue
		}
		padded := make([]byte, maxLen)
		copy(padded, s)
		out[i] = padded
	}
	return out
}

// Expire drops blocks that have sat incomplete past BlockTimeout, counting
// each as a failure. Intended to be driven periodically by the event
// loop's timer wheel.
func (d *Decoder) Expire(now time.Time) (expired int) {
	for id, b := range d.blocks {
		if now.Sub(b.arrived) >= d.timeout {
			delete(d.blocks, id)
			d.failed++
			expired++
		}
	}
	return expired
}

// Stats reports cumulative recovery outcomes.
func (d *Decoder) Stats() (recovered, failed uint64) {
	return d.recovered, d.failed
}
