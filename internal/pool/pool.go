// Package pool implements a fixed-size buffer pool: a pre-allocated array
// of MTU-sized buffers plus a free-list, reference-counted so the pipeline
// can pass buffers between the RTP ingress path and a client's send queue
// without copying.
//
// This deliberately does not use sync.Pool: sync.Pool gives no guarantee
// that a buffer's address stays stable across Get/Put, and items can be
// silently dropped by the GC between a Put and the matching Get — both
// are fatal to the zero-copy contract this pool exists to support (buffer
// addresses must be stable for the lifetime of the buffer, and
// acquire/release counts must be exactly accountable for Stats()).
package pool

import (
	"sync"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/helpers"
)

// BufferSize is one Ethernet MTU, sized for a single UDP datagram / RTP
// packet.
const BufferSize = 1536

// Origin tags which pool a buffer was drawn from, so a misdirected Release
// can be detected in tests.
type Origin int

const (
	OriginData Origin = iota
	OriginControl
)

// Buffer is a fixed-size byte container with a reference count. Buffers are
// never copied inside the pipeline; only their reference counts move.
// Because every worker is single-threaded, the refcount is an ordinary
// integer touched only from the event-loop goroutine that owns this
// worker, not an atomic.
type Buffer struct {
	data   [BufferSize]byte
	origin Origin
	pool   *Pool
	refs   int
}

// Ref is a handle to a pooled Buffer. Holding a Ref keeps the underlying
// buffer alive; Release decrements the refcount and returns the buffer to
// its pool once it reaches zero. The zero value of Ref is not valid; use
// Pool.Acquire.
type Ref struct {
	buf *Buffer
}

// Bytes exposes the underlying storage, valid only until Release.
func (r Ref) Bytes() []byte {
	if r.buf == nil {
		return nil
	}
	return r.buf.data[:]
}

// Origin reports which pool this buffer was drawn from.
func (r Ref) Origin() Origin {
	if r.buf == nil {
		return OriginData
	}
	return r.buf.origin
}

// Valid reports whether this Ref still refers to a live buffer.
func (r Ref) Valid() bool { return r.buf != nil }

// Clone increments the refcount and returns a second independent handle to
// the same buffer, used when a packet is fanned out to multiple send
// queues (e.g. several clients on the same multicast channel).
func (r Ref) Clone() Ref {
	if r.buf == nil {
		return Ref{}
	}
	r.buf.refs++
	return Ref{buf: r.buf}
}

// Release decrements the refcount, returning the buffer to its pool's
// free-list once no references remain.
func (r Ref) Release() {
	if r.buf == nil {
		return
	}
	b := r.buf
	b.refs--
	if b.refs <= 0 {
		b.pool.release(b)
	}
}

// Stats is a point-in-time snapshot of a Pool's accounting.
type Stats struct {
	Total       int
	Free        int
	InUse       int
	Max         int
	Expansions  int
	Exhaustions int
}

// Pool is a pre-allocated array of Buffers plus a free-list. The hot path
// (Acquire/release) always runs on the single event-loop goroutine that
// owns this worker; the mutex exists only so Stats() and MaybeContract()
// can be exercised from tests without racing that goroutine.
type Pool struct {
	origin Origin

	mu sync.Mutex

	slots []*Buffer
	free  []*Buffer

	initial int
	max     int
	step    float64 // geometric expansion factor

	expansions  int
	exhaustions int

	idleSince    time.Time
	contractIdle time.Duration
}

// Config controls a Pool's sizing policy.
type Config struct {
	Initial int
	Max     int
	// Step is the geometric expansion multiplier applied when Acquire would
	// fail and total < Max (default 1.5 if zero).
	Step float64
	// ContractAfter is how long the pool's idle clock must run before the
	// pool halves back toward its initial size (default 5s); MaybeContract
	// documents what restarts that clock.
	ContractAfter time.Duration
}

// New pre-allocates cfg.Initial buffers of the given origin.
func New(origin Origin, cfg Config) *Pool {
	if cfg.Step <= 1.0 {
		cfg.Step = 1.5
	}
	if cfg.ContractAfter <= 0 {
		cfg.ContractAfter = 5 * time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = cfg.Initial
	}

	p := &Pool{
		origin:       origin,
		initial:      cfg.Initial,
		max:          cfg.Max,
		step:         cfg.Step,
		contractIdle: cfg.ContractAfter,
		idleSince:    time.Now(),
	}
	p.grow(cfg.Initial)
	return p
}

func (p *Pool) grow(n int) {
	for i := 0; i < n; i++ {
		b := &Buffer{origin: p.origin, pool: p}
		p.slots = append(p.slots, b)
		p.free = append(p.free, b)
	}
}

// Acquire draws one buffer from the free-list, expanding the pool first if
// it is empty and under its configured maximum. Returns ok=false
// (spec.md's "Empty") when the pool is exhausted; the caller must treat
// this as backpressure (drop the packet, stop reading) and must never
// block.
func (p *Pool) Acquire() (ref Ref, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.free) == 0 && len(p.slots) < p.max {
		step := int(float64(len(p.slots)) * (p.step - 1.0))
		if step < 1 {
			step = 1
		}
		if len(p.slots)+step > p.max {
			step = p.max - len(p.slots)
		}
		p.grow(step)
		p.expansions++
	}

	if len(p.free) == 0 {
		p.exhaustions++
		return Ref{}, false
	}

	n := len(p.free) - 1
	b := p.free[n]
	p.free = p.free[:n]
	b.refs = 1
	p.idleSince = time.Now()
	return Ref{buf: b}, true
}

func (p *Pool) release(b *Buffer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.free = append(p.free, b)
	if len(p.free) == len(p.slots) {
		p.idleSince = time.Now()
	}
}

// MaybeContract halves the pool toward its initial size when more than 75%
// of it is free and ContractAfter has passed since the idle clock last
// restarted. The clock restarts on every Acquire, when the last in-use
// buffer is released, and at any check that finds 75% or less free; the
// free fraction between checks is not tracked, so a pool that keeps
// serving acquisitions does not contract however much of it is free.
// Intended to be driven by the event loop's timer wheel.
func (p *Pool) MaybeContract(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.slots) <= p.initial {
		return
	}
	freeFrac := float64(len(p.free)) / float64(len(p.slots))
	if freeFrac <= 0.75 {
		p.idleSince = now
		return
	}
	if now.Sub(p.idleSince) < p.contractIdle {
		return
	}

	target := helpers.ClampInt(len(p.slots)/2, p.initial, len(p.slots))
	p.shrinkTo(target)
	p.idleSince = now
}

// shrinkTo drops free (unreferenced) buffers from the tail until the pool
// has at most target total slots. In-use buffers are never reclaimed, so
// the pool may end up larger than target if too many buffers are live.
func (p *Pool) shrinkTo(target int) {
	for len(p.slots) > target && len(p.free) > 0 {
		last := p.slots[len(p.slots)-1]
		if last.refs > 0 {
			break
		}
		idx := -1
		for i, f := range p.free {
			if f == last {
				idx = i
				break
			}
		}
		if idx == -1 {
			break
		}
		p.free = append(p.free[:idx], p.free[idx+1:]...)
		p.slots = p.slots[:len(p.slots)-1]
	}
}

// Stats returns a point-in-time snapshot: total = free + in_use, free >= 0.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := len(p.slots)
	free := len(p.free)
	return Stats{
		Total:       total,
		Free:        free,
		InUse:       total - free,
		Max:         p.max,
		Expansions:  p.expansions,
		Exhaustions: p.exhaustions,
	}
}
