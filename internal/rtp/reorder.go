package rtp

import "time"

// DefaultTimeout is the reorder window's time budget, sized by default to
// ~150ms.
const DefaultTimeout = 150 * time.Millisecond

// DefaultMaxSpan bounds the window in sequence-number distance regardless
// of packet rate, so a stalled upstream can't grow the window's memory
// footprint without limit while waiting out DefaultTimeout.
const DefaultMaxSpan = 512

// Entry is one buffered packet together with the caller-owned handle for
// its backing storage (typically a pool.Ref); Reorder never interprets
// Handle, it only carries it through to Emit/Flush so the caller can
// release it once the payload has been forwarded or discarded.
type Entry struct {
	Packet    Packet
	Handle    any
	Arrived   time.Time
}

// Config controls a Reorder window's sizing.
type Config struct {
	// Timeout is how long the oldest buffered packet may wait for the
	// missing next-expected sequence before the window gives up on it,
	// skips the gap and emits the buffered run in ascending order (default
	// DefaultTimeout).
	Timeout time.Duration
	// MaxSpan bounds the sequence-number distance the window will buffer
	// before treating an arrival as a resync (default DefaultMaxSpan).
	MaxSpan int
}

// Reorder is a sliding window over RTP sequence numbers. Not safe for
// concurrent use; owned by a single worker's event-loop goroutine like
// every other per-client structure here.
type Reorder struct {
	timeout time.Duration
	maxSpan int

	have          bool
	nextExpected  uint16
	buffered      map[uint16]Entry

	gaps    uint64
	dropped uint64
}

// New creates a Reorder window. A zero Config applies the package defaults.
func New(cfg Config) *Reorder {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxSpan <= 0 {
		cfg.MaxSpan = DefaultMaxSpan
	}
	return &Reorder{
		timeout:  cfg.Timeout,
		maxSpan:  cfg.MaxSpan,
		buffered: make(map[uint16]Entry),
	}
}

// Push admits one arriving packet. It returns the run of packets now ready
// for emission in ascending sequence order (possibly empty, possibly more
// than one if this arrival completed a run), and dropped=true if the
// packet itself was discarded (duplicate, or behind the window) — in that
// case the caller owns releasing handle, Reorder never took it.
func (r *Reorder) Push(pkt Packet, handle any, now time.Time) (emitted []Entry, dropped bool) {
	if !r.have {
		r.have = true
		r.nextExpected = pkt.SequenceNumber
	}

	delta := SeqDelta(r.nextExpected, pkt.SequenceNumber)

	if delta < 0 {
		// Behind the window: late or duplicate. Tie-break keeps the first
		// copy already emitted/buffered.
		r.dropped++
		return nil, true
	}

	if delta >= int32(r.maxSpan) {
		// Arrival is far enough ahead that the window can't bridge the gap;
		// resync onto it, flushing whatever was buffered as a logged gap.
		flushed := r.drainAll()
		r.gaps++
		r.nextExpected = pkt.SequenceNumber
		r.buffered[pkt.SequenceNumber] = Entry{Packet: pkt, Handle: handle, Arrived: now}
		run := r.drainRun()
		return append(flushed, run...), false
	}

	if _, exists := r.buffered[pkt.SequenceNumber]; exists {
		// Duplicate within the window: keep the first.
		r.dropped++
		return nil, true
	}

	r.buffered[pkt.SequenceNumber] = Entry{Packet: pkt, Handle: handle, Arrived: now}
	return r.drainRun(), false
}

// drainRun emits the consecutive run starting at nextExpected.
func (r *Reorder) drainRun() []Entry {
	var out []Entry
	for {
		e, ok := r.buffered[r.nextExpected]
		if !ok {
			break
		}
		delete(r.buffered, r.nextExpected)
		out = append(out, e)
		r.nextExpected++
	}
	return out
}

// drainAll empties the buffer unconditionally, in ascending sequence
// order, used when resyncing onto a far-ahead arrival.
func (r *Reorder) drainAll() []Entry {
	out := make([]Entry, 0, len(r.buffered))
	for seq, e := range r.buffered {
		_ = seq
		out = append(out, e)
	}
	clearMap(r.buffered)
	sortEntries(out)
	return out
}

func clearMap(m map[uint16]Entry) {
	for k := range m {
		delete(m, k)
	}
}

func sortEntries(es []Entry) {
	for i := 1; i < len(es); i++ {
		for j := i; j > 0 && SeqDelta(es[j-1].Packet.SequenceNumber, es[j].Packet.SequenceNumber) < 0; j-- {
			es[j-1], es[j] = es[j], es[j-1]
		}
	}
}

// Flush checks whether the oldest gap has exceeded Timeout and, if so,
// skips the missing sequence and emits whatever is now unblocked (spec.md
// §4.4: "On window timeout, emit the oldest buffered packet and advance").
// Intended to be driven periodically by the event loop's timer wheel.
func (r *Reorder) Flush(now time.Time) (emitted []Entry, gapped bool) {
	if !r.have || len(r.buffered) == 0 {
		return nil, false
	}
	if _, ok := r.buffered[r.nextExpected]; ok {
		return r.drainRun(), false
	}

	oldestSeq, oldest, found := r.oldest()
	if !found || now.Sub(oldest.Arrived) < r.timeout {
		return nil, false
	}

	// Resume at the lowest buffered sequence, not the earliest arrival, so
	// only the missing run is skipped and no buffered packet is stranded.
	r.gaps++
	next, best := oldestSeq, SeqDelta(r.nextExpected, oldestSeq)
	for s := range r.buffered {
		if d := SeqDelta(r.nextExpected, s); d < best {
			next, best = s, d
		}
	}
	r.nextExpected = next
	return r.drainRun(), true
}

func (r *Reorder) oldest() (seq uint16, e Entry, found bool) {
	first := true
	for s, ent := range r.buffered {
		if first || ent.Arrived.Before(e.Arrived) {
			seq, e, first = s, ent, false
			found = true
		}
	}
	return seq, e, found
}

// Stats reports cumulative gap and drop counts.
func (r *Reorder) Stats() (gaps, dropped uint64) {
	return r.gaps, r.dropped
}

// Pending returns how many packets are currently buffered awaiting their
// predecessor.
func (r *Reorder) Pending() int { return len(r.buffered) }
