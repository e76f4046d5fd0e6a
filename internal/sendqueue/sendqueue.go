// Package sendqueue implements the per-client outbound chunk queue: a FIFO
// of pooled buffers drained with scatter/gather writes, with
// backpressure and slow-client detection so one stalled TCP peer cannot
// stall the worker's event loop.
//
// The write pattern batches every pending buffer into one net.Buffers.WriteTo
// call to avoid an extra copy; Queue
// generalizes that to an arbitrary number of pooled chunks written with
// golang.org/x/sys/unix.Writev against a raw, non-blocking fd (the event
// loop here owns raw fds directly rather than net.Conn, see
// internal/eventloop).
//
// When configured, sends use MSG_ZEROCOPY: the kernel transmits the pooled
// pages directly and reports completion asynchronously on the socket error
// queue, so buffer references are held past the write syscall and released
// only from OnCompletion. Sockets that refuse SO_ZEROCOPY downgrade to
// copying sends transparently.
package sendqueue

import (
	"errors"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/stackia/rtp2httpd-relay/internal/pool"
)

// ErrQueueFull is returned by Enqueue when the client's backlog already
// holds MaxQueuedBytes; the caller must drop the packet rather than block,
// since the event loop never blocks on a single client.
var ErrQueueFull = errors.New("sendqueue: backlog full")

// Default policy. Overridable via Config.
const (
	DefaultMaxQueuedBytes  = 512 * 1024
	DefaultSlowClientGrace = 3 * time.Second
)

// chunk is one pooled buffer awaiting transmission, with an offset for a
// partial write left over from a previous Flush. n bounds how many bytes of
// the underlying buffer belong to this chunk (a datagram rarely fills the
// full MTU-sized buffer it was read into).
type chunk struct {
	ref pool.Ref
	off int
	n   int
}

func (c chunk) remaining() []byte {
	return c.ref.Bytes()[c.off:c.n]
}

// Stats is a point-in-time snapshot of a Queue's backlog, drop, and send
// counters.
type Stats struct {
	QueuedChunks int
	QueuedBytes  int
	Dropped      uint64
	DroppedBytes uint64
	Slow         bool

	// Send-path counters.
	Sends       uint64
	Completions uint64
	Copied      uint64 // zero-copy sends the kernel fell back to copying
	Eagain      uint64
	Enobufs     uint64

	ZeroCopy       bool // whether MSG_ZEROCOPY is active on this queue
	InflightChunks int  // sends awaiting a kernel completion notification
}

// Config controls a Queue's backpressure policy.
type Config struct {
	// MaxQueuedBytes bounds the backlog before Enqueue starts failing
	// (default DefaultMaxQueuedBytes).
	MaxQueuedBytes int
	// SlowClientGrace is how long the backlog may stay non-empty before the
	// client is considered slow (default DefaultSlowClientGrace).
	SlowClientGrace time.Duration
	// ZeroCopy requests MSG_ZEROCOPY transmission. The queue downgrades to
	// copying sends silently when the socket refuses SO_ZEROCOPY (non-TCP
	// fd, locked-memory limit); the pool must be sized to cover in-flight
	// bytes whenever this is on.
	ZeroCopy bool
}

// zcSend is one MSG_ZEROCOPY transmission awaiting its kernel completion:
// the buffer references it pinned stay alive until the error queue reports
// the send's sequence number done.
type zcSend struct {
	seq  uint32
	refs []pool.Ref
}

// Queue is a single client's outbound FIFO. Not safe for concurrent use:
// every Queue is owned exclusively by the event-loop goroutine that drives
// its fd.
type Queue struct {
	fd int

	chunks      []chunk
	queuedBytes int

	maxQueuedBytes int
	grace          time.Duration

	backlogSince time.Time
	slow         bool

	dropped      uint64
	droppedBytes uint64

	zeroCopy bool
	sendSeq  uint32 // kernel numbers MSG_ZEROCOPY sends from 0, per socket
	inflight []zcSend

	sends       uint64
	completions uint64
	copied      uint64
	eagains     uint64
	enobufs     uint64
}

// New wraps fd (already non-blocking, already registered with the event
// loop for writability) with an outbound queue. When cfg.ZeroCopy is set,
// SO_ZEROCOPY is attempted on the socket; failure (pipe/UDP fd, or a
// locked-memory limit the launcher didn't raise) downgrades the queue to
// ordinary copying sends.
func New(fd int, cfg Config) *Queue {
	if cfg.MaxQueuedBytes <= 0 {
		cfg.MaxQueuedBytes = DefaultMaxQueuedBytes
	}
	if cfg.SlowClientGrace <= 0 {
		cfg.SlowClientGrace = DefaultSlowClientGrace
	}
	q := &Queue{
		fd:             fd,
		maxQueuedBytes: cfg.MaxQueuedBytes,
		grace:          cfg.SlowClientGrace,
	}
	if cfg.ZeroCopy {
		if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ZEROCOPY, 1); err == nil {
			q.zeroCopy = true
		}
	}
	return q
}

// ZeroCopyEnabled reports whether MSG_ZEROCOPY transmission is active.
func (q *Queue) ZeroCopyEnabled() bool { return q.zeroCopy }

// Enqueue appends the first n bytes of ref's buffer to the backlog, taking
// ownership of ref (the queue releases it once fully written or once the
// queue itself is dropped). Returns ErrQueueFull without taking ownership
// if the backlog is already at capacity; the caller keeps ref and must
// release it.
func (q *Queue) Enqueue(ref pool.Ref, n int, now time.Time) error {
	if n > len(ref.Bytes()) {
		n = len(ref.Bytes())
	}
	if q.queuedBytes+n > q.maxQueuedBytes {
		q.dropped++
		q.droppedBytes += uint64(n)
		return ErrQueueFull
	}
	if len(q.chunks) == 0 {
		q.backlogSince = now
	}
	q.chunks = append(q.chunks, chunk{ref: ref, n: n})
	q.queuedBytes += n
	return nil
}

// Empty reports whether the backlog has fully drained.
func (q *Queue) Empty() bool { return len(q.chunks) == 0 }

// Pending returns the number of queued chunks and bytes.
func (q *Queue) Pending() (chunks, bytes int) {
	return len(q.chunks), q.queuedBytes
}

// maxIovecs bounds a single writev call; IOV_MAX is typically 1024 but we
// keep this conservative so each writev call stays cheap.
const maxIovecs = 64

// Flush writes as much of the backlog as the fd will currently accept,
// issuing scatter/gather writes of up to maxIovecs chunks each until the backlog
// drains or the fd stops accepting. Returns drained=true once the backlog
// is empty.
// A nil error with drained=false means the fd's send buffer is full; the
// caller should wait for the next writability notification from the event
// loop. EAGAIN/EWOULDBLOCK are folded into that case, not treated as errors.
func (q *Queue) Flush(now time.Time) (drained bool, err error) {
	for len(q.chunks) > 0 {
		n := len(q.chunks)
		if n > maxIovecs {
			n = maxIovecs
		}
		iovecs := make([][]byte, n)
		for i := 0; i < n; i++ {
			iovecs[i] = q.chunks[i].remaining()
		}

		var written int
		var werr error
		zc := q.zeroCopy
		if zc {
			written, werr = unix.SendmsgBuffers(q.fd, iovecs, nil, nil, unix.MSG_ZEROCOPY)
			if werr != nil && errors.Is(werr, unix.ENOBUFS) {
				// The kernel can't pin more pages right now; send this batch
				// the copying way and try zero-copy again on the next batch.
				q.enobufs++
				zc = false
				written, werr = unix.Writev(q.fd, iovecs)
			}
		} else {
			written, werr = unix.Writev(q.fd, iovecs)
		}
		if werr != nil {
			if errors.Is(werr, unix.EAGAIN) || errors.Is(werr, unix.EWOULDBLOCK) {
				q.eagains++
				q.checkSlow(now)
				return false, nil
			}
			return false, werr
		}
		if written == 0 {
			q.checkSlow(now)
			return false, nil
		}
		q.sends++
		if zc {
			q.advanceZeroCopy(written)
		} else {
			q.advance(written)
		}
	}
	q.backlogSince = time.Time{}
	q.slow = false
	return true, nil
}

// advance drops n written bytes from the front of the backlog, releasing
// any chunk that becomes fully consumed.
func (q *Queue) advance(n int) {
	q.queuedBytes -= n
	for n > 0 && len(q.chunks) > 0 {
		front := &q.chunks[0]
		remaining := len(front.remaining())
		if n < remaining {
			front.off += n
			return
		}
		n -= remaining
		front.ref.Release()
		q.chunks = q.chunks[1:]
	}
}

// advanceZeroCopy drops n written bytes from the front of the backlog like
// advance, but instead of releasing consumed chunks it moves their buffer
// references into an inflight record keyed by the send's kernel-assigned
// sequence number: the kernel still holds those pages until the error
// queue reports the send complete. A chunk only partially covered by this
// send stays at the queue front with a cloned reference pinned.
func (q *Queue) advanceZeroCopy(n int) {
	rec := zcSend{seq: q.sendSeq}
	q.sendSeq++
	q.queuedBytes -= n
	for n > 0 && len(q.chunks) > 0 {
		front := &q.chunks[0]
		remaining := len(front.remaining())
		if n < remaining {
			rec.refs = append(rec.refs, front.ref.Clone())
			front.off += n
			n = 0
			break
		}
		n -= remaining
		rec.refs = append(rec.refs, front.ref)
		q.chunks = q.chunks[1:]
	}
	q.inflight = append(q.inflight, rec)
}

// OnCompletion drains the socket's error queue for MSG_ZEROCOPY completion
// notifications, releasing the buffer references of every send whose
// sequence range the kernel reports done. Driven by the event loop when
// the client fd reports EPOLLERR readiness.
func (q *Queue) OnCompletion() {
	if !q.zeroCopy {
		return
	}
	var dummy [1]byte
	oob := make([]byte, 512)
	for {
		_, oobn, _, _, err := unix.Recvmsg(q.fd, dummy[:], oob, unix.MSG_ERRQUEUE)
		if err != nil {
			return
		}
		cmsgs, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return
		}
		for _, c := range cmsgs {
			ipErr := c.Header.Level == unix.SOL_IP && c.Header.Type == unix.IP_RECVERR
			ip6Err := c.Header.Level == unix.SOL_IPV6 && c.Header.Type == unix.IPV6_RECVERR
			if !ipErr && !ip6Err {
				continue
			}
			if len(c.Data) < int(unsafe.Sizeof(unix.SockExtendedErr{})) {
				continue
			}
			se := (*unix.SockExtendedErr)(unsafe.Pointer(&c.Data[0]))
			if se.Origin != unix.SO_EE_ORIGIN_ZEROCOPY {
				continue
			}
			q.completeRange(se.Info, se.Data, se.Code == unix.SO_EE_CODE_ZEROCOPY_COPIED)
		}
	}
}

// completeRange releases every inflight send whose sequence falls in the
// kernel-reported [lo, hi] completion window (inclusive, modulo uint32
// wrap).
func (q *Queue) completeRange(lo, hi uint32, copied bool) {
	kept := q.inflight[:0]
	for _, rec := range q.inflight {
		if seqInRange(rec.seq, lo, hi) {
			for _, r := range rec.refs {
				r.Release()
			}
			q.completions++
			if copied {
				q.copied++
			}
			continue
		}
		kept = append(kept, rec)
	}
	q.inflight = kept
}

func seqInRange(seq, lo, hi uint32) bool {
	return int32(seq-lo) >= 0 && int32(hi-seq) >= 0
}

// checkSlow marks the client slow once the backlog has stayed non-empty
// past the configured grace period; the worker is expected to close slow
// clients rather than let their backlog grow unbounded.
func (q *Queue) checkSlow(now time.Time) {
	if q.backlogSince.IsZero() {
		q.backlogSince = now
		return
	}
	if now.Sub(q.backlogSince) >= q.grace {
		q.slow = true
	}
}

// Slow reports whether the client has been backlogged past its grace
// period; the worker should treat this as a signal to close the connection.
func (q *Queue) Slow() bool { return q.slow }

// Stats returns a snapshot of backlog, drop, and send counters.
func (q *Queue) Stats() Stats {
	return Stats{
		QueuedChunks:   len(q.chunks),
		QueuedBytes:    q.queuedBytes,
		Dropped:        q.dropped,
		DroppedBytes:   q.droppedBytes,
		Slow:           q.slow,
		Sends:          q.sends,
		Completions:    q.completions,
		Copied:         q.copied,
		Eagain:         q.eagains,
		Enobufs:        q.enobufs,
		ZeroCopy:       q.zeroCopy,
		InflightChunks: len(q.inflight),
	}
}

// Close releases every outstanding chunk without writing it, plus any
// buffers still pinned by unacknowledged zero-copy sends, used when a
// client connection is torn down with data still queued. The fd itself is
// closed by the owner right after, which also discards any completion
// notifications still pending in the kernel.
func (q *Queue) Close() {
	for _, c := range q.chunks {
		c.ref.Release()
	}
	q.chunks = nil
	q.queuedBytes = 0
	for _, rec := range q.inflight {
		for _, r := range rec.refs {
			r.Release()
		}
	}
	q.inflight = nil
}
