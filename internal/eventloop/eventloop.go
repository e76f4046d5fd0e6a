// Package eventloop implements the single-threaded, cooperative, readiness-
// based I/O multiplexer: one goroutine per worker process drives every
// client and upstream fd through Linux epoll, so the per-worker buffer
// pool and send queues never need synchronization on their hot paths (see
// internal/pool, internal/sendqueue).
//
// This is a deliberate departure from a goroutine-per-connection model
// (a worker goroutine or a handler goroutine spawned per connection): a
// lock-free buffer pool is only safe if a single goroutine ever touches a
// worker's buffers. The fd-level plumbing — SO_REUSEPORT listener setup,
// golang.org/x/sys/unix for raw syscalls — follows the same style.
package eventloop

import (
	"container/heap"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// EventMask is a bitmask of readiness conditions, mirroring epoll's.
type EventMask uint32

const (
	EventReadable EventMask = unix.EPOLLIN
	EventWritable EventMask = unix.EPOLLOUT
	EventHup      EventMask = unix.EPOLLHUP | unix.EPOLLRDHUP
	EventError    EventMask = unix.EPOLLERR
)

// Handler is invoked with the readiness mask observed for a registered fd.
type Handler func(fd int, mask EventMask)

// TimerFunc is invoked when a scheduled timer fires. Returning a positive
// duration reschedules the timer that many nanoseconds from now.
type TimerFunc func(now time.Time) (next time.Duration)

type timer struct {
	at    time.Time
	fn    TimerFunc
	index int
}

// timerHeap is a min-heap on (timer.at), implementing container/heap.
type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].at.Before(h[j].at) }
func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index, h[j].index = i, j
}
func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Loop is a single-threaded epoll readiness loop. Register/Modify/
// Unregister/ScheduleTimer are only safe to call from the goroutine running
// Wait/Run, except Wake, which is safe from any goroutine.
type Loop struct {
	epfd    int
	wakeFD  int
	handler map[int]Handler
	timers  timerHeap

	closed bool
}

// New creates an epoll instance and an eventfd used for cross-goroutine
// wakeups (e.g. the status writer or a signal handler nudging the loop out
// of a blocking Wait).
func New() (*Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	wakeFD, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventloop: eventfd: %w", err)
	}

	l := &Loop{
		epfd:    epfd,
		wakeFD:  wakeFD,
		handler: make(map[int]Handler),
	}
	if err := l.Register(wakeFD, EventReadable, l.drainWake); err != nil {
		unix.Close(epfd)
		unix.Close(wakeFD)
		return nil, err
	}
	return l, nil
}

func (l *Loop) drainWake(int, EventMask) {
	var buf [8]byte
	for {
		_, err := unix.Read(l.wakeFD, buf[:])
		if err != nil {
			return
		}
	}
}

// Register adds fd to the poll set with the given interest mask and
// readiness callback.
func (l *Loop) Register(fd int, mask EventMask, h Handler) error {
	ev := unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(ADD, %d): %w", fd, err)
	}
	l.handler[fd] = h
	return nil
}

// Modify updates fd's interest mask (e.g. a send queue arms EventWritable
// only while it has a non-empty backlog).
func (l *Loop) Modify(fd int, mask EventMask) error {
	ev := unix.EpollEvent{Events: uint32(mask), Fd: int32(fd)}
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl(MOD, %d): %w", fd, err)
	}
	return nil
}

// Unregister removes fd from the poll set. The caller is responsible for
// closing fd; epoll drops a registration automatically on close, but
// removing it explicitly avoids racing a fd number reuse before the close
// completes.
func (l *Loop) Unregister(fd int) error {
	delete(l.handler, fd)
	err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, fd, nil)
	if err != nil && err != unix.ENOENT {
		return fmt.Errorf("eventloop: epoll_ctl(DEL, %d): %w", fd, err)
	}
	return nil
}

// Timer is a handle to a scheduled timer, usable to cancel it before it
// fires. Like the rest of the Loop API it is only safe to use from the
// goroutine running Wait/Run.
type Timer struct {
	l *Loop
	t *timer
}

// Cancel removes the timer from the wheel, guaranteeing its callback will
// not run. Reports whether the timer was still pending; canceling one that
// already fired (and didn't reschedule itself) is a no-op.
func (tm *Timer) Cancel() bool {
	if tm == nil || tm.t == nil {
		return false
	}
	idx := tm.t.index
	if idx < 0 || idx >= len(tm.l.timers) || tm.l.timers[idx] != tm.t {
		return false
	}
	heap.Remove(&tm.l.timers, idx)
	return true
}

// ScheduleTimer arms fn to run at `at` and returns a cancelation handle.
// Used for the buffer pool's contraction check, multicast rejoin interval,
// and FCC burst timeouts.
func (l *Loop) ScheduleTimer(at time.Time, fn TimerFunc) *Timer {
	t := &timer{at: at, fn: fn}
	heap.Push(&l.timers, t)
	return &Timer{l: l, t: t}
}

// Wake interrupts a blocking Wait from any goroutine, used by the signal
// handler and the cross-worker status writer (internal/status).
func (l *Loop) Wake() {
	var one [8]byte
	one[7] = 1
	_, _ = unix.Write(l.wakeFD, one[:])
}

const maxEventsPerWait = 256

// Wait blocks for at most one readiness/timer cycle and dispatches every
// fd callback and expired timer it observes, then returns. Run calls this
// in a loop; tests call it directly for deterministic single-step control.
func (l *Loop) Wait() error {
	timeout := -1
	if len(l.timers) > 0 {
		d := time.Until(l.timers[0].at)
		if d < 0 {
			d = 0
		}
		// Round up so a timer due in under a millisecond is actually due
		// when epoll_wait returns, instead of spinning with a 0ms timeout.
		timeout = int((d + time.Millisecond - 1) / time.Millisecond)
	}

	var events [maxEventsPerWait]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], timeout)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		fd := int(events[i].Fd)
		if h, ok := l.handler[fd]; ok {
			h(fd, EventMask(events[i].Events))
		}
	}

	l.fireTimers(time.Now())
	return nil
}

func (l *Loop) fireTimers(now time.Time) {
	for len(l.timers) > 0 && !l.timers[0].at.After(now) {
		t := heap.Pop(&l.timers).(*timer)
		if next := t.fn(now); next > 0 {
			t.at = now.Add(next)
			heap.Push(&l.timers, t)
		}
	}
}

// Run blocks, calling Wait until closed is true or Wait returns an error.
func (l *Loop) Run(closed func() bool) error {
	for !closed() {
		if err := l.Wait(); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the epoll and eventfd descriptors. Registered client/
// upstream fds are the caller's responsibility.
func (l *Loop) Close() error {
	if l.closed {
		return nil
	}
	l.closed = true
	err1 := unix.Close(l.wakeFD)
	err2 := unix.Close(l.epfd)
	if err1 != nil {
		return err1
	}
	return err2
}
