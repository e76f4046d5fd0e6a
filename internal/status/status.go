// Package status implements the per-worker supervisor status surface: a
// live snapshot of every client currently attached to a worker, plus that
// worker's process-level CPU and memory usage, so an external supervisor
// can poll worker health without instrumenting the hot path itself.
//
// CPU/memory sampling uses gopsutil/v3/process, scoped to a single
// process (per-worker) snapshot rather than a global one, since a relay
// deployment runs one process per worker.
package status

import (
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

func numGoroutine() int { return runtime.NumGoroutine() }

// ClientSnapshot is one client's point-in-time state, scoped to a single
// streaming connection.
type ClientSnapshot struct {
	ClientID       string
	RemoteAddr     string
	Service        string
	State          string
	BytesSent      uint64
	QueueChunks    int
	QueueBytes     int
	DroppedBytes   uint64
	Slow           bool
	ConnectedAt    time.Time
	DisconnectedAt time.Time
}

// ProcessStats is a worker's resource usage, sampled on demand.
type ProcessStats struct {
	PID          int
	UptimeSecs   float64
	CPUPercent   float64
	RSSBytes     uint64
	NumGoroutine int
}

// Recorder is the single accounting point for one worker's client status
// ring. ClientConnected/ClientDisconnected/Update are called exclusively
// from the worker's event-loop goroutine; Snapshot and Process are called
// from whatever goroutine serves the status endpoint, so the mutex here —
// unlike the pool and send queues — is load-bearing: this is the one
// place in the worker that is genuinely read cross-goroutine.
type Recorder struct {
	mu        sync.Mutex
	clients   map[string]*ClientSnapshot
	startTime time.Time
	proc      *process.Process
}

// NewRecorder builds a Recorder for the current process.
func NewRecorder() *Recorder {
	r := &Recorder{
		clients:   make(map[string]*ClientSnapshot),
		startTime: time.Now(),
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		r.proc = p
	}
	return r
}

// ClientConnected records a newly accepted client.
func (r *Recorder) ClientConnected(clientID, remoteAddr, svc string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[clientID] = &ClientSnapshot{
		ClientID:    clientID,
		RemoteAddr:  remoteAddr,
		Service:     svc,
		State:       "accepting",
		ConnectedAt: time.Now(),
	}
}

// Update refreshes a connected client's mutable fields. A clientID not
// currently tracked (already disconnected, or never connected) is a no-op.
func (r *Recorder) Update(clientID, state string, bytesSent uint64, queueChunks, queueBytes int, droppedBytes uint64, slow bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[clientID]
	if !ok {
		return
	}
	c.State = state
	c.BytesSent = bytesSent
	c.QueueChunks = queueChunks
	c.QueueBytes = queueBytes
	c.DroppedBytes = droppedBytes
	c.Slow = slow
}

// ClientDisconnected removes clientID from the live set. History of past
// clients is intentionally not retained as a fixed-size circular buffer
// here: a worker's status endpoint only needs current state, and
// retaining disconnected clients would grow unbounded without an
// eviction policy — see DESIGN.md.
func (r *Recorder) ClientDisconnected(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.clients, clientID)
}

// Snapshot returns every currently connected client's state.
func (r *Recorder) Snapshot() []ClientSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ClientSnapshot, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, *c)
	}
	return out
}

// Process samples this worker's CPU and memory usage. CPU is measured as
// the delta since the process was created divided by wall time, matching
// gopsutil's own cumulative-then-rate convention.
func (r *Recorder) Process() ProcessStats {
	stats := ProcessStats{
		PID:          os.Getpid(),
		UptimeSecs:   time.Since(r.startTime).Seconds(),
		NumGoroutine: numGoroutine(),
	}
	if r.proc == nil {
		return stats
	}
	if pct, err := r.proc.CPUPercent(); err == nil {
		stats.CPUPercent = pct
	}
	if mi, err := r.proc.MemoryInfo(); err == nil && mi != nil {
		stats.RSSBytes = mi.RSS
	}
	return stats
}
