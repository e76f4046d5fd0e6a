package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stackia/rtp2httpd-relay/internal/config"
	"github.com/stackia/rtp2httpd-relay/internal/dispatch"
	"github.com/stackia/rtp2httpd-relay/internal/eventloop"
	"github.com/stackia/rtp2httpd-relay/internal/fcc"
	"github.com/stackia/rtp2httpd-relay/internal/helpers"
	"github.com/stackia/rtp2httpd-relay/internal/httpproxy"
	"github.com/stackia/rtp2httpd-relay/internal/mcast"
	"github.com/stackia/rtp2httpd-relay/internal/pool"
	"github.com/stackia/rtp2httpd-relay/internal/rtp"
	"github.com/stackia/rtp2httpd-relay/internal/rtsp"
	"github.com/stackia/rtp2httpd-relay/internal/sendqueue"
	"github.com/stackia/rtp2httpd-relay/internal/service"
	"github.com/stackia/rtp2httpd-relay/internal/status"
)

// Engine is the per-worker-process single-threaded runtime: it owns the
// event loop, the buffer pools, admission control, the dispatcher, every
// joined multicast channel, and every client connection.
//
// Engine implements Handler: ServeStream is the only entry point callable
// from outside the loop goroutine (typically net/http's per-request
// goroutine via httpadapter.go). It hands the request off to the loop
// goroutine through acceptCh + Wake and blocks until the client's lifetime
// ends, so the caller (and its HTTP server) observes ServeStream returning
// exactly when the stream is actually done.
type Engine struct {
	cfg config.Config
	log *slog.Logger

	loop     *eventloop.Loop
	pool     *pool.Pool
	ctrlPool *pool.Pool

	dispatcher *dispatch.Dispatcher
	admission  *Admission
	joiner     *mcast.Joiner
	status     *status.Recorder

	reorderConfig   rtp.Config
	fecBlockTimeout time.Duration
	multicastRejoin time.Duration
	sendQueueCfg    sendqueue.Config
	proxy           *httpproxy.Proxy

	// maintenanceInterval is how often onMaintenanceTick re-arms itself. It
	// must stay well under the tightest of the FCC request timeout and the
	// reorder-window timeout, or both would-be-prompt deadlines (80ms / a
	// few hundred ms by default) slip by up to a full tick before anything
	// notices.
	maintenanceInterval time.Duration

	channels     map[string]*mcastChannel
	channelsByFD map[int]*mcastChannel

	clients     map[string]*Client
	clientsByFD map[int]*Client

	acceptCh chan *pendingAccept
	bridgeCh chan streamChunk

	// closing is the only Engine field shared across goroutines: flipped by
	// Run's context watcher, observed by ServeStream callers.
	closing       atomic.Bool
	drainDeadline time.Time
}

// pendingAccept is handed from ServeStream (any goroutine) to the loop
// goroutine's drainPending step.
type pendingAccept struct {
	client *Client
	svc    service.Service
}

// streamChunk carries bytes produced by a blocking RTSP/HTTP-proxy helper
// goroutine back to the loop goroutine, which is the only goroutine
// allowed to touch the pool or a client's send queue. This is the bridge
// between the blocking RTSP/HTTP-proxy helpers and the loop: blocking I/O
// never happens on the loop goroutine, but the pool/queue it feeds never
// leaves the loop goroutine either.
type streamChunk struct {
	clientID    string
	data        []byte
	err         error
	eof         bool
	rtspSession *rtsp.Session // set once, by runRTSP, to hand the live session to the loop goroutine
}

// EngineConfig bundles what NewEngine needs beyond the parsed config.Config.
type EngineConfig struct {
	Table          []dispatch.Entry
	URLTemplates   bool
	Logger         *slog.Logger
	StatusRecorder *status.Recorder
}

// NewEngine builds an Engine ready to Run. One Engine per worker process.
func NewEngine(cfg config.Config, ecfg EngineConfig) (*Engine, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, fmt.Errorf("worker: event loop: %w", err)
	}

	reorderTimeout, _ := time.ParseDuration(cfg.RTP.ReorderTimeout)
	fecTimeout, _ := time.ParseDuration(cfg.RTP.FECBlockTimeout)
	rejoin, _ := time.ParseDuration(cfg.Multicast.RejoinInterval)
	slowGrace, _ := time.ParseDuration(cfg.SendQueue.SlowClientGrace)
	dialTimeout, _ := time.ParseDuration(cfg.HTTPProxy.DialTimeout)
	fccRequestTimeout, _ := time.ParseDuration(cfg.FCC.RequestTimeout)
	fccSyncTimeout, _ := time.ParseDuration(cfg.FCC.SyncTimeout)
	idleContraction, _ := time.ParseDuration(cfg.Pool.IdleContraction)
	idleContraction = helpers.ClampDuration(idleContraction, time.Second, time.Hour)

	log := ecfg.Logger
	if log == nil {
		log = slog.Default()
	}

	e := &Engine{
		cfg:        cfg,
		log:        log,
		loop:       loop,
		pool:       pool.New(pool.OriginData, pool.Config{Initial: cfg.Pool.InitialCount, Max: cfg.Pool.MaxCount, Step: cfg.Pool.ExpansionFactor, ContractAfter: idleContraction}),
		ctrlPool:   pool.New(pool.OriginControl, pool.Config{Initial: cfg.Pool.InitialCount / 16, Max: cfg.Pool.MaxCount / 16, ContractAfter: idleContraction}),
		dispatcher: dispatch.New(ecfg.Table, ecfg.URLTemplates, dispatch.Config{Token: cfg.Dispatch.AuthToken}),
		admission:  NewAdmission(cfg.RateLimit),
		joiner:     mcast.NewJoiner(),
		status:     ecfg.StatusRecorder,

		reorderConfig:   rtp.Config{Timeout: reorderTimeout, MaxSpan: cfg.RTP.ReorderMaxSpan},
		fecBlockTimeout: fecTimeout,
		multicastRejoin: rejoin,
		sendQueueCfg:    sendqueue.Config{MaxQueuedBytes: cfg.SendQueue.MaxQueuedBytes, SlowClientGrace: slowGrace, ZeroCopy: cfg.SendQueue.ZeroCopy},
		proxy:           httpproxy.New(httpproxy.Config{OutboundInterface: cfg.HTTPProxy.OutboundInterface, DialTimeout: dialTimeout}),

		maintenanceInterval: maintenanceInterval(reorderTimeout, fecTimeout, fccRequestTimeout, fccSyncTimeout),

		channels:     make(map[string]*mcastChannel),
		channelsByFD: make(map[int]*mcastChannel),
		clients:      make(map[string]*Client),
		clientsByFD:  make(map[int]*Client),

		acceptCh: make(chan *pendingAccept, 256),
		bridgeCh: make(chan streamChunk, 1024),
	}
	return e, nil
}

// ServeStream resolves req to a Service, admits the connection, and hands
// the hijacked socket to the event loop. It blocks until the client's
// lifetime ends (normal close, error, or engine shutdown), per the
// worker.Handler contract (see types.go).
func (e *Engine) ServeStream(ctx context.Context, sink ResponseSink, req Request) error {
	if e.closing.Load() {
		return ErrShuttingDown
	}

	host, _, _ := net.SplitHostPort(req.RemoteAddr)
	if host == "" {
		host = req.RemoteAddr
	}
	now := time.Now()
	if !e.admission.Admit(host, now) {
		_ = sink.WriteHeader(503, Header{"Content-Type": {"text/plain"}})
		return fmt.Errorf("%w: %w", ErrAdmissionRejected, service.ErrWorkerAtCapacity)
	}

	if want := e.cfg.Dispatch.ExpectedHost; want != "" && !hostMatches(req.Host, want) {
		e.admission.Release()
		_ = sink.WriteHeader(400, Header{"Content-Type": {"text/plain"}})
		return service.ErrHostnameMismatch
	}

	q, _ := url.ParseQuery(req.RawQuery)
	svc, err := e.dispatcher.Resolve(req.Path, q, req.Header.Get("User-Agent"), req.Header.Get("Cookie"))
	if err != nil {
		e.admission.Release()
		code := statusForDispatchError(err)
		_ = sink.WriteHeader(code, Header{"Content-Type": {"text/plain"}})
		return err
	}

	if req.Method != "GET" && req.Method != "HEAD" {
		e.admission.Release()
		_ = sink.WriteHeader(501, Header{"Content-Type": {"text/plain"}})
		return service.ErrMethodUnsupported
	}

	respHeader := Header{"Content-Type": {"video/MP2T"}}
	if err := sink.WriteHeader(200, respHeader); err != nil {
		e.admission.Release()
		return err
	}
	if req.Method == "HEAD" {
		e.admission.Release()
		return nil
	}

	conn, fd, err := sink.Hijack()
	if err != nil {
		e.admission.Release()
		return fmt.Errorf("worker: hijack: %w", err)
	}
	_ = unix.SetNonblock(fd, true)

	queue := sendqueue.New(fd, e.sendQueueCfg)
	client := newClient(service.NewClientID(), conn, fd, queue, now, e.log)
	client.svc = svc
	client.userAgent = req.Header.Get("User-Agent")

	e.acceptCh <- &pendingAccept{client: client, svc: svc}
	e.loop.Wake()

	// Block until the loop goroutine tears this client down (normal close,
	// error, or shutdown drain). ctx is not used to cancel early: the
	// engine's own shutdown drain (Run's drainComplete) is what ends every
	// client's lifetime during graceful shutdown, keeping teardown entirely
	// on the loop goroutine under its single-writer discipline.
	_ = ctx
	<-client.done
	e.admission.Release()
	return client.err
}

// maintenanceInterval picks a tick period tight enough that the FCC
// request/sync timeouts and the reorder window's flush deadline are all
// enforced within a fraction of their own configured value, not whatever a
// flat once-a-second tick happens to leave on the table.
func maintenanceInterval(durations ...time.Duration) time.Duration {
	const defaultTight = time.Second
	tightest := defaultTight
	for _, d := range durations {
		if d > 0 && d < tightest {
			tightest = d
		}
	}
	return helpers.ClampDuration(tightest/2, 10*time.Millisecond, defaultTight)
}

// hostMatches compares a request's Host header against the configured
// expected host, ignoring any :port suffix on either side.
func hostMatches(got, want string) bool {
	if h, _, err := net.SplitHostPort(got); err == nil {
		got = h
	}
	if h, _, err := net.SplitHostPort(want); err == nil {
		want = h
	}
	return got == want
}

func statusForDispatchError(err error) int {
	switch {
	case errors.Is(err, service.ErrUnknownService):
		return 404
	case errors.Is(err, service.ErrHostnameMismatch):
		return 400
	case errors.Is(err, service.ErrTokenMismatch):
		return 401
	default:
		return 404
	}
}

// Run drives the event loop until ctx is cancelled, then performs a
// graceful drain: stops accepting, drains send queues with a bounded
// deadline, issues RTSP TEARDOWN and FCC TERMINATE, then exits.
func (e *Engine) Run(ctx context.Context, shutdownGrace time.Duration) error {
	e.loop.ScheduleTimer(time.Now().Add(e.maintenanceInterval), e.onMaintenanceTick)

	done := make(chan struct{})
	go func() {
		<-ctx.Done()
		e.closing.Store(true)
		e.loop.Wake()
		close(done)
	}()

	err := e.loop.Run(func() bool {
		e.drainPending()
		select {
		case <-done:
			return e.drainComplete(shutdownGrace)
		default:
			return false
		}
	})
	_ = e.loop.Close()
	return err
}

// drainComplete reports whether every client has finished draining (or the
// grace deadline has passed), at which point Run's loop exits.
func (e *Engine) drainComplete(grace time.Duration) bool {
	if e.drainDeadline.IsZero() {
		e.drainDeadline = time.Now().Add(grace)
		for _, c := range e.clients {
			e.beginDrain(c)
		}
	}
	if len(e.clients) == 0 {
		return true
	}
	return time.Now().After(e.drainDeadline)
}

func (e *Engine) beginDrain(c *Client) {
	c.state = service.StateDraining
	if c.rtspSession != nil {
		_, _ = c.rtspSession.Teardown()
	}
	if c.fccSession != nil {
		if frame, ok := c.fccSession.TerminateFrame(); ok && c.fccConn != nil {
			_, _ = c.fccConn.Write(frame)
		}
	}
}

// drainPending processes every accept request and bridged stream chunk
// queued since the last Wait cycle. Only ever called from the loop
// goroutine.
func (e *Engine) drainPending() {
	for {
		select {
		case pa := <-e.acceptCh:
			e.onAccept(pa)
		default:
			goto drainBridge
		}
	}
drainBridge:
	for {
		select {
		case sc := <-e.bridgeCh:
			e.onStreamChunk(sc)
		default:
			return
		}
	}
}

func (e *Engine) onAccept(pa *pendingAccept) {
	c := pa.client
	if err := e.loop.Register(c.fd, eventloop.EventReadable, e.onClientEvent); err != nil {
		c.err = err
		c.queue.Close()
		_ = c.conn.Close()
		close(c.done)
		return
	}
	e.clients[c.ID] = c
	e.clientsByFD[c.fd] = c
	c.state = service.StateDispatching

	if e.status != nil {
		e.status.ClientConnected(c.ID, c.remoteAddr, c.svc.String())
	}

	switch pa.svc.Kind {
	case service.KindMulticastRTP, service.KindMulticastUDP:
		e.startMulticast(c)
	case service.KindRTSP:
		e.startRTSP(c)
	case service.KindHTTPProxy:
		e.startHTTPProxy(c)
	default:
		e.closeClient(c, fmt.Errorf("worker: unknown service kind %v", pa.svc.Kind))
	}
}

// onClientEvent is the single readiness handler for a client's egress fd;
// the interest mask changes (armWrite/disarmWrite) but the handler does
// not, so every condition is dispatched here.
//
// With zero-copy active, EPOLLERR means the socket's error queue holds
// MSG_ZEROCOPY completion notifications, not a dead peer, so those are
// drained before close is even considered. The readable path never expects
// application data from a streaming GET client: a read only ever detects
// client-initiated close.
func (e *Engine) onClientEvent(fd int, mask eventloop.EventMask) {
	c, ok := e.clientsByFD[fd]
	if !ok {
		return
	}
	if mask&eventloop.EventError != 0 && c.queue.ZeroCopyEnabled() {
		c.queue.OnCompletion()
		mask &^= eventloop.EventError
	}
	if mask&(eventloop.EventHup|eventloop.EventError) != 0 {
		e.closeClient(c, nil)
		return
	}
	if mask&eventloop.EventWritable != 0 {
		drained, err := c.queue.Flush(time.Now())
		if err != nil {
			e.closeClient(c, err)
			return
		}
		if drained {
			c.disarmWrite(e.loop)
		}
		if c.queue.Slow() {
			e.closeClient(c, errors.New("worker: client exceeded slow-client grace"))
			return
		}
	}
	if mask&eventloop.EventReadable != 0 {
		var buf [256]byte
		n, err := unix.Read(fd, buf[:])
		if n == 0 || (err != nil && !errors.Is(err, unix.EAGAIN) && !errors.Is(err, unix.EWOULDBLOCK)) {
			e.closeClient(c, nil)
		}
	}
}

func (e *Engine) closeClient(c *Client, err error) {
	if _, ok := e.clients[c.ID]; !ok {
		return
	}
	c.err = err
	c.state = service.StateClosed

	_ = e.loop.Unregister(c.fd)
	delete(e.clientsByFD, c.fd)
	delete(e.clients, c.ID)

	if c.channel != nil {
		e.releaseChannel(c.channel, c.ID)
		c.channel = nil
	}
	if c.fccConn != nil {
		if c.fccFD != 0 {
			_ = e.loop.Unregister(c.fccFD)
		}
		_ = c.fccConn.Close()
	}
	if c.rtspSession != nil {
		_, _ = c.rtspSession.Teardown()
	}
	c.queue.Close()
	_ = c.conn.Close()

	if e.status != nil {
		e.status.ClientDisconnected(c.ID)
	}

	close(c.done)
}

// onMaintenanceTick drives the periodic housekeeping the timer wheel owns:
// pool contraction, multicast rejoin, FEC block expiry, FCC timeout checks,
// and slow-client eviction.
func (e *Engine) onMaintenanceTick(now time.Time) time.Duration {
	e.pool.MaybeContract(now)
	e.ctrlPool.MaybeContract(now)
	e.joiner.Rejoin(now)
	for _, ch := range e.channels {
		if ch.fecDec != nil {
			ch.fecDec.Expire(now)
		}
		if ch.reorder != nil {
			if emitted, _ := ch.reorder.Flush(now); len(emitted) > 0 {
				for _, entry := range emitted {
					if ref, ok := entry.Handle.(pool.Ref); ok {
						e.fanout(ch, ref, len(entry.Packet.Payload), entry.Packet.SequenceNumber, true)
						ref.Release()
					}
				}
			}
		}
	}
	for _, c := range e.clients {
		// Slow-client detection cannot rely on writability events alone:
		// epoll is level-triggered on EPOLLOUT, so a peer whose receive
		// window stays closed simply stops producing events and the
		// EventWritable branch of onClientEvent never runs again. Re-drive
		// the flush here so backlog age keeps being evaluated and a wedged
		// client is evicted instead of holding its fd and queue forever.
		if !c.queue.Empty() {
			drained, err := c.queue.Flush(now)
			if err != nil {
				e.closeClient(c, err)
				continue
			}
			if drained {
				c.disarmWrite(e.loop)
			}
			if c.queue.Slow() {
				e.closeClient(c, errors.New("worker: client exceeded slow-client grace"))
				continue
			}
		}
		if c.fccSession != nil {
			if c.fccSession.CheckTimeout(now) {
				e.handleFCCEvent(c, fcc.Event{Kind: fcc.EventFallback})
			} else if frame, ok := c.fccSession.NATKeepalive(now); ok && c.fccConn != nil {
				_, _ = c.fccConn.Write(frame)
			}
		}
		if e.status != nil {
			chunks, bytes := c.queue.Pending()
			st := c.queue.Stats()
			e.status.Update(c.ID, c.state.String(), c.bytesSent, chunks, bytes, st.DroppedBytes, st.Slow)
		}
	}
	return e.maintenanceInterval
}

// onStreamChunk applies one bridged RTSP/HTTP-proxy result to its client:
// data is repacked into pooled buffers and enqueued, err/eof close the
// client, and a bare rtspSession attachment (no data, no error) just
// records the live session so Teardown can be issued from this goroutine
// later.
func (e *Engine) onStreamChunk(sc streamChunk) {
	c, ok := e.clients[sc.clientID]
	if !ok {
		return
	}
	if sc.rtspSession != nil {
		c.rtspSession = sc.rtspSession
	}
	if sc.err != nil {
		e.closeClient(c, sc.err)
		return
	}
	if sc.eof {
		e.closeClient(c, nil)
		return
	}
	if len(sc.data) == 0 {
		return
	}

	now := time.Now()
	data := sc.data
	for len(data) > 0 {
		ref, ok := e.pool.Acquire()
		if !ok {
			c.droppedCnt++
			return
		}
		n := copy(ref.Bytes(), data)
		data = data[n:]
		if err := c.queue.Enqueue(ref, n, now); err != nil {
			ref.Release()
			c.droppedCnt++
			continue
		}
		c.bytesSent += uint64(n)
		c.armWrite(e.loop)
	}
}
