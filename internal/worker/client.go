package worker

import (
	"log/slog"
	"net"
	"time"

	"github.com/stackia/rtp2httpd-relay/internal/eventloop"
	"github.com/stackia/rtp2httpd-relay/internal/fcc"
	"github.com/stackia/rtp2httpd-relay/internal/logging"
	"github.com/stackia/rtp2httpd-relay/internal/rtp"
	"github.com/stackia/rtp2httpd-relay/internal/rtsp"
	"github.com/stackia/rtp2httpd-relay/internal/sendqueue"
	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// Client is one accepted connection's full state: its egress socket, send
// queue, and whichever upstream sub-state its current Service binding
// requires. Touched only from the engine's single event-loop goroutine.
type Client struct {
	ID         string
	log        *slog.Logger
	conn       net.Conn
	fd         int
	remoteAddr string

	svc       service.Service
	state     service.State
	userAgent string // carried through to RTSP time-shift Range translation

	queue       *sendqueue.Queue
	writeArmed  bool
	createdAt   time.Time
	bytesSent   uint64
	droppedCnt  uint64

	channel *mcastChannel // non-nil while subscribed to a multicast group

	fccSession       *fcc.Session
	fccConn          *net.UDPConn
	fccFD            int
	awaitingHandover bool        // true from FCC burst request until the multicast stream has caught up
	burstReorder     *rtp.Reorder // reorders the FCC unicast burst, independent of any channel reorder window

	rtspSession *rtsp.Session

	err  error         // set by the engine before done is closed; nil on a clean close
	done chan struct{} // closed by the engine once this client is torn down
}

func newClient(id string, conn net.Conn, fd int, queue *sendqueue.Queue, now time.Time, log *slog.Logger) *Client {
	return &Client{
		ID:         id,
		log:        logging.WithClient(log, id),
		conn:       conn,
		fd:         fd,
		remoteAddr: conn.RemoteAddr().String(),
		state:      service.StateAccepting,
		queue:      queue,
		createdAt:  now,
		done:       make(chan struct{}),
	}
}

// armWrite arms the client's fd for writability if it isn't already. Modify
// interest only while the backlog is non-empty: keeping an idle client's fd
// write-armed would busy-spin epoll_wait.
func (c *Client) armWrite(loop *eventloop.Loop) {
	if c.writeArmed {
		return
	}
	if err := loop.Modify(c.fd, eventloop.EventReadable|eventloop.EventWritable); err == nil {
		c.writeArmed = true
	}
}

func (c *Client) disarmWrite(loop *eventloop.Loop) {
	if !c.writeArmed {
		return
	}
	if err := loop.Modify(c.fd, eventloop.EventReadable); err == nil {
		c.writeArmed = false
	}
}

// Duration reports how long this client has been connected.
func (c *Client) Duration(now time.Time) time.Duration { return now.Sub(c.createdAt) }
