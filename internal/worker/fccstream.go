package worker

import (
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stackia/rtp2httpd-relay/internal/eventloop"
	"github.com/stackia/rtp2httpd-relay/internal/fcc"
	"github.com/stackia/rtp2httpd-relay/internal/pool"
	"github.com/stackia/rtp2httpd-relay/internal/rtp"
	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// fccControlPT is the RTCP Generic Feedback packet type (PT=205) both FCC
// variants' control frames carry in their second wire byte (see
// internal/fcc/frame.go's commonHeaderLen doc comment); anything else
// arriving on the FCC unicast socket is burst media, not a control frame.
const fccControlPT = 205

func isFCCControlFrame(buf []byte) bool {
	return len(buf) >= 2 && buf[1] == fccControlPT
}

// This file drives the multicast + optional FCC fast-channel-change path:
// the client is joined to its multicast channel right away, and, when the
// service carries an FCC descriptor, a parallel unicast burst session is
// started so the viewer sees video immediately instead of waiting out a
// GOP boundary on the multicast stream. Delivery from the multicast
// channel is held back (Client.awaitingHandover) until the FCC session
// reports its expected sequence has arrived on multicast, preserving strict
// ordering across the burst-to-multicast handover.

// startMulticast joins the channel and, if the resolved service carries an
// FCC descriptor, starts the burst-then-handover sequence in parallel.
func (e *Engine) startMulticast(c *Client) {
	ch, err := e.acquireChannel(c.svc, c)
	if err != nil {
		e.closeClient(c, err)
		return
	}
	c.channel = ch

	if c.svc.FCC == nil || c.svc.Kind != service.KindMulticastRTP {
		c.state = service.StateStreamingLiveMulticast
		return
	}

	c.awaitingHandover = true
	c.state = service.StateStreamingFccBurst
	if err := e.startFCC(c); err != nil {
		c.log.Warn("fcc burst setup failed, falling back to plain multicast", "err", err)
		c.awaitingHandover = false
		c.fccSession = nil
		c.state = service.StateStreamingLiveMulticast
	}
}

// startFCC dials the FCC server, sends the initial client-request frame,
// and registers the session's unicast socket with the event loop.
func (e *Engine) startFCC(c *Client) error {
	desc := c.svc.FCC
	serverIP := net.ParseIP(desc.ServerIP)
	if serverIP == nil {
		return fmt.Errorf("worker: invalid fcc server ip %q", desc.ServerIP)
	}
	groupIP := net.ParseIP(c.svc.Group)
	if groupIP == nil {
		return fmt.Errorf("worker: invalid multicast group %q", c.svc.Group)
	}

	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: serverIP, Port: desc.ServerPort})
	if err != nil {
		return fmt.Errorf("worker: dial fcc server: %w", err)
	}
	fd, err := rawFD(conn)
	if err != nil {
		_ = conn.Close()
		return err
	}
	_ = unix.SetNonblock(fd, true)

	clientPort := conn.LocalAddr().(*net.UDPAddr).Port

	reqTimeout, _ := time.ParseDuration(e.cfg.FCC.RequestTimeout)
	syncTimeout, _ := time.ParseDuration(e.cfg.FCC.SyncTimeout)
	natKeepalive, _ := time.ParseDuration(e.cfg.FCC.NATKeepalive)

	sess := fcc.NewSession(fcc.Config{
		Protocol:       desc.Protocol,
		ServerIP:       serverIP,
		ServerPort:     desc.ServerPort,
		ClientPort:     clientPort,
		MulticastIP:    groupIP,
		MulticastPort:  c.svc.Port,
		STBID:          stbIDFromRemote(c.remoteAddr),
		SenderSSRC:     rand.Uint32(),
		RequestTimeout: reqTimeout,
		SyncTimeout:    syncTimeout,
		NATKeepalive:   natKeepalive,
	})

	req, err := sess.RequestFrame(time.Now())
	if err != nil {
		_ = conn.Close()
		return err
	}
	if _, err := conn.Write(req); err != nil {
		_ = conn.Close()
		return err
	}

	c.fccSession = sess
	c.fccConn = conn
	c.fccFD = fd
	c.burstReorder = rtp.New(rtp.Config{Timeout: 200 * time.Millisecond, MaxSpan: e.reorderConfig.MaxSpan})

	return e.loop.Register(fd, eventloop.EventReadable, e.makeFCCReadHandler(c.ID))
}

// stbIDFromRemote derives a deterministic pseudo set-top-box identifier from
// the client's remote address, since there is no real subscriber database
// to draw one from outside the service table.
func stbIDFromRemote(remoteAddr string) [16]byte {
	var id [16]byte
	copy(id[:], remoteAddr)
	return id
}

// makeFCCReadHandler closes over clientID (rather than fd) because an FCC
// redirect tears down and re-dials the socket, changing its fd mid-session;
// looking the client up by ID on every fire keeps the handler valid across
// that re-dial. redialFCC re-registers the handler at the new fd each time.
func (e *Engine) makeFCCReadHandler(clientID string) eventloop.Handler {
	return func(fd int, mask eventloop.EventMask) {
		c, ok := e.clients[clientID]
		if !ok || c.fccConn == nil {
			return
		}
		e.onFCCReadable(c, fd)
	}
}

// onFCCReadable drains one client's FCC unicast socket. Frames matching the
// 12-byte RTCP Generic Feedback control header (PT=205) are handed to the
// session state machine; everything else is treated as unicast burst media
// and forwarded directly to the client, deduplicated through a client-local
// reorder window.
func (e *Engine) onFCCReadable(c *Client, fd int) {
	now := time.Now()
	for {
		ref, ok := e.ctrlPool.Acquire()
		if !ok {
			return
		}
		n, err := unix.Read(fd, ref.Bytes())
		if err != nil {
			ref.Release()
			if errors.Is(err, unix.EAGAIN) || errors.Is(err, unix.EWOULDBLOCK) {
				return
			}
			return
		}
		if n == 0 {
			ref.Release()
			return
		}

		if isFCCControlFrame(ref.Bytes()[:n]) {
			event, herr := c.fccSession.HandleControlFrame(ref.Bytes()[:n], now)
			ref.Release()
			if herr != nil {
				c.log.Debug("fcc control frame error", "err", herr)
				continue
			}
			e.handleFCCEvent(c, event)
			continue
		}

		e.ingestBurstPacket(c, ref, n, now)
	}
}

func (e *Engine) handleFCCEvent(c *Client, event fcc.Event) {
	switch event.Kind {
	case fcc.EventRedirect:
		e.redialFCC(c, event.RedirectIP, event.RedirectPort)
	case fcc.EventAwaitingMulticast:
		c.state = service.StateStreamingFccSynchronizing
	case fcc.EventFallback:
		c.log.Info("fcc session fell back to plain multicast")
		c.awaitingHandover = false
		c.state = service.StateStreamingLiveMulticast
		e.teardownFCC(c)
	case fcc.EventHandedOver:
		e.finishFCCHandover(c)
	}
}

// redialFCC tears down the current unicast socket and opens a new one
// against the server the session was redirected to.
func (e *Engine) redialFCC(c *Client, ip net.IP, port int) {
	if c.fccConn != nil {
		_ = e.loop.Unregister(c.fccFD)
		_ = c.fccConn.Close()
	}
	conn, err := net.DialUDP("udp", nil, &net.UDPAddr{IP: ip, Port: port})
	if err != nil {
		c.log.Warn("fcc redirect dial failed", "err", err)
		c.awaitingHandover = false
		c.state = service.StateStreamingLiveMulticast
		return
	}
	fd, err := rawFD(conn)
	if err != nil {
		_ = conn.Close()
		c.awaitingHandover = false
		c.state = service.StateStreamingLiveMulticast
		return
	}
	_ = unix.SetNonblock(fd, true)
	c.fccConn = conn
	c.fccFD = fd

	req, err := c.fccSession.RequestFrame(time.Now())
	if err == nil {
		_, _ = conn.Write(req)
	}
	if err := e.loop.Register(fd, eventloop.EventReadable, e.makeFCCReadHandler(c.ID)); err != nil {
		c.log.Warn("fcc redirect register failed", "err", err)
	}
}

// finishFCCHandover releases the FCC unicast resources once the multicast
// stream has caught up, sending the protocol-appropriate termination frame
// first to terminate the unicast burst cleanly.
func (e *Engine) finishFCCHandover(c *Client) {
	c.awaitingHandover = false
	c.state = service.StateStreamingLiveMulticast
	e.teardownFCC(c)
}

func (e *Engine) teardownFCC(c *Client) {
	if c.fccSession != nil {
		if frame, ok := c.fccSession.TerminateFrame(); ok && c.fccConn != nil {
			_, _ = c.fccConn.Write(frame)
		}
	}
	if c.fccConn != nil {
		_ = e.loop.Unregister(c.fccFD)
		_ = c.fccConn.Close()
		c.fccConn = nil
		c.fccFD = 0
	}
}

// ingestBurstPacket parses one unicast burst datagram as RTP, reorders it
// through the client's own window, and enqueues emitted packets directly —
// this path never goes through the shared channel's fanout since the burst
// is unicast to exactly this client.
func (e *Engine) ingestBurstPacket(c *Client, ref pool.Ref, n int, now time.Time) {
	pkt, err := rtp.Parse(ref.Bytes()[:n], -1)
	if err != nil {
		ref.Release()
		return
	}
	if c.fccSession.BurstSeqBeyondSync(pkt.SequenceNumber) {
		ref.Release()
		return
	}
	c.fccSession.CountBurstPacket()

	payload := pkt.Payload
	payloadLen := len(payload)
	copy(ref.Bytes()[:payloadLen], payload)
	pkt.Payload = ref.Bytes()[:payloadLen]

	emitted, dropped := c.burstReorder.Push(pkt, ref, now)
	if dropped {
		ref.Release()
		return
	}
	for _, entry := range emitted {
		eref := entry.Handle.(pool.Ref)
		if err := c.queue.Enqueue(eref, len(entry.Packet.Payload), now); err != nil {
			eref.Release()
			continue
		}
		c.bytesSent += uint64(len(entry.Packet.Payload))
		c.armWrite(e.loop)
	}
}
