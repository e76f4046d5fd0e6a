package worker

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/stackia/rtp2httpd-relay/internal/eventloop"
	"github.com/stackia/rtp2httpd-relay/internal/fec"
	"github.com/stackia/rtp2httpd-relay/internal/mcast"
	"github.com/stackia/rtp2httpd-relay/internal/pool"
	"github.com/stackia/rtp2httpd-relay/internal/rtp"
	"github.com/stackia/rtp2httpd-relay/internal/service"
)

// This file implements multicast ingress fanout: one mcastChannel per
// (group, port) reads datagrams off the wire exactly
// once regardless of how many clients subscribe, runs them through the
// reorder/FEC pipeline, and clones pooled buffer references out to every
// subscriber's send queue. Channel membership is refcounted through
// internal/mcast.Joiner; the channel itself is torn down when its last
// subscriber leaves.

// mcastChannel is one joined multicast group shared by every client
// currently watching it. Owned exclusively by the engine's event-loop
// goroutine.
type mcastChannel struct {
	key  string
	kind service.Kind

	conn *net.UDPConn
	fd   int
	mcfg mcast.Config

	fecConn *net.UDPConn
	fecFD   int
	fecCfg  mcast.Config

	reorder *rtp.Reorder
	fecDec  *fec.Decoder

	subscribers map[string]*Client
}

func channelKey(group string, port int) string {
	return fmt.Sprintf("%s:%d", group, port)
}

func rawFD(conn syscall.Conn) (int, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return -1, err
	}
	var fd int
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// acquireChannel joins svc's multicast group if needed and attaches client
// as a subscriber, using a refcounted-membership model.
func (e *Engine) acquireChannel(svc service.Service, client *Client) (*mcastChannel, error) {
	key := channelKey(svc.Group, svc.Port)
	if ch, ok := e.channels[key]; ok {
		ch.subscribers[client.ID] = client
		return ch, nil
	}

	groupIP := net.ParseIP(svc.Group)
	if groupIP == nil {
		return nil, fmt.Errorf("worker: invalid multicast group %q", svc.Group)
	}

	mcfg := mcast.Config{
		Group:           groupIP,
		Port:            svc.Port,
		Interface:       e.cfg.Multicast.Interface,
		RecvBufferBytes: e.cfg.Multicast.RecvBufferBytes,
		RejoinInterval:  e.multicastRejoin,
		Privileged:      e.cfg.Multicast.Privileged,
	}
	conn, err := e.joiner.Join(mcfg)
	if err != nil {
		return nil, fmt.Errorf("worker: join multicast: %w", err)
	}
	fd, err := rawFD(conn)
	if err != nil {
		_ = e.joiner.Leave(mcfg)
		return nil, err
	}

	ch := &mcastChannel{
		key:         key,
		kind:        svc.Kind,
		conn:        conn,
		fd:          fd,
		mcfg:        mcfg,
		subscribers: map[string]*Client{client.ID: client},
	}

	if svc.Kind == service.KindMulticastRTP {
		ch.reorder = rtp.New(e.reorderConfig)
	}

	if svc.FEC != nil {
		dec, err := fec.New(fec.Config{
			DataShards:   svc.FEC.DataShards,
			ParityShards: svc.FEC.ParityShards,
			BlockTimeout: e.fecBlockTimeout,
		})
		if err == nil {
			ch.fecDec = dec
			fecCfg := mcast.Config{
				Group:           groupIP,
				Port:            svc.FEC.Port,
				Interface:       e.cfg.Multicast.Interface,
				RecvBufferBytes: e.cfg.Multicast.RecvBufferBytes,
				Privileged:      e.cfg.Multicast.Privileged,
			}
			if fecConn, ferr := e.joiner.Join(fecCfg); ferr == nil {
				if ffd, ferr := rawFD(fecConn); ferr == nil {
					ch.fecConn = fecConn
					ch.fecFD = ffd
					ch.fecCfg = fecCfg
					if err := e.loop.Register(ffd, eventloop.EventReadable, e.onFECReadable); err != nil {
						e.log.Error("register fec listener failed", "err", err)
					}
					e.channelsByFD[ffd] = ch
				}
			}
		}
	}

	e.channels[key] = ch
	e.channelsByFD[fd] = ch
	if err := e.loop.Register(fd, eventloop.EventReadable, e.onChannelReadable); err != nil {
		e.releaseChannel(ch, client.ID)
		return nil, err
	}
	return ch, nil
}

// releaseChannel detaches clientID from ch, tearing the channel down (and
// leaving the multicast group) once it has no subscribers left.
func (e *Engine) releaseChannel(ch *mcastChannel, clientID string) {
	delete(ch.subscribers, clientID)
	if len(ch.subscribers) > 0 {
		return
	}

	_ = e.loop.Unregister(ch.fd)
	delete(e.channelsByFD, ch.fd)
	delete(e.channels, ch.key)
	_ = e.joiner.Leave(ch.mcfg)

	if ch.fecConn != nil {
		_ = e.loop.Unregister(ch.fecFD)
		delete(e.channelsByFD, ch.fecFD)
		_ = e.joiner.Leave(ch.fecCfg)
	}
}

// onChannelReadable drains as many datagrams as are currently available on
// a joined multicast socket, feeding each through reorder (and FEC
// submission, if configured) before fanning emitted packets out.
func (e *Engine) onChannelReadable(fd int, mask eventloop.EventMask) {
	ch, ok := e.channelsByFD[fd]
	if !ok {
		return
	}
	for {
		ref, ok := e.pool.Acquire()
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
		e.ingestChannelPacket(ch, ref, n)
	}
}

func (e *Engine) ingestChannelPacket(ch *mcastChannel, ref pool.Ref, n int) {
	now := time.Now()

	if ch.kind != service.KindMulticastRTP {
		e.fanout(ch, ref, n, 0, false)
		return
	}

	pkt, err := rtp.Parse(ref.Bytes()[:n], -1)
	if err != nil {
		ref.Release()
		return
	}

	payload := pkt.Payload
	if ch.fecDec != nil {
		if blockID, shardIndex, rest, ok := rtp.FECBlockID(pkt); ok {
			recovered := ch.fecDec.SubmitData(blockID, int(shardIndex), pkt.SequenceNumber, append([]byte(nil), rest...), now)
			e.reinjectRecovered(ch, recovered, now)
			payload = rest
		}
	}

	payloadLen := len(payload)
	copy(ref.Bytes()[:payloadLen], payload)
	pkt.Payload = ref.Bytes()[:payloadLen]

	emitted, dropped := ch.reorder.Push(pkt, ref, now)
	if dropped {
		ref.Release()
		return
	}
	for _, entry := range emitted {
		eref := entry.Handle.(pool.Ref)
		e.fanout(ch, eref, len(entry.Packet.Payload), entry.Packet.SequenceNumber, true)
		eref.Release()
	}
}

// onFECReadable drains the parallel FEC shard port and re-injects any
// reconstructed data shards into the main channel's reorder window.
func (e *Engine) onFECReadable(fd int, mask eventloop.EventMask) {
	ch, ok := e.channelsByFD[fd]
	if !ok || ch.fecDec == nil {
		return
	}
	now := time.Now()
	var scratch [pool.BufferSize]byte
	for {
		n, err := unix.Read(fd, scratch[:])
		if err != nil {
			return
		}
		if n == 0 {
			return
		}
		pkt, err := rtp.Parse(scratch[:n], -1)
		if err != nil {
			continue
		}
		blockID, shardIndex, rest, ok := rtp.FECBlockID(pkt)
		if !ok {
			continue
		}
		recovered := ch.fecDec.SubmitParity(blockID, int(shardIndex), append([]byte(nil), rest...), now)
		e.reinjectRecovered(ch, recovered, now)
	}
}

// reinjectRecovered feeds FEC-reconstructed data shards back through the
// channel's reorder window under their original sequence numbers.
func (e *Engine) reinjectRecovered(ch *mcastChannel, recovered []fec.RecoveredShard, now time.Time) {
	for _, rs := range recovered {
		ref, ok := e.pool.Acquire()
		if !ok {
			continue
		}
		// Reconstructed shards are zero-padded to the block's longest shard:
		// keep whole 188-byte MPEG-TS packets and drop trailing ones that
		// lack the 0x47 sync byte.
		payload := rs.Payload[:len(rs.Payload)/188*188]
		for len(payload) >= 188 && payload[len(payload)-188] != 0x47 {
			payload = payload[:len(payload)-188]
		}
		n := copy(ref.Bytes(), payload)
		rpkt := rtp.Packet{SequenceNumber: rs.Seq, Payload: ref.Bytes()[:n]}
		emitted, dropped := ch.reorder.Push(rpkt, ref, now)
		if dropped {
			ref.Release()
			continue
		}
		for _, entry := range emitted {
			eref := entry.Handle.(pool.Ref)
			e.fanout(ch, eref, len(entry.Packet.Payload), entry.Packet.SequenceNumber, true)
			eref.Release()
		}
	}
}

// fanout clones ref to every subscriber's send queue. A subscriber whose
// queue is already full drops the packet and counts it; a clone that was
// never taken (Enqueue failure) is released immediately so it doesn't leak
// a reference.
//
// A client mid-FCC-handover (awaitingHandover) is skipped entirely: no
// multicast packet may reach the client until the burst has delivered
// every sequence below the server's announced handover point, so this
// channel's own RTP sequence number (when known) is first checked against
// that client's FCC session to see if handover has just completed.
func (e *Engine) fanout(ch *mcastChannel, ref pool.Ref, n int, seq uint16, hasSeq bool) {
	now := time.Now()
	for _, c := range ch.subscribers {
		if c.awaitingHandover {
			if hasSeq && c.fccSession != nil && c.fccSession.HandleMulticastPacket(seq) {
				e.finishFCCHandover(c)
			} else {
				continue
			}
		}
		clone := ref.Clone()
		if err := c.queue.Enqueue(clone, n, now); err != nil {
			clone.Release()
			continue
		}
		c.bytesSent += uint64(n)
		c.armWrite(e.loop)
	}
}
