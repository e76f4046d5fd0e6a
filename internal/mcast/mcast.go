// Package mcast implements refcounted multicast group membership: bind a
// UDP socket, request a large receive buffer, join on a configured
// interface, and support a periodic rejoin to defeat IGMP-snooping
// switches that drop membership when no querier is present. Join is
// keyed by (group, port, interface) and refcounted so the last leaver
// triggers the real IGMP leave.
//
// Socket setup (SO_REUSEADDR, privileged large-buffer setsockopt) uses the
// same raw-socket-option idiom as the rest of this repo; actual group
// membership uses golang.org/x/net/ipv4.PacketConn, the standard
// multicast-join primitive for this kind of receiver.
package mcast

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"
	"golang.org/x/sys/unix"
)

// DefaultRecvBuffer is a receive buffer large enough to absorb a burst
// without kernel-level drops under normal scheduling jitter.
const DefaultRecvBuffer = 512 * 1024

var ErrNotJoined = errors.New("mcast: group not joined")

// Config controls one group membership.
type Config struct {
	Group     net.IP
	Port      int
	Interface string // interface name to join on; empty uses the default

	RecvBufferBytes int
	// RejoinInterval periodically re-issues the join; 0 disables it.
	// Left disabled by default — an operator opt-in, not automatic.
	RejoinInterval time.Duration

	// Privileged requests the OS-level SO_RCVBUFFORCE variant, used when
	// CAP_NET_ADMIN is available to exceed net.core.rmem_max.
	Privileged bool
}

// member is one joined group, refcounted across clients.
type member struct {
	conn    *net.UDPConn
	pktConn *ipv4.PacketConn
	iface   *net.Interface
	group   net.IP

	refs        int
	lastJoin    time.Time
	rejoinEvery time.Duration
}

// Joiner tracks refcounted multicast memberships for one worker process.
// Every method holds an internal mutex, so calls from several goroutines
// are serialized.
type Joiner struct {
	mu      sync.Mutex
	members map[string]*member
}

// NewJoiner creates an empty membership tracker.
func NewJoiner() *Joiner {
	return &Joiner{members: make(map[string]*member)}
}

func key(cfg Config) string {
	return fmt.Sprintf("%s:%d@%s", cfg.Group.String(), cfg.Port, cfg.Interface)
}

// Join binds and joins cfg's group if this is the first reference, or
// increments the refcount if another client already joined the same
// (group, port, interface), so the last leaver triggers the actual leave.
func (j *Joiner) Join(cfg Config) (*net.UDPConn, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	k := key(cfg)
	if m, ok := j.members[k]; ok {
		m.refs++
		return m.conn, nil
	}

	conn, pktConn, iface, err := joinGroup(cfg)
	if err != nil {
		return nil, err
	}

	if cfg.RecvBufferBytes <= 0 {
		cfg.RecvBufferBytes = DefaultRecvBuffer
	}
	setRecvBuffer(conn, cfg.RecvBufferBytes, cfg.Privileged)

	j.members[k] = &member{
		conn:        conn,
		pktConn:     pktConn,
		iface:       iface,
		group:       cfg.Group,
		refs:        1,
		lastJoin:    time.Now(),
		rejoinEvery: cfg.RejoinInterval,
	}
	return conn, nil
}

func joinGroup(cfg Config) (*net.UDPConn, *ipv4.PacketConn, *net.Interface, error) {
	addr := &net.UDPAddr{IP: net.IPv4zero, Port: cfg.Port}
	conn, err := net.ListenUDP("udp4", addr)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("mcast: listen: %w", err)
	}
	setReuseAddr(conn)

	var iface *net.Interface
	if cfg.Interface != "" {
		ifc, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			conn.Close()
			return nil, nil, nil, fmt.Errorf("mcast: interface %q: %w", cfg.Interface, err)
		}
		iface = ifc
	}

	pktConn := ipv4.NewPacketConn(conn)
	if err := pktConn.JoinGroup(iface, &net.UDPAddr{IP: cfg.Group}); err != nil {
		conn.Close()
		return nil, nil, nil, fmt.Errorf("mcast: join group: %w", err)
	}

	return conn, pktConn, iface, nil
}

func setReuseAddr(conn *net.UDPConn) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
}

func setRecvBuffer(conn *net.UDPConn, bytes int, privileged bool) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return
	}
	_ = raw.Control(func(fd uintptr) {
		if privileged {
			_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUFFORCE, bytes)
			return
		}
		_ = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_RCVBUF, bytes)
	})
}

// Rejoin re-issues JoinGroup for every member whose RejoinInterval has
// elapsed, defeating IGMP-snooping switches that age out membership
// without a querier present. Intended to be driven periodically by the
// event loop's timer wheel.
func (j *Joiner) Rejoin(now time.Time) {
	j.mu.Lock()
	defer j.mu.Unlock()
	for _, m := range j.members {
		if m.rejoinEvery <= 0 || now.Sub(m.lastJoin) < m.rejoinEvery {
			continue
		}
		if err := m.pktConn.JoinGroup(m.iface, &net.UDPAddr{IP: m.group}); err == nil {
			m.lastJoin = now
		}
	}
}

// Leave decrements the refcount for (group, port, interface); the actual
// IGMP leave and socket close only happen once the last reference drops.
func (j *Joiner) Leave(cfg Config) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	k := key(cfg)
	m, ok := j.members[k]
	if !ok {
		return ErrNotJoined
	}
	m.refs--
	if m.refs > 0 {
		return nil
	}

	delete(j.members, k)
	_ = m.pktConn.LeaveGroup(m.iface, &net.UDPAddr{IP: m.group})
	return m.conn.Close()
}

// RefCount reports the current reference count for a membership, 0 if not
// joined. Exposed for tests and the status package.
func (j *Joiner) RefCount(cfg Config) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if m, ok := j.members[key(cfg)]; ok {
		return m.refs
	}
	return 0
}
