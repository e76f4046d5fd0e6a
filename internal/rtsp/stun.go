package rtsp

import (
	"fmt"
	"net"
	"time"

	"github.com/pion/stun/v3"
)

// DiscoverPublicAddr performs a single STUN binding request over conn to
// learn the public address a NAT maps the local RTP port to, before SETUP
// proposes client_port= to the RTSP server. Uses github.com/pion/stun/v3:
// build a binding request, send it, decode the response, read
// XOR-MAPPED-ADDRESS.
//
// Failure here is never fatal: the caller falls back to the locally bound
// address and proceeds with SETUP.
func DiscoverPublicAddr(conn net.Conn, timeout time.Duration) (net.IP, int, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, 0, fmt.Errorf("rtsp: stun build: %w", err)
	}

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, 0, err
	}
	if _, err := conn.Write(msg.Raw); err != nil {
		return nil, 0, fmt.Errorf("rtsp: stun write: %w", err)
	}

	buf := make([]byte, 1500)
	n, err := conn.Read(buf)
	if err != nil {
		return nil, 0, fmt.Errorf("rtsp: stun read: %w", err)
	}

	res := &stun.Message{Raw: buf[:n]}
	if err := res.Decode(); err != nil {
		return nil, 0, fmt.Errorf("rtsp: stun decode: %w", err)
	}

	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(res); err == nil {
		return xorAddr.IP, xorAddr.Port, nil
	}

	var addr stun.MappedAddress
	if err := addr.GetFrom(res); err != nil {
		return nil, 0, fmt.Errorf("rtsp: no mapped address in stun response: %w", err)
	}
	return addr.IP, addr.Port, nil
}

// DiscoverPublicAddrOn runs the same binding request on an unconnected UDP
// socket — the media socket itself, so the NAT mapping discovered is the
// one the RTSP server's packets will actually traverse. Replies from other
// peers already aimed at the media port are skipped, not treated as
// malformed STUN.
func DiscoverPublicAddrOn(pc *net.UDPConn, server *net.UDPAddr, timeout time.Duration) (net.IP, int, error) {
	msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
	if err != nil {
		return nil, 0, fmt.Errorf("rtsp: stun build: %w", err)
	}
	if _, err := pc.WriteToUDP(msg.Raw, server); err != nil {
		return nil, 0, fmt.Errorf("rtsp: stun write: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if err := pc.SetReadDeadline(deadline); err != nil {
		return nil, 0, err
	}
	defer pc.SetReadDeadline(time.Time{})

	buf := make([]byte, 1500)
	for {
		n, from, err := pc.ReadFromUDP(buf)
		if err != nil {
			return nil, 0, fmt.Errorf("rtsp: stun read: %w", err)
		}
		if from == nil || !from.IP.Equal(server.IP) || from.Port != server.Port {
			continue
		}
		res := &stun.Message{Raw: buf[:n]}
		if err := res.Decode(); err != nil {
			return nil, 0, fmt.Errorf("rtsp: stun decode: %w", err)
		}
		var xorAddr stun.XORMappedAddress
		if err := xorAddr.GetFrom(res); err == nil {
			return xorAddr.IP, xorAddr.Port, nil
		}
		var addr stun.MappedAddress
		if err := addr.GetFrom(res); err != nil {
			return nil, 0, fmt.Errorf("rtsp: no mapped address in stun response: %w", err)
		}
		return addr.IP, addr.Port, nil
	}
}
