// Package icmpsock owns the raw ICMP socket: a single reused frame buffer,
// outbound framing through internal/wire, and the inbound admission checks
// (length, TTL-security, source sanity, ICMP type/code) that decide whether
// a datagram is handed up to the tunnel or silently dropped.
//
// A raw "ip4:icmp" socket delivers the kernel-populated IP header ahead of
// the ICMP header on every read; unlike the original tool's fixed-size
// struct overlay, the header is parsed with its actual (possibly
// options-bearing) length rather than assumed to be 20 bytes.
package icmpsock

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/net/ipv4"

	"github.com/postalsys/icmptunnel/internal/wire"
)

// Role selects which ICMP message type this endpoint sends and accepts.
// The client only ever emits EchoRequest and accepts EchoReply; the
// server is the exact mirror of that.
type Role int

const (
	Client Role = iota
	Server
)

func (r Role) sendType() uint8 {
	if r == Client {
		return wire.ICMPTypeEchoRequest
	}
	return wire.ICMPTypeEchoReply
}

func (r Role) recvType() uint8 {
	if r == Client {
		return wire.ICMPTypeEchoReply
	}
	return wire.ICMPTypeEchoRequest
}

// RejectReason classifies why Recv dropped an inbound datagram.
type RejectReason string

const (
	RejectNone    RejectReason = ""
	RejectShort   RejectReason = "short"
	RejectTTL     RejectReason = "ttl"
	RejectSource  RejectReason = "source"
	RejectType    RejectReason = "type"
	RejectCode    RejectReason = "code"
)

// maxIPHeaderLen is the largest possible IPv4 header: IHL's 4-bit word
// count maxes out at 15 words.
const maxIPHeaderLen = 60

// ErrClosed is returned by Send/Recv after Close.
var ErrClosed = errors.New("icmpsock: closed")

// Config configures an Endpoint.
type Config struct {
	Role Role
	// MTU is the largest tunnel payload this endpoint will carry; the
	// receive buffer is sized to hold the largest possible IP header on
	// top of wire.HeaderSize+MTU, since a raw socket always hands back
	// the IP header along with the datagram.
	MTU int
	// TTLSecurity enables the TTL-security admission filter. Hops is the
	// number of IP hops the peer is allowed to be away: an inbound
	// datagram is rejected unless its IP TTL is >= 255-Hops.
	TTLSecurity bool
	Hops        uint8
}

// Endpoint is a raw ip4:icmp socket bound to a single reused buffer.
type Endpoint struct {
	role      Role
	mtu       int
	ttlOn     bool
	ttlFloor  int
	pc        *ipv4.PacketConn
	buf       []byte
	closed    bool
}

// Open binds a raw ip4:icmp socket for cfg.Role and installs the kernel
// ICMP type filter (best effort; platforms that can't filter fall back to
// the user-space check in Recv).
func Open(cfg Config) (*Endpoint, error) {
	conn, err := net.ListenPacket("ip4:icmp", "0.0.0.0")
	if err != nil {
		return nil, fmt.Errorf("icmpsock: listen: %w", err)
	}

	pc := ipv4.NewPacketConn(conn)
	if err := pc.SetControlMessage(ipv4.FlagTTL, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("icmpsock: enable TTL control messages: %w", err)
	}

	e := &Endpoint{
		role: cfg.Role,
		mtu:  cfg.MTU,
		pc:   pc,
		buf:  make([]byte, maxIPHeaderLen+wire.HeaderSize+cfg.MTU),
	}
	if cfg.TTLSecurity {
		e.ttlOn = true
		e.ttlFloor = 255 - int(cfg.Hops)
	}

	installTypeFilter(conn, cfg.Role.recvType())

	return e, nil
}

// Close releases the underlying socket.
func (e *Endpoint) Close() error {
	e.closed = true
	return e.pc.Close()
}

// Send frames id, seq, th and payload into the shared buffer, computes the
// checksum, and writes the datagram to dst. payload must fit within the
// configured MTU.
func (e *Endpoint) Send(dst net.IP, id, seq uint16, th wire.TunnelHeader, payload []byte) error {
	if e.closed {
		return ErrClosed
	}
	if len(payload) > e.mtu {
		return fmt.Errorf("icmpsock: payload %d exceeds mtu %d", len(payload), e.mtu)
	}

	total := wire.HeaderSize + len(payload)
	wire.PutICMPHeader(e.buf, wire.ICMPHeader{
		Type:     e.role.sendType(),
		Code:     0,
		Checksum: 0,
		ID:       id,
		Sequence: seq,
	})
	wire.PutTunnelHeader(e.buf, th)
	copy(e.buf[wire.HeaderSize:total], payload)

	sum := wire.Checksum(e.buf[:total])
	wire.SetChecksumField(e.buf, sum)

	var cm *ipv4.ControlMessage
	if e.ttlOn {
		cm = &ipv4.ControlMessage{TTL: 255}
	}

	n, err := e.pc.WriteTo(e.buf[:total], cm, &net.IPAddr{IP: dst})
	if err != nil {
		return fmt.Errorf("icmpsock: write: %w", err)
	}
	if n != total {
		return fmt.Errorf("icmpsock: short write: wrote %d of %d", n, total)
	}
	return nil
}

// Recv blocks for the next inbound datagram. reason is RejectNone when the
// frame is accepted; payload/th/ih are only valid in that case. A non-nil
// err means the socket itself failed (the caller should treat it as a
// transport failure, log once, and keep running per the normal recv loop).
//
// Every datagram read off a raw "ip4:icmp" socket carries the IP header
// ahead of the ICMP header, so the ICMP/tunnel frame never starts at
// offset 0: it starts after the header's actual (IHL-derived) length.
func (e *Endpoint) Recv() (payload []byte, th wire.TunnelHeader, ih wire.ICMPHeader, src net.IP, reason RejectReason, err error) {
	if e.closed {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, nil, RejectNone, ErrClosed
	}

	n, cm, addr, rerr := e.pc.ReadFrom(e.buf)
	if rerr != nil {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, nil, RejectNone, fmt.Errorf("icmpsock: read: %w", rerr)
	}

	if ipAddr, ok := addr.(*net.IPAddr); ok {
		src = ipAddr.IP
	}

	if n < ipv4.HeaderLen {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, src, RejectShort, nil
	}

	iph, perr := ipv4.ParseHeader(e.buf[:n])
	if perr != nil || n < iph.Len+wire.HeaderSize {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, src, RejectShort, nil
	}

	if e.ttlOn && cm != nil && cm.TTL < e.ttlFloor {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, src, RejectTTL, nil
	}

	if !iph.Src.Equal(src) {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, src, RejectSource, nil
	}

	frame := e.buf[iph.Len:n]
	ih = wire.ICMPHeaderAt(frame)
	if ih.Type != e.role.recvType() {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, src, RejectType, nil
	}
	if ih.Code != 0 {
		return nil, wire.TunnelHeader{}, wire.ICMPHeader{}, src, RejectCode, nil
	}

	th = wire.TunnelHeaderAt(frame)
	payload = frame[wire.HeaderSize:]
	return payload, th, ih, src, RejectNone, nil
}
