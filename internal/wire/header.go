// Package wire implements the on-wire ICMP and tunnel framing: a single
// reused packed buffer holding (ICMP header, tunnel header, payload), the
// tunnel opcode enumeration, and the Internet checksum used to validate it.
//
// The buffer layout is kept as an explicit byte slice with read/write
// helpers rather than a struct cast over raw memory, since Go gives no safe
// way to alias a byte slice as a packed struct the way the original C
// implementation does.
package wire

import "encoding/binary"

// ICMP header layout: type(1) code(1) checksum(2) id(2) sequence(2).
const ICMPHeaderSize = 8

// Tunnel header layout: magic(4) flags(1) type(1).
const TunnelHeaderSize = 6

// HeaderSize is the combined size of the ICMP header and tunnel header that
// precedes every payload on the wire.
const HeaderSize = ICMPHeaderSize + TunnelHeaderSize

// ICMP message types this tunnel ever emits or accepts. The client only
// ever sends EchoRequest and accepts EchoReply; the server is the mirror.
const (
	ICMPTypeEchoReply   uint8 = 0
	ICMPTypeEchoRequest uint8 = 8
)

// Magic values identify which side originated a tunnel frame.
var (
	MagicClient = [4]byte{'T', 'U', 'N', 'C'}
	MagicServer = [4]byte{'T', 'U', 'N', 'S'}
)

// PacketType is the tunnel-level opcode carried in every frame.
type PacketType uint8

// Opcode values are stable on the wire; do not reorder.
const (
	Data PacketType = iota
	ConnectionRequest
	ConnectionAccept
	KeepAlive
	ServerFull
	PunchThru
)

func (t PacketType) String() string {
	switch t {
	case Data:
		return "DATA"
	case ConnectionRequest:
		return "CONNECTION_REQUEST"
	case ConnectionAccept:
		return "CONNECTION_ACCEPT"
	case KeepAlive:
		return "KEEP_ALIVE"
	case ServerFull:
		return "SERVER_FULL"
	case PunchThru:
		return "PUNCHTHRU"
	default:
		return "UNKNOWN"
	}
}

// FlagEmulation marks a CONNECTION_REQUEST / CONNECTION_ACCEPT as
// requesting or confirming Microsoft-ping sequence emulation. Other bits
// are reserved and always transmitted as zero.
const FlagEmulation uint8 = 1 << 0

// ICMPHeader is the decoded form of the 8-byte ICMP echo header.
type ICMPHeader struct {
	Type     uint8
	Code     uint8
	Checksum uint16
	ID       uint16
	Sequence uint16
}

// TunnelHeader is the decoded form of the 6-byte tunnel header that
// immediately follows the ICMP header.
type TunnelHeader struct {
	Magic [4]byte
	Flags uint8
	Type  PacketType
}

// Emulation reports whether the emulation flag is set.
func (h TunnelHeader) Emulation() bool {
	return h.Flags&FlagEmulation != 0
}

// PutICMPHeader encodes h into b[0:ICMPHeaderSize]. b must be at least
// ICMPHeaderSize bytes.
func PutICMPHeader(b []byte, h ICMPHeader) {
	_ = b[ICMPHeaderSize-1]
	b[0] = h.Type
	b[1] = h.Code
	binary.BigEndian.PutUint16(b[2:4], h.Checksum)
	binary.BigEndian.PutUint16(b[4:6], h.ID)
	binary.BigEndian.PutUint16(b[6:8], h.Sequence)
}

// ICMPHeaderAt decodes the ICMP header from b[0:ICMPHeaderSize]. b must be
// at least ICMPHeaderSize bytes.
func ICMPHeaderAt(b []byte) ICMPHeader {
	_ = b[ICMPHeaderSize-1]
	return ICMPHeader{
		Type:     b[0],
		Code:     b[1],
		Checksum: binary.BigEndian.Uint16(b[2:4]),
		ID:       binary.BigEndian.Uint16(b[4:6]),
		Sequence: binary.BigEndian.Uint16(b[6:8]),
	}
}

// PutTunnelHeader encodes h into b[ICMPHeaderSize : HeaderSize]. b must be
// at least HeaderSize bytes.
func PutTunnelHeader(b []byte, h TunnelHeader) {
	_ = b[HeaderSize-1]
	off := ICMPHeaderSize
	copy(b[off:off+4], h.Magic[:])
	b[off+4] = h.Flags
	b[off+5] = uint8(h.Type)
}

// TunnelHeaderAt decodes the tunnel header from b[ICMPHeaderSize:HeaderSize].
// b must be at least HeaderSize bytes.
func TunnelHeaderAt(b []byte) TunnelHeader {
	_ = b[HeaderSize-1]
	off := ICMPHeaderSize
	var h TunnelHeader
	copy(h.Magic[:], b[off:off+4])
	h.Flags = b[off+4]
	h.Type = PacketType(b[off+5])
	return h
}

// SetChecksumField overwrites the checksum field of the ICMP header at
// b[0:ICMPHeaderSize] without touching anything else.
func SetChecksumField(b []byte, sum uint16) {
	binary.BigEndian.PutUint16(b[2:4], sum)
}

// IncSequence returns seq+1, wrapping at 16 bits, matching the original's
// big-endian +1 on the wire sequence field.
func IncSequence(seq uint16) uint16 {
	return seq + 1
}
