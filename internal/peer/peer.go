// Package peer holds the per-session record mutated by the client and
// server role handlers: link address, identifier and sequence counters,
// the punch-thru reservoir, and the keep-alive tick counters.
package peer

import (
	"net"

	"github.com/postalsys/icmptunnel/internal/wire"
)

// Peer is the single session record. It is created once at role startup
// and mutated only from the event-loop thread; no field is ever touched
// concurrently.
type Peer struct {
	// LinkAddr is the peer's IPv4 address. On the client it is set once,
	// before connecting, from the resolved host. On the server it is
	// nil until the first accepted CONNECTION_REQUEST binds it.
	LinkAddr net.IP

	// NextID is the ICMP identifier stamped on outbound packets.
	NextID uint16

	// NextSeq is the ICMP sequence stamped on outbound packets. See
	// AdvanceSequence for how emulation changes its behavior.
	NextSeq uint16

	// StrictID, server only: ignore CONNECTION_REQUESTs whose id does
	// not match the operator-pinned NextID.
	StrictID bool

	// Emulation is the negotiated Microsoft-ping sequence emulation
	// state: true means NextSeq stays constant across packets.
	Emulation bool

	// EmulationLocked marks the server-side decision immutable once the
	// first post-accept client packet confirms or breaks emulation.
	EmulationLocked bool

	// Seconds and Timeouts are the keep-alive tick counters; role
	// handlers own their exact semantics (see client/server tick
	// logic), Peer just carries the storage.
	Seconds  int
	Timeouts int

	ring punchThruRing
}

// New creates a peer with the given initial ICMP identifier.
func New(id uint16) *Peer {
	return &Peer{NextID: id}
}

// Bound reports whether the peer currently has a link address. For the
// server this is the "a client is connected" flag; for the client it is
// always true once LinkAddr has been resolved and set at startup.
func (p *Peer) Bound() bool {
	return len(p.LinkAddr) > 0 && !p.LinkAddr.IsUnspecified()
}

// Bind sets the link address and adopts the connecting peer's id
// (unless StrictID pins it) and sequence, then resets the punch-thru
// ring and tick counters. Used by the server on CONNECTION_REQUEST
// accept.
func (p *Peer) Bind(addr net.IP, id, seq uint16) {
	p.LinkAddr = addr
	if !p.StrictID {
		p.NextID = id
	}
	p.NextSeq = seq
	p.ring.reset()
	p.Seconds = 0
	p.Timeouts = 0
	p.EmulationLocked = false
}

// Unbind clears the link address, returning the server to the
// unconnected state so a new client may bind.
func (p *Peer) Unbind() {
	p.LinkAddr = nil
	p.ring.reset()
	p.Seconds = 0
	p.Timeouts = 0
	p.EmulationLocked = false
}

// ResetCounters zeroes the keep-alive tick counters, used whenever
// inbound activity is observed.
func (p *Peer) ResetCounters() {
	p.Seconds = 0
	p.Timeouts = 0
}

// AdvanceSequence returns the sequence to stamp on the next outbound
// packet. Under emulation it returns the unchanged NextSeq; otherwise it
// increments NextSeq first (big-endian +1 on the wire field) and returns
// the new value.
func (p *Peer) AdvanceSequence() uint16 {
	if p.Emulation {
		return p.NextSeq
	}
	p.NextSeq = wire.IncSequence(p.NextSeq)
	return p.NextSeq
}

// PunchThruPush records an observed client sequence in the reservoir.
func (p *Peer) PunchThruPush(seq uint16) {
	p.ring.push(seq)
}

// PunchThruPop consumes the oldest unused sequence, if any.
func (p *Peer) PunchThruPop() (uint16, bool) {
	return p.ring.pop()
}

// PunchThruEmpty reports whether the reservoir has nothing left to
// consume.
func (p *Peer) PunchThruEmpty() bool {
	return p.ring.empty()
}

// PunchThruFill reports how many sequences are currently held, for
// metrics.
func (p *Peer) PunchThruFill() int {
	return p.ring.fill()
}

// ConfirmEmulation implements the server-side confirmation rule: the
// first post-accept packet whose sequence has not moved from NextSeq
// locks the emulation decision in place; any other sequence downgrades
// Emulation to false and returns true so the caller can log the
// downgrade. A no-op once already locked, or if emulation was never
// tentatively on.
func (p *Peer) ConfirmEmulation(seq uint16) (downgraded bool) {
	if p.EmulationLocked || !p.Emulation {
		return false
	}
	p.EmulationLocked = true
	if seq == p.NextSeq {
		return false
	}
	p.Emulation = false
	return true
}
