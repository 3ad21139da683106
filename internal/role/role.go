// Package role implements the client and server handler sets that the
// forwarder dispatches events to: the connect handshake, steady-state
// data/keep-alive/punch-thru handling, emulation negotiation, and the
// per-second timeout ladder.
package role

import (
	"net"

	"github.com/postalsys/icmptunnel/internal/wire"
)

// ICMPSender is the subset of *icmpsock.Endpoint the roles need to
// transmit.
type ICMPSender interface {
	Send(dst net.IP, id, seq uint16, th wire.TunnelHeader, payload []byte) error
}

// TunnelWriter is the subset of *tunif.Interface the roles need to
// deliver decapsulated frames locally.
type TunnelWriter interface {
	Write(frame []byte) (int, error)
}

// Stopper breaks the forwarder's event loop. Implemented by
// *forwarder.Forwarder.
type Stopper interface {
	Stop()
}
