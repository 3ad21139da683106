package role

import (
	"log/slog"
	"net"

	"github.com/postalsys/icmptunnel/internal/icmpsock"
	"github.com/postalsys/icmptunnel/internal/logging"
	"github.com/postalsys/icmptunnel/internal/metrics"
	"github.com/postalsys/icmptunnel/internal/peer"
	"github.com/postalsys/icmptunnel/internal/wire"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	ICMP   ICMPSender
	Tunnel TunnelWriter

	Keepalive int
	Retries   int // config.RetriesInfinite for "never unbind on timeout"

	RequestEmulation bool // operator's -e: propose emulation to any client that didn't ask for it
	PinnedID         *uint16

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Server is the server-role handler set. It serves exactly one bound
// client at a time.
type Server struct {
	cfg ServerConfig
	log *slog.Logger
	met *metrics.Metrics

	peer *peer.Peer
}

// NewServer builds an unbound Server, ready to accept the first client.
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}

	var id uint16
	strict := false
	if cfg.PinnedID != nil {
		id = *cfg.PinnedID
		strict = true
	}

	p := peer.New(id)
	p.StrictID = strict

	return &Server{cfg: cfg, log: cfg.Logger, met: cfg.Metrics, peer: p}
}

// reply sends a server-magic message with the given id and sequence.
// Control replies pass the id/sequence of the packet that triggered
// them, as the original implementation does by leaving the shared
// receive buffer's header fields untouched before replying; DATA
// replies pass a punch-thru (or emulated) sequence instead.
func (s *Server) reply(dst net.IP, id, seq uint16, t wire.PacketType, flags uint8, payload []byte) {
	th := wire.TunnelHeader{Magic: wire.MagicServer, Flags: flags, Type: t}
	if err := s.cfg.ICMP.Send(dst, id, seq, th, payload); err != nil {
		s.log.Warn("transport failure sending packet",
			logging.KeyPacketType, t.String(),
			logging.KeyError, err)
	}
}

// HandleICMP processes one admitted inbound packet.
func (s *Server) HandleICMP(src net.IP, ih wire.ICMPHeader, th wire.TunnelHeader, payload []byte) {
	if th.Magic != wire.MagicClient {
		return
	}

	if th.Type == wire.ConnectionRequest {
		s.handleConnectionRequest(src, ih, th)
		return
	}

	if !s.peer.Bound() || !src.Equal(s.peer.LinkAddr) || ih.ID != s.peer.NextID {
		return
	}

	switch th.Type {
	case wire.Data:
		if _, err := s.cfg.Tunnel.Write(payload); err != nil {
			s.log.Warn("failed writing frame to tunnel interface", logging.KeyError, err)
		} else {
			s.met.FramesForwarded.WithLabelValues("icmp_to_tunnel").Inc()
			s.met.BytesForwarded.WithLabelValues("icmp_to_tunnel").Add(float64(len(payload)))
		}
		s.recordPunchThru(ih.Sequence)

	case wire.KeepAlive:
		s.recordPunchThru(ih.Sequence)
		s.met.KeepAlivesRecv.Inc()
		s.reply(src, s.peer.NextID, ih.Sequence, wire.KeepAlive, s.emulationFlag(), nil)
		s.met.KeepAlivesSent.Inc()

	case wire.PunchThru:
		s.recordPunchThru(ih.Sequence)
	}
}

func (s *Server) handleConnectionRequest(src net.IP, ih wire.ICMPHeader, th wire.TunnelHeader) {
	if s.peer.StrictID && ih.ID != s.peer.NextID {
		return
	}

	if s.peer.Bound() && !src.Equal(s.peer.LinkAddr) {
		if s.peer.StrictID {
			return
		}
		s.met.ServerFull.Inc()
		s.log.Warn("ignoring connection request, already serving another client",
			logging.KeyPeerAddr, src.String())
		s.reply(src, ih.ID, ih.Sequence, wire.ServerFull, 0, nil)
		return
	}

	wantEmulation := th.Emulation()
	if !wantEmulation && s.cfg.RequestEmulation {
		wantEmulation = true
		s.log.Info("requesting microsoft ping emulation", logging.KeyPeerAddr, src.String())
	}

	s.peer.Bind(src, ih.ID, ih.Sequence)
	s.peer.Emulation = wantEmulation
	s.met.PunchThruFill.Set(0)

	s.log.Info("accepting connection",
		logging.KeyPeerAddr, src.String(),
		logging.KeyICMPID, ih.ID,
		"emulation", wantEmulation)
	s.met.ConnectionAccept.Inc()
	s.met.Connected.Set(1)

	s.reply(src, s.peer.NextID, ih.Sequence, wire.ConnectionAccept, s.emulationFlag(), nil)
}

func (s *Server) emulationFlag() uint8 {
	if s.peer.Emulation {
		return wire.FlagEmulation
	}
	return 0
}

func (s *Server) recordPunchThru(seq uint16) {
	if downgraded := s.peer.ConfirmEmulation(seq); downgraded {
		s.log.Warn("turning off microsoft ping emulation mode",
			logging.KeyPeerAddr, s.peer.LinkAddr.String())
	}
	if !s.peer.Emulation {
		s.peer.PunchThruPush(seq)
		s.met.PunchThruFill.Set(float64(s.peer.PunchThruFill()))
	}
	s.peer.ResetCounters()
}

// HandleReject counts an inbound packet the ICMP endpoint itself
// dropped.
func (s *Server) HandleReject(reason icmpsock.RejectReason) {
	s.met.PacketsRejected.WithLabelValues(string(reason)).Inc()
}

// HandleTunnelFrame emits a DATA reply for one frame read from the
// local tunnel interface, if a client is bound and (in non-emulation
// mode) a punch-thru sequence is available.
func (s *Server) HandleTunnelFrame(frame []byte) {
	if !s.peer.Bound() {
		return
	}

	var seq uint16
	if s.peer.Emulation {
		seq = s.peer.NextSeq
	} else {
		v, ok := s.peer.PunchThruPop()
		if !ok {
			s.met.PunchThruDropped.Inc()
			return
		}
		seq = v
		s.met.PunchThruFill.Set(float64(s.peer.PunchThruFill()))
	}

	s.reply(s.peer.LinkAddr, s.peer.NextID, seq, wire.Data, s.emulationFlag(), frame)
	s.met.FramesForwarded.WithLabelValues("tunnel_to_icmp").Inc()
	s.met.BytesForwarded.WithLabelValues("tunnel_to_icmp").Add(float64(len(frame)))
}

// HandleTick advances the keep-alive/timeout ladder. The server never
// exits on its own; at the retry budget it simply unbinds and waits for
// a new client.
func (s *Server) HandleTick() {
	if !s.peer.Bound() {
		return
	}

	s.peer.Seconds++
	if s.peer.Seconds != s.cfg.Keepalive {
		return
	}
	s.peer.Seconds = 0

	if s.cfg.Retries == -1 {
		return
	}

	s.peer.Timeouts++
	if s.peer.Timeouts == s.cfg.Retries {
		s.log.Warn("client connection timed out", logging.KeyPeerAddr, s.peer.LinkAddr.String())
		s.met.Timeouts.Inc()
		s.met.Connected.Set(0)
		s.peer.Unbind()
		s.met.PunchThruFill.Set(0)
	}
}
