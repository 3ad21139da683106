package role

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/postalsys/icmptunnel/internal/icmpsock"
	"github.com/postalsys/icmptunnel/internal/logging"
	"github.com/postalsys/icmptunnel/internal/metrics"
	"github.com/postalsys/icmptunnel/internal/peer"
	"github.com/postalsys/icmptunnel/internal/wire"
)

// ErrProtocolExit is returned via OnFatal when the connect handshake or
// a post-connect timeout ladder exhausts its retry budget.
var ErrProtocolExit = fmt.Errorf("connection timed out")

// ErrServerFull is returned via OnFatal when the server reports it is
// already serving another client. The server's SERVER_FULL reply is
// definitive, not a transient condition to retry against, so the client
// gives up immediately instead of resending CONNECTION_REQUEST.
var ErrServerFull = fmt.Errorf("server already serving another client")

// ClientConfig configures a Client.
type ClientConfig struct {
	ICMP   ICMPSender
	Tunnel TunnelWriter
	Target net.IP

	Keepalive       int
	Retries         int // config.RetriesInfinite for unlimited
	RetriesExplicit bool

	RequestEmulation bool
	PinnedID         *uint16

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// OnConnected is invoked each time a CONNECTION_ACCEPT establishes a
	// connection: once for the first connect, and again after every
	// reconnect. Used to signal daemonize.Start's notify function at the
	// "daemonize after connect" point.
	OnConnected func()
	// OnFatal is invoked when the client must give up (ErrProtocolExit
	// or ErrServerFull). The caller is expected to Stop() the forwarder
	// after this fires; Client does not call Stop itself so callers can
	// decide ordering, and it does not suppress further calls made
	// before the forwarder stops.
	OnFatal func(error)
}

// Client is the client-role handler set.
type Client struct {
	cfg ClientConfig
	log *slog.Logger
	met *metrics.Metrics

	peer      *peer.Peer
	connected bool
	notified  bool
}

// NewClient builds a Client with an initial random (or pinned) ICMP id
// and a random initial sequence, and fires off the first
// CONNECTION_REQUEST.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Logger == nil {
		cfg.Logger = logging.NopLogger()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop()
	}

	var id uint16
	if cfg.PinnedID != nil {
		id = *cfg.PinnedID
	} else {
		v, err := randomUint16()
		if err != nil {
			return nil, err
		}
		id = v
	}

	seq, err := randomUint16()
	if err != nil {
		return nil, err
	}

	p := peer.New(id)
	p.LinkAddr = cfg.Target
	p.NextSeq = seq
	p.Emulation = cfg.RequestEmulation

	c := &Client{cfg: cfg, log: cfg.Logger, met: cfg.Metrics, peer: p}
	c.sendConnectionRequest()
	return c, nil
}

func (c *Client) sendMessage(t wire.PacketType, payload []byte) {
	flags := uint8(0)
	if c.peer.Emulation {
		flags = wire.FlagEmulation
	}
	seq := c.peer.AdvanceSequence()
	th := wire.TunnelHeader{Magic: wire.MagicClient, Flags: flags, Type: t}

	if err := c.cfg.ICMP.Send(c.cfg.Target, c.peer.NextID, seq, th, payload); err != nil {
		c.log.Warn("transport failure sending packet",
			logging.KeyPacketType, t.String(),
			logging.KeyError, err)
	}
}

func (c *Client) sendConnectionRequest() {
	c.sendMessage(wire.ConnectionRequest, nil)
}

func (c *Client) sendKeepAlive() {
	c.sendMessage(wire.KeepAlive, nil)
}

func (c *Client) sendPunchThru() {
	c.sendMessage(wire.PunchThru, nil)
	c.met.PunchThruSent.Inc()
}

// HandleICMP processes one admitted inbound packet.
func (c *Client) HandleICMP(src net.IP, ih wire.ICMPHeader, th wire.TunnelHeader, payload []byte) {
	if th.Magic != wire.MagicServer {
		return
	}
	if ih.ID != c.peer.NextID {
		return
	}

	switch th.Type {
	case wire.ConnectionAccept:
		if c.connected {
			return
		}
		c.connected = true
		c.peer.Emulation = th.Emulation()
		c.peer.ResetCounters()
		c.met.ConnectionAccept.Inc()
		c.met.Connected.Set(1)
		c.log.Info("connection established",
			logging.KeyPeerAddr, src.String(),
			"emulation", c.peer.Emulation)
		if !c.peer.Emulation {
			for i := 0; i < peer.PunchThruWindow; i++ {
				c.sendPunchThru()
			}
		}
		if c.cfg.OnConnected != nil && !c.notified {
			c.notified = true
			c.cfg.OnConnected()
		}

	case wire.ServerFull:
		c.log.Warn("server rejected connection: already serving another client")
		c.met.ServerFull.Inc()
		if c.cfg.OnFatal != nil {
			c.cfg.OnFatal(ErrServerFull)
		}

	case wire.Data:
		if !c.connected {
			return
		}
		if _, err := c.cfg.Tunnel.Write(payload); err != nil {
			c.log.Warn("failed writing frame to tunnel interface", logging.KeyError, err)
			return
		}
		c.peer.ResetCounters()
		c.met.FramesForwarded.WithLabelValues("icmp_to_tunnel").Inc()
		c.met.BytesForwarded.WithLabelValues("icmp_to_tunnel").Add(float64(len(payload)))

	case wire.KeepAlive:
		if !c.connected {
			return
		}
		c.peer.ResetCounters()
		c.met.KeepAlivesRecv.Inc()
	}
}

// HandleReject counts an inbound packet the ICMP endpoint itself
// dropped. Per the error-handling design, rejects are silent drops: no
// logging here, just accounting.
func (c *Client) HandleReject(reason icmpsock.RejectReason) {
	c.met.PacketsRejected.WithLabelValues(string(reason)).Inc()
}

// HandleTunnelFrame forwards one frame read from the local tunnel
// interface to the server, if connected.
func (c *Client) HandleTunnelFrame(frame []byte) {
	if !c.connected {
		return
	}
	c.sendMessage(wire.Data, frame)
	c.met.FramesForwarded.WithLabelValues("tunnel_to_icmp").Inc()
	c.met.BytesForwarded.WithLabelValues("tunnel_to_icmp").Add(float64(len(frame)))
}

// HandleTick drives the punch-thru cadence and the keep-alive/retry
// ladder.
func (c *Client) HandleTick() {
	if c.connected && !c.peer.Emulation {
		c.sendPunchThru()
	}

	c.peer.Seconds++
	if c.peer.Seconds != c.cfg.Keepalive {
		return
	}
	c.peer.Seconds = 0

	if c.cfg.Retries != -1 {
		c.peer.Timeouts++
		if c.peer.Timeouts == c.cfg.Retries {
			c.onTimeoutLimitReached()
			return
		}
	}

	if !c.connected {
		c.sendConnectionRequest()
		return
	}
	c.sendKeepAlive()
	c.met.KeepAlivesSent.Inc()
}

func (c *Client) onTimeoutLimitReached() {
	c.met.Timeouts.Inc()

	if c.connected && !c.cfg.RetriesExplicit {
		c.log.Warn("connection timed out, reconnecting")
		c.connected = false
		c.notified = false
		c.peer.Timeouts = 0
		c.met.Connected.Set(0)
		c.sendConnectionRequest()
		return
	}

	c.log.Error("connection timed out")
	c.met.Connected.Set(0)
	if c.cfg.OnFatal != nil {
		c.cfg.OnFatal(ErrProtocolExit)
	}
}
