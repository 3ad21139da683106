package role

import (
	"net"
	"testing"

	"github.com/postalsys/icmptunnel/internal/wire"
)

func TestServer_AcceptsFirstConnectionRequest(t *testing.T) {
	sender := &fakeSender{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3})

	src := net.ParseIP("10.0.0.1")
	s.HandleICMP(src, wire.ICMPHeader{ID: 0x1234, Sequence: 0xAAAA},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	if !s.peer.Bound() || !s.peer.LinkAddr.Equal(src) {
		t.Fatal("server should be bound to the requesting source")
	}
	msg := sender.last()
	if msg.th.Type != wire.ConnectionAccept {
		t.Errorf("type = %v, want ConnectionAccept", msg.th.Type)
	}
	if msg.id != 0x1234 || msg.seq != 0xAAAA {
		t.Errorf("id/seq = %#04x/%#04x, want 0x1234/0xaaaa", msg.id, msg.seq)
	}
	if msg.th.Magic != wire.MagicServer {
		t.Error("reply must carry server magic")
	}
}

func TestServer_SecondSourceGetsServerFull(t *testing.T) {
	sender := &fakeSender{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 1},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	s.HandleICMP(net.ParseIP("10.0.0.2"), wire.ICMPHeader{ID: 0x2222, Sequence: 2},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	if !s.peer.LinkAddr.Equal(net.ParseIP("10.0.0.1")) {
		t.Error("binding must remain the first client")
	}
	msg := sender.last()
	if msg.th.Type != wire.ServerFull {
		t.Errorf("type = %v, want ServerFull", msg.th.Type)
	}
	if msg.id != 0x2222 {
		t.Errorf("id = %#04x, want the rejected source's id 0x2222", msg.id)
	}
}

func TestServer_StrictIDStaysSilentOnMismatch(t *testing.T) {
	sender := &fakeSender{}
	pinned := uint16(0x9999)
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3, PinnedID: &pinned})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 1},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	if len(sender.sent) != 0 {
		t.Error("strict id mismatch should produce no reply at all")
	}
	if s.peer.Bound() {
		t.Error("should not bind on id mismatch under strict id")
	}
}

func TestServer_StrictIDSilentOnServerFullCase(t *testing.T) {
	sender := &fakeSender{}
	pinned := uint16(0x1234)
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3, PinnedID: &pinned})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: pinned, Sequence: 1},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)
	before := len(sender.sent)

	s.HandleICMP(net.ParseIP("10.0.0.2"), wire.ICMPHeader{ID: pinned, Sequence: 2},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	if len(sender.sent) != before {
		t.Error("strict id server-full case must stay silent, not reply")
	}
	if !s.peer.LinkAddr.Equal(net.ParseIP("10.0.0.1")) {
		t.Error("binding must not change on a silent rejection")
	}
}

func TestServer_NonConnectionPacketRequiresSourceAndIDMatch(t *testing.T) {
	sender := &fakeSender{}
	tun := &fakeTunnel{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: tun, Keepalive: 5, Retries: 3})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 1},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	// wrong source, correct id.
	s.HandleICMP(net.ParseIP("10.0.0.9"), wire.ICMPHeader{ID: 0x1111, Sequence: 2},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.Data}, []byte("x"))
	if len(tun.written) != 0 {
		t.Error("data from wrong source must be dropped")
	}

	// correct source, wrong id.
	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x2222, Sequence: 2},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.Data}, []byte("x"))
	if len(tun.written) != 0 {
		t.Error("data with wrong id must be dropped")
	}
}

func TestServer_DataWritesAndRecordsPunchThru(t *testing.T) {
	sender := &fakeSender{}
	tun := &fakeTunnel{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: tun, Keepalive: 5, Retries: 3})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 100},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 101},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.Data}, []byte("frame"))

	if len(tun.written) != 1 || string(tun.written[0]) != "frame" {
		t.Errorf("tunnel writes = %v", tun.written)
	}
	if s.peer.PunchThruFill() != 1 {
		t.Errorf("PunchThruFill() = %d, want 1", s.peer.PunchThruFill())
	}
}

func TestServer_KeepAliveMirrorsRequestSequence(t *testing.T) {
	sender := &fakeSender{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 100},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 555},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.KeepAlive}, nil)

	msg := sender.last()
	if msg.th.Type != wire.KeepAlive {
		t.Errorf("type = %v, want KeepAlive", msg.th.Type)
	}
	if msg.seq != 555 {
		t.Errorf("seq = %d, want mirrored 555", msg.seq)
	}
}

func TestServer_DataReplyDrainsPunchThruRing(t *testing.T) {
	sender := &fakeSender{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 1},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	for seq := uint16(100); seq < 164; seq++ {
		s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: seq},
			wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.PunchThru}, nil)
	}

	for want := uint16(100); want < 164; want++ {
		s.HandleTunnelFrame([]byte("f"))
		msg := sender.last()
		if msg.seq != want {
			t.Fatalf("reply seq = %d, want %d", msg.seq, want)
		}
	}

	before := len(sender.sent)
	s.HandleTunnelFrame([]byte("f"))
	if len(sender.sent) != before {
		t.Error("65th data frame should be dropped: no punch-thru sequence available")
	}
}

func TestServer_TimeoutUnbindsWithoutExiting(t *testing.T) {
	sender := &fakeSender{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 1, Retries: 2})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 1},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest}, nil)

	s.HandleTick() // seconds 0->1==keepalive, timeouts=1
	if !s.peer.Bound() {
		t.Fatal("should still be bound after first timeout tick")
	}
	s.HandleTick() // timeouts=2==retries -> unbind
	if s.peer.Bound() {
		t.Error("should unbind once retries exhausted")
	}
}

func TestServer_EmulationNegotiation_ClientRequests(t *testing.T) {
	sender := &fakeSender{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 7},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest, Flags: wire.FlagEmulation}, nil)

	msg := sender.last()
	if !msg.th.Emulation() {
		t.Error("accept should carry emulation flag when client requested it")
	}

	// first post-accept packet with unchanged sequence confirms emulation.
	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 7},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.PunchThru}, nil)

	if !s.peer.Emulation {
		t.Error("emulation should remain on after matching confirmation")
	}
}

func TestServer_EmulationDowngradesOnSequenceChange(t *testing.T) {
	sender := &fakeSender{}
	s := NewServer(ServerConfig{ICMP: sender, Tunnel: &fakeTunnel{}, Keepalive: 5, Retries: 3})

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 7},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.ConnectionRequest, Flags: wire.FlagEmulation}, nil)

	s.HandleICMP(net.ParseIP("10.0.0.1"), wire.ICMPHeader{ID: 0x1111, Sequence: 8},
		wire.TunnelHeader{Magic: wire.MagicClient, Type: wire.PunchThru}, nil)

	if s.peer.Emulation {
		t.Error("emulation should downgrade once the client's sequence moves")
	}
}
