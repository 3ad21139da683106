package icmpsock

import "testing"

func TestRole_TypesAreMirrored(t *testing.T) {
	if Client.sendType() != Server.recvType() {
		t.Error("client send type must equal server recv type")
	}
	if Server.sendType() != Client.recvType() {
		t.Error("server send type must equal client recv type")
	}
}

func TestRole_ClientSendsRequest(t *testing.T) {
	if got := Client.sendType(); got != 8 {
		t.Errorf("Client.sendType() = %d, want 8 (echo request)", got)
	}
	if got := Client.recvType(); got != 0 {
		t.Errorf("Client.recvType() = %d, want 0 (echo reply)", got)
	}
}

func TestRole_ServerSendsReply(t *testing.T) {
	if got := Server.sendType(); got != 0 {
		t.Errorf("Server.sendType() = %d, want 0 (echo reply)", got)
	}
	if got := Server.recvType(); got != 8 {
		t.Errorf("Server.recvType() = %d, want 8 (echo request)", got)
	}
}

func TestOpen_RequiresPrivilege(t *testing.T) {
	// Opening a raw ip4:icmp socket requires CAP_NET_RAW. In an
	// unprivileged test environment this must fail cleanly rather than
	// panic, and must never leak a half-open socket.
	_, err := Open(Config{Role: Client, MTU: 1500})
	if err == nil {
		t.Skip("test running with raw socket privilege; nothing to assert")
	}
}
