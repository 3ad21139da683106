package role

import (
	"net"

	"github.com/postalsys/icmptunnel/internal/wire"
)

type sentMsg struct {
	dst     net.IP
	id      uint16
	seq     uint16
	th      wire.TunnelHeader
	payload []byte
}

type fakeSender struct {
	sent []sentMsg
	err  error
}

func (f *fakeSender) Send(dst net.IP, id, seq uint16, th wire.TunnelHeader, payload []byte) error {
	f.sent = append(f.sent, sentMsg{dst, id, seq, th, append([]byte(nil), payload...)})
	return f.err
}

func (f *fakeSender) last() sentMsg {
	return f.sent[len(f.sent)-1]
}

type fakeTunnel struct {
	written [][]byte
	err     error
}

func (f *fakeTunnel) Write(frame []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), frame...))
	return len(frame), f.err
}
