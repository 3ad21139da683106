// Package forwarder implements the single event loop that multiplexes
// the ICMP socket, the tunnel interface, and a one-second tick, handing
// each fired event to the active role's handlers.
//
// Go has no portable way to block on two arbitrary file descriptors and
// a timer at once, so each source is read by its own goroutine that
// copies the frame it received out of the source's own reused buffer
// and hands the copy to the loop over a channel. Exactly one handler
// call is ever in flight: the select below is the only place that reads
// those channels, so role state is still mutated from a single
// goroutine, matching the cooperative, lock-free model the handlers are
// written against.
package forwarder

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/postalsys/icmptunnel/internal/icmpsock"
	"github.com/postalsys/icmptunnel/internal/logging"
	"github.com/postalsys/icmptunnel/internal/recovery"
	"github.com/postalsys/icmptunnel/internal/wire"
)

// ICMPSource is the subset of *icmpsock.Endpoint the forwarder needs.
type ICMPSource interface {
	Recv() (payload []byte, th wire.TunnelHeader, ih wire.ICMPHeader, src net.IP, reason icmpsock.RejectReason, err error)
}

// TunnelSource is the subset of *tunif.Interface the forwarder needs.
type TunnelSource interface {
	Read(buf []byte) (int, error)
	MTU() int
}

// Role receives the events the forwarder dispatches. Implementations
// are the client and server handlers; exactly one handler method runs
// at a time.
type Role interface {
	HandleICMP(src net.IP, ih wire.ICMPHeader, th wire.TunnelHeader, payload []byte)
	HandleReject(reason icmpsock.RejectReason)
	HandleTunnelFrame(frame []byte)
	HandleTick()
}

// Forwarder is the single-threaded event loop described in the package
// doc.
type Forwarder struct {
	icmp   ICMPSource
	tun    TunnelSource
	role   Role
	logger *slog.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
}

// New builds a Forwarder. Callers must close icmp and tun after Run
// returns, to unblock the reader goroutines still parked in a blocking
// Recv/Read call.
func New(icmp ICMPSource, tun TunnelSource, role Role, logger *slog.Logger) *Forwarder {
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &Forwarder{
		icmp:   icmp,
		tun:    tun,
		role:   role,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Stop breaks the loop on its next wakeup. Safe to call more than once
// and from any goroutine (e.g. a signal handler).
func (f *Forwarder) Stop() {
	f.stopOnce.Do(func() { close(f.stopCh) })
}

type icmpEvent struct {
	src     net.IP
	ih      wire.ICMPHeader
	th      wire.TunnelHeader
	payload []byte
	reason  icmpsock.RejectReason
	err     error
}

type tunEvent struct {
	frame []byte
	err   error
}

// Run blocks, dispatching events to role, until Stop is called or ctx
// is cancelled.
func (f *Forwarder) Run(ctx context.Context) error {
	icmpCh := make(chan icmpEvent)
	tunCh := make(chan tunEvent)

	go f.readICMP(icmpCh)
	go f.readTunnel(tunCh)

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.Stop()
			return ctx.Err()
		case <-f.stopCh:
			return nil
		case ev := <-icmpCh:
			if ev.err != nil {
				f.logger.Warn("icmp transport failure", logging.KeyError, ev.err)
				continue
			}
			if ev.reason != icmpsock.RejectNone {
				f.role.HandleReject(ev.reason)
				continue
			}
			f.role.HandleICMP(ev.src, ev.ih, ev.th, ev.payload)
		case ev := <-tunCh:
			if ev.err != nil {
				f.logger.Warn("tunnel transport failure", logging.KeyError, ev.err)
				continue
			}
			f.role.HandleTunnelFrame(ev.frame)
		case <-ticker.C:
			f.role.HandleTick()
		}
	}
}

func (f *Forwarder) readICMP(out chan<- icmpEvent) {
	defer recovery.RecoverWithLog(f.logger, "forwarder.readICMP")
	for {
		payload, th, ih, src, reason, err := f.icmp.Recv()
		ev := icmpEvent{src: src, ih: ih, th: th, reason: reason, err: err}
		if err == nil && reason == icmpsock.RejectNone {
			ev.payload = append([]byte(nil), payload...)
		}
		select {
		case out <- ev:
		case <-f.stopCh:
			return
		}
		// icmpsock.ErrClosed means the endpoint is gone for good; stop
		// spinning rather than busy-looping on the same error forever.
		if err == icmpsock.ErrClosed {
			return
		}
	}
}

func (f *Forwarder) readTunnel(out chan<- tunEvent) {
	defer recovery.RecoverWithLog(f.logger, "forwarder.readTunnel")
	buf := make([]byte, f.tun.MTU())
	for {
		n, err := f.tun.Read(buf)
		ev := tunEvent{err: err}
		if err == nil {
			ev.frame = append([]byte(nil), buf[:n]...)
		}
		select {
		case out <- ev:
		case <-f.stopCh:
			return
		}
		if err != nil {
			return
		}
	}
}
