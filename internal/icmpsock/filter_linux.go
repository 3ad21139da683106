//go:build linux

package icmpsock

import (
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// installTypeFilter installs a kernel-level ICMP_FILTER on conn so only
// icmpType reaches the socket buffer at all. This is strictly an
// optimization: Recv performs the same check in user space regardless, so
// a failure here is not fatal and is left unreported to the caller.
func installTypeFilter(conn net.PacketConn, icmpType uint8) {
	sc, ok := conn.(syscall.Conn)
	if !ok {
		return
	}
	rc, err := sc.SyscallConn()
	if err != nil {
		return
	}

	filter := unix.ICMPFilter{Data: ^uint32(1 << icmpType)}
	rc.Control(func(fd uintptr) {
		_ = unix.SetsockoptICMPFilter(int(fd), unix.SOL_RAW, unix.ICMP_FILTER, &filter)
	})
}
