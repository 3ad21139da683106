//go:build !linux

package icmpsock

import "net"

// installTypeFilter is a no-op on platforms without ICMP_FILTER; Recv's
// user-space type check is the only admission filter there.
func installTypeFilter(conn net.PacketConn, icmpType uint8) {}
