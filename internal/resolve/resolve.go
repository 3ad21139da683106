// Package resolve turns the operator-supplied host argument into the
// IPv4 address the client connects to.
//
// This is a single net.ResolveIPAddr call, not a DNS client role; there
// is no caching, no record-type selection, and no retry policy to
// justify reaching for a third-party resolver library.
package resolve

import (
	"fmt"
	"net"
)

// Host resolves name (an IPv4 literal or a hostname) to its IPv4
// address.
func Host(name string) (net.IP, error) {
	addr, err := net.ResolveIPAddr("ip4", name)
	if err != nil {
		return nil, fmt.Errorf("resolve: %w", err)
	}
	return addr.IP, nil
}
