// Package config validates the operator-supplied options shared by the
// client and server roles. Flag parsing itself lives in cmd/icmptunnel
// (cobra); this package only owns the defaults and the range checks.
package config

import (
	"fmt"
	"math"
)

// Defaults matching the original tool's built-in behaviour.
const (
	DefaultKeepalive = 5
	DefaultRetries   = 3
	DefaultMTU       = 1466 // 1500 - ip(20) - icmp(8) - tunnel header(6)

	MinKeepalive = 1
	MaxKeepalive = 30

	MinMTU = 68
	MaxMTU = 65535

	MaxHops = 254
)

// RetriesInfinite marks "-r infinite": the role never gives up and
// exits, it only keeps retrying/reconnecting.
const RetriesInfinite = -1

// Options holds every CLI-settable value after validation.
type Options struct {
	Host string

	Server bool

	User string

	Keepalive int
	Retries   int
	// RetriesExplicit is true when the operator passed -r themselves,
	// rather than the default applying. The client role treats an
	// explicit retry budget as a hard exit condition instead of a
	// reconnect trigger once a session has been established.
	RetriesExplicit bool
	MTU             int
	Emulation       bool
	Daemon          bool

	TTLSecurity bool
	Hops        uint8

	HasID bool
	ID    uint16
}

// Default returns an Options populated with the built-in defaults; every
// flag not explicitly set by the operator leaves these untouched.
func Default() Options {
	return Options{
		Keepalive: DefaultKeepalive,
		Retries:   DefaultRetries,
		MTU:       DefaultMTU,
	}
}

// Validate checks every range constraint from the CLI spec and returns
// the first violation found. A nil return means opts is safe to run
// with.
func (o Options) Validate() error {
	if o.Keepalive < MinKeepalive || o.Keepalive > MaxKeepalive {
		return fmt.Errorf("for -k option interval must be within %d ... %d range", MinKeepalive, MaxKeepalive)
	}

	if o.Retries != RetriesInfinite {
		if o.Retries < 1 {
			return fmt.Errorf("for -r option retries must be positive or \"infinite\"")
		}
		if o.Retries > 4*DefaultRetries {
			return fmt.Errorf("for -r option retries must not exceed %d", 4*DefaultRetries)
		}
	}

	if o.MTU < MinMTU || o.MTU > MaxMTU {
		return fmt.Errorf("for -m option mtu must be within %d ... %d range", MinMTU, MaxMTU)
	}

	if o.Hops > MaxHops {
		return fmt.Errorf("for -t option hops must be within 0 ... %d range", MaxHops)
	}

	if o.HasID && o.ID > math.MaxUint16 {
		// unreachable given the uint16 type, kept for parity with the
		// explicit range check the CLI spec calls for.
		return fmt.Errorf("for -i option id must be within 0 ... %d range", math.MaxUint16)
	}

	if !o.Server && o.Host == "" {
		return fmt.Errorf("missing server ip/hostname")
	}

	return nil
}
