// Package tunif wraps the TUN virtual network interface that carries
// tunneled IP frames between the kernel and the forwarder.
package tunif

import (
	"fmt"

	"github.com/songgao/water"
)

// Interface is a TUN device with a fixed read/write frame size (MTU).
type Interface struct {
	iface *water.Interface
	mtu   int
}

// Open creates (or attaches to, if name is non-empty and already exists)
// a TUN device. mtu bounds the largest IP frame the caller should ever
// pass to Write, and the largest this device will ever hand back from
// Read.
func Open(name string, mtu int) (*Interface, error) {
	cfg := water.Config{DeviceType: water.TUN}
	cfg.Name = name

	iface, err := water.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("tunif: open: %w", err)
	}

	return &Interface{iface: iface, mtu: mtu}, nil
}

// Name returns the kernel-assigned (or requested) interface name.
func (t *Interface) Name() string {
	return t.iface.Name()
}

// Read returns one IP frame. buf must be at least MTU bytes.
func (t *Interface) Read(buf []byte) (int, error) {
	n, err := t.iface.Read(buf)
	if err != nil {
		return n, fmt.Errorf("tunif: read: %w", err)
	}
	return n, nil
}

// Write sends one IP frame. frame must not exceed MTU bytes; the caller
// is responsible for that bound since the kernel will otherwise fragment
// or reject it depending on platform.
func (t *Interface) Write(frame []byte) (int, error) {
	n, err := t.iface.Write(frame)
	if err != nil {
		return n, fmt.Errorf("tunif: write: %w", err)
	}
	return n, nil
}

// MTU returns the configured frame size bound.
func (t *Interface) MTU() int {
	return t.mtu
}

// Close releases the underlying device.
func (t *Interface) Close() error {
	return t.iface.Close()
}
