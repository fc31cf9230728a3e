// Package tun provides access to TUN virtual network interfaces.
//
// A TUN device exchanges whole IP packets with the kernel: one read
// returns exactly one packet, and one write injects exactly one packet.
package tun

import (
	"errors"
	"fmt"
)

// ErrShortWrite is returned when the device accepts fewer bytes than
// one whole packet. The device does not support partial packet
// injection, so a short write leaves the interface in an unusable state.
var ErrShortWrite = errors.New("short write to TUN device")

// Device is a TUN virtual network interface.
type Device interface {
	// Name returns the name of the network interface.
	Name() string

	// ReadPacket reads exactly one IP packet into b,
	// blocking until a packet is available.
	ReadPacket(b []byte) (int, error)

	// WritePacket injects exactly one IP packet into the local
	// network stack. A short write fails with [ErrShortWrite].
	WritePacket(b []byte) error

	// Close closes the device. Blocked reads and writes return
	// with an error.
	Close() error
}

// Config is the configuration for a TUN device.
type Config struct {
	// Name is the name of the network interface, e.g. "tun0".
	Name string `json:"name"`

	// Address optionally specifies the interface address in CIDR
	// notation, e.g. "10.8.0.2/24". If empty, no address is assigned
	// and the operator is expected to configure the interface.
	Address string `json:"address,omitzero"`

	// MTU is the maximum transmission unit to set on the interface.
	MTU int `json:"mtu"`
}

// Check validates the configuration.
func (c *Config) Check() error {
	if c.Name == "" {
		return errors.New("TUN device name is required")
	}
	if c.MTU <= 0 {
		return fmt.Errorf("bad TUN device MTU %d", c.MTU)
	}
	return nil
}
