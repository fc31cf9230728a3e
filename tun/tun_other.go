//go:build !linux

package tun

import (
	"errors"
	"runtime"
)

// Open returns an error: TUN devices are currently only supported on Linux.
func (c *Config) Open() (Device, error) {
	return nil, errors.New("TUN devices are not supported on " + runtime.GOOS)
}
