//go:build !linux

package conn

import "syscall"

// Fwmark and traffic class are not set up on other platforms.
func controlFunc(fwmark, trafficClass int) func(network, address string, c syscall.RawConn) error {
	return nil
}
