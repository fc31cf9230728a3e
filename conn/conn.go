// Package conn provides TCP dialers and listeners
// with platform-specific socket options applied.
package conn

import (
	"net"
	"time"
)

// DialerSocketOptions is a set of socket options for the sockets
// created by a dialer.
type DialerSocketOptions struct {
	// Fwmark sets the socket's fwmark on Linux, or user cookie on FreeBSD.
	//
	// Available on Linux and FreeBSD.
	Fwmark int

	// TrafficClass sets the traffic class of the socket.
	//
	// Available on most platforms except Windows.
	TrafficClass int

	// KeepAlivePeriod specifies the keep-alive period for the connection.
	// If zero, the protocol default is used.
	KeepAlivePeriod time.Duration
}

// Dialer returns a [net.Dialer] that applies the socket options
// to the sockets it creates.
func (dso DialerSocketOptions) Dialer() net.Dialer {
	return net.Dialer{
		KeepAlive: dso.KeepAlivePeriod,
		Control:   controlFunc(dso.Fwmark, dso.TrafficClass),
	}
}

// ListenerSocketOptions is a set of socket options for the sockets
// created by a listener.
type ListenerSocketOptions struct {
	// Fwmark sets the socket's fwmark on Linux, or user cookie on FreeBSD.
	//
	// Available on Linux and FreeBSD.
	Fwmark int

	// TrafficClass sets the traffic class of the socket.
	//
	// Available on most platforms except Windows.
	TrafficClass int

	// KeepAlivePeriod specifies the keep-alive period for accepted
	// connections. If zero, the protocol default is used.
	KeepAlivePeriod time.Duration
}

// ListenConfig returns a [net.ListenConfig] that applies the socket
// options to the sockets it creates.
func (lso ListenerSocketOptions) ListenConfig() net.ListenConfig {
	return net.ListenConfig{
		KeepAlive: lso.KeepAlivePeriod,
		Control:   controlFunc(lso.Fwmark, lso.TrafficClass),
	}
}
