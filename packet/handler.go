// Package packet contains handlers that seal and open tunneled IP packets.
package packet

import (
	"errors"
	"fmt"
)

var (
	// ErrPacketSize is returned when the packet or ciphertext size
	// is out of range for the handler.
	ErrPacketSize = errors.New("bad packet size")

	// ErrAuthentication is returned when a ciphertext fails AEAD
	// authentication. The packet must not be delivered.
	ErrAuthentication = errors.New("authentication failed")
)

// HandlerErr is a handler error with details.
type HandlerErr struct {
	Err     error
	Message string
}

// Error implements [error.Error].
func (e *HandlerErr) Error() string {
	return fmt.Sprintf("%s: %s", e.Err.Error(), e.Message)
}

// Unwrap returns the underlying error.
func (e *HandlerErr) Unwrap() error {
	return e.Err
}

// Headroom reports the headroom a sealed packet occupies around its plaintext.
type Headroom struct {
	// Front is the number of bytes the handler prepends to a packet.
	Front int

	// Rear is the number of bytes the handler appends to a packet.
	Rear int
}

// Handler encrypts outgoing IP packets into frame payloads
// and decrypts received frame payloads back into IP packets.
//
// Handlers do not parse or inspect packet contents.
type Handler interface {
	// Headroom returns the handler's per-packet headroom.
	// The sealed packet is Front+Rear bytes larger than its plaintext.
	Headroom() Headroom

	// Encrypt seals pkt, appends the result to dst, and returns the
	// extended slice.
	//
	// pkt must either not overlap dst's growth region, or start exactly
	// Front bytes into it, in which case the packet is sealed in place
	// without copying.
	Encrypt(dst, pkt []byte) ([]byte, error)

	// Decrypt opens ct, appends the recovered packet to dst, and
	// returns the extended slice.
	//
	// A tampered or truncated ciphertext fails with a [*HandlerErr]
	// wrapping [ErrAuthentication] or [ErrPacketSize].
	Decrypt(dst, ct []byte) ([]byte, error)
}
