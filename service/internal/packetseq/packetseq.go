// Package packetseq provides packet sequencing and validation utilities
// for exercising a tunnel that must deliver packets strictly in order.
//
// Each packet is stamped with a uint64 sequence ID in native byte order,
// and a CRC-32-IEEE checksum of the preceding bytes in native byte order.
// The receiver requires packets to arrive exactly in stamping order:
// a gap, a repeat, or any reordering is a validation failure.
package packetseq

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
)

const minPacketSize = 8 + 4

// Sender stamps packets for sending and keeps track of the number of packets stamped.
type Sender struct {
	pid uint64
}

// Count returns the number of packets stamped.
func (s *Sender) Count() uint64 {
	return s.pid
}

// Stamp stamps the packet for sending.
func (s *Sender) Stamp(b []byte) {
	if len(b) < minPacketSize {
		panic("packetseq: packet too small")
	}
	binary.NativeEndian.PutUint64(b[len(b)-minPacketSize:], s.pid)
	s.pid++
	crc := crc32.ChecksumIEEE(b[:len(b)-4])
	binary.NativeEndian.PutUint32(b[len(b)-4:], crc)
}

// Receiver validates stamped packets, requiring strictly sequential arrival.
type Receiver struct {
	next uint64
}

// Count returns the number of packets validated.
func (r *Receiver) Count() uint64 {
	return r.next
}

var (
	ErrPacketTooSmall         = errors.New("packet too small")
	ErrPacketChecksumMismatch = errors.New("packet checksum mismatch")
)

// OrderError reports a packet that arrived out of stamping order.
type OrderError struct {
	Want uint64
	Got  uint64
}

// Error implements [error.Error].
func (e *OrderError) Error() string {
	return fmt.Sprintf("packet ID out of order: want %d, got %d", e.Want, e.Got)
}

// Validate validates the packet and updates the receiver state.
func (r *Receiver) Validate(b []byte) error {
	if len(b) < minPacketSize {
		return ErrPacketTooSmall
	}

	crc := crc32.ChecksumIEEE(b[:len(b)-4])
	if crc != binary.NativeEndian.Uint32(b[len(b)-4:]) {
		return ErrPacketChecksumMismatch
	}

	id := binary.NativeEndian.Uint64(b[len(b)-minPacketSize:])
	if id != r.next {
		return &OrderError{Want: r.next, Got: id}
	}

	r.next++
	return nil
}
