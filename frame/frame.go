// Package frame implements the length-delimited framing of packets
// on a stream transport.
//
// A stream transport does not preserve message boundaries, so each packet
// is carried in exactly one frame:
//
//	frame := u32be payload length + u8 frame type + payload
//
// The length field counts payload bytes only, excluding the type byte.
package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/database64128/sptun-go/slicehelper"
)

const (
	// HeaderSize is the size of a frame header: a 4-byte big-endian
	// payload length followed by a 1-byte frame type.
	HeaderSize = 4 + 1

	// MaxPayloadSize is the hard upper bound on the payload length of
	// a single frame, bounding the memory a peer can make us hold.
	MaxPayloadSize = 65535
)

// Type is the type byte of a frame.
type Type byte

const (
	// TypeData carries one AEAD-sealed IP packet.
	TypeData Type = 1

	// TypeKeepalive carries no payload and is discarded by the receiver.
	TypeKeepalive Type = 2
)

// String implements [fmt.Stringer.String].
func (t Type) String() string {
	switch t {
	case TypeData:
		return "data"
	case TypeKeepalive:
		return "keepalive"
	default:
		return fmt.Sprintf("unknown(%d)", byte(t))
	}
}

var (
	// ErrFrameTooLarge is returned when a frame header declares a payload
	// length greater than the deframer's maximum payload size.
	ErrFrameTooLarge = fmt.Errorf("frame payload length exceeds maximum")

	// ErrUnknownType is returned when a frame header carries an
	// unrecognized type byte.
	ErrUnknownType = fmt.Errorf("unknown frame type")
)

// Error wraps a framing violation with the offending header values.
// Framing errors are fatal to the session: the byte stream cannot be
// resynchronized once a header is in doubt.
type Error struct {
	Err           error
	PayloadLength uint32
	Type          Type
}

// Error implements [error.Error].
func (e *Error) Error() string {
	return fmt.Sprintf("%s: length %d, type %d", e.Err.Error(), e.PayloadLength, byte(e.Type))
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Frame is one decoded frame. Payload aliases the deframer's internal
// buffer and is only valid until the next call to Feed or Next.
type Frame struct {
	Type    Type
	Payload []byte
}

// PutHeader writes a frame header for a payload of the given length to
// the beginning of b. b must be at least [HeaderSize] bytes long.
func PutHeader(b []byte, typ Type, payloadLen int) {
	binary.BigEndian.PutUint32(b, uint32(payloadLen))
	b[4] = byte(typ)
}

// AppendFrame appends a complete frame encapsulating payload to dst
// and returns the extended slice.
func AppendFrame(dst []byte, typ Type, payload []byte) []byte {
	head, tail := slicehelper.Extend(dst, HeaderSize+len(payload))
	PutHeader(tail, typ, len(payload))
	copy(tail[HeaderSize:], payload)
	return head
}

// Deframer accumulates bytes from a stream and extracts complete frames.
//
// The zero value is not ready for use. Call [NewDeframer].
type Deframer struct {
	maxPayloadSize int
	buf            []byte
	pos            int
}

// NewDeframer returns a [*Deframer] that rejects frames whose declared
// payload length exceeds maxPayloadSize.
//
// maxPayloadSize must be in [0, MaxPayloadSize].
func NewDeframer(maxPayloadSize int) *Deframer {
	if maxPayloadSize < 0 || maxPayloadSize > MaxPayloadSize {
		panic(fmt.Sprintf("frame: maxPayloadSize %d out of range [0, %d]", maxPayloadSize, MaxPayloadSize))
	}
	return &Deframer{
		maxPayloadSize: maxPayloadSize,
		buf:            make([]byte, 0, HeaderSize+maxPayloadSize),
	}
}

// Buffered returns the number of bytes held by the deframer that have
// not yet formed a complete frame.
func (d *Deframer) Buffered() int {
	return len(d.buf) - d.pos
}

// Feed absorbs bytes read from the stream. The bytes are copied, so the
// caller may reuse p. Callers must drain the deframer by calling [Next]
// until it reports no complete frame before feeding again, to keep the
// buffer bounded.
func (d *Deframer) Feed(p []byte) {
	if d.pos > 0 {
		// Compact consumed bytes before growing.
		n := copy(d.buf, d.buf[d.pos:])
		d.buf = d.buf[:n]
		d.pos = 0
	}
	d.buf = append(d.buf, p...)
}

// Next extracts exactly one complete frame from the front of the buffer.
//
// If fewer than [HeaderSize] bytes are buffered, or the header is complete
// but fewer than the declared payload length bytes are available, Next
// returns ok == false and leaves the buffer intact for the next call.
// Fragmentation at any byte boundary is therefore tolerated.
//
// A declared payload length greater than the maximum fails immediately
// with [ErrFrameTooLarge], without waiting for the payload to arrive.
// An unrecognized type byte fails with [ErrUnknownType]. After an error
// the deframer must be discarded along with its connection.
func (d *Deframer) Next() (f Frame, ok bool, err error) {
	b := d.buf[d.pos:]
	if len(b) < HeaderSize {
		return Frame{}, false, nil
	}

	payloadLen := binary.BigEndian.Uint32(b)
	typ := Type(b[4])

	if payloadLen > uint32(d.maxPayloadSize) {
		return Frame{}, false, &Error{ErrFrameTooLarge, payloadLen, typ}
	}

	switch typ {
	case TypeData, TypeKeepalive:
	default:
		return Frame{}, false, &Error{ErrUnknownType, payloadLen, typ}
	}

	if len(b) < HeaderSize+int(payloadLen) {
		return Frame{}, false, nil
	}

	d.pos += HeaderSize + int(payloadLen)
	return Frame{
		Type:    typ,
		Payload: b[HeaderSize : HeaderSize+payloadLen],
	}, true, nil
}
