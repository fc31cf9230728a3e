// Package sptun implements a simple packet tunnel over a stream transport.
//
// An sptun client reads IP packets from a local TUN device, encrypts each
// packet with an AEAD cipher, and sends it to an sptun server as a
// length-delimited frame over a single TCP connection. Frames received from
// the server travel the same path in reverse: deframe, decrypt, inject into
// the TUN device.
//
// A stream transport does not preserve message boundaries, so every packet
// is carried in exactly one frame:
//
//	frame := u32be payload length + u8 frame type + payload
//
// The payload of a data frame is the AEAD-sealed packet. Keepalive frames
// carry no payload.
package sptun
