package service

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net"
	"time"

	"github.com/database64128/sptun-go/frame"
	"github.com/database64128/sptun-go/packet"
	"github.com/database64128/sptun-go/tslog"
	"github.com/database64128/sptun-go/tun"
)

// errConnectionClosed is returned when the peer closes the connection.
var errConnectionClosed = errors.New("connection closed by peer")

// outcome classifies how a session or one of its relay directions ended.
// Outcomes are ordered by severity.
type outcome int

const (
	// outcomeShutdown: the session's descriptors were closed by an
	// explicit stop request. Never a failure.
	outcomeShutdown outcome = iota

	// outcomeDisconnected: the transport failed or the peer closed the
	// connection. Recoverable by reconnecting.
	outcomeDisconnected

	// outcomeAbort: a framing violation or an authentication failure.
	// The byte stream is in doubt or the peer may be hostile.
	// The session is torn down and never resynchronized.
	outcomeAbort

	// outcomeTunnelFatal: the TUN device failed. The service cannot
	// continue until the interface is reconfigured.
	outcomeTunnelFatal
)

// String implements [fmt.Stringer.String].
func (o outcome) String() string {
	switch o {
	case outcomeShutdown:
		return "shutdown"
	case outcomeDisconnected:
		return "disconnected"
	case outcomeAbort:
		return "abort"
	case outcomeTunnelFatal:
		return "tunnel device failure"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// sessionResult is the final state of one relay direction.
type sessionResult struct {
	outcome outcome
	err     error
}

// session is one established tunnel: a single connection to the peer
// paired with the service's TUN device. Exactly one session owns both
// descriptors while it runs.
type session struct {
	logger              *tslog.Logger
	conn                net.Conn
	dev                 tun.Device
	handler             packet.Handler
	pool                *packetBufPool
	sendCh              <-chan queuedPacket
	maxFramePayloadSize int
	keepAliveInterval   time.Duration
	idleTimeout         time.Duration
	done                chan struct{}
}

// run relays packets in both directions until one direction fails or
// the session is stopped, then tears down the other direction and
// returns the more severe of the two results.
func (s *session) run() sessionResult {
	s.done = make(chan struct{})
	resultCh := make(chan sessionResult, 2)

	go func() {
		resultCh <- s.relayTunToConn()
	}()

	go func() {
		resultCh <- s.relayConnToTun()
	}()

	first := <-resultCh

	// Unblock the other relay direction. Errors it observes from the
	// closed descriptors classify as shutdown and never override.
	close(s.done)
	_ = s.conn.Close()

	second := <-resultCh

	if second.outcome > first.outcome {
		return second
	}
	return first
}

// relayTunToConn seals queued packets from the TUN device reader and
// writes them to the connection as data frames, interleaving keepalive
// frames when the uplink has been idle for keepAliveInterval.
//
// Reading from sendCh only after the previous frame has been written
// in full applies backpressure to the TUN device reader and preserves
// packet order: no packet can overtake another in the outbound buffer.
func (s *session) relayTunToConn() sessionResult {
	var keepAliveCh <-chan time.Time
	var keepAliveTicker *time.Ticker
	if s.keepAliveInterval > 0 {
		keepAliveTicker = time.NewTicker(s.keepAliveInterval)
		defer keepAliveTicker.Stop()
		keepAliveCh = keepAliveTicker.C
	}

	var keepAliveFrame [frame.HeaderSize]byte
	frame.PutHeader(keepAliveFrame[:], frame.TypeKeepalive, 0)

	packetStart := frame.HeaderSize + s.handler.Headroom().Front

	var (
		packetsSent      uint64
		payloadBytesSent uint64
		keepAlivesSent   uint64
	)

	result := func() sessionResult {
		for {
			select {
			case <-s.done:
				return sessionResult{outcome: outcomeShutdown}

			case qp := <-s.sendCh:
				pkt := qp.buf[packetStart : packetStart+qp.length]

				// Seal in place: the payload lands right after the
				// frame header.
				payload, err := s.handler.Encrypt(qp.buf[frame.HeaderSize:frame.HeaderSize], pkt)
				if err != nil {
					s.pool.Put(qp.buf)
					return sessionResult{outcomeAbort, fmt.Errorf("failed to encrypt packet: %w", err)}
				}

				frame.PutHeader(qp.buf[:frame.HeaderSize], frame.TypeData, len(payload))
				err = writeFull(s.conn, qp.buf[:frame.HeaderSize+len(payload)])
				s.pool.Put(qp.buf)
				if err != nil {
					return s.connResult(fmt.Errorf("failed to write frame: %w", err))
				}

				packetsSent++
				payloadBytesSent += uint64(len(payload))

				if keepAliveTicker != nil {
					keepAliveTicker.Reset(s.keepAliveInterval)
				}

			case <-keepAliveCh:
				if err := writeFull(s.conn, keepAliveFrame[:]); err != nil {
					return s.connResult(fmt.Errorf("failed to write keepalive frame: %w", err))
				}
				keepAlivesSent++
			}
		}
	}()

	s.logger.Info("Finished relaying TUN device -> connection",
		tslog.Uint("packetsSent", packetsSent),
		tslog.Uint("payloadBytesSent", payloadBytesSent),
		tslog.Uint("keepAlivesSent", keepAlivesSent),
	)
	return result
}

// relayConnToTun reads from the connection, extracts complete frames,
// opens data frame payloads, and injects the recovered packets into the
// TUN device strictly in the order the frames were extracted.
func (s *session) relayConnToTun() sessionResult {
	readBuf := make([]byte, frame.HeaderSize+s.maxFramePayloadSize)
	packetBuf := make([]byte, 0, s.maxFramePayloadSize)
	deframer := frame.NewDeframer(s.maxFramePayloadSize)

	var (
		packetsReceived      uint64
		payloadBytesReceived uint64
		keepAlivesReceived   uint64
	)

	result := func() sessionResult {
		for {
			if s.idleTimeout > 0 {
				if err := s.conn.SetReadDeadline(time.Now().Add(s.idleTimeout)); err != nil {
					return s.connResult(fmt.Errorf("failed to set read deadline: %w", err))
				}
			}

			n, err := s.conn.Read(readBuf)
			if n > 0 {
				deframer.Feed(readBuf[:n])

				for {
					f, ok, ferr := deframer.Next()
					if ferr != nil {
						return sessionResult{outcomeAbort, fmt.Errorf("failed to decode frame: %w", ferr)}
					}
					if !ok {
						break
					}

					switch f.Type {
					case frame.TypeKeepalive:
						keepAlivesReceived++
						continue
					case frame.TypeData:
					}

					// Authenticity is established before any packet
					// reaches the device.
					pkt, derr := s.handler.Decrypt(packetBuf[:0], f.Payload)
					if derr != nil {
						return sessionResult{outcomeAbort, fmt.Errorf("failed to decrypt frame payload: %w", derr)}
					}

					if werr := s.dev.WritePacket(pkt); werr != nil {
						return s.tunResult(fmt.Errorf("failed to write packet to TUN device: %w", werr))
					}

					packetsReceived++
					payloadBytesReceived += uint64(len(f.Payload))
				}
			}

			if err != nil {
				return s.readResult(err, deframer.Buffered())
			}
		}
	}()

	s.logger.Info("Finished relaying connection -> TUN device",
		tslog.Uint("packetsReceived", packetsReceived),
		tslog.Uint("payloadBytesReceived", payloadBytesReceived),
		tslog.Uint("keepAlivesReceived", keepAlivesReceived),
	)
	return result
}

// connResult classifies a connection write error.
func (s *session) connResult(err error) sessionResult {
	if errors.Is(err, net.ErrClosed) || isDone(s.done) {
		return sessionResult{outcome: outcomeShutdown}
	}
	return sessionResult{outcomeDisconnected, err}
}

// readResult classifies a connection read error. A read of zero bytes
// with no other error signals peer shutdown; a partial frame left in
// the deframer is discarded, never delivered.
func (s *session) readResult(err error, buffered int) sessionResult {
	switch {
	case errors.Is(err, net.ErrClosed), isDone(s.done):
		return sessionResult{outcome: outcomeShutdown}
	case errors.Is(err, io.EOF):
		if buffered > 0 {
			s.logger.Warn("Connection closed mid-frame",
				slog.Int("bufferedBytes", buffered),
			)
		}
		return sessionResult{outcomeDisconnected, errConnectionClosed}
	default:
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return sessionResult{outcomeDisconnected, fmt.Errorf("connection idle timeout: %w", err)}
		}
		return sessionResult{outcomeDisconnected, fmt.Errorf("failed to read from connection: %w", err)}
	}
}

// tunResult classifies a TUN device error.
func (s *session) tunResult(err error) sessionResult {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, fs.ErrClosed) || isDone(s.done) {
		return sessionResult{outcome: outcomeShutdown}
	}
	return sessionResult{outcomeTunnelFatal, err}
}

// writeFull writes all of b to c, resuming with the remaining suffix
// after a partial write.
func writeFull(c net.Conn, b []byte) error {
	for len(b) > 0 {
		n, err := c.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

// deviceReader reads packets from a TUN device and queues them on a
// send channel. It runs for the lifetime of the service, across
// sessions: packets read while the transport is down wait in the
// channel, bounded by its capacity, and are flushed on reconnect.
type deviceReader struct {
	logger      *tslog.Logger
	dev         tun.Device
	pool        *packetBufPool
	sendCh      chan<- queuedPacket
	done        <-chan struct{}
	packetStart int
	mtu         int

	// onFatal is called once when the device fails outside of an
	// explicit stop request.
	onFatal func(err error)
}

func (r *deviceReader) run() {
	var packetsRead uint64

	for {
		buf := r.pool.Get()

		n, err := r.dev.ReadPacket(buf[r.packetStart : r.packetStart+r.mtu])
		if err != nil {
			r.pool.Put(buf)
			if errors.Is(err, net.ErrClosed) || errors.Is(err, fs.ErrClosed) || isDone(r.done) {
				break
			}
			r.logger.Error("Failed to read from TUN device", tslog.Err(err))
			r.onFatal(err)
			break
		}

		select {
		case r.sendCh <- queuedPacket{buf, n}:
			packetsRead++
		case <-r.done:
			r.pool.Put(buf)
			r.logFinished(packetsRead)
			return
		}
	}

	r.logFinished(packetsRead)
}

func (r *deviceReader) logFinished(packetsRead uint64) {
	r.logger.Info("Finished reading from TUN device",
		slog.String("device", r.dev.Name()),
		tslog.Uint("packetsRead", packetsRead),
	)
}

func isDone(done <-chan struct{}) bool {
	select {
	case <-done:
		return true
	default:
		return false
	}
}
