package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/database64128/sptun-go/conn"
	"github.com/database64128/sptun-go/frame"
	"github.com/database64128/sptun-go/jsoncfg"
	"github.com/database64128/sptun-go/packet"
	"github.com/database64128/sptun-go/tslog"
	"github.com/database64128/sptun-go/tun"
)

// ServerConfig is the configuration for an sptun server service.
type ServerConfig struct {
	// Name specifies the name of the server.
	Name string `json:"name"`

	// ListenAddress specifies the host:port address to listen on.
	ListenAddress string `json:"listen"`

	// Tun configures the TUN device the server tunnels packets for.
	// The device MTU bounds the size of a tunneled packet and defaults
	// to 1500.
	Tun tun.Config `json:"tun"`

	// Cipher specifies the AEAD cipher sealing tunneled packets.
	//
	//  - "xchacha20-poly1305": The default.
	//  - "aes-256-gcm"
	Cipher string `json:"cipher,omitzero"`

	// PSK specifies the 32-byte pre-shared key. It must match the
	// client's.
	PSK []byte `json:"psk"`

	// KeepAliveInterval optionally specifies how long the uplink may
	// stay idle before a keepalive frame is sent. Zero disables
	// keepalives.
	KeepAliveInterval jsoncfg.Duration `json:"keepAliveInterval,omitzero"`

	// IdleTimeout optionally specifies how long a connection may stay
	// silent before it is considered dead. Zero disables the timeout.
	IdleTimeout jsoncfg.Duration `json:"idleTimeout,omitzero"`

	// Fwmark optionally specifies the listener's fwmark on Linux,
	// or user cookie on FreeBSD.
	Fwmark int `json:"fwmark,omitzero"`

	// TrafficClass optionally specifies the listener's traffic class.
	TrafficClass int `json:"trafficClass,omitzero"`

	// TCPKeepAlivePeriod optionally specifies the TCP keep-alive period
	// for accepted connections. System default is used if zero.
	TCPKeepAlivePeriod jsoncfg.Duration `json:"tcpKeepAlivePeriod,omitzero"`

	// SendChannelCapacity optionally specifies the capacity of the
	// uplink send channel. Defaults to 256.
	SendChannelCapacity int `json:"sendChannelCapacity,omitzero"`
}

type server struct {
	name                string
	listenAddress       string
	listenConfig        net.ListenConfig
	keepAliveInterval   time.Duration
	idleTimeout         time.Duration
	mtu                 int
	packetStart         int
	maxFramePayloadSize int
	handler             packet.Handler
	logger              *tslog.Logger
	openDevice          func() (tun.Device, error)
	pool                *packetBufPool
	sendCh              chan queuedPacket
	mu                  sync.Mutex
	listener            net.Listener
	dev                 tun.Device
	conn                net.Conn
	done                chan struct{}
	wg                  sync.WaitGroup
}

// Server creates an sptun server service from the server config.
// Call the Start method on the returned service to start it.
func (sc *ServerConfig) Server(logger *tslog.Logger) (*server, error) {
	if sc.ListenAddress == "" {
		return nil, errors.New("listen address is required")
	}

	tunConfig := sc.Tun
	if tunConfig.MTU == 0 {
		tunConfig.MTU = defaultMTU
	}

	handler, err := newPacketHandler(sc.Cipher, sc.PSK)
	if err != nil {
		return nil, err
	}

	if err = checkMTU(tunConfig.MTU, handler); err != nil {
		return nil, err
	}

	sendChannelCapacity := sc.SendChannelCapacity
	if sendChannelCapacity == 0 {
		sendChannelCapacity = defaultSendChannelCapacity
	}

	listenConfig := conn.ListenerSocketOptions{
		Fwmark:          sc.Fwmark,
		TrafficClass:    sc.TrafficClass,
		KeepAlivePeriod: time.Duration(sc.TCPKeepAlivePeriod),
	}.ListenConfig()

	headroom := handler.Headroom()
	s := server{
		name:                sc.Name,
		listenAddress:       sc.ListenAddress,
		listenConfig:        listenConfig,
		keepAliveInterval:   time.Duration(sc.KeepAliveInterval),
		idleTimeout:         time.Duration(sc.IdleTimeout),
		mtu:                 tunConfig.MTU,
		packetStart:         frame.HeaderSize + headroom.Front,
		maxFramePayloadSize: maxFramePayloadSizeFromMTU(tunConfig.MTU, handler),
		handler:             handler,
		logger: logger.WithAttrs(
			slog.String("server", sc.Name),
			slog.String("listenAddress", sc.ListenAddress),
		),
		pool:   newPacketBufPool(frame.HeaderSize + headroom.Front + tunConfig.MTU + headroom.Rear),
		sendCh: make(chan queuedPacket, sendChannelCapacity),
		done:   make(chan struct{}),
	}
	s.openDevice = tunConfig.Open
	return &s, nil
}

// SlogAttr implements [Service.SlogAttr].
func (s *server) SlogAttr() slog.Attr {
	return slog.String("server", s.name)
}

// Start implements [Service.Start].
func (s *server) Start(ctx context.Context) error {
	dev, err := s.openDevice()
	if err != nil {
		return fmt.Errorf("failed to open TUN device: %w", err)
	}

	ln, err := s.listenConfig.Listen(ctx, "tcp", s.listenAddress)
	if err != nil {
		_ = dev.Close()
		return fmt.Errorf("failed to listen on %s: %w", s.listenAddress, err)
	}

	s.mu.Lock()
	s.dev = dev
	s.listener = ln
	s.mu.Unlock()

	logger := s.logger.WithAttrs(slog.String("device", dev.Name()))

	reader := deviceReader{
		logger:      logger,
		dev:         dev,
		pool:        s.pool,
		sendCh:      s.sendCh,
		done:        s.done,
		packetStart: s.packetStart,
		mtu:         s.mtu,
		onFatal: func(err error) {
			// Stop waits for the reader goroutine, so it must not be
			// called from it.
			go s.Stop()
		},
	}

	s.wg.Add(2)

	go func() {
		reader.run()
		s.wg.Done()
	}()

	go func() {
		s.acceptLoop(logger, ln, dev)
		s.wg.Done()
		// Release the device and its reader if the accept loop ended
		// on its own, e.g. on a listener failure.
		_ = s.Stop()
	}()

	logger.Info("Started service",
		slog.Any("address", ln.Addr()),
		slog.Int("mtu", s.mtu),
	)
	return nil
}

// acceptLoop accepts tunnel connections and runs them one at a time.
// The session owns the server's TUN device exclusively, so a second
// connection arriving while one is active is closed immediately.
// When a session ends, the server returns to accepting.
func (s *server) acceptLoop(logger *tslog.Logger, ln net.Listener, dev tun.Device) {
	for {
		nc, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || isDone(s.done) {
				return
			}
			logger.Error("Failed to accept connection", tslog.Err(err))
			return
		}

		s.mu.Lock()
		if isDone(s.done) {
			s.mu.Unlock()
			_ = nc.Close()
			return
		}
		if s.conn != nil {
			s.mu.Unlock()
			logger.Warn("Rejecting connection, session already active",
				slog.Any("remoteAddress", nc.RemoteAddr()),
			)
			_ = nc.Close()
			continue
		}
		s.conn = nc
		s.mu.Unlock()

		logger.Info("Tunnel established",
			slog.Any("remoteAddress", nc.RemoteAddr()),
		)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runSession(logger, nc, dev)
		}()
	}
}

func (s *server) runSession(logger *tslog.Logger, nc net.Conn, dev tun.Device) {
	sess := session{
		logger:              logger,
		conn:                nc,
		dev:                 dev,
		handler:             s.handler,
		pool:                s.pool,
		sendCh:              s.sendCh,
		maxFramePayloadSize: s.maxFramePayloadSize,
		keepAliveInterval:   s.keepAliveInterval,
		idleTimeout:         s.idleTimeout,
	}
	result := sess.run()

	s.mu.Lock()
	s.conn = nil
	s.mu.Unlock()
	_ = nc.Close()

	switch result.outcome {
	case outcomeShutdown:

	case outcomeDisconnected:
		logger.Warn("Connection lost", tslog.Err(result.err))

	case outcomeAbort:
		logger.Error("Session aborted",
			slog.Any("remoteAddress", nc.RemoteAddr()),
			tslog.Err(result.err),
		)

	case outcomeTunnelFatal:
		logger.Error("TUN device failed", tslog.Err(result.err))
		go s.Stop()
	}
}

// Stop implements [Service.Stop].
func (s *server) Stop() error {
	s.mu.Lock()
	select {
	case <-s.done:
		s.mu.Unlock()
		return nil
	default:
	}
	close(s.done)
	ln := s.listener
	nc := s.conn
	dev := s.dev
	s.mu.Unlock()

	if ln != nil {
		_ = ln.Close()
	}
	if nc != nil {
		_ = nc.Close()
	}
	if dev != nil {
		_ = dev.Close()
	}

	s.wg.Wait()

	for {
		select {
		case qp := <-s.sendCh:
			s.pool.Put(qp.buf)
		default:
			return nil
		}
	}
}
