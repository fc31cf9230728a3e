package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/database64128/sptun-go/conn"
	"github.com/database64128/sptun-go/frame"
	"github.com/database64128/sptun-go/jsoncfg"
	"github.com/database64128/sptun-go/packet"
	"github.com/database64128/sptun-go/tslog"
	"github.com/database64128/sptun-go/tun"
)

// ClientConfig is the configuration for an sptun client service.
type ClientConfig struct {
	// Name specifies the name of the client.
	Name string `json:"name"`

	// Endpoint specifies the host:port address of the sptun server.
	Endpoint string `json:"endpoint"`

	// Tun configures the TUN device the client tunnels packets for.
	// The device MTU bounds the size of a tunneled packet and defaults
	// to 1500.
	Tun tun.Config `json:"tun"`

	// Cipher specifies the AEAD cipher sealing tunneled packets.
	//
	//  - "xchacha20-poly1305": The default.
	//  - "aes-256-gcm"
	Cipher string `json:"cipher,omitzero"`

	// PSK specifies the 32-byte pre-shared key. It must match the
	// server's.
	PSK []byte `json:"psk"`

	// DialTimeout optionally specifies the timeout for connecting
	// to the server. Defaults to 10s.
	DialTimeout jsoncfg.Duration `json:"dialTimeout,omitzero"`

	// DisableReconnect stops the service when the connection is lost,
	// instead of reconnecting with backoff.
	DisableReconnect bool `json:"disableReconnect,omitzero"`

	// InitialBackoff optionally specifies the wait before the first
	// reconnect attempt. Each subsequent wait doubles. Defaults to 1s.
	InitialBackoff jsoncfg.Duration `json:"initialBackoff,omitzero"`

	// MaxBackoff optionally specifies the cap on the reconnect wait.
	// Defaults to 8s.
	MaxBackoff jsoncfg.Duration `json:"maxBackoff,omitzero"`

	// KeepAliveInterval optionally specifies how long the uplink may
	// stay idle before a keepalive frame is sent. Zero disables
	// keepalives.
	KeepAliveInterval jsoncfg.Duration `json:"keepAliveInterval,omitzero"`

	// IdleTimeout optionally specifies how long the connection may stay
	// silent before it is considered dead. Zero disables the timeout.
	IdleTimeout jsoncfg.Duration `json:"idleTimeout,omitzero"`

	// Fwmark optionally specifies the connection's fwmark on Linux,
	// or user cookie on FreeBSD.
	Fwmark int `json:"fwmark,omitzero"`

	// TrafficClass optionally specifies the connection's traffic class.
	TrafficClass int `json:"trafficClass,omitzero"`

	// TCPKeepAlivePeriod optionally specifies the TCP keep-alive period.
	// System default is used if zero.
	TCPKeepAlivePeriod jsoncfg.Duration `json:"tcpKeepAlivePeriod,omitzero"`

	// SendChannelCapacity optionally specifies the capacity of the
	// uplink send channel. Defaults to 256.
	SendChannelCapacity int `json:"sendChannelCapacity,omitzero"`
}

// State is the lifecycle state of a client service.
type State uint32

const (
	StateIdle State = iota
	StateConnecting
	StateEstablished
	StateReconnecting
	StateClosed
)

// String implements [fmt.Stringer.String].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

type client struct {
	name                string
	endpoint            string
	dialer              net.Dialer
	disableReconnect    bool
	initialBackoff      time.Duration
	maxBackoff          time.Duration
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
	state               atomic.Uint32
	mu                  sync.Mutex
	dev                 tun.Device
	conn                net.Conn
	cancel              context.CancelFunc
	done                chan struct{}
	wg                  sync.WaitGroup
}

// Client creates an sptun client service from the client config.
// Call the Start method on the returned service to start it.
func (cc *ClientConfig) Client(logger *tslog.Logger) (*client, error) {
	if cc.Endpoint == "" {
		return nil, errors.New("endpoint is required")
	}

	tunConfig := cc.Tun
	if tunConfig.MTU == 0 {
		tunConfig.MTU = defaultMTU
	}

	handler, err := newPacketHandler(cc.Cipher, cc.PSK)
	if err != nil {
		return nil, err
	}

	if err = checkMTU(tunConfig.MTU, handler); err != nil {
		return nil, err
	}

	dialTimeout := time.Duration(cc.DialTimeout)
	if dialTimeout == 0 {
		dialTimeout = defaultDialTimeout
	}

	initialBackoff := time.Duration(cc.InitialBackoff)
	if initialBackoff == 0 {
		initialBackoff = defaultInitialBackoff
	}

	maxBackoff := time.Duration(cc.MaxBackoff)
	if maxBackoff == 0 {
		maxBackoff = defaultMaxBackoff
	}
	if maxBackoff < initialBackoff {
		return nil, fmt.Errorf("maxBackoff %s is less than initialBackoff %s", maxBackoff, initialBackoff)
	}

	sendChannelCapacity := cc.SendChannelCapacity
	if sendChannelCapacity == 0 {
		sendChannelCapacity = defaultSendChannelCapacity
	}

	dialer := conn.DialerSocketOptions{
		Fwmark:          cc.Fwmark,
		TrafficClass:    cc.TrafficClass,
		KeepAlivePeriod: time.Duration(cc.TCPKeepAlivePeriod),
	}.Dialer()
	dialer.Timeout = dialTimeout

	headroom := handler.Headroom()
	c := client{
		name:                cc.Name,
		endpoint:            cc.Endpoint,
		dialer:              dialer,
		disableReconnect:    cc.DisableReconnect,
		initialBackoff:      initialBackoff,
		maxBackoff:          maxBackoff,
		keepAliveInterval:   time.Duration(cc.KeepAliveInterval),
		idleTimeout:         time.Duration(cc.IdleTimeout),
		mtu:                 tunConfig.MTU,
		packetStart:         frame.HeaderSize + headroom.Front,
		maxFramePayloadSize: maxFramePayloadSizeFromMTU(tunConfig.MTU, handler),
		handler:             handler,
		logger: logger.WithAttrs(
			slog.String("client", cc.Name),
			slog.String("endpoint", cc.Endpoint),
		),
		pool:   newPacketBufPool(frame.HeaderSize + headroom.Front + tunConfig.MTU + headroom.Rear),
		sendCh: make(chan queuedPacket, sendChannelCapacity),
		done:   make(chan struct{}),
	}
	c.openDevice = tunConfig.Open
	c.state.Store(uint32(StateIdle))
	return &c, nil
}

// SlogAttr implements [Service.SlogAttr].
func (c *client) SlogAttr() slog.Attr {
	return slog.String("client", c.name)
}

// State returns the current lifecycle state of the client.
func (c *client) State() State {
	return State(c.state.Load())
}

func (c *client) setState(s State) {
	c.state.Store(uint32(s))
}

// Start implements [Service.Start].
func (c *client) Start(ctx context.Context) error {
	dev, err := c.openDevice()
	if err != nil {
		return fmt.Errorf("failed to open TUN device: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)

	c.mu.Lock()
	c.dev = dev
	c.cancel = cancel
	c.mu.Unlock()

	logger := c.logger.WithAttrs(slog.String("device", dev.Name()))

	reader := deviceReader{
		logger:      logger,
		dev:         dev,
		pool:        c.pool,
		sendCh:      c.sendCh,
		done:        c.done,
		packetStart: c.packetStart,
		mtu:         c.mtu,
		onFatal: func(err error) {
			// The local interface is gone. Nothing left to tunnel.
			// Stop waits for the reader goroutine, so it must not be
			// called from it.
			go c.Stop()
		},
	}

	c.wg.Add(2)

	go func() {
		reader.run()
		c.wg.Done()
	}()

	go func() {
		c.run(ctx, logger, dev)
		c.wg.Done()
		// Release the device and its reader if the run loop ended on
		// its own, e.g. on a session abort.
		_ = c.Stop()
	}()

	logger.Info("Started service", slog.Int("mtu", c.mtu))
	return nil
}

// run drives the connection lifecycle:
//
//	Idle -> Connecting -> Established -> {Reconnecting | Closed}
//
// A lost connection transitions to Reconnecting with exponential
// backoff, capped at maxBackoff, retrying until stopped. Framing and
// crypto violations, and TUN device failures, stop the service.
func (c *client) run(ctx context.Context, logger *tslog.Logger, dev tun.Device) {
	defer c.setState(StateClosed)

	backoff := c.initialBackoff

	for {
		c.setState(StateConnecting)

		nc, err := c.dial(ctx)
		if err != nil {
			if c.isStopped() || ctx.Err() != nil {
				return
			}
			logger.Warn("Failed to connect to server",
				slog.Duration("backoff", backoff),
				tslog.Err(err),
			)
			if !c.wait(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)
			continue
		}

		c.mu.Lock()
		if isDone(c.done) {
			c.mu.Unlock()
			_ = nc.Close()
			return
		}
		c.conn = nc
		c.mu.Unlock()

		c.setState(StateEstablished)
		backoff = c.initialBackoff
		logger.Info("Tunnel established",
			slog.Any("localAddress", nc.LocalAddr()),
			slog.Any("remoteAddress", nc.RemoteAddr()),
		)

		s := session{
			logger:              logger,
			conn:                nc,
			dev:                 dev,
			handler:             c.handler,
			pool:                c.pool,
			sendCh:              c.sendCh,
			maxFramePayloadSize: c.maxFramePayloadSize,
			keepAliveInterval:   c.keepAliveInterval,
			idleTimeout:         c.idleTimeout,
		}
		result := s.run()

		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		_ = nc.Close()

		switch result.outcome {
		case outcomeShutdown:
			return

		case outcomeDisconnected:
			if c.disableReconnect {
				logger.Warn("Connection lost, reconnect disabled", tslog.Err(result.err))
				return
			}
			c.setState(StateReconnecting)
			logger.Warn("Connection lost, reconnecting",
				slog.Duration("backoff", backoff),
				tslog.Err(result.err),
			)
			if !c.wait(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, c.maxBackoff)

		case outcomeAbort:
			// Do not reconnect: the peer sent something the protocol
			// cannot account for, possibly a tampering attempt.
			logger.Error("Session aborted", tslog.Err(result.err))
			return

		case outcomeTunnelFatal:
			logger.Error("TUN device failed", tslog.Err(result.err))
			return
		}
	}
}

func (c *client) dial(ctx context.Context) (net.Conn, error) {
	return c.dialer.DialContext(ctx, "tcp", c.endpoint)
}

// wait sleeps for d, returning false if the service is stopped or the
// context is canceled before the wait elapses.
func (c *client) wait(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-c.done:
		return false
	case <-ctx.Done():
		return false
	}
}

func (c *client) isStopped() bool {
	return isDone(c.done)
}

// Stop implements [Service.Stop]. Closing the descriptors is the only
// cancellation primitive: any blocked read or write observes the
// resulting error on its next wait and returns.
func (c *client) Stop() error {
	c.mu.Lock()
	select {
	case <-c.done:
		c.mu.Unlock()
		return nil
	default:
	}
	close(c.done)
	nc := c.conn
	dev := c.dev
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if nc != nil {
		_ = nc.Close()
	}
	if dev != nil {
		_ = dev.Close()
	}

	c.wg.Wait()

	// Return queued packet buffers to the pool.
	for {
		select {
		case qp := <-c.sendCh:
			c.pool.Put(qp.buf)
		default:
			return nil
		}
	}
}
