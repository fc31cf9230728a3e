// Package service consists of encapsulations that combine a TUN device,
// a frame codec and a packet handler to provide packet tunnel service
// over a stream transport.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unsafe"

	"github.com/database64128/sptun-go/frame"
	"github.com/database64128/sptun-go/packet"
	"github.com/database64128/sptun-go/pprof"
	"github.com/database64128/sptun-go/tslog"
)

const (
	// defaultMTU is the default TUN device MTU.
	defaultMTU = 1500

	// minimumMTU is the minimum allowed TUN device MTU.
	// Going lower than the IPv4 minimum reassembly buffer size breaks
	// most traffic.
	minimumMTU = 576

	// defaultSendChannelCapacity is the default capacity of a tunnel's
	// uplink send channel.
	defaultSendChannelCapacity = 256

	// defaultDialTimeout is the default timeout for connecting
	// to the server.
	defaultDialTimeout = 10 * time.Second

	// defaultInitialBackoff is the default wait before the first
	// reconnect attempt. Subsequent waits double up to the maximum.
	defaultInitialBackoff = 1 * time.Second

	// defaultMaxBackoff is the default cap on the reconnect wait.
	defaultMaxBackoff = 8 * time.Second
)

var (
	ErrMTUTooSmall = errors.New("MTU must be at least 576")
	ErrMTUTooBig   = errors.New("MTU makes frames exceed the maximum frame payload size")
)

// Service is implemented by encapsulations that provide sptun service
// over a TUN device and a stream transport.
type Service interface {
	// SlogAttr returns a [slog.Attr] that identifies the service.
	SlogAttr() slog.Attr

	// Start starts the service.
	Start(ctx context.Context) error

	// Stop stops the service.
	Stop() error
}

// Config stores the configuration for a collection of sptun services.
// It may be marshaled as or unmarshaled from JSON.
type Config struct {
	Servers []ServerConfig `json:"servers,omitzero"`
	Clients []ClientConfig `json:"clients,omitzero"`
	Pprof   pprof.Config   `json:"pprof,omitzero"`
}

// Manager initializes the service manager.
func (sc *Config) Manager(logger *tslog.Logger) (*Manager, error) {
	if len(sc.Servers)+len(sc.Clients) == 0 {
		return nil, errors.New("no services to start")
	}

	services := make([]Service, 0, 1+len(sc.Servers)+len(sc.Clients))

	if sc.Pprof.Enabled {
		services = append(services, sc.Pprof.NewService(logger))
	}

	for i := range sc.Servers {
		s, err := sc.Servers[i].Server(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create server service %q: %w", sc.Servers[i].Name, err)
		}
		services = append(services, s)
	}

	for i := range sc.Clients {
		c, err := sc.Clients[i].Client(logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create client service %q: %w", sc.Clients[i].Name, err)
		}
		services = append(services, c)
	}

	return &Manager{services, logger}, nil
}

// Manager manages the services.
type Manager struct {
	services []Service
	logger   *tslog.Logger
}

// Start starts all configured services.
func (m *Manager) Start(ctx context.Context) error {
	for _, s := range m.services {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("failed to start service: %w", err)
		}
	}
	return nil
}

// Stop stops all running services.
func (m *Manager) Stop() {
	for _, s := range m.services {
		if err := s.Stop(); err != nil {
			m.logger.Warn("Failed to stop service", s.SlogAttr(), tslog.Err(err))
			continue
		}
		m.logger.Info("Stopped service", s.SlogAttr())
	}
}

func newPacketHandler(cipher string, psk []byte) (packet.Handler, error) {
	switch cipher {
	case "", "xchacha20-poly1305":
		return packet.NewXChaCha20Poly1305Handler(psk)
	case "aes-256-gcm":
		return packet.NewAES256GCMHandler(psk)
	default:
		return nil, fmt.Errorf("unknown cipher: %s", cipher)
	}
}

// checkMTU validates the MTU against the frame payload size limit
// for the given handler.
func checkMTU(mtu int, handler packet.Handler) error {
	if mtu < minimumMTU {
		return ErrMTUTooSmall
	}
	headroom := handler.Headroom()
	if mtu+headroom.Front+headroom.Rear > frame.MaxPayloadSize {
		return ErrMTUTooBig
	}
	return nil
}

// maxFramePayloadSizeFromMTU returns the size of the largest frame payload
// the given handler can produce for a packet of at most mtu bytes.
func maxFramePayloadSizeFromMTU(mtu int, handler packet.Handler) int {
	headroom := handler.Headroom()
	return mtu + headroom.Front + headroom.Rear
}

// queuedPacket is the structure used by send channels to queue packets
// for sending.
//
// The packet occupies buf[packetStart : packetStart+length], where
// packetStart leaves room in front for the frame header and the
// handler's front headroom, so the packet can be sealed and framed
// in place.
type queuedPacket struct {
	buf    []byte
	length int
}

// packetBufPool is a pool of fixed-size packet buffers.
type packetBufPool struct {
	size int
	pool sync.Pool
}

func newPacketBufPool(size int) *packetBufPool {
	p := packetBufPool{size: size}
	p.pool.New = func() any {
		b := make([]byte, p.size)
		return unsafe.SliceData(b)
	}
	return &p
}

func (p *packetBufPool) Get() []byte {
	return unsafe.Slice(p.pool.Get().(*byte), p.size)
}

func (p *packetBufPool) Put(b []byte) {
	if cap(b) < p.size {
		panic("packetBufPool: put buffer is smaller than pool size")
	}
	p.pool.Put(unsafe.SliceData(b[:p.size]))
}
