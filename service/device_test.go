package service

import (
	"net"
	"slices"
	"sync"

	"github.com/database64128/sptun-go/tun"
)

// pipeDevice is an in-memory [tun.Device] backed by channels.
// Packets sent to in are returned by ReadPacket, and packets passed to
// WritePacket are delivered on out.
type pipeDevice struct {
	name      string
	in        chan []byte
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newPipeDevice(name string) *pipeDevice {
	return &pipeDevice{
		name: name,
		in:   make(chan []byte),
		out:  make(chan []byte, 1024),
		done: make(chan struct{}),
	}
}

func (d *pipeDevice) Name() string {
	return d.name
}

func (d *pipeDevice) ReadPacket(b []byte) (int, error) {
	select {
	case pkt := <-d.in:
		if len(pkt) > len(b) {
			return 0, tun.ErrShortWrite
		}
		return copy(b, pkt), nil
	case <-d.done:
		return 0, net.ErrClosed
	}
}

func (d *pipeDevice) WritePacket(b []byte) error {
	select {
	case d.out <- slices.Clone(b):
		return nil
	case <-d.done:
		return net.ErrClosed
	}
}

func (d *pipeDevice) Close() error {
	d.closeOnce.Do(func() {
		close(d.done)
	})
	return nil
}

// inject queues a packet for the next ReadPacket call, returning false
// if the device has been closed.
func (d *pipeDevice) inject(pkt []byte) bool {
	select {
	case d.in <- pkt:
		return true
	case <-d.done:
		return false
	}
}
