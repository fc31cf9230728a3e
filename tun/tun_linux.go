package tun

import (
	"fmt"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

type device struct {
	*water.Interface
}

// Open creates and configures the TUN device described by the config:
// the interface is created, the address (if any) is assigned, the MTU
// is set, and the link is brought up.
//
// Route installation is left to the operator.
func (c *Config) Open() (Device, error) {
	if err := c.Check(); err != nil {
		return nil, err
	}

	ifce, err := water.New(water.Config{
		DeviceType: water.TUN,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name: c.Name,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TUN device %q: %w", c.Name, err)
	}

	if err = c.configureLink(ifce.Name()); err != nil {
		_ = ifce.Close()
		return nil, err
	}

	return &device{ifce}, nil
}

func (c *Config) configureLink(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("TUN device %q not found: %w", name, err)
	}

	if c.Address != "" {
		addr, err := netlink.ParseAddr(c.Address)
		if err != nil {
			return fmt.Errorf("bad TUN device address %q: %w", c.Address, err)
		}
		if err = netlink.AddrAdd(link, addr); err != nil {
			return fmt.Errorf("failed to assign %q to TUN device %q: %w", c.Address, name, err)
		}
	}

	if err = netlink.LinkSetMTU(link, c.MTU); err != nil {
		return fmt.Errorf("failed to set TUN device %q MTU to %d: %w", name, c.MTU, err)
	}

	if err = netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to bring TUN device %q up: %w", name, err)
	}

	return nil
}

// ReadPacket implements [Device.ReadPacket].
func (d *device) ReadPacket(b []byte) (int, error) {
	return d.Interface.Read(b)
}

// WritePacket implements [Device.WritePacket].
func (d *device) WritePacket(b []byte) error {
	n, err := d.Interface.Write(b)
	if err != nil {
		return err
	}
	if n != len(b) {
		return fmt.Errorf("%w: wrote %d of %d bytes", ErrShortWrite, n, len(b))
	}
	return nil
}
