//go:build linux

package tapdev

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/songgao/water"
	"github.com/vishvananda/netlink"
)

type deadlineReader interface {
	SetReadDeadline(t time.Time) error
}

// Device is a Linux TAP device. Frames are exchanged without FCS.
type Device struct {
	ifce    *water.Interface
	rd      deadlineReader
	timeout time.Duration
}

// Open creates or attaches to the TAP device, assigns the host address and
// brings the link up.
func Open(cfg Config) (*Device, error) {
	err := cfg.validate()
	if err != nil {
		return nil, err
	}
	persist := cfg.Persist
	nl, err := netlink.LinkByName(cfg.Name)
	nle := netlink.LinkNotFoundError{}
	if err == nil {
		persist = true // Existing device outlives us.
	} else if cfg.Name != "" && !errors.As(err, &nle) {
		return nil, fmt.Errorf("error accessing tap device: %w", err)
	}
	ifce, err := water.New(water.Config{
		DeviceType: water.TAP,
		PlatformSpecificParams: water.PlatformSpecificParams{
			Name:    cfg.Name,
			Persist: persist,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("error opening tap interface: %w", err)
	}
	success := false
	defer func() {
		if !success {
			_ = ifce.Close()
		}
	}()
	rd, ok := ifce.ReadWriteCloser.(deadlineReader)
	if !ok {
		return nil, errors.New("tapdev: tap file does not support read deadlines")
	}
	// Blocking descriptors return os.ErrNoDeadline here.
	err = rd.SetReadDeadline(time.Time{})
	if err != nil {
		return nil, fmt.Errorf("tapdev: %w", err)
	}
	if nl == nil {
		nl, err = netlink.LinkByName(ifce.Name())
		if err != nil {
			return nil, fmt.Errorf("error accessing tap device: %w", err)
		}
	}
	err = setupLink(nl, cfg)
	if err != nil {
		return nil, err
	}
	success = true
	return &Device{ifce: ifce, rd: rd, timeout: cfg.PollTimeout}, nil
}

func setupLink(nl netlink.Link, cfg Config) error {
	addrs, err := netlink.AddrList(nl, netlink.FAMILY_V4)
	if err != nil {
		return fmt.Errorf("error listing addresses of tap device: %w", err)
	}
	want, err := netlink.ParseAddr(cfg.HostAddress.String())
	if err != nil {
		return fmt.Errorf("error parsing host address: %w", err)
	}
	found := false
	for _, addr := range addrs {
		if addr.IP.Equal(want.IP) && addr.Mask.String() == want.Mask.String() {
			found = true
			break
		}
	}
	if !found {
		err = netlink.AddrAdd(nl, want)
		if err != nil {
			return fmt.Errorf("error setting tap device address: %w", err)
		}
	}
	if nl.Attrs().MTU != cfg.MTU {
		err = netlink.LinkSetMTU(nl, cfg.MTU)
		if err != nil {
			return fmt.Errorf("error setting tap interface MTU to %d: %w", cfg.MTU, err)
		}
	}
	if nl.Attrs().Flags&net.FlagUp == 0 {
		err = netlink.LinkSetUp(nl)
		if err != nil {
			return fmt.Errorf("error activating tap device: %w", err)
		}
	}
	return nil
}

// Name returns the kernel name of the device.
func (d *Device) Name() string { return d.ifce.Name() }

// Receive implements [ethlink.Driver]. It waits up to the poll timeout for a
// frame and returns 0 when none arrived.
func (d *Device) Receive(dst []byte) (int, error) {
	err := d.rd.SetReadDeadline(time.Now().Add(d.timeout))
	if err != nil {
		return 0, err
	}
	n, err := d.ifce.Read(dst)
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return 0, nil
	}
	return n, err
}

// Transmit implements [ethlink.Driver].
func (d *Device) Transmit(frame []byte) error {
	n, err := d.ifce.Write(frame)
	if err != nil {
		return err
	}
	if n != len(frame) {
		return fmt.Errorf("tap device only wrote %d bytes of %d", n, len(frame))
	}
	return nil
}

func (d *Device) Close() error { return d.ifce.Close() }
