// Package tapdev exposes a host TAP device as an [ethlink.Driver] so the
// stack can be exercised from a Linux host.
package tapdev

import (
	"errors"
	"net/netip"
	"time"

	"github.com/soypat/ethlink"
)

var ErrNotImplemented = errors.New("tapdev: not implemented on this platform")

// Config configures the TAP device.
type Config struct {
	// Name of the TAP device. Created if it does not exist.
	Name string
	// HostAddress is assigned to the host side of the link.
	HostAddress netip.Prefix
	// PollTimeout bounds how long Receive waits for a frame.
	PollTimeout time.Duration
	// MTU of the host side of the link. Defaults to ethlink.MTU.
	MTU int
	// Persist keeps the device after the process exits.
	Persist bool
}

func (cfg *Config) validate() error {
	if !cfg.HostAddress.IsValid() || !cfg.HostAddress.Addr().Is4() {
		return errors.New("tapdev: host address must be an IPv4 prefix")
	} else if cfg.PollTimeout <= 0 {
		return errors.New("tapdev: poll timeout must be positive")
	} else if cfg.MTU < 0 || cfg.MTU > ethlink.MTU {
		return errors.New("tapdev: MTU out of range")
	}
	if cfg.MTU == 0 {
		cfg.MTU = ethlink.MTU
	}
	return nil
}
