package ethlink

import (
	"errors"
	"time"

	"github.com/soypat/lneto/phy"
)

// PHYConfig holds the configuration parameters for resetting and
// autonegotiating an MDIO-managed Ethernet PHY.
type PHYConfig struct {
	// PHYAddr is the MDIO address of the PHY. Most LAN8720 breakout boards
	// use address 1 by default, but this can vary based on hardware strapping.
	// Valid range is 0-31.
	PHYAddr uint8
	// Advertisement is the autonegotiation mode.
	Advertisement phy.ANAR
}

// PHY represents an MDIO-managed Ethernet PHY such as the LAN8720.
// Use Configure to run the reset sequence before use.
type PHY struct {
	phy.Device
}

// Configure resets the PHY over the given MDIO bus and starts autonegotiation.
// An error here is an initialization failure: the link cannot be brought up.
func (d *PHY) Configure(mdio phy.MDIOBus, cfg PHYConfig) (err error) {
	if cfg.Advertisement == 0 {
		return errors.New("invalid advertisement")
	} else if cfg.PHYAddr > 31 {
		return errors.New("invalid PHY address")
	}
	p := &d.Device
	p.ConfigureAs22(mdio, cfg.PHYAddr)
	err = p.ResetPHY()
	if err != nil {
		return err
	}
	err = p.SetAdvertisement(cfg.Advertisement)
	if err != nil {
		return err
	}
	err = p.EnableAutoNegotiation(true)
	if err != nil {
		return err
	}
	return nil
}

// WaitAutoNegotiation waits for auto-negotiation to complete and link to establish.
// On success returns the negotiated link mode.
//
// It is suggested the timeout be at least 2 seconds to give LAN8720 enough time to autonegotiate.
func (d *PHY) WaitAutoNegotiation(timeout time.Duration) (phy.LinkMode, error) {
	deadline := time.Now().Add(timeout)
	linkUp, err := d.Device.WaitForLinkWithDeadline(deadline)
	if err != nil {
		return phy.LinkDown, err
	}
	if !linkUp {
		return phy.LinkDown, errors.New("auto-negotiation timeout")
	}
	return d.Device.NegotiatedLink()
}
