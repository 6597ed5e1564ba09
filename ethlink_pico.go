//go:build rp2040 || rp2350

package ethlink

import (
	"errors"
	"machine"
	"time"

	"github.com/soypat/lneto/phy"
	pio "github.com/tinygo-org/pio/rp2-pio"
	"github.com/tinygo-org/pio/rp2-pio/piolib"
)

// PicoConfig holds configuration for creating a LAN8720 link handle on RP2040/RP2350.
type PicoConfig struct {
	// PIO is the PIO peripheral to use for RMII state machines.
	// Use pio.PIO0 or pio.PIO1.
	PIO       *pio.PIO
	PHYConfig PHYConfig
	// MDC is the MDIO clock pin.
	MDC machine.Pin
	// MDIO is the MDIO data pin.
	MDIO machine.Pin
	// TxConfig configures the RMII transmit path.
	TxConfig piolib.RMIITxConfig
	// RxConfig configures the RMII receive path.
	RxConfig piolib.RMIIRxConfig
	// RxBuffer is the DMA receive buffer, at least MaxFrameSize long.
	RxBuffer []byte
}

// picoRMIISingle adapts piolib.RMIITx and piolib.RMIIRx to the RMIISingle interface.
type picoRMIISingle struct {
	tx piolib.RMIITx
	rx piolib.RMIIRx
}

func (p *picoRMIISingle) IsSending() bool { return p.tx.IsSending() }

func (p *picoRMIISingle) SendFrame(frame []byte) error { return p.tx.SendFrame(frame) }

func (p *picoRMIISingle) StopRx() error { return p.rx.StopRx() }

func (p *picoRMIISingle) StartRxSingle() error { return p.rx.StartRx() }

func (p *picoRMIISingle) SetRxHandler(rxbuf []byte, callback func(buf []byte)) error {
	return p.rx.SetRxIRQHandler(rxbuf, callback)
}

func (p *picoRMIISingle) InRx() bool { return p.rx.InRx() }

// NewPicoHandle creates and configures a link Handle for RP2040/RP2350.
// It sets up MDIO bit-bang communication for PHY management and PIO-based
// RMII state machines for frame transmission and reception.
func NewPicoHandle(cfg PicoConfig) (*Handle, error) {
	if rmiiPinsAliased(uint8(cfg.MDC), uint8(cfg.MDIO), uint8(cfg.TxConfig.TxBase), uint8(cfg.RxConfig.RxBase)) {
		return nil, errors.New("aliased pins, check pin definitions")
	}
	if len(cfg.RxBuffer) < MaxFrameSize {
		return nil, errors.New("rx buffer smaller than max frame size")
	}
	mdio := makeMDIO(cfg.MDC, cfg.MDIO)

	rmii := &picoRMIISingle{}
	err := rmii.rx.Configure(cfg.PIO, cfg.RxConfig)
	if err != nil {
		return nil, err
	}
	err = rmii.tx.Configure(cfg.PIO, cfg.TxConfig)
	if err != nil {
		return nil, err
	}

	var h Handle
	err = h.Configure(mdio, rmii, cfg.RxBuffer, cfg.PHYConfig)
	if err != nil {
		return nil, err
	}
	return &h, nil
}

// makeMDIO sets up MDIO bit-bang interface for PHY register access.
func makeMDIO(pinMDC, pinMDIO machine.Pin) *phy.MDIOBitBang {
	const mdioDelay = 340 * time.Nanosecond // IEEE 802.3 MDIO max turnaround time

	pinMDIO.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
	pinMDC.Configure(machine.PinConfig{Mode: machine.PinOutput})
	pinMDC.Low()

	var bus phy.MDIOBitBang
	bus.Configure(
		func(outBit bool) {
			if outBit {
				pinMDIO.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
			} else {
				pinMDIO.Low()
				pinMDIO.Configure(machine.PinConfig{Mode: machine.PinOutput})
			}
			time.Sleep(mdioDelay)
			pinMDC.High()
			time.Sleep(mdioDelay)
			pinMDC.Low()
		},
		func() bool {
			time.Sleep(mdioDelay)
			pinMDC.High()
			time.Sleep(mdioDelay)
			pinMDC.Low()
			return pinMDIO.Get()
		},
		func(setOut bool) {
			if setOut {
				pinMDIO.Configure(machine.PinConfig{Mode: machine.PinInputPullup})
			} else {
				pinMDIO.Configure(machine.PinConfig{Mode: machine.PinInput})
			}
		},
	)
	return &bus
}
