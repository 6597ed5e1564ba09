package ethlink

import (
	"errors"
	"sync/atomic"
	"time"

	"github.com/soypat/lneto/phy"
)

// RMIISingle combines both receive and transmit capabilities for single-frame
// RMII operation. This interface is suitable for simple, non-concurrent
// Ethernet communication where frames are processed one at a time.
type RMIISingle interface {
	RMIIRxSingle
	RMIITxSingle
}

// RMIITxSingle defines the interface for transmitting Ethernet frames over
// RMII in single-frame mode.
type RMIITxSingle interface {
	// IsSending returns true if a frame transmission is currently in progress.
	IsSending() bool
	// SendFrame transmits a single Ethernet frame over RMII. The frame should
	// contain a complete Ethernet frame including FCS if the hardware does not
	// append it.
	SendFrame(frame []byte) error
}

// RMIIRxSingle defines the interface for receiving Ethernet frames over RMII
// in single-frame mode. After receiving a frame, the receiver stops listening
// until explicitly restarted.
type RMIIRxSingle interface {
	// StopRx stops the receiver and aborts any ongoing reception.
	StopRx() error
	// StartRxSingle enables asynchronous reception of a single frame.
	StartRxSingle() error
	// SetRxHandler configures the receive buffer and callback function
	// invoked with the portion of rxbuf containing the received frame.
	SetRxHandler(rxbuf []byte, callback func(buf []byte)) (err error)
	// InRx returns true if the receiver is actively listening for a frame.
	InRx() bool
}

// SingleFrameDriver adapts a callback-driven single-frame receiver into the
// synchronous [Driver] model. The receive callback only publishes the frame
// length; the frame is copied out and reception re-armed on the next Receive.
type SingleFrameDriver struct {
	dev   RMIISingle
	rxbuf []byte
	rxgot atomic.Int32
	// TxTimeout bounds how long Transmit waits for a previous frame to leave.
	TxTimeout time.Duration
}

// NewSingleFrameDriver registers rxbuf as the DMA receive buffer of dev and
// starts reception. rxbuf is owned by the driver from then on.
func NewSingleFrameDriver(dev RMIISingle, rxbuf []byte) (*SingleFrameDriver, error) {
	if len(rxbuf) == 0 {
		return nil, errors.New("ethlink: empty rx buffer")
	}
	d := &SingleFrameDriver{
		dev:       dev,
		rxbuf:     rxbuf,
		TxTimeout: 10 * time.Millisecond,
	}
	err := dev.SetRxHandler(rxbuf, func(buf []byte) {
		d.rxgot.Store(int32(len(buf)))
	})
	if err != nil {
		return nil, err
	}
	err = dev.StartRxSingle()
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Receive implements [Driver].
func (d *SingleFrameDriver) Receive(dst []byte) (int, error) {
	n := int(d.rxgot.Swap(0)) // Reset before processing to avoid reprocessing.
	if n == 0 {
		return 0, nil
	}
	var err error
	if n > len(dst) {
		n, err = 0, ErrFrameTooLarge
	} else {
		copy(dst, d.rxbuf[:n])
	}
	// Immediately start another receive, frame is already copied out.
	rxerr := d.dev.StartRxSingle()
	if err == nil {
		err = rxerr
	}
	return n, err
}

// Transmit implements [Driver].
func (d *SingleFrameDriver) Transmit(frame []byte) error {
	if d.dev.IsSending() {
		deadline := time.Now().Add(d.TxTimeout)
		for d.dev.IsSending() {
			if time.Now().After(deadline) {
				return ErrTxBusy
			}
		}
	}
	return d.dev.SendFrame(frame)
}

// Handle is the link driver handle for an MDIO-managed PHY behind a
// single-frame RMII MAC: it owns the PHY management state and the frame driver.
type Handle struct {
	PHY
	*SingleFrameDriver
}

// Configure resets the PHY and starts single-frame reception on rmii.
func (h *Handle) Configure(mdio phy.MDIOBus, rmii RMIISingle, rxbuf []byte, cfg PHYConfig) error {
	err := h.PHY.Configure(mdio, cfg)
	if err != nil {
		return err
	}
	h.SingleFrameDriver, err = NewSingleFrameDriver(rmii, rxbuf)
	return err
}
