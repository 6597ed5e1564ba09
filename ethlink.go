// Package ethlink bridges frame-oriented Ethernet link drivers to the
// packet-token device model expected by a polled network stack.
//
// A link driver (an SPI-attached MAC such as the ENC28J60, an RMII PHY such as
// the LAN8720 or a host TAP device) moves whole frames synchronously and may
// fail on any transaction. The [Adapter] owns a single fixed packet buffer and
// lends it out as one [RxToken] or [TxToken] at a time, so no frame is ever
// allocated on the receive or transmit path.
package ethlink

import "errors"

const (
	// MTU is the IP maximum transmission unit the stack is configured with.
	MTU = 1500
	// MaxFrameSize is the largest Ethernet frame including header and FCS.
	MaxFrameSize = MTU + 14 + 4
	// ethHeaderLen is the Ethernet II header length without VLAN tags.
	ethHeaderLen = 14
)

var (
	// ErrBufferBusy is returned when a token is requested while another token
	// still holds the packet buffer.
	ErrBufferBusy = errors.New("ethlink: packet buffer in use by outstanding token")
	// ErrFrameTooLarge is returned when a transmit request exceeds the packet
	// buffer capacity or a received frame does not fit in it.
	ErrFrameTooLarge = errors.New("ethlink: frame exceeds packet buffer capacity")
	// ErrInvalidSize is returned for negative transmit sizes.
	ErrInvalidSize = errors.New("ethlink: invalid frame size")
	// ErrTokenSpent is returned when a token is used after Consume or Release.
	ErrTokenSpent = errors.New("ethlink: token already spent")
	// ErrTxBusy is returned by drivers whose transmitter did not become idle in time.
	ErrTxBusy = errors.New("ethlink: transmitter busy")
)

// Driver is the link driver handle the [Adapter] borrows for each token.
// Implementations are not re-entrant and have a single owner.
type Driver interface {
	// Receive copies the next pending inbound frame into dst and returns its
	// length. It returns 0 and a nil error when no frame is waiting. It must
	// not block waiting for a frame.
	Receive(dst []byte) (int, error)
	// Transmit sends a complete Ethernet frame.
	Transmit(frame []byte) error
}
