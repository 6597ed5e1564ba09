package ethlink

import (
	"errors"
	"fmt"
)

// ChecksumCaps reports which checksums the link computes in hardware.
// A false field means the stack must compute that checksum itself.
type ChecksumCaps struct {
	IPv4 bool
	TCP  bool
	UDP  bool
	ICMP bool
}

// Capabilities is the static descriptor of an [Adapter].
type Capabilities struct {
	// MaxTransmissionUnit is the largest IP packet that fits the packet buffer.
	MaxTransmissionUnit int
	// MaxBurstSize is the number of frames the link can queue per direction.
	// The single packet buffer always yields 1.
	MaxBurstSize int
	Checksum     ChecksumCaps
}

type bufState uint8

const (
	bufIdle bufState = iota
	bufRx
	bufTx
)

// Adapter implements the receive/transmit token model on top of a [Driver]
// and a single packet buffer. At most one token is outstanding at a time.
// The zero value is not usable, create one with [NewAdapter].
type Adapter struct {
	drv   Driver
	buf   []byte
	state bufState
	// gen is bumped every time the buffer is lent out so stale tokens can be told apart.
	gen  uint32
	caps Capabilities
}

// NewAdapter returns an adapter that owns buf for its whole lifetime.
// buf must be able to hold at least an Ethernet header.
func NewAdapter(drv Driver, buf []byte) (*Adapter, error) {
	if drv == nil {
		return nil, errors.New("ethlink: nil driver")
	}
	if len(buf) <= ethHeaderLen {
		return nil, errors.New("ethlink: packet buffer too small")
	}
	a := &Adapter{
		drv: drv,
		buf: buf,
		caps: Capabilities{
			MaxTransmissionUnit: min(len(buf)-ethHeaderLen, MTU),
			MaxBurstSize:        1,
		},
	}
	return a, nil
}

// Capabilities returns the static device descriptor.
func (a *Adapter) Capabilities() Capabilities { return a.caps }

// Capacity returns the packet buffer size in bytes.
func (a *Adapter) Capacity() int { return len(a.buf) }

// Outstanding reports whether a token currently holds the packet buffer.
func (a *Adapter) Outstanding() bool { return a.state != bufIdle }

// Receive attempts to fetch one pending frame into the packet buffer.
// It returns ok=false and a nil error when no frame is waiting.
// Driver errors are returned wrapped and never retried here.
func (a *Adapter) Receive() (tok RxToken, ok bool, err error) {
	if a.state != bufIdle {
		return RxToken{}, false, ErrBufferBusy
	}
	n, err := a.drv.Receive(a.buf)
	if err != nil {
		return RxToken{}, false, fmt.Errorf("ethlink: receive: %w", err)
	} else if n == 0 {
		return RxToken{}, false, nil
	} else if n > len(a.buf) {
		return RxToken{}, false, ErrFrameTooLarge
	}
	a.state = bufRx
	a.gen++
	return RxToken{a: a, gen: a.gen, n: n}, true, nil
}

// Transmit reserves the packet buffer for an outgoing frame of at most size bytes.
// Requests larger than [Adapter.Capacity] fail with [ErrFrameTooLarge] and leave
// the buffer untouched.
func (a *Adapter) Transmit(size int) (TxToken, error) {
	if size < 0 {
		return TxToken{}, ErrInvalidSize
	} else if size > len(a.buf) {
		return TxToken{}, ErrFrameTooLarge
	} else if a.state != bufIdle {
		return TxToken{}, ErrBufferBusy
	}
	a.state = bufTx
	a.gen++
	return TxToken{a: a, gen: a.gen, size: size}, nil
}

func (a *Adapter) owns(gen uint32, state bufState) bool {
	return a != nil && a.state == state && a.gen == gen
}

func (a *Adapter) free() { a.state = bufIdle }

// RxToken grants read access to one received frame in the packet buffer.
type RxToken struct {
	a   *Adapter
	gen uint32
	n   int
}

// Len returns the received frame length.
func (t RxToken) Len() int { return t.n }

// Consume calls fn with the received frame and then frees the packet buffer.
// The frame slice must not be retained after fn returns.
func (t RxToken) Consume(fn func(frame []byte) error) error {
	if !t.a.owns(t.gen, bufRx) {
		return ErrTokenSpent
	}
	defer t.a.free()
	return fn(t.a.buf[:t.n])
}

// Release frees the packet buffer without reading the frame.
func (t RxToken) Release() {
	if t.a.owns(t.gen, bufRx) {
		t.a.free()
	}
}

// TxToken grants write access to the packet buffer for one outgoing frame.
type TxToken struct {
	a    *Adapter
	gen  uint32
	size int
}

// Size returns the number of bytes reserved for the frame.
func (t TxToken) Size() int { return t.size }

// Consume calls fn with the reserved region. fn returns the frame length it
// wrote; a positive length is handed to the driver, zero sends nothing.
// The packet buffer is freed whatever the outcome.
func (t TxToken) Consume(fn func(buf []byte) (int, error)) error {
	if !t.a.owns(t.gen, bufTx) {
		return ErrTokenSpent
	}
	defer t.a.free()
	n, err := fn(t.a.buf[:t.size])
	if err != nil {
		return err
	} else if n < 0 || n > t.size {
		return ErrInvalidSize
	} else if n == 0 {
		return nil
	}
	err = t.a.drv.Transmit(t.a.buf[:n])
	if err != nil {
		return fmt.Errorf("ethlink: transmit: %w", err)
	}
	return nil
}

// Release frees the packet buffer without sending anything.
func (t TxToken) Release() {
	if t.a.owns(t.gen, bufTx) {
		t.a.free()
	}
}
