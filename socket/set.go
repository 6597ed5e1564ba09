// Package socket holds the fixed-capacity table of protocol sockets polled by
// the network interface and serviced by the application loop.
package socket

import (
	"errors"
	"time"
)

var (
	// ErrSetFull is returned by Add when every slot is taken.
	ErrSetFull = errors.New("socket: set full")
	// ErrPayloadTooLarge is returned when a write does not fit the send buffer.
	// Writes are never truncated.
	ErrPayloadTooLarge = errors.New("socket: payload exceeds send buffer")
	// ErrNotEstablished is returned when writing to a socket with no connection.
	ErrNotEstablished = errors.New("socket: not established")
	// ErrPortInUse is returned by Listen when the socket is bound to another port.
	ErrPortInUse = errors.New("socket: already listening on another port")
)

// Socket is the service-facing view of a connection-oriented socket.
type Socket interface {
	// IsOpen reports whether the socket is listening or connected.
	IsOpen() bool
	// Listen starts accepting connections on port. Calling it again with the
	// same port while listening is a no-op.
	Listen(port uint16) error
	// CanSend reports whether a connection is established and has send space.
	CanSend() bool
	// Write queues b for sending in full or returns ErrPayloadTooLarge.
	Write(b []byte) (int, error)
	// Close gracefully closes the current connection.
	Close() error
}

// Ticker is implemented by sockets with timers driven by the poll timestamp.
type Ticker interface {
	Tick(now time.Time)
}

// SendCapacity returns the send buffer size of s, or -1 if s does not report one.
func SendCapacity(s Socket) int {
	if c, ok := s.(interface{ SendCapacity() int }); ok {
		return c.SendCapacity()
	}
	return -1
}

// Handle identifies a socket within a Set. Handles are stable for the Set lifetime.
type Handle uint8

// Set is a fixed-capacity table of sockets. Slots are filled at startup and
// never removed.
type Set struct {
	slots []Socket
	n     int
}

// NewSet returns a set with room for capacity sockets.
func NewSet(capacity int) *Set {
	return &Set{slots: make([]Socket, capacity)}
}

// Add registers s and returns its handle.
func (set *Set) Add(s Socket) (Handle, error) {
	if s == nil {
		return 0, errors.New("socket: nil socket")
	} else if set.n == len(set.slots) || set.n > 255 {
		return 0, ErrSetFull
	}
	h := Handle(set.n)
	set.slots[set.n] = s
	set.n++
	return h, nil
}

// Get returns the socket registered under h. It panics on a handle not issued by set.
func (set *Set) Get(h Handle) Socket {
	if int(h) >= set.n {
		panic("socket: invalid handle")
	}
	return set.slots[h]
}

// Len returns the number of registered sockets.
func (set *Set) Len() int { return set.n }

// Cap returns the fixed capacity of the set.
func (set *Set) Cap() int { return len(set.slots) }

// Tick advances socket timers.
func (set *Set) Tick(now time.Time) {
	for _, s := range set.slots[:set.n] {
		if t, ok := s.(Ticker); ok {
			t.Tick(now)
		}
	}
}
