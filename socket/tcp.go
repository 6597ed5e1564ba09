package socket

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

// Registrar attaches listeners to a network stack. Implemented by *xnet.StackAsync.
type Registrar interface {
	RegisterListener(*tcp.Listener) error
}

// TCPConfig sizes the pre-allocated buffers of a TCPSocket.
type TCPConfig struct {
	// RxBufSize is the receive ring buffer size in bytes.
	RxBufSize int
	// TxBufSize is the send ring buffer size in bytes. Writes larger than this fail.
	TxBufSize int
	// QueueSize is the number of outgoing segments queued per connection.
	QueueSize          int
	EstablishedTimeout time.Duration
	ClosingTimeout     time.Duration
	Logger             *slog.Logger
}

// TCPSocket is a single-connection TCP server socket backed by an lneto
// listener and a one-slot connection pool. All buffers are allocated in
// NewTCPSocket.
type TCPSocket struct {
	stack    Registrar
	listener tcp.Listener
	conn     *tcp.Conn
	log      *slog.Logger
	// resetListener and checkTimeouts are bound to the connection pool.
	resetListener func(port uint16) error
	checkTimeouts func()
	port          uint16
	listening     bool
	txcap         int
	// now is the poll time of the last Tick. It clocks pool timeouts.
	now time.Time
}

// NewTCPSocket allocates the connection pool for a socket whose listener will
// be registered with stack on the first Listen call.
func NewTCPSocket(stack Registrar, cfg TCPConfig) (*TCPSocket, error) {
	if stack == nil {
		return nil, errors.New("socket: nil registrar")
	} else if cfg.RxBufSize <= 0 || cfg.TxBufSize <= 0 {
		return nil, errors.New("socket: invalid buffer size")
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 3
	}
	if cfg.EstablishedTimeout <= 0 {
		cfg.EstablishedTimeout = 5 * time.Second
	}
	if cfg.ClosingTimeout <= 0 {
		cfg.ClosingTimeout = 5 * time.Second
	}
	s := &TCPSocket{
		stack: stack,
		log:   cfg.Logger,
		txcap: cfg.TxBufSize,
	}
	pool, err := xnet.NewTCPPool(xnet.TCPPoolConfig{
		PoolSize:           1,
		QueueSize:          cfg.QueueSize,
		TxBufSize:          cfg.TxBufSize,
		RxBufSize:          cfg.RxBufSize,
		EstablishedTimeout: cfg.EstablishedTimeout,
		ClosingTimeout:     cfg.ClosingTimeout,
		Logger:             cfg.Logger,
		Now:                s.clock,
		NewUserData:        func() any { return nil },
	})
	if err != nil {
		return nil, err
	}
	s.resetListener = func(port uint16) error {
		return s.listener.Reset(port, pool)
	}
	s.checkTimeouts = func() {
		pool.CheckTimeouts()
	}
	return s, nil
}

// IsOpen implements [Socket].
func (s *TCPSocket) IsOpen() bool { return s.listening || s.conn != nil }

// Port returns the port the socket listens on, 0 if not listening.
func (s *TCPSocket) Port() uint16 { return s.port }

// SendCapacity returns the send buffer size.
func (s *TCPSocket) SendCapacity() int { return s.txcap }

// Listen implements [Socket]. The listener stays registered with the stack
// across connections, so one successful call is enough.
func (s *TCPSocket) Listen(port uint16) error {
	if s.listening {
		if port == s.port {
			return nil
		}
		return ErrPortInUse
	} else if port == 0 {
		return errors.New("socket: invalid port 0")
	}
	err := s.resetListener(port)
	if err != nil {
		return err
	}
	err = s.stack.RegisterListener(&s.listener)
	if err != nil {
		return err
	}
	s.port = port
	s.listening = true
	return nil
}

// CanSend implements [Socket]. It accepts a pending connection if none is held.
func (s *TCPSocket) CanSend() bool {
	s.tryAccept()
	if s.conn == nil {
		return false
	}
	switch s.conn.State() {
	case tcp.StateEstablished, tcp.StateCloseWait:
		return true
	}
	return false
}

func (s *TCPSocket) tryAccept() {
	if s.conn != nil {
		if s.conn.State() == tcp.StateClosed {
			// Peer reset before we answered.
			s.conn.Close()
			s.conn = nil
		}
		return
	}
	if !s.listening || s.listener.NumberOfReadyToAccept() == 0 {
		return
	}
	conn, _, err := s.listener.TryAccept()
	if err != nil {
		s.logerr("tcp:accept", slog.String("err", err.Error()))
		return
	}
	s.conn = conn
}

// Write implements [Socket].
func (s *TCPSocket) Write(b []byte) (int, error) {
	if s.conn == nil {
		return 0, ErrNotEstablished
	} else if len(b) > s.txcap {
		return 0, ErrPayloadTooLarge
	}
	n, err := s.conn.Write(b)
	if err == nil && n < len(b) {
		err = ErrPayloadTooLarge
	}
	return n, err
}

// Close implements [Socket]. The listener keeps accepting new connections.
func (s *TCPSocket) Close() error {
	if s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	s.conn = nil
	return err
}

// Tick implements [Ticker] by expiring stale pooled connections against now.
func (s *TCPSocket) Tick(now time.Time) {
	s.now = now
	s.checkTimeouts()
}

// clock returns the last tick time. Before the first tick it falls back to
// the wall clock.
func (s *TCPSocket) clock() time.Time {
	if s.now.IsZero() {
		return time.Now()
	}
	return s.now
}

func (s *TCPSocket) logerr(msg string, attrs ...slog.Attr) {
	if s.log != nil {
		s.log.LogAttrs(context.Background(), slog.LevelError, msg, attrs...)
	}
}
