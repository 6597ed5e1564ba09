// Package service runs the poll loop: it polls the network interface and then
// answers every connection on the service socket with a one-shot status
// response before closing it.
package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/soypat/ethlink/netif"
	"github.com/soypat/ethlink/socket"
)

const responsePrefix = "HTTP/1.1 200 OK\r\n\r\nLED is currently: "

// MaxResponseLen is the length of the longest response the server writes.
const MaxResponseLen = len(responsePrefix) + len("off\n")

// AppendResponse appends the status response for the given indicator state to dst.
func AppendResponse(dst []byte, on bool) []byte {
	dst = append(dst, responsePrefix...)
	if on {
		dst = append(dst, "on"...)
	} else {
		dst = append(dst, "off"...)
	}
	return append(dst, '\n')
}

// Poller is the network interface driven by the loop. Implemented by *netif.Interface.
type Poller interface {
	Poll(now time.Time, dev netif.Device, sockets *socket.Set) (bool, error)
}

// Config wires a Server.
type Config struct {
	Interface Poller
	Device    netif.Device
	Sockets   *socket.Set
	// Handle selects the service socket within Sockets.
	Handle socket.Handle
	// Port is the TCP port the service socket listens on.
	Port      uint16
	Indicator Indicator
	Logger    *slog.Logger
	// IdleSleep is slept after an iteration that moved no frames. Zero busy-polls.
	IdleSleep time.Duration
	// Clock supplies the poll timestamp. Defaults to time.Now.
	Clock func() time.Time
}

// Server owns the interface, device and socket set for the lifetime of the loop.
// It is not safe for concurrent use.
type Server struct {
	iface     Poller
	dev       netif.Device
	sockets   *socket.Set
	handle    socket.Handle
	port      uint16
	ind       Indicator
	log       *slog.Logger
	idleSleep time.Duration
	clock     func() time.Time
	responses uint64
	scratch   [MaxResponseLen]byte
}

// New validates cfg and returns a Server ready to Run.
func New(cfg Config) (*Server, error) {
	if cfg.Interface == nil || cfg.Device == nil || cfg.Sockets == nil {
		return nil, errors.New("service: interface, device and sockets required")
	} else if int(cfg.Handle) >= cfg.Sockets.Len() {
		return nil, errors.New("service: socket handle not in set")
	} else if cfg.Port == 0 {
		return nil, errors.New("service: port required")
	}
	sock := cfg.Sockets.Get(cfg.Handle)
	if c := socket.SendCapacity(sock); c >= 0 && c < MaxResponseLen {
		return nil, errors.New("service: socket send buffer smaller than response")
	}
	if cfg.Indicator == nil {
		cfg.Indicator = &SoftIndicator{}
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &Server{
		iface:     cfg.Interface,
		dev:       cfg.Device,
		sockets:   cfg.Sockets,
		handle:    cfg.Handle,
		port:      cfg.Port,
		ind:       cfg.Indicator,
		log:       cfg.Logger,
		idleSleep: cfg.IdleSleep,
		clock:     cfg.Clock,
	}, nil
}

// Responses returns the number of responses written.
func (s *Server) Responses() uint64 { return s.responses }

// Run polls until ctx is done. Interface errors are logged and never stop the loop.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if !s.PollOnce(s.clock()) && s.idleSleep > 0 {
			time.Sleep(s.idleSleep)
		}
	}
}

// PollOnce runs one loop iteration and reports whether any frame moved.
func (s *Server) PollOnce(now time.Time) bool {
	activity, err := s.iface.Poll(now, s.dev, s.sockets)
	if err != nil {
		s.logattrs(slog.LevelError, "poll failed", slog.String("err", err.Error()))
	}
	sock := s.sockets.Get(s.handle)
	if activity || !sock.IsOpen() {
		s.serve(sock)
	}
	return activity
}

func (s *Server) serve(sock socket.Socket) {
	if !sock.IsOpen() {
		err := sock.Listen(s.port)
		if err != nil {
			s.logattrs(slog.LevelError, "tcp:listen", slog.Uint64("port", uint64(s.port)), slog.String("err", err.Error()))
			return
		}
		s.logattrs(slog.LevelInfo, "tcp:listen", slog.Uint64("port", uint64(s.port)))
	}
	if !sock.CanSend() {
		return
	}
	s.logattrs(slog.LevelInfo, "tcp:send", slog.Uint64("port", uint64(s.port)))
	s.ind.Toggle()
	resp := AppendResponse(s.scratch[:0], s.ind.IsOn())
	_, err := sock.Write(resp)
	if err != nil {
		s.logattrs(slog.LevelError, "tcp:write", slog.String("err", err.Error()))
	} else {
		s.responses++
	}
	s.logattrs(slog.LevelInfo, "tcp:close", slog.Uint64("port", uint64(s.port)))
	err = sock.Close()
	if err != nil {
		s.logattrs(slog.LevelError, "tcp:close", slog.String("err", err.Error()))
	}
}

func (s *Server) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if s.log != nil {
		s.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
