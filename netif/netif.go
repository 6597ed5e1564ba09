// Package netif drives an lneto network stack from a token-based link device.
//
// An [Interface] is polled from a single goroutine. Each [Interface.Poll]
// drains inbound frames from the device into the stack, advances socket
// timers and drains outbound frames from the stack back into the device.
package netif

import (
	"context"
	"encoding/binary"
	"errors"
	"hash/crc32"
	"io"
	"log/slog"
	"net/netip"
	"time"

	"github.com/soypat/ethlink"
	"github.com/soypat/ethlink/socket"
	"github.com/soypat/lneto"
	"github.com/soypat/lneto/arp"
	"github.com/soypat/lneto/ethernet"
	"github.com/soypat/lneto/ipv4"
	"github.com/soypat/lneto/x/xnet"
)

// MinMTU is the smallest MTU the stack accepts.
const MinMTU = 256

const (
	ethHeaderLen  = 14
	minFrameSize  = 60 // Without FCS.
	fcsLen        = 4
	arpHWEthernet = 1
	defaultBurst  = 16
	defaultTTL    = 60 * time.Second
	defaultCache  = 16
	defaultMaxTCP = 1
	// resolveRetry is the minimum time between ARP queries for the same next hop.
	resolveRetry = time.Second
)

// ErrDeviceTooSmall is returned by Poll when the device packet buffer cannot
// hold a frame of the interface MTU.
var ErrDeviceTooSmall = errors.New("netif: device packet buffer smaller than interface frame")

// Device is the token-based link device polled by an Interface.
// Implemented by *ethlink.Adapter.
type Device interface {
	Capabilities() ethlink.Capabilities
	Capacity() int
	Receive() (ethlink.RxToken, bool, error)
	Transmit(size int) (ethlink.TxToken, error)
}

// DeviceMTU returns the largest MTU whose frames fit the packet buffer of
// dev, leaving room for the FCS when the interface appends it.
func DeviceMTU(dev Device, appendFCS bool) int {
	mtu := dev.Capabilities().MaxTransmissionUnit
	if appendFCS {
		mtu = min(mtu, dev.Capacity()-ethHeaderLen-fcsLen)
	}
	return mtu
}

// Stack is the protocol engine behind an Interface. Implemented by *xnet.StackAsync.
type Stack interface {
	// Demux processes one inbound Ethernet frame starting at offset.
	Demux(frame []byte, offset int) error
	// Encapsulate writes the next pending outbound frame into buf and returns its length.
	Encapsulate(buf []byte, offsetToIP, offsetToFrame int) (int, error)
}

// resolver queues ARP queries for next hops missing from the neighbor cache.
// Implemented by *xnet.StackAsync.
type resolver interface {
	StartResolveHardwareAddress6(netip.Addr) error
	DiscardResolveHardwareAddress6(netip.Addr) error
}

// Config configures an Interface.
type Config struct {
	// HardwareAddr is the Ethernet source address of the interface.
	HardwareAddr [6]byte
	// Address is the IPv4 address and subnet of the interface.
	Address netip.Prefix
	// Gateway is the next hop for destinations outside Address. Optional.
	Gateway  netip.Addr
	Hostname string
	// MTU is the largest IP packet sent. Defaults to ethlink.MTU.
	// Use [DeviceMTU] to size it from the device.
	MTU int
	// MaxTCPConns bounds the TCP connections tracked by the stack.
	MaxTCPConns int
	// NeighborCacheSize is the neighbor cache capacity. Defaults to 16.
	NeighborCacheSize int
	// NeighborTTL is the lifetime of a neighbor entry. Defaults to 60s.
	NeighborTTL time.Duration
	// MaxRxBurst and MaxTxBurst bound the frames moved per Poll in each direction.
	MaxRxBurst int
	MaxTxBurst int
	// AppendFCS makes the interface pad outbound frames and compute the
	// Ethernet FCS for links that do not do it in hardware.
	AppendFCS bool
	RandSeed  int64
	Logger    *slog.Logger
	// PcapWriter receives a textual breakdown of traced frames.
	PcapWriter   io.Writer
	EnableRxPcap bool
	EnableTxPcap bool
}

// Stats counts frames moved by an Interface.
type Stats struct {
	RxFrames    uint64
	TxFrames    uint64
	RxDropped   uint64
	EchoReplies uint64
	DemuxErrors uint64
	// TxDropped counts outbound frames with no resolved next hop.
	TxDropped  uint64
	ARPQueries uint64
}

// Interface is the IP-layer entity: it owns the address configuration, the
// neighbor cache and the protocol stack. It is not safe for concurrent use.
type Interface struct {
	async     xnet.StackAsync
	stack     Stack
	resolver  resolver
	hw        [6]byte
	addr      netip.Prefix
	addr4     [4]byte
	bcast4    [4]byte
	gateway   netip.Addr
	mtu       int
	frameLen  int
	neighbors *NeighborCache
	log       *slog.Logger
	pcap      capture
	rxPcap    bool
	txPcap    bool
	appendFCS bool
	maxRx     int
	maxTx     int
	vld       lneto.Validator
	stats     Stats

	// resolving is the next hop of the ARP query in flight.
	resolving netip.Addr
	resolveAt time.Time

	// Per-poll state, kept here so token callbacks are bound once.
	now     time.Time
	lastTx  int
	onRx    func([]byte) error
	onTx    func([]byte) (int, error)
	onEcho  func([]byte) (int, error)
	echo    [ethlink.MaxFrameSize]byte
	echoLen int
}

// crcTable is the IEEE CRC-32 table used for Ethernet FCS calculation.
var crcTable = crc32.MakeTable(crc32.IEEE)

// New configures an lneto stack with a static address and returns the
// Interface driving it.
func New(cfg Config) (*Interface, error) {
	iface := &Interface{}
	err := iface.configure(cfg)
	if err != nil {
		return nil, err
	}
	if cfg.MaxTCPConns <= 0 {
		cfg.MaxTCPConns = defaultMaxTCP
	}
	seed := time.Now().UnixNano() ^ cfg.RandSeed
	if uint32(seed) == 0 {
		seed |= 1
	}
	err = iface.async.Reset(xnet.StackConfig{
		StaticAddress:   cfg.Address.Addr(),
		Hostname:        cfg.Hostname,
		MaxTCPConns:     cfg.MaxTCPConns,
		RandSeed:        seed,
		HardwareAddress: cfg.HardwareAddr,
		MTU:             uint16(iface.mtu),
	})
	if err != nil {
		return nil, err
	}
	iface.async.SetSubnet(iface.addr)
	iface.stack = &iface.async
	iface.resolver = &iface.async
	return iface, nil
}

// newWithStack returns an Interface driving an arbitrary stack.
func newWithStack(cfg Config, stack Stack) (*Interface, error) {
	iface := &Interface{}
	err := iface.configure(cfg)
	if err != nil {
		return nil, err
	}
	iface.stack = stack
	iface.resolver, _ = stack.(resolver)
	return iface, nil
}

func (iface *Interface) configure(cfg Config) error {
	if !cfg.Address.IsValid() || !cfg.Address.Addr().Is4() {
		return errors.New("netif: interface requires an IPv4 address")
	} else if cfg.Gateway.IsValid() && (!cfg.Gateway.Is4() || !cfg.Address.Contains(cfg.Gateway)) {
		return errors.New("netif: gateway must be an IPv4 address inside the interface subnet")
	}
	if cfg.MTU == 0 {
		cfg.MTU = ethlink.MTU
	}
	if cfg.MTU < MinMTU || cfg.MTU > ethlink.MTU {
		return errors.New("netif: MTU out of range")
	}
	if cfg.NeighborCacheSize <= 0 {
		cfg.NeighborCacheSize = defaultCache
	}
	if cfg.NeighborTTL <= 0 {
		cfg.NeighborTTL = defaultTTL
	}
	if cfg.MaxRxBurst <= 0 {
		cfg.MaxRxBurst = defaultBurst
	}
	if cfg.MaxTxBurst <= 0 {
		cfg.MaxTxBurst = defaultBurst
	}
	frameLen := ethHeaderLen + cfg.MTU
	if cfg.AppendFCS {
		frameLen += fcsLen
	}
	*iface = Interface{
		hw:        cfg.HardwareAddr,
		addr:      cfg.Address.Masked(),
		addr4:     cfg.Address.Addr().As4(),
		bcast4:    broadcast4(cfg.Address),
		gateway:   cfg.Gateway,
		mtu:       cfg.MTU,
		frameLen:  frameLen,
		neighbors: NewNeighborCache(cfg.NeighborCacheSize, cfg.NeighborTTL),
		log:       cfg.Logger,
		appendFCS: cfg.AppendFCS,
		maxRx:     cfg.MaxRxBurst,
		maxTx:     cfg.MaxTxBurst,
	}
	if cfg.PcapWriter != nil {
		iface.pcap.w = cfg.PcapWriter
		iface.rxPcap = cfg.EnableRxPcap
		iface.txPcap = cfg.EnableTxPcap
	}
	iface.onRx = iface.handleFrame
	iface.onTx = iface.encapsulate
	iface.onEcho = iface.writeEcho
	return nil
}

// broadcast4 returns the directed broadcast address of the subnet.
func broadcast4(prefix netip.Prefix) [4]byte {
	addr := prefix.Masked().Addr().As4()
	host := ^uint32(0) >> prefix.Bits()
	binary.BigEndian.PutUint32(addr[:], binary.BigEndian.Uint32(addr[:])|host)
	return addr
}

// Addr returns the interface IPv4 address.
func (iface *Interface) Addr() netip.Addr { return netip.AddrFrom4(iface.addr4) }

// Prefix returns the subnet the interface is attached to.
func (iface *Interface) Prefix() netip.Prefix { return iface.addr }

// HardwareAddr returns the interface Ethernet address.
func (iface *Interface) HardwareAddr() [6]byte { return iface.hw }

// MTU returns the largest IP packet the interface sends.
func (iface *Interface) MTU() int { return iface.mtu }

// Stack returns the lneto stack for listener registration. It is nil when the
// Interface drives a foreign Stack.
func (iface *Interface) Stack() *xnet.StackAsync {
	if iface.stack != &iface.async {
		return nil
	}
	return &iface.async
}

// Stats returns frame counters.
func (iface *Interface) Stats() Stats { return iface.stats }

// LookupNeighbor returns the cached hardware address of addr.
func (iface *Interface) LookupNeighbor(addr netip.Addr, now time.Time) ([6]byte, bool) {
	if !addr.Is4() {
		return [6]byte{}, false
	}
	return iface.neighbors.Lookup(addr.As4(), now)
}

// Neighbors appends the valid neighbor cache entries to dst.
func (iface *Interface) Neighbors(dst []Neighbor, now time.Time) []Neighbor {
	iface.neighbors.Expire(now)
	return iface.neighbors.AppendNeighbors(dst)
}

// Poll moves frames between dev and the stack. now must not decrease between
// calls; it drives neighbor expiry. Poll reports whether any frame was
// received or sent, which is when socket readiness may have changed.
//
// A device error stops the direction it occurred in and is returned after the
// other direction ran, so a failed receive does not starve transmission.
// Stack errors on individual frames are logged and counted, not returned.
func (iface *Interface) Poll(now time.Time, dev Device, sockets *socket.Set) (activity bool, err error) {
	if dev.Capacity() < iface.frameLen {
		return false, ErrDeviceTooSmall
	}
	iface.now = now
	iface.neighbors.Expire(now)

	for i := 0; i < iface.maxRx; i++ {
		tok, ok, rxerr := dev.Receive()
		if rxerr != nil {
			err = rxerr
			break
		} else if !ok {
			break
		}
		activity = true
		tok.Consume(iface.onRx)
	}

	if sockets != nil {
		sockets.Tick(now)
	}

	if iface.echoLen > 0 {
		tok, txerr := dev.Transmit(iface.echoLen)
		if txerr == nil {
			txerr = tok.Consume(iface.onEcho)
		}
		// Reply is dropped on failure, the peer retries.
		iface.echoLen = 0
		if txerr != nil {
			return activity, firstErr(err, txerr)
		}
		activity = true
	}

	for i := 0; i < iface.maxTx; i++ {
		tok, txerr := dev.Transmit(iface.frameLen)
		if txerr != nil {
			return activity, firstErr(err, txerr)
		}
		iface.lastTx = 0
		txerr = tok.Consume(iface.onTx)
		if txerr != nil {
			return activity, firstErr(err, txerr)
		} else if iface.lastTx == 0 {
			break
		}
		activity = true
	}
	return activity, err
}

func firstErr(a, b error) error {
	if a != nil {
		return a
	}
	return b
}

func (iface *Interface) handleFrame(frame []byte) error {
	iface.stats.RxFrames++
	if iface.rxPcap {
		iface.pcap.print("RX", frame)
	}
	efrm, err := ethernet.NewFrame(frame)
	if err != nil {
		iface.stats.RxDropped++
		return nil
	}
	etype := efrm.EtherTypeOrSize()
	switch etype {
	case ethernet.TypeARP:
		iface.learnARP(efrm)
	case ethernet.TypeIPv4:
		iface.learnIPv4(efrm)
		if iface.handleEcho(efrm) {
			return nil
		}
	}
	err = iface.stack.Demux(frame, 0)
	if err != nil {
		iface.stats.DemuxErrors++
		iface.logattrs(slog.LevelDebug, "poll:demux", slog.Int("plen", len(frame)), slog.String("err", err.Error()))
	}
	if etype == ethernet.TypeARP {
		iface.settleResolve()
	}
	return nil
}

func (iface *Interface) encapsulate(buf []byte) (int, error) {
	n, err := iface.stack.Encapsulate(buf[:ethHeaderLen+iface.mtu], -1, 0)
	if err != nil {
		iface.logattrs(slog.LevelError, "poll:encapsulate", slog.Int("plen", n), slog.String("err", err.Error()))
		return 0, err
	}
	iface.lastTx = n
	if n == 0 {
		return 0, nil
	}
	if !iface.route(buf[:n]) {
		iface.stats.TxDropped++
		return 0, nil
	}
	if iface.appendFCS {
		if n < minFrameSize {
			clear(buf[n:minFrameSize])
			n = minFrameSize
		}
		binary.LittleEndian.PutUint32(buf[n:], crc32.Checksum(buf[:n], crcTable))
		n += fcsLen
	}
	iface.stats.TxFrames++
	if iface.txPcap {
		iface.pcap.print("TX", buf[:n])
	}
	return n, nil
}

// route points the Ethernet destination of an outbound IPv4 frame at the
// hardware address of its next hop. The stack addresses every frame to the
// broadcast address. route reports false when the next hop is unresolved;
// an ARP query is started and the frame is dropped so the transport
// retransmits it.
func (iface *Interface) route(frame []byte) bool {
	efrm, err := ethernet.NewFrame(frame)
	if err != nil || efrm.EtherTypeOrSize() != ethernet.TypeIPv4 {
		return true // ARP sets its own destination.
	}
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return true
	}
	dst := *ifrm.DestinationAddr()
	dstaddr := netip.AddrFrom4(dst)
	if dst == iface.bcast4 || dst == [4]byte{255, 255, 255, 255} || dstaddr.IsMulticast() {
		return true
	}
	hop := dstaddr
	if !iface.addr.Contains(dstaddr) {
		if !iface.gateway.IsValid() {
			iface.logattrs(slog.LevelDebug, "poll:no-route", slog.String("dst", dstaddr.String()))
			return false
		}
		hop = iface.gateway
	}
	hw, ok := iface.neighbors.Lookup(hop.As4(), iface.now)
	if !ok {
		iface.resolve(hop)
		return false
	}
	*efrm.DestinationHardwareAddr() = hw
	return true
}

// resolve starts an ARP query for hop unless one is already in flight.
func (iface *Interface) resolve(hop netip.Addr) {
	if iface.resolver == nil {
		return
	} else if hop == iface.resolving && iface.now.Sub(iface.resolveAt) < resolveRetry {
		return
	}
	if iface.resolving.IsValid() {
		// The query may already have been answered or dropped.
		iface.resolver.DiscardResolveHardwareAddress6(iface.resolving)
		iface.resolving = netip.Addr{}
	}
	err := iface.resolver.StartResolveHardwareAddress6(hop)
	if err != nil {
		iface.logattrs(slog.LevelDebug, "poll:resolve", slog.String("hop", hop.String()), slog.String("err", err.Error()))
		return
	}
	iface.stats.ARPQueries++
	iface.resolving = hop
	iface.resolveAt = iface.now
}

// settleResolve releases the in-flight ARP query once its answer is cached.
func (iface *Interface) settleResolve() {
	if !iface.resolving.IsValid() {
		return
	}
	if _, ok := iface.neighbors.Lookup(iface.resolving.As4(), iface.now); ok {
		iface.resolver.DiscardResolveHardwareAddress6(iface.resolving)
		iface.resolving = netip.Addr{}
	}
}

// learnARP caches the sender binding of an IPv4 over Ethernet ARP packet.
func (iface *Interface) learnARP(efrm ethernet.Frame) {
	afrm, err := arp.NewFrame(efrm.Payload())
	if err != nil {
		return
	}
	iface.vld.ResetErr()
	afrm.ValidateSize(&iface.vld)
	if iface.vld.HasError() {
		iface.vld.ResetErr()
		return
	}
	htype, hlen := afrm.Hardware()
	ptype, plen := afrm.Protocol()
	if htype != arpHWEthernet || hlen != 6 || ptype != ethernet.TypeIPv4 || plen != 4 {
		return
	}
	hw, ip := afrm.Sender4()
	iface.learn(*ip, *hw)
}

// learnIPv4 caches the source binding of an IPv4 frame addressed to us.
func (iface *Interface) learnIPv4(efrm ethernet.Frame) {
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil || *ifrm.DestinationAddr() != iface.addr4 {
		return
	}
	iface.learn(*ifrm.SourceAddr(), *efrm.SourceHardwareAddr())
}

func (iface *Interface) learn(ip [4]byte, hw [6]byte) {
	if !iface.addr.Contains(netip.AddrFrom4(ip)) || ip == iface.addr4 || ip == iface.bcast4 || hw[0]&1 != 0 {
		return // Off-subnet, ourselves or multicast source.
	}
	iface.neighbors.Fill(ip, hw, iface.now)
}

func (iface *Interface) logattrs(level slog.Level, msg string, attrs ...slog.Attr) {
	if iface.log != nil {
		iface.log.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
