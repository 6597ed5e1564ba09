package service

import (
	"bytes"
	"net/netip"
	"testing"
	"time"

	"github.com/soypat/ethlink"
	"github.com/soypat/ethlink/netif"
	"github.com/soypat/ethlink/socket"
	"github.com/soypat/lneto"
	"github.com/soypat/lneto/ethernet"
	"github.com/soypat/lneto/ipv4"
	"github.com/soypat/lneto/tcp"
)

var (
	boardMAC  = [6]byte{0x20, 0x18, 0x03, 0x01, 0x00, 0x00}
	clientMAC = [6]byte{0x02, 0xaa, 0xbb, 0xcc, 0xdd, 0xee}
	boardIP   = [4]byte{192, 168, 1, 2}
	clientIP  = [4]byte{192, 168, 1, 100}
)

const clientPort = 49152

// wireDriver queues inbound frames and records everything transmitted.
type wireDriver struct {
	rx   [][]byte
	sent [][]byte
}

func (d *wireDriver) Receive(dst []byte) (int, error) {
	if len(d.rx) == 0 {
		return 0, nil
	}
	n := copy(dst, d.rx[0])
	d.rx = d.rx[1:]
	return n, nil
}

func (d *wireDriver) Transmit(frame []byte) error {
	d.sent = append(d.sent, append([]byte(nil), frame...))
	return nil
}

// segment is a decoded outbound TCP segment.
type segment struct {
	dstMAC  [6]byte
	seq     tcp.Value
	ack     tcp.Value
	flags   tcp.Flags
	payload []byte
}

// clientSegment builds a TCP segment from the client to the board's port 80.
func clientSegment(seq, ack tcp.Value, flags tcp.Flags) []byte {
	const hdr = 20
	frame := make([]byte, 14+20+hdr)
	efrm, _ := ethernet.NewFrame(frame)
	*efrm.DestinationHardwareAddr() = boardMAC
	*efrm.SourceHardwareAddr() = clientMAC
	efrm.SetEtherType(ethernet.TypeIPv4)
	ifrm, _ := ipv4.NewFrame(efrm.Payload())
	ifrm.SetVersionAndIHL(4, 5)
	ifrm.SetTotalLength(20 + hdr)
	ifrm.SetID(0x4242)
	ifrm.SetFlags(0x4000) // Don't fragment.
	ifrm.SetTTL(64)
	ifrm.SetProtocol(lneto.IPProtoTCP)
	*ifrm.SourceAddr() = clientIP
	*ifrm.DestinationAddr() = boardIP
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())
	tfrm, _ := tcp.NewFrame(ifrm.Payload())
	tfrm.SetSourcePort(clientPort)
	tfrm.SetDestinationPort(80)
	tfrm.SetSeq(seq)
	tfrm.SetAck(ack)
	tfrm.SetOffsetAndFlags(5, flags)
	tfrm.SetWindowSize(64240)
	var crc lneto.CRC791
	ifrm.CRCWriteTCPPseudo(&crc)
	tfrm.CRCWrite(&crc)
	tfrm.SetCRC(crc.Sum16())
	return frame
}

// boardSegments decodes the TCP segments the board sent to the client port.
func boardSegments(t *testing.T, sent [][]byte) []segment {
	t.Helper()
	var segs []segment
	for _, frame := range sent {
		efrm, err := ethernet.NewFrame(frame)
		if err != nil || efrm.EtherTypeOrSize() != ethernet.TypeIPv4 {
			continue
		}
		ifrm, err := ipv4.NewFrame(efrm.Payload())
		if err != nil || ifrm.Protocol() != lneto.IPProtoTCP {
			continue
		}
		tfrm, err := tcp.NewFrame(ifrm.Payload())
		if err != nil || tfrm.DestinationPort() != clientPort {
			continue
		}
		_, flags := tfrm.OffsetAndFlags()
		segs = append(segs, segment{
			dstMAC:  *efrm.DestinationHardwareAddr(),
			seq:     tfrm.Seq(),
			ack:     tfrm.Ack(),
			flags:   flags,
			payload: append([]byte(nil), tfrm.Payload()...),
		})
	}
	return segs
}

// TestServeOverStack answers a TCP client through the real interface,
// socket and lneto stack.
func TestServeOverStack(t *testing.T) {
	drv := &wireDriver{}
	dev, err := ethlink.NewAdapter(drv, make([]byte, 1024))
	if err != nil {
		t.Fatal(err)
	}
	iface, err := netif.New(netif.Config{
		HardwareAddr: boardMAC,
		Address:      netip.PrefixFrom(netip.AddrFrom4(boardIP), 24),
		MTU:          netif.DeviceMTU(dev, false),
		RandSeed:     1,
	})
	if err != nil {
		t.Fatal(err)
	}
	sock, err := socket.NewTCPSocket(iface.Stack(), socket.TCPConfig{RxBufSize: 512, TxBufSize: 512})
	if err != nil {
		t.Fatal(err)
	}
	set := socket.NewSet(1)
	handle, err := set.Add(sock)
	if err != nil {
		t.Fatal(err)
	}
	led := &SoftIndicator{}
	led.Set(true)
	srv, err := New(Config{
		Interface: iface,
		Device:    dev,
		Sockets:   set,
		Handle:    handle,
		Port:      80,
		Indicator: led,
	})
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	step := func() {
		now = now.Add(time.Millisecond)
		srv.PollOnce(now)
	}
	step() // Listen.
	if !sock.IsOpen() {
		t.Fatal("socket not listening after first poll")
	}

	const clientISS = 1000
	drv.rx = append(drv.rx, clientSegment(clientISS, 0, tcp.FlagSYN))
	for i := 0; i < 3 && len(boardSegments(t, drv.sent)) == 0; i++ {
		step()
	}
	segs := boardSegments(t, drv.sent)
	if len(segs) == 0 {
		t.Fatalf("no SYN-ACK among %d sent frames", len(drv.sent))
	}
	synack := segs[0]
	if synack.flags != tcp.FlagSYN|tcp.FlagACK {
		t.Fatalf("first segment flags=%v, want SYN|ACK", synack.flags)
	}
	if synack.dstMAC != clientMAC {
		t.Errorf("SYN-ACK dst=%x, want client %x", synack.dstMAC, clientMAC)
	}
	if synack.ack != clientISS+1 {
		t.Errorf("SYN-ACK ack=%d, want %d", synack.ack, clientISS+1)
	}

	drv.rx = append(drv.rx, clientSegment(clientISS+1, synack.seq+1, tcp.FlagACK))
	var data, fin *segment
	for i := 0; i < 10 && fin == nil; i++ {
		step()
		segs = boardSegments(t, drv.sent)
		for j := range segs {
			if len(segs[j].payload) > 0 && data == nil {
				data = &segs[j]
			}
			if segs[j].flags&tcp.FlagFIN != 0 {
				fin = &segs[j]
			}
		}
	}
	if data == nil {
		t.Fatalf("no response data in %d segments", len(segs))
	}
	want := "HTTP/1.1 200 OK\r\n\r\nLED is currently: off\n"
	if !bytes.Equal(data.payload, []byte(want)) {
		t.Errorf("payload=%q, want %q", data.payload, want)
	}
	if fin == nil {
		t.Fatal("connection not closed with FIN")
	}
	for _, seg := range segs {
		if seg.dstMAC != clientMAC {
			t.Errorf("segment flags=%v sent to %x, want client %x", seg.flags, seg.dstMAC, clientMAC)
		}
	}
	if srv.Responses() != 1 {
		t.Errorf("responses=%d, want 1", srv.Responses())
	}
	if led.IsOn() {
		t.Error("indicator not toggled")
	}
}
