package netif

import (
	"encoding/binary"
	"hash/crc32"

	"github.com/soypat/lneto"
	"github.com/soypat/lneto/ethernet"
	"github.com/soypat/lneto/ipv4"
	"github.com/soypat/lneto/ipv4/icmpv4"
)

const ipv4MoreFragments = 0x2000

// handleEcho answers ICMP echo requests addressed to the interface. It
// reports whether the frame was consumed. Only one reply is held at a time;
// requests arriving while it is pending are dropped.
func (iface *Interface) handleEcho(efrm ethernet.Frame) bool {
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return false
	}
	iface.vld.ResetErr()
	ifrm.ValidateExceptCRC(&iface.vld)
	if iface.vld.HasError() {
		iface.vld.ResetErr()
		return false // Stack drops and counts malformed headers.
	}
	flags := ifrm.Flags()
	if ifrm.Protocol() != lneto.IPProtoICMP ||
		*ifrm.DestinationAddr() != iface.addr4 ||
		ifrm.CRC() != ifrm.CalculateHeaderCRC() ||
		flags&ipv4MoreFragments != 0 || flags.FragmentOffset() != 0 {
		return false
	}
	icmp, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil || icmp.Type() != icmpv4.TypeEcho || icmp.Code() != 0 {
		return false
	}
	var crc lneto.CRC791
	crc.Write(ifrm.Payload())
	if crc.Sum16() != 0 {
		iface.stats.RxDropped++
		return true
	}
	tot := int(ifrm.TotalLength())
	if iface.echoLen > 0 || tot > iface.mtu {
		iface.stats.RxDropped++
		return true
	}
	if !iface.putEchoReply(efrm.RawData()[:ethHeaderLen+tot]) {
		iface.stats.RxDropped++
	}
	return true
}

// putEchoReply builds the reply to request in the echo slot.
func (iface *Interface) putEchoReply(request []byte) bool {
	n := copy(iface.echo[:], request)
	reply := iface.echo[:n]

	efrm, err := ethernet.NewFrame(reply)
	if err != nil {
		return false
	}
	requester := *efrm.SourceHardwareAddr()
	ifrm, err := ipv4.NewFrame(efrm.Payload())
	if err != nil {
		return false
	}
	src := *ifrm.SourceAddr()
	dst := requester
	if hw, ok := iface.neighbors.Lookup(src, iface.now); ok {
		dst = hw
	}
	*efrm.DestinationHardwareAddr() = dst
	*efrm.SourceHardwareAddr() = iface.hw

	*ifrm.DestinationAddr() = src
	*ifrm.SourceAddr() = iface.addr4
	ifrm.SetTTL(64)
	ifrm.SetCRC(ifrm.CalculateHeaderCRC())

	icmp, err := icmpv4.NewFrame(ifrm.Payload())
	if err != nil {
		return false
	}
	icmp.SetType(icmpv4.TypeEchoReply)
	icmp.SetCode(0)
	icmp.SetCRC(0)
	var crc lneto.CRC791
	crc.Write(ifrm.Payload())
	icmp.SetCRC(crc.Sum16())

	if n < minFrameSize {
		clear(iface.echo[n:minFrameSize])
		n = minFrameSize
	}
	if iface.appendFCS {
		fcs := crc32.Checksum(iface.echo[:n], crcTable)
		binary.LittleEndian.PutUint32(iface.echo[n:], fcs)
		n += fcsLen
	}
	iface.echoLen = n
	return true
}

func (iface *Interface) writeEcho(buf []byte) (int, error) {
	n := copy(buf, iface.echo[:iface.echoLen])
	iface.stats.EchoReplies++
	iface.stats.TxFrames++
	if iface.txPcap {
		iface.pcap.print("TX", buf[:n])
	}
	return n, nil
}
