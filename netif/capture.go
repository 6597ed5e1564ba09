package netif

import (
	"io"

	"github.com/soypat/lneto/internet/pcap"
)

// capture prints a protocol breakdown of traced frames to a writer.
// Buffers are reused across frames.
type capture struct {
	w         io.Writer
	pc        pcap.PacketBreakdown
	pcfmt     pcap.Formatter
	frms      []pcap.Frame
	printdata []byte
}

func (c *capture) print(direction string, data []byte) {
	var perr error
	c.printdata = append(c.printdata[:0], direction...)
	c.printdata = append(c.printdata, ": "...)
	c.frms, perr = c.pc.CaptureEthernet(c.frms[:0], data, 0)
	if perr != nil {
		c.printdata = append(c.printdata, "pcap failed: "...)
		c.printdata = append(c.printdata, perr.Error()...)
	} else {
		c.printdata, perr = c.pcfmt.FormatFrames(c.printdata, c.frms, data)
		if perr != nil {
			c.printdata = append(c.printdata, " pcap format failed: "...)
			c.printdata = append(c.printdata, perr.Error()...)
		}
	}
	c.printdata = append(c.printdata, '\n')
	c.w.Write(c.printdata)
}
