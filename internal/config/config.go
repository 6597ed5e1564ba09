// Package config loads the ethpong host configuration from YAML.
package config

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"time"

	"github.com/soypat/ethlink"
	"github.com/soypat/ethlink/netif"
	"github.com/soypat/ethlink/service"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Link      Link      `yaml:"link"`
	Interface Interface `yaml:"interface"`
	Service   Service   `yaml:"service"`
	Log       Log       `yaml:"log"`
}

// Link is the host TAP device carrying the Ethernet frames.
type Link struct {
	TAP string `yaml:"tap"`
	// HostAddress is assigned to the host side of the TAP device, in CIDR notation.
	HostAddress string `yaml:"host_address"`
	// BufferSize is the size of the single packet buffer shared by rx and tx.
	BufferSize  int           `yaml:"buffer_size"`
	PollTimeout time.Duration `yaml:"poll_timeout"`
}

type Interface struct {
	HardwareAddr  string        `yaml:"hardware_addr"`
	Address       string        `yaml:"address"`
	Hostname      string        `yaml:"hostname"`
	NeighborCache int           `yaml:"neighbor_cache"`
	NeighborTTL   time.Duration `yaml:"neighbor_ttl"`
	MaxRxBurst    int           `yaml:"max_rx_burst"`
	MaxTxBurst    int           `yaml:"max_tx_burst"`
	AppendFCS     bool          `yaml:"append_fcs"`
}

type Service struct {
	Port      uint16        `yaml:"port"`
	RxBuffer  int           `yaml:"rx_buffer"`
	TxBuffer  int           `yaml:"tx_buffer"`
	IdleSleep time.Duration `yaml:"idle_sleep"`
}

type Log struct {
	Level  string `yaml:"level"`
	PcapRx bool   `yaml:"pcap_rx"`
	PcapTx bool   `yaml:"pcap_tx"`
}

// minBufferSize fits a minimum MTU frame with header and FCS.
const minBufferSize = ethlink.MaxFrameSize - ethlink.MTU + netif.MinMTU

// MTU returns the largest IP packet that fits the link buffer.
func (c *Config) MTU() int {
	mtu := c.Link.BufferSize - (ethlink.MaxFrameSize - ethlink.MTU)
	if !c.Interface.AppendFCS {
		mtu += 4 // No FCS in the buffer.
	}
	return min(mtu, ethlink.MTU)
}

// Default returns the configuration used for fields absent from the file.
func Default() Config {
	return Config{
		Link: Link{
			TAP:         "ethpong0",
			HostAddress: "192.168.1.1/24",
			BufferSize:  2048,
			PollTimeout: time.Millisecond,
		},
		Interface: Interface{
			HardwareAddr:  "20:18:03:01:00:00",
			Address:       "192.168.1.2/24",
			Hostname:      "ethpong",
			NeighborCache: 16,
			NeighborTTL:   60 * time.Second,
			MaxRxBurst:    16,
			MaxTxBurst:    16,
		},
		Service: Service{
			Port:     80,
			RxBuffer: 2048,
			TxBuffer: 2048,
		},
		Log: Log{Level: "info"},
	}
}

// LoadConfig reads filename over the defaults and validates the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes YAML data over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	err := yaml.Unmarshal(data, &cfg)
	if err != nil {
		return nil, err
	}
	err = cfg.Validate()
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration is consistent.
func (c *Config) Validate() error {
	if c.Link.TAP == "" {
		return fmt.Errorf("link.tap: empty device name")
	} else if c.Link.BufferSize < minBufferSize {
		return fmt.Errorf("link.buffer_size: %d smaller than minimum frame buffer %d", c.Link.BufferSize, minBufferSize)
	} else if c.Link.PollTimeout <= 0 {
		return fmt.Errorf("link.poll_timeout: must be positive")
	}
	hw, err := c.HardwareAddr()
	if err != nil {
		return err
	} else if hw[0]&1 != 0 {
		return fmt.Errorf("interface.hardware_addr: %s is multicast", c.Interface.HardwareAddr)
	}
	addr, err := c.Address()
	if err != nil {
		return err
	}
	host, err := c.HostAddress()
	if err != nil {
		return err
	} else if !addr.Contains(host.Addr()) {
		return fmt.Errorf("link.host_address: %s not in %s", host.Addr(), addr.Masked())
	} else if host.Addr() == addr.Addr() {
		return fmt.Errorf("link.host_address: conflicts with interface address %s", addr.Addr())
	}
	if c.Interface.NeighborCache < 0 || c.Interface.NeighborTTL < 0 {
		return fmt.Errorf("interface: negative neighbor cache setting")
	}
	if c.Service.Port == 0 {
		return fmt.Errorf("service.port: must be nonzero")
	} else if c.Service.RxBuffer <= 0 {
		return fmt.Errorf("service.rx_buffer: must be positive")
	} else if c.Service.TxBuffer < service.MaxResponseLen {
		return fmt.Errorf("service.tx_buffer: %d cannot hold %d byte response", c.Service.TxBuffer, service.MaxResponseLen)
	}
	_, err = c.LogLevel()
	return err
}

// HardwareAddr parses the interface Ethernet address.
func (c *Config) HardwareAddr() (hw [6]byte, err error) {
	mac, err := net.ParseMAC(c.Interface.HardwareAddr)
	if err != nil {
		return hw, fmt.Errorf("interface.hardware_addr: %w", err)
	} else if len(mac) != len(hw) {
		return hw, fmt.Errorf("interface.hardware_addr: %s is not an Ethernet address", c.Interface.HardwareAddr)
	}
	copy(hw[:], mac)
	return hw, nil
}

// Address parses the interface IPv4 address and subnet.
func (c *Config) Address() (netip.Prefix, error) {
	return parseIPv4Prefix("interface.address", c.Interface.Address)
}

// HostAddress parses the address assigned to the host side of the link.
func (c *Config) HostAddress() (netip.Prefix, error) {
	return parseIPv4Prefix("link.host_address", c.Link.HostAddress)
}

// LogLevel parses the configured slog level.
func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(c.Log.Level))
	if err != nil {
		return level, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

func parseIPv4Prefix(field, s string) (netip.Prefix, error) {
	prefix, err := netip.ParsePrefix(s)
	if err != nil {
		return prefix, fmt.Errorf("%s: %w", field, err)
	} else if !prefix.Addr().Is4() {
		return prefix, fmt.Errorf("%s: %s is not IPv4", field, s)
	}
	return prefix, nil
}
