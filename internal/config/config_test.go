package config

import (
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/soypat/ethlink"
)

var testYaml = `---
link:
  tap: pong1
  host_address: 10.0.0.1/24

interface:
  address: 10.0.0.2/24
  neighbor_ttl: 30s

service:
  port: 8080

log:
  level: debug
  pcap_rx: true
`

func TestLoadConfig(t *testing.T) {
	filename := filepath.Join(t.TempDir(), "ethpong.yaml")
	err := os.WriteFile(filename, []byte(testYaml), 0o600)
	if err != nil {
		t.Fatalf("error writing config: %s", err)
	}
	cfg, err := LoadConfig(filename)
	if err != nil {
		t.Fatalf("error loading config: %s", err)
	}
	if cfg.Link.TAP != "pong1" || cfg.Service.Port != 8080 || !cfg.Log.PcapRx {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Interface.NeighborTTL != 30*time.Second {
		t.Errorf("neighbor_ttl=%s, want 30s", cfg.Interface.NeighborTTL)
	}
	// Absent fields keep defaults.
	def := Default()
	if cfg.Interface.HardwareAddr != def.Interface.HardwareAddr || cfg.Service.TxBuffer != def.Service.TxBuffer {
		t.Errorf("defaults lost: %+v", cfg)
	}
	addr, err := cfg.Address()
	if err != nil || addr != netip.MustParsePrefix("10.0.0.2/24") {
		t.Errorf("address=%s err=%v", addr, err)
	}
	hw, err := cfg.HardwareAddr()
	if err != nil || hw != [6]byte{0x20, 0x18, 0x03, 0x01, 0x00, 0x00} {
		t.Errorf("hardware addr=%x err=%v", hw, err)
	}
	level, err := cfg.LogLevel()
	if err != nil || level != slog.LevelDebug {
		t.Errorf("level=%s err=%v", level, err)
	}
}

func TestDefaultValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestSmallBufferValid(t *testing.T) {
	cfg, err := Parse([]byte("link: {buffer_size: 1024}"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Link.BufferSize != 1024 {
		t.Errorf("buffer_size=%d", cfg.Link.BufferSize)
	}
	if cfg.MTU() != 1024-14 {
		t.Errorf("mtu=%d, want %d", cfg.MTU(), 1024-14)
	}
	cfg.Interface.AppendFCS = true
	if cfg.MTU() != 1024-14-4 {
		t.Errorf("mtu with fcs=%d, want %d", cfg.MTU(), 1024-14-4)
	}
	if def := Default(); def.MTU() != ethlink.MTU {
		t.Errorf("default mtu=%d, want %d", def.MTU(), ethlink.MTU)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		yaml   string
		errstr string
	}{
		{"ipv6 address", "interface: {address: 'fd00::2/64'}", "not IPv4"},
		{"bad mac", "interface: {hardware_addr: zz}", "hardware_addr"},
		{"multicast mac", "interface: {hardware_addr: '01:00:5e:00:00:01'}", "multicast"},
		{"host outside subnet", "link: {host_address: 10.1.1.1/24}", "not in"},
		{"host is interface", "link: {host_address: 192.168.1.2/24}", "conflicts"},
		{"small buffer", "link: {buffer_size: 200}", "buffer_size"},
		{"zero port", "service: {port: 0}", "service.port"},
		{"small tx buffer", "service: {tx_buffer: 8}", "tx_buffer"},
		{"bad level", "log: {level: loud}", "log.level"},
		{"empty tap", "link: {tap: ''}", "link.tap"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.errstr) {
				t.Errorf("error %q does not mention %q", err, tt.errstr)
			}
		})
	}
}
