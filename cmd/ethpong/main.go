// Command ethpong serves the LED status responder over a host TAP device.
//
//	sudo ethpong --tap pong0
//	curl http://192.168.1.2/
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/soypat/ethlink"
	"github.com/soypat/ethlink/internal/config"
	"github.com/soypat/ethlink/internal/tapdev"
	"github.com/soypat/ethlink/netif"
	"github.com/soypat/ethlink/service"
	"github.com/soypat/ethlink/socket"
	"github.com/spf13/cobra"
)

func errHalt(err error) {
	_, _ = fmt.Fprintf(os.Stderr, "Error: %s\n", err)
	os.Exit(1)
}

var configFile string
var logLevel string
var tapName string
var port uint16
var pcap bool
var rootCmd = &cobra.Command{
	Use:   "ethpong",
	Short: "Serve the LED status responder on a TAP device",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := loadConfig(cmd)
		if err != nil {
			errHalt(err)
		}
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		err = run(ctx, cfg)
		if err != nil && !errors.Is(err, context.Canceled) {
			errHalt(err)
		}
	},
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	var err error
	if configFile != "" {
		cfg, err = config.LoadConfig(configFile)
		if err != nil {
			return nil, err
		}
	} else {
		def := config.Default()
		cfg = &def
	}
	flags := cmd.Flags()
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("tap") {
		cfg.Link.TAP = tapName
	}
	if flags.Changed("port") {
		cfg.Service.Port = port
	}
	if flags.Changed("pcap") {
		cfg.Log.PcapRx = pcap
		cfg.Log.PcapTx = pcap
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg *config.Config) error {
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	hw, err := cfg.HardwareAddr()
	if err != nil {
		return err
	}
	addr, err := cfg.Address()
	if err != nil {
		return err
	}
	host, err := cfg.HostAddress()
	if err != nil {
		return err
	}

	tap, err := tapdev.Open(tapdev.Config{
		Name:        cfg.Link.TAP,
		HostAddress: host,
		PollTimeout: cfg.Link.PollTimeout,
		MTU:         cfg.MTU(),
	})
	if err != nil {
		return err
	}
	defer tap.Close()
	logger.Info("tap initialized", slog.String("name", tap.Name()), slog.String("host", host.String()))

	dev, err := ethlink.NewAdapter(tap, make([]byte, cfg.Link.BufferSize))
	if err != nil {
		return err
	}
	iface, err := netif.New(netif.Config{
		HardwareAddr:      hw,
		Address:           addr,
		Hostname:          cfg.Interface.Hostname,
		MTU:               cfg.MTU(),
		NeighborCacheSize: cfg.Interface.NeighborCache,
		NeighborTTL:       cfg.Interface.NeighborTTL,
		MaxRxBurst:        cfg.Interface.MaxRxBurst,
		MaxTxBurst:        cfg.Interface.MaxTxBurst,
		AppendFCS:         cfg.Interface.AppendFCS,
		Logger:            logger,
		PcapWriter:        os.Stderr,
		EnableRxPcap:      cfg.Log.PcapRx,
		EnableTxPcap:      cfg.Log.PcapTx,
	})
	if err != nil {
		return err
	}
	logger.Info("iface initialized", slog.String("addr", addr.String()), slog.String("mac", fmt.Sprintf("%x", hw)), slog.Int("mtu", iface.MTU()))

	tcpSock, err := socket.NewTCPSocket(iface.Stack(), socket.TCPConfig{
		RxBufSize: cfg.Service.RxBuffer,
		TxBufSize: cfg.Service.TxBuffer,
		Logger:    logger,
	})
	if err != nil {
		return err
	}
	sockets := socket.NewSet(2)
	handle, err := sockets.Add(tcpSock)
	if err != nil {
		return err
	}
	logger.Info("sockets initialized")

	led := &service.SoftIndicator{OnChange: func(on bool) {
		logger.Info("led", slog.Bool("on", on))
	}}
	led.Set(true)
	srv, err := service.New(service.Config{
		Interface: iface,
		Device:    dev,
		Sockets:   sockets,
		Handle:    handle,
		Port:      cfg.Service.Port,
		Indicator: led,
		Logger:    logger,
		IdleSleep: cfg.Service.IdleSleep,
	})
	if err != nil {
		return err
	}
	err = srv.Run(ctx)
	stats := iface.Stats()
	logger.Info("stopped",
		slog.Uint64("rx", stats.RxFrames),
		slog.Uint64("tx", stats.TxFrames),
		slog.Uint64("dropped", stats.RxDropped),
		slog.Uint64("txdropped", stats.TxDropped),
		slog.Uint64("arp", stats.ARPQueries),
		slog.Uint64("echo", stats.EchoReplies),
		slog.Uint64("responses", srv.Responses()),
	)
	return err
}

func main() {
	rootCmd.Flags().StringVar(&configFile, "config", "", "Config file name (defaults apply when empty)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "", "Set log level (debug/info/warn/error)")
	rootCmd.Flags().StringVar(&tapName, "tap", "", "TAP device name")
	rootCmd.Flags().Uint16Var(&port, "port", 80, "TCP port to serve on")
	rootCmd.Flags().BoolVar(&pcap, "pcap", false, "Print received and sent frames")
	err := rootCmd.Execute()
	if err != nil {
		errHalt(err)
	}
}
