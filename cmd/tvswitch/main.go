package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"log/slog"

	"github.com/tvswitch/tvs/internal/vswitch"
)

var version = "dev"

func main() {
	defaults := vswitch.DefaultConfig()

	// Switch flags take an explicit 1/0 value ("-p2p 0"), like every
	// other flag.
	b2i := func(b bool) int {
		if b {
			return 1
		}
		return 0
	}

	var (
		name       = flag.String("name", defaults.InterfaceName, "TAP device name")
		mac        = flag.String("mac", "", "explicit local MAC (derived if unset)")
		mtu        = flag.Int("mtu", defaults.MTU, "TAP MTU")
		addr       = flag.String("addr", "", "IPv4 to assign to TAP")
		mask       = flag.Int("mask", defaults.Mask, "prefix length for addr")
		autoUp     = flag.Int("auto_up", b2i(defaults.AutoUp), "bring TAP up automatically")
		ttl        = flag.Int("ttl", int(defaults.SendTTL), "initial TTL for self-originated frames")
		remoteAddr = flag.String("remote_addr", defaults.CoreHost, "core peer address")
		remotePort = flag.Int("remote_port", defaults.CorePort, "core peer port")
		localPort  = flag.Int("local_port", defaults.LocalUDPPort, "UDP bind port")
		p2p        = flag.Int("p2p", b2i(defaults.EnableP2P), "enable peer-exchange P2P")
		debug      = flag.Int("debug", b2i(defaults.Debug), "verbose logging (the process always runs in the foreground)")
		showVer    = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVer {
		fmt.Printf("tvswitch %s\n", version)
		os.Exit(0)
	}

	level := slog.LevelInfo
	if *debug != 0 {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg := vswitch.Config{
		InterfaceName: *name,
		Mask:          *mask,
		MTU:           *mtu,
		LocalUDPPort:  *localPort,
		CoreHost:      *remoteAddr,
		CorePort:      *remotePort,
		SendTTL:       uint8(*ttl),
		EnableP2P:     *p2p != 0,
		AutoUp:        *autoUp != 0,
		Debug:         *debug != 0,
	}
	if *mac != "" {
		hw, err := net.ParseMAC(*mac)
		if err != nil {
			log.Error("invalid -mac", "value", *mac, "err", err)
			os.Exit(1)
		}
		cfg.LocalMAC = hw
	}
	if *addr != "" {
		ip := net.ParseIP(*addr)
		if ip == nil {
			log.Error("invalid -addr", "value", *addr)
			os.Exit(1)
		}
		cfg.LocalIP = ip
	}

	sw, err := vswitch.New(cfg, log)
	if err != nil {
		log.Error("configure switch failed", "err", err)
		os.Exit(1)
	}

	if err := sw.Start(); err != nil {
		log.Error("start switch failed", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	sw.Stop()
}
