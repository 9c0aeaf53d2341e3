package vswitch

import (
	"fmt"
	"net"
	"time"

	"github.com/tvswitch/tvs/internal/wireframe"
)

// Config enumerates a switch node's runtime configuration. Defaults
// mirror the CLI flag table in cmd/tvswitch.
type Config struct {
	InterfaceName string           // default "tvs0"
	LocalIP       net.IP           // optional IPv4 to assign to TAP
	Mask          int              // prefix length for LocalIP, default 24
	MTU           int              // default 1400
	LocalMAC      net.HardwareAddr // explicit; nil derives one
	LocalUDPPort  int              // default 9001
	CoreHost      string           // default "0.0.0.0" (unset)
	CorePort      int              // default 0 (unset)
	SendTTL       uint8            // default 8
	EnableP2P     bool             // default true
	AutoUp        bool             // default true
	Debug         bool             // default false
}

// DefaultConfig returns the CLI's documented defaults.
func DefaultConfig() Config {
	return Config{
		InterfaceName: "tvs0",
		Mask:          24,
		MTU:           1400,
		LocalUDPPort:  9001,
		CoreHost:      "0.0.0.0",
		CorePort:      0,
		SendTTL:       8,
		EnableP2P:     true,
		AutoUp:        true,
	}
}

// hasCore reports whether the config names a real upstream. A node
// with no core is an emergent "core" itself: its BROADCAST bucket
// carries a zero-port endpoint, so nothing is ever sent upstream, and
// the control protocol's periodic client-side queries have nowhere to
// send either.
func (c Config) hasCore() bool {
	return c.CorePort != 0
}

func (c Config) coreUDPAddr() (*net.UDPAddr, error) {
	if !c.hasCore() {
		return &net.UDPAddr{IP: net.IPv4zero, Port: 0}, nil
	}
	ips, err := net.LookupIP(c.CoreHost)
	if err != nil || len(ips) == 0 {
		return nil, fmt.Errorf("vswitch: resolve core host %q: %w", c.CoreHost, err)
	}
	return &net.UDPAddr{IP: ips[0], Port: c.CorePort}, nil
}

// vendorOverlay is overlaid onto the first three octets of a borrowed
// system MAC, keeping the last three so the derived address stays
// stable and unique per host. Both ends of a link see the same prefix
// on every switch-generated MAC.
var vendorOverlay = [3]byte{0x00, 0x0c, 0x01}

// deriveLocalMAC picks the first non-loopback system MAC and overlays
// vendorOverlay onto its first three octets, keeping the last three
// (the manufacturer's per-device bytes) to stay unique per host.
func deriveLocalMAC() (wireframe.MAC64, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0, fmt.Errorf("vswitch: list interfaces: %w", err)
	}
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagLoopback != 0 {
			continue
		}
		if len(ifc.HardwareAddr) != 6 {
			continue
		}
		var mac [6]byte
		copy(mac[:], ifc.HardwareAddr)
		mac[0], mac[1], mac[2] = vendorOverlay[0], vendorOverlay[1], vendorOverlay[2]
		return wireframe.MACFromBytes(mac[:], 0)
	}
	return 0, fmt.Errorf("vswitch: no non-loopback interface with a hardware address found")
}

// resolveLocalMAC returns cfg.LocalMAC if set, otherwise a derived one.
func resolveLocalMAC(cfg Config) (wireframe.MAC64, error) {
	if len(cfg.LocalMAC) == 6 {
		return wireframe.MACFromBytes(cfg.LocalMAC, 0)
	}
	return deriveLocalMAC()
}

const (
	sweepInterval       = 5 * time.Second
	keepaliveInterval   = 5 * time.Second
	queryPeerInfoPeriod = 30 * time.Second
	queryPeersPeriod    = 60 * time.Second
	punchRetryInterval  = 1 * time.Second
	punchMaxAttempts    = 10
)
