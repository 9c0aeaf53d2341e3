// Package vswitch wires up the envelope codec, peer table, datagram
// transport, TAP pump, forwarding engine, and control protocol into
// one running process: one context, one WaitGroup, one goroutine per
// blocking loop, torn down together on Stop.
package vswitch

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"runtime"
	"sync"

	"github.com/tvswitch/tvs/internal/arpcache"
	"github.com/tvswitch/tvs/internal/control"
	"github.com/tvswitch/tvs/internal/forwarding"
	"github.com/tvswitch/tvs/internal/peertable"
	"github.com/tvswitch/tvs/internal/tap"
	"github.com/tvswitch/tvs/internal/transport"
	"github.com/tvswitch/tvs/internal/wireframe"
)

// tapReadBufSize is the size of the dedicated TAP pump's read buffer.
const tapReadBufSize = 1 << 20

// Switch is the process-wide orchestrator: the peer table, transport
// socket, TAP handle, and control state all live here for the process
// lifetime.
type Switch struct {
	cfg Config
	log *slog.Logger

	localMAC     wireframe.MAC64
	coreEndpoint peertable.Endpoint

	coreMACMu sync.Mutex
	coreMAC   wireframe.MAC64 // learned from ReQueryPeerInfo, zero until known

	table     *peertable.Table
	arp       *arpcache.Cache
	tapDev    tap.Device
	transport *transport.Transport
	engine    *forwarding.Engine

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	punchMu    sync.Mutex
	punchStops map[wireframe.MAC64]context.CancelFunc
}

// New validates and wires up cfg without opening any device or
// socket; call Start to bring the switch up.
func New(cfg Config, log *slog.Logger) (*Switch, error) {
	localMAC, err := resolveLocalMAC(cfg)
	if err != nil {
		return nil, fmt.Errorf("vswitch: resolve local mac: %w", err)
	}
	coreAddr, err := cfg.coreUDPAddr()
	if err != nil {
		return nil, fmt.Errorf("vswitch: resolve core endpoint: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Switch{
		cfg:          cfg,
		log:          log,
		localMAC:     localMAC,
		coreEndpoint: peertable.Endpoint{IP: coreAddr.IP, Port: coreAddr.Port},
		table:        peertable.New(),
		arp:          arpcache.New(),
		ctx:          ctx,
		cancel:       cancel,
		punchStops:   make(map[wireframe.MAC64]context.CancelFunc),
	}, nil
}

// LocalMAC returns the resolved local MAC address.
func (s *Switch) LocalMAC() wireframe.MAC64 {
	return s.localMAC
}

// CoreMAC returns the core's TAP MAC as learned from the most recent
// ReQueryPeerInfo reply, or zero while it is still unknown.
func (s *Switch) CoreMAC() wireframe.MAC64 {
	s.coreMACMu.Lock()
	defer s.coreMACMu.Unlock()
	return s.coreMAC
}

func (s *Switch) setCoreMAC(mac wireframe.MAC64) {
	s.coreMACMu.Lock()
	defer s.coreMACMu.Unlock()
	s.coreMAC = mac
}

// Start opens the TAP device, seeds the peer table, binds the UDP
// transport, and spawns the TAP pump and scheduled tasks.
func (s *Switch) Start() error {
	dev, err := tap.New(s.cfg.InterfaceName)
	if err != nil {
		return fmt.Errorf("vswitch: open tap: %w", err)
	}
	s.tapDev = dev

	tapCfg := tap.Config{
		Name:   s.cfg.InterfaceName,
		MTU:    s.cfg.MTU,
		AutoUp: s.cfg.AutoUp,
	}
	if len(s.cfg.LocalMAC) == 6 {
		tapCfg.MAC = s.cfg.LocalMAC
	} else {
		b := s.localMAC.Bytes()
		tapCfg.MAC = net.HardwareAddr(b[:])
	}
	if s.cfg.LocalIP != nil {
		tapCfg.IPv4 = s.cfg.LocalIP
		tapCfg.Mask = net.CIDRMask(s.cfg.Mask, 32)
	}
	for _, cfgErr := range tap.Configure(dev, tapCfg) {
		s.log.Warn("tap configure step failed", "err", cfgErr)
	}

	// Seed BROADCAST -> configured upstream. This entry always exists
	// after startup, even when there is no real upstream (zero port).
	s.table.Seed(wireframe.Broadcast, s.coreEndpoint, 0)

	tr, err := transport.Start(s.cfg.LocalUDPPort, "", true, s.cfg.MTU, s.log)
	if err != nil {
		dev.Close()
		return fmt.Errorf("vswitch: start transport: %w", err)
	}
	s.transport = tr
	s.transport.OnRead(s.handleDatagram)

	s.engine = forwarding.New(s.localMAC, s.cfg.SendTTL, s.table, s.tapDev, s.transport, s.log)

	s.wg.Add(1)
	go s.tapPump()

	s.registerScheduledTasks()

	s.log.Info("switch started",
		"tap", dev.Name(),
		"mac", s.localMAC,
		"udp_port", s.transport.Port(),
		"core", s.coreEndpoint,
		"p2p", s.cfg.EnableP2P,
	)
	return nil
}

// Stop sets running=false, clears the ingress handler so inflight
// decodes do not re-enter, and tears down the TAP pump and transport.
func (s *Switch) Stop() {
	s.log.Info("switch stopping")
	s.cancel()
	if s.transport != nil {
		s.transport.OnRead(nil)
		s.transport.Close()
	}
	if s.tapDev != nil {
		s.tapDev.Close()
	}
	s.wg.Wait()
	s.log.Info("switch stopped")
}

// tapPump is the one goroutine allowed to block on a TAP read, handing
// each frame to the forwarding engine's egress entry point until stop
// is signalled. It is pinned to its own OS thread so the blocking read
// never stalls the runtime's shared threads, and the thread's
// scheduling priority is raised so TAP drain keeps up under load.
func (s *Switch) tapPump() {
	defer s.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := raiseThreadPriority(); err != nil {
		s.log.Debug("raise tap thread priority failed", "err", err)
	}
	buf := make([]byte, tapReadBufSize)
	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}
		n, err := s.tapDev.Read(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
			}
			s.log.Debug("tap read error", "err", err)
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		s.engine.Egress(frame)
	}
}

// handleDatagram is the transport.Handler installed in Start. It
// classifies the frame as control or data, runs it through the
// forwarding engine, and answers control messages.
//
// Control frames always carry dmac=00:00:00:00:00:00 (control.buildFrame):
// they are addressed by UDP endpoint, not by MAC, so — unlike data
// frames — there is no "is this addressed to my MAC" check to perform
// here; any frame this node's transport decodes as control is, by
// construction, meant for this node to answer.
func (s *Switch) handleDatagram(frame []byte, src peertable.Endpoint, ttl uint8) {
	isControl := control.IsControl(frame)
	s.engine.Ingress(frame, src, ttl, isControl)

	hdr, err := wireframe.ParseHeader(frame)
	if err != nil {
		return
	}
	if !isControl {
		// A frame addressed into the reserved (zero high word) MAC
		// range that carries a payload but no recognizable control
		// prefix is a garbled control message, not data. Keep-alives
		// (bare 12-byte headers) are exempt: they have no payload to
		// misparse.
		if wireframe.ReservedHighWord(hdr.Dst) && len(frame) > wireframe.MinForwardableLen {
			s.log.Warn("malformed control payload", "src", src, "len", len(frame))
			return
		}
		for _, b := range s.arp.Observe(frame) {
			s.log.Debug("arp binding snooped", "ip", b.IP, "mac", b.MAC)
		}
		return
	}
	msg, err := control.Parse(frame)
	if err != nil {
		s.log.Warn("malformed control payload", "src", src, "err", err)
		return
	}
	s.handleControlMessage(msg, hdr.Src, src)
}
