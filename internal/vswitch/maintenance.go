package vswitch

import (
	"context"
	"time"

	"github.com/tvswitch/tvs/internal/control"
	"github.com/tvswitch/tvs/internal/peertable"
	"github.com/tvswitch/tvs/internal/wireframe"
)

// registerScheduledTasks spawns the periodic maintenance goroutines:
// table sweep, link keep-alive, and — only when a core is configured —
// the client-side QueryPeerInfo/QueryPeers polling.
func (s *Switch) registerScheduledTasks() {
	s.wg.Add(2)
	go s.runTicker(sweepInterval, s.doSweep)
	go s.runTicker(keepaliveInterval, s.doKeepalive)

	if s.cfg.hasCore() {
		s.wg.Add(1)
		go s.runTicker(queryPeerInfoPeriod, s.doQueryPeerInfo)
	}
	if s.cfg.hasCore() && s.cfg.EnableP2P {
		s.wg.Add(1)
		// The first QueryPeers goes out immediately so a freshly
		// started edge discovers P2P candidates without waiting out a
		// full period.
		go func() {
			s.doQueryPeers()
			s.runTicker(queryPeersPeriod, s.doQueryPeers)
		}()
	}
}

// runTicker calls fn every interval until the switch's context is
// cancelled. fn runs inline on this goroutine: every scheduled task is
// cheap enough (a table walk, a handful of sends) that it does not
// need its own worker.
func (s *Switch) runTicker(interval time.Duration, fn func()) {
	defer s.wg.Done()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-t.C:
			fn()
		}
	}
}

// doSweep ages out silent peers and drops their snooped ARP bindings
// with them.
func (s *Switch) doSweep() {
	removed := s.table.Sweep(time.Now())
	for _, mac := range removed {
		s.arp.RemoveMAC(mac)
	}
	if len(removed) > 0 {
		s.log.Debug("peer table sweep", "expired", len(removed))
	}
}

// doKeepalive sends the 12-byte keep-alive frame to every peer with a
// real endpoint, maintaining NAT bindings and core/edge liveness. The
// frame goes out with ttl=0: the receiver refreshes its last-seen for
// us but never relays the keep-alive onward.
func (s *Switch) doKeepalive() {
	s.table.ForEach(func(me peertable.MACEndpoint) {
		if me.Endpoint.Zero() {
			return
		}
		frame := control.BuildKeepAlive(s.localMAC, me.MAC)
		if err := s.transport.Send(frame, me.Endpoint, 0); err != nil {
			s.log.Debug("keepalive send failed", "dst", me.Endpoint, "err", err)
		}
	})
}

func (s *Switch) doQueryPeerInfo() {
	frame := control.BuildQueryPeerInfo(s.localMAC)
	if err := s.transport.Send(frame, s.coreEndpoint, s.cfg.SendTTL); err != nil {
		s.log.Debug("query_peer_info send failed", "err", err)
	}
}

func (s *Switch) doQueryPeers() {
	frame := control.BuildQueryPeers(s.localMAC)
	if err := s.transport.Send(frame, s.coreEndpoint, s.cfg.SendTTL); err != nil {
		s.log.Debug("query_peers send failed", "err", err)
	}
}

// handleControlMessage answers or applies one parsed control message.
// smac is the frame's source MAC (not carried in Message); src is the
// UDP endpoint it actually arrived from.
func (s *Switch) handleControlMessage(msg control.Message, smac wireframe.MAC64, src peertable.Endpoint) {
	// The sender's MAC was already learned by the forwarding engine's
	// ingress step before the message reached this handler.
	switch msg.Verb {
	case control.VerbQueryPeers:
		s.replyQueryPeers(src)

	case control.VerbReQueryPeers:
		s.applyReQueryPeers(msg.Args)

	case control.VerbQueryPeerInfo:
		reply := control.BuildReQueryPeerInfo(s.localMAC, s.cfg.LocalIP)
		if err := s.transport.Send(reply, src, s.cfg.SendTTL); err != nil {
			s.log.Debug("re_query_peer_info send failed", "err", err)
		}

	case control.VerbReQueryPeerInfo:
		if src.Equal(s.coreEndpoint) {
			s.setCoreMAC(smac)
		}

	default:
		s.log.Debug("unrecognized control verb", "verb", msg.Verb, "src", src)
	}
}

// replyQueryPeers answers a QueryPeers request with every
// non-broadcast peer this node currently knows about. The requester's
// own entry is included: an edge ignores its own MAC in the reply, and
// seeing it lets two edges behind the same NAT discover each other.
func (s *Switch) replyQueryPeers(dst peertable.Endpoint) {
	var triples []control.PeerTriple
	s.table.ForEach(func(me peertable.MACEndpoint) {
		if me.MAC == wireframe.Broadcast || me.Endpoint.Zero() {
			return
		}
		triples = append(triples, control.PeerTriple{MAC: me.MAC, IP: me.Endpoint.IP, Port: me.Endpoint.Port})
	})
	for _, frame := range control.BuildReQueryPeers(s.localMAC, triples) {
		if err := s.transport.Send(frame, dst, s.cfg.SendTTL); err != nil {
			s.log.Debug("re_query_peers send failed", "dst", dst, "err", err)
		}
	}
}

// applyReQueryPeers walks the peers named in a ReQueryPeers reply and,
// for any peer currently routed via the core, starts a punch retry
// toward its advertised direct endpoint. The table itself is not
// touched here: the direct route is only installed once the remote's
// own traffic arrives on it and ingress learning accepts the shorter
// path.
func (s *Switch) applyReQueryPeers(args []string) {
	for _, arg := range args {
		triple, err := control.ParsePeerTriple(arg)
		if err != nil {
			s.log.Debug("malformed peer triple in re_query_peers", "err", err)
			continue
		}
		direct := peertable.Endpoint{IP: triple.IP, Port: triple.Port}
		if direct.Zero() || triple.MAC == s.localMAC {
			continue
		}

		currentEP, found := s.table.Lookup(triple.MAC)
		viaCore := !found || currentEP.Equal(s.coreEndpoint)

		if !viaCore {
			continue
		}
		if !s.cfg.EnableP2P {
			continue
		}
		s.startPunch(triple.MAC, direct)
	}
}

// startPunch fires BuildKeepAlive frames at direct every
// punchRetryInterval, up to punchMaxAttempts times, to open a NAT
// binding for a direct path. Punches carry ttl=0: they exist to be
// learned by the remote's ingress, never to be relayed. A second
// trigger for the same MAC cancels and restarts the attempt against
// the newer endpoint.
func (s *Switch) startPunch(mac wireframe.MAC64, direct peertable.Endpoint) {
	s.punchMu.Lock()
	if stop, ok := s.punchStops[mac]; ok {
		stop()
	}
	ctx, cancel := context.WithCancel(s.ctx)
	s.punchStops[mac] = cancel
	s.punchMu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.punchMu.Lock()
			// A cancelled ctx means a newer punch owns the map entry
			// (or the switch is stopping); only an attempt that ran to
			// completion removes its own entry.
			if ctx.Err() == nil {
				delete(s.punchStops, mac)
			}
			s.punchMu.Unlock()
			cancel()
		}()

		frame := control.BuildKeepAlive(s.localMAC, mac)
		t := time.NewTicker(punchRetryInterval)
		defer t.Stop()
		for attempt := 0; attempt < punchMaxAttempts; attempt++ {
			if err := s.transport.Send(frame, direct, 0); err != nil {
				s.log.Debug("punch send failed", "dst", direct, "err", err)
			}
			select {
			case <-ctx.Done():
				return
			case <-t.C:
			}
		}
	}()
}
