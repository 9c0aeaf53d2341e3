// Package forwarding implements the ingress/egress decision logic that
// is the heart of the switch: deliver-to-TAP, unicast-forward,
// broadcast fan-out with de-duplication and source suppression, and
// TTL bookkeeping.
package forwarding

import (
	"log/slog"

	"github.com/tvswitch/tvs/internal/peertable"
	"github.com/tvswitch/tvs/internal/wireframe"
)

// TapWriter is the one TAP operation the forwarding engine needs.
type TapWriter interface {
	Write(buf []byte) (int, error)
}

// Sender is the one transport operation the forwarding engine needs.
type Sender interface {
	Send(frame []byte, dst peertable.Endpoint, ttl uint8) error
}

// Engine holds no per-flow state: everything it needs beyond its
// configuration lives in the peer table.
type Engine struct {
	LocalMAC wireframe.MAC64
	SendTTL  uint8

	Table  *peertable.Table
	Tap    TapWriter
	Sender Sender

	log *slog.Logger
}

// New creates a forwarding engine.
func New(localMAC wireframe.MAC64, sendTTL uint8, table *peertable.Table, tap TapWriter, sender Sender, log *slog.Logger) *Engine {
	return &Engine{
		LocalMAC: localMAC,
		SendTTL:  sendTTL,
		Table:    table,
		Tap:      tap,
		Sender:   sender,
		log:      log.With("component", "forwarding"),
	}
}

// Ingress processes one frame received from the network. isControl is
// true iff the frame's payload carries the control protocol's prefix;
// the caller determines that (with control.IsControl), forwarding only
// uses it to skip the TAP-delivery step. Control frames never reach
// the TAP, but their sender is still learned and they are still
// subject to the same TTL-bounded relay rules as data, which is how a
// control frame addressed to a remote edge travels through the core.
func (e *Engine) Ingress(frame []byte, src peertable.Endpoint, ttl uint8, isControl bool) {
	hdr, err := wireframe.ParseHeader(frame)
	if err != nil {
		e.log.Debug("ingress: unparseable frame, dropping", "err", err)
		return
	}
	dmac, smac := hdr.Dst, hdr.Src

	if !isControl && (dmac == e.LocalMAC || dmac == wireframe.Broadcast) && smac != e.LocalMAC && len(frame) > wireframe.MinForwardableLen {
		if _, err := e.Tap.Write(frame); err != nil {
			e.log.Debug("tap write failed", "err", err)
		}
	}
	if smac != wireframe.Broadcast && smac != e.LocalMAC {
		e.Table.Learn(smac, src, ttl)
	}

	e.forwardDecision(frame, hdr, src, ttl)
}

// forwardDecision applies the TTL-bounded forwarding rule that runs
// regardless of isControl, so a control frame destined for a specific
// remote can be relayed through the core exactly like data.
func (e *Engine) forwardDecision(frame []byte, hdr wireframe.Header, src peertable.Endpoint, ttl uint8) {
	if hdr.Dst == e.LocalMAC {
		return
	}
	if ttl == 0 {
		return
	}
	if len(frame) <= wireframe.MinForwardableLen {
		return
	}

	if hdr.Dst != wireframe.Broadcast {
		if ep, found := e.Table.Lookup(hdr.Dst); found {
			if err := e.Sender.Send(frame, ep, ttl-1); err != nil {
				e.log.Debug("forward send failed", "dst", hdr.Dst, "err", err)
			}
		}
		return
	}

	e.BroadcastFanout(frame, src, ttl)
}

// BroadcastFanout sends frame to every known peer once, skipping the
// endpoint the frame arrived from (source suppression) and
// de-duplicating peers that share an endpoint. A send to the BROADCAST
// bucket (the upstream/core) decrements TTL normally; a send to any
// other (P2P) peer goes out with ttl'=0, which is the loop suppressor:
// the remote delivers to its local TAP but never re-forwards.
//
// src may be the zero Endpoint when called from Egress, where there is
// no source to suppress (the frame originated locally, not from the
// network).
func (e *Engine) BroadcastFanout(frame []byte, src peertable.Endpoint, ttl uint8) {
	suppressSrc := !src.Zero()
	sent := make(map[string]struct{})

	e.Table.ForEach(func(me peertable.MACEndpoint) {
		if me.Endpoint.Zero() {
			return
		}
		if suppressSrc && me.Endpoint.Equal(src) {
			return
		}
		key := me.Endpoint.String()
		if _, dup := sent[key]; dup {
			return
		}
		sent[key] = struct{}{}

		outTTL := uint8(0)
		if me.MAC == wireframe.Broadcast && ttl > 0 {
			outTTL = ttl - 1
		}
		if err := e.Sender.Send(frame, me.Endpoint, outTTL); err != nil {
			e.log.Debug("fanout send failed", "dst", me.Endpoint, "err", err)
		}
	})
}

// Egress processes one frame read from the local TAP device.
func (e *Engine) Egress(frame []byte) {
	hdr, err := wireframe.ParseHeader(frame)
	if err != nil {
		e.log.Debug("egress: unparseable frame, dropping", "err", err)
		return
	}

	ep, _ := e.Table.Lookup(hdr.Dst)
	if !ep.Zero() {
		if err := e.Sender.Send(frame, ep, e.SendTTL); err != nil {
			e.log.Debug("egress send failed", "dst", hdr.Dst, "err", err)
		}
		return
	}
	if hdr.Dst == wireframe.Broadcast {
		e.BroadcastFanout(frame, peertable.Endpoint{}, e.SendTTL)
		return
	}
	// No route, not broadcast: drop.
}
