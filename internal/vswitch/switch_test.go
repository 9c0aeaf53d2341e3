package vswitch

import (
	"context"
	"encoding/binary"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"github.com/tvswitch/tvs/internal/arpcache"
	"github.com/tvswitch/tvs/internal/control"
	"github.com/tvswitch/tvs/internal/envelope"
	"github.com/tvswitch/tvs/internal/forwarding"
	"github.com/tvswitch/tvs/internal/peertable"
	"github.com/tvswitch/tvs/internal/transport"
	"github.com/tvswitch/tvs/internal/wireframe"
)

type discardTap struct{}

func (discardTap) Write(buf []byte) (int, error) { return len(buf), nil }

func testLog() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMAC(t *testing.T, s string) wireframe.MAC64 {
	t.Helper()
	m, err := wireframe.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return m
}

// newLoopbackSwitch wires up a Switch with a real bound UDP transport but
// no TAP device, so the control protocol and forwarding engine can be
// exercised over the loopback interface without root or a TUN/TAP driver.
func newLoopbackSwitch(t *testing.T, localMAC wireframe.MAC64, core peertable.Endpoint) *Switch {
	t.Helper()
	tr, err := transport.Start(0, "127.0.0.1", true, 0, testLog())
	if err != nil {
		t.Fatalf("transport.Start: %v", err)
	}
	t.Cleanup(func() { tr.Close() })

	tbl := peertable.New()
	tbl.Seed(wireframe.Broadcast, core, 0)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	sw := &Switch{
		cfg:          Config{SendTTL: 4, EnableP2P: true},
		log:          testLog(),
		localMAC:     localMAC,
		coreEndpoint: core,
		table:        tbl,
		arp:          arpcache.New(),
		transport:    tr,
		ctx:          ctx,
		cancel:       cancel,
		punchStops:   make(map[wireframe.MAC64]context.CancelFunc),
	}
	sw.engine = forwarding.New(localMAC, sw.cfg.SendTTL, tbl, discardTap{}, tr, testLog())
	tr.OnRead(sw.handleDatagram)
	return sw
}

func loopbackEndpoint(port int) peertable.Endpoint {
	return peertable.Endpoint{IP: net.ParseIP("127.0.0.1").To16(), Port: port}
}

func pollUntil(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

// Regression test for the handleDatagram dispatch: control frames always
// carry dmac=00:00:00:00:00:00 (control.buildFrame), so gating the reply
// path on "frame addressed to my MAC" can never fire and silently drops
// every control message. QueryPeerInfo exercises the full
// request -> handle -> reply -> handle round trip.
func TestControlQueryPeerInfoRoundTrip(t *testing.T) {
	coreMAC := testMAC(t, "02:00:00:00:00:01")
	edgeMAC := testMAC(t, "02:00:00:00:00:02")

	core := newLoopbackSwitch(t, coreMAC, peertable.Endpoint{})
	coreEP := loopbackEndpoint(core.transport.Port())
	edge := newLoopbackSwitch(t, edgeMAC, coreEP)

	frame := control.BuildQueryPeerInfo(edgeMAC)
	if err := edge.transport.Send(frame, coreEP, 4); err != nil {
		t.Fatalf("send QueryPeerInfo: %v", err)
	}

	pollUntil(t, time.Second, func() bool {
		_, found := core.table.Get(edgeMAC)
		return found
	})
	rec, _ := core.table.Get(edgeMAC)
	if !rec.Endpoint.Equal(loopbackEndpoint(edge.transport.Port())) {
		t.Fatalf("core learned wrong endpoint for edge: %+v", rec)
	}

	pollUntil(t, time.Second, func() bool {
		return edge.CoreMAC() == coreMAC
	})
}

// QueryPeers exercises the full discovery pipeline over real loopback
// sockets: the core learns the querying edge, answers with its known
// peer triples (the requester's own entry included — the edge just
// ignores its own MAC), and the edge reacts to a core-routed third
// peer by punching toward its advertised direct endpoint.
func TestControlQueryPeersRoundTrip(t *testing.T) {
	coreMAC := testMAC(t, "02:00:00:00:00:01")
	edgeMAC := testMAC(t, "02:00:00:00:00:02")
	thirdMAC := testMAC(t, "02:00:00:00:00:07")

	core := newLoopbackSwitch(t, coreMAC, peertable.Endpoint{})
	coreEP := loopbackEndpoint(core.transport.Port())
	edge := newLoopbackSwitch(t, edgeMAC, coreEP)

	thirdSink, thirdEP := rawListener(t)
	core.table.Seed(thirdMAC, thirdEP, 4)

	frame := control.BuildQueryPeers(edgeMAC)
	if err := edge.transport.Send(frame, coreEP, 4); err != nil {
		t.Fatalf("send QueryPeers: %v", err)
	}

	pollUntil(t, time.Second, func() bool {
		_, found := core.table.Get(edgeMAC)
		return found
	})

	// The edge has no direct route to the third peer, so the triple in
	// the ReQueryPeers reply triggers a punch toward thirdEP.
	punch, ttl := readDatagram(t, thirdSink)
	if ttl != 0 {
		t.Fatalf("punch must carry ttl=0, got %d", ttl)
	}
	hdr, err := wireframe.ParseHeader(punch)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Dst != thirdMAC || hdr.Src != edgeMAC {
		t.Fatalf("punch addressed dst=%s src=%s", hdr.Dst, hdr.Src)
	}
}

// rawListener binds a plain UDP socket that captures the raw encoded
// datagrams a switch emits, without a second switch behind them.
func rawListener(t *testing.T) (*net.UDPConn, peertable.Endpoint) {
	t.Helper()
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1")})
	if err != nil {
		t.Fatalf("ListenUDP: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	port := conn.LocalAddr().(*net.UDPAddr).Port
	return conn, loopbackEndpoint(port)
}

func readDatagram(t *testing.T, conn *net.UDPConn) (frame []byte, ttl uint8) {
	t.Helper()
	buf := make([]byte, 65535)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := conn.ReadFromUDP(buf)
	if err != nil {
		t.Fatalf("read datagram: %v", err)
	}
	frame, ttl, err = envelope.Decode(buf[:n])
	if err != nil {
		t.Fatalf("decode datagram: %v", err)
	}
	return frame, ttl
}

// S3-style P2P displacement: an edge with no entry of its own for a
// third peer (its lookup falls back to the BROADCAST/core bucket)
// begins a punch toward the advertised direct endpoint once
// ReQueryPeers names it. The punch itself is a 12-byte keep-alive at ttl=0: a learning
// event for the remote, never relayable.
func TestApplyReQueryPeersStartsPunchForCoreRoutedPeer(t *testing.T) {
	edgeMAC := testMAC(t, "02:00:00:00:00:02")
	otherMAC := testMAC(t, "02:00:00:00:00:03")
	core := newLoopbackSwitch(t, testMAC(t, "02:00:00:00:00:01"), peertable.Endpoint{})
	coreEP := loopbackEndpoint(core.transport.Port())
	edge := newLoopbackSwitch(t, edgeMAC, coreEP)

	punchSink, advertised := rawListener(t)

	// edge currently has no direct route to otherMAC, so lookup falls
	// back to the BROADCAST/core bucket: viaCore is true.
	edge.applyReQueryPeers([]string{
		control.PeerTriple{MAC: otherMAC, IP: advertised.IP, Port: advertised.Port}.String(),
	})

	pollUntil(t, time.Second, func() bool {
		edge.punchMu.Lock()
		defer edge.punchMu.Unlock()
		_, ok := edge.punchStops[otherMAC]
		return ok
	})

	frame, ttl := readDatagram(t, punchSink)
	if ttl != 0 {
		t.Fatalf("punch must carry ttl=0, got %d", ttl)
	}
	if len(frame) != wireframe.MinForwardableLen {
		t.Fatalf("punch must be a bare 12-byte header, got %d bytes", len(frame))
	}
	hdr, err := wireframe.ParseHeader(frame)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if hdr.Dst != otherMAC || hdr.Src != edgeMAC {
		t.Fatalf("punch addressed dst=%s src=%s", hdr.Dst, hdr.Src)
	}
}

// An ARP reply riding the data path is snooped into the IP-to-MAC
// cache while the frame is otherwise handled normally (sender learned
// into the peer table).
func TestDataFrameArpSnoop(t *testing.T) {
	localMAC := testMAC(t, "02:00:00:00:00:01")
	remoteMAC := testMAC(t, "02:00:00:00:00:02")
	sw := newLoopbackSwitch(t, localMAC, peertable.Endpoint{})

	frame := make([]byte, wireframe.HeaderLen+28)
	db, sb := localMAC.Bytes(), remoteMAC.Bytes()
	copy(frame[0:6], db[:])
	copy(frame[6:12], sb[:])
	binary.BigEndian.PutUint16(frame[12:14], 0x0806)
	p := frame[wireframe.HeaderLen:]
	binary.BigEndian.PutUint16(p[0:2], 1)      // Ethernet
	binary.BigEndian.PutUint16(p[2:4], 0x0800) // IPv4
	p[4], p[5] = 6, 4
	binary.BigEndian.PutUint16(p[6:8], 2) // reply
	copy(p[8:14], sb[:])
	copy(p[14:18], net.ParseIP("10.1.0.2").To4())
	copy(p[18:24], db[:])
	copy(p[24:28], net.ParseIP("10.1.0.1").To4())

	sw.handleDatagram(frame, loopbackEndpoint(40000), 4)

	if mac, ok := sw.arp.Lookup(net.ParseIP("10.1.0.2")); !ok || mac != remoteMAC {
		t.Fatalf("expected snooped binding 10.1.0.2 -> %s, got %s found=%v", remoteMAC, mac, ok)
	}
	if _, ok := sw.table.Get(remoteMAC); !ok {
		t.Fatal("arp frame sender should also be learned into the peer table")
	}
}

// Link keep-alives carry ttl=0 so the receiver refreshes last-seen but
// never relays them.
func TestKeepAliveCarriesZeroTTL(t *testing.T) {
	edgeMAC := testMAC(t, "02:00:00:00:00:02")
	peerMAC := testMAC(t, "02:00:00:00:00:05")
	edge := newLoopbackSwitch(t, edgeMAC, peertable.Endpoint{})

	sink, peerEP := rawListener(t)
	edge.table.Seed(peerMAC, peerEP, 3)

	edge.doKeepalive()

	frame, ttl := readDatagram(t, sink)
	if ttl != 0 {
		t.Fatalf("keep-alive must carry ttl=0, got %d", ttl)
	}
	if len(frame) != wireframe.MinForwardableLen {
		t.Fatalf("keep-alive must be a bare 12-byte header, got %d bytes", len(frame))
	}
}
