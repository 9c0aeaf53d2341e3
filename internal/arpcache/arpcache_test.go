package arpcache

import (
	"encoding/binary"
	"net"
	"testing"

	"github.com/tvswitch/tvs/internal/wireframe"
)

func mustMAC(t *testing.T, s string) wireframe.MAC64 {
	t.Helper()
	m, err := wireframe.ParseMAC(s)
	if err != nil {
		t.Fatalf("ParseMAC(%q): %v", s, err)
	}
	return m
}

// arpFrame builds an Ethernet frame carrying an IPv4 ARP payload.
func arpFrame(t *testing.T, op uint16, senderMAC wireframe.MAC64, senderIP string, targetMAC wireframe.MAC64, targetIP string) []byte {
	t.Helper()
	frame := make([]byte, wireframe.HeaderLen+payloadLen)
	dst := wireframe.Broadcast.Bytes()
	src := senderMAC.Bytes()
	copy(frame[0:6], dst[:])
	copy(frame[6:12], src[:])
	binary.BigEndian.PutUint16(frame[12:14], etherTypeARP)

	p := frame[wireframe.HeaderLen:]
	binary.BigEndian.PutUint16(p[0:2], 1)      // Ethernet
	binary.BigEndian.PutUint16(p[2:4], 0x0800) // IPv4
	p[4], p[5] = 6, 4
	binary.BigEndian.PutUint16(p[6:8], op)
	sm := senderMAC.Bytes()
	copy(p[8:14], sm[:])
	copy(p[14:18], net.ParseIP(senderIP).To4())
	tm := targetMAC.Bytes()
	copy(p[18:24], tm[:])
	copy(p[24:28], net.ParseIP(targetIP).To4())
	return frame
}

func TestObserveReplyRecordsBothSides(t *testing.T) {
	c := New()
	sender := mustMAC(t, "02:00:00:00:00:01")
	target := mustMAC(t, "02:00:00:00:00:02")

	changed := c.Observe(arpFrame(t, opReply, sender, "10.0.0.1", target, "10.0.0.2"))
	if len(changed) != 2 {
		t.Fatalf("expected 2 new bindings from a reply, got %d", len(changed))
	}
	if mac, ok := c.Lookup(net.ParseIP("10.0.0.1")); !ok || mac != sender {
		t.Fatalf("sender binding missing or wrong: %v %v", mac, ok)
	}
	if mac, ok := c.Lookup(net.ParseIP("10.0.0.2")); !ok || mac != target {
		t.Fatalf("target binding missing or wrong: %v %v", mac, ok)
	}
}

// A request carries a zero target MAC: only the sender side is usable.
func TestObserveRequestSkipsUnresolvedTarget(t *testing.T) {
	c := New()
	sender := mustMAC(t, "02:00:00:00:00:01")

	changed := c.Observe(arpFrame(t, opRequest, sender, "10.0.0.1", 0, "10.0.0.9"))
	if len(changed) != 1 {
		t.Fatalf("expected only the sender binding, got %d", len(changed))
	}
	if _, ok := c.Lookup(net.ParseIP("10.0.0.9")); ok {
		t.Fatal("unresolved target must not be recorded")
	}
}

func TestObserveRepeatIsNotAChange(t *testing.T) {
	c := New()
	sender := mustMAC(t, "02:00:00:00:00:01")
	frame := arpFrame(t, opRequest, sender, "10.0.0.1", 0, "10.0.0.9")

	c.Observe(frame)
	if changed := c.Observe(frame); len(changed) != 0 {
		t.Fatalf("re-observing an identical binding should report no change, got %d", len(changed))
	}
}

func TestObserveIgnoresNonARP(t *testing.T) {
	c := New()
	frame := make([]byte, wireframe.HeaderLen+payloadLen)
	binary.BigEndian.PutUint16(frame[12:14], 0x0800) // IPv4, not ARP
	if changed := c.Observe(frame); changed != nil {
		t.Fatal("an IPv4 frame must not produce bindings")
	}
	if c.Observe(make([]byte, 20)) != nil {
		t.Fatal("a short frame must not produce bindings")
	}
}

func TestRemoveMACDropsAllItsBindings(t *testing.T) {
	c := New()
	moved := mustMAC(t, "02:00:00:00:00:01")
	kept := mustMAC(t, "02:00:00:00:00:02")
	c.Observe(arpFrame(t, opReply, moved, "10.0.0.1", kept, "10.0.0.2"))
	c.Observe(arpFrame(t, opRequest, moved, "10.0.0.3", 0, "10.0.0.9"))

	c.RemoveMAC(moved)

	if _, ok := c.Lookup(net.ParseIP("10.0.0.1")); ok {
		t.Fatal("binding for the removed MAC should be gone")
	}
	if _, ok := c.Lookup(net.ParseIP("10.0.0.3")); ok {
		t.Fatal("second binding for the removed MAC should be gone")
	}
	if _, ok := c.Lookup(net.ParseIP("10.0.0.2")); !ok {
		t.Fatal("bindings for other MACs must survive")
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 surviving binding, got %d", c.Len())
	}
}
