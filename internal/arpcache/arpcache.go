// Package arpcache maintains an IPv4-to-MAC table snooped from ARP
// requests and replies crossing the switch. The forwarding plane never
// consults it (egress decisions are MAC-driven); it exists as an
// observability surface: which tunnel MAC answers for which address,
// kept in lockstep with the peer table's lifetime.
package arpcache

import (
	"encoding/binary"
	"net"
	"sync"

	"github.com/tvswitch/tvs/internal/wireframe"
)

// etherTypeARP is the EtherType carried at frame bytes 12-13 for ARP.
const etherTypeARP = 0x0806

// payloadLen is the wire size of an IPv4-over-Ethernet ARP payload:
// htype(2) ptype(2) hlen(1) plen(1) op(2) sha(6) spa(4) tha(6) tpa(4).
const payloadLen = 28

const (
	opRequest = 1
	opReply   = 2
)

// Binding is one snooped IPv4-to-MAC association.
type Binding struct {
	IP  net.IP
	MAC wireframe.MAC64
}

// Cache is the concurrent snoop table. All operations hold a single
// mutex for the duration of a map probe or update.
type Cache struct {
	mu      sync.Mutex
	entries map[uint32]wireframe.MAC64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{entries: make(map[uint32]wireframe.MAC64)}
}

// Observe inspects one Ethernet frame and, when it is an ARP request
// or reply, records the sender's binding and the target's.
// Unusable addresses are skipped: the zero and broadcast IP,
// the zero MAC, and the broadcast MAC, which appear in the untaken
// half of a request. It returns the bindings that were newly recorded
// or changed, nil for anything that is not ARP.
func (c *Cache) Observe(frame []byte) []Binding {
	if len(frame) < wireframe.HeaderLen+payloadLen {
		return nil
	}
	if binary.BigEndian.Uint16(frame[12:14]) != etherTypeARP {
		return nil
	}
	p := frame[wireframe.HeaderLen : wireframe.HeaderLen+payloadLen]
	op := binary.BigEndian.Uint16(p[6:8])
	if op != opRequest && op != opReply {
		return nil
	}
	senderMAC, _ := wireframe.MACFromBytes(p, 8)
	senderIP := binary.BigEndian.Uint32(p[14:18])
	targetMAC, _ := wireframe.MACFromBytes(p, 18)
	targetIP := binary.BigEndian.Uint32(p[24:28])

	var changed []Binding
	c.mu.Lock()
	defer c.mu.Unlock()
	if usable(senderIP, senderMAC) && c.put(senderIP, senderMAC) {
		changed = append(changed, Binding{IP: ipFromKey(senderIP), MAC: senderMAC})
	}
	if usable(targetIP, targetMAC) && c.put(targetIP, targetMAC) {
		changed = append(changed, Binding{IP: ipFromKey(targetIP), MAC: targetMAC})
	}
	return changed
}

func usable(ip uint32, mac wireframe.MAC64) bool {
	return ip != 0 && ip != 0xffffffff && mac != 0 && mac != wireframe.Broadcast
}

// put records ip -> mac and reports whether the stored value changed.
// Caller holds the lock.
func (c *Cache) put(ip uint32, mac wireframe.MAC64) bool {
	if prev, ok := c.entries[ip]; ok && prev == mac {
		return false
	}
	c.entries[ip] = mac
	return true
}

// Lookup returns the MAC last seen answering for ip.
func (c *Cache) Lookup(ip net.IP) (wireframe.MAC64, bool) {
	key, ok := ipKey(ip)
	if !ok {
		return 0, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	mac, ok := c.entries[key]
	return mac, ok
}

// RemoveMAC drops every binding that resolves to mac. The switch calls
// this when the peer table evicts a silent peer, so the snoop table
// never outlives the peer it describes.
func (c *Cache) RemoveMAC(mac wireframe.MAC64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for ip, m := range c.entries {
		if m == mac {
			delete(c.entries, ip)
		}
	}
}

// Len returns the number of bindings currently held.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func ipKey(ip net.IP) (uint32, bool) {
	v4 := ip.To4()
	if v4 == nil {
		return 0, false
	}
	return binary.BigEndian.Uint32(v4), true
}

func ipFromKey(key uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, key)
	return ip
}
