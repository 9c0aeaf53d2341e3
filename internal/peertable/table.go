// Package peertable implements the concurrent MAC-to-peer-endpoint map
// that the forwarding engine reads on every egress decision and writes
// from every ingress event: a TTL-preference write policy and a
// snapshot-then-release ForEach contract that never invokes its
// callback with the lock held.
package peertable

import (
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/tvswitch/tvs/internal/wireframe"
)

// EntryTTL is how long a non-broadcast entry survives without a
// confirming observation.
const EntryTTL = 20 * time.Second

// SweepInterval is the period of the expiry sweep task.
const SweepInterval = 5 * time.Second

// Endpoint is a peer socket address. Equality is defined as same
// numeric address after v4-mapped normalization AND same port — no
// DNS, no textual comparison.
type Endpoint struct {
	IP   net.IP
	Port int
}

// Equal reports whether e and other name the same numeric endpoint.
func (e Endpoint) Equal(other Endpoint) bool {
	return e.Port == other.Port && e.IP.To16().Equal(other.IP.To16())
}

// Zero reports whether e is the unset endpoint (zero port).
func (e Endpoint) Zero() bool {
	return e.Port == 0
}

func (e Endpoint) String() string {
	if e.IP == nil {
		return "<nil>:0"
	}
	return net.JoinHostPort(e.IP.String(), strconv.Itoa(e.Port))
}

// EndpointFromUDP converts a *net.UDPAddr into an Endpoint, normalizing
// IPv4-mapped-into-IPv6 addresses to their 16-byte form so that
// Endpoint.Equal compares consistently regardless of which family the
// socket happened to report.
func EndpointFromUDP(addr *net.UDPAddr) Endpoint {
	if addr == nil {
		return Endpoint{}
	}
	return Endpoint{IP: addr.IP.To16(), Port: addr.Port}
}

// UDPAddr converts e back to a *net.UDPAddr for sending.
func (e Endpoint) UDPAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: e.IP, Port: e.Port}
}

// Record is the value stored per MAC.
type Record struct {
	Endpoint    Endpoint
	ObservedTTL uint8
	LastSeen    time.Time
}

// Table is the concurrent MAC64 -> Record map. All mutating and
// reading operations hold a single mutex; for_each snapshots under the
// lock and releases before invoking its callback.
type Table struct {
	mu      sync.Mutex
	records map[wireframe.MAC64]*Record
}

// New creates an empty table. The caller is responsible for seeding
// the BROADCAST entry.
func New() *Table {
	return &Table{records: make(map[wireframe.MAC64]*Record)}
}

// Seed installs or overwrites an entry unconditionally, bypassing the
// TTL-preference rule. Used once at startup to seed BROADCAST with the
// configured upstream, and by tests that need to set up fixtures.
func (t *Table) Seed(mac wireframe.MAC64, ep Endpoint, ttl uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[mac] = &Record{Endpoint: ep, ObservedTTL: ttl, LastSeen: time.Now()}
}

// Learn is the ingress write path:
//
//   - unknown MAC: create the record.
//   - known MAC, same endpoint: refresh LastSeen only, ObservedTTL
//     unchanged.
//   - known MAC, different endpoint, ttl >= stored ObservedTTL:
//     overwrite Endpoint, LastSeen, and ObservedTTL.
//   - known MAC, different endpoint, ttl < stored ObservedTTL: reject
//     silently.
//
// A packet that traversed fewer hops carries a higher residual TTL; a
// peer reachable via a shorter path displaces one reached via a longer
// path, and equal-length paths accept the newer observation.
func (t *Table) Learn(mac wireframe.MAC64, ep Endpoint, ttl uint8) {
	t.mu.Lock()
	defer t.mu.Unlock()

	rec, ok := t.records[mac]
	if !ok {
		t.records[mac] = &Record{Endpoint: ep, ObservedTTL: ttl, LastSeen: time.Now()}
		return
	}
	if rec.Endpoint.Equal(ep) {
		rec.LastSeen = time.Now()
		return
	}
	if ttl >= rec.ObservedTTL {
		rec.Endpoint = ep
		rec.ObservedTTL = ttl
		rec.LastSeen = time.Now()
	}
	// else: reject silently, caller may log at debug level.
}

// Lookup is the egress read path. It returns the BROADCAST entry's
// endpoint when mac is unknown, so a caller that ignores found still
// routes to the configured upstream.
func (t *Table) Lookup(mac wireframe.MAC64) (ep Endpoint, found bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if rec, ok := t.records[mac]; ok {
		return rec.Endpoint, true
	}
	if rec, ok := t.records[wireframe.Broadcast]; ok {
		return rec.Endpoint, false
	}
	return Endpoint{}, false
}

// MACEndpoint is one entry in a for_each snapshot.
type MACEndpoint struct {
	MAC      wireframe.MAC64
	Endpoint Endpoint
}

// ForEach snapshots (mac, endpoint) pairs under the lock, releases the
// lock, then invokes fn once per pair. fn MUST NOT be invoked while the
// lock is held, so a callback that itself calls back into the table
// (e.g. a send that triggers a learn) can never deadlock.
func (t *Table) ForEach(fn func(MACEndpoint)) {
	t.mu.Lock()
	snapshot := make([]MACEndpoint, 0, len(t.records))
	for mac, rec := range t.records {
		snapshot = append(snapshot, MACEndpoint{MAC: mac, Endpoint: rec.Endpoint})
	}
	t.mu.Unlock()

	for _, me := range snapshot {
		fn(me)
	}
}

// Remove deletes mac's entry, used by the expiry sweep.
func (t *Table) Remove(mac wireframe.MAC64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, mac)
}

// Sweep evicts every non-BROADCAST entry whose LastSeen is older than
// EntryTTL, relative to now. Returns the MACs that were removed so
// dependent state (the ARP snoop cache) can be evicted alongside.
func (t *Table) Sweep(now time.Time) []wireframe.MAC64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []wireframe.MAC64
	for mac, rec := range t.records {
		if mac == wireframe.Broadcast {
			continue
		}
		if now.Sub(rec.LastSeen) > EntryTTL {
			delete(t.records, mac)
			removed = append(removed, mac)
		}
	}
	return removed
}

// Get returns a copy of the stored record for mac, for tests and
// diagnostics.
func (t *Table) Get(mac wireframe.MAC64) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[mac]
	if !ok {
		return Record{}, false
	}
	return *rec, true
}
