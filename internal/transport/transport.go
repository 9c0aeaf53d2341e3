// Package transport owns the single bound UDP socket and its
// read/send loops: an installable per-datagram handler on the read
// side, and a single writer goroutine draining a bounded send queue on
// the write side.
package transport

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/tvswitch/tvs/internal/envelope"
	"github.com/tvswitch/tvs/internal/peertable"
)

// MaxDatagramSize is the largest UDP datagram this transport will
// attempt to read.
const MaxDatagramSize = 65535

// sendQueueDepth bounds the writer goroutine's backlog per the whole
// transport; a full queue drops the newest send.
const sendQueueDepth = 1024

// Handler processes one decoded datagram. The transport decodes the
// envelope and hands the caller a plain Ethernet-shaped frame;
// control vs. data classification is the caller's responsibility,
// since that depends on the control protocol's prefix grammar, which
// transport stays agnostic to.
type Handler func(frame []byte, src peertable.Endpoint, ttl uint8)

// Counters tracks the drop classes the transport absorbs without
// surfacing an error to any caller. Every field is monotonically
// increasing for the life of the transport.
type Counters struct {
	DecodeFailures atomic.Uint64 // datagrams that failed envelope decode
	EmptyFrames    atomic.Uint64 // datagrams that decoded to zero bytes
	QueueDrops     atomic.Uint64 // sends dropped on a full writer queue
	SendErrors     atomic.Uint64 // sends the kernel rejected
	OversizeSends  atomic.Uint64 // encoded datagrams larger than the configured MTU
}

type pendingSend struct {
	frame []byte
	dst   peertable.Endpoint
	ttl   uint8
}

// Transport is the single UDP socket and its reader/writer goroutines.
type Transport struct {
	conn *net.UDPConn
	port int
	mtu  int
	log  *slog.Logger

	handlerMu sync.RWMutex
	handler   Handler

	counters Counters

	sendCh chan pendingSend
	doneCh chan struct{}
	wg     sync.WaitGroup
}

// Start binds a UDP socket on port (0 picks an ephemeral port) and
// spawns the reader and writer goroutines. An empty bindIP binds the
// unspecified address; on dual-stack hosts that is the IPv6 wildcard,
// so IPv4-mapped peers are accepted on the same socket. reuse sets
// SO_REUSEADDR before bind so a restarted process can reclaim its
// port immediately. mtu, when non-zero, is the size above which an
// encoded datagram is logged as oversize (it is still sent).
func Start(port int, bindIP string, reuse bool, mtu int, log *slog.Logger) (*Transport, error) {
	var lc net.ListenConfig
	if reuse {
		lc.Control = reuseControl
	}
	pc, err := lc.ListenPacket(context.Background(), "udp", net.JoinHostPort(bindIP, strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("transport: bind udp port %d: %w", port, err)
	}
	conn, ok := pc.(*net.UDPConn)
	if !ok {
		pc.Close()
		return nil, fmt.Errorf("transport: unexpected packet conn type %T", pc)
	}
	actualPort := conn.LocalAddr().(*net.UDPAddr).Port

	t := &Transport{
		conn:   conn,
		port:   actualPort,
		mtu:    mtu,
		log:    log.With("component", "transport"),
		sendCh: make(chan pendingSend, sendQueueDepth),
		doneCh: make(chan struct{}),
	}
	t.log.Info("udp transport listening", "port", actualPort)

	t.wg.Add(2)
	go t.readLoop()
	go t.writeLoop()
	return t, nil
}

// Port returns the bound (possibly OS-assigned) local port.
func (t *Transport) Port() int {
	return t.port
}

// Stats exposes the transport's drop counters.
func (t *Transport) Stats() *Counters {
	return &t.counters
}

// OnRead installs the per-datagram handler. Only one handler is active
// at a time; installing nil detaches it.
func (t *Transport) OnRead(h Handler) {
	t.handlerMu.Lock()
	defer t.handlerMu.Unlock()
	t.handler = h
}

// Send encodes frame with ttl and enqueues it for transmission to dst.
// Sends to the same destination submitted from one goroutine (e.g. one
// broadcast_fanout call) are not reordered by the writer, since a
// single writer goroutine drains sendCh in submission order.
func (t *Transport) Send(frame []byte, dst peertable.Endpoint, ttl uint8) error {
	if dst.Zero() {
		return fmt.Errorf("transport: refusing send to zero-port endpoint")
	}
	datagram, err := envelope.Encode(frame, ttl)
	if err != nil {
		return fmt.Errorf("transport: encode: %w", err)
	}
	if t.mtu > 0 && len(datagram) > t.mtu {
		t.counters.OversizeSends.Add(1)
		t.log.Warn("encoded datagram exceeds mtu, sending anyway",
			"size", len(datagram), "mtu", t.mtu, "dst", dst)
	}
	select {
	case t.sendCh <- pendingSend{frame: datagram, dst: dst, ttl: ttl}:
		return nil
	default:
		t.counters.QueueDrops.Add(1)
		return fmt.Errorf("transport: send queue full, dropping datagram to %s", dst)
	}
}

func (t *Transport) writeLoop() {
	defer t.wg.Done()
	for {
		select {
		case <-t.doneCh:
			return
		case ps := <-t.sendCh:
			if _, err := t.conn.WriteToUDP(ps.frame, ps.dst.UDPAddr()); err != nil {
				t.counters.SendErrors.Add(1)
				t.log.Debug("udp send failed", "dst", ps.dst, "err", err)
			}
		}
	}
}

func (t *Transport) readLoop() {
	defer t.wg.Done()
	buf := make([]byte, MaxDatagramSize)
	for {
		n, addr, err := t.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-t.doneCh:
				return
			default:
			}
			t.log.Debug("udp read error", "err", err)
			continue
		}
		t.dispatch(buf[:n], peertable.EndpointFromUDP(addr))
	}
}

func (t *Transport) dispatch(datagram []byte, src peertable.Endpoint) {
	t.handlerMu.RLock()
	h := t.handler
	t.handlerMu.RUnlock()
	if h == nil {
		return
	}

	frame, ttl, err := envelope.Decode(datagram)
	if err != nil {
		t.counters.DecodeFailures.Add(1)
		t.log.Debug("decode failed, dropping datagram", "src", src, "err", err)
		return
	}
	if len(frame) == 0 {
		t.counters.EmptyFrames.Add(1)
		t.log.Debug("decoded datagram is empty, dropping", "src", src)
		return
	}

	// Degenerate frames (exactly 12 bytes, no EtherType/payload) and
	// frames with a reserved destination MAC are still delivered here:
	// the control path and keep-alives rely on both. It is the
	// handler's job (forwarding + control) to classify and act on
	// them, not the transport's.
	h(frame, src, ttl)
}

// Close stops the reader/writer goroutines and releases the socket.
func (t *Transport) Close() error {
	close(t.doneCh)
	err := t.conn.Close()
	t.wg.Wait()
	return err
}
