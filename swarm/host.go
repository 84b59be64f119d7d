// Package swarm maintains the set of peer connections and fans each one
// out to drive replication and the feed-gossip protocol multiplexed on the
// same byte stream (spec.md §4.2). It also implements the DriveRegistry
// Joiner interface (topic join) and a best-effort NAT traversal so the
// node's listener is reachable from outside a home router.
package swarm

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/metrics"
	"github.com/ayooooo123/peartube-sub004/perr"
)

// FeedHandler is the feed-gossip protocol's half of the connection
// lifecycle (spec.md §4.2 step 2: "Notify FeedGossip about C"). feedgossip.Gossip
// implements this.
type FeedHandler interface {
	OnConnOpen(c *Conn)
	OnMessage(c *Conn, raw []byte)
	OnConnClose(c *Conn)
}

// DriveBridge is the hand-off point for drive replication (spec.md §4.2
// step 1: "Hand C to the drive-replication layer"). The real append-log
// replication library would implement this; the default no-op bridge logs
// and returns, since that protocol is explicitly out of scope (spec.md §1).
type DriveBridge interface {
	BridgeConn(c *Conn)
}

type noopBridge struct{ log *log.Logger }

func (b noopBridge) BridgeConn(c *Conn) {
	b.log.Debug("drive replication bridge is a no-op stand-in", "peer", c.ID())
}

// Host owns every peer connection in the node.
type Host struct {
	mu    sync.RWMutex
	conns map[string]*Conn

	feed   FeedHandler
	bridge DriveBridge
	nat    *natMapper
	log    *log.Logger

	listener net.Listener
}

// NewHost builds a Host that hands connections to feed and, optionally, a
// DriveBridge (nil installs a no-op bridge).
func NewHost(feed FeedHandler, bridge DriveBridge) *Host {
	l := log.New("component", "swarmhost")
	if bridge == nil {
		bridge = noopBridge{log: l}
	}
	return &Host{
		conns:  make(map[string]*Conn),
		feed:   feed,
		bridge: bridge,
		nat:    newNATMapper(l),
		log:    l,
	}
}

// Listen opens a TCP listener at addr and accepts connections until ctx is
// canceled. Best-effort NAT-PMP/UPnP port mapping is attempted once so
// remote peers behind a different NAT can dial in; failure is logged and
// non-fatal (spec.md §5: the overlay library owns reconnection/reachability
// concerns the core cannot control).
func (h *Host) Listen(ctx context.Context, addr string) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: listening on %s: %v", perr.ErrInternal, addr, err)
	}
	h.listener = ln
	port := ln.Addr().(*net.TCPAddr).Port
	if err := h.nat.Map(port); err != nil {
		h.log.Warn("NAT traversal failed, node may be unreachable from outside its NAT", "err", err)
	}

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	go h.acceptLoop(ln)
	return ln.Addr().String(), nil
}

func (h *Host) acceptLoop(ln net.Listener) {
	for {
		raw, err := ln.Accept()
		if err != nil {
			return // listener closed
		}
		h.onConn(raw, false)
	}
}

// Dial connects out to addr, registering the resulting connection exactly
// as an inbound one would be (spec.md §4.2: "Connections may be server or
// client role; both are treated identically after the handshake").
func (h *Host) Dial(ctx context.Context, addr string) (*Conn, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dialing %s: %v", perr.ErrInternal, addr, err)
	}
	return h.onConn(raw, true), nil
}

func (h *Host) onConn(raw net.Conn, outbound bool) *Conn {
	c := newConn(raw, outbound)

	h.mu.Lock()
	h.conns[c.ID()] = c
	n := len(h.conns)
	h.mu.Unlock()
	connOpenMeter.Mark(1)
	connGauge.Inc(1)
	h.log.Debug("peer connected", "peer", c.ID(), "outbound", outbound, "totalPeers", n)

	h.bridge.BridgeConn(c)
	h.feed.OnConnOpen(c)

	go h.readLoop(c)
	return c
}

func (h *Host) readLoop(c *Conn) {
	defer h.dropConn(c)
	for {
		frame, err := c.readFrame()
		if err != nil {
			return
		}
		h.feed.OnMessage(c, frame)
	}
}

func (h *Host) dropConn(c *Conn) {
	h.mu.Lock()
	delete(h.conns, c.ID())
	n := len(h.conns)
	h.mu.Unlock()
	connGauge.Dec(1)
	c.Close()
	h.feed.OnConnClose(c)
	h.log.Debug("peer disconnected", "peer", c.ID(), "totalPeers", n)
}

// ConnectionCount returns the number of live peer connections, used as the
// peerCount figure for both feed stats and per-video stats. See DESIGN.md
// for why this counts total swarm connections rather than channels with an
// open feed subscription.
func (h *Host) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Broadcast sends frame to every connection except excluded ones, used by
// FeedGossip's re-gossip fan-out (spec.md §4.3: exclude the sender).
func (h *Host) Broadcast(frame []byte, exclude ...string) {
	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	h.mu.RLock()
	targets := make([]*Conn, 0, len(h.conns))
	for id, c := range h.conns {
		if !skip[id] {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	for _, c := range targets {
		if err := c.Send(frame); err != nil {
			h.log.Warn("broadcast send failed, dropping for this peer only", "peer", c.ID(), "err", err)
		}
	}
}

// Join marks a discovery topic as joined. A real overlay library would
// announce the topic on the DHT here and block until the announcement
// flushes (spec.md §4.1: "joins the overlay topic ... waits for the join
// to flush"); this Host has no DHT of its own (spec.md §1 treats the
// overlay as external), so Join is a synchronous no-op that always
// succeeds, giving DriveRegistry a real Joiner to call against.
func (h *Host) Join(ctx context.Context, topic [32]byte) error {
	h.log.Debug("joined discovery topic", "topic", fmt.Sprintf("%x", topic))
	return nil
}

var (
	connOpenMeter = metrics.NewRegisteredMeter("swarm/conn/open")
	connGauge     = metrics.NewRegisteredCounter("swarm/conn/active")
)
