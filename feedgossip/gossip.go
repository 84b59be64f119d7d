package feedgossip

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/golang/snappy"

	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/metrics"
	"github.com/ayooooo123/peartube-sub004/swarm"
)

var errMalformed = errors.New("feedgossip: malformed message")

// snappyThreshold is the HAVE_FEED payload size above which the key list
// is snappy-compressed before framing, trimming the message once a node
// knows many channels.
const snappyThreshold = 4096

// Entry is a known channel (spec.md §3 FeedEntry).
type Entry struct {
	Key     common.ChannelKey
	AddedAt int64 // epoch millis
	Source  string
}

// EventSink receives eventFeedUpdate notifications (spec.md §6).
type EventSink interface {
	FeedUpdated()
}

// Broadcaster is the subset of swarm.Host Gossip needs, kept as an
// interface so tests can fake it without a real listener.
type Broadcaster interface {
	Broadcast(frame []byte, exclude ...string)
}

// Gossip is the FeedGossip component (spec.md §4.3).
type Gossip struct {
	mu      sync.Mutex
	visible map[common.ChannelKey]*Entry
	hidden  mapset.Set

	peers map[string]*swarm.Conn

	broadcaster Broadcaster
	sink        EventSink
	log         *log.Logger
	now         func() int64
}

// New builds a Gossip instance. sink may be nil (no-op events), useful in
// tests that only check list()/addEntry() semantics.
func New(broadcaster Broadcaster, sink EventSink) *Gossip {
	return &Gossip{
		visible:     make(map[common.ChannelKey]*Entry),
		hidden:      mapset.NewSet(),
		peers:       make(map[string]*swarm.Conn),
		broadcaster: broadcaster,
		sink:        sink,
		log:         log.New("component", "feedgossip"),
		now:         func() int64 { return time.Now().UnixMilli() },
	}
}

// addEntry rejects malformed keys, ignores hidden keys, is idempotent on
// duplicates, and returns true only when the entry is newly added (spec.md
// §4.3 "Contracts").
func (g *Gossip) addEntry(key common.ChannelKey, source string) bool {
	if !key.IsValid() {
		return false
	}
	g.mu.Lock()
	if g.hidden.Contains(key) {
		g.mu.Unlock()
		return false
	}
	if _, ok := g.visible[key]; ok {
		g.mu.Unlock()
		return false
	}
	g.visible[key] = &Entry{Key: key, AddedAt: g.now(), Source: source}
	sink := g.sink
	g.mu.Unlock()

	metrics.NewRegisteredMeter("feedgossip/entries/added").Mark(1)
	if sink != nil {
		sink.FeedUpdated()
	}
	return true
}

// Submit marks key as locally known and broadcasts SUBMIT_CHANNEL to every
// peer (spec.md §4.3 submit()).
func (g *Gossip) Submit(key common.ChannelKey) bool {
	if !key.IsValid() {
		return false
	}
	added := g.addEntry(key, "local")
	g.broadcastExcept(encodeSubmitChannel(key))
	return added
}

// Hide permanently records key in the hidden set and removes it from the
// visible set (spec.md §4.3 hide()). No-hidden-revival (spec.md §8) holds
// because addEntry always checks the hidden set first.
func (g *Gossip) Hide(key common.ChannelKey) {
	if !key.IsValid() {
		return
	}
	g.mu.Lock()
	g.hidden.Add(key)
	delete(g.visible, key)
	g.mu.Unlock()
}

// List returns visible entries sorted by AddedAt descending (spec.md §4.3
// list()).
func (g *Gossip) List() []Entry {
	g.mu.Lock()
	out := make([]Entry, 0, len(g.visible))
	for _, e := range g.visible {
		out = append(out, *e)
	}
	g.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AddedAt > out[j].AddedAt })
	return out
}

// SetBroadcaster wires the fan-out transport after construction, letting
// Gossip and its Broadcaster (typically a swarm.Host) be built in either
// order despite each depending on the other.
func (g *Gossip) SetBroadcaster(b Broadcaster) {
	g.mu.Lock()
	g.broadcaster = b
	g.mu.Unlock()
}

// SetSink wires the event sink after construction, for the same
// construction-order reason as SetBroadcaster.
func (g *Gossip) SetSink(sink EventSink) {
	g.mu.Lock()
	g.sink = sink
	g.mu.Unlock()
}

// HiddenCount reports how many keys have been hidden, for getPublicFeed's
// stats block (spec.md §6).
func (g *Gossip) HiddenCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.hidden.Cardinality()
}

// RequestFromPeers re-sends HAVE_FEED to every connected peer, prompting a
// reciprocal HAVE_FEED, and returns the number of peers contacted (spec.md
// §4.3 requestFromPeers()).
func (g *Gossip) RequestFromPeers() int {
	frame := g.encodeLocalHaveFeed()
	g.mu.Lock()
	n := len(g.peers)
	peers := make([]*swarm.Conn, 0, n)
	for _, c := range g.peers {
		peers = append(peers, c)
	}
	g.mu.Unlock()
	for _, c := range peers {
		if err := c.Send(frame); err != nil {
			g.log.Warn("requestFromPeers send failed, continuing", "peer", c.ID(), "err", err)
		}
	}
	return n
}

// OnConnOpen implements swarm.FeedHandler. The first open wins on either
// side (spec.md §4.3); since this implementation has exactly one logical
// channel per Conn, "open" here means "start tracking this peer and send
// it our HAVE_FEED", which is naturally idempotent per Conn.
func (g *Gossip) OnConnOpen(c *swarm.Conn) {
	g.mu.Lock()
	g.peers[c.ID()] = c
	g.mu.Unlock()

	if err := c.Send(g.encodeLocalHaveFeed()); err != nil {
		g.log.Warn("sending initial HAVE_FEED failed", "peer", c.ID(), "err", err)
	}
}

// OnConnClose implements swarm.FeedHandler (spec.md §4.2: "On connection
// close or error: purge C from FeedGossip's bookkeeping").
func (g *Gossip) OnConnClose(c *swarm.Conn) {
	g.mu.Lock()
	delete(g.peers, c.ID())
	g.mu.Unlock()
}

// OnMessage implements swarm.FeedHandler, running the per-connection state
// machine from spec.md §4.3. Malformed JSON, unknown types, and send
// failures are logged and ignored; no peer is ever disconnected for bad
// feed behaviour (spec.md §4.3 "Failure semantics").
func (g *Gossip) OnMessage(c *swarm.Conn, raw []byte) {
	payload, err := maybeDecompress(raw)
	if err != nil {
		g.log.Debug("dropping feed frame, decompress failed", "peer", c.ID(), "err", err)
		return
	}
	msg, err := decodeMessage(payload)
	if err != nil {
		g.log.Debug("dropping malformed feed message", "peer", c.ID(), "err", err)
		return
	}

	switch msg.Kind {
	case msgHaveFeed:
		for _, k := range msg.Keys {
			g.addEntry(k, "peer")
		}
	case msgSubmitChannel:
		if g.addEntry(msg.Key, "peer") {
			// Re-gossip MUST exclude the sender (spec.md §4.3, §5, §8
			// "Re-gossip exclusion") to prevent a broadcast storm.
			g.broadcastExcept(encodeSubmitChannel(msg.Key), c.ID())
		}
	case msgNeedFeed:
		if err := c.Send(g.encodeLocalHaveFeed()); err != nil {
			g.log.Debug("replying to NEED_FEED failed", "peer", c.ID(), "err", err)
		}
	default:
		g.log.Debug("ignoring unrecognised feed message", "peer", c.ID())
	}
}

func (g *Gossip) broadcastExcept(frame []byte, exclude ...string) {
	g.mu.Lock()
	b := g.broadcaster
	g.mu.Unlock()
	if b == nil {
		return
	}
	b.Broadcast(frame, exclude...)
}

func (g *Gossip) encodeLocalHaveFeed() []byte {
	keys := make([]common.ChannelKey, 0)
	g.mu.Lock()
	for k := range g.visible {
		keys = append(keys, k)
	}
	g.mu.Unlock()
	frame := encodeHaveFeed(keys)
	if len(frame) > snappyThreshold {
		return snappy.Encode(nil, frame)
	}
	return frame
}

func maybeDecompress(raw []byte) ([]byte, error) {
	if len(raw) == 0 {
		return raw, nil
	}
	if raw[0] == '{' {
		return raw, nil // already plain JSON
	}
	decoded, err := snappy.Decode(nil, raw)
	if err != nil {
		return nil, fmt.Errorf("snappy decode: %w", err)
	}
	return decoded, nil
}
