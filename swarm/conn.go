package swarm

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
)

// maxFrameSize bounds a single length-prefixed frame on the muxed
// connection, generous enough for a HAVE_FEED message listing every known
// channel key as 64-hex-char strings.
const maxFrameSize = 8 << 20

// Conn wraps one peer connection. In a production node the append-log
// replication library multiplexes drive replication and the feed-gossip
// logical channel (spec.md §4.3: "a logical channel named peartube-feed")
// over the same byte stream; since that replication protocol is out of
// scope (spec.md §1), Conn carries exactly the one real sub-protocol this
// repository implements — feed gossip — as length-prefixed JSON frames,
// and exposes a hook (DriveBridge) a replication library would occupy.
type Conn struct {
	id       string
	raw      net.Conn
	outbound bool

	writeMu sync.Mutex
	closed  sync.Once
	done    chan struct{}
}

func newConn(raw net.Conn, outbound bool) *Conn {
	return &Conn{
		id:       raw.RemoteAddr().String(),
		raw:      raw,
		outbound: outbound,
		done:     make(chan struct{}),
	}
}

// ID identifies the remote peer for bookkeeping (map keys, logs). Real
// overlay libraries key this by the peer's public key; we use the network
// address since no overlay identity is modeled here.
func (c *Conn) ID() string { return c.id }

// Outbound reports whether this node dialed the connection.
func (c *Conn) Outbound() bool { return c.outbound }

// Send writes one length-prefixed frame. Safe for concurrent use.
func (c *Conn) Send(frame []byte) error {
	if len(frame) > maxFrameSize {
		return fmt.Errorf("swarm: frame too large (%d bytes)", len(frame))
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := c.raw.Write(hdr[:]); err != nil {
		return err
	}
	_, err := c.raw.Write(frame)
	return err
}

func (c *Conn) readFrame() ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(c.raw, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("swarm: peer frame too large (%d bytes)", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(c.raw, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Close closes the underlying connection exactly once.
func (c *Conn) Close() error {
	var err error
	c.closed.Do(func() {
		close(c.done)
		err = c.raw.Close()
	})
	return err
}

// Done is closed once the connection is closed, for callers that want to
// stop retrying sends.
func (c *Conn) Done() <-chan struct{} { return c.done }
