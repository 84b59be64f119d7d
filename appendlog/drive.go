// Package appendlog is the concrete, simplified stand-in for "a
// content-addressed filesystem over two paired append-only logs" that
// spec.md §1 and §3 describe and explicitly assumes is provided by an
// external replication library. It gives DriveRegistry, PrefetchEngine and
// BlobBridge a real object to operate on: a metadata log (signed,
// hash-chained path -> FileEntry history) and a blob log (block storage)
// whose key is derived from the metadata log, plus a discovery key safe to
// announce on the overlay.
package appendlog

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/perr"
)

// discoveryKeyDomain separates the discovery-key hash from any other use
// of blake2b over a channel key, the way hyperswarm derives a topic from a
// hypercore key with a fixed domain string.
const discoveryKeyDomain = "peartube-discovery-key-v1"

// BlockSource lets a replicated (non-owner) drive pull a missing block
// from the swarm. spec.md §1 treats the replication protocol itself as
// external; appendlog.LoopbackSource implements this interface by reading
// directly from a sibling in-process Drive, which is enough to exercise the
// download path in tests without real networking. No implementation that
// fetches over a peer connection exists in this repository (swarm.Host
// does not implement it).
type BlockSource interface {
	FetchBlock(ctx context.Context, discoveryKey [32]byte, index uint64) ([]byte, error)
}

// Drive is the opaque per-channel handle described in spec.md §3.
type Drive struct {
	key    common.ChannelKey
	pub    ed25519.PublicKey
	secret ed25519.PrivateKey // nil unless this node owns the drive

	meta  *metadataLog
	blobs *blockStore

	discoveryKey [32]byte

	readyCh chan struct{}
	readyMu sync.Mutex
	ready   bool

	source BlockSource // set via SetSource; nil until then

	mu         sync.Mutex
	blockCount uint64 // total blocks reserved across all known files
}

// Key returns the channel key this drive serves.
func (d *Drive) Key() common.ChannelKey { return d.key }

// DiscoveryKey returns the one-way hash of the channel key safe to
// announce on the overlay (spec.md §3).
func (d *Drive) DiscoveryKey() [32]byte { return d.discoveryKey }

// Writable reports whether this node owns the drive's secret key.
func (d *Drive) Writable() bool { return d.secret != nil }

// Ready returns a channel that is closed once the drive has completed its
// own readiness signal (spec.md §4.1: "waits for its own readiness
// signal"). Both owned and replica drives are marked ready by their
// constructors; readiness does not mean any metadata has replicated.
func (d *Drive) Ready() <-chan struct{} { return d.readyCh }

func (d *Drive) markReady() {
	d.readyMu.Lock()
	defer d.readyMu.Unlock()
	if !d.ready {
		d.ready = true
		close(d.readyCh)
	}
}

// SyncWait triggers an update of the metadata log with a bounded wait,
// swallowing timeout errors (spec.md §4.1: "This is an observational
// helper, not a blocker"). For an owned drive there is nothing to wait
// for; for a replica it waits until at least one metadata record has
// arrived or the timeout elapses.
func (d *Drive) SyncWait(ctx context.Context, timeout time.Duration) error {
	if d.Writable() || d.meta.length() > 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil // swallowed per spec.md §7: Timeout is non-fatal for sync waits
		case <-ticker.C:
			if d.meta.length() > 0 {
				return nil
			}
		}
	}
}

// CoreLength is the metadata log's length, monotonically non-decreasing
// (spec.md §3).
func (d *Drive) CoreLength() uint64 { return d.meta.length() }

// Resolve looks up path in the metadata log (spec.md §3 FileEntry).
func (d *Drive) Resolve(path string) (FileEntry, bool) {
	return d.meta.resolve(path)
}

// ListPaths enumerates every currently-existing path under prefix, e.g.
// "/videos/" to discover a channel's uploaded videos (spec.md §6
// "Filesystem layout within a drive").
func (d *Drive) ListPaths(prefix string) []string {
	return d.meta.listPaths(prefix)
}

// Put writes content at path, chunking it into blocks of blockSize and
// appending a new signed metadata record. Owner-only (spec.md §3: "the
// owner's Drive is writable, others are read-only").
func (d *Drive) Put(path string, content []byte, blockSize int) (FileEntry, error) {
	if !d.Writable() {
		return FileEntry{}, fmt.Errorf("%w: %s", errReadOnly, d.key)
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if blockSize <= 0 {
		blockSize = 64 * 1024
	}
	start := d.blobs.length()
	byteLen := len(content)
	for off := 0; off < byteLen || (byteLen == 0 && off == 0); off += blockSize {
		end := off + blockSize
		if end > byteLen {
			end = byteLen
		}
		if _, err := d.blobs.append(content[off:end]); err != nil {
			return FileEntry{}, err
		}
		if byteLen == 0 {
			break
		}
	}
	end := d.blobs.length()
	entry := FileEntry{
		Exists: true,
		Blob: &BlobDescriptor{
			BlockOffset: start,
			BlockLength: end - start,
			ByteLength:  uint64(byteLen),
			ByteOffset:  0,
		},
	}
	rec, err := d.meta.append(d.secret, path, entry)
	if err != nil {
		return FileEntry{}, err
	}
	return rec.Entry, nil
}

// BlockPresent reports whether block idx of the blob log is stored
// locally.
func (d *Drive) BlockPresent(idx uint64) bool { return d.blobs.isPresent(idx) }

// PresentInRange counts how many indices in [start, end) are locally
// present, used by PrefetchEngine to compute initialBlocks (spec.md
// §4.4.1 step 7).
func (d *Drive) PresentInRange(start, end uint64) int { return d.blobs.presentCount(start, end) }

// PresentBytesInRange sums the exact byte length of every locally present
// block in [start, end), used by PrefetchEngine for downloadedBytes
// (spec.md §6 eventVideoStats).
func (d *Drive) PresentBytesInRange(start, end uint64) uint64 {
	return d.blobs.presentBytes(start, end)
}

// ReadBlock returns the bytes of block idx if present.
func (d *Drive) ReadBlock(idx uint64) ([]byte, bool) { return d.blobs.read(idx) }

// reserveBlocks ensures the blob store has at least count slots, called
// when a replica learns about a file's block range before the bytes
// arrive.
func (d *Drive) reserveBlocks(count uint64) { d.blobs.reserve(count) }

// ReadFile concatenates every block of path's blob, returning (nil, false)
// if the path doesn't resolve to a blob or any block in its range is not
// yet local. Intended for small metadata files (/channel.json,
// /videos/<id>.json), not full video payloads.
func (d *Drive) ReadFile(path string) ([]byte, bool) {
	entry, ok := d.Resolve(path)
	if !ok || !entry.Exists || entry.Blob == nil {
		return nil, false
	}
	start, end := entry.Blob.BlockRange()
	var buf []byte
	for idx := start; idx < end; idx++ {
		chunk, ok := d.ReadBlock(idx)
		if !ok {
			return nil, false
		}
		buf = append(buf, chunk...)
	}
	return buf, true
}

// FetchBlock pulls block idx from the configured BlockSource (a peer, via
// swarm.Host, or a LoopbackSource in tests) and stores it locally,
// returning once it is present.
func (d *Drive) FetchBlock(ctx context.Context, idx uint64) error {
	if d.blobs.isPresent(idx) {
		return nil
	}
	if d.source == nil {
		return fmt.Errorf("%w: no block source configured for %s", perr.ErrTimeout, d.key)
	}
	data, err := d.source.FetchBlock(ctx, d.discoveryKey, idx)
	if err != nil {
		return err
	}
	return d.blobs.receive(idx, data)
}

// SetSource wires the BlockSource a replica drive pulls missing blocks
// from. DriveRegistry does not call it; until it is called, FetchBlock
// fails for any block that is not already local.
func (d *Drive) SetSource(src BlockSource) { d.source = src }

// IngestMetadata applies a replicated metadata record, used by SwarmHost's
// drive-replication hand-off when bytes arrive from the owner over a
// connection.
func (d *Drive) IngestMetadata(rec metaRecord) error {
	if err := d.meta.ingest(rec); err != nil {
		return err
	}
	if rec.Entry.Exists && rec.Entry.Blob != nil {
		_, end := rec.Entry.Blob.BlockRange()
		d.reserveBlocks(end)
	}
	d.markReady()
	return nil
}

// ReplicateFrom copies every metadata record d does not yet have from
// owner, the same-process stand-in for the "replicate this stream over
// this duplex byte channel" hand-off spec.md §1 assumes a library
// performs over a real connection (swarm.DriveBridge is the
// connection-side hook for that hand-off).
func (d *Drive) ReplicateFrom(owner *Drive) error {
	for _, rec := range owner.meta.recordsFrom(d.meta.length()) {
		if err := d.IngestMetadata(rec); err != nil {
			return err
		}
	}
	return nil
}

func deriveDiscoveryKey(key common.ChannelKey) [32]byte {
	h, _ := blake2b.New256([]byte(discoveryKeyDomain))
	h.Write(key.Bytes())
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// NewOwnedDrive generates a new ed25519 keypair and returns a writable
// drive (spec.md §4.1 create()).
func NewOwnedDrive(dataDir string) (*Drive, error) {
	pub, sec, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("%w: generating drive keypair: %v", errStorage, err)
	}
	var key common.ChannelKey
	copy(key[:], pub)

	blobs, err := newBlockStore(dataDir)
	if err != nil {
		return nil, err
	}
	d := &Drive{
		key:          key,
		pub:          pub,
		secret:       sec,
		meta:         newMetadataLog(pub),
		blobs:        blobs,
		discoveryKey: deriveDiscoveryKey(key),
		readyCh:      make(chan struct{}),
	}
	d.markReady()
	return d, nil
}

// OpenReplicaDrive returns a read-only drive for key with no local data
// yet, already marked ready; SyncWait blocks (best-effort) until at least
// one metadata record replicates in.
func OpenReplicaDrive(key common.ChannelKey, dataDir string) (*Drive, error) {
	blobs, err := newBlockStore(dataDir)
	if err != nil {
		return nil, err
	}
	d := &Drive{
		key:          key,
		pub:          ed25519.PublicKey(key.Bytes()),
		meta:         newMetadataLog(ed25519.PublicKey(key.Bytes())),
		blobs:        blobs,
		discoveryKey: deriveDiscoveryKey(key),
		readyCh:      make(chan struct{}),
	}
	// A drive is "ready" in the sense of spec.md §4.1 as soon as it is
	// constructed; readiness is distinct from being synced.
	d.markReady()
	return d, nil
}
