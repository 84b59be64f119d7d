package appendlog

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/crypto/blake2b"
)

// BlobDescriptor identifies a contiguous half-open block range in a
// drive's paired blob log (spec.md §3).
type BlobDescriptor struct {
	BlockOffset uint64 `json:"blockOffset"`
	BlockLength uint64 `json:"blockLength"`
	ByteLength  uint64 `json:"byteLength"`
	ByteOffset  uint64 `json:"byteOffset"`
}

// BlockRange returns the half-open [start, end) block interval the
// descriptor covers.
func (b BlobDescriptor) BlockRange() (start, end uint64) {
	return b.BlockOffset, b.BlockOffset + b.BlockLength
}

// FileEntry is what a metadata-log path resolves to: either nothing, or a
// blob descriptor (spec.md §3).
type FileEntry struct {
	Exists bool            `json:"exists"`
	Blob   *BlobDescriptor `json:"blob,omitempty"`
}

// metaRecord is one hash-chained, signed append to the metadata log. The
// chain mirrors go-ethereum's block-header linkage (ParentHash) applied to
// a per-path key/value log instead of a blockchain: each record commits to
// the previous record's hash, so the owner's full history is tamper
// evident even though only the latest record per path matters for reads.
type metaRecord struct {
	Index     uint64
	Path      string
	Entry     FileEntry
	PrevHash  [32]byte
	Hash      [32]byte
	Signature []byte
}

func hashRecord(index uint64, prev [32]byte, path string, entry FileEntry) [32]byte {
	payload, _ := json.Marshal(entry)
	h, _ := blake2b.New256(nil)
	var idx [8]byte
	for i := 0; i < 8; i++ {
		idx[i] = byte(index >> (8 * i))
	}
	h.Write(idx[:])
	h.Write(prev[:])
	h.Write([]byte(path))
	h.Write(payload)
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// metadataLog is the append-only, owner-signed log of path -> FileEntry
// history. Only the owner (holding the ed25519 secret key) may append;
// everyone else replicates and verifies.
type metadataLog struct {
	mu      sync.RWMutex
	pub     ed25519.PublicKey
	records []metaRecord
	latest  map[string]int // path -> index into records
}

func newMetadataLog(pub ed25519.PublicKey) *metadataLog {
	return &metadataLog{pub: pub, latest: make(map[string]int)}
}

// append adds a new record signed by secret. Only called by the owner.
func (m *metadataLog) append(secret ed25519.PrivateKey, path string, entry FileEntry) (metaRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var prev [32]byte
	if n := len(m.records); n > 0 {
		prev = m.records[n-1].Hash
	}
	idx := uint64(len(m.records))
	h := hashRecord(idx, prev, path, entry)
	rec := metaRecord{
		Index:     idx,
		Path:      path,
		Entry:     entry,
		PrevHash:  prev,
		Hash:      h,
		Signature: ed25519.Sign(secret, h[:]),
	}
	m.records = append(m.records, rec)
	m.latest[path] = int(idx)
	return rec, nil
}

// ingest accepts a record replicated from the owner (no local secret key
// available), verifying the signature and the chain link before applying
// it. Used when a non-owner drive is receiving metadata-log updates.
func (m *metadataLog) ingest(rec metaRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if int(rec.Index) != len(m.records) {
		return fmt.Errorf("%w: out-of-order metadata record %d, expected %d", errStorage, rec.Index, len(m.records))
	}
	var prev [32]byte
	if n := len(m.records); n > 0 {
		prev = m.records[n-1].Hash
	}
	if prev != rec.PrevHash {
		return fmt.Errorf("%w: metadata chain mismatch at %d", errStorage, rec.Index)
	}
	want := hashRecord(rec.Index, rec.PrevHash, rec.Path, rec.Entry)
	if want != rec.Hash {
		return fmt.Errorf("%w: metadata hash mismatch at %d", errStorage, rec.Index)
	}
	if m.pub != nil && !ed25519.Verify(m.pub, rec.Hash[:], rec.Signature) {
		return fmt.Errorf("%w: metadata signature invalid at %d", errStorage, rec.Index)
	}
	m.records = append(m.records, rec)
	m.latest[rec.Path] = int(rec.Index)
	return nil
}

// resolve returns the latest entry known for path.
func (m *metadataLog) resolve(path string) (FileEntry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.latest[path]
	if !ok {
		return FileEntry{}, false
	}
	rec := m.records[idx]
	return rec.Entry, rec.Entry.Exists
}

// length is the metadata log's core.length, monotonically non-decreasing
// per spec.md §3.
func (m *metadataLog) length() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.records))
}

// listPaths returns every path with a current entry whose Exists is true
// and which starts with prefix, used by higher layers to enumerate a
// directory-like namespace (e.g. /videos/) within the flat path log.
func (m *metadataLog) listPaths(prefix string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.latest))
	for path, idx := range m.latest {
		if len(path) < len(prefix) || path[:len(prefix)] != prefix {
			continue
		}
		if m.records[idx].Entry.Exists {
			out = append(out, path)
		}
	}
	return out
}

// recordsFrom returns records starting at idx, for replication.
func (m *metadataLog) recordsFrom(idx uint64) []metaRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if idx >= uint64(len(m.records)) {
		return nil
	}
	out := make([]metaRecord, len(m.records)-int(idx))
	copy(out, m.records[idx:])
	return out
}
