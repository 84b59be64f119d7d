package appendlog

import (
	"fmt"
	"os"
	"sync"

	mmap "github.com/edsrzf/mmap-go"
)

// blockStore is the on-disk representation of a drive's blob log: a flat
// file of variable-length blocks, memory-mapped for the local-fast read
// path BlobBridge depends on (spec.md §4.6). It is the concrete stand-in
// for "a content-addressed filesystem over an append-only blob log" — the
// real replication protocol that signs and hash-chains these blocks is
// assumed provided by a library (spec.md §1) and is not reimplemented here.
type blockStore struct {
	mu      sync.RWMutex
	dir     string
	file    *os.File
	mapping mmap.MMap
	offsets []int64 // offsets[i] = byte offset of block i in the backing file
	lengths []int   // lengths[i] = byte length of block i
	present []bool  // present[i] = block i has been written locally

	memBlocks [][]byte // backing storage when dir == "" (tests, ephemeral drives)
}

func newBlockStore(dir string) (*blockStore, error) {
	if dir == "" {
		return &blockStore{}, nil // pure in-memory, used by tests
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: creating blob dir: %v", errStorage, err)
	}
	f, err := os.OpenFile(dir+"/blob.log", os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: opening blob log: %v", errStorage, err)
	}
	return &blockStore{dir: dir, file: f}, nil
}

// append writes a new block, returning its index.
func (s *blockStore) append(data []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := uint64(len(s.offsets))
	var offset int64
	if idx > 0 {
		offset = s.offsets[idx-1] + int64(s.lengths[idx-1])
	}
	if s.file != nil {
		if _, err := s.file.WriteAt(data, offset); err != nil {
			return 0, fmt.Errorf("%w: writing block %d: %v", errStorage, idx, err)
		}
		s.remapLocked(offset + int64(len(data)))
	}
	s.offsets = append(s.offsets, offset)
	s.lengths = append(s.lengths, len(data))
	s.present = append(s.present, true)
	if s.file == nil {
		// in-memory fallback: keep bytes in the index-aligned memBlocks
		// slice, used only when dir == "".
		s.memBlocks = append(s.memBlocks, append([]byte(nil), data...))
	}
	return idx, nil
}

// reserve grows the index with count empty, not-yet-present slots, used
// when a drive is opened read-only and the total block count is known
// from the metadata log before any bytes have arrived.
func (s *blockStore) reserve(count uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for uint64(len(s.offsets)) < count {
		s.offsets = append(s.offsets, 0)
		s.lengths = append(s.lengths, 0)
		s.present = append(s.present, false)
		s.memBlocks = append(s.memBlocks, nil)
	}
}

// receive writes a block that arrived out of append order (from a peer),
// marking it present at a pre-reserved index.
func (s *blockStore) receive(idx uint64, data []byte) error {
	s.mu.RLock()
	if idx >= uint64(len(s.offsets)) {
		s.mu.RUnlock()
		return fmt.Errorf("%w: block %d not reserved", errStorage, idx)
	}
	already := s.present[idx]
	s.mu.RUnlock()
	if already {
		return nil // idempotent
	}

	var offEnd int64
	if s.file != nil {
		// Append-only backing file: out-of-order blocks from peers are
		// appended at the current end and we just remember the mapping.
		var err error
		offEnd, err = s.appendRaw(data)
		if err != nil {
			return err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.present[idx] {
		return nil // lost the race, another caller already filled it
	}
	if s.file != nil {
		s.offsets[idx] = offEnd
	} else {
		s.memBlocks[idx] = append([]byte(nil), data...)
	}
	s.lengths[idx] = len(data)
	s.present[idx] = true
	return nil
}

func (s *blockStore) appendRaw(data []byte) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var end int64
	for i, off := range s.offsets {
		if e := off + int64(s.lengths[i]); e > end {
			end = e
		}
	}
	if s.file != nil {
		if _, err := s.file.WriteAt(data, end); err != nil {
			return 0, fmt.Errorf("%w: writing block: %v", errStorage, err)
		}
		s.remapLocked(end + int64(len(data)))
	}
	return end, nil
}

func (s *blockStore) remapLocked(minSize int64) {
	if s.mapping != nil {
		s.mapping.Unmap()
		s.mapping = nil
	}
	info, err := s.file.Stat()
	if err != nil || info.Size() < minSize {
		s.file.Truncate(minSize)
	}
	m, err := mmap.Map(s.file, mmap.RDONLY, 0)
	if err == nil {
		s.mapping = m
	}
}

// read returns the bytes of block idx, or (nil, false) if not present.
func (s *blockStore) read(idx uint64) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if idx >= uint64(len(s.present)) || !s.present[idx] {
		return nil, false
	}
	if s.file == nil {
		return s.memBlocks[idx], true
	}
	off, n := s.offsets[idx], s.lengths[idx]
	if s.mapping != nil && int64(len(s.mapping)) >= off+int64(n) {
		buf := make([]byte, n)
		copy(buf, s.mapping[off:off+int64(n)])
		return buf, true
	}
	buf := make([]byte, n)
	if _, err := s.file.ReadAt(buf, off); err != nil {
		return nil, false
	}
	return buf, true
}

func (s *blockStore) isPresent(idx uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return idx < uint64(len(s.present)) && s.present[idx]
}

func (s *blockStore) presentCount(start, end uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for i := start; i < end && i < uint64(len(s.present)); i++ {
		if s.present[i] {
			n++
		}
	}
	return n
}

// presentBytes sums the exact byte length of every present block in
// [start, end), used for a byte-accurate downloadedBytes figure instead of
// an approximation derived from a uniform chunk size.
func (s *blockStore) presentBytes(start, end uint64) uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for i := start; i < end && i < uint64(len(s.present)); i++ {
		if s.present[i] {
			n += uint64(s.lengths[i])
		}
	}
	return n
}

func (s *blockStore) length() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return uint64(len(s.offsets))
}

func (s *blockStore) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mapping != nil {
		s.mapping.Unmap()
	}
	if s.file != nil {
		return s.file.Close()
	}
	return nil
}
