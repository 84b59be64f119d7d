package appendlog

import (
	"context"
	"fmt"
)

// LoopbackSource fetches blocks directly from a sibling in-process Drive,
// keyed by discovery key. It stands in for a real swarm connection in
// single-process tests and is installed explicitly with Drive.SetSource;
// DriveRegistry does not install it.
type LoopbackSource struct {
	lookup func(discoveryKey [32]byte) *Drive
}

// NewLoopbackSource builds a source backed by a lookup function, such as
// DriveRegistry.DriveByDiscoveryKey.
func NewLoopbackSource(lookup func(discoveryKey [32]byte) *Drive) *LoopbackSource {
	return &LoopbackSource{lookup: lookup}
}

func (s *LoopbackSource) FetchBlock(ctx context.Context, discoveryKey [32]byte, index uint64) ([]byte, error) {
	owner := s.lookup(discoveryKey)
	if owner == nil {
		return nil, fmt.Errorf("%w: no local peer seeds discovery key %x", errStorage, discoveryKey)
	}
	data, ok := owner.ReadBlock(index)
	if !ok {
		return nil, fmt.Errorf("%w: block %d not yet available", errStorage, index)
	}
	return data, nil
}
