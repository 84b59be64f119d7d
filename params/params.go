// Package params collects the constants that must match byte-for-byte across
// every PearTube node, the way go-ethereum's params package pins fork
// blocks and network IDs.
package params

import "time"

const (
	// FeedTopicSeed is the seed string of the public feed's well-known
	// discovery topic (spec.md §4.3, §6). No component in this repository
	// hashes it or joins that topic; feed gossip runs on every swarm
	// connection regardless of topic.
	FeedTopicSeed = "peartube-public-feed-v1"

	// FeedProtocolName is the name of the feed-gossip logical channel
	// (spec.md §6). swarm.Conn carries feed gossip as its only
	// sub-protocol and never sends this name on the wire.
	FeedProtocolName = "peartube-feed"

	// ChannelKeyLength is the byte length of a channel's ed25519 public
	// key (spec.md §3).
	ChannelKeyLength = 32

	// DefaultSyncTimeout is DriveRegistry.open's default syncTimeout
	// (spec.md §4.1).
	DefaultSyncTimeout = 5 * time.Second

	// PrefetchSyncTimeout is the syncTimeout PrefetchEngine.prefetch uses
	// when resolving a drive (spec.md §4.4.1 step 4).
	PrefetchSyncTimeout = 10 * time.Second

	// MaxSyncTimeout is the largest syncTimeout the registry will honor,
	// for large-file opens (spec.md §5).
	MaxSyncTimeout = 15 * time.Second

	// SalvagePerBlockTimeout bounds each individually re-requested block
	// in the salvage pass (spec.md §4.4.3 step 2).
	SalvagePerBlockTimeout = 5 * time.Second

	// SalvageMaxBlocks caps how many missing blocks the salvage pass will
	// re-request individually (spec.md §4.4.3 step 2).
	SalvageMaxBlocks = 50

	// MonitorReleaseDelay is how long a completed monitor is kept alive
	// to serve late stats queries (spec.md §3, §4.4.3 step 5).
	MonitorReleaseDelay = 30 * time.Second

	// BlobSessionTimeout bounds the blob-log reads of each BlobBridge
	// request (spec.md §4.6, §5).
	BlobSessionTimeout = 5 * time.Second

	// DefaultCoreGetTimeout is the default timeout for blob-log reads that
	// don't specify their own (spec.md §5). No read path in this
	// repository applies it.
	DefaultCoreGetTimeout = 30 * time.Second

	// DefaultMaxStorageGB is SeedingManager's default quota (spec.md
	// §4.5).
	DefaultMaxStorageGB = 10

	// DefaultMaxVideosPerChannel is the default of SeedingManager's
	// maxVideosPerChannel setting (spec.md §4.5). The setting is stored
	// and persisted; AddSeed does not enforce a per-channel limit.
	DefaultMaxVideosPerChannel = 10

	// GiB is the byte multiplier used to turn maxStorageGB into a byte
	// quota (spec.md §4.5.1).
	GiB = 1 << 30
)
