// Package seeding implements SeedingManager: it tracks which files this
// node has pledged to serve, bounded by a byte quota, persisting state to a
// local key-value store so pledges survive restarts (spec.md §4.5).
package seeding

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set"
	"github.com/syndtr/goleveldb/leveldb"

	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/params"
)

const (
	ReasonPinned      = "pinned"
	ReasonSubscribed  = "subscribed"
	ReasonWatched     = "watched"

	keyConfig   = "seeding-config"
	keyPinned   = "pinned-channels"
	keyIdentity = "identity"
	seedKeyPrefix = "active-seeds:"
)

func priority(reason string) int {
	switch reason {
	case ReasonPinned:
		return 3
	case ReasonSubscribed:
		return 2
	case ReasonWatched:
		return 1
	default:
		return 0
	}
}

// Config is the mutable policy block persisted alongside seeds (spec.md
// §4.5 init() defaults).
type Config struct {
	MaxStorageGB         int  `json:"maxStorageGB"`
	AutoSeedWatched      bool `json:"autoSeedWatched"`
	AutoSeedSubscribed   bool `json:"autoSeedSubscribed"`
	MaxVideosPerChannel  int  `json:"maxVideosPerChannel"`
}

func defaultConfig() Config {
	return Config{
		MaxStorageGB:        params.DefaultMaxStorageGB,
		AutoSeedWatched:     true,
		AutoSeedSubscribed:  false,
		MaxVideosPerChannel: params.DefaultMaxVideosPerChannel,
	}
}

// ConfigPatch is a partial update; nil fields are left unchanged (spec.md
// §4.5 setConfig()).
type ConfigPatch struct {
	MaxStorageGB        *int
	AutoSeedWatched     *bool
	AutoSeedSubscribed  *bool
	MaxVideosPerChannel *int
}

// Seed is one pledge to serve a file (spec.md §4.5 getStatus() seeds[]).
type Seed struct {
	ChannelKey common.ChannelKey `json:"channelKey"`
	Path       string            `json:"path"`
	Reason     string            `json:"reason"`
	BlockCount uint64            `json:"blockCount"`
	ByteCount  uint64            `json:"byteCount"`
	AddedAt    time.Time         `json:"addedAt"`
}

type seedKey struct {
	channel common.ChannelKey
	path    string
}

// Status is SeedingManager.getStatus()'s return value.
type Status struct {
	ActiveSeeds      int
	PinnedChannels   []common.ChannelKey
	StorageUsedBytes uint64
	MaxStorageGB     int
	Config           Config
	Seeds            []Seed
}

// Manager is SeedingManager.
type Manager struct {
	mu     sync.Mutex
	db     *leveldb.DB
	config Config
	pinned mapset.Set // of common.ChannelKey
	seeds  map[seedKey]*Seed
	log    *log.Logger
}

// Open implements init(): loads config, pinnedChannels, and activeSeeds
// from a leveldb instance rooted at dbPath, seeding defaults on first run.
func Open(dbPath string) (*Manager, error) {
	db, err := leveldb.OpenFile(dbPath, nil)
	if err != nil {
		return nil, fmt.Errorf("seeding: opening leveldb at %s: %w", dbPath, err)
	}
	m := &Manager{
		db:     db,
		config: defaultConfig(),
		pinned: mapset.NewSet(),
		seeds:  make(map[seedKey]*Seed),
		log:    log.New("component", "seeding"),
	}
	if err := m.load(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Manager) load() error {
	if raw, err := m.db.Get([]byte(keyConfig), nil); err == nil {
		var cfg Config
		if jsonErr := json.Unmarshal(raw, &cfg); jsonErr == nil {
			m.config = cfg
		}
	} else if err != leveldb.ErrNotFound {
		return fmt.Errorf("seeding: loading config: %w", err)
	}

	if raw, err := m.db.Get([]byte(keyPinned), nil); err == nil {
		var pinned []common.ChannelKey
		if jsonErr := json.Unmarshal(raw, &pinned); jsonErr == nil {
			for _, k := range pinned {
				m.pinned.Add(k)
			}
		}
	} else if err != leveldb.ErrNotFound {
		return fmt.Errorf("seeding: loading pinned channels: %w", err)
	}

	iter := m.db.NewIterator(nil, nil)
	defer iter.Release()
	for iter.Next() {
		key := string(iter.Key())
		if len(key) <= len(seedKeyPrefix) || key[:len(seedKeyPrefix)] != seedKeyPrefix {
			continue
		}
		var s Seed
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			m.log.Warn("dropping unreadable seed record", "key", key, "err", err)
			continue
		}
		m.seeds[seedKey{channel: s.ChannelKey, path: s.Path}] = &s
	}
	return iter.Error()
}

// SaveIdentity persists the channel key this node owns under the "identity"
// KV key (spec.md §6 "Persistent state"), so createChannel's result
// survives a restart even though DriveRegistry itself keeps no state.
func (m *Manager) SaveIdentity(key common.ChannelKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := json.Marshal(key)
	if err != nil {
		return fmt.Errorf("seeding: marshaling identity: %w", err)
	}
	if err := m.db.Put([]byte(keyIdentity), raw, nil); err != nil {
		return fmt.Errorf("seeding: persisting identity: %w", err)
	}
	return nil
}

// LoadIdentity returns the previously saved owner channel key, if any.
func (m *Manager) LoadIdentity() (common.ChannelKey, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	raw, err := m.db.Get([]byte(keyIdentity), nil)
	if err != nil {
		return common.ZeroKey, false
	}
	var key common.ChannelKey
	if err := json.Unmarshal(raw, &key); err != nil {
		m.log.Warn("dropping unreadable identity record", "err", err)
		return common.ZeroKey, false
	}
	return key, true
}

// Close releases the underlying leveldb handle.
func (m *Manager) Close() error { return m.db.Close() }

// AddSeed implements spec.md §4.5 addSeed().
func (m *Manager) AddSeed(channelKey common.ChannelKey, path, reason string, blockCount, byteCount uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if reason == ReasonWatched && !m.config.AutoSeedWatched {
		return false
	}
	k := seedKey{channel: channelKey, path: path}
	if _, exists := m.seeds[k]; exists {
		return false
	}

	s := &Seed{
		ChannelKey: channelKey, Path: path, Reason: reason,
		BlockCount: blockCount, ByteCount: byteCount, AddedAt: time.Now(),
	}
	m.seeds[k] = s
	m.persistSeed(s)
	m.enforceQuota()
	return true
}

// RemoveSeed implements spec.md §4.5 removeSeed() (idempotent).
func (m *Manager) RemoveSeed(channelKey common.ChannelKey, path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSeedLocked(seedKey{channel: channelKey, path: path})
}

func (m *Manager) removeSeedLocked(k seedKey) {
	if _, ok := m.seeds[k]; !ok {
		return
	}
	delete(m.seeds, k)
	if err := m.db.Delete([]byte(seedDBKey(k)), nil); err != nil {
		m.log.Warn("failed to delete seed record", "path", k.path, "err", err)
	}
}

// Pin implements spec.md §4.5 pin().
func (m *Manager) Pin(channelKey common.ChannelKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned.Add(channelKey)
	m.persistPinned()
}

// Unpin implements spec.md §4.5 unpin().
func (m *Manager) Unpin(channelKey common.ChannelKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pinned.Remove(channelKey)
	m.persistPinned()
}

// SetConfig merges patch into the live config and persists (spec.md §4.5
// setConfig()).
func (m *Manager) SetConfig(patch ConfigPatch) Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	if patch.MaxStorageGB != nil {
		m.config.MaxStorageGB = *patch.MaxStorageGB
	}
	if patch.AutoSeedWatched != nil {
		m.config.AutoSeedWatched = *patch.AutoSeedWatched
	}
	if patch.AutoSeedSubscribed != nil {
		m.config.AutoSeedSubscribed = *patch.AutoSeedSubscribed
	}
	if patch.MaxVideosPerChannel != nil {
		m.config.MaxVideosPerChannel = *patch.MaxVideosPerChannel
	}
	m.persistConfig()
	m.enforceQuota()
	return m.config
}

// GetStatus implements spec.md §4.5 getStatus().
func (m *Manager) GetStatus() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	seeds := make([]Seed, 0, len(m.seeds))
	var used uint64
	for _, s := range m.seeds {
		seeds = append(seeds, *s)
		used += s.ByteCount
	}
	pinned := make([]common.ChannelKey, 0, m.pinned.Cardinality())
	for k := range m.pinned.Iter() {
		pinned = append(pinned, k.(common.ChannelKey))
	}
	return Status{
		ActiveSeeds:      len(seeds),
		PinnedChannels:   pinned,
		StorageUsedBytes: used,
		MaxStorageGB:     m.config.MaxStorageGB,
		Config:           m.config,
		Seeds:            seeds,
	}
}

// enforceQuota implements spec.md §4.5.1. Caller must hold m.mu.
func (m *Manager) enforceQuota() {
	maxBytes := uint64(m.config.MaxStorageGB) * params.GiB
	var current uint64
	for _, s := range m.seeds {
		current += s.ByteCount
	}
	if current <= maxBytes {
		return
	}

	ordered := make([]*Seed, 0, len(m.seeds))
	for _, s := range m.seeds {
		ordered = append(ordered, s)
	}
	sort.Slice(ordered, func(i, j int) bool {
		pi, pj := priority(ordered[i].Reason), priority(ordered[j].Reason)
		if pi != pj {
			return pi < pj
		}
		return ordered[i].AddedAt.Before(ordered[j].AddedAt)
	})

	for _, s := range ordered {
		if current <= maxBytes {
			break
		}
		if s.Reason == ReasonPinned {
			continue
		}
		m.removeSeedLocked(seedKey{channel: s.ChannelKey, path: s.Path})
		current -= s.ByteCount
	}
}

func (m *Manager) persistSeed(s *Seed) {
	raw, err := json.Marshal(s)
	if err != nil {
		m.log.Warn("failed to marshal seed record", "path", s.Path, "err", err)
		return
	}
	k := seedKey{channel: s.ChannelKey, path: s.Path}
	if err := m.db.Put([]byte(seedDBKey(k)), raw, nil); err != nil {
		m.log.Warn("failed to persist seed record", "path", s.Path, "err", err)
	}
}

func (m *Manager) persistConfig() {
	raw, _ := json.Marshal(m.config)
	if err := m.db.Put([]byte(keyConfig), raw, nil); err != nil {
		m.log.Warn("failed to persist config", "err", err)
	}
}

func (m *Manager) persistPinned() {
	pinned := make([]common.ChannelKey, 0, m.pinned.Cardinality())
	for k := range m.pinned.Iter() {
		pinned = append(pinned, k.(common.ChannelKey))
	}
	raw, _ := json.Marshal(pinned)
	if err := m.db.Put([]byte(keyPinned), raw, nil); err != nil {
		m.log.Warn("failed to persist pinned channels", "err", err)
	}
}

func seedDBKey(k seedKey) string {
	return fmt.Sprintf("%s%s:%s", seedKeyPrefix, k.channel.String(), k.path)
}
