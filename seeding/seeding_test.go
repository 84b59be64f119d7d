package seeding

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ayooooo123/peartube-sub004/common"
)

func testKey(hexByte string) common.ChannelKey {
	return common.MustParseChannelKey(strings.Repeat(hexByte, 32))
}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAddSeedThenStatusReflectsIt(t *testing.T) {
	m := newTestManager(t)
	key := testKey("aa")

	added := m.AddSeed(key, "/a.mp4", ReasonWatched, 10, 1000)
	require.True(t, added)

	status := m.GetStatus()
	require.Equal(t, 1, status.ActiveSeeds)
	require.EqualValues(t, 1000, status.StorageUsedBytes)
}

func TestSaveIdentityThenLoadRoundTrips(t *testing.T) {
	m := newTestManager(t)
	key := testKey("cd")

	require.NoError(t, m.SaveIdentity(key))

	loaded, ok := m.LoadIdentity()
	require.True(t, ok)
	require.Equal(t, key, loaded)
}

func TestLoadIdentityNotFoundWhenNeverSaved(t *testing.T) {
	m := newTestManager(t)
	_, ok := m.LoadIdentity()
	require.False(t, ok)
}

func TestAddSeedIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	key := testKey("bb")

	require.True(t, m.AddSeed(key, "/a.mp4", ReasonWatched, 10, 1000))
	require.False(t, m.AddSeed(key, "/a.mp4", ReasonWatched, 10, 1000))
	require.Equal(t, 1, m.GetStatus().ActiveSeeds)
}

func TestAddSeedRejectsWatchedWhenAutoSeedWatchedDisabled(t *testing.T) {
	m := newTestManager(t)
	disabled := false
	m.SetConfig(ConfigPatch{AutoSeedWatched: &disabled})

	added := m.AddSeed(testKey("cc"), "/a.mp4", ReasonWatched, 10, 1000)
	require.False(t, added)
}

func TestRemoveSeedIsIdempotent(t *testing.T) {
	m := newTestManager(t)
	key := testKey("dd")
	m.AddSeed(key, "/a.mp4", ReasonWatched, 10, 1000)

	m.RemoveSeed(key, "/a.mp4")
	m.RemoveSeed(key, "/a.mp4")
	require.Equal(t, 0, m.GetStatus().ActiveSeeds)
}

func TestPinUnpinAffectOnlyPinnedSet(t *testing.T) {
	m := newTestManager(t)
	key := testKey("ee")

	m.Pin(key)
	require.Contains(t, m.GetStatus().PinnedChannels, key)

	m.Unpin(key)
	require.NotContains(t, m.GetStatus().PinnedChannels, key)
}

func TestEnforceQuotaNeverEvictsPinned(t *testing.T) {
	m := newTestManager(t)
	small := 1
	m.SetConfig(ConfigPatch{MaxStorageGB: &small})

	pinnedKey := testKey("f1")
	watchedKey := testKey("f2")
	bigBytes := uint64(2) * 1024 * 1024 * 1024

	m.AddSeed(pinnedKey, "/pinned.mp4", ReasonPinned, 10, bigBytes)
	m.AddSeed(watchedKey, "/watched.mp4", ReasonWatched, 10, bigBytes)

	status := m.GetStatus()
	var sawPinned, sawWatched bool
	for _, s := range status.Seeds {
		if s.ChannelKey == pinnedKey {
			sawPinned = true
		}
		if s.ChannelKey == watchedKey {
			sawWatched = true
		}
	}
	require.True(t, sawPinned, "pinned seed must never be evicted")
	require.False(t, sawWatched, "watched seed should be evicted over quota")
}

func TestEnforceQuotaEvictsOldestFirstWithinPriorityBand(t *testing.T) {
	m := newTestManager(t)
	small := 1
	m.SetConfig(ConfigPatch{MaxStorageGB: &small})

	oldest := testKey("01")
	newest := testKey("02")
	bigBytes := uint64(1) * 1024 * 1024 * 1024

	m.AddSeed(oldest, "/old.mp4", ReasonWatched, 10, bigBytes)
	m.AddSeed(newest, "/new.mp4", ReasonWatched, 10, bigBytes)

	status := m.GetStatus()
	var sawNewest bool
	for _, s := range status.Seeds {
		if s.ChannelKey == newest {
			sawNewest = true
		}
		require.NotEqual(t, oldest, s.ChannelKey, "oldest watched seed should be evicted first")
	}
	require.True(t, sawNewest)
}

func TestSetConfigMergesPartialPatch(t *testing.T) {
	m := newTestManager(t)
	autoSub := true
	m.SetConfig(ConfigPatch{AutoSeedSubscribed: &autoSub})

	status := m.GetStatus()
	require.True(t, status.Config.AutoSeedSubscribed)
	require.Equal(t, 10, status.Config.MaxStorageGB) // untouched default
}
