package appendlog

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayooooo123/peartube-sub004/common"
)

func testKey() common.ChannelKey {
	return common.MustParseChannelKey(strings.Repeat("aa", 32))
}

func TestOwnedDrivePutResolve(t *testing.T) {
	d, err := NewOwnedDrive("")
	require.NoError(t, err)
	require.True(t, d.Writable())

	content := make([]byte, 300)
	for i := range content {
		content[i] = byte(i)
	}
	entry, err := d.Put("/videos/a.mp4", content, 100)
	require.NoError(t, err)
	require.True(t, entry.Exists)
	require.EqualValues(t, 3, entry.Blob.BlockLength)
	require.EqualValues(t, 300, entry.Blob.ByteLength)

	got, ok := d.Resolve("/videos/a.mp4")
	require.True(t, ok)
	require.Equal(t, entry, got)

	_, ok = d.Resolve("/videos/missing.mp4")
	require.False(t, ok)

	start, end := got.Blob.BlockRange()
	require.Equal(t, 3, d.PresentInRange(start, end))
}

func TestReplicaDriveFetchesViaLoopback(t *testing.T) {
	owner, err := NewOwnedDrive("")
	require.NoError(t, err)
	_, err = owner.Put("/videos/a.mp4", []byte("hello world"), 4)
	require.NoError(t, err)

	replica, err := OpenReplicaDrive(owner.Key(), "")
	require.NoError(t, err)

	rec := metaRecord{}
	ownerRecs := owner.meta.recordsFrom(0)
	require.Len(t, ownerRecs, 1)
	rec = ownerRecs[0]
	require.NoError(t, replica.IngestMetadata(rec))

	entry, ok := replica.Resolve("/videos/a.mp4")
	require.True(t, ok)
	start, end := entry.Blob.BlockRange()
	require.Equal(t, 0, replica.PresentInRange(start, end))

	src := NewLoopbackSource(func(dk [32]byte) *Drive {
		if dk == owner.DiscoveryKey() {
			return owner
		}
		return nil
	})
	replica.SetSource(src)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := start; i < end; i++ {
		require.NoError(t, replica.FetchBlock(ctx, i))
	}
	require.Equal(t, int(end-start), replica.PresentInRange(start, end))
}

func TestSyncWaitSwallowsTimeout(t *testing.T) {
	replica, err := OpenReplicaDrive(testKey(), "")
	require.NoError(t, err)
	start := time.Now()
	err = replica.SyncWait(context.Background(), 20*time.Millisecond)
	require.NoError(t, err)
	require.WithinDuration(t, start.Add(20*time.Millisecond), time.Now(), 50*time.Millisecond)
}
