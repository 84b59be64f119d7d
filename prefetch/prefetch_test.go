package prefetch

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/driveregistry"
	"github.com/ayooooo123/peartube-sub004/perr"
)

type noopJoiner struct{}

func (noopJoiner) Join(ctx context.Context, topic [32]byte) error { return nil }

type countingConns struct{ n int }

func (c countingConns) ConnectionCount() int { return c.n }

type recordingSink struct{ updates int }

func (r *recordingSink) VideoStatsUpdated(common.ChannelKey, string, VideoStats) { r.updates++ }

type recordingSeeds struct{ calls int }

func (r *recordingSeeds) AddSeed(common.ChannelKey, string, string, uint64, uint64) bool {
	r.calls++
	return true
}

func newTestEngine(t *testing.T) (*Engine, *driveregistry.Registry) {
	t.Helper()
	reg := driveregistry.New(t.TempDir(), noopJoiner{})
	eng := New(reg, countingConns{n: 3}, &recordingSeeds{}, &recordingSink{}, 4)
	return eng, reg
}

func TestPrefetchReturnsCachedWhenFileAlreadyComplete(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()

	drive, key, err := reg.Create(ctx)
	require.NoError(t, err)
	_, err = drive.Put("/video.mp4", []byte("hello world"), 4)
	require.NoError(t, err)

	report, err := eng.Prefetch(ctx, key, "/video.mp4", "video1")
	require.NoError(t, err)
	require.True(t, report.Cached)
	require.True(t, report.Success)
	require.EqualValues(t, 3, report.TotalBlocks)

	stats := eng.GetStats(key, "/video.mp4")
	require.Equal(t, StatusComplete, stats.Status)
	require.True(t, stats.IsComplete())
}

func TestPrefetchRejectsInvalidKey(t *testing.T) {
	eng, _ := newTestEngine(t)
	_, err := eng.Prefetch(context.Background(), common.ZeroKey, "/x", "video1")
	require.True(t, errors.Is(err, perr.ErrInvalidKey))
}

func TestPrefetchRejectsEmptyPath(t *testing.T) {
	eng, reg := newTestEngine(t)
	_, key, err := reg.Create(context.Background())
	require.NoError(t, err)

	_, err = eng.Prefetch(context.Background(), key, "", "video1")
	require.True(t, errors.Is(err, perr.ErrInvalidPath))
}

func TestPrefetchFailsNotFoundForMissingFile(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()
	_, key, err := reg.Create(ctx)
	require.NoError(t, err)

	report, err := eng.Prefetch(ctx, key, "/missing.mp4", "video1")
	require.Error(t, err)
	require.True(t, errors.Is(err, perr.ErrNotFound))
	require.False(t, report.Success)
}

func TestGetStatsUnknownWhenNoRecord(t *testing.T) {
	eng, _ := newTestEngine(t)
	stats := eng.GetStats(common.MustParseChannelKey(fixedHexKey), "/nope.mp4")
	require.Equal(t, StatusUnknown, stats.Status)
	// newTestEngine wires a countingConns{n: 3}, so the not-found fallback's
	// peerCount() reports total swarm connections, not zero.
	require.Equal(t, 3, stats.PeerCount)
}

const fixedHexKey = "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"

func TestPrefetchDetachesPriorMonitorOnReentry(t *testing.T) {
	eng, reg := newTestEngine(t)
	ctx := context.Background()
	drive, key, err := reg.Create(ctx)
	require.NoError(t, err)
	_, err = drive.Put("/video.mp4", []byte("0123456789"), 2)
	require.NoError(t, err)

	_, err = eng.Prefetch(ctx, key, "/video.mp4", "video1")
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)

	_, err = eng.Prefetch(ctx, key, "/video.mp4", "video1")
	require.NoError(t, err)
}
