// Package prefetch implements PrefetchEngine: given a (channelKey, filePath)
// pair it ensures every blob block of that file is locally present, tracking
// progress through a monitor and publishing VideoStats events (spec.md
// §4.4).
package prefetch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ayooooo123/peartube-sub004/appendlog"
	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/driveregistry"
	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/metrics"
	"github.com/ayooooo123/peartube-sub004/params"
	"github.com/ayooooo123/peartube-sub004/perr"
)

// Status is VideoStats.Status (spec.md §3).
type Status string

const (
	StatusUnknown    Status = "unknown"
	StatusConnecting Status = "connecting"
	StatusResolving  Status = "resolving"
	StatusDownloading Status = "downloading"
	StatusComplete   Status = "complete"
	StatusError      Status = "error"
)

// VideoStats is the per-file progress record the UI polls/subscribes to
// (spec.md §3, §4.4.5).
type VideoStats struct {
	VideoID          string
	Status           Status
	StartTime        time.Time
	TotalBlocks      uint64
	TotalBytes       uint64
	InitialBlocks    uint64
	DownloadedBlocks uint64
	DownloadedBytes  uint64
	DownloadSpeed    float64 // bytes/sec, one-minute moving average
	UploadSpeed      float64 // bytes/sec, one-minute moving average
	PeerCount        int
	Error            string
}

// Progress is a derived convenience (blocks done / total), not part of the
// wire stats struct itself but handy for the CLI/UI layer.
func (s VideoStats) Progress() float64 {
	if s.TotalBlocks == 0 {
		return 0
	}
	return float64(s.InitialBlocks+s.DownloadedBlocks) / float64(s.TotalBlocks)
}

func (s VideoStats) IsComplete() bool { return s.Status == StatusComplete }

// PrefetchReport is prefetch()'s synchronous return value (spec.md §4.4.1).
type PrefetchReport struct {
	Cached        bool
	TotalBlocks   uint64
	TotalBytes    uint64
	PeerCount     int
	InitialBlocks uint64
	Success       bool
	Error         string
}

// EventSink receives stats events as they're published (spec.md §4.4.2
// step 3).
type EventSink interface {
	VideoStatsUpdated(channelKey common.ChannelKey, filePath string, stats VideoStats)
}

// ConnectionCounter exposes SwarmHost.connectionCount for the peerCount
// fallback (spec.md §4.4.2 step 2).
type ConnectionCounter interface {
	ConnectionCount() int
}

// SeedRegistrar is SeedingManager's addSeed, called once a file completes
// (spec.md §4.4.2 step 4, §4.4.3 step 4).
type SeedRegistrar interface {
	AddSeed(channelKey common.ChannelKey, filePath string, reason string, blockCount, byteCount uint64) bool
}

type fileKey struct {
	channel common.ChannelKey
	path    string
}

type monitor struct {
	stats         VideoStats
	cancel        context.CancelFunc
	seeded        bool
	releaseTime   *time.Timer
	downloadMeter *metrics.Meter
	uploadMeter   *metrics.Meter
}

// Engine is PrefetchEngine.
type Engine struct {
	mu       sync.Mutex
	monitors map[fileKey]*monitor

	registry *driveregistry.Registry
	conns    ConnectionCounter
	seeds    SeedRegistrar
	sink     EventSink
	log      *log.Logger

	sem *semaphore.Weighted
}

// New builds an Engine. maxConcurrentBlocks bounds simultaneous block
// fetches across all in-flight prefetches.
func New(registry *driveregistry.Registry, conns ConnectionCounter, seeds SeedRegistrar, sink EventSink, maxConcurrentBlocks int64) *Engine {
	return &Engine{
		monitors: make(map[fileKey]*monitor),
		registry: registry,
		conns:    conns,
		seeds:    seeds,
		sink:     sink,
		log:      log.New("component", "prefetch"),
		sem:      semaphore.NewWeighted(maxConcurrentBlocks),
	}
}

// Prefetch implements spec.md §4.4.1. videoID is the caller's resolved
// VideoMeta.ID, carried on every VideoStats snapshot so eventVideoStats
// (spec.md §6) can identify which video a progress update belongs to.
func (e *Engine) Prefetch(ctx context.Context, channelKey common.ChannelKey, filePath, videoID string) (*PrefetchReport, error) {
	if !channelKey.IsValid() {
		return nil, perr.ErrInvalidKey
	}
	if filePath == "" {
		return nil, perr.ErrInvalidPath
	}
	key := fileKey{channel: channelKey, path: filePath}

	e.detach(key)

	stats := VideoStats{VideoID: videoID, Status: StatusConnecting, StartTime: time.Now()}
	e.publish(key, stats)

	stats.Status = StatusResolving
	e.publish(key, stats)
	drive, err := e.registry.Open(ctx, channelKey, driveregistry.OpenOptions{
		WaitForSync: true,
		SyncTimeout: params.PrefetchSyncTimeout,
	})
	if err != nil {
		return e.fail(key, stats, err)
	}

	entry, ok := drive.Resolve(filePath)
	if !ok || !entry.Exists || entry.Blob == nil {
		return e.fail(key, stats, perr.ErrNotFound)
	}

	start, end := entry.Blob.BlockRange()
	totalBlocks := end - start
	stats.TotalBlocks = totalBlocks
	stats.TotalBytes = entry.Blob.ByteLength
	stats.InitialBlocks = uint64(drive.PresentInRange(start, end))
	stats.DownloadedBytes = drive.PresentBytesInRange(start, end)
	stats.PeerCount = e.peerCount()
	e.publish(key, stats)

	if stats.InitialBlocks == totalBlocks {
		stats.Status = StatusComplete
		e.mu.Lock()
		e.monitors[key] = &monitor{stats: stats, seeded: true, downloadMeter: metrics.NewMeter(), uploadMeter: metrics.NewMeter()}
		e.mu.Unlock()
		e.publish(key, stats)
		e.registerSeed(channelKey, filePath, "watched", totalBlocks, stats.TotalBytes)
		e.scheduleRelease(key)
		return &PrefetchReport{
			Cached: true, TotalBlocks: totalBlocks, TotalBytes: stats.TotalBytes,
			PeerCount: stats.PeerCount, Success: true,
		}, nil
	}

	mctx, cancel := context.WithCancel(context.Background())
	m := &monitor{stats: stats, cancel: cancel, downloadMeter: metrics.NewMeter(), uploadMeter: metrics.NewMeter()}
	e.mu.Lock()
	e.monitors[key] = m
	e.mu.Unlock()

	go e.runDownload(mctx, key, drive, start, end)

	return &PrefetchReport{
		Cached: false, TotalBlocks: totalBlocks, TotalBytes: stats.TotalBytes,
		PeerCount: stats.PeerCount, InitialBlocks: stats.InitialBlocks, Success: true,
	}, nil
}

// GetStats implements spec.md §4.4.5.
func (e *Engine) GetStats(channelKey common.ChannelKey, filePath string) VideoStats {
	e.mu.Lock()
	m, ok := e.monitors[fileKey{channel: channelKey, path: filePath}]
	e.mu.Unlock()
	if !ok {
		return VideoStats{Status: StatusUnknown, PeerCount: e.peerCount()}
	}
	return m.stats
}

func (e *Engine) runDownload(ctx context.Context, key fileKey, drive *appendlog.Drive, start, end uint64) {
	downloadedMeter := metrics.NewRegisteredMeter("prefetch/blocks/downloaded")
	lastMilestone := -1

	for idx := start; idx < end; idx++ {
		if drive.BlockPresent(idx) {
			continue
		}
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return // context canceled: the monitor was detached
		}
		err := drive.FetchBlock(ctx, idx)
		e.sem.Release(1)
		if err != nil {
			e.log.Debug("block fetch failed, will retry in salvage pass", "path", key.path, "block", idx, "err", err)
			continue
		}
		downloadedMeter.Mark(1)
		blockData, _ := drive.ReadBlock(idx)

		e.mu.Lock()
		m, ok := e.monitors[key]
		if !ok {
			e.mu.Unlock()
			return
		}
		m.stats.DownloadedBlocks++
		m.stats.DownloadedBytes += uint64(len(blockData))
		m.downloadMeter.Mark(int64(len(blockData)))
		m.stats.DownloadSpeed = m.downloadMeter.Rate1()
		m.stats.PeerCount = e.peerCount()
		total := m.stats.InitialBlocks + m.stats.DownloadedBlocks
		if total == m.stats.TotalBlocks {
			m.stats.Status = StatusComplete
		} else {
			m.stats.Status = StatusDownloading
		}
		snapshot := m.stats
		e.mu.Unlock()
		e.publish(key, snapshot)
		lastMilestone = e.logMilestone(key, snapshot, lastMilestone)
	}

	e.completeDownload(ctx, key, drive, start, end)
}

func (e *Engine) logMilestone(key fileKey, stats VideoStats, last int) int {
	if stats.TotalBlocks == 0 {
		return last
	}
	pct := int(stats.Progress() * 100)
	milestone := (pct / 10) * 10
	if milestone > last {
		e.log.Info("download progress", "path", key.path, "percent", milestone)
		return milestone
	}
	return last
}

// completeDownload implements the salvage pass (spec.md §4.4.3).
func (e *Engine) completeDownload(ctx context.Context, key fileKey, drive *appendlog.Drive, start, end uint64) {
	missing := drive.PresentInRange(start, end)
	total := int(end - start)
	if missing < total {
		salvaged := 0
		for idx := start; idx < end && salvaged < params.SalvageMaxBlocks; idx++ {
			if drive.BlockPresent(idx) {
				continue
			}
			sctx, cancel := context.WithTimeout(ctx, params.SalvagePerBlockTimeout)
			_ = drive.FetchBlock(sctx, idx)
			cancel()
			salvaged++
		}
	}

	verified := uint64(drive.PresentInRange(start, end))
	verifiedBytes := drive.PresentBytesInRange(start, end)

	e.mu.Lock()
	m, ok := e.monitors[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	m.stats.DownloadedBlocks = verified - m.stats.InitialBlocks
	m.stats.DownloadedBytes = verifiedBytes
	newlyComplete := verified == m.stats.TotalBlocks && !m.seeded
	if verified == m.stats.TotalBlocks {
		m.stats.Status = StatusComplete
	}
	seeded := m.seeded
	if newlyComplete {
		m.seeded = true
	}
	snapshot := m.stats
	bytesTotal := snapshot.TotalBytes
	totalBlocks := snapshot.TotalBlocks
	e.mu.Unlock()

	e.publish(key, snapshot)

	if newlyComplete && !seeded {
		e.registerSeed(key.channel, key.path, "watched", totalBlocks, bytesTotal)
	}

	if snapshot.Status == StatusComplete {
		e.scheduleRelease(key)
	}
}

func (e *Engine) scheduleRelease(key fileKey) {
	e.mu.Lock()
	m, ok := e.monitors[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	m.releaseTime = time.AfterFunc(params.MonitorReleaseDelay, func() {
		e.detach(key)
	})
	e.mu.Unlock()
}

func (e *Engine) registerSeed(channelKey common.ChannelKey, filePath, reason string, blocks, bytes uint64) {
	if e.seeds == nil {
		return
	}
	e.seeds.AddSeed(channelKey, filePath, reason, blocks, bytes)
}

func (e *Engine) fail(key fileKey, stats VideoStats, err error) (*PrefetchReport, error) {
	stats.Status = StatusError
	stats.Error = err.Error()
	e.publish(key, stats)
	e.detach(key)
	return &PrefetchReport{Success: false, Error: err.Error()}, fmt.Errorf("prefetch %s: %w", key.path, err)
}

func (e *Engine) detach(key fileKey) {
	e.mu.Lock()
	m, ok := e.monitors[key]
	if ok {
		delete(e.monitors, key)
	}
	e.mu.Unlock()
	if ok {
		if m.cancel != nil {
			m.cancel()
		}
		if m.releaseTime != nil {
			m.releaseTime.Stop()
		}
	}
}

func (e *Engine) publish(key fileKey, stats VideoStats) {
	e.mu.Lock()
	if m, ok := e.monitors[key]; ok {
		m.stats = stats
	}
	e.mu.Unlock()
	if e.sink != nil {
		e.sink.VideoStatsUpdated(key.channel, key.path, stats)
	}
}

// SetSink wires the event sink after construction, so the Engine and its
// sink (typically coreapi.Server, which itself depends on the Engine) can
// be built in either order.
func (e *Engine) SetSink(sink EventSink) {
	e.mu.Lock()
	e.sink = sink
	e.mu.Unlock()
}

// RecordUpload implements blobbridge.UploadRecorder: bytes BlobBridge just
// served for (channelKey, path) feed that video's uploadSpeed meter (spec.md
// §6). A no-op once the file's monitor has been released (spec.md §4.4.4
// monitor release), since there is nothing left tracking that video.
func (e *Engine) RecordUpload(channelKey common.ChannelKey, path string, n int) {
	if n <= 0 {
		return
	}
	key := fileKey{channel: channelKey, path: path}
	e.mu.Lock()
	m, ok := e.monitors[key]
	if !ok {
		e.mu.Unlock()
		return
	}
	m.uploadMeter.Mark(int64(n))
	m.stats.UploadSpeed = m.uploadMeter.Rate1()
	snapshot := m.stats
	e.mu.Unlock()
	e.publish(key, snapshot)
}

func (e *Engine) peerCount() int {
	if e.conns == nil {
		return 0
	}
	return e.conns.ConnectionCount()
}
