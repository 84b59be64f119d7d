// Package blobbridge implements BlobBridge: a loopback-only HTTP server
// mapping /{channelKey_hex}/{path...} URLs to byte ranges drawn from a
// drive's blob log, so a local media player can play while blocks are
// still streaming in (spec.md §4.6).
package blobbridge

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/VictoriaMetrics/fastcache"
	"github.com/julienschmidt/httprouter"
	"github.com/rs/cors"

	"github.com/ayooooo123/peartube-sub004/appendlog"
	"github.com/ayooooo123/peartube-sub004/common"
	"github.com/ayooooo123/peartube-sub004/log"
	"github.com/ayooooo123/peartube-sub004/params"
)

// DriveLookup resolves a channel key to its open drive, analogous to
// DriveRegistry.DriveByDiscoveryKey but keyed by the channel key a URL
// carries in cleartext (spec.md §4.6: URLs are shaped
// /{blobsCoreKey_hex}/{opaque_descriptor}).
type DriveLookup interface {
	DriveByChannelKey(key common.ChannelKey) *appendlog.Drive
}

// UploadRecorder receives byte counts as they're streamed out to a player
// or peer, so PrefetchEngine can track a video's uploadSpeed (spec.md §6).
type UploadRecorder interface {
	RecordUpload(channelKey common.ChannelKey, path string, n int)
}

// Bridge is BlobBridge.
type Bridge struct {
	drives  DriveLookup
	cache   *fastcache.Cache
	uploads UploadRecorder
	log     *log.Logger
	server  *http.Server
	port    int
}

// New builds a Bridge. cacheBytes sizes an in-memory block cache so repeat
// ranges (player buffering, re-seeks) skip re-reading the blob log. uploads
// may be nil, in which case served bytes are not fed back into any
// uploadSpeed meter.
func New(drives DriveLookup, cacheBytes int, uploads UploadRecorder) *Bridge {
	return &Bridge{
		drives:  drives,
		cache:   fastcache.New(cacheBytes),
		uploads: uploads,
		log:     log.New("component", "blobbridge"),
	}
}

// Listen binds loopback on an ephemeral port and starts serving. It returns
// the bound port so callers can emit the blobServerPort startup event
// (spec.md §4.6 "the chosen port is exposed to the UI at startup").
func (b *Bridge) Listen() (int, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("blobbridge: binding loopback listener: %w", err)
	}
	b.port = ln.Addr().(*net.TCPAddr).Port

	router := httprouter.New()
	router.GET("/:channelKey/*descriptor", b.handleBlob)
	handler := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodHead, http.MethodOptions},
		AllowedHeaders: []string{"Range", "Content-Type"},
	}).Handler(router)

	b.server = &http.Server{Handler: handler}
	go func() {
		if err := b.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			b.log.Error("blob bridge server stopped", "err", err)
		}
	}()
	b.log.Info("blob bridge listening", "port", b.port)
	return b.port, nil
}

// Port reports the bound ephemeral port; zero before Listen is called.
func (b *Bridge) Port() int { return b.port }

// Close shuts the server down.
func (b *Bridge) Close(ctx context.Context) error {
	if b.server == nil {
		return nil
	}
	return b.server.Shutdown(ctx)
}

func (b *Bridge) handleBlob(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	keyHex := ps.ByName("channelKey")
	descriptor := strings.TrimPrefix(ps.ByName("descriptor"), "/")

	key, err := common.ParseChannelKey(keyHex)
	if err != nil {
		http.Error(w, "invalid channel key", http.StatusBadRequest)
		return
	}
	drive := b.drives.DriveByChannelKey(key)
	if drive == nil {
		http.Error(w, "unknown channel", http.StatusNotFound)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), params.BlobSessionTimeout)
	defer cancel()

	entry, ok := drive.Resolve("/" + descriptor)
	if !ok || !entry.Exists || entry.Blob == nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	blob := entry.Blob

	// Content-Type is set by the caller that constructed this URL (spec.md
	// §4.6, §6: "not sniffed") — coreapi.getVideoUrl embeds VideoMeta's
	// mimeType as a query parameter when it builds the link.
	if mimeType := r.URL.Query().Get("mimeType"); mimeType != "" {
		w.Header().Set("Content-Type", mimeType)
	}

	start, length := int64(0), int64(blob.ByteLength)
	if rng := r.Header.Get("Range"); rng != "" {
		var ok bool
		start, length, ok = parseRange(rng, int64(blob.ByteLength))
		if !ok {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", blob.ByteLength))
			http.Error(w, "invalid range", http.StatusRequestedRangeNotSatisfiable)
			return
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, start+length-1, blob.ByteLength))
		w.WriteHeader(http.StatusPartialContent)
	}
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))

	// wait: false (spec.md §4.6) — a session against the blob log returns
	// whatever is locally present right now and fails fast otherwise; the
	// player is expected to retry or pause, not have the bridge stall its
	// network thread.
	written, err := b.streamRange(ctx, drive, blob, start, length, w)
	if written > 0 && b.uploads != nil {
		b.uploads.RecordUpload(key, "/"+descriptor, int(written))
	}
	if err != nil {
		b.log.Debug("blob stream ended early, blocks not yet local", "path", descriptor, "written", written, "err", err)
	}
}

// streamRange writes [start, start+length) of the file's byte-addressed
// content to w, reading whole blocks from the drive and cutting to the
// requested byte window. Missing blocks end the stream short rather than
// synthesising data (spec.md §4.6 "Failure semantics").
func (b *Bridge) streamRange(ctx context.Context, drive *appendlog.Drive, blob *appendlog.BlobDescriptor, start, length int64, w io.Writer) (int64, error) {
	blockSize := int64(0)
	if blob.BlockLength > 0 {
		// Put() chunks into uniform-size blocks with a shorter final block,
		// so the chunk size is recoverable as ceil(byteLength / blockCount).
		byteLen, blockLen := int64(blob.ByteLength), int64(blob.BlockLength)
		blockSize = (byteLen + blockLen - 1) / blockLen
		if blockSize == 0 {
			blockSize = 1
		}
	}
	if blockSize == 0 {
		return 0, nil
	}

	startBlock := blob.BlockOffset + uint64(start/blockSize)
	skip := start % blockSize
	endByte := start + length

	var written int64
	offset := int64(startBlock-blob.BlockOffset) * blockSize

	for idx := startBlock; offset < endByte && idx < blob.BlockOffset+blob.BlockLength; idx++ {
		if ctx.Err() != nil {
			return written, ctx.Err()
		}
		cacheKey := blockCacheKey(drive.DiscoveryKey(), idx)
		data, ok := b.cache.HasGet(nil, cacheKey)
		if !ok {
			data, ok = drive.ReadBlock(idx)
			if !ok {
				return written, fmt.Errorf("block %d not local", idx)
			}
			b.cache.Set(cacheKey, data)
		}
		chunkStart := int64(0)
		if idx == startBlock {
			chunkStart = skip
		}
		chunkEnd := int64(len(data))
		if offset+int64(len(data)) > endByte {
			chunkEnd = chunkEnd - (offset + int64(len(data)) - endByte)
		}
		if chunkStart >= chunkEnd {
			offset += int64(len(data))
			continue
		}
		n, err := w.Write(data[chunkStart:chunkEnd])
		written += int64(n)
		offset += int64(len(data))
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

func blockCacheKey(discoveryKey [32]byte, idx uint64) []byte {
	buf := make([]byte, 40)
	copy(buf, discoveryKey[:])
	for i := 0; i < 8; i++ {
		buf[32+i] = byte(idx >> (8 * i))
	}
	return buf
}

// parseRange parses a single "bytes=start-end" Range header value.
func parseRange(header string, total int64) (start, length int64, ok bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(header, prefix) {
		return 0, 0, false
	}
	spec := strings.TrimPrefix(header, prefix)
	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	if parts[0] == "" {
		// suffix range: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > total {
			n = total
		}
		return total - n, n, true
	}
	s, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || s < 0 || s >= total {
		return 0, 0, false
	}
	end := total - 1
	if parts[1] != "" {
		e, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || e < s {
			return 0, 0, false
		}
		if e < end {
			end = e
		}
	}
	return s, end - s + 1, true
}
