package blobbridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ayooooo123/peartube-sub004/appendlog"
	"github.com/ayooooo123/peartube-sub004/common"
)

type staticLookup struct {
	drive *appendlog.Drive
	key   common.ChannelKey
}

func (s staticLookup) DriveByChannelKey(key common.ChannelKey) *appendlog.Drive {
	if key != s.key {
		return nil
	}
	return s.drive
}

type recordingUploads struct {
	mu    sync.Mutex
	calls []int
}

func (r *recordingUploads) RecordUpload(_ common.ChannelKey, _ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, n)
}

func newServedDriveWithUploads(t *testing.T, content []byte, blockSize int, uploads UploadRecorder) (*Bridge, common.ChannelKey, string) {
	t.Helper()
	drive, err := appendlog.NewOwnedDrive(t.TempDir())
	require.NoError(t, err)
	_, err = drive.Put("/video.mp4", content, blockSize)
	require.NoError(t, err)

	bridge := New(staticLookup{drive: drive, key: drive.Key()}, 1<<20, uploads)
	port, err := bridge.Listen()
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		bridge.Close(ctx)
	})
	url := fmt.Sprintf("http://127.0.0.1:%d/%s/video.mp4", port, drive.Key().String())
	return bridge, drive.Key(), url
}

func newServedDrive(t *testing.T, content []byte, blockSize int) (*Bridge, common.ChannelKey, string) {
	return newServedDriveWithUploads(t, content, blockSize, nil)
}

func TestFullContentRequestReturnsWholeFile(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	_, _, url := newServedDrive(t, content, 8)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content, body)
}

func TestRangeRequestReturnsPartialContent(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	_, _, url := newServedDrive(t, content, 4)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("Range", "bytes=10-19")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, content[10:20], body)
}

func TestContentTypeSetFromMimeTypeQueryParam(t *testing.T) {
	content := []byte("the quick brown fox jumps over the lazy dog")
	_, _, url := newServedDrive(t, content, 8)

	resp, err := http.Get(url + "?mimeType=video%2Fmp4")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
}

func TestStreamRangeRecordsUpload(t *testing.T) {
	content := []byte("0123456789abcdefghijklmnopqrstuvwxyz")
	uploads := &recordingUploads{}
	_, _, url := newServedDriveWithUploads(t, content, 4, uploads)

	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	_, err = io.ReadAll(resp.Body)
	require.NoError(t, err)

	uploads.mu.Lock()
	defer uploads.mu.Unlock()
	require.Len(t, uploads.calls, 1)
	require.Equal(t, len(content), uploads.calls[0])
}

func TestUnknownChannelReturns404(t *testing.T) {
	_, _, url := newServedDrive(t, []byte("x"), 4)
	other := "http://127.0.0.1" + url[len("http://127.0.0.1"):]
	_ = other

	resp, err := http.Get(fmt.Sprintf("http://%s/%s/video.mp4", mustHostPort(t, url), wrongKey()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestMissingPathReturns404(t *testing.T) {
	_, key, url := newServedDrive(t, []byte("x"), 4)
	resp, err := http.Get(fmt.Sprintf("http://%s/%s/missing.mp4", mustHostPort(t, url), key.String()))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func wrongKey() string {
	return common.MustParseChannelKey(repeatHex("ff")).String()
}

func repeatHex(pair string) string {
	out := ""
	for i := 0; i < 32; i++ {
		out += pair
	}
	return out
}

func mustHostPort(t *testing.T, url string) string {
	t.Helper()
	const prefix = "http://"
	rest := url[len(prefix):]
	idx := 0
	for idx < len(rest) && rest[idx] != '/' {
		idx++
	}
	return rest[:idx]
}
