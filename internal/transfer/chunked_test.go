package transfer

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-labs/dlengine/internal/config"
	"github.com/tachyon-labs/dlengine/internal/storage"
)

func TestShouldChunkRespectsThresholdAndForceFlag(t *testing.T) {
	cfg := config.Defaults().Chunked
	assert.True(t, ShouldChunk(cfg.SizeThreshold, cfg, true))
	assert.False(t, ShouldChunk(cfg.SizeThreshold-1, cfg, true))
	assert.False(t, ShouldChunk(cfg.SizeThreshold, cfg, false), "no range support means SS regardless of size")

	cfg.ForceSimpleDownload = true
	assert.False(t, ShouldChunk(cfg.SizeThreshold*10, cfg, true))
}

func TestLayoutChunksPartitionsWithoutGapsOrOverlap(t *testing.T) {
	cfg := config.Defaults().Chunked
	const total = int64(100 * 1024 * 1024)
	chunks := LayoutChunks(7, total, cfg)

	require.GreaterOrEqual(t, len(chunks), cfg.MinChunks)
	require.LessOrEqual(t, len(chunks), cfg.MaxChunks)

	var covered int64
	for i, c := range chunks {
		assert.Equal(t, i, c.ChunkIndex)
		assert.Equal(t, covered, c.StartByte)
		assert.GreaterOrEqual(t, c.EndByte, c.StartByte)
		covered = c.EndByte + 1
	}
	assert.Equal(t, total, covered)
}

func TestRunChunkedDownloadsAndMergesInOrder(t *testing.T) {
	const payload = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rangeHeader := r.Header.Get("Range")
		var start, end int
		fmt.Sscanf(rangeHeader, "bytes=%d-%d", &start, &end)
		if end >= len(payload) {
			end = len(payload) - 1
		}
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write([]byte(payload[start : end+1]))
	}))
	defer srv.Close()

	deps := newTestDeps(t)
	cfg := deps.Cfg
	cfg.Chunked.MinChunks = 4
	cfg.Chunked.DefaultChunks = 4
	cfg.Chunked.MinChunkSize = 4
	cfg.Chunked.MaxConcurrentChunks = 4

	require.NoError(t, deps.Store.AddDownload(&storage.Download{ID: 9, Title: "alphabet", URL: srv.URL}))

	dir := t.TempDir()
	savePath := filepath.Join(dir, "alphabet.bin")
	d := &storage.Download{ID: 9, URL: srv.URL, SavePath: savePath}

	err := RunChunked(t.Context(), deps, d, int64(len(payload)))
	require.NoError(t, err)

	got, err := os.ReadFile(savePath)
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))

	chunks, err := deps.Store.GetChunks(9)
	require.NoError(t, err)
	assert.Empty(t, chunks, "CleanupOnComplete should have deleted chunk rows")
}

func TestRunChunkedAbortsSiblingsOnFirstError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	deps := newTestDeps(t)
	deps.Cfg.Chunked.ChunkRetries = 0
	deps.Cfg.Chunked.MinChunks = 4
	deps.Cfg.Chunked.DefaultChunks = 4
	deps.Cfg.Chunked.MinChunkSize = 4

	require.NoError(t, deps.Store.AddDownload(&storage.Download{ID: 11, Title: "fail", URL: srv.URL}))
	dir := t.TempDir()
	d := &storage.Download{ID: 11, URL: srv.URL, SavePath: filepath.Join(dir, "fail.bin")}

	err := RunChunked(t.Context(), deps, d, 64)
	assert.Error(t, err)
}
