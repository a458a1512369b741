package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tachyon-labs/dlengine/internal/catalog"
	"github.com/tachyon-labs/dlengine/internal/config"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/storage"
)

func newTestEngine(t *testing.T, dataDir string) (*Engine, *storage.Store, chan events.Event, *catalog.StaticReader) {
	t.Helper()
	store, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.Defaults()
	cfg.DataDir = dataDir
	cfg.Bandwidth.Enabled = false
	cfg.Chunked.SizeThreshold = 1 << 40 // keep small test bodies on the SS path

	evCh := make(chan events.Event, 256)
	sink := func(e events.Event) {
		select {
		case evCh <- e:
		default:
		}
	}

	cat := catalog.NewStaticReader()
	eng := New(&cfg, store, cat, sink, nil)
	return eng, store, evCh, cat
}

func waitForEvent(t *testing.T, ch chan events.Event, typ events.Type, timeout time.Duration) events.Event {
	t.Helper()
	deadline := time.After(timeout)
	for {
		select {
		case e := <-ch:
			if e.Type == typ {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for event %s", typ)
		}
	}
}

func TestEngineSubmitDownloadsAndCompletes(t *testing.T) {
	const payload = "hello from the test server"
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(payload))
	}))
	defer srv.Close()

	dir := t.TempDir()
	eng, store, evCh, cat := newTestEngine(t, dir)
	cat.Files[1] = catalog.FileInfo{URL: srv.URL, Title: "greeting.txt"}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Shutdown()

	require.NoError(t, eng.Submit(SubmitRequest{
		ID:           1,
		Title:        "greeting.txt",
		DownloadPath: dir,
	}))

	waitForEvent(t, evCh, events.Completed, 5*time.Second)

	d, err := store.GetByID(1)
	require.NoError(t, err)
	assert.Equal(t, storage.StateCompleted, d.State)

	got, err := os.ReadFile(filepath.Join(dir, "greeting.txt"))
	require.NoError(t, err)
	assert.Equal(t, payload, string(got))
}

func TestEngineSubmitIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	eng, store, _, cat := newTestEngine(t, dir)
	cat.Files[5] = catalog.FileInfo{URL: "http://example.invalid/a", Title: "a"}

	req := SubmitRequest{ID: 5, Title: "a", DownloadPath: dir}
	require.NoError(t, eng.Submit(req))
	require.NoError(t, eng.Submit(req))

	all, err := store.GetAll()
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestEngineFailsAfterExhaustingRetries(t *testing.T) {
	// Nothing listens on this port: every connection attempt is refused,
	// a NetworkTransient (retryable) kind, so the retry policy runs to
	// exhaustion rather than failing on the first attempt.
	const unreachable = "http://127.0.0.1:1/unreachable"

	dir := t.TempDir()
	eng, store, evCh, cat := newTestEngine(t, dir)
	eng.cfg.MaxRetries = 1
	eng.cfg.RetryDelay = 10 * time.Millisecond
	cat.Files[2] = catalog.FileInfo{URL: unreachable, Title: "bad.txt"}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Shutdown()

	require.NoError(t, eng.Submit(SubmitRequest{ID: 2, Title: "bad.txt", DownloadPath: dir}))

	var last events.Event
	deadline := time.After(3 * time.Second)
loop:
	for {
		select {
		case e := <-evCh:
			last = e
			if e.Type == events.Interrupted {
				d, err := store.GetByID(2)
				require.NoError(t, err)
				if d.State == storage.StateFailed {
					break loop
				}
			}
		case <-deadline:
			t.Fatalf("timed out, last event: %+v", last)
		}
	}

	d, err := store.GetByID(2)
	require.NoError(t, err)
	assert.Equal(t, storage.StateFailed, d.State)
	assert.NotEmpty(t, d.LastError)
	assert.GreaterOrEqual(t, d.RetryCount, eng.cfg.MaxRetries)
}

func TestEnginePauseThenResume(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			return
		}
		w.Write([]byte("chunk-1-"))
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		<-block
		w.Write([]byte("chunk-2"))
	}))
	defer srv.Close()
	defer close(block)

	dir := t.TempDir()
	eng, store, evCh, cat := newTestEngine(t, dir)
	cat.Files[3] = catalog.FileInfo{URL: srv.URL, Title: "c.txt"}

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Shutdown()

	require.NoError(t, eng.Submit(SubmitRequest{ID: 3, Title: "c.txt", DownloadPath: dir}))
	waitForEvent(t, evCh, events.Starting, 3*time.Second)
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, eng.Pause(3))
	d, err := store.GetByID(3)
	require.NoError(t, err)
	assert.Equal(t, storage.StatePaused, d.State)

	require.NoError(t, eng.Resume(3))
	d, err = store.GetByID(3)
	require.NoError(t, err)
	assert.NotEqual(t, storage.StatePaused, d.State)
}

func TestEngineRestoresQueuedDownloadsOnStart(t *testing.T) {
	dir := t.TempDir()
	store, err := storage.Open(":memory:", nil)
	require.NoError(t, err)
	defer store.Close()
	require.NoError(t, store.AddDownload(&storage.Download{ID: 42, Title: "x", URL: "http://example.invalid/x"}))

	cfg := config.Defaults()
	cfg.DataDir = dir
	cfg.Bandwidth.Enabled = false

	evCh := make(chan events.Event, 32)
	eng := New(&cfg, store, catalog.NewStaticReader(), func(e events.Event) { evCh <- e }, nil)

	ctx, cancel := context.WithCancel(t.Context())
	defer cancel()
	require.NoError(t, eng.Start(ctx))
	defer eng.Shutdown()

	e := waitForEvent(t, evCh, events.DownloadsRestored, 2*time.Second)
	restored, ok := e.Payload.([]storage.Download)
	require.True(t, ok)
	require.Len(t, restored, 1)
	assert.Equal(t, int64(42), restored[0].ID)
}
