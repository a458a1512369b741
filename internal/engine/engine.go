// Package engine implements the Download Manager (DM, spec.md §4.8): the
// top-level handle that owns the dispatch loop, the state machine
// transitions, retry policy, and stale-job sweeper, composing every
// other component (PS, BS, PT, HT, SS/CD, filesystem, catalog) behind a
// small operation surface (submit/pause/resume/cancel/retry/...).
// Grounded on the teacher's internal/engine/manager.go (TachyonEngine),
// replacing its ad hoc field set with SPEC_FULL.md's component set and
// correcting its Recovery Coordinator and retry-policy divergences.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tachyon-labs/dlengine/internal/bandwidth"
	"github.com/tachyon-labs/dlengine/internal/catalog"
	"github.com/tachyon-labs/dlengine/internal/config"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/filesystem"
	"github.com/tachyon-labs/dlengine/internal/integrity"
	"github.com/tachyon-labs/dlengine/internal/progress"
	"github.com/tachyon-labs/dlengine/internal/queue"
	"github.com/tachyon-labs/dlengine/internal/storage"
	"github.com/tachyon-labs/dlengine/internal/transfer"
	"github.com/tachyon-labs/dlengine/internal/transport"
)

// activeDownload is the in-memory handle for a reserved/downloading job;
// it is the "writer session" of spec.md §9, whose cancel tears down the
// transport socket and file handles on every exit path.
type activeDownload struct {
	id         int64
	sessionID  string
	cancel     context.CancelFunc
	lastUpdate atomic64
	done       chan struct{}
}

// Engine is the top-level owned handle; there is no package-global state
// (spec.md §9 "singleton databases and managers... owned values held by
// a top-level engine handle").
type Engine struct {
	cfg       *config.Config
	store     *storage.Store
	bw        *bandwidth.Scheduler
	pt        *progress.Throttler
	transport *transport.Transport
	allocator *filesystem.Allocator
	verifier  *integrity.FileVerifier
	catalog   catalog.Reader
	queue     *queue.Queue
	sink      events.Sink
	log       *slog.Logger
	stats     *Stats

	processingMu sync.Mutex // the "processing lock" of spec.md §5

	activeMu sync.Mutex
	active   map[int64]*activeDownload

	dispatchCh chan struct{}
	stopCh     chan struct{}
	wg         sync.WaitGroup
}

// New constructs the engine, wiring every component via constructor
// injection. It does not start the bandwidth scheduler, the dispatch
// loop or recovery — call Start for that, mirroring the
// teacher's NewEngine/SetContext split (recovery there ran from
// SetContext; here it already ran inside storage.Open).
func New(cfg *config.Config, store *storage.Store, cat catalog.Reader, sink events.Sink, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		bw:        bandwidth.New(bandwidth.Config{
			Enabled:                    cfg.Bandwidth.Enabled,
			AutoDetect:                 cfg.Bandwidth.AutoDetect,
			MaxBandwidthBytesPerSecond: cfg.Bandwidth.MaxBandwidthBytesPerSecond,
			UpdateInterval:             cfg.Bandwidth.UpdateInterval,
		}, log),
		transport: transport.New(transport.Config{
			UserAgent:           cfg.UserAgent,
			ConnectTimeout:      10 * time.Second,
			ResponseTimeout:     30 * time.Second,
			IdleTimeout:         90 * time.Second,
			RangeSupportTimeout: cfg.Chunked.RangeSupportTimeout,
		}),
		allocator: filesystem.NewAllocator(),
		verifier:  integrity.NewFileVerifier(),
		catalog:   cat,
		queue:     queue.New(),
		sink:      sink,
		log:       log,
		stats:     NewStats(),
		active:    make(map[int64]*activeDownload),
		dispatchCh: make(chan struct{}, 1),
		stopCh:     make(chan struct{}),
	}
	e.pt = progress.New(cfg.ProgressUpdateInterval, e.onProgressFlush)
	if len(cfg.Bandwidth.DistributionPercentages) > 0 {
		bandwidth.DistributionTable = cfg.Bandwidth.DistributionPercentages
	}
	return e
}

// Start loads queued rows from PS into the in-memory queue, starts the
// bandwidth scheduler, the dispatch loop, and the stale-job sweeper.
// Emits a single downloads-restored event at startup listing those
// queued rows; paused rows are neither queued nor listed.
func (e *Engine) Start(ctx context.Context) error {
	e.bw.Start()

	if e.cfg.Bandwidth.AutoDetect && e.cfg.Bandwidth.MaxBandwidthBytesPerSecond == 0 {
		seed := bandwidth.DetectSeed(ctx, 3*time.Second, e.log)
		e.bw.SeedDetectedBandwidth(seed)
	}

	queued, err := e.store.GetQueued()
	if err != nil {
		return err
	}
	for _, d := range queued {
		e.queue.Push(toQueueItem(d))
	}
	restored := make([]storage.Download, 0, len(queued))
	restored = append(restored, queued...)

	e.emit(0, events.DownloadsRestored, restored)

	e.wg.Add(2)
	go e.dispatchLoop(ctx)
	go e.staleSweepLoop(ctx)

	return nil
}

// Shutdown cancels every active download and stops background loops.
func (e *Engine) Shutdown() {
	close(e.stopCh)
	e.activeMu.Lock()
	for _, a := range e.active {
		a.cancel()
	}
	e.activeMu.Unlock()
	e.wg.Wait()
	e.bw.Stop()
}

func (e *Engine) emit(id int64, typ events.Type, payload any) {
	if e.sink != nil {
		e.sink(events.Event{Type: typ, ID: id, Payload: payload})
	}
}

func (e *Engine) onProgressFlush(s progress.Sample) {
	e.emit(s.ID, events.Progressing, events.ProgressingPayload{
		Percent:          s.Percent,
		SpeedMBps:        s.SpeedMBps,
		TotalBytes:       s.TotalBytes,
		DownloadedBytes:  s.DownloadedBytes,
		RemainingSeconds: s.RemainingSeconds,
		Chunked:          s.Chunked,
		ActiveChunks:     s.ActiveChunks,
		CompletedChunks:  s.CompletedChunks,
		TotalChunks:      s.TotalChunks,
	})
}

func toQueueItem(d storage.Download) queue.Item {
	return queue.Item{
		ID:            d.ID,
		Priority:      d.Priority,
		QueuePosition: d.QueuePosition,
		CreatedAtUnix: d.CreatedAt.Unix(),
	}
}

func newSessionID() string { return uuid.NewString() }

// newTransferDeps wires a's lastUpdate into the downloader's progress
// callback so the stale-job sweeper (dispatch.go) only ever force-fails
// a download that has genuinely stopped making progress, not one still
// streaming bytes past StaleTimeout.
func newTransferDeps(e *Engine, a *activeDownload) *transfer.Deps {
	return &transfer.Deps{
		Store:      e.store,
		Transport:  e.transport,
		Bandwidth:  e.bw,
		Progress:   e.pt,
		Allocator:  e.allocator,
		Verifier:   e.verifier,
		Sink:       e.sink,
		Log:        e.log,
		Cfg:        e.cfg,
		OnProgress: func() { a.lastUpdate.set(time.Now()) },
	}
}

// atomic64 is a tiny wrapper to avoid importing sync/atomic in every file
// that touches lastUpdate; its set/get accessors follow below.
type atomic64 struct {
	mu sync.Mutex
	v  time.Time
}

func (a *atomic64) set(t time.Time) {
	a.mu.Lock()
	a.v = t
	a.mu.Unlock()
}

func (a *atomic64) get() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.v
}
