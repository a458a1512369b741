package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/tachyon-labs/dlengine/internal/errkind"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/filesystem"
	"github.com/tachyon-labs/dlengine/internal/storage"
	"github.com/tachyon-labs/dlengine/internal/transfer"
	"github.com/tachyon-labs/dlengine/internal/transport"
)

// dispatchLoop drains the in-memory queue while active_total < maxConcurrent
// and elapsed time < queueProcessingTimeout (spec.md §4.8 "Dispatch loop").
func (e *Engine) dispatchLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.drainQueue(ctx)
		case <-e.dispatchCh:
			e.drainQueue(ctx)
		}
	}
}

func (e *Engine) drainQueue(ctx context.Context) {
	if !e.processingMu.TryLock() {
		return
	}
	defer e.processingMu.Unlock()

	deadline := time.Now().Add(e.cfg.QueueProcessingTimeout)
	for time.Now().Before(deadline) {
		if e.cfg.MaxConcurrent <= 0 {
			return
		}
		e.activeMu.Lock()
		activeCount := len(e.active)
		e.activeMu.Unlock()
		if activeCount >= e.cfg.MaxConcurrent {
			return
		}

		item, ok := e.queue.Pop()
		if !ok {
			return
		}

		d, err := e.store.GetByID(item.ID)
		if err != nil {
			continue
		}
		if d.State != storage.StateQueued {
			continue // state changed underneath us (e.g. paused, cancelled)
		}

		e.reserveAndStart(ctx, d)
	}
}

// reserveAndStart reserves an in-memory slot before starting actual I/O,
// preventing double-start (spec.md §4.8).
func (e *Engine) reserveAndStart(ctx context.Context, d *storage.Download) {
	dlCtx, cancel := context.WithCancel(ctx)
	a := &activeDownload{id: d.ID, sessionID: newSessionID(), cancel: cancel, done: make(chan struct{})}
	a.lastUpdate.set(time.Now())

	e.activeMu.Lock()
	e.active[d.ID] = a
	e.activeMu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(a.done)
		defer func() {
			e.activeMu.Lock()
			delete(e.active, d.ID)
			e.activeMu.Unlock()
			e.signalDispatch()
		}()
		e.executeDownload(dlCtx, a, d)
	}()
}

func (e *Engine) signalDispatch() {
	select {
	case e.dispatchCh <- struct{}{}:
	default:
	}
}

// executeDownload performs the strategy selection and runs the transfer
// (spec.md §4.8 "Strategy selection").
func (e *Engine) executeDownload(ctx context.Context, a *activeDownload, d *storage.Download) {
	probe := e.transport.CheckRangeSupport(ctx, d.URL)

	ancestors, _ := e.catalog.GetFileAncestorPath(d.ID)
	savePath := filesystem.BuildSavePath(d.DownloadPath, d.Title, ancestors, d.PreserveStructure)

	roots := filesystem.AllowedRoots(e.cfg.DataDir)
	if err := filesystem.CheckContainment(savePath, roots); err != nil {
		e.failNoRetry(d.ID, err)
		return
	}
	d.SavePath = savePath

	if info, statErr := os.Stat(savePath); statErr == nil && !d.ForceOverwrite {
		diff := info.Size() - probe.TotalBytes
		if diff < 0 {
			diff = -diff
		}
		similar := probe.TotalBytes > 0 && diff <= e.cfg.Files.SizeMarginBytes
		if similar {
			_ = e.store.SetState(d.ID, storage.StateAwaiting, "awaiting", "")
			e.emit(d.ID, events.AwaitingConfirmation, events.AwaitingConfirmationPayload{
				Title:    d.Title,
				SavePath: savePath,
				FileCheck: events.FileCheck{
					ExistingSize:   info.Size(),
					ExpectedSize:   probe.TotalBytes,
					SizeDifference: diff,
					SimilarSize:    similar,
				},
			})
			return
		}
	}

	if err := os.MkdirAll(filepath.Dir(savePath), 0755); err != nil {
		e.failNoRetry(d.ID, errkind.New(errkind.FilesystemFatal, fmt.Errorf("prepare target directory: %w", err)))
		return
	}

	e.reconcileValidators(d, probe)

	if err := e.store.SetState(d.ID, storage.StateDownloading, "started", ""); err != nil {
		e.log.Error("failed to persist downloading state", "id", d.ID, "error", err)
	}
	d.TotalBytes = probe.TotalBytes

	chunked := transfer.ShouldChunk(probe.TotalBytes, e.cfg.Chunked, probe.Supported)

	deps := newTransferDeps(e, a)
	var err error
	if chunked {
		err = transfer.RunChunked(ctx, deps, d, probe.TotalBytes)
	} else {
		err = transfer.RunSingleStream(ctx, deps, d, probe.TotalBytes)
	}

	if err != nil {
		e.handleTransferError(d, err)
		return
	}

	e.completeDownload(d, chunked)
}

// reconcileValidators resolves spec.md §9's open question on a server's
// resource changing mid-download: if this download already recorded an
// ETag/Last-Modified or total_bytes from a prior attempt and the fresh
// probe disagrees, any partial bytes on disk are stale and the download
// restarts from zero (errkind.CorruptedPartial, discard-and-restart). A
// first attempt simply records these for future resumes to check against.
func (e *Engine) reconcileValidators(d *storage.Download, probe transport.ProbeResult) {
	hadValidator := d.ETag != "" || d.LastModified != ""
	changed := hadValidator &&
		((probe.ETag != "" && probe.ETag != d.ETag) ||
			(probe.ETag == "" && probe.LastModified != "" && probe.LastModified != d.LastModified))
	sizeChanged := d.TotalBytes > 0 && probe.TotalBytes > 0 && probe.TotalBytes != d.TotalBytes

	if changed || sizeChanged {
		e.log.Warn("resource changed since last attempt, discarding partial", "id", d.ID,
			"old_etag", d.ETag, "new_etag", probe.ETag,
			"old_total", d.TotalBytes, "new_total", probe.TotalBytes)
		_ = os.Remove(d.SavePath + ".part")
		for _, c := range getChunksOrEmpty(e, d.ID) {
			_ = os.Remove(c.TempFile)
		}
		_ = e.store.DeleteChunks(d.ID)
		_ = e.store.UpdateDownload(d.ID, map[string]any{
			"downloaded_bytes": 0,
			"progress":         0,
		})
		_ = e.store.AppendEvent(d.ID, "corrupted_partial_discarded", "")
		d.DownloadedBytes = 0
		d.Progress = 0
	}

	d.ETag = probe.ETag
	d.LastModified = probe.LastModified
	_ = e.store.UpdateDownload(d.ID, map[string]any{
		"etag":          probe.ETag,
		"last_modified": probe.LastModified,
		"total_bytes":   probe.TotalBytes,
	})
}

func getChunksOrEmpty(e *Engine, id int64) []storage.Chunk {
	chunks, _ := e.store.GetChunks(id)
	return chunks
}

func (e *Engine) completeDownload(d *storage.Download, chunked bool) {
	updates := map[string]any{
		"progress":         1.0,
		"downloaded_bytes": d.TotalBytes,
	}
	if d.ExpectedHash != "" {
		algo := d.HashAlgorithm
		if algo == "" {
			algo = "sha256"
		}
		match, actual, err := e.verifier.CheckHash(d.SavePath, algo, d.ExpectedHash)
		if err != nil {
			e.log.Warn("hash computation failed", "id", d.ID, "error", err)
		} else {
			updates["actual_hash"] = actual
			if !match {
				e.log.Warn("hash mismatch, not enforced", "id", d.ID, "expected", d.ExpectedHash, "actual", actual)
			}
		}
	}
	_ = e.store.UpdateDownload(d.ID, updates)
	_ = e.store.SetState(d.ID, storage.StateCompleted, "completed", "")
	e.recordCompletion(d)
	e.pt.CancelPending(d.ID)
	e.emit(d.ID, events.Completed, events.CompletedPayload{
		SavePath: d.SavePath,
		Percent:  1.0,
		Chunked:  chunked,
	})
}

// handleTransferError applies the retry policy of spec.md §4.8: a
// retryable kind that hasn't exhausted max_retries requeues with
// backoff; everything else is terminal failed or cancelled.
func (e *Engine) handleTransferError(d *storage.Download, err error) {
	kind := errkind.Of(err)
	e.pt.CancelPending(d.ID)

	if kind == errkind.Cancelled {
		return // Cancel() already transitioned state and emitted the event
	}

	current, getErr := e.store.GetByID(d.ID)
	if getErr == nil && current.State == storage.StatePaused {
		return // Pause() already transitioned state
	}

	if !kind.Retryable() {
		e.failNoRetry(d.ID, err)
		return
	}

	e.failDownload(d, err)
}

func (e *Engine) failNoRetry(id int64, err error) {
	_ = e.store.UpdateDownload(id, map[string]any{"last_error": err.Error()})
	_ = e.store.SetState(id, storage.StateFailed, "failed", err.Error())
	e.emit(id, events.Interrupted, events.InterruptedPayload{Error: err.Error()})
}

// failDownload implements spec.md §4.8 "Retry policy": increments
// retry_count and, if still under max_retries, requeues after backoff;
// otherwise the final state is failed.
func (e *Engine) failDownload(d *storage.Download, err error) {
	retryCount := d.RetryCount + 1
	maxRetries := d.MaxRetries
	if maxRetries == 0 {
		maxRetries = e.cfg.MaxRetries
	}

	if retryCount >= maxRetries {
		_ = e.store.UpdateDownload(d.ID, map[string]any{
			"retry_count": retryCount,
			"last_error":  err.Error(),
		})
		_ = e.store.SetState(d.ID, storage.StateFailed, "failed", err.Error())
		e.emit(d.ID, events.Interrupted, events.InterruptedPayload{Error: err.Error(), SavePath: d.SavePath})
		return
	}

	_ = e.store.UpdateDownload(d.ID, map[string]any{
		"retry_count":      retryCount,
		"last_error":       err.Error(),
		"downloaded_bytes": 0,
		"progress":         0,
	})
	_ = e.store.SetState(d.ID, storage.StateQueued, "retry", err.Error())
	e.emit(d.ID, events.Interrupted, events.InterruptedPayload{Error: err.Error(), SavePath: d.SavePath})

	backoff := time.Duration(retryCount) * e.cfg.RetryDelay
	go func() {
		time.Sleep(backoff)
		refreshed, getErr := e.store.GetByID(d.ID)
		if getErr != nil || refreshed.State != storage.StateQueued {
			return
		}
		e.queue.Push(toQueueItem(*refreshed))
		e.signalDispatch()
	}()
}

// staleSweepLoop force-cleans any active job whose last progress update
// is older than StaleTimeout (spec.md §4.8 "Stale-job sweeper").
func (e *Engine) staleSweepLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.StaleTimeout)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.sweepStale()
		}
	}
}

func (e *Engine) sweepStale() {
	now := time.Now()
	e.activeMu.Lock()
	var stale []*activeDownload
	for _, a := range e.active {
		if now.Sub(a.lastUpdate.get()) > e.cfg.StaleTimeout {
			stale = append(stale, a)
		}
	}
	e.activeMu.Unlock()

	for _, a := range stale {
		a.cancel()
		_ = e.store.SetState(a.id, storage.StateFailed, "failed", "stale: no progress within staleTimeout")
		e.emit(a.id, events.Interrupted, events.InterruptedPayload{Error: "stale download"})
	}
}
