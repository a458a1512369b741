package engine

import (
	"fmt"
	"os"

	"github.com/tachyon-labs/dlengine/internal/errkind"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/storage"
)

// SubmitRequest mirrors the operation accepted at spec.md §6: the URL
// is deliberately absent, resolved instead from the catalog boundary
// (spec.md §6 "Boundaries", `getFileDownloadInfo(id) -> {url?, title}`).
type SubmitRequest struct {
	ID                int64
	Title             string
	DownloadPath      string
	PreserveStructure bool
	ForceOverwrite    bool
	Priority          int
	ExpectedHash      string
	HashAlgorithm     string
}

// Submit resolves id's URL from the catalog, persists the download in
// queued, and pushes it onto the in-memory queue; the dispatch loop
// starts it once a slot is free. Idempotent:
// submitting an existing id is a no-op (spec.md §8.6). A catalog miss
// (empty URL) is InputInvalid: fail fast, no PS transition (spec.md §7
// kind 1).
func (e *Engine) Submit(req SubmitRequest) error {
	exists, err := e.store.Exists(req.ID)
	if err != nil {
		return err
	}
	if exists {
		return nil // duplicate: no-op per spec.md §8.6
	}

	info, err := e.catalog.GetFileDownloadInfo(req.ID)
	if err != nil {
		return err
	}
	if info.URL == "" {
		return errkind.New(errkind.InputInvalid, fmt.Errorf("catalog has no download url for id %d", req.ID))
	}

	priority := req.Priority
	if priority == 0 {
		priority = 1
	}

	d := &storage.Download{
		ID:                req.ID,
		Title:             req.Title,
		URL:               info.URL,
		DownloadPath:      req.DownloadPath,
		PreserveStructure: req.PreserveStructure,
		ForceOverwrite:    req.ForceOverwrite,
		Priority:          priority,
		MaxRetries:        e.cfg.MaxRetries,
		ExpectedHash:      req.ExpectedHash,
		HashAlgorithm:     req.HashAlgorithm,
	}
	if err := e.store.AddDownload(d); err != nil {
		return err
	}

	e.queue.Push(toQueueItem(*d))
	e.emit(d.ID, events.Queued, events.QueuedPayload{Title: d.Title, Position: d.QueuePosition})
	e.signalDispatch()
	return nil
}

// Pause aborts the transport and marks the download paused. Whether
// partials survive the pause is governed by cfg.Chunked.PreserveOnPause
// (spec.md §6): when true (the default) the `.part`/chunk temp files are
// left alone for Resume to pick up where it stopped; when false they are
// unlinked immediately, same as Cancel, so Resume restarts from zero. A
// no-op on a non-active id.
func (e *Engine) Pause(id int64) error {
	e.activeMu.Lock()
	a, ok := e.active[id]
	e.activeMu.Unlock()
	if !ok {
		return nil
	}

	if err := e.store.SetState(id, storage.StatePaused, "paused", ""); err != nil {
		return err
	}
	e.pt.CancelPending(id)
	a.cancel()
	<-a.done

	d, err := e.store.GetByID(id)
	if err != nil {
		e.signalDispatch()
		return nil
	}

	if !e.cfg.Chunked.PreserveOnPause {
		chunks, _ := e.store.GetChunks(id)
		for _, c := range chunks {
			if c.TempFile != "" {
				_ = os.Remove(c.TempFile)
			}
		}
		_ = e.store.DeleteChunks(id)
		cleanupPartials(d)
		_ = e.store.UpdateDownload(id, map[string]any{
			"downloaded_bytes": 0,
			"progress":         0,
		})
		d.DownloadedBytes = 0
		d.Progress = 0
	}

	e.emit(id, events.Paused, events.PausedPayload{Percent: d.Progress})
	e.signalDispatch()
	return nil
}

// Resume re-queues a paused download.
func (e *Engine) Resume(id int64) error {
	d, err := e.store.GetByID(id)
	if err != nil {
		return err
	}
	if d.State != storage.StatePaused {
		return nil
	}
	if err := e.store.SetState(id, storage.StateQueued, "resumed", ""); err != nil {
		return err
	}
	refreshed, _ := e.store.GetByID(id)
	e.queue.Push(toQueueItem(*refreshed))
	e.signalDispatch()
	return nil
}

// Cancel aborts transport, unlinks partials and chunk files, deletes
// chunk rows, and transitions to cancelled. A no-op on a terminal id.
func (e *Engine) Cancel(id int64) error {
	d, err := e.store.GetByID(id)
	if err != nil {
		return err
	}
	if d.State.Terminal() {
		return nil
	}

	e.activeMu.Lock()
	a, active := e.active[id]
	e.activeMu.Unlock()

	e.pt.CancelPending(id)
	if active {
		a.cancel()
		<-a.done
	} else {
		e.queue.Remove(id)
	}

	cleanupPartials(d)
	chunks, _ := e.store.GetChunks(id)
	for _, c := range chunks {
		if c.TempFile != "" {
			_ = os.Remove(c.TempFile)
		}
	}
	_ = e.store.DeleteChunks(id)
	if err := e.store.SetState(id, storage.StateCancelled, "cancelled", ""); err != nil {
		return err
	}
	e.emit(id, events.Cancelled, nil)
	e.signalDispatch()
	return nil
}

func cleanupPartials(d *storage.Download) {
	if d.SavePath == "" {
		return
	}
	_ = os.Remove(d.SavePath + ".part")
}

// Retry restarts a download from a terminal state (cancelled, failed,
// awaiting, paused): clears chunk rows/files, resets progress counters,
// transitions to queued, and dispatches (spec.md §4.8 "Retry from terminal").
func (e *Engine) Retry(id int64) error {
	d, err := e.store.GetByID(id)
	if err != nil {
		return err
	}

	chunks, _ := e.store.GetChunks(id)
	for _, c := range chunks {
		if c.TempFile != "" {
			_ = os.Remove(c.TempFile)
		}
	}
	_ = e.store.DeleteChunks(id)
	cleanupPartials(d)

	if err := e.store.UpdateDownload(id, map[string]any{
		"progress":         0,
		"downloaded_bytes": 0,
		"retry_count":      0,
		"last_error":       "",
		"etag":             "",
		"last_modified":    "",
	}); err != nil {
		return err
	}
	if err := e.store.SetState(id, storage.StateQueued, "retry", ""); err != nil {
		return err
	}

	refreshed, _ := e.store.GetByID(id)
	e.queue.Push(toQueueItem(*refreshed))
	e.signalDispatch()
	return nil
}

// ConfirmOverwrite transitions an awaiting download back to queued with
// force_overwrite set (spec.md §4.8 state machine: awaiting -> queued).
func (e *Engine) ConfirmOverwrite(id int64) error {
	d, err := e.store.GetByID(id)
	if err != nil {
		return err
	}
	if d.State != storage.StateAwaiting {
		return fmt.Errorf("download %d is not awaiting confirmation", id)
	}

	if err := e.store.UpdateDownload(id, map[string]any{"force_overwrite": true}); err != nil {
		return err
	}
	if err := e.store.SetState(id, storage.StateQueued, "resumed", ""); err != nil {
		return err
	}
	refreshed, _ := e.store.GetByID(id)
	e.queue.Push(toQueueItem(*refreshed))
	e.signalDispatch()
	return nil
}

// DeclineOverwrite transitions awaiting -> cancelled (spec.md §4.8
// state machine).
func (e *Engine) DeclineOverwrite(id int64) error {
	if err := e.store.SetState(id, storage.StateCancelled, "cancelled", ""); err != nil {
		return err
	}
	e.emit(id, events.Cancelled, nil)
	return nil
}

// Delete removes a download and its chunks/history entirely.
func (e *Engine) Delete(id int64) error {
	_ = e.Cancel(id)
	return e.store.DeleteDownload(id)
}

// GetQueueTimeEstimate reports id's 1-based position in the in-memory
// queue and the number of higher-priority/earlier-positioned jobs ahead
// of it, or (-1, -1) if id is not queued. No time figure is computed.
// id == nil (0) reports the overall queue depth.
func (e *Engine) GetQueueTimeEstimate(id int64) (position int, aheadOfIt int) {
	items := e.queue.GetAll()
	if id == 0 {
		return len(items), 0
	}
	for i, it := range items {
		if it.ID == id {
			return i + 1, i
		}
	}
	return -1, -1
}
