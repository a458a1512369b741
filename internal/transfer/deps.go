// Package transfer implements the two interchangeable transfer
// strategies of spec.md §4.6-4.7: the Single-Stream Downloader (SS) and
// the Chunked Downloader (CD). Both are grounded on the teacher's
// internal/engine/worker.go (downloadWorker/downloadPart), generalized
// from the teacher's single preallocated-file WriteAt model to the
// spec's per-chunk temp-file-plus-merge design for CD, and to a
// dedicated `.part`-file plus atomic rename for SS.
package transfer

import (
	"log/slog"

	"github.com/tachyon-labs/dlengine/internal/bandwidth"
	"github.com/tachyon-labs/dlengine/internal/config"
	"github.com/tachyon-labs/dlengine/internal/events"
	"github.com/tachyon-labs/dlengine/internal/filesystem"
	"github.com/tachyon-labs/dlengine/internal/integrity"
	"github.com/tachyon-labs/dlengine/internal/progress"
	"github.com/tachyon-labs/dlengine/internal/storage"
	"github.com/tachyon-labs/dlengine/internal/transport"
)

// Deps bundles every component a downloader needs, constructor-injected
// per download so no package-global state is shared across jobs.
type Deps struct {
	Store     *storage.Store
	Transport *transport.Transport
	Bandwidth *bandwidth.Scheduler
	Progress  *progress.Throttler
	Allocator *filesystem.Allocator
	Verifier  *integrity.FileVerifier
	Sink      events.Sink
	Log       *slog.Logger
	Cfg       *config.Config

	// OnProgress, if set, is called on every byte-range update so the
	// caller can refresh its own idea of "last activity" (e.g. the
	// engine's stale-job sweeper) independent of PT's coalesced flushes.
	OnProgress func()
}

func (d *Deps) emit(id int64, typ events.Type, payload any) {
	if d.Sink == nil {
		return
	}
	d.Sink(events.Event{Type: typ, ID: id, Payload: payload})
}

func (d *Deps) progress() {
	if d.OnProgress != nil {
		d.OnProgress()
	}
}
