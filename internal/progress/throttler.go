// Package progress implements the Progress Throttler (PT, spec.md §4.4):
// coalesces progress samples per download id and flushes batches no
// faster than MIN_INTERVAL, so a lossy-by-design UI channel never sees
// more than one sample per interval per id. Grounded on the teacher's
// debounced-event idiom (bep/debounce is pulled in transitively by the
// Wails tree but dropped with it per SPEC_FULL.md; this reimplements the
// same coalesce-then-flush shape directly on time.Timer, which is all the
// teacher's debounce usage needed).
package progress

import (
	"sync"
	"time"
)

// Sample is one progress observation for a download.
type Sample struct {
	ID               int64
	Percent          float64
	SpeedMBps        float64
	TotalBytes       int64
	DownloadedBytes  int64
	RemainingSeconds float64
	Chunked          bool
	ActiveChunks     int
	CompletedChunks  int
	TotalChunks      int
}

// Sink receives flushed samples; the engine wires this to its host event sink.
type Sink func(Sample)

// Throttler coalesces the latest sample per id and flushes on a timer no
// more often than MinInterval.
type Throttler struct {
	mu          sync.Mutex
	pending     map[int64]Sample
	timers      map[int64]*time.Timer
	lastFlush   map[int64]time.Time
	minInterval time.Duration
	sink        Sink
}

func New(minInterval time.Duration, sink Sink) *Throttler {
	if minInterval <= 0 {
		minInterval = 200 * time.Millisecond
	}
	return &Throttler{
		pending:     make(map[int64]Sample),
		timers:      make(map[int64]*time.Timer),
		lastFlush:   make(map[int64]time.Time),
		minInterval: minInterval,
		sink:        sink,
	}
}

// QueueUpdate inserts or overwrites the latest sample for info.ID and
// schedules a flush if one isn't already pending.
func (t *Throttler) QueueUpdate(info Sample) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.pending[info.ID] = info
	if _, scheduled := t.timers[info.ID]; scheduled {
		return
	}

	delay := t.minInterval
	if last, ok := t.lastFlush[info.ID]; ok {
		if elapsed := time.Since(last); elapsed < t.minInterval {
			delay = t.minInterval - elapsed
		} else {
			delay = 0
		}
	}

	t.timers[info.ID] = time.AfterFunc(delay, func() { t.flush(info.ID) })
}

func (t *Throttler) flush(id int64) {
	t.mu.Lock()
	sample, ok := t.pending[id]
	delete(t.pending, id)
	delete(t.timers, id)
	if ok {
		t.lastFlush[id] = time.Now()
	}
	sink := t.sink
	t.mu.Unlock()

	if ok && sink != nil {
		sink(sample)
	}
}

// CancelPending removes a pending sample without flushing it. Must be
// called before dispatching a terminal event so a stale progress frame
// can never overwrite a finality (spec.md §4.4, invariant 3 in §8).
func (t *Throttler) CancelPending(id int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
	if timer, ok := t.timers[id]; ok {
		timer.Stop()
		delete(t.timers, id)
	}
}

// SendImmediate bypasses throttling entirely.
func (t *Throttler) SendImmediate(info Sample) {
	t.mu.Lock()
	sink := t.sink
	t.lastFlush[info.ID] = time.Now()
	t.mu.Unlock()
	if sink != nil {
		sink(info)
	}
}
