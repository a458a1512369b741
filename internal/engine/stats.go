package engine

import (
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/tachyon-labs/dlengine/internal/storage"
)

// Stats aggregates bytes-per-day, completed-file count, and current
// aggregate speed, grounded on the teacher's internal/analytics/stats.go
// (StatsManager), kept as a supplemented feature (SPEC_FULL.md).
type Stats struct {
	mu              sync.Mutex
	completedFiles  int64
	totalBytes      int64
	currentSpeedSum float64 // MBps across all active downloads
	dailyBytes      map[string]int64 // YYYY-MM-DD -> bytes
}

func NewStats() *Stats {
	return &Stats{dailyBytes: make(map[string]int64)}
}

func (s *Stats) TrackFileCompleted(bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.completedFiles++
	s.totalBytes += bytes
	day := time.Now().UTC().Format("2006-01-02")
	s.dailyBytes[day] += bytes
}

func (s *Stats) UpdateCurrentSpeed(mbps float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.currentSpeedSum = mbps
}

// Snapshot is the read-only view returned by getStats() (spec.md §6).
type Snapshot struct {
	CompletedFiles   int64
	TotalBytes       int64
	TotalBytesHuman  string
	CurrentSpeedMBps float64
	DailyBytes       map[string]int64
}

func (s *Stats) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	daily := make(map[string]int64, len(s.dailyBytes))
	for k, v := range s.dailyBytes {
		daily[k] = v
	}
	return Snapshot{
		CompletedFiles:   s.completedFiles,
		TotalBytes:       s.totalBytes,
		TotalBytesHuman:  humanize.Bytes(uint64(s.totalBytes)),
		CurrentSpeedMBps: s.currentSpeedSum,
		DailyBytes:       daily,
	}
}

// GetStats returns the engine's current aggregate statistics (spec.md §6).
func (e *Engine) GetStats() Snapshot {
	return e.stats.Snapshot()
}

// recordCompletion feeds the stats aggregator once a download finishes.
func (e *Engine) recordCompletion(d *storage.Download) {
	e.stats.TrackFileCompleted(d.TotalBytes)
}
