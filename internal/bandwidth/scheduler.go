// Package bandwidth implements the Bandwidth Scheduler (BS, spec.md §4.3):
// an in-memory token-quota table distributing a total bandwidth figure
// among currently registered writers on a fixed tick, grounded on the
// teacher's internal/network/bandwidth.go (golang.org/x/time/rate based
// token buckets) generalized from a flat per-task limiter to the fixed
// distribution-table model the spec requires.
package bandwidth

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DistributionTable is the fixed percentage share assigned to writers by
// position; position 0 gets DistributionTable[0]%, etc. Positions beyond
// len(DistributionTable) split the remainder equally.
var DistributionTable = []int{40, 30, 30}

const defaultDetectedBandwidth = 10 * 1024 * 1024 // 10 MB/s, spec.md §4.3 auto-detect seed

// writer is one registered bandwidth consumer, identified by (downloadID, chunkIndex).
type writer struct {
	position   int
	bps        int64
	bytesUsed  int64
	lastReset  time.Time
	limiter    *rate.Limiter
}

type writerKey struct {
	downloadID int64
	chunkIndex int
}

// Scheduler distributes bandwidth B among registered writers on a fixed
// UPDATE_INTERVAL tick using DistributionTable shares.
type Scheduler struct {
	mu       sync.Mutex
	writers  map[writerKey]*writer
	nextPos  int

	enabled            bool
	autoDetect         bool
	fixedBandwidth     int64 // bytes/sec; 0 means "use detected"
	detectedBandwidth  int64 // bytes/sec, exponentially smoothed
	updateInterval     time.Duration

	log    *slog.Logger
	ticker *time.Ticker
	stopCh chan struct{}
}

// Config mirrors the bandwidth.* keys of spec.md §6.
type Config struct {
	Enabled                    bool
	AutoDetect                 bool
	MaxBandwidthBytesPerSecond int64
	UpdateInterval             time.Duration
}

func New(cfg Config, log *slog.Logger) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		writers:           make(map[writerKey]*writer),
		enabled:           cfg.Enabled,
		autoDetect:        cfg.AutoDetect,
		fixedBandwidth:    cfg.MaxBandwidthBytesPerSecond,
		detectedBandwidth: defaultDetectedBandwidth,
		updateInterval:    cfg.UpdateInterval,
		log:               log,
		stopCh:            make(chan struct{}),
	}
	if s.updateInterval <= 0 {
		s.updateInterval = 100 * time.Millisecond
	}
	return s
}

// Start launches the fixed-tick recomputation goroutine.
func (s *Scheduler) Start() {
	if !s.enabled {
		return
	}
	s.ticker = time.NewTicker(s.updateInterval)
	go func() {
		for {
			select {
			case <-s.ticker.C:
				s.tick()
			case <-s.stopCh:
				return
			}
		}
	}()
}

func (s *Scheduler) Stop() {
	if s.ticker != nil {
		s.ticker.Stop()
	}
	close(s.stopCh)
}

// Register assigns the writer (downloadID, chunkIndex) a monotonic
// position; it then requests and consumes quota under that same key.
// Registering an already registered key is a no-op. If no writer is
// registered yet the scheduler is a no-op until one is.
func (s *Scheduler) Register(downloadID int64, chunkIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := writerKey{downloadID, chunkIndex}
	if _, ok := s.writers[k]; ok {
		return
	}
	s.writers[k] = &writer{
		position:  s.nextPos,
		lastReset: time.Now(),
		limiter:   rate.NewLimiter(rate.Inf, 1<<30),
	}
	s.nextPos++
}

func (s *Scheduler) Unregister(downloadID int64, chunkIndex int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.writers, writerKey{downloadID, chunkIndex})
}

// totalBandwidth returns the currently effective total bandwidth B, or 0
// if none is known (bypass condition, spec.md §4.3 "Bypass").
func (s *Scheduler) totalBandwidth() int64 {
	if s.fixedBandwidth > 0 {
		return s.fixedBandwidth
	}
	if s.autoDetect && s.detectedBandwidth > 0 {
		return s.detectedBandwidth
	}
	return 0
}

// tick recomputes each writer's bps share from DistributionTable, sorted
// by position.
func (s *Scheduler) tick() {
	s.mu.Lock()
	defer s.mu.Unlock()

	total := s.totalBandwidth()
	if total <= 0 || len(s.writers) == 0 {
		return
	}

	keys := make([]writerKey, 0, len(s.writers))
	for k := range s.writers {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return s.writers[keys[i]].position < s.writers[keys[j]].position
	})

	n := len(keys)
	fixedShares := DistributionTable
	if n < len(fixedShares) {
		fixedShares = fixedShares[:n]
	}
	sumFixed := 0
	for _, p := range fixedShares {
		sumFixed += p
	}
	remainder := 100 - sumFixed
	rest := n - len(fixedShares)
	var restShare float64
	if rest > 0 {
		restShare = float64(remainder) / float64(rest)
	}

	now := time.Now()
	for i, k := range keys {
		w := s.writers[k]
		var pct float64
		if i < len(fixedShares) {
			pct = float64(fixedShares[i])
		} else {
			pct = restShare
		}
		bps := int64(math.Floor(float64(total) * pct / 100))
		w.bps = bps
		w.bytesUsed = 0
		w.lastReset = now
		w.limiter.SetLimit(rate.Limit(bps))
		w.limiter.SetBurst(int(bps) + 1)
	}
}

// GetQuota returns the bytes a writer may send right now. Bypass returns
// a very large allowance ("allow all") when bandwidth shaping is off or
// no total bandwidth is known.
func (s *Scheduler) GetQuota(downloadID int64, chunkIndex int) int64 {
	if !s.enabled {
		return math.MaxInt64
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.totalBandwidth() <= 0 {
		return math.MaxInt64
	}
	w, ok := s.writers[writerKey{downloadID, chunkIndex}]
	if !ok || w.bps <= 0 {
		return math.MaxInt64
	}
	allowed := int64(math.Floor(float64(w.bps)*s.updateInterval.Seconds())) - w.bytesUsed
	if allowed < 0 {
		allowed = 0
	}
	return allowed
}

// ConsumeQuota records bytes written against a writer's current window.
func (s *Scheduler) ConsumeQuota(downloadID int64, chunkIndex int, written int64) {
	if !s.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.writers[writerKey{downloadID, chunkIndex}]; ok {
		w.bytesUsed += written
	}
}

// Wait blocks using the writer's token bucket until n bytes may be sent,
// or ctx is cancelled. It is the blocking counterpart to GetQuota/ConsumeQuota
// for callers that prefer a single call per write.
func (s *Scheduler) Wait(ctx context.Context, downloadID int64, chunkIndex int, n int) error {
	if !s.enabled {
		return nil
	}
	s.mu.Lock()
	w, ok := s.writers[writerKey{downloadID, chunkIndex}]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if s.totalBandwidth() <= 0 {
		return nil
	}
	if w.limiter.Limit() <= 0 {
		return nil // zero share: allow all, same as GetQuota
	}
	for n > 0 {
		step := n
		if b := w.limiter.Burst(); step > b {
			step = b
		}
		if err := w.limiter.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}

// UpdateDetectedBandwidth feeds a fresh measurement (bytes/sec) into the
// exponentially smoothed running estimate, clamped to [0.5x, 2x] of the
// current value to reject spurious jumps (spec.md §4.3).
func (s *Scheduler) UpdateDetectedBandwidth(measured int64) {
	if measured <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	const alpha = 0.3
	current := float64(s.detectedBandwidth)
	lo, hi := current*0.5, current*2
	m := float64(measured)
	if m < lo {
		m = lo
	}
	if m > hi {
		m = hi
	}
	s.detectedBandwidth = int64(alpha*m + (1-alpha)*current)
}

// SeedDetectedBandwidth is called once after an auto-detect probe at
// startup succeeds.
func (s *Scheduler) SeedDetectedBandwidth(bytesPerSecond int64) {
	if bytesPerSecond <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detectedBandwidth = bytesPerSecond
}
