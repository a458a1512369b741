package bandwidth

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestGetQuotaBypassesWhenDisabled(t *testing.T) {
	s := New(Config{Enabled: false}, nil)
	assert.Equal(t, int64(math.MaxInt64), s.GetQuota(1, 0))
}

func TestGetQuotaBypassesWhenNoBandwidthKnown(t *testing.T) {
	s := New(Config{Enabled: true, AutoDetect: false, MaxBandwidthBytesPerSecond: 0}, nil)
	s.Register(1, 0)
	q := s.GetQuota(1, 0)
	assert.Greater(t, q, int64(0))
}

func TestTickAssignsSharesByDistributionTable(t *testing.T) {
	s := New(Config{Enabled: true, MaxBandwidthBytesPerSecond: 1000, UpdateInterval: 10 * time.Millisecond}, nil)
	s.Register(1, 0)
	s.Register(2, 0)
	s.Register(3, 0)
	s.tick()

	w1 := s.writers[writerKey{1, 0}]
	w2 := s.writers[writerKey{2, 0}]
	w3 := s.writers[writerKey{3, 0}]

	assert.EqualValues(t, 400, w1.bps)
	assert.EqualValues(t, 300, w2.bps)
	assert.EqualValues(t, 300, w3.bps)
}

func TestTickSplitsRemainderAmongExtraWriters(t *testing.T) {
	s := New(Config{Enabled: true, MaxBandwidthBytesPerSecond: 1000, UpdateInterval: 10 * time.Millisecond}, nil)
	for i := int64(1); i <= 5; i++ {
		s.Register(i, 0)
	}
	s.tick()

	w4 := s.writers[writerKey{4, 0}]
	w5 := s.writers[writerKey{5, 0}]
	assert.EqualValues(t, 0, w4.bps) // remainder = 0 with only 3 fixed shares summing to 100
	assert.EqualValues(t, 0, w5.bps)
}

func TestUpdateDetectedBandwidthClampsJumps(t *testing.T) {
	s := New(Config{Enabled: true, AutoDetect: true}, nil)
	s.SeedDetectedBandwidth(1000)
	s.UpdateDetectedBandwidth(10_000_000) // way above 2x clamp
	assert.LessOrEqual(t, s.detectedBandwidth, int64(2000))
}

func TestUnregisterRemovesWriter(t *testing.T) {
	s := New(Config{Enabled: true}, nil)
	s.Register(1, 0)
	s.Unregister(1, 0)
	_, ok := s.writers[writerKey{1, 0}]
	assert.False(t, ok)
}
