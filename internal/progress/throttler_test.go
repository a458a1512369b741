package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQueueUpdateCoalescesBeforeFlush(t *testing.T) {
	var mu sync.Mutex
	var received []Sample

	th := New(50*time.Millisecond, func(s Sample) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, s)
	})

	th.QueueUpdate(Sample{ID: 1, Percent: 0.1})
	th.QueueUpdate(Sample{ID: 1, Percent: 0.2})
	th.QueueUpdate(Sample{ID: 1, Percent: 0.3})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0.3, received[0].Percent)
}

func TestCancelPendingPreventsStaleFlush(t *testing.T) {
	var mu sync.Mutex
	var received []Sample

	th := New(30*time.Millisecond, func(s Sample) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, s)
	})

	th.QueueUpdate(Sample{ID: 1, Percent: 0.5})
	th.CancelPending(1)

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Empty(t, received)
}

func TestSendImmediateBypassesThrottle(t *testing.T) {
	var mu sync.Mutex
	var received []Sample

	th := New(time.Second, func(s Sample) {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, s)
	})

	th.SendImmediate(Sample{ID: 1, Percent: 1.0})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, 1.0, received[0].Percent)
}
