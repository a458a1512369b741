package queue

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPushOrdersByPriorityThenPosition(t *testing.T) {
	q := New()
	q.Push(Item{ID: 1, Priority: 1, QueuePosition: 1})
	q.Push(Item{ID: 2, Priority: 3, QueuePosition: 5})
	q.Push(Item{ID: 3, Priority: 3, QueuePosition: 2})

	first, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(3), first.ID)

	second, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(2), second.ID)

	third, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, int64(1), third.ID)
}

func TestPopEmptyReturnsFalse(t *testing.T) {
	q := New()
	_, ok := q.Pop()
	assert.False(t, ok)
}

func TestRemoveDeletesMatchingItem(t *testing.T) {
	q := New()
	q.Push(Item{ID: 1})
	q.Push(Item{ID: 2})
	q.Remove(1)
	assert.Equal(t, 1, q.Len())
	got := q.GetAll()
	assert.Equal(t, int64(2), got[0].ID)
}
