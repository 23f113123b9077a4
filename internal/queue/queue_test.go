package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestQueueFIFOOrder(t *testing.T) {
	q := New()
	now := time.Now()
	a := NewTask("a", now)
	b := NewTask("b", now)
	c := NewTask("c", now)

	q.Push(a)
	q.Push(b)
	q.Push(c)
	require.Equal(t, 3, q.Len())

	require.Same(t, a, q.Shift())
	require.Same(t, b, q.Shift())
	require.Same(t, c, q.Shift())
	require.Equal(t, 0, q.Len())
}

func TestQueueShiftOnEmptyReturnsNil(t *testing.T) {
	q := New()
	require.Nil(t, q.Shift())
	require.Nil(t, q.Peek())
}

func TestQueueGrowsAndWrapsCorrectly(t *testing.T) {
	q := New()
	now := time.Now()

	// Push past the initial capacity, interleaving shifts, to exercise
	// wraparound of the ring buffer's head/tail arithmetic.
	for i := 0; i < minCapacity+5; i++ {
		q.Push(NewTask("x", now))
	}
	for i := 0; i < minCapacity; i++ {
		require.NotNil(t, q.Shift())
	}
	for i := 0; i < 50; i++ {
		q.Push(NewTask("y", now))
	}
	require.Equal(t, 55, q.Len())
	for q.Len() > 0 {
		require.NotNil(t, q.Shift())
	}
}

func TestTaskSettlesExactlyOnce(t *testing.T) {
	task := NewTask("in", time.Now())
	task.Resolve("out")
	task.Reject(require.AnError) // no-op, already settled

	res := <-task.Done()
	require.Equal(t, "out", res.Output)
	require.NoError(t, res.Err)
}

func TestTaskAge(t *testing.T) {
	past := time.Now().Add(-time.Hour)
	task := NewTask("in", past)
	require.GreaterOrEqual(t, task.Age(time.Now()), time.Hour)
}
