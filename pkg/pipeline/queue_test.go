package pipeline

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestQueueDropOldest(t *testing.T) {
	q := newQueue[int](3)
	for i := 1; i <= 10; i++ {
		q.push(i)
	}
	q.close()

	got := []int{}
	for v := range q.ch {
		got = append(got, v)
	}
	// The newest items survive, the oldest are shed
	require.Equal(t, []int{8, 9, 10}, got)
	require.Equal(t, int64(7), q.dropped.Load())
}

func TestQueueNoDropsBelowCapacity(t *testing.T) {
	q := newQueue[int](5)
	for i := 1; i <= 5; i++ {
		q.push(i)
	}
	q.close()
	got := []int{}
	for v := range q.ch {
		got = append(got, v)
	}
	require.Equal(t, []int{1, 2, 3, 4, 5}, got)
	require.Equal(t, int64(0), q.dropped.Load())
}
