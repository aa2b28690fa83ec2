package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func records(n int, symbol string) []CandleRecord {
	out := make([]CandleRecord, n)
	for i := range out {
		out[i] = sampleRecord(symbol)
		out[i].Open = float64(i)
	}
	return out
}

func TestRetryQueue_FIFOOrder(t *testing.T) {
	q := NewRetryQueue(10)

	require.Equal(t, 0, q.Push(records(3, "BTC-USD")))
	require.Equal(t, 0, q.Push(records(2, "ETH-USD")))
	require.Equal(t, 5, q.Len())

	popped := q.PopAll()
	require.Len(t, popped, 5)
	assert.Equal(t, "BTC-USD", popped[0].Symbol)
	assert.Equal(t, 0.0, popped[0].Open)
	assert.Equal(t, 2.0, popped[2].Open)
	assert.Equal(t, "ETH-USD", popped[3].Symbol)
	assert.Equal(t, 0, q.Len())
}

func TestRetryQueue_OverflowDropsArrivingNeverQueued(t *testing.T) {
	q := NewRetryQueue(5)

	require.Equal(t, 0, q.Push(records(4, "BTC-USD")))

	// 3 arrive with room for 1: the first arriving fills the queue, the
	// remaining 2 are dropped. The 4 already queued are untouched.
	dropped := q.Push(records(3, "ETH-USD"))
	assert.Equal(t, 2, dropped)
	assert.Equal(t, 5, q.Len())
	assert.Equal(t, uint64(2), q.DroppedCount())

	popped := q.PopAll()
	assert.Equal(t, "BTC-USD", popped[0].Symbol)
	assert.Equal(t, "ETH-USD", popped[4].Symbol)
}

func TestRetryQueue_PushAtCapacityDropsEverything(t *testing.T) {
	q := NewRetryQueue(2)

	require.Equal(t, 0, q.Push(records(2, "BTC-USD")))
	assert.Equal(t, 3, q.Push(records(3, "ETH-USD")))
	assert.Equal(t, 2, q.Len())
	assert.Equal(t, uint64(3), q.DroppedCount())
}

func TestRetryQueue_PopAllOnEmpty(t *testing.T) {
	q := NewRetryQueue(2)
	assert.Nil(t, q.PopAll())
}

func TestRetryQueue_NeverExceedsCapacity(t *testing.T) {
	q := NewRetryQueue(100)

	for i := 0; i < 20; i++ {
		q.Push(records(17, "BTC-USD"))
		assert.LessOrEqual(t, q.Len(), q.Capacity())
	}
	assert.Equal(t, 100, q.Len())
}
