package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuffer_AppendAndClear(t *testing.T) {
	b := NewBuffer(10)
	require.Equal(t, 0, b.Len())

	b.Append(sampleRecord("BTC-USD"))
	b.Append(sampleRecord("ETH-USD"))
	require.Equal(t, 2, b.Len())

	b.Clear()
	assert.Equal(t, 0, b.Len())
	assert.Empty(t, b.Records())
}

func TestBuffer_GroupIsStablePartition(t *testing.T) {
	b := NewBuffer(10)
	for i, symbol := range []string{"BTC-USD", "ETH-USD", "BTC-USD", "BTC-USD", "ETH-USD"} {
		r := sampleRecord(symbol)
		r.Open = float64(i)
		b.Append(r)
	}

	groups := b.Group()
	require.Len(t, groups, 2)

	btc := groups["BTC-USD"]
	require.Len(t, btc, 3)
	assert.Equal(t, []float64{0, 2, 3}, []float64{btc[0].Open, btc[1].Open, btc[2].Open})

	eth := groups["ETH-USD"]
	require.Len(t, eth, 2)
	assert.Equal(t, []float64{1, 4}, []float64{eth[0].Open, eth[1].Open})

	// Grouping must not consume the buffer.
	assert.Equal(t, 5, b.Len())
}

func TestBuffer_GroupSurvivesClear(t *testing.T) {
	b := NewBuffer(4)
	b.Append(sampleRecord("BTC-USD"))

	groups := b.Group()
	b.Clear()

	require.Len(t, groups["BTC-USD"], 1)
	assert.Equal(t, "BTC-USD", groups["BTC-USD"][0].Symbol)
}
