package kafka

import (
	"context"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bsamaha/kafka-candle-ingestion/pkg/config"
)

func testConsumer() *Consumer {
	return NewConsumer(config.KafkaConfig{
		BootstrapServers: "localhost:9092",
		Topic:            "market-data-candles",
		GroupID:          "test-group",
	}, zap.NewNop())
}

func msg(partition int32, offset int64, value string) *sarama.ConsumerMessage {
	return &sarama.ConsumerMessage{
		Topic:     "market-data-candles",
		Partition: partition,
		Offset:    offset,
		Value:     []byte(value),
	}
}

func TestGetManyDrainsBufferedMessages(t *testing.T) {
	c := testConsumer()
	c.messages <- msg(0, 10, "a")
	c.messages <- msg(0, 11, "b")
	c.messages <- msg(1, 5, "c")

	batches, err := c.GetMany(context.Background(), 100*time.Millisecond)
	require.NoError(t, err)

	require.Len(t, batches, 2)
	require.Len(t, batches[0], 2)
	assert.Equal(t, int64(10), batches[0][0].Offset)
	assert.Equal(t, int64(11), batches[0][1].Offset)
	assert.Equal(t, []byte("a"), batches[0][0].Value)
	require.Len(t, batches[1], 1)
	assert.Equal(t, int64(5), batches[1][0].Offset)
}

func TestGetManyEmptyAfterTimeout(t *testing.T) {
	c := testConsumer()

	start := time.Now()
	batches, err := c.GetMany(context.Background(), 30*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batches)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestGetManyWaitsForFirstMessage(t *testing.T) {
	c := testConsumer()

	go func() {
		time.Sleep(10 * time.Millisecond)
		c.messages <- msg(2, 42, "late")
	}()

	batches, err := c.GetMany(context.Background(), time.Second)
	require.NoError(t, err)
	require.Len(t, batches[2], 1)
	assert.Equal(t, int64(42), batches[2][0].Offset)
}

func TestGetManyHonorsContextCancellation(t *testing.T) {
	c := testConsumer()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.GetMany(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestPositionTracksDeliveredOffsets(t *testing.T) {
	c := testConsumer()

	_, err := c.Position(context.Background(), 0)
	assert.Error(t, err)

	c.recordPosition(0, 101)
	pos, err := c.Position(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(101), pos)

	c.recordPosition(0, 150)
	pos, err = c.Position(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(150), pos)
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	c := testConsumer()
	assert.NoError(t, c.Stop())
}
