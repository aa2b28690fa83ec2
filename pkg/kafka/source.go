// Package kafka implements the engine's source contract on top of a
// sarama consumer group. Offsets are marked after each delivered
// message and committed by sarama's auto-commit interval, giving the
// at-least-once semantics the engine assumes.
package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"go.uber.org/zap"

	"github.com/bsamaha/kafka-candle-ingestion/pkg/config"
	"github.com/bsamaha/kafka-candle-ingestion/pkg/ingest"
)

// messageBuffer bounds how many in-flight messages the consume goroutine
// may run ahead of GetMany before it blocks on the channel.
const messageBuffer = 1024

// Consumer adapts sarama's push-style consumer group to the engine's
// pull-style Source interface: a consume goroutine forwards messages
// into a bounded channel that GetMany drains with a timeout.
type Consumer struct {
	cfg    config.KafkaConfig
	logger *zap.Logger

	client sarama.Client
	group  sarama.ConsumerGroup

	messages chan *sarama.ConsumerMessage

	mu        sync.Mutex
	positions map[int32]int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewConsumer builds an unstarted Consumer.
func NewConsumer(cfg config.KafkaConfig, logger *zap.Logger) *Consumer {
	return &Consumer{
		cfg:       cfg,
		logger:    logger,
		messages:  make(chan *sarama.ConsumerMessage, messageBuffer),
		positions: make(map[int32]int64),
		done:      make(chan struct{}),
	}
}

// Start connects to the cluster and launches the consume goroutine.
func (c *Consumer) Start(ctx context.Context) error {
	saramaCfg := sarama.NewConfig()
	saramaCfg.Version = sarama.V2_1_0_0
	saramaCfg.ClientID = c.cfg.GroupID
	saramaCfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	saramaCfg.Consumer.Offsets.AutoCommit.Enable = true
	saramaCfg.Consumer.Offsets.AutoCommit.Interval = time.Second
	saramaCfg.Consumer.Return.Errors = true

	client, err := sarama.NewClient(strings.Split(c.cfg.BootstrapServers, ","), saramaCfg)
	if err != nil {
		return fmt.Errorf("kafka client: %w", err)
	}
	group, err := sarama.NewConsumerGroupFromClient(c.cfg.GroupID, client)
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("kafka consumer group: %w", err)
	}
	c.client = client
	c.group = group

	consumeCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	go func() {
		for err := range group.Errors() {
			c.logger.Error("consumer_group_error", zap.Error(err))
		}
	}()

	go func() {
		defer close(c.done)
		handler := &groupHandler{consumer: c}
		for {
			// Consume returns on every rebalance; loop until cancelled.
			if err := group.Consume(consumeCtx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consume_session_failed", zap.Error(err))
			}
			if consumeCtx.Err() != nil {
				return
			}
		}
	}()

	c.logger.Info("kafka_consumer_started",
		zap.String("topic", c.cfg.Topic),
		zap.String("group_id", c.cfg.GroupID))
	return nil
}

// Stop ends the consume session, which triggers a final offset commit,
// then closes the group and client.
func (c *Consumer) Stop() error {
	if c.cancel == nil {
		return nil
	}
	c.cancel()
	<-c.done

	err := c.group.Close()
	if cerr := c.client.Close(); err == nil {
		err = cerr
	}
	return err
}

// GetMany pulls whatever messages arrive within timeout, grouped by
// partition in delivery order. It blocks for the first message up to
// timeout, then drains everything already buffered without waiting
// further, so a quiet topic costs exactly one timeout and a busy one
// returns immediately with a full pull.
func (c *Consumer) GetMany(ctx context.Context, timeout time.Duration) (map[int32][]ingest.SourceRecord, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	out := make(map[int32][]ingest.SourceRecord)

	var first *sarama.ConsumerMessage
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return out, nil
	case first = <-c.messages:
	}
	appendMessage(out, first)

	for {
		select {
		case msg := <-c.messages:
			appendMessage(out, msg)
		default:
			return out, nil
		}
	}
}

func appendMessage(out map[int32][]ingest.SourceRecord, msg *sarama.ConsumerMessage) {
	out[msg.Partition] = append(out[msg.Partition], ingest.SourceRecord{
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Topic:     msg.Topic,
		Value:     msg.Value,
	})
}

// Position returns the next offset the consumer will deliver for
// partition: one past the last delivered message.
func (c *Consumer) Position(ctx context.Context, partition int32) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	pos, ok := c.positions[partition]
	if !ok {
		return 0, fmt.Errorf("no position for partition %d", partition)
	}
	return pos, nil
}

// EndOffsets returns the high-water mark for each partition.
func (c *Consumer) EndOffsets(ctx context.Context, partitions []int32) (map[int32]int64, error) {
	out := make(map[int32]int64, len(partitions))
	for _, p := range partitions {
		offset, err := c.client.GetOffset(c.cfg.Topic, p, sarama.OffsetNewest)
		if err != nil {
			return nil, fmt.Errorf("end offset for partition %d: %w", p, err)
		}
		out[p] = offset
	}
	return out, nil
}

func (c *Consumer) recordPosition(partition int32, nextOffset int64) {
	c.mu.Lock()
	c.positions[partition] = nextOffset
	c.mu.Unlock()
}

// groupHandler is the sarama session callback that feeds the message
// channel. Marking happens as soon as the message is handed over; the
// engine's at-least-once contract tolerates redelivery of anything the
// processor had not yet flushed when the process died.
type groupHandler struct {
	consumer *Consumer
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			select {
			case h.consumer.messages <- msg:
			case <-session.Context().Done():
				return nil
			}
			session.MarkMessage(msg, "")
			h.consumer.recordPosition(msg.Partition, msg.Offset+1)
		}
	}
}
