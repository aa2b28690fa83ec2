package ingest

import (
	"context"
	"sort"
	"time"

	"go.uber.org/zap"
)

// shutdownGrace bounds how long ConsumerLoop.Run waits for an in-flight
// buffer to drain once its context is cancelled.
const shutdownGrace = 30 * time.Second

// ConsumerLoop pulls records from a Source and hands each one to a
// MessageProcessor, polling at the AdaptiveController's current
// timeout. It is the only goroutine that touches the buffer and the
// controller and the only one that inserts through the writer, so the
// buffer, controller and breaker need no locking of their own. The
// maintenance goroutine in cmd/ingestor calls only the writer's
// Cleanup, VacuumAnalyze and GetStats.
type ConsumerLoop struct {
	source     Source
	processor  *MessageProcessor
	controller *AdaptiveController
	logger     *zap.Logger
	metrics    Recorder
}

// NewConsumerLoop wires a loop to its source, processor and controller.
func NewConsumerLoop(source Source, processor *MessageProcessor, controller *AdaptiveController, logger *zap.Logger, metrics Recorder) *ConsumerLoop {
	if metrics == nil {
		metrics = NopRecorder{}
	}
	return &ConsumerLoop{
		source:     source,
		processor:  processor,
		controller: controller,
		logger:     logger,
		metrics:    metrics,
	}
}

// Run starts the source and pulls until ctx is cancelled, at which
// point it drains any buffered records within shutdownGrace and stops
// the source. A pull or processing error is logged and the loop
// continues after a one-second backoff, per the top-level recovery
// policy: a single bad message or transient pull failure must never
// bring the engine down.
func (cl *ConsumerLoop) Run(ctx context.Context) error {
	if err := cl.source.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := cl.source.Stop(); err != nil {
			cl.logger.Error("source_stop_failed", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return cl.shutdown()
		default:
		}

		timeout := cl.controller.PollTimeout()
		cl.metrics.SetCurrentPollTimeout(timeout)
		cl.metrics.SetCurrentMaxBatchSize(cl.controller.MaxBatchSize())

		pullStart := time.Now()
		batches, err := cl.source.GetMany(ctx, timeout)
		cl.metrics.ObserveKafkaConsumeLatency(time.Since(pullStart))
		if err != nil {
			if ctx.Err() != nil {
				return cl.shutdown()
			}
			cl.logger.Error("source_pull_failed", zap.Error(err))
			time.Sleep(time.Second)
			continue
		}

		cl.handleBatches(ctx, batches)
	}
}

// handleBatches processes every partition's records in offset order,
// then refreshes the lag and offset gauges for each partition touched.
// Partitions are visited in a fixed (sorted) order; there is no
// ordering guarantee across partitions, only within one.
func (cl *ConsumerLoop) handleBatches(ctx context.Context, batches map[int32][]SourceRecord) {
	partitions := make([]int32, 0, len(batches))
	for p := range batches {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })

	for _, partition := range partitions {
		records := batches[partition]
		for _, rec := range records {
			if err := cl.processor.ProcessMessage(ctx, rec.Value); err != nil {
				cl.logger.Error("flush_failed", zap.Int32("partition", partition), zap.Error(err))
				time.Sleep(time.Second)
			}
		}
		if len(records) > 0 {
			cl.metrics.SetPartitionOffset(partition, records[len(records)-1].Offset)
		}
		cl.updateLag(ctx, partition)
	}
}

func (cl *ConsumerLoop) updateLag(ctx context.Context, partition int32) {
	position, err := cl.source.Position(ctx, partition)
	if err != nil {
		cl.logger.Warn("position_lookup_failed", zap.Int32("partition", partition), zap.Error(err))
		return
	}
	ends, err := cl.source.EndOffsets(ctx, []int32{partition})
	if err != nil {
		cl.logger.Warn("end_offset_lookup_failed", zap.Int32("partition", partition), zap.Error(err))
		return
	}
	if end, ok := ends[partition]; ok {
		lag := end - position
		if lag < 0 {
			lag = 0
		}
		cl.metrics.SetConsumerLag(partition, lag)
	}
}

// shutdown drains the processor's buffer within shutdownGrace before
// returning control to the caller, who will then stop the source.
func (cl *ConsumerLoop) shutdown() error {
	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	if err := cl.processor.Flush(drainCtx); err != nil {
		cl.logger.Error("shutdown_drain_failed", zap.Error(err))
		return err
	}
	return nil
}
