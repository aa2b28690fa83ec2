package ingest

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"

	"github.com/bsamaha/kafka-candle-ingestion/pkg/config"
)

// MessageProcessor buffers decoded candle records and flushes them to
// the DatabaseWriter either when the buffer reaches the controller's
// current max batch size or when the configured time interval has
// elapsed since the last flush, whichever comes first. It owns no
// concurrency primitives: the engine runs it from a single hot-path
// goroutine.
type MessageProcessor struct {
	buffer     *Buffer
	controller *AdaptiveController
	writer     *DatabaseWriter
	insertCfg  config.InsertConfig
	logger     *zap.Logger
	metrics    Recorder

	lastFlush time.Time
	now       func() time.Time
}

// NewMessageProcessor wires a processor to its buffer, controller and
// writer.
func NewMessageProcessor(buffer *Buffer, controller *AdaptiveController, writer *DatabaseWriter, insertCfg config.InsertConfig, logger *zap.Logger, metrics Recorder) *MessageProcessor {
	if metrics == nil {
		metrics = NopRecorder{}
	}
	return &MessageProcessor{
		buffer:     buffer,
		controller: controller,
		writer:     writer,
		insertCfg:  insertCfg,
		logger:     logger,
		metrics:    metrics,
		lastFlush:  time.Now(),
		now:        time.Now,
	}
}

// ProcessMessage decodes one raw source payload, appends it to the
// buffer on success, and triggers a flush once a trigger condition is
// met. Decode and validation failures are counted and dropped; they are
// never returned as an error, since a malformed message must never
// stall the consumer loop.
func (p *MessageProcessor) ProcessMessage(ctx context.Context, raw []byte) error {
	record, err := ParseCandleRecord(raw)
	if err != nil {
		reason := classifyInvalidReason(err)
		p.metrics.IncInvalidMessages(reason)
		p.logger.Warn("dropped_invalid_message", zap.String("reason", reason), zap.Error(err))
		return nil
	}

	p.metrics.IncMessagesConsumed(record.Symbol)
	p.buffer.Append(record)
	p.metrics.SetCurrentBatchSize(p.buffer.Len())

	if p.shouldFlush() {
		return p.Flush(ctx)
	}
	return nil
}

// shouldFlush reports whether the buffer has reached the controller's
// current max batch size, or the configured time interval has elapsed
// since the last flush with at least one buffered record.
func (p *MessageProcessor) shouldFlush() bool {
	if p.buffer.Len() >= p.controller.MaxBatchSize() {
		return true
	}
	return p.buffer.Len() > 0 && p.now().Sub(p.lastFlush) >= p.insertCfg.TimeInterval
}

// Flush partitions the buffer by symbol and inserts each partition in
// turn, preserving per-symbol ordering. A per-partition insert failure
// is retried by handleInsertFailure; the buffer is cleared exactly once
// after every partition has been attempted, regardless of outcome, per
// the retain-through-retry policy chosen for the buffer-clear timing
// question (the buffer must survive the retry attempts intact so a
// retried InsertBatch call still sees the records it's being retried
// for).
func (p *MessageProcessor) Flush(ctx context.Context) error {
	if p.buffer.Len() == 0 {
		p.lastFlush = p.now()
		return nil
	}

	start := p.now()
	groups := p.buffer.Group()
	symbols := make([]string, 0, len(groups))
	for symbol := range groups {
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)

	var flushErr error
	for _, symbol := range symbols {
		records := groups[symbol]
		if err := p.writer.InsertBatch(ctx, records); err != nil {
			if retryErr := p.handleInsertFailure(ctx, records, symbol, err); retryErr != nil {
				flushErr = retryErr
				continue
			}
		}
		p.metrics.IncMessagesInserted(symbol, len(records))
	}

	elapsed := p.now().Sub(start)
	poll, maxBatch := p.controller.Adapt(elapsed)
	p.metrics.SetCurrentPollTimeout(poll)
	p.metrics.SetCurrentMaxBatchSize(maxBatch)

	p.buffer.Clear()
	p.metrics.SetCurrentBatchSize(0)
	p.lastFlush = p.now()

	return flushErr
}

// handleInsertFailure retries one symbol partition's insert up to
// insertCfg.RetryAttempts times with exponential backoff
// (RetryDelay * 2^k), returning the final error if every attempt fails.
// cause is the error from the flush attempt that got us here; it is
// returned as-is when the retry budget is zero.
func (p *MessageProcessor) handleInsertFailure(ctx context.Context, records []CandleRecord, symbol string, cause error) error {
	if p.insertCfg.RetryAttempts <= 0 {
		return cause
	}

	err := retry.Do(
		func() error {
			return p.writer.InsertBatch(ctx, records)
		},
		retry.Attempts(uint(p.insertCfg.RetryAttempts)),
		retry.Delay(p.insertCfg.RetryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			p.logger.Warn("flush_retry_failed",
				zap.String("symbol", symbol),
				zap.Uint("attempt", n+1),
				zap.Error(err))
		}),
	)
	if err != nil {
		p.logger.Error("flush_retry_exhausted",
			zap.String("symbol", symbol),
			zap.Int("attempts", p.insertCfg.RetryAttempts),
			zap.Error(err))
	}
	return err
}

// classifyInvalidReason labels a ParseCandleRecord error for the
// invalid_messages metric, distinguishing malformed JSON from a
// well-formed message that failed field validation.
func classifyInvalidReason(err error) string {
	if strings.Contains(err.Error(), ": decode:") {
		return "decode"
	}
	return "validation"
}
