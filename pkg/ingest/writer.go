package ingest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
)

// upsertQuery merges overlapping candles for the same (time, symbol):
// open and close are last-writer-wins, high/low are monotone.
const upsertQuery = `
INSERT INTO candles (time, symbol, open, high, low, close, volume)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (time, symbol) DO UPDATE SET
  open   = EXCLUDED.open,
  high   = GREATEST(candles.high, EXCLUDED.high),
  low    = LEAST(candles.low,  EXCLUDED.low),
  close  = EXCLUDED.close,
  volume = EXCLUDED.volume
RETURNING time, symbol`

// retentionPeriod is the fixed retention window applied by Cleanup.
const retentionPeriod = 90 * 24 * time.Hour

const (
	maxDeadlockAttempts = 3
	deadlockBaseDelay   = 100 * time.Millisecond
)

// Stats is the snapshot returned by DatabaseWriter.GetStats.
type Stats struct {
	TotalRecords   int64
	UniqueSymbols  int64
	OldestRecord   time.Time
	NewestRecord   time.Time
	BatchStats     BatchStats
	RetryQueueSize int
}

// BatchStats accumulates lifetime counters across all flushes.
type BatchStats struct {
	TotalProcessed uint64
	TotalRetried   uint64
	TotalDropped   uint64
}

// DatabaseWriter turns a per-symbol ordered list of CandleRecords into a
// single upsert against the sink, atomically per batch, with bounded
// retry for transient contention. It owns the sink connection pool and
// is wrapped end-to-end by a CircuitBreaker.
type DatabaseWriter struct {
	pool       Pool
	breaker    *CircuitBreaker
	retryQueue *RetryQueue
	logger     *zap.Logger
	metrics    Recorder

	totalProcessed atomic.Uint64
	totalRetried   atomic.Uint64
	totalDropped   atomic.Uint64
}

// NewDatabaseWriter wires a writer to its pool, breaker and retry queue.
func NewDatabaseWriter(pool Pool, breaker *CircuitBreaker, retryQueue *RetryQueue, logger *zap.Logger, metrics Recorder) *DatabaseWriter {
	if metrics == nil {
		metrics = NopRecorder{}
	}
	return &DatabaseWriter{
		pool:       pool,
		breaker:    breaker,
		retryQueue: retryQueue,
		logger:     logger,
		metrics:    metrics,
	}
}

// InsertBatch upserts one logical flush. records may span multiple
// symbols; the writer performs no grouping of its own. Any records
// still sitting in the retry queue are flushed first so per-symbol
// ordering survives a sink outage.
func (w *DatabaseWriter) InsertBatch(ctx context.Context, records []CandleRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := w.breaker.Execute(ctx, func(ctx context.Context) error {
		// Queue-first prepend keeps per-symbol ordering intact across a
		// pause. On failure the queued portion goes back so it is not
		// lost to a failed probe; the new records follow the caller's
		// retry policy instead.
		queued := w.retryQueue.PopAll()
		if err := w.doInsert(ctx, append(queued[:len(queued):len(queued)], records...)); err != nil {
			if len(queued) > 0 {
				w.retryQueue.Push(queued)
			}
			return err
		}
		return nil
	})
	w.metrics.SetCircuitBreakerState(w.breaker.State())

	if err == nil {
		w.metrics.SetRetryQueueSize(w.retryQueue.Len())
		return nil
	}

	var openErr *CircuitOpenError
	if errors.As(err, &openErr) {
		dropped := w.retryQueue.Push(records)
		w.metrics.SetRetryQueueSize(w.retryQueue.Len())
		if dropped > 0 {
			w.totalDropped.Add(uint64(dropped))
			w.metrics.IncBatchProcessingTotal("dropped")
			w.logger.Error("retry_queue_full",
				zap.Int("dropped_records", dropped))
		} else {
			w.totalRetried.Add(uint64(len(records)))
			w.metrics.IncBatchProcessingTotal("retry")
			w.logger.Info("queued_records_for_retry",
				zap.Int("queue_size", w.retryQueue.Len()))
		}
		return err
	}

	// CircuitFailureError: the call was attempted and failed. Records
	// are not re-queued here, otherwise actual data errors would
	// accumulate without bound; the processor's retry loop decides
	// whether to retry the flush.
	w.metrics.IncBatchProcessingTotal("failed")
	return err
}

// doInsert performs the actual transactional upsert for one flush set.
func (w *DatabaseWriter) doInsert(ctx context.Context, records []CandleRecord) error {
	start := time.Now()

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return &DbConnectivityError{Err: fmt.Errorf("acquire connection: %w", err)}
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return &DbConnectivityError{Err: fmt.Errorf("begin transaction: %w", err)}
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	values := make([][]any, 0, len(records))
	for _, r := range records {
		row, ok := coerceRow(r)
		if !ok {
			w.metrics.IncDataValidationErrors("numeric_fields", "coercion_error")
			w.logger.Error("invalid_record_data", zap.String("symbol", r.Symbol))
			continue
		}
		values = append(values, row)
	}

	if len(values) == 0 {
		return tx.Rollback(ctx)
	}

	rows, err := w.execWithDeadlockRetry(ctx, tx, values)
	if err != nil {
		var classified *ClassifiedError
		if errors.As(err, &classified) {
			switch classified.Kind {
			case DbErrorUniqueViolation:
				w.logger.Warn("unique_violation_swallowed", zap.Error(classified.Err))
				w.metrics.IncDbInsertErrors("unique_violation")
				// Treated as a safety net: the upsert contract should make
				// this unreachable. Commit whatever else succeeded.
			case DbErrorDeadlock:
				w.metrics.IncDbInsertErrors("deadlock_exhausted")
				return &TransientDbContentionError{Attempts: maxDeadlockAttempts, Err: classified.Err}
			default:
				w.metrics.IncDbInsertErrors("connectivity")
				return &DbConnectivityError{Err: classified.Err}
			}
		} else {
			w.metrics.IncDbInsertErrors("connectivity")
			return &DbConnectivityError{Err: err}
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return &DbConnectivityError{Err: fmt.Errorf("commit: %w", err)}
	}
	committed = true

	elapsed := time.Since(start)
	w.metrics.ObserveDbInsertLatency(elapsed)
	w.metrics.ObserveBatchSize(len(records))
	if elapsed > 0 {
		w.metrics.ObserveMessageProcessingRate(float64(len(records)) / elapsed.Seconds())
	}
	w.totalProcessed.Add(uint64(len(rows)))
	w.metrics.IncBatchProcessingTotal("success")

	return nil
}

// execWithDeadlockRetry executes the prepared upsert, making up to
// maxDeadlockAttempts attempts in all with exponential backoff
// (100ms * 2^k) between them when the sink reports a deadlock.
func (w *DatabaseWriter) execWithDeadlockRetry(ctx context.Context, tx Tx, values [][]any) ([]Row, error) {
	var rows []Row

	err := retry.Do(
		func() error {
			r, execErr := tx.ExecMany(ctx, upsertQuery, values)
			rows = r
			return execErr
		},
		retry.Attempts(maxDeadlockAttempts),
		retry.Delay(deadlockBaseDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			var classified *ClassifiedError
			return errors.As(err, &classified) && classified.Kind == DbErrorDeadlock
		}),
		retry.OnRetry(func(n uint, err error) {
			w.logger.Warn("deadlock_detected_retrying",
				zap.Uint("attempt", n+1),
				zap.Duration("delay", deadlockBaseDelay*time.Duration(math.Pow(2, float64(n)))))
		}),
	)
	return rows, err
}

// coerceRow validates and shapes one record's numeric fields for the
// upsert statement's positional placeholders. Returns ok=false if a
// field is non-finite or negative. This is the one per-row fallback
// below the record-level validation already applied by the processor.
func coerceRow(r CandleRecord) ([]any, bool) {
	for _, v := range []float64{r.Open, r.High, r.Low, r.Close, r.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return nil, false
		}
	}
	return []any{r.StartTime, r.Symbol, r.Open, r.High, r.Low, r.Close, r.Volume}, true
}

// HealthCheck runs a trivial round-trip against the sink.
func (w *DatabaseWriter) HealthCheck(ctx context.Context) bool {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return false
	}
	defer conn.Release()

	_, err = conn.FetchVal(ctx, "SELECT 1")
	return err == nil
}

// Cleanup deletes rows older than the fixed 90-day retention from the
// sink table.
func (w *DatabaseWriter) Cleanup(ctx context.Context) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return &DbConnectivityError{Err: err}
	}
	defer conn.Release()

	cutoff := time.Now().Add(-retentionPeriod)
	if err := conn.Exec(ctx, "DELETE FROM candles WHERE time < $1", cutoff); err != nil {
		return &DbConnectivityError{Err: fmt.Errorf("cleanup: %w", err)}
	}
	return nil
}

// VacuumAnalyze performs sink maintenance on the candles table.
func (w *DatabaseWriter) VacuumAnalyze(ctx context.Context) error {
	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return &DbConnectivityError{Err: err}
	}
	defer conn.Release()

	if err := conn.Exec(ctx, "VACUUM ANALYZE candles"); err != nil {
		return &DbConnectivityError{Err: fmt.Errorf("vacuum analyze: %w", err)}
	}
	return nil
}

// GetStats returns database operation statistics, mixing a live query
// against the sink with the writer's own lifetime batch counters.
func (w *DatabaseWriter) GetStats(ctx context.Context) (Stats, error) {
	stats := Stats{
		BatchStats: BatchStats{
			TotalProcessed: w.totalProcessed.Load(),
			TotalRetried:   w.totalRetried.Load(),
			TotalDropped:   w.totalDropped.Load(),
		},
		RetryQueueSize: w.retryQueue.Len(),
	}

	conn, err := w.pool.Acquire(ctx)
	if err != nil {
		return stats, &DbConnectivityError{Err: err}
	}
	defer conn.Release()

	row, err := conn.FetchRow(ctx, `
		SELECT
			COUNT(*) AS total_records,
			COUNT(DISTINCT symbol) AS unique_symbols,
			MIN(time) AS oldest_record,
			MAX(time) AS newest_record
		FROM candles`)
	if err != nil {
		return stats, &DbConnectivityError{Err: err}
	}

	if v, ok := row["total_records"].(int64); ok {
		stats.TotalRecords = v
	}
	if v, ok := row["unique_symbols"].(int64); ok {
		stats.UniqueSymbols = v
	}
	if v, ok := row["oldest_record"].(time.Time); ok {
		stats.OldestRecord = v
		w.metrics.SetDbOldestRecord(v)
	}
	if v, ok := row["newest_record"].(time.Time); ok {
		stats.NewestRecord = v
		w.metrics.SetDbNewestRecord(v)
	}

	perSymbol, err := conn.Fetch(ctx, `
		SELECT symbol, COUNT(*) AS record_count
		FROM candles
		GROUP BY symbol`)
	if err != nil {
		return stats, &DbConnectivityError{Err: err}
	}
	for _, r := range perSymbol {
		symbol, ok := r["symbol"].(string)
		if !ok {
			continue
		}
		if count, ok := r["record_count"].(int64); ok {
			w.metrics.SetDbRecordsTotal(symbol, count)
		}
	}

	return stats, nil
}
