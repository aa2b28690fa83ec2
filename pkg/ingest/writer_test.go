package ingest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeTx hands every ExecMany call to execFn, which each test scripts to
// fail a fixed number of times before succeeding, or to fail permanently
// with a given classification.
type fakeTx struct {
	execFn     func(ctx context.Context, sql string, values [][]any) ([]Row, error)
	committed  bool
	rolledBack bool
}

func (t *fakeTx) ExecMany(ctx context.Context, sql string, values [][]any) ([]Row, error) {
	return t.execFn(ctx, sql, values)
}
func (t *fakeTx) Commit(ctx context.Context) error   { t.committed = true; return nil }
func (t *fakeTx) Rollback(ctx context.Context) error { t.rolledBack = true; return nil }

type fakeConn struct {
	mu        *sync.Mutex
	newTx     func() *fakeTx
	fetch     func(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	fetchVal  func(ctx context.Context, sql string, args ...any) (any, error)
	fetchRow  func(ctx context.Context, sql string, args ...any) (map[string]any, error)
	execCalls *[]string
}

func (c *fakeConn) Begin(ctx context.Context) (Tx, error) { return c.newTx(), nil }
func (c *fakeConn) Exec(ctx context.Context, sql string, args ...any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	*c.execCalls = append(*c.execCalls, sql)
	return nil
}
func (c *fakeConn) Fetch(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	if c.fetch != nil {
		return c.fetch(ctx, sql, args...)
	}
	return nil, nil
}
func (c *fakeConn) FetchVal(ctx context.Context, sql string, args ...any) (any, error) {
	if c.fetchVal != nil {
		return c.fetchVal(ctx, sql, args...)
	}
	return int64(1), nil
}
func (c *fakeConn) FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	if c.fetchRow != nil {
		return c.fetchRow(ctx, sql, args...)
	}
	return map[string]any{}, nil
}
func (c *fakeConn) Release() {}

type fakePool struct {
	mu        sync.Mutex
	execCalls []string
	newTx     func() *fakeTx
	acquireFn func() (Conn, error)
}

func (p *fakePool) Acquire(ctx context.Context) (Conn, error) {
	if p.acquireFn != nil {
		return p.acquireFn()
	}
	return &fakeConn{mu: &p.mu, newTx: p.newTx, execCalls: &p.execCalls}, nil
}
func (p *fakePool) Size() int32    { return 1 }
func (p *fakePool) MaxSize() int32 { return 1 }
func (p *fakePool) Close()         {}

func sampleRecord(symbol string) CandleRecord {
	now := time.Now().UTC()
	return CandleRecord{
		EventTime: now,
		StartTime: now,
		Timestamp: now,
		Symbol:    symbol,
		Open:      100,
		High:      101,
		Low:       99,
		Close:     100.5,
		Volume:    10,
	}
}

func newTestWriter(pool Pool) (*DatabaseWriter, *CircuitBreaker, *RetryQueue) {
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, nil)
	rq := NewRetryQueue(100)
	w := NewDatabaseWriter(pool, breaker, rq, zap.NewNop(), NopRecorder{})
	return w, breaker, rq
}

func TestDatabaseWriter_InsertBatch_HappyPath(t *testing.T) {
	var gotSQL string
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			gotSQL = sql
			rows := make([]Row, len(values))
			return rows, nil
		}}
	}}
	w, _, _ := newTestWriter(pool)

	err := w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")})
	require.NoError(t, err)

	// The merge rule: open/close last-writer-wins, high/low monotone.
	assert.Contains(t, gotSQL, "ON CONFLICT (time, symbol) DO UPDATE SET")
	assert.Contains(t, gotSQL, "high   = GREATEST(candles.high, EXCLUDED.high)")
	assert.Contains(t, gotSQL, "low    = LEAST(candles.low,  EXCLUDED.low)")
	assert.Contains(t, gotSQL, "open   = EXCLUDED.open")
	assert.Contains(t, gotSQL, "close  = EXCLUDED.close")
}

func TestDatabaseWriter_InsertBatch_CircuitOpen_QueuesRecords(t *testing.T) {
	boomErr := &ClassifiedError{Kind: DbErrorOther, Err: errors.New("connection refused")}
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			return nil, boomErr
		}}
	}}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Minute}, nil)
	rq := NewRetryQueue(100)
	w := NewDatabaseWriter(pool, breaker, rq, zap.NewNop(), NopRecorder{})

	// First call trips the breaker (failure #1 reaches threshold of 1).
	err := w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")})
	require.Error(t, err)
	var failErr *CircuitFailureError
	require.True(t, errors.As(err, &failErr))
	assert.Equal(t, 0, rq.Len(), "no requeue on CircuitFailureError")

	// Second call: breaker is OPEN and within its reset window, fails fast.
	err = w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("ETH-USD")})
	require.Error(t, err)
	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, 1, rq.Len(), "records pushed to retry queue on CircuitOpenError")
}

func TestDatabaseWriter_InsertBatch_CircuitFailure_DoesNotRequeue(t *testing.T) {
	boomErr := &ClassifiedError{Kind: DbErrorOther, Err: errors.New("timeout")}
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			return nil, boomErr
		}}
	}}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute}, nil)
	rq := NewRetryQueue(100)
	w := NewDatabaseWriter(pool, breaker, rq, zap.NewNop(), NopRecorder{})

	err := w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")})
	require.Error(t, err)
	var failErr *CircuitFailureError
	require.True(t, errors.As(err, &failErr))
	assert.Equal(t, 0, rq.Len())
}

func TestDatabaseWriter_InsertBatch_DeadlockRetriesThenSucceeds(t *testing.T) {
	attempts := 0
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			attempts++
			if attempts < 2 {
				return nil, &ClassifiedError{Kind: DbErrorDeadlock, Err: errors.New("deadlock detected")}
			}
			return make([]Row, len(values)), nil
		}}
	}}
	w, _, _ := newTestWriter(pool)

	err := w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
}

func TestDatabaseWriter_InsertBatch_DeadlockExhaustsRetries(t *testing.T) {
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			return nil, &ClassifiedError{Kind: DbErrorDeadlock, Err: errors.New("deadlock detected")}
		}}
	}}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 5, ResetTimeout: time.Minute}, nil)
	rq := NewRetryQueue(100)
	w := NewDatabaseWriter(pool, breaker, rq, zap.NewNop(), NopRecorder{})

	err := w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")})
	require.Error(t, err)
	var contention *TransientDbContentionError
	require.True(t, errors.As(err, &contention))
	assert.Equal(t, maxDeadlockAttempts, contention.Attempts)
}

func TestDatabaseWriter_InsertBatch_UniqueViolationSwallowed(t *testing.T) {
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			return nil, &ClassifiedError{Kind: DbErrorUniqueViolation, Err: errors.New("duplicate key")}
		}}
	}}
	w, _, _ := newTestWriter(pool)

	err := w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")})
	assert.NoError(t, err, "unique violation is swallowed and counted, not surfaced")
}

func TestDatabaseWriter_InsertBatch_RetryQueueOverflowDropsExcess(t *testing.T) {
	// Q_max=100, 150 submitted while OPEN -> 100 queued, 50 dropped, no
	// sink interaction beyond the single tripping call.
	boomErr := &ClassifiedError{Kind: DbErrorOther, Err: errors.New("down")}
	execCount := 0
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			execCount++
			return nil, boomErr
		}}
	}}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, nil)
	rq := NewRetryQueue(100)
	w := NewDatabaseWriter(pool, breaker, rq, zap.NewNop(), NopRecorder{})

	// Trip the breaker.
	_ = w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")})
	require.Equal(t, StateOpen, breaker.State())
	execAfterTrip := execCount

	records := make([]CandleRecord, 150)
	for i := range records {
		records[i] = sampleRecord("ETH-USD")
	}
	err := w.InsertBatch(context.Background(), records)
	require.Error(t, err)
	var openErr *CircuitOpenError
	require.True(t, errors.As(err, &openErr))

	assert.Equal(t, 100, rq.Len())
	assert.Equal(t, uint64(50), rq.DroppedCount())
	assert.Equal(t, execAfterTrip, execCount, "no sink interaction while breaker stays open")
}

func TestDatabaseWriter_InsertBatch_InvalidRowSkippedNotCommitted(t *testing.T) {
	var gotValues [][]any
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			gotValues = values
			return make([]Row, len(values)), nil
		}}
	}}
	w, _, _ := newTestWriter(pool)

	bad := sampleRecord("BAD-USD")
	bad.High = -1 // negative -> fails coerceRow's safety net
	good := sampleRecord("GOOD-USD")

	err := w.InsertBatch(context.Background(), []CandleRecord{bad, good})
	require.NoError(t, err)
	assert.Len(t, gotValues, 1)
}

func TestDatabaseWriter_HealthCheck(t *testing.T) {
	pool := &fakePool{newTx: func() *fakeTx { return &fakeTx{} }}
	w, _, _ := newTestWriter(pool)

	assert.True(t, w.HealthCheck(context.Background()))
}

func TestDatabaseWriter_HealthCheck_FailsOnAcquireError(t *testing.T) {
	pool := &fakePool{acquireFn: func() (Conn, error) { return nil, errors.New("pool exhausted") }}
	w, _, _ := newTestWriter(pool)

	assert.False(t, w.HealthCheck(context.Background()))
}

func TestDatabaseWriter_Cleanup_IssuesDeleteWithCutoff(t *testing.T) {
	pool := &fakePool{newTx: func() *fakeTx { return &fakeTx{} }}
	w, _, _ := newTestWriter(pool)

	require.NoError(t, w.Cleanup(context.Background()))
	require.Len(t, pool.execCalls, 1)
	assert.Contains(t, pool.execCalls[0], "DELETE FROM candles")
}

func TestDatabaseWriter_VacuumAnalyze(t *testing.T) {
	pool := &fakePool{newTx: func() *fakeTx { return &fakeTx{} }}
	w, _, _ := newTestWriter(pool)

	require.NoError(t, w.VacuumAnalyze(context.Background()))
	require.Len(t, pool.execCalls, 1)
	assert.Contains(t, pool.execCalls[0], "VACUUM ANALYZE")
}

// recordCountRecorder captures per-symbol sink row counts.
type recordCountRecorder struct {
	NopRecorder
	mu     sync.Mutex
	counts map[string]int64
}

func (r *recordCountRecorder) SetDbRecordsTotal(symbol string, count int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counts == nil {
		r.counts = make(map[string]int64)
	}
	r.counts[symbol] = count
}

func TestDatabaseWriter_GetStats_CombinesLiveQueryAndCounters(t *testing.T) {
	now := time.Now().UTC()
	pool := &fakePool{newTx: func() *fakeTx {
		return &fakeTx{execFn: func(ctx context.Context, sql string, values [][]any) ([]Row, error) {
			return make([]Row, len(values)), nil
		}}
	}}
	pool.acquireFn = func() (Conn, error) {
		return &fakeConn{
			mu:        &pool.mu,
			newTx:     pool.newTx,
			execCalls: &pool.execCalls,
			fetchRow: func(ctx context.Context, sql string, args ...any) (map[string]any, error) {
				return map[string]any{
					"total_records":  int64(42),
					"unique_symbols": int64(3),
					"oldest_record":  now.Add(-time.Hour),
					"newest_record":  now,
				}, nil
			},
			fetch: func(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
				return []map[string]any{
					{"symbol": "BTC-USD", "record_count": int64(30)},
					{"symbol": "ETH-USD", "record_count": int64(12)},
				}, nil
			},
		}, nil
	}
	breaker := NewCircuitBreaker(BreakerConfig{FailureThreshold: 3, ResetTimeout: time.Minute}, nil)
	rq := NewRetryQueue(100)
	rec := &recordCountRecorder{}
	w := NewDatabaseWriter(pool, breaker, rq, zap.NewNop(), rec)

	require.NoError(t, w.InsertBatch(context.Background(), []CandleRecord{sampleRecord("BTC-USD")}))

	stats, err := w.GetStats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(42), stats.TotalRecords)
	assert.Equal(t, int64(3), stats.UniqueSymbols)
	assert.Equal(t, uint64(1), stats.BatchStats.TotalProcessed)
	assert.Equal(t, map[string]int64{"BTC-USD": 30, "ETH-USD": 12}, rec.counts)
}
