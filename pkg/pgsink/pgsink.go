// Package pgsink implements the engine's sink contract on top of
// jackc/pgx connection pooling against TimescaleDB/PostgreSQL.
package pgsink

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/bsamaha/kafka-candle-ingestion/pkg/config"
	"github.com/bsamaha/kafka-candle-ingestion/pkg/ingest"
)

// PostgreSQL error codes the writer's retry policy distinguishes.
const (
	codeDeadlockDetected = "40P01"
	codeUniqueViolation  = "23505"
)

// Connect builds the pgx pool from cfg and verifies connectivity with a
// pre-flight ping before handing the pool to the writer. Credential
// presence (never the value) is logged so a missing password is
// diagnosable from startup logs alone.
func Connect(ctx context.Context, cfg config.TimescaleConfig, logger *zap.Logger) (*PgxPool, error) {
	dsn := fmt.Sprintf("postgres://%s:%s@%s:%d/%s",
		cfg.User, cfg.Password, cfg.Host, cfg.Port, cfg.Database)

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse sink config: %w", err)
	}
	poolCfg.MaxConns = int32(cfg.PoolSize)
	poolCfg.ConnConfig.ConnectTimeout = cfg.ConnectionTimeout

	logger.Info("connecting_to_sink",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User),
		zap.Bool("password_set", cfg.Password != ""),
		zap.Int("pool_size", cfg.PoolSize))

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create sink pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("sink pre-flight ping: %w", err)
	}

	return &PgxPool{pool: pool}, nil
}

// PgxPool adapts *pgxpool.Pool to the engine's Pool interface.
type PgxPool struct {
	pool *pgxpool.Pool
}

func (p *PgxPool) Acquire(ctx context.Context) (ingest.Conn, error) {
	conn, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return &pgxConn{conn: conn}, nil
}

func (p *PgxPool) Size() int32    { return p.pool.Stat().TotalConns() }
func (p *PgxPool) MaxSize() int32 { return p.pool.Config().MaxConns }
func (p *PgxPool) Close()         { p.pool.Close() }

type pgxConn struct {
	conn *pgxpool.Conn
}

func (c *pgxConn) Begin(ctx context.Context) (ingest.Tx, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, classify(err)
	}
	return &pgxTx{tx: tx}, nil
}

func (c *pgxConn) Exec(ctx context.Context, sql string, args ...any) error {
	_, err := c.conn.Exec(ctx, sql, args...)
	return classify(err)
}

func (c *pgxConn) Fetch(ctx context.Context, sql string, args ...any) ([]map[string]any, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classify(err)
		}
		row := make(map[string]any, len(values))
		for i, fd := range rows.FieldDescriptions() {
			row[fd.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(err)
	}
	return out, nil
}

func (c *pgxConn) FetchVal(ctx context.Context, sql string, args ...any) (any, error) {
	var v any
	if err := c.conn.QueryRow(ctx, sql, args...).Scan(&v); err != nil {
		return nil, classify(err)
	}
	return v, nil
}

func (c *pgxConn) FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error) {
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, classify(err)
		}
		return nil, pgx.ErrNoRows
	}
	values, err := rows.Values()
	if err != nil {
		return nil, classify(err)
	}

	out := make(map[string]any, len(values))
	for i, fd := range rows.FieldDescriptions() {
		out[fd.Name] = values[i]
	}
	return out, rows.Err()
}

func (c *pgxConn) Release() { c.conn.Release() }

type pgxTx struct {
	tx pgx.Tx
}

// ExecMany queues one statement per row and sends them as a single
// batch round-trip, scanning each RETURNING result.
func (t *pgxTx) ExecMany(ctx context.Context, sql string, values [][]any) ([]ingest.Row, error) {
	batch := &pgx.Batch{}
	for _, row := range values {
		batch.Queue(sql, row...)
	}

	br := t.tx.SendBatch(ctx, batch)
	defer br.Close()

	out := make([]ingest.Row, 0, len(values))
	for range values {
		var r ingest.Row
		if err := br.QueryRow().Scan(&r.Time, &r.Symbol); err != nil {
			return out, classify(err)
		}
		out = append(out, r)
	}
	return out, nil
}

func (t *pgxTx) Commit(ctx context.Context) error   { return classify(t.tx.Commit(ctx)) }
func (t *pgxTx) Rollback(ctx context.Context) error { return t.tx.Rollback(ctx) }

// classify tags driver errors with the error class the writer keys on.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeDeadlockDetected:
			return &ingest.ClassifiedError{Kind: ingest.DbErrorDeadlock, Err: err}
		case codeUniqueViolation:
			return &ingest.ClassifiedError{Kind: ingest.DbErrorUniqueViolation, Err: err}
		}
	}
	return &ingest.ClassifiedError{Kind: ingest.DbErrorOther, Err: err}
}

// WaitReady polls the sink until it answers a ping or the deadline
// passes, retrying once a second. cmd/ingestor does not call it; its
// startup relies on the single pre-flight ping in Connect.
func (p *PgxPool) WaitReady(ctx context.Context, deadline time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	for {
		if err := p.pool.Ping(waitCtx); err == nil {
			return nil
		}
		select {
		case <-waitCtx.Done():
			return fmt.Errorf("sink not ready within %s", deadline)
		case <-time.After(time.Second):
		}
	}
}
