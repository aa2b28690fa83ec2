package ingest

import (
	"context"
	"time"
)

// Row is one upserted (time, symbol) result returned by the upsert
// query's RETURNING clause.
type Row struct {
	Time   time.Time
	Symbol string
}

// Tx is a sink transaction. Commit/Rollback follow database/sql
// semantics: calling either after the other is a no-op error the caller
// may ignore once a Commit has already succeeded.
type Tx interface {
	// ExecMany executes sql once per row in values inside the
	// transaction, returning the rows produced by any RETURNING clause.
	// Deadlock and unique-violation errors from the sink must be
	// returned as a *ClassifiedError so the caller can apply its
	// per-error-kind policy.
	ExecMany(ctx context.Context, sql string, values [][]any) ([]Row, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Conn is a single sink connection, acquired from a Pool.
type Conn interface {
	Begin(ctx context.Context) (Tx, error)
	Exec(ctx context.Context, sql string, args ...any) error
	Fetch(ctx context.Context, sql string, args ...any) ([]map[string]any, error)
	FetchVal(ctx context.Context, sql string, args ...any) (any, error)
	FetchRow(ctx context.Context, sql string, args ...any) (map[string]any, error)
	Release()
}

// Pool is the sink connection pool contract DatabaseWriter depends on.
type Pool interface {
	Acquire(ctx context.Context) (Conn, error)
	Size() int32
	MaxSize() int32
	Close()
}

// ClassifiedError tags a driver-specific sink error with the error
// class the writer's retry policy keys on.
type ClassifiedError struct {
	Kind DbErrorKind
	Err  error
}

func (e *ClassifiedError) Error() string { return e.Err.Error() }
func (e *ClassifiedError) Unwrap() error { return e.Err }

// DbErrorKind enumerates the sink error classes the writer distinguishes.
type DbErrorKind int

const (
	DbErrorOther DbErrorKind = iota
	DbErrorDeadlock
	DbErrorUniqueViolation
)
