package ingest

import (
	"context"
	"time"
)

// SourceRecord is one message pulled from the commit-log source.
type SourceRecord struct {
	Partition int32
	Offset    int64
	Topic     string
	Value     []byte
}

// Source is the minimal interface the engine consumes from the
// commit-log consumer. Implementations auto-commit offsets with
// at-least-once semantics; the core never manages offsets itself.
type Source interface {
	// Start begins consuming. Must be called before GetMany.
	Start(ctx context.Context) error

	// Stop ends consumption and releases the underlying consumer.
	Stop() error

	// GetMany pulls whatever records are available within timeout,
	// grouped by partition. An empty result is not an error.
	GetMany(ctx context.Context, timeout time.Duration) (map[int32][]SourceRecord, error)

	// Position returns the consumer's current offset for partition.
	Position(ctx context.Context, partition int32) (int64, error)

	// EndOffsets returns the high-water mark for each partition, used
	// for lag computation alongside Position.
	EndOffsets(ctx context.Context, partitions []int32) (map[int32]int64, error)
}
