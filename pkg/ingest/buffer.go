package ingest

// Buffer is the ordered sequence of CandleRecords accumulated by a
// MessageProcessor between flushes. It is exclusively owned by a single
// MessageProcessor and carries no internal locking. The processor caps
// insertion at the controller's current max batch size by flushing, so
// Buffer itself never needs to drop anything.
type Buffer struct {
	records []CandleRecord
}

// NewBuffer returns an empty Buffer pre-sized to capacity.
func NewBuffer(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &Buffer{records: make([]CandleRecord, 0, capacity)}
}

// Append adds one record to the buffer.
func (b *Buffer) Append(r CandleRecord) {
	b.records = append(b.records, r)
}

// Len returns the current number of buffered records.
func (b *Buffer) Len() int {
	return len(b.records)
}

// Records returns the buffered records in insertion order without
// clearing the buffer. The returned slice must not be retained past the
// next mutating call; callers that need to keep it across a Clear should
// copy it first (Group does this implicitly).
func (b *Buffer) Records() []CandleRecord {
	return b.records
}

// Clear empties the buffer, releasing its backing records for GC but
// keeping the underlying array's capacity.
func (b *Buffer) Clear() {
	for i := range b.records {
		b.records[i] = CandleRecord{}
	}
	b.records = b.records[:0]
}

// Group partitions the buffered records by symbol, preserving the order
// in which each symbol's records entered the buffer (a stable
// partition). The returned map lives only across one writer call; the
// slice order within each key is the per-symbol ordering the writer
// relies on.
func (b *Buffer) Group() map[string][]CandleRecord {
	batch := make(map[string][]CandleRecord)
	for _, r := range b.records {
		batch[r.Symbol] = append(batch[r.Symbol], r)
	}
	return batch
}
