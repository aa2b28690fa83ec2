package ingest

import "time"

// Recorder is the metrics surface every ingestion component writes
// through. It is implemented by pkg/metrics.Metrics, backed by
// prometheus/client_golang collectors; tests use a no-op or counting
// fake so the core packages never import the metrics package directly.
// Updates happen explicitly at call sites rather than through ambient
// global counters.
type Recorder interface {
	IncMessagesConsumed(symbol string)
	IncInvalidMessages(reason string)
	IncMessagesInserted(symbol string, n int)
	ObserveBatchSize(n int)
	SetCurrentBatchSize(n int)
	SetConsumerLag(partition int32, lag int64)
	SetPartitionOffset(partition int32, offset int64)
	ObserveKafkaConsumeLatency(d time.Duration)
	ObserveDbInsertLatency(d time.Duration)
	IncDbInsertErrors(errorType string)
	IncDataValidationErrors(field, errorType string)
	IncCircuitBreakerTrips()
	SetCircuitBreakerState(s BreakerState)
	SetCurrentPollTimeout(d time.Duration)
	SetCurrentMaxBatchSize(n int)
	SetRetryQueueSize(n int)
	IncBatchProcessingTotal(status string)
	ObserveMessageProcessingRate(rate float64)
	SetDbRecordsTotal(symbol string, count int64)
	SetDbOldestRecord(t time.Time)
	SetDbNewestRecord(t time.Time)
}

// NopRecorder discards every metric. Useful in tests that only care
// about control flow.
type NopRecorder struct{}

func (NopRecorder) IncMessagesConsumed(string)                {}
func (NopRecorder) IncInvalidMessages(string)                  {}
func (NopRecorder) IncMessagesInserted(string, int)            {}
func (NopRecorder) ObserveBatchSize(int)                       {}
func (NopRecorder) SetCurrentBatchSize(int)                    {}
func (NopRecorder) SetConsumerLag(int32, int64)                {}
func (NopRecorder) SetPartitionOffset(int32, int64)            {}
func (NopRecorder) ObserveKafkaConsumeLatency(time.Duration)   {}
func (NopRecorder) ObserveDbInsertLatency(time.Duration)       {}
func (NopRecorder) IncDbInsertErrors(string)                   {}
func (NopRecorder) IncDataValidationErrors(string, string)     {}
func (NopRecorder) IncCircuitBreakerTrips()                    {}
func (NopRecorder) SetCircuitBreakerState(BreakerState)        {}
func (NopRecorder) SetCurrentPollTimeout(time.Duration)        {}
func (NopRecorder) SetCurrentMaxBatchSize(int)                 {}
func (NopRecorder) SetRetryQueueSize(int)                      {}
func (NopRecorder) IncBatchProcessingTotal(string)              {}
func (NopRecorder) ObserveMessageProcessingRate(float64)       {}
func (NopRecorder) SetDbRecordsTotal(string, int64)            {}
func (NopRecorder) SetDbOldestRecord(time.Time)                {}
func (NopRecorder) SetDbNewestRecord(time.Time)                {}
