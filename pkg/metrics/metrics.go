// Package metrics implements the engine's Prometheus metric surface and
// the HTTP server that exposes it for scraping.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/bsamaha/kafka-candle-ingestion/pkg/ingest"
)

// Metrics registers and updates every collector the engine reports.
// It implements ingest.Recorder and ingest.CircuitBreakerObserver so it
// can be handed directly to the core components.
type Metrics struct {
	registry *prometheus.Registry

	messagesConsumed  *prometheus.CounterVec
	invalidMessages   *prometheus.CounterVec
	messagesInserted  *prometheus.CounterVec
	batchSize         prometheus.Histogram
	currentBatchSize  prometheus.Gauge
	consumerLag       *prometheus.GaugeVec
	partitionOffset   *prometheus.GaugeVec
	consumeLatency    prometheus.Histogram
	dbInsertLatency   prometheus.Histogram
	dbInsertErrors    *prometheus.CounterVec
	validationErrors  *prometheus.CounterVec
	breakerTrips      prometheus.Counter
	breakerState      prometheus.Gauge
	pollTimeout       prometheus.Gauge
	maxBatchSize      prometheus.Gauge
	retryQueueSize    prometheus.Gauge
	batchProcessing   *prometheus.CounterVec
	processingRate    prometheus.Histogram
	dbRecordsTotal    *prometheus.GaugeVec
	dbOldestTimestamp prometheus.Gauge
	dbNewestTimestamp prometheus.Gauge
}

// New builds a Metrics with every collector registered on a fresh
// registry. Using a private registry rather than the default one keeps
// tests from colliding on duplicate registration and keeps Go runtime
// collectors out of the scrape payload unless explicitly added.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		messagesConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_consumed_total",
			Help: "Messages pulled from the source, by symbol.",
		}, []string{"symbol"}),
		invalidMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "invalid_messages_total",
			Help: "Messages dropped at ingress, by reason (decode, validation).",
		}, []string{"reason"}),
		messagesInserted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "messages_inserted_total",
			Help: "Records successfully upserted into the sink, by symbol.",
		}, []string{"symbol"}),
		batchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "batch_size",
			Help:    "Number of records per flushed batch.",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10),
		}),
		currentBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "current_batch_size",
			Help: "Records currently buffered awaiting flush.",
		}),
		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "consumer_lag",
			Help: "end_offset - current_position, by partition.",
		}, []string{"partition"}),
		partitionOffset: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "partition_offset",
			Help: "Last processed offset, by partition.",
		}, []string{"partition"}),
		consumeLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "kafka_consume_latency_seconds",
			Help:    "Wall-clock duration of one source pull.",
			Buckets: prometheus.DefBuckets,
		}),
		dbInsertLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "db_insert_latency_seconds",
			Help:    "Wall-clock duration of one batch upsert.",
			Buckets: prometheus.DefBuckets,
		}),
		dbInsertErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "db_insert_errors_total",
			Help: "Sink write failures, by error type.",
		}, []string{"type"}),
		validationErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "data_validation_errors_total",
			Help: "Per-row coercion failures at the writer boundary.",
		}, []string{"field", "error_type"}),
		breakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "circuit_breaker_trips_total",
			Help: "Transitions from CLOSED to OPEN.",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Breaker state: 0=CLOSED, 1=HALF_OPEN, 2=OPEN.",
		}),
		pollTimeout: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "current_poll_timeout_seconds",
			Help: "Adaptive poll timeout currently in effect.",
		}),
		maxBatchSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "current_max_batch_size",
			Help: "Adaptive max batch size currently in effect.",
		}),
		retryQueueSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retry_queue_size",
			Help: "Records held in the in-memory retry queue.",
		}),
		batchProcessing: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "batch_processing_total",
			Help: "Batch outcomes, by status (success, retry, dropped, failed).",
		}, []string{"status"}),
		processingRate: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "message_processing_rate",
			Help:    "Records per second achieved by one flush.",
			Buckets: prometheus.ExponentialBuckets(100, 2, 12),
		}),
		dbRecordsTotal: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "db_records_total",
			Help: "Rows present at the sink, by symbol.",
		}, []string{"symbol"}),
		dbOldestTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_oldest_record_timestamp_seconds",
			Help: "Unix time of the oldest sink row.",
		}),
		dbNewestTimestamp: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "db_newest_record_timestamp_seconds",
			Help: "Unix time of the newest sink row.",
		}),
	}

	reg.MustRegister(
		m.messagesConsumed, m.invalidMessages, m.messagesInserted,
		m.batchSize, m.currentBatchSize, m.consumerLag, m.partitionOffset,
		m.consumeLatency, m.dbInsertLatency, m.dbInsertErrors,
		m.validationErrors, m.breakerTrips, m.breakerState,
		m.pollTimeout, m.maxBatchSize, m.retryQueueSize,
		m.batchProcessing, m.processingRate, m.dbRecordsTotal,
		m.dbOldestTimestamp, m.dbNewestTimestamp,
	)

	return m
}

// Registry exposes the underlying registry for the scrape handler.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) IncMessagesConsumed(symbol string) {
	m.messagesConsumed.WithLabelValues(symbol).Inc()
}

func (m *Metrics) IncInvalidMessages(reason string) {
	m.invalidMessages.WithLabelValues(reason).Inc()
}

func (m *Metrics) IncMessagesInserted(symbol string, n int) {
	m.messagesInserted.WithLabelValues(symbol).Add(float64(n))
}

func (m *Metrics) ObserveBatchSize(n int) {
	m.batchSize.Observe(float64(n))
}

func (m *Metrics) SetCurrentBatchSize(n int) {
	m.currentBatchSize.Set(float64(n))
}

func (m *Metrics) SetConsumerLag(partition int32, lag int64) {
	m.consumerLag.WithLabelValues(partitionLabel(partition)).Set(float64(lag))
}

func (m *Metrics) SetPartitionOffset(partition int32, offset int64) {
	m.partitionOffset.WithLabelValues(partitionLabel(partition)).Set(float64(offset))
}

func (m *Metrics) ObserveKafkaConsumeLatency(d time.Duration) {
	m.consumeLatency.Observe(d.Seconds())
}

func (m *Metrics) ObserveDbInsertLatency(d time.Duration) {
	m.dbInsertLatency.Observe(d.Seconds())
}

func (m *Metrics) IncDbInsertErrors(errorType string) {
	m.dbInsertErrors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) IncDataValidationErrors(field, errorType string) {
	m.validationErrors.WithLabelValues(field, errorType).Inc()
}

func (m *Metrics) IncCircuitBreakerTrips() {
	m.breakerTrips.Inc()
}

func (m *Metrics) SetCircuitBreakerState(s ingest.BreakerState) {
	m.breakerState.Set(float64(s))
}

func (m *Metrics) SetCurrentPollTimeout(d time.Duration) {
	m.pollTimeout.Set(d.Seconds())
}

func (m *Metrics) SetCurrentMaxBatchSize(n int) {
	m.maxBatchSize.Set(float64(n))
}

func (m *Metrics) SetRetryQueueSize(n int) {
	m.retryQueueSize.Set(float64(n))
}

func (m *Metrics) IncBatchProcessingTotal(status string) {
	m.batchProcessing.WithLabelValues(status).Inc()
}

func (m *Metrics) ObserveMessageProcessingRate(rate float64) {
	m.processingRate.Observe(rate)
}

func (m *Metrics) SetDbRecordsTotal(symbol string, count int64) {
	m.dbRecordsTotal.WithLabelValues(symbol).Set(float64(count))
}

func (m *Metrics) SetDbOldestRecord(t time.Time) {
	m.dbOldestTimestamp.Set(float64(t.Unix()))
}

func (m *Metrics) SetDbNewestRecord(t time.Time) {
	m.dbNewestTimestamp.Set(float64(t.Unix()))
}

// OnStateChange and OnTrip make Metrics a breaker observer so state
// transitions are reported even when they happen inside Execute, before
// the writer regains control.
func (m *Metrics) OnStateChange(state ingest.BreakerState) {
	m.SetCircuitBreakerState(state)
}

func (m *Metrics) OnTrip() {
	m.IncCircuitBreakerTrips()
}

func partitionLabel(partition int32) string {
	// Partition counts are small; fmt would allocate more than this
	// hand-rolled itoa on the hot path.
	if partition == 0 {
		return "0"
	}
	var buf [11]byte
	i := len(buf)
	n := partition
	neg := n < 0
	if neg {
		n = -n
	}
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
