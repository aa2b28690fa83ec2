// Command ingestor runs the candle ingestion engine: it consumes candle
// messages from Kafka and upserts them into TimescaleDB with adaptive
// batching, circuit breaking and a bounded retry queue.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/bsamaha/kafka-candle-ingestion/pkg/config"
	"github.com/bsamaha/kafka-candle-ingestion/pkg/ingest"
	"github.com/bsamaha/kafka-candle-ingestion/pkg/kafka"
	"github.com/bsamaha/kafka-candle-ingestion/pkg/log"
	"github.com/bsamaha/kafka-candle-ingestion/pkg/metrics"
	"github.com/bsamaha/kafka-candle-ingestion/pkg/pgsink"
)

// maintenanceInterval spaces the periodic retention cleanup and vacuum.
const maintenanceInterval = 24 * time.Hour

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: %v\n", err)
		return 1
	}

	logger, err := log.New("ingestor")
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed: logger: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := pgsink.Connect(ctx, cfg.TimescaleDB, logger)
	if err != nil {
		logger.Error("sink_connect_failed", zap.Error(err))
		return 1
	}
	defer pool.Close()

	m := metrics.New()
	server := metrics.NewServer(cfg.MetricsPort, m, logger)
	server.Start()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	breaker := ingest.NewCircuitBreaker(ingest.BreakerConfig{
		FailureThreshold: cfg.CircuitBreaker.FailureThreshold,
		ResetTimeout:     cfg.CircuitBreaker.ResetTimeout,
	}, m)
	retryQueue := ingest.NewRetryQueue(cfg.RetryQueueLimit)
	writer := ingest.NewDatabaseWriter(pool, breaker, retryQueue, logger.Named("writer"), m)

	controller := ingest.NewAdaptiveController(ingest.ControllerBounds{
		LatencyThresholdHigh: cfg.DynamicPolling.LatencyThresholdHigh,
		LatencyThresholdLow:  cfg.DynamicPolling.LatencyThresholdLow,
		PollTimeoutMin:       cfg.DynamicPolling.PollTimeoutMin,
		PollTimeoutMax:       cfg.DynamicPolling.PollTimeoutMax,
		BatchSizeMin:         cfg.DynamicPolling.BatchSizeMin,
		BatchSizeMax:         cfg.DynamicPolling.BatchSizeMax,
	}, cfg.Kafka.InitialPollTimeout, cfg.Kafka.InitialMaxBatch)

	buffer := ingest.NewBuffer(cfg.Kafka.InitialMaxBatch)
	processor := ingest.NewMessageProcessor(buffer, controller, writer, cfg.Insert, logger.Named("processor"), m)

	source := kafka.NewConsumer(cfg.Kafka, logger.Named("kafka"))
	loop := ingest.NewConsumerLoop(source, processor, controller, logger.Named("consumer"), m)

	go maintain(ctx, writer, logger.Named("maintenance"))

	logger.Info("engine_started",
		zap.String("topic", cfg.Kafka.Topic),
		zap.Int("metrics_port", cfg.MetricsPort))

	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("engine_failed", zap.Error(err))
		return 1
	}

	logger.Info("engine_stopped")
	return 0
}

// maintain runs the sink's retention cleanup and vacuum on a daily
// ticker. Failures are logged and retried on the next tick; maintenance
// must never take the ingestion path down.
func maintain(ctx context.Context, writer *ingest.DatabaseWriter, logger *zap.Logger) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writer.Cleanup(ctx); err != nil {
				logger.Error("cleanup_failed", zap.Error(err))
				continue
			}
			if err := writer.VacuumAnalyze(ctx); err != nil {
				logger.Error("vacuum_analyze_failed", zap.Error(err))
				continue
			}
			if stats, err := writer.GetStats(ctx); err == nil {
				logger.Info("maintenance_complete",
					zap.Int64("total_records", stats.TotalRecords),
					zap.Int64("unique_symbols", stats.UniqueSymbols),
					zap.Time("oldest_record", stats.OldestRecord),
					zap.Time("newest_record", stats.NewestRecord))
			}
		}
	}
}
