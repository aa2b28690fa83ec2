// Package config resolves the engine's environment-driven configuration
// surface into one immutable value built at startup. No component reads
// the environment directly; Load is called once in cmd/ingestor and the
// resulting Config is passed by reference into every component.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// KafkaConfig is the source endpoint/identity and the controller's
// initial state.
type KafkaConfig struct {
	BootstrapServers   string
	Topic              string
	GroupID            string
	InitialPollTimeout time.Duration
	InitialMaxBatch    int
}

// TimescaleConfig is the sink endpoint, credentials and pool sizing.
type TimescaleConfig struct {
	Host              string
	Port              int
	Database          string
	User              string
	Password          string
	PoolSize          int
	ConnectionTimeout time.Duration
}

// InsertConfig holds the processor's time-based flush trigger and its
// insert-failure retry policy. BatchSize is loaded and validated but not
// read by the processor, whose size trigger is the AdaptiveController's
// current max batch size.
type InsertConfig struct {
	BatchSize     int
	TimeInterval  time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

// DynamicPollingConfig bounds and thresholds the AdaptiveController.
type DynamicPollingConfig struct {
	LatencyThresholdHigh time.Duration
	LatencyThresholdLow  time.Duration
	PollTimeoutMin       time.Duration
	PollTimeoutMax       time.Duration
	BatchSizeMin         int
	BatchSizeMax         int
}

// CircuitBreakerConfig configures the breaker's trip/reset behavior.
type CircuitBreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
	HalfOpenTimeout  time.Duration
}

// Config is the engine's full, validated configuration surface.
type Config struct {
	Kafka           KafkaConfig
	TimescaleDB     TimescaleConfig
	Insert          InsertConfig
	DynamicPolling  DynamicPollingConfig
	CircuitBreaker  CircuitBreakerConfig
	MetricsPort     int
	RetryQueueLimit int
}

// ConfigurationError is raised by Load/Validate on any invalid
// configuration value; cmd/ingestor treats it as a fatal startup error
// with exit code 1.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error: %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func configErr(field string, err error) error {
	return &ConfigurationError{Field: field, Err: err}
}

// Default returns a Config populated with the reference implementation's
// defaults, before any environment variables are applied.
func Default() Config {
	return Config{
		Kafka: KafkaConfig{
			BootstrapServers:   "localhost:9092",
			Topic:              "market-data-candles",
			GroupID:            "kafka-candle-ingestion",
			InitialPollTimeout: time.Second,
			InitialMaxBatch:    500,
		},
		TimescaleDB: TimescaleConfig{
			Host:              "localhost",
			Port:              5432,
			Database:          "market_data",
			User:              "postgres",
			Password:          "",
			PoolSize:          10,
			ConnectionTimeout: 10 * time.Second,
		},
		Insert: InsertConfig{
			BatchSize:     500,
			TimeInterval:  5 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    500 * time.Millisecond,
		},
		DynamicPolling: DynamicPollingConfig{
			LatencyThresholdHigh: 500 * time.Millisecond,
			LatencyThresholdLow:  100 * time.Millisecond,
			PollTimeoutMin:       100 * time.Millisecond,
			PollTimeoutMax:       5 * time.Second,
			BatchSizeMin:         50,
			BatchSizeMax:         5000,
		},
		CircuitBreaker: CircuitBreakerConfig{
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			HalfOpenTimeout:  30 * time.Second,
		},
		MetricsPort:     9090,
		RetryQueueLimit: 10000,
	}
}

// Load resolves Config from the process environment, layered over
// Default(), then validates it. It is the only place in the engine that
// calls os.Getenv.
func Load() (Config, error) {
	cfg := Default()

	if v := os.Getenv("KAFKA_BOOTSTRAP_SERVERS"); v != "" {
		cfg.Kafka.BootstrapServers = v
	}
	if v := os.Getenv("KAFKA_TOPIC"); v != "" {
		cfg.Kafka.Topic = v
	}
	if v := os.Getenv("KAFKA_GROUP_ID"); v != "" {
		cfg.Kafka.GroupID = v
	}
	if v, ok, err := getDuration("KAFKA_INITIAL_POLL_TIMEOUT"); err != nil {
		return cfg, err
	} else if ok {
		cfg.Kafka.InitialPollTimeout = v
	}
	if v, ok, err := getInt("KAFKA_INITIAL_MAX_BATCH_SIZE"); err != nil {
		return cfg, err
	} else if ok {
		cfg.Kafka.InitialMaxBatch = v
	}

	if v := os.Getenv("TIMESCALEDB_HOST"); v != "" {
		cfg.TimescaleDB.Host = v
	}
	if v, ok, err := getInt("TIMESCALEDB_PORT"); err != nil {
		return cfg, err
	} else if ok {
		cfg.TimescaleDB.Port = v
	}
	if v := os.Getenv("TIMESCALEDB_DATABASE"); v != "" {
		cfg.TimescaleDB.Database = v
	}
	if v := os.Getenv("TIMESCALEDB_USER"); v != "" {
		cfg.TimescaleDB.User = v
	}
	if v := os.Getenv("TIMESCALEDB_PASSWORD"); v != "" {
		cfg.TimescaleDB.Password = v
	}
	if v, ok, err := getInt("TIMESCALEDB_POOL_SIZE"); err != nil {
		return cfg, err
	} else if ok {
		cfg.TimescaleDB.PoolSize = v
	}
	if v, ok, err := getDuration("TIMESCALEDB_CONNECTION_TIMEOUT"); err != nil {
		return cfg, err
	} else if ok {
		cfg.TimescaleDB.ConnectionTimeout = v
	}

	if v, ok, err := getInt("INSERT_BATCH_SIZE"); err != nil {
		return cfg, err
	} else if ok {
		cfg.Insert.BatchSize = v
	}
	if v, ok, err := getDuration("INSERT_TIME_INTERVAL"); err != nil {
		return cfg, err
	} else if ok {
		cfg.Insert.TimeInterval = v
	}
	if v, ok, err := getInt("INSERT_RETRY_ATTEMPTS"); err != nil {
		return cfg, err
	} else if ok {
		cfg.Insert.RetryAttempts = v
	}
	if v, ok, err := getDuration("INSERT_RETRY_DELAY"); err != nil {
		return cfg, err
	} else if ok {
		cfg.Insert.RetryDelay = v
	}

	if v, ok, err := getDuration("LATENCY_THRESHOLD_HIGH"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DynamicPolling.LatencyThresholdHigh = v
	}
	if v, ok, err := getDuration("LATENCY_THRESHOLD_LOW"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DynamicPolling.LatencyThresholdLow = v
	}
	if v, ok, err := getDuration("POLL_TIMEOUT_MIN"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DynamicPolling.PollTimeoutMin = v
	}
	if v, ok, err := getDuration("POLL_TIMEOUT_MAX"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DynamicPolling.PollTimeoutMax = v
	}
	if v, ok, err := getInt("BATCH_SIZE_MIN"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DynamicPolling.BatchSizeMin = v
	}
	if v, ok, err := getInt("BATCH_SIZE_MAX"); err != nil {
		return cfg, err
	} else if ok {
		cfg.DynamicPolling.BatchSizeMax = v
	}

	if v, ok, err := getInt("CB_FAILURE_THRESHOLD"); err != nil {
		return cfg, err
	} else if ok {
		cfg.CircuitBreaker.FailureThreshold = v
	}
	if v, ok, err := getDuration("CB_RESET_TIMEOUT"); err != nil {
		return cfg, err
	} else if ok {
		cfg.CircuitBreaker.ResetTimeout = v
	}
	if v, ok, err := getDuration("CB_HALF_OPEN_TIMEOUT"); err != nil {
		return cfg, err
	} else if ok {
		cfg.CircuitBreaker.HalfOpenTimeout = v
	}

	if v, ok, err := getInt("METRICS_PORT"); err != nil {
		return cfg, err
	} else if ok {
		cfg.MetricsPort = v
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func getInt(key string) (int, bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, configErr(key, fmt.Errorf("invalid integer %q: %w", raw, err))
	}
	return n, true, nil
}

func getDuration(key string) (time.Duration, bool, error) {
	raw := os.Getenv(key)
	if raw == "" {
		return 0, false, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		// Accept bare seconds (as floats) for parity with the original
		// Python config surface, which stored these as plain numbers.
		if secs, serr := strconv.ParseFloat(raw, 64); serr == nil {
			return time.Duration(secs * float64(time.Second)), true, nil
		}
		return 0, false, configErr(key, fmt.Errorf("invalid duration %q: %w", raw, err))
	}
	return d, true, nil
}

// Validate checks every fatal startup condition: missing endpoint
// identity, non-positive poll timeout, pool size outside 1-100,
// non-positive batch size, inverted controller bounds.
func (c Config) Validate() error {
	if c.Kafka.BootstrapServers == "" {
		return configErr("KAFKA_BOOTSTRAP_SERVERS", fmt.Errorf("must not be empty"))
	}
	if c.Kafka.Topic == "" {
		return configErr("KAFKA_TOPIC", fmt.Errorf("must not be empty"))
	}
	if c.Kafka.GroupID == "" {
		return configErr("KAFKA_GROUP_ID", fmt.Errorf("must not be empty"))
	}
	if c.Kafka.InitialPollTimeout <= 0 {
		return configErr("KAFKA_INITIAL_POLL_TIMEOUT", fmt.Errorf("must be positive, got %v", c.Kafka.InitialPollTimeout))
	}
	if c.Kafka.InitialMaxBatch <= 0 {
		return configErr("KAFKA_INITIAL_MAX_BATCH_SIZE", fmt.Errorf("must be positive, got %d", c.Kafka.InitialMaxBatch))
	}

	if c.TimescaleDB.Host == "" {
		return configErr("TIMESCALEDB_HOST", fmt.Errorf("must not be empty"))
	}
	if c.TimescaleDB.PoolSize < 1 || c.TimescaleDB.PoolSize > 100 {
		return configErr("TIMESCALEDB_POOL_SIZE", fmt.Errorf("must be between 1 and 100, got %d", c.TimescaleDB.PoolSize))
	}
	if c.TimescaleDB.ConnectionTimeout <= 0 {
		return configErr("TIMESCALEDB_CONNECTION_TIMEOUT", fmt.Errorf("must be positive, got %v", c.TimescaleDB.ConnectionTimeout))
	}

	if c.Insert.BatchSize <= 0 {
		return configErr("INSERT_BATCH_SIZE", fmt.Errorf("must be positive, got %d", c.Insert.BatchSize))
	}
	if c.Insert.TimeInterval <= 0 {
		return configErr("INSERT_TIME_INTERVAL", fmt.Errorf("must be positive, got %v", c.Insert.TimeInterval))
	}
	if c.Insert.RetryAttempts < 0 {
		return configErr("INSERT_RETRY_ATTEMPTS", fmt.Errorf("must not be negative, got %d", c.Insert.RetryAttempts))
	}
	if c.Insert.RetryDelay <= 0 {
		return configErr("INSERT_RETRY_DELAY", fmt.Errorf("must be positive, got %v", c.Insert.RetryDelay))
	}

	dp := c.DynamicPolling
	if dp.PollTimeoutMin <= 0 || dp.PollTimeoutMax <= 0 || dp.PollTimeoutMin > dp.PollTimeoutMax {
		return configErr("POLL_TIMEOUT_MIN/MAX", fmt.Errorf("invalid bounds [%v, %v]", dp.PollTimeoutMin, dp.PollTimeoutMax))
	}
	if dp.BatchSizeMin <= 0 || dp.BatchSizeMax <= 0 || dp.BatchSizeMin > dp.BatchSizeMax {
		return configErr("BATCH_SIZE_MIN/MAX", fmt.Errorf("invalid bounds [%d, %d]", dp.BatchSizeMin, dp.BatchSizeMax))
	}
	if dp.LatencyThresholdLow <= 0 || dp.LatencyThresholdHigh <= 0 || dp.LatencyThresholdLow > dp.LatencyThresholdHigh {
		return configErr("LATENCY_THRESHOLD_LOW/HIGH", fmt.Errorf("invalid bounds [%v, %v]", dp.LatencyThresholdLow, dp.LatencyThresholdHigh))
	}
	if c.Kafka.InitialPollTimeout < dp.PollTimeoutMin || c.Kafka.InitialPollTimeout > dp.PollTimeoutMax {
		return configErr("KAFKA_INITIAL_POLL_TIMEOUT", fmt.Errorf("initial poll timeout %v outside controller bounds [%v, %v]", c.Kafka.InitialPollTimeout, dp.PollTimeoutMin, dp.PollTimeoutMax))
	}
	if c.Kafka.InitialMaxBatch < dp.BatchSizeMin || c.Kafka.InitialMaxBatch > dp.BatchSizeMax {
		return configErr("KAFKA_INITIAL_MAX_BATCH_SIZE", fmt.Errorf("initial max batch size %d outside controller bounds [%d, %d]", c.Kafka.InitialMaxBatch, dp.BatchSizeMin, dp.BatchSizeMax))
	}

	cb := c.CircuitBreaker
	if cb.FailureThreshold <= 0 {
		return configErr("CB_FAILURE_THRESHOLD", fmt.Errorf("must be positive, got %d", cb.FailureThreshold))
	}
	if cb.ResetTimeout <= 0 {
		return configErr("CB_RESET_TIMEOUT", fmt.Errorf("must be positive, got %v", cb.ResetTimeout))
	}

	if c.MetricsPort <= 0 || c.MetricsPort > 65535 {
		return configErr("METRICS_PORT", fmt.Errorf("must be a valid port, got %d", c.MetricsPort))
	}
	if c.RetryQueueLimit <= 0 {
		return configErr("RETRY_QUEUE_LIMIT", fmt.Errorf("must be positive, got %d", c.RetryQueueLimit))
	}

	return nil
}
