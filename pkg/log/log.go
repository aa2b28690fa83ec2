// Package log builds the structured JSON logger shared by every component
// of the ingestion engine.
package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger with ISO-8601 timestamps, the same
// encoder configuration the rest of the stack's Go services use, and
// attaches a "component" field so log lines can be filtered per subsystem.
func New(component string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	return logger.With(zap.String("component", component)), nil
}

// Nop returns a logger that discards everything, for tests that don't care
// about log output.
func Nop() *zap.Logger {
	return zap.NewNop()
}
