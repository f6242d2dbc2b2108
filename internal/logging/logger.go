package logging

import (
	"go.uber.org/zap"
)

// NewLogger builds a production ready structured logger at the given level.
// An empty or unknown level falls back to info.
func NewLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "timestamp"
	if lvl, err := zap.ParseAtomicLevel(level); err == nil {
		cfg.Level = lvl
	}
	return cfg.Build()
}

// WithOperation enriches the logger with operation and job identifiers.
func WithOperation(logger *zap.Logger, operation, jobID string) *zap.Logger {
	fields := []zap.Field{zap.String("operation", operation)}
	if jobID != "" {
		fields = append(fields, zap.String("job_id", jobID))
	}
	return logger.With(fields...)
}
