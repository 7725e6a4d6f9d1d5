// Package logging provides logger initialization for the governor binary.
package logging

import (
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
)

// NewLogger creates a logr.Logger backed by Zap.
// level "debug" or "trace" selects a development config with debug-level
// output; any other value selects the production config. An empty level
// falls back to the LOG_LEVEL environment variable.
// Returns the logger and a sync function the caller should defer.
func NewLogger(level string) (logr.Logger, func(), error) {
	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	zapLog, err := newZapLogger(level)
	if err != nil {
		return logr.Logger{}, nil, err
	}
	sync := func() { _ = zapLog.Sync() }
	return zapr.NewLogger(zapLog), sync, nil
}

func newZapLogger(level string) (*zap.Logger, error) {
	switch level {
	case "debug", "trace":
		cfg := zap.NewDevelopmentConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
		return cfg.Build()
	case "error":
		cfg := zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
		return cfg.Build()
	default:
		return zap.NewProduction()
	}
}
