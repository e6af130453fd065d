// Package logging provides the broker's process-wide structured logger.
package logging

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.Mutex
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	logger = buildBase()
)

func buildBase() *zap.Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build()
	if err != nil {
		panic(err)
	}
	return l
}

// S returns the process-wide sugared logger.
func S() *zap.SugaredLogger {
	mu.Lock()
	defer mu.Unlock()
	return logger.Sugar()
}

// SetLevel adjusts the minimum level for subsequently emitted log lines.
func SetLevel(l zapcore.Level) {
	level.SetLevel(l)
}

// NewLogger builds a logger that writes to the base production sinks plus
// the given extra write syncer, tagged with the given fields.
func NewLogger(extra zapcore.WriteSyncer, fields ...zap.Field) *zap.Logger {
	mu.Lock()
	base := logger
	mu.Unlock()

	core := zapcore.NewTee(
		base.Core(),
		zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), extra, level),
	)
	return zap.New(core).With(fields...)
}
