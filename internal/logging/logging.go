// Package logging constructs the engine-wide zap logger. Every actor takes
// a *zap.SugaredLogger scoped with its component name.
package logging

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a zap production (JSON-encoded) logger at the given level name
// ("debug", "info", "warn", "error"). An unrecognized level falls back to
// info.
func New(level string) (*zap.Logger, error) {
	lvl := zapcore.InfoLevel
	_ = lvl.Set(level) // unrecognized level name falls back to info

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// Component returns a SugaredLogger scoped to a named actor ("supervisor",
// "peeractor", "diskmgr", "tracker", ...).
func Component(base *zap.Logger, name string) *zap.SugaredLogger {
	return base.Named(name).Sugar()
}

// Noop returns a logger that discards everything, used by tests that don't
// want log noise but still need to satisfy a *zap.SugaredLogger parameter.
func Noop() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}
