// Package logging builds the structured logger shared by the server and
// client. Components receive a logr.Logger and pick their verbosity with
// logger.V(level).
package logging

import (
	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	DEFAULT = 0
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// NewLogger returns a zap backed logger that emits entries up to the given
// verbosity. Development mode switches to the console encoder.
func NewLogger(level int, development bool) (logr.Logger, error) {
	cfg := zap.NewProductionConfig()
	if development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-level))
	cfg.DisableStacktrace = !development

	zl, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}
	return zapr.NewLogger(zl), nil
}

// NewTestLogger returns a development logger at TRACE verbosity.
func NewTestLogger() logr.Logger {
	logger, err := NewLogger(TRACE, true)
	if err != nil {
		return logr.Discard()
	}
	return logger
}
