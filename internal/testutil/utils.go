package testutil

import (
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogger(t *testing.T) *zap.SugaredLogger {
	return zaptest.NewLogger(t, zaptest.Level(zapcore.DebugLevel)).Sugar()
}

// ObservedLogger returns a logger whose entries can be inspected by the test.
func ObservedLogger(t *testing.T) (*zap.SugaredLogger, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.DebugLevel)
	tee := zapcore.NewTee(core, zaptest.NewLogger(t).Core())
	return zap.New(tee).Sugar(), logs
}
