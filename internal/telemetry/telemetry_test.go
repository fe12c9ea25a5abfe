package telemetry

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"go.uber.org/zap/zapcore"
)

func TestPrometheusRecorderObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)
	ctx := context.Background()

	rec.Observe(ctx, "load", true, 5*time.Millisecond)
	rec.Observe(ctx, "load", true, 3*time.Millisecond)
	rec.Observe(ctx, "flush", false, time.Millisecond)

	require.InDelta(t, 2, promtestutil.ToFloat64(rec.operations.WithLabelValues("load", "success")), 0.001)
	require.InDelta(t, 1, promtestutil.ToFloat64(rec.operations.WithLabelValues("flush", "error")), 0.001)
}

func TestPrometheusRecorderSuspectHook(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)

	hook := rec.SuspectHook()
	hook("customer", 10)
	hook("customer", 11)

	require.InDelta(t, 2, promtestutil.ToFloat64(rec.suspects.WithLabelValues("customer")), 0.001)
}

func TestPrometheusRecorderDuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewPrometheusRecorder(reg)
	require.NoError(t, err)
	_, err = NewPrometheusRecorder(reg)
	require.Error(t, err)
}

func TestNewLoggerWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.log")
	logger, err := NewLogger(LogConfig{Level: "debug", Format: "json", OutputFile: path})
	require.NoError(t, err)
	logger.Info("started")
	require.NoError(t, logger.Sync())

	require.FileExists(t, path)
}

func TestNewLoggerDefaultsLevel(t *testing.T) {
	logger, err := NewLogger(LogConfig{Level: "not-a-level"})
	require.NoError(t, err)
	require.False(t, logger.Core().Enabled(zapcore.DebugLevel))
	require.True(t, logger.Core().Enabled(zapcore.InfoLevel))
}

func TestZapLoggerAdapter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	adapter := NewZapLogger(zap.New(core))

	adapter.Debug("loading", "key", "order/7")
	adapter.Warn("suspected N+1 access pattern", "path", "customer")
	adapter.Error("flush failed", "cause", "conflict")

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, "loading", entries[0].Message)
	require.Equal(t, zapcore.WarnLevel, entries[1].Level)
	require.Equal(t, "customer", entries[1].ContextMap()["path"])
}
