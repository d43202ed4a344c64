package observability_test

import (
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Sumatoshi-tech/mapfree/pkg/observability"
)

func TestInit_NoExporters_NoopProviders(t *testing.T) {
	providers, err := observability.Init(observability.DefaultConfig())
	require.NoError(t, err)

	require.NotNil(t, providers.Tracer)
	require.NotNil(t, providers.Meter)
	require.NotNil(t, providers.Logger)
	require.NotNil(t, providers.Shutdown)

	// No-op providers still hand out working instruments.
	_, span := providers.Tracer.Start(context.Background(), "noop")
	span.End()

	counter, err := providers.Meter.Int64Counter("noop.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestInit_MetricsAddr_ServesInstruments(t *testing.T) {
	cfg := observability.DefaultConfig()
	cfg.MetricsAddr = "127.0.0.1:0"

	providers, err := observability.Init(cfg)
	require.NoError(t, err)

	counter, err := providers.Meter.Int64Counter("mapfree.test.counter")
	require.NoError(t, err)
	counter.Add(context.Background(), 1)

	assert.NoError(t, providers.Shutdown(context.Background()))
}

func TestParseOTLPHeaders(t *testing.T) {
	t.Parallel()

	assert.Nil(t, observability.ParseOTLPHeaders(""))
	assert.Nil(t, observability.ParseOTLPHeaders("no-equals-sign"))

	headers := observability.ParseOTLPHeaders("authorization=Bearer abc, x-team = mapping ")
	require.Len(t, headers, 2)
	assert.Equal(t, "Bearer abc", headers["authorization"])
	assert.Equal(t, "mapping", headers["x-team"])
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	assert.Equal(t, slog.LevelDebug, observability.ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelInfo, observability.ParseLogLevel("info"))
	assert.Equal(t, slog.LevelWarn, observability.ParseLogLevel("warn"))
	assert.Equal(t, slog.LevelWarn, observability.ParseLogLevel("warning"))
	assert.Equal(t, slog.LevelError, observability.ParseLogLevel("error"))
	assert.Equal(t, slog.LevelInfo, observability.ParseLogLevel("chatty"))
}
