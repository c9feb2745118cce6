package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/dunamismax/pixelfit/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
)

func TestSetupTracingDisabled(t *testing.T) {
	shutdown, err := SetupTracing(context.Background(), "pixelfit-test", config.TracingConfig{Exporter: "none"}, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetupTracingRejectsUnknownExporter(t *testing.T) {
	_, err := SetupTracing(context.Background(), "pixelfit-test", config.TracingConfig{Exporter: "zipkin"}, zap.NewNop())
	require.Error(t, err)

	_, err = SetupTracing(context.Background(), "pixelfit-test", config.TracingConfig{Exporter: "otlp"}, zap.NewNop())
	require.Error(t, err)
}

func TestSetupTracingStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := setupTracing(context.Background(), "pixelfit-test", config.TracingConfig{Exporter: "stdout", SampleRatio: 1}, zap.NewNop(), &buf)
	require.NoError(t, err)

	_, span := otel.Tracer("test").Start(context.Background(), "encode")
	span.End()
	require.NoError(t, shutdown(context.Background()))

	assert.Contains(t, buf.String(), `"Name": "encode"`)
	assert.Contains(t, buf.String(), "pixelfit-test")
}
