package otel

import (
	"bytes"
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
)

func TestSetup(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
		version     string
		enabled     bool
	}{
		{"enabled", "memguard", "1.0.0", true},
		{"dev version", "memguard", "dev", true},
		{"disabled", "memguard", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			shutdown, err := Setup(tt.serviceName, tt.version, tt.enabled, io.Discard)
			require.NoError(t, err)
			require.NotNil(t, shutdown, "shutdown function must not be nil")

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()
			assert.NoError(t, shutdown(ctx))
		})
	}
}

func TestTracer_CreatesValidSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Setup("memguard", "0.0.1", true, &buf)
	require.NoError(t, err)

	tr := Tracer("github.com/dativo-io/memguard/internal/otel/test")
	_, span := tr.Start(context.Background(), "test.operation")
	assert.True(t, span.SpanContext().IsValid(), "span context should be valid after Setup()")
	assert.True(t, span.SpanContext().HasTraceID())
	span.End()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, shutdown(ctx))
	assert.Contains(t, buf.String(), "test.operation")
	assert.Contains(t, buf.String(), "service.name", "resource carries semconv service attributes")
	assert.Contains(t, buf.String(), "0.0.1")
}

func TestTracer_NoopWithoutSetup(t *testing.T) {
	tr := Tracer("github.com/dativo-io/memguard/internal/noop")
	_, span := tr.Start(context.Background(), "noop.operation")
	defer span.End()

	assert.Implements(t, (*trace.Span)(nil), span)
}
