package observability

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestWithTraceContext(t *testing.T) {
	base, hook := test.NewNullLogger()
	logger := NewLoggerFrom(base)

	t.Run("no span leaves logger unchanged", func(t *testing.T) {
		hook.Reset()
		WithTraceContext(context.Background(), logger).Info("plain")
		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.NotContains(t, entry.Data, "trace_id")
	})

	t.Run("recording span adds ids", func(t *testing.T) {
		tp := sdktrace.NewTracerProvider()
		t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
		ctx, span := tp.Tracer("test").Start(context.Background(), "op")
		defer span.End()

		hook.Reset()
		WithTraceContext(ctx, logger).Info("traced")
		entry := hook.LastEntry()
		require.NotNil(t, entry)
		assert.Equal(t, span.SpanContext().TraceID().String(), entry.Data["trace_id"])
		assert.Equal(t, span.SpanContext().SpanID().String(), entry.Data["span_id"])
	})
}
