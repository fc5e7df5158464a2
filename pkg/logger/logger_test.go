package logger

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContext(t *testing.T) {
	for _, tc := range []struct {
		name          string
		expectedLevel zapcore.Level
		log           func(Logger, context.Context, string)
	}{
		{
			name:          "InfoWithContext",
			expectedLevel: zapcore.InfoLevel,
			log:           func(l Logger, ctx context.Context, m string) { l.InfoWithContext(ctx, m) },
		},
		{
			name:          "DebugWithContext",
			expectedLevel: zapcore.DebugLevel,
			log:           func(l Logger, ctx context.Context, m string) { l.DebugWithContext(ctx, m) },
		},
		{
			name:          "WarnWithContext",
			expectedLevel: zapcore.WarnLevel,
			log:           func(l Logger, ctx context.Context, m string) { l.WarnWithContext(ctx, m) },
		},
		{
			name:          "ErrorWithContext",
			expectedLevel: zapcore.ErrorLevel,
			log:           func(l Logger, ctx context.Context, m string) { l.ErrorWithContext(ctx, m) },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			observerLogger, logs := observer.New(zap.DebugLevel)
			dut := &ZapLogger{zap.New(observerLogger)}
			const testMessage = "ABC"

			tc.log(dut, context.Background(), testMessage)
			require.Equal(t, 1, logs.Len())

			actualMessage := logs.All()[0]
			require.Equal(t, testMessage, actualMessage.Message)
			require.Empty(t, actualMessage.ContextMap())
			require.Equal(t, tc.expectedLevel, actualMessage.Level)
		})
	}
}

func TestWithContextAttachesTraceID(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	ctx, span := tp.Tracer("test").Start(context.Background(), "span")
	defer span.End()

	l, logs := NewObserverLogger("debug")
	l.InfoWithContext(ctx, "traced")

	entry := logs.All()[0]
	require.Equal(t, span.SpanContext().TraceID().String(), entry.ContextMap()["trace_id"])
}

func TestWithFields(t *testing.T) {
	observerLogger, logs := observer.New(zap.DebugLevel)
	logger := &ZapLogger{zap.New(observerLogger)}

	const testMessage = "ABC"

	newLogger := logger.With(
		zap.String("job_id", "01J"),
	)

	newLogger.Info(testMessage)

	// Check that child message carries the context fields
	childMessage := logs.All()[0]
	require.Equal(t, map[string]interface{}{"job_id": "01J"}, childMessage.ContextMap())

	// Check that parent message does not carry the context fields
	logger.Info(testMessage)
	parentMessage := logs.All()[1]
	require.Empty(t, parentMessage.ContextMap())
}

func TestNewLogger(t *testing.T) {
	_, err := NewLogger("json", "verbose")
	require.EqualError(t, err, "unknown log level: verbose")

	_, err = NewLogger("xml", "info")
	require.EqualError(t, err, "unknown log format: xml")

	l, err := NewLogger("text", "none")
	require.NoError(t, err)
	require.NotNil(t, l)

	l, err = NewLogger("json", "warn")
	require.NoError(t, err)
	require.False(t, l.Core().Enabled(zapcore.InfoLevel))
}
