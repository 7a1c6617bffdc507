package observability_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/example/richtext-sync/internal/observability"
)

func TestLoggerWithTrace(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := zerolog.New(&buf)

	// No span: the logger is returned unchanged.
	plain := observability.LoggerWithTrace(context.Background(), logger)
	plain.Info().Msg("plain")
	require.NotContains(t, buf.String(), "trace_id")

	provider := sdktrace.NewTracerProvider()
	defer func() { _ = provider.Shutdown(context.Background()) }()
	ctx, span := provider.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	buf.Reset()
	traced := observability.LoggerWithTrace(ctx, logger)
	traced.Info().Msg("traced")
	require.Contains(t, buf.String(), span.SpanContext().TraceID().String())
}

func TestHTTPMiddleware(t *testing.T) {
	t.Parallel()

	r := mux.NewRouter()
	r.Use(observability.HTTPMiddleware(zerolog.Nop()))
	r.HandleFunc("/documents/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/documents/a", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
}
