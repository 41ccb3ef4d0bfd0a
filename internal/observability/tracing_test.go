package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTracer_Disabled(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{
		ServiceName: "test",
		Enabled:     false,
	})
	require.NoError(t, err)

	// A disabled tracer still produces usable no-op spans.
	ctx, span := tracer.StartSpan(context.Background(), "operation")
	assert.NotNil(t, ctx)
	span.End()

	assert.NoError(t, tracer.Shutdown(context.Background()))
}

func TestNewTracer_EnabledWithoutEndpoint(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{
		ServiceName:  "test",
		Enabled:      true,
		SamplingRate: 0.5,
	})
	require.NoError(t, err)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	_, span := tracer.StartSpan(context.Background(), "operation")
	span.End()
}

func TestTracingMiddleware(t *testing.T) {
	tracer, err := NewTracer(TracerConfig{
		ServiceName:  "test",
		Enabled:      true,
		SamplingRate: 1.0,
	})
	require.NoError(t, err)
	defer func() { _ = tracer.Shutdown(context.Background()) }()

	handler := TracingMiddleware(tracer)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}
