package tracer_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"

	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
)

func TestMiddleware(t *testing.T) {
	tp := sdktrace.NewTracerProvider()
	defer func() { _ = tp.Shutdown(context.Background()) }()

	var spanSeen bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		spanSeen = trace.SpanContextFromContext(r.Context()).IsValid()
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"ok":true}`))
	})

	h := tracer.Middleware(tracer.MiddlewareConfig{
		TracerName:     "test",
		ServiceName:    "saiyoumail",
		TracerProvider: tp,
		TextPropagator: propagation.TraceContext{},
	}, next)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/get_processes", nil))

	assert.True(t, spanSeen)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Test"))
	assert.NotEmpty(t, rec.Header().Get("traceparent"))
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
}

func TestMiddleware_InvalidConfigPassesThrough(t *testing.T) {
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})

	rec := httptest.NewRecorder()
	tracer.Middleware(tracer.MiddlewareConfig{}, next).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
