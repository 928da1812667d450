package respbuilder

import "context"

// Tracer is the per-request data echoed back in every response.
type Tracer struct {
	RemoteAddr string
	AppTraceID string
	Method     string
	Path       string
}

type tracerCtxKey struct{}

// Inject returns a copy of ctx carrying t.
func Inject(ctx context.Context, t Tracer) context.Context {
	return context.WithValue(ctx, tracerCtxKey{}, t)
}

// Extract returns the Tracer of the request in ctx.
func Extract(ctx context.Context) (Tracer, bool) {
	t, ok := ctx.Value(tracerCtxKey{}).(Tracer)
	return t, ok
}

// MustExtract is Extract returning the zero Tracer outside a request.
func MustExtract(ctx context.Context) Tracer {
	t, _ := Extract(ctx)
	return t
}

// TraceID is the trace id of the request in ctx, empty outside a request.
func TraceID(ctx context.Context) string {
	return MustExtract(ctx).AppTraceID
}
