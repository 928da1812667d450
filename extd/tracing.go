package extd

import (
	"context"

	"github.com/yusufsyaifudin/ylog"
	jaegerPropagator "go.opentelemetry.io/contrib/propagators/jaeger"
	"go.opentelemetry.io/contrib/propagators/ot"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/jaeger"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/yusufsyaifudin/saiyoumail/assets"
	"github.com/yusufsyaifudin/saiyoumail/container"
	"github.com/yusufsyaifudin/saiyoumail/pkg/tracer"
)

// setupTracing installs the global tracer provider. Spans are exported to jaeger only when an
// endpoint is configured. The returned func flushes pending spans.
func setupTracing(ctx context.Context, cfg container.ConfigTracing) func(ctx context.Context) error {
	var exp sdktrace.SpanExporter
	if cfg.JaegerEndpoint != "" {
		jaegerExp, err := jaeger.New(
			jaeger.WithCollectorEndpoint(jaeger.WithEndpoint(cfg.JaegerEndpoint)),
		)
		if err != nil {
			ylog.Error(ctx, "cannot setup jaeger exporter, spans stay in process", ylog.KV("error", err))
		} else {
			exp = jaegerExp
		}
	}

	tp := tracer.InitTraceProvider(assets.ServiceName, cfg.Environment, exp)

	// register ot propagator
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		&ot.OT{},
		&jaegerPropagator.Jaeger{},
	))

	return tp.Shutdown
}
