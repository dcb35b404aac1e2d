package bus

import (
	"context"

	"go.opentelemetry.io/otel/propagation"
)

// injectTrace returns a copy of headers carrying the span context of ctx.
func injectTrace(ctx context.Context, prop propagation.TextMapPropagator, headers map[string]string) map[string]string {
	carrier := make(propagation.MapCarrier, len(headers)+2)
	for k, v := range headers {
		carrier[k] = v
	}
	prop.Inject(ctx, carrier)
	return carrier
}

// extractTrace returns ctx with the remote span context found in headers.
func extractTrace(ctx context.Context, prop propagation.TextMapPropagator, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}
	return prop.Extract(ctx, propagation.MapCarrier(headers))
}
