package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

func TestInitInstallsProviders(t *testing.T) {
	ctx := context.Background()
	p, err := Init(ctx, Config{ServiceName: "dslpng-test", Version: "test", Registerer: prometheus.NewRegistry()})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer)
	require.NotNil(t, p.Meter)

	again, err := Init(ctx, Config{ServiceName: "ignored"})
	require.NoError(t, err)
	require.Same(t, p, again)

	spanCtx, span := Tracer("telemetry_test").Start(ctx, "op")
	require.True(t, span.SpanContext().IsValid())

	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(spanCtx, carrier)
	require.NotEmpty(t, carrier.Get("traceparent"))
	span.End()

	require.NoError(t, p.Shutdown(ctx))
	var nilProviders *Providers
	require.NoError(t, nilProviders.Shutdown(ctx))
}
