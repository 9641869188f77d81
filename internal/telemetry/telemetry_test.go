package telemetry

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitDisabled(t *testing.T) {
	t.Parallel()

	p, err := Init(context.Background(), Config{})
	require.NoError(t, err)
	require.Nil(t, p)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInitInstallsProviders(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	reg := prometheus.NewRegistry()

	p, err := Init(ctx, Config{Enabled: true, ServiceVersion: "test", Registerer: reg})
	require.NoError(t, err)
	require.NotNil(t, p.Tracer)
	require.NotNil(t, p.Meter)

	again, err := Init(ctx, Config{Enabled: true})
	require.NoError(t, err)
	require.Same(t, p, again)

	_, span := otel.Tracer("test").Start(ctx, "probe")
	require.True(t, span.SpanContext().IsValid())
	span.End()

	families, err := reg.Gather()
	require.NoError(t, err)
	found := false
	for _, f := range families {
		if f.GetName() == "horizon_build_info" {
			found = true
		}
	}
	require.True(t, found)

	require.NoError(t, p.Shutdown(ctx))
}
