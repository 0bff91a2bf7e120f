package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestSetupWithoutEndpointIsNoop(t *testing.T) {
	tpBefore := otel.GetTracerProvider()

	shutdown, err := Setup(context.Background(), &Config{ServiceName: "gotrigger"})
	require.NoError(t, err)
	require.NotNil(t, shutdown)

	assert.Equal(t, tpBefore, otel.GetTracerProvider())
	assert.NotEmpty(t, otel.GetTextMapPropagator().Fields())
	assert.NoError(t, shutdown(context.Background()))
}
