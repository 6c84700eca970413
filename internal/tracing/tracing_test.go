package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_EmptyEndpointIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), "", "deepresearch", "test")
	require.NoError(t, err)
	require.NotNil(t, shutdown)
	assert.NoError(t, shutdown(context.Background()))
}

func TestInit_WithEndpoint(t *testing.T) {
	shutdown, err := Init(context.Background(), "127.0.0.1:4318", "deepresearch", "test")
	require.NoError(t, err)
	// Nothing was exported, so shutdown does not need the collector.
	assert.NoError(t, shutdown(context.Background()))
}
