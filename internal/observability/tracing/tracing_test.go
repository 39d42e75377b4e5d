package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetup_NoopWithoutEndpoint(t *testing.T) {
	shutdown, err := Setup(context.Background(), "kernel-test", Config{})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, shutdown(ctx))
}

func TestSetup_NoopWhenDisabled(t *testing.T) {
	shutdown, err := Setup(context.Background(), "kernel-test", Config{Endpoint: "http://localhost:4318", Enabled: "FALSE"})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}

func TestSetup_WithEndpoint(t *testing.T) {
	// Non-routable address: nothing is exported before shutdown.
	shutdown, err := Setup(context.Background(), "kernel-test", Config{Endpoint: "http://192.0.2.1:4318", SampleRatio: 0.5})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
}
