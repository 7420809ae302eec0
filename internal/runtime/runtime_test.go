package runtime

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/hfsslive/trackcore/internal/config"
)

// setEnv sets the minimal environment Build needs, pointed at an in-memory
// store and queue.
func setEnv(t *testing.T) {
	t.Helper()
	env := map[string]string{
		"TRACKCORE_STORE_PRIMARY_URI": ":memory:",
		"TRACKCORE_KV_URI":            "memory",
		"TRACKCORE_ENABLE_TCP":        "false",
		"TRACKCORE_ENABLE_HTTP":       "false",
		"TRACKCORE_WS_TOKEN_SECRET":   "test-secret",
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestBuildWiresEveryComponent(t *testing.T) {
	setEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	rt, err := Build(cfg)
	require.NoError(t, err)
	defer rt.Close()

	require.NotNil(t, rt.primary)
	require.Same(t, rt.primary, rt.replica, "no replica URI configured, replica should alias primary")
	require.NotNil(t, rt.pool)
	require.NotNil(t, rt.gps)
	require.NotNil(t, rt.sweeper)
	require.NotNil(t, rt.fanoutReg)
	require.NotNil(t, rt.api)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	setEnv(t)
	cfg, err := config.Load()
	require.NoError(t, err)

	rt, err := Build(cfg)
	require.NoError(t, err)
	defer rt.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- rt.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestConfigLoadRejectsMissingStoreURI(t *testing.T) {
	t.Setenv("TRACKCORE_STORE_PRIMARY_URI", "")
	t.Setenv("TRACKCORE_KV_URI", "memory")
	_, err := config.Load()
	require.Error(t, err)
}
