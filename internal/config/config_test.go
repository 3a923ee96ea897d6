package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultPorts(t *testing.T) {
	cfg := Default()
	assert.Equal(t, 5555, cfg.Ports.Connector)
	assert.Equal(t, 5556, cfg.Ports.Instructor)
	assert.Equal(t, 5557, cfg.Ports.Collector)
	assert.Equal(t, 5558, cfg.Ports.Session)
}

func TestLoadOverridesFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "router.yaml")
	require.NoError(t, os.WriteFile(path, []byte("ports:\n  session: 6000\nlogging:\n  level: debug\n"), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 6000, cfg.Ports.Session)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// Unset fields keep the default.
	assert.Equal(t, 5555, cfg.Ports.Connector)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/router.yaml")
	assert.Error(t, err)
}

func TestEnvOverlay(t *testing.T) {
	t.Setenv("WEBX_ROUTER_PORTS_SESSION", "7000")
	t.Setenv("WEBX_ROUTER_LOG_LEVEL", "WARN")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7000, cfg.Ports.Session)
	assert.Equal(t, "warn", cfg.Logging.Level)
}
