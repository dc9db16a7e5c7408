package app

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConfigDefaultsSocketPath(t *testing.T) {
	cfg := NewConfig("/var/lib/nucleus", false, false)
	assert.Equal(t, filepath.Join("/var/lib/nucleus", "ipc.sock"), cfg.SocketPath)
	assert.NotEmpty(t, cfg.CredentialProxyURL)
}

func TestConfigDerivedPaths(t *testing.T) {
	cfg := NewConfig("/root1", false, false)
	assert.Equal(t, "/root1/config", cfg.configDir())
	assert.Equal(t, "/root1/config/config.yaml", cfg.configSnapshot())
	assert.Equal(t, "/root1/config/config.tlog", cfg.configLog())
	assert.Equal(t, "/root1/packages/recipes", cfg.recipesDir())
	assert.Equal(t, "/root1/packages/artifacts", cfg.artifactsDir())
	assert.Equal(t, "/root1/deployments", cfg.deploymentsDir())
	assert.Equal(t, "/root1/work", cfg.workDir())
}
