package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":8080", cfg.RPCAddress)
	require.Equal(t, "./escrowd-data", cfg.DataDir)
	require.Equal(t, "escrowmesh-local", cfg.NetworkName)

	// the default file must have been written and reload identically
	_, err = os.Stat(path)
	require.NoError(t, err)
	reloaded, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, reloaded)
}

func TestLoadExistingWithDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("RPCAddress = \":9090\"\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.RPCAddress)
	require.Equal(t, "./escrowd-data", cfg.DataDir)
	require.Equal(t, "escrowmesh-local", cfg.NetworkName)
	require.Equal(t, 100, cfg.LogMaxSize)
}

func TestLoadRejectsMalformed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("RPCAddress = [broken"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
