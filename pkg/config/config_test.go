package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.toml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadOverlaysOntoDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.toml")
	require.NoError(t, Save(path, Config{
		TickIntervalSeconds: 2,
		DefaultAdminName:    "root",
	}))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 2*time.Second, cfg.TickInterval())
	require.Equal(t, "root", cfg.DefaultAdminName)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.toml")
	want := Default()
	want.ListenAddr = "0.0.0.0:9999"

	require.NoError(t, Save(path, want))
	got, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestLoadRejectsMalformedToml(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "primary.toml")
	require.NoError(t, os.WriteFile(path, []byte("tick_interval = [this is not valid"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}
