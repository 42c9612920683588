package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadEmptyPath(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, Daemon{}, cfg)
}

func TestLoadParsesYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen: "0.0.0.0:9000"
download_dir: "/tmp/downloads"
quit_after_complete: true
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:9000", cfg.Listen)
	require.Equal(t, "/tmp/downloads", cfg.DownloadDir)
	require.True(t, cfg.QuitAfterComplete)
}

func TestValidateRejectsEmptyDownloadDir(t *testing.T) {
	err := Validate(Daemon{Listen: DefaultListen})
	require.Error(t, err)
}

func TestApplyDefaults(t *testing.T) {
	cfg := Daemon{DownloadDir: "/tmp"}
	cfg.ApplyDefaults()
	require.Equal(t, DefaultListen, cfg.Listen)
	require.Equal(t, 300, cfg.CommandQueueCapacity)
	require.Equal(t, 1000, cfg.BroadcastInterval)
}
