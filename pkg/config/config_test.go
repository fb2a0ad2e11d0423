package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/config"
)

func TestDefaultValidates(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 200*time.Millisecond, cfg.Media.FrameDeadline)
	require.Equal(t, 4, cfg.Media.NDrop)
}

func TestLoadMissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := config.Load(filepath.Join(t.TempDir(), "does-not-exist.env"))
	require.NoError(t, err)
	require.Equal(t, config.Default(), cfg)
}

func TestLoadAppliesOverrides(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpbridge.env")
	contents := "# comment\n" +
		"media_frame_deadline_ms=250\n" +
		"takion_heartbeat_misses=5\n" +
		"status_listen_addr=0.0.0.0:8080\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	require.Equal(t, 250*time.Millisecond, cfg.Media.FrameDeadline)
	require.Equal(t, 5, cfg.Takion.HeartbeatMisses)
	require.Equal(t, "0.0.0.0:8080", cfg.StatusAPI.ListenAddr)
}

func TestLoadRejectsBadInteger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rpbridge.env")
	require.NoError(t, os.WriteFile(path, []byte("media_n_drop=notanumber\n"), 0o644))

	_, err := config.Load(path)
	require.Error(t, err)
}
