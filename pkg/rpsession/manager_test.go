package rpsession

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/media"
	"github.com/nwire/rpbridge/pkg/store"
)

func TestDeviceStateStringCoversEveryValue(t *testing.T) {
	require.Equal(t, "starting", DeviceStarting.String())
	require.Equal(t, "running", DeviceRunning.String())
	require.Equal(t, "failed", DeviceFailed.String())
	require.Equal(t, "degraded", DeviceDegraded.String())
	require.Equal(t, "stopped", DeviceStopped.String())
	require.Equal(t, "unknown", DeviceState(99).String())
}

func TestMinInt(t *testing.T) {
	require.Equal(t, 3, minInt(3, 5))
	require.Equal(t, 3, minInt(5, 3))
	require.Equal(t, 3, minInt(3, 3))
}

type noopSink struct{}

func (noopSink) OnVideo(frameBytes []byte, codec string, isKey bool, pts uint32) error { return nil }
func (noopSink) OnAudio(opusBytes []byte, pts uint32) error                            { return nil }
func (noopSink) OnStreamStats(stats media.StreamStats)                                {}

func TestManagerStopDeviceUnknownIsNoop(t *testing.T) {
	m := NewManager(nil, store.NewMemoryStore(), func(string) media.AVSink { return noopSink{} }, ManagerConfig{}, nil)
	require.NoError(t, m.StopDevice("does-not-exist"))
}

func TestManagerSnapshotEmptyInitially(t *testing.T) {
	m := NewManager(nil, store.NewMemoryStore(), func(string) media.AVSink { return noopSink{} }, ManagerConfig{}, nil)
	require.Empty(t, m.Snapshot())
	m.Stop()
}

func TestDefaultManagerConfigIsSane(t *testing.T) {
	cfg := DefaultManagerConfig()
	require.Greater(t, cfg.StaggerInterval.Milliseconds(), int64(0))
	require.Greater(t, cfg.MaxFailures, 0)
	require.Greater(t, cfg.DegradedRetry.Milliseconds(), int64(0))
}
