package store_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nwire/rpbridge/pkg/store"
)

func registeredRecord() *store.DeviceRecord {
	return &store.DeviceRecord{
		DeviceID:  "dev-1",
		HostID:    "1122334455AA",
		HostType:  store.HostTypePS5,
		IPAddress: "192.168.1.50",
		RPKey:     make([]byte, 32),
		RPKeyType: 1,
		RegistKey: make([]byte, 16),
	}
}

func TestDeviceRecordValidate(t *testing.T) {
	rec := registeredRecord()
	require.NoError(t, rec.Validate())
	require.True(t, rec.IsRegistered())

	rec.RPKey = make([]byte, 10)
	require.Error(t, rec.Validate())
}

func TestDeviceRecordValidateRequiresPairedKeys(t *testing.T) {
	rec := registeredRecord()
	rec.RegistKey = nil
	require.Error(t, rec.Validate())
}

func TestDeviceRecordIsRegisteredIgnoresZeroKeyType(t *testing.T) {
	rec := registeredRecord()
	rec.RPKeyType = 0
	require.NoError(t, rec.Validate())
	require.True(t, rec.IsRegistered())
}

func TestMemoryStorePutGetRoundTrip(t *testing.T) {
	s := store.NewMemoryStore()
	rec := registeredRecord()

	require.NoError(t, s.Put(rec))

	got, err := s.Get("dev-1")
	require.NoError(t, err)
	require.Equal(t, rec.HostID, got.HostID)
	require.True(t, got.IsRegistered())
}

func TestMemoryStoreGetMissingReturnsNotFound(t *testing.T) {
	s := store.NewMemoryStore()
	_, err := s.Get("ghost")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestMemoryStoreSetStatus(t *testing.T) {
	s := store.NewMemoryStore()
	require.NoError(t, s.Put(registeredRecord()))

	ts := time.Now()
	require.NoError(t, s.SetStatus("dev-1", store.StatusOnline, ts))

	got, err := s.Get("dev-1")
	require.NoError(t, err)
	require.Equal(t, store.StatusOnline, got.Status)
	require.WithinDuration(t, ts, got.LastSeenAt, time.Millisecond)
}

func TestMemoryStoreCloneIsolatesMutation(t *testing.T) {
	s := store.NewMemoryStore()
	rec := registeredRecord()
	require.NoError(t, s.Put(rec))

	got, err := s.Get("dev-1")
	require.NoError(t, err)
	got.RPKey[0] = 0xFF

	again, err := s.Get("dev-1")
	require.NoError(t, err)
	require.NotEqual(t, got.RPKey[0], again.RPKey[0])
}
