package service

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testScheduler(t *testing.T) (*Scheduler, *DeviceRegistry) {
	t.Helper()
	registry := NewDeviceRegistry(120*time.Second, zerolog.Nop())
	return NewScheduler(registry, zerolog.Nop()), registry
}

func TestSchedulerReserveExclusive(t *testing.T) {
	s, registry := testScheduler(t)
	registry.Register(onlineDevice(6100))

	d1, err := s.Reserve("task-1", "")
	require.NoError(t, err)
	assert.Equal(t, "device_6100", d1.ID)

	// The only device is taken.
	_, err = s.Reserve("task-2", "")
	assert.ErrorIs(t, err, ErrNoDeviceAvailable)

	s.Release(d1.ID)
	d2, err := s.Reserve("task-2", "")
	require.NoError(t, err)
	assert.Equal(t, "device_6100", d2.ID)
}

func TestSchedulerPinnedReservation(t *testing.T) {
	s, registry := testScheduler(t)
	registry.Register(onlineDevice(6100))
	registry.Register(onlineDevice(6101))

	d, err := s.Reserve("task-1", "device_6101")
	require.NoError(t, err)
	assert.Equal(t, "device_6101", d.ID)

	// Pinned requests never fall back to another device.
	_, err = s.Reserve("task-2", "device_6101")
	assert.ErrorContains(t, err, "busy")

	_, err = s.Reserve("task-3", "device_9999")
	assert.ErrorContains(t, err, "not found")
}

func TestSchedulerPinnedRejectsOffline(t *testing.T) {
	s, registry := testScheduler(t)
	d := onlineDevice(6100)
	d.TunnelConnected = false
	registry.Register(d)

	_, err := s.Reserve("task-1", "device_6100")
	assert.ErrorContains(t, err, "partial")
}

func TestSchedulerPrefersHigherSuccessRate(t *testing.T) {
	s, registry := testScheduler(t)
	registry.Register(onlineDevice(6100))
	registry.Register(onlineDevice(6101))

	// device_6101 has the better record.
	registry.RecordTaskResult("device_6100", false)
	registry.RecordTaskResult("device_6101", true)

	d, err := s.Reserve("task-1", "")
	require.NoError(t, err)
	assert.Equal(t, "device_6101", d.ID)
}

func TestSchedulerBreaksTiesLeastRecentlyReserved(t *testing.T) {
	s, registry := testScheduler(t)
	registry.Register(onlineDevice(6100))
	registry.Register(onlineDevice(6101))

	// Equal rates; reserve and release the first device so it carries
	// the newer reservation timestamp.
	d, err := s.Reserve("task-1", "")
	require.NoError(t, err)
	first := d.ID
	s.Release(first)

	d, err = s.Reserve("task-2", "")
	require.NoError(t, err)
	assert.NotEqual(t, first, d.ID)
}

func TestSchedulerReleaseIsIdempotent(t *testing.T) {
	s, registry := testScheduler(t)
	registry.Register(onlineDevice(6100))

	s.Release("device_6100") // never reserved
	d, err := s.Reserve("task-1", "")
	require.NoError(t, err)
	s.Release(d.ID)
	s.Release(d.ID)

	_, err = s.Reserve("task-2", "")
	assert.NoError(t, err)
}

func TestSchedulerTracksHolder(t *testing.T) {
	s, registry := testScheduler(t)
	registry.Register(onlineDevice(6100))

	_, err := s.Reserve("task-1", "")
	require.NoError(t, err)

	holder, ok := s.ReservedBy("device_6100")
	assert.True(t, ok)
	assert.Equal(t, "task-1", holder)

	d, _ := registry.Get("device_6100")
	assert.Equal(t, "task-1", d.CurrentTaskID)
}
