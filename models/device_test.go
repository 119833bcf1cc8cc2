package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeviceDeriveStatus(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	timeout := 120 * time.Second

	fresh := Device{ControlConnected: true, TunnelConnected: true, LastHeartbeat: now.Add(-30 * time.Second)}
	assert.Equal(t, DeviceOnline, fresh.DeriveStatus(timeout, now))

	half := Device{ControlConnected: true, LastHeartbeat: now.Add(-30 * time.Second)}
	assert.Equal(t, DevicePartial, half.DeriveStatus(timeout, now))

	// Restored from the store: heartbeat fresh, neither flag wired yet.
	seeded := Device{LastHeartbeat: now.Add(-30 * time.Second)}
	assert.Equal(t, DevicePartial, seeded.DeriveStatus(timeout, now))

	stale := Device{ControlConnected: true, TunnelConnected: true, LastHeartbeat: now.Add(-200 * time.Second)}
	assert.Equal(t, DeviceOffline, stale.DeriveStatus(timeout, now))

	never := Device{ControlConnected: true, TunnelConnected: true}
	assert.Equal(t, DeviceOffline, never.DeriveStatus(timeout, now))
}

func TestDeviceSuccessRate(t *testing.T) {
	assert.Equal(t, 0.0, (&Device{}).SuccessRate())
	assert.Equal(t, 0.75, (&Device{TotalTasks: 4, SuccessTasks: 3, FailedTasks: 1}).SuccessRate())
}

func TestDeviceIDForPort(t *testing.T) {
	assert.Equal(t, "device_6100", DeviceIDForPort(6100))
}

func TestTaskStatusTerminal(t *testing.T) {
	assert.True(t, TaskCompleted.Terminal())
	assert.True(t, TaskFailed.Terminal())
	assert.True(t, TaskCancelled.Terminal())
	assert.False(t, TaskPending.Terminal())
	assert.False(t, TaskRunning.Terminal())
	assert.False(t, TaskPaused.Terminal())
}
