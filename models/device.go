package models

import (
	"fmt"
	"time"
)

type DeviceStatus string

const (
	DeviceOnline  DeviceStatus = "online"
	DevicePartial DeviceStatus = "partial"
	DeviceOffline DeviceStatus = "offline"
)

// Device is one managed Android unit reachable through the tunnel layer.
// Identity is derived from the tunnel port so it stays stable across
// rediscovery (the same scheme the control channel uses).
type Device struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	TunnelPort int    `json:"tunnel_port"`
	ADBAddress string `json:"adb_address"`

	// Two independent liveness signals.
	ControlConnected bool      `json:"control_connected"`
	TunnelConnected  bool      `json:"tunnel_connected"`
	LastHeartbeat    time.Time `json:"last_heartbeat"`

	// Static specs, refreshed on every scan.
	Model          string `json:"model,omitempty"`
	AndroidVersion string `json:"android_version,omitempty"`
	ScreenWidth    int    `json:"screen_width,omitempty"`
	ScreenHeight   int    `json:"screen_height,omitempty"`
	Battery        int    `json:"battery,omitempty"`

	// Derived at snapshot time, never stored authoritatively.
	Status DeviceStatus `json:"status"`

	// Assignment; mutated only by the scheduler.
	CurrentTaskID string `json:"current_task_id,omitempty"`

	// Task accounting, feeds the scheduler selection policy.
	TotalTasks     int       `json:"total_tasks"`
	SuccessTasks   int       `json:"success_tasks"`
	FailedTasks    int       `json:"failed_tasks"`
	LastReservedAt time.Time `json:"last_reserved_at,omitempty"`

	RegisteredAt time.Time `json:"registered_at"`
}

// DeviceIDForPort builds the stable device id for a tunnel port.
func DeviceIDForPort(port int) string {
	return fmt.Sprintf("device_%d", port)
}

// DeriveStatus computes the device status from its liveness signals.
// online requires both flags plus a fresh heartbeat; any device with a
// fresh heartbeat but missing a flag reports partial so operators can
// tell "discovered but not fully wired" apart from one that has gone
// silent.
func (d *Device) DeriveStatus(heartbeatTimeout time.Duration, now time.Time) DeviceStatus {
	fresh := !d.LastHeartbeat.IsZero() && now.Sub(d.LastHeartbeat) < heartbeatTimeout
	if !fresh {
		return DeviceOffline
	}
	if d.ControlConnected && d.TunnelConnected {
		return DeviceOnline
	}
	return DevicePartial
}

// SuccessRate returns the fraction of completed tasks that succeeded.
// Devices with no history rank behind any device with a positive record.
func (d *Device) SuccessRate() float64 {
	if d.TotalTasks == 0 {
		return 0
	}
	return float64(d.SuccessTasks) / float64(d.TotalTasks)
}
