package service

import (
	"context"
	"sort"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"phonepilot/models"
)

// DeviceRegistry is the authoritative in-memory catalog of managed
// devices. Writers merge partial updates; readers get snapshots with the
// status derived at read time, so a device that stops heartbeating shows
// offline without any writer running.
type DeviceRegistry struct {
	devices          cmap.ConcurrentMap[string, *models.Device]
	heartbeatTimeout time.Duration
	logger           zerolog.Logger
	now              func() time.Time
}

func NewDeviceRegistry(heartbeatTimeout time.Duration, logger zerolog.Logger) *DeviceRegistry {
	return &DeviceRegistry{
		devices:          cmap.New[*models.Device](),
		heartbeatTimeout: heartbeatTimeout,
		logger:           logger.With().Str("component", "registry").Logger(),
		now:              time.Now,
	}
}

// Register adds a discovered device or refreshes its specs if the port
// is already known. Task accounting and the display name survive
// rediscovery.
func (r *DeviceRegistry) Register(d *models.Device) *models.Device {
	if d.ID == "" {
		d.ID = models.DeviceIDForPort(d.TunnelPort)
	}

	r.devices.Upsert(d.ID, d, func(exists bool, existing, incoming *models.Device) *models.Device {
		if !exists {
			if incoming.RegisteredAt.IsZero() {
				incoming.RegisteredAt = r.now()
			}
			incoming.LastHeartbeat = r.now()
			if incoming.Name == "" {
				incoming.Name = incoming.ID
			}
			r.logger.Info().Str("device", incoming.ID).Int("port", incoming.TunnelPort).Msg("device registered")
			return incoming
		}

		existing.ADBAddress = incoming.ADBAddress
		existing.Model = incoming.Model
		existing.AndroidVersion = incoming.AndroidVersion
		if incoming.ScreenWidth > 0 {
			existing.ScreenWidth = incoming.ScreenWidth
			existing.ScreenHeight = incoming.ScreenHeight
		}
		existing.Battery = incoming.Battery
		existing.ControlConnected = incoming.ControlConnected
		existing.TunnelConnected = incoming.TunnelConnected
		existing.LastHeartbeat = r.now()
		return existing
	})

	out, _ := r.Get(d.ID)
	return out
}

// Heartbeat refreshes the liveness timestamp for a known device.
func (r *DeviceRegistry) Heartbeat(deviceID string) bool {
	return r.mutate(deviceID, func(d *models.Device) {
		d.LastHeartbeat = r.now()
	})
}

// SetControlConnected flips the control channel liveness signal.
func (r *DeviceRegistry) SetControlConnected(deviceID string, connected bool) {
	r.mutate(deviceID, func(d *models.Device) {
		d.ControlConnected = connected
		if connected {
			d.LastHeartbeat = r.now()
		}
	})
}

// SetTunnelConnected flips the ADB tunnel liveness signal.
func (r *DeviceRegistry) SetTunnelConnected(deviceID string, connected bool) {
	r.mutate(deviceID, func(d *models.Device) {
		d.TunnelConnected = connected
		if connected {
			d.LastHeartbeat = r.now()
		}
	})
}

// SetDisplayName renames a device for operator display. Identity is
// untouched.
func (r *DeviceRegistry) SetDisplayName(deviceID, name string) bool {
	return r.mutate(deviceID, func(d *models.Device) {
		d.Name = name
	})
}

// SetCurrentTask records or clears the task occupying the device.
func (r *DeviceRegistry) SetCurrentTask(deviceID, taskID string) {
	r.mutate(deviceID, func(d *models.Device) {
		d.CurrentTaskID = taskID
		if taskID != "" {
			d.LastReservedAt = r.now()
		}
	})
}

// RecordTaskResult updates the device's task accounting after a run.
func (r *DeviceRegistry) RecordTaskResult(deviceID string, success bool) {
	r.mutate(deviceID, func(d *models.Device) {
		d.TotalTasks++
		if success {
			d.SuccessTasks++
		} else {
			d.FailedTasks++
		}
	})
}

// mutate applies fn to a device inside the map's shard lock. Devices
// are never removed from the registry, so existence checked up front
// still holds inside the callback.
func (r *DeviceRegistry) mutate(deviceID string, fn func(*models.Device)) bool {
	if !r.devices.Has(deviceID) {
		return false
	}
	r.devices.Upsert(deviceID, nil, func(_ bool, existing, _ *models.Device) *models.Device {
		fn(existing)
		return existing
	})
	return true
}

// Get returns a snapshot of one device with its derived status.
func (r *DeviceRegistry) Get(deviceID string) (*models.Device, bool) {
	d, ok := r.devices.Get(deviceID)
	if !ok || d == nil {
		return nil, false
	}
	snap := *d
	snap.Status = snap.DeriveStatus(r.heartbeatTimeout, r.now())
	return &snap, true
}

// List returns device snapshots sorted by id. With onlineOnly set, only
// devices whose derived status is online are included.
func (r *DeviceRegistry) List(onlineOnly bool) []*models.Device {
	now := r.now()
	out := make([]*models.Device, 0, r.devices.Count())
	for _, d := range r.devices.Items() {
		if d == nil {
			continue
		}
		snap := *d
		snap.Status = snap.DeriveStatus(r.heartbeatTimeout, now)
		if onlineOnly && snap.Status != models.DeviceOnline {
			continue
		}
		out = append(out, &snap)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// StartSweep periodically re-derives device statuses and logs
// transitions, so offline flips are visible in the logs even when
// nobody is polling the API.
func (r *DeviceRegistry) StartSweep(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		last := make(map[string]models.DeviceStatus)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, d := range r.List(false) {
					prev, seen := last[d.ID]
					if seen && prev != d.Status {
						r.logger.Info().
							Str("device", d.ID).
							Str("from", string(prev)).
							Str("to", string(d.Status)).
							Msg("device status changed")
					}
					last[d.ID] = d.Status
				}
			}
		}
	}()
}
