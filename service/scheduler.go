package service

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"phonepilot/models"
)

// ErrNoDeviceAvailable means every online device is busy or none exist.
var ErrNoDeviceAvailable = errors.New("no device available")

// Scheduler hands out exclusive device reservations. Selection prefers
// devices with the best task success rate and breaks ties by least
// recently reserved, spreading load across the pool instead of hammering
// the first device in the list.
type Scheduler struct {
	registry *DeviceRegistry
	logger   zerolog.Logger

	mu       sync.Mutex
	reserved map[string]string // device id -> task id
}

func NewScheduler(registry *DeviceRegistry, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		registry: registry,
		logger:   logger.With().Str("component", "scheduler").Logger(),
		reserved: make(map[string]string),
	}
}

// Reserve assigns a device to a task. With deviceID set the reservation
// is pinned: the named device must exist, be online and be free, or the
// call fails rather than silently falling back to another device.
func (s *Scheduler) Reserve(taskID, deviceID string) (*models.Device, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if deviceID != "" {
		device, ok := s.registry.Get(deviceID)
		if !ok {
			return nil, fmt.Errorf("device %s not found", deviceID)
		}
		if device.Status != models.DeviceOnline {
			return nil, fmt.Errorf("device %s is %s", deviceID, device.Status)
		}
		if holder, busy := s.reserved[deviceID]; busy {
			return nil, fmt.Errorf("device %s is busy with task %s", deviceID, holder)
		}
		s.take(device, taskID)
		return device, nil
	}

	candidates := s.registry.List(true)
	free := candidates[:0]
	for _, d := range candidates {
		if _, busy := s.reserved[d.ID]; !busy {
			free = append(free, d)
		}
	}
	if len(free) == 0 {
		return nil, ErrNoDeviceAvailable
	}

	sort.SliceStable(free, func(i, j int) bool {
		ri, rj := free[i].SuccessRate(), free[j].SuccessRate()
		if ri != rj {
			return ri > rj
		}
		return free[i].LastReservedAt.Before(free[j].LastReservedAt)
	})

	s.take(free[0], taskID)
	return free[0], nil
}

func (s *Scheduler) take(device *models.Device, taskID string) {
	s.reserved[device.ID] = taskID
	s.registry.SetCurrentTask(device.ID, taskID)
	s.logger.Info().Str("device", device.ID).Str("task", taskID).Msg("device reserved")
}

// Release frees a device. Releasing an unreserved device is a no-op so
// callers can release unconditionally on every task exit path.
func (s *Scheduler) Release(deviceID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.reserved[deviceID]; !ok {
		return
	}
	delete(s.reserved, deviceID)
	s.registry.SetCurrentTask(deviceID, "")
	s.logger.Info().Str("device", deviceID).Msg("device released")
}

// ReservedBy returns the task currently holding a device, if any.
func (s *Scheduler) ReservedBy(deviceID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	taskID, ok := s.reserved[deviceID]
	return taskID, ok
}
