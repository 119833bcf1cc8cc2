package service

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"phonepilot/adb"
	"phonepilot/models"
)

// ScannerConfig bounds the discovery sweep.
type ScannerConfig struct {
	PortStart        int
	PortEnd          int
	Interval         time.Duration
	HandshakeTimeout time.Duration
}

// Scanner discovers devices by probing the tunnel port range. A port
// counts as a device only after the full handshake: raw TCP dial, adb
// connect, and a successful property read. Anything less leaves the
// port untouched so half-open tunnels never register ghosts.
type Scanner struct {
	cfg      ScannerConfig
	adb      *adb.Client
	registry *DeviceRegistry
	logger   zerolog.Logger

	mu       sync.Mutex
	scanning bool
}

func NewScanner(cfg ScannerConfig, adbClient *adb.Client, registry *DeviceRegistry, logger zerolog.Logger) *Scanner {
	return &Scanner{
		cfg:      cfg,
		adb:      adbClient,
		registry: registry,
		logger:   logger.With().Str("component", "scanner").Logger(),
	}
}

// Start runs periodic sweeps until the context is cancelled. The first
// sweep fires immediately so devices show up at boot without waiting a
// full interval.
func (s *Scanner) Start(ctx context.Context) {
	go func() {
		s.Scan(ctx)
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Scan(ctx)
			}
		}
	}()
}

// Scan probes the whole port range once. Concurrent invocations (timer
// plus the manual rescan endpoint) coalesce: only one sweep runs at a
// time and the late caller returns immediately.
func (s *Scanner) Scan(ctx context.Context) int {
	s.mu.Lock()
	if s.scanning {
		s.mu.Unlock()
		return 0
	}
	s.scanning = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.scanning = false
		s.mu.Unlock()
	}()

	var (
		wg    sync.WaitGroup
		found int
		fmu   sync.Mutex
	)
	for port := s.cfg.PortStart; port <= s.cfg.PortEnd; port++ {
		wg.Add(1)
		go func(port int) {
			defer wg.Done()
			if s.probePort(ctx, port) {
				fmu.Lock()
				found++
				fmu.Unlock()
			}
		}(port)
	}
	wg.Wait()

	if found > 0 {
		s.logger.Debug().Int("devices", found).Msg("scan sweep finished")
	}
	return found
}

func (s *Scanner) probePort(ctx context.Context, port int) bool {
	address := fmt.Sprintf("localhost:%d", port)

	conn, err := net.DialTimeout("tcp", address, s.cfg.HandshakeTimeout)
	if err != nil {
		return false
	}
	conn.Close()

	hctx, cancel := context.WithTimeout(ctx, 3*s.cfg.HandshakeTimeout)
	defer cancel()

	if err := s.adb.Connect(hctx, address); err != nil {
		s.logger.Debug().Int("port", port).Err(err).Msg("adb connect failed")
		return false
	}

	model, err := s.adb.GetProperty(hctx, address, "ro.product.model")
	if err != nil {
		// TCP accepted but not an ADB endpoint; the heartbeat sweep
		// will mark any previously known device offline.
		s.registry.SetTunnelConnected(models.DeviceIDForPort(port), false)
		return false
	}
	version, _ := s.adb.GetProperty(hctx, address, "ro.build.version.release")

	device := &models.Device{
		ID:               models.DeviceIDForPort(port),
		TunnelPort:       port,
		ADBAddress:       address,
		Model:            model,
		AndroidVersion:   version,
		TunnelConnected:  true,
		ControlConnected: true,
	}
	if w, h, err := s.adb.ScreenResolution(hctx, address); err == nil {
		device.ScreenWidth, device.ScreenHeight = w, h
	}
	if level, err := s.adb.BatteryLevel(hctx, address); err == nil {
		device.Battery = level
	}

	s.registry.Register(device)
	return true
}
