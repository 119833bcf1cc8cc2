package service

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"phonepilot/adb"
)

// StreamPublisher fans a framed H.264 packet out to the subscribers of a
// device's live view.
type StreamPublisher interface {
	PublishFrame(deviceID string, packet []byte)
}

// StreamConfig bounds the capture encoder and session lifetime.
type StreamConfig struct {
	Bitrate int
	Size    string
	WarmTTL time.Duration // keep encoding this long after the last viewer leaves
}

type streamState int

const (
	streamStopped streamState = iota
	streamStarting
	streamRunning
	streamIdle // no viewers, encoder kept warm until the TTL fires
	streamStopping
)

func (s streamState) String() string {
	switch s {
	case streamStopped:
		return "stopped"
	case streamStarting:
		return "starting"
	case streamRunning:
		return "running"
	case streamIdle:
		return "idle"
	case streamStopping:
		return "stopping"
	}
	return "unknown"
}

// streamSession is the per-device relay state. All fields are guarded by
// the session mutex; the capture goroutine only touches them through the
// helper methods.
type streamSession struct {
	mu       sync.Mutex
	state    streamState
	viewers  int
	cancel   context.CancelFunc
	idleStop *time.Timer

	// Cached parameter sets, replayed to late subscribers so their
	// decoder can start before the next in-band SPS/PPS arrives.
	sps []byte
	pps []byte
	idr []byte
}

// StreamRelay pulls hardware-encoded H.264 from devices and fans frames
// out to websocket viewers. One capture pipeline runs per device no
// matter how many viewers are attached; when the last viewer leaves the
// encoder idles for WarmTTL before shutting down, so a quick reconnect
// does not pay the startup latency again.
type StreamRelay struct {
	cfg       StreamConfig
	adb       *adb.Client
	registry  *DeviceRegistry
	publisher StreamPublisher
	logger    zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*streamSession
}

func NewStreamRelay(cfg StreamConfig, adbClient *adb.Client, registry *DeviceRegistry, logger zerolog.Logger) *StreamRelay {
	return &StreamRelay{
		cfg:      cfg,
		adb:      adbClient,
		registry: registry,
		logger:   logger.With().Str("component", "stream").Logger(),
		sessions: make(map[string]*streamSession),
	}
}

// SetPublisher wires the fan-out sink. Must be called before AddViewer.
func (r *StreamRelay) SetPublisher(p StreamPublisher) { r.publisher = p }

func (r *StreamRelay) session(deviceID string) *streamSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[deviceID]
	if !ok {
		s = &streamSession{}
		r.sessions[deviceID] = s
	}
	return s
}

// AddViewer attaches a viewer to a device stream, starting the capture
// pipeline if it is not already running.
func (r *StreamRelay) AddViewer(ctx context.Context, deviceID string) error {
	device, ok := r.registry.Get(deviceID)
	if !ok {
		return fmt.Errorf("device %s not found", deviceID)
	}

	s := r.session(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	s.viewers++
	switch s.state {
	case streamStopped, streamStopping:
		runCtx, cancel := context.WithCancel(ctx)
		s.cancel = cancel
		s.state = streamStarting
		go r.runStream(runCtx, deviceID, device.ADBAddress)
	case streamIdle:
		if s.idleStop != nil {
			s.idleStop.Stop()
			s.idleStop = nil
		}
		s.state = streamRunning
	}
	r.logger.Debug().Str("device", deviceID).Int("viewers", s.viewers).Msg("viewer attached")
	return nil
}

// RemoveViewer detaches a viewer. The pipeline idles once the count
// reaches zero and stops after the warm TTL.
func (r *StreamRelay) RemoveViewer(deviceID string) {
	s := r.session(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.viewers > 0 {
		s.viewers--
	}
	if s.viewers > 0 {
		return
	}
	// A pipeline that is still starting has no viewers either; it idles
	// the same way so it cannot run untended.
	if s.state != streamRunning && s.state != streamStarting {
		return
	}

	s.state = streamIdle
	s.idleStop = time.AfterFunc(r.cfg.WarmTTL, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.state != streamIdle || s.viewers > 0 {
			return
		}
		s.state = streamStopping
		if s.cancel != nil {
			s.cancel()
		}
	})
	r.logger.Debug().Str("device", deviceID).Msg("stream idle, warm TTL started")
}

// ConfigPackets returns framed SPS/PPS/IDR packets for a new subscriber,
// in decode order.
func (r *StreamRelay) ConfigPackets(deviceID string) [][]byte {
	s := r.session(deviceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	var out [][]byte
	for _, nal := range [][]byte{s.sps, s.pps, s.idr} {
		if len(nal) > 0 {
			out = append(out, framePacket(deviceID, nal))
		}
	}
	return out
}

// runStream owns the capture pipeline for one device. screenrecord caps
// each invocation at three minutes, so the loop restarts it until the
// session is stopped.
func (r *StreamRelay) runStream(ctx context.Context, deviceID, address string) {
	s := r.session(deviceID)
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			break
		}

		pipe, cmd, err := r.adb.StartH264Stream(ctx, address, r.cfg.Bitrate, r.cfg.Size)
		if err != nil {
			r.logger.Warn().Str("device", deviceID).Err(err).Msg("capture start failed")
			select {
			case <-ctx.Done():
			case <-time.After(backoff):
			}
			if backoff < 10*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.mu.Lock()
		if s.state == streamStarting {
			s.state = streamRunning
		}
		s.mu.Unlock()
		r.logger.Info().Str("device", deviceID).Msg("capture pipeline running")

		r.consumeH264(deviceID, s, pipe)
		pipe.Close()
		cmd.Wait()
	}

	s.mu.Lock()
	s.state = streamStopped
	s.cancel = nil
	s.mu.Unlock()
	r.logger.Info().Str("device", deviceID).Msg("capture pipeline stopped")
}

// consumeH264 splits the raw Annex-B stream into NAL units and publishes
// each as a framed packet. Parameter sets and the latest keyframe are
// cached for late subscribers.
func (r *StreamRelay) consumeH264(deviceID string, s *streamSession, pipe io.Reader) {
	buf := make([]byte, 0, 256*1024)
	chunk := make([]byte, 32*1024)

	for {
		n, err := pipe.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = r.drainNALs(deviceID, s, buf)
		}
		if err != nil {
			return
		}
	}
}

var nalStartCode = []byte{0, 0, 0, 1}

// drainNALs emits every complete NAL unit in buf and returns the
// remaining tail, which always begins with a start code once one has
// been seen.
func (r *StreamRelay) drainNALs(deviceID string, s *streamSession, buf []byte) []byte {
	start := bytes.Index(buf, nalStartCode)
	if start < 0 {
		return buf
	}
	buf = buf[start:]

	for {
		next := bytes.Index(buf[len(nalStartCode):], nalStartCode)
		if next < 0 {
			return buf
		}
		nal := buf[:next+len(nalStartCode)]
		r.emitNAL(deviceID, s, nal)
		buf = buf[next+len(nalStartCode):]
	}
}

func (r *StreamRelay) emitNAL(deviceID string, s *streamSession, nal []byte) {
	if len(nal) <= len(nalStartCode) {
		return
	}
	nalType := nal[len(nalStartCode)] & 0x1F

	s.mu.Lock()
	switch nalType {
	case 7: // SPS
		s.sps = append([]byte(nil), nal...)
	case 8: // PPS
		s.pps = append([]byte(nil), nal...)
	case 5: // IDR keyframe
		s.idr = append([]byte(nil), nal...)
	}
	s.mu.Unlock()

	if r.publisher != nil {
		r.publisher.PublishFrame(deviceID, framePacket(deviceID, nal))
	}
}

// framePacket prefixes a NAL unit with the device id so one binary
// websocket channel can multiplex every stream:
// [idLen:1][deviceID:idLen][nal...]
func framePacket(deviceID string, nal []byte) []byte {
	packet := make([]byte, 0, 1+len(deviceID)+len(nal))
	packet = append(packet, byte(len(deviceID)))
	packet = append(packet, deviceID...)
	packet = append(packet, nal...)
	return packet
}
