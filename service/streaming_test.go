package service

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func detachLastViewer(t *testing.T, state streamState) (*StreamRelay, *streamSession, chan struct{}) {
	t.Helper()
	relay := NewStreamRelay(StreamConfig{WarmTTL: 10 * time.Millisecond}, nil, nil, zerolog.Nop())
	cancelled := make(chan struct{})

	s := relay.session("device_6100")
	s.mu.Lock()
	s.state = state
	s.viewers = 1
	s.cancel = func() { close(cancelled) }
	s.mu.Unlock()

	relay.RemoveViewer("device_6100")
	return relay, s, cancelled
}

func TestStreamRelayLastViewerIdlesRunningPipeline(t *testing.T) {
	_, s, cancelled := detachLastViewer(t, streamRunning)

	s.mu.Lock()
	assert.Equal(t, streamIdle, s.state)
	s.mu.Unlock()

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("pipeline was not cancelled after the warm TTL")
	}
	s.mu.Lock()
	assert.Equal(t, streamStopping, s.state)
	s.mu.Unlock()
}

func TestStreamRelayLastViewerIdlesStartingPipeline(t *testing.T) {
	// Detaching before the capture pipeline finished starting must still
	// shut it down; otherwise it would encode with zero viewers forever.
	_, s, cancelled := detachLastViewer(t, streamStarting)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("pipeline started with no viewers was never cancelled")
	}
	s.mu.Lock()
	assert.Equal(t, streamStopping, s.state)
	s.mu.Unlock()
}
