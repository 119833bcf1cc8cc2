package adb

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"phonepilot/models"
)

func TestJitterPointStaysWithinRadius(t *testing.T) {
	ad := NewAntiDetect(AntiDetectConfig{Enabled: true, JitterRadius: 8})

	for i := 0; i < 500; i++ {
		x, y := ad.JitterPoint(540, 960, 1080, 1920)
		assert.LessOrEqual(t, abs(x-540), 8)
		assert.LessOrEqual(t, abs(y-960), 8)
	}
}

func TestJitterPointClampsToScreen(t *testing.T) {
	ad := NewAntiDetect(AntiDetectConfig{Enabled: true, JitterRadius: 20})

	for i := 0; i < 500; i++ {
		x, y := ad.JitterPoint(0, 0, 1080, 1920)
		assert.GreaterOrEqual(t, x, 0)
		assert.GreaterOrEqual(t, y, 0)

		x, y = ad.JitterPoint(1079, 1919, 1080, 1920)
		assert.Less(t, x, 1080)
		assert.Less(t, y, 1920)
	}
}

func TestJitterPointDisabled(t *testing.T) {
	ad := NewAntiDetect(AntiDetectConfig{Enabled: false, JitterRadius: 8})
	x, y := ad.JitterPoint(540, 960, 1080, 1920)
	assert.Equal(t, 540, x)
	assert.Equal(t, 960, y)
}

func TestSwipePathEndpointsExact(t *testing.T) {
	ad := NewAntiDetect(AntiDetectConfig{Enabled: true, BezierSteps: 20, ControlRandomness: 100})
	start := models.Point{X: 100, Y: 800}
	end := models.Point{X: 100, Y: 200}

	path := ad.SwipePath(start, end)
	assert.Len(t, path, 21)
	assert.Equal(t, start, path[0])
	assert.Equal(t, end, path[len(path)-1])
}

func TestSwipePathVariesBetweenCalls(t *testing.T) {
	ad := NewAntiDetect(AntiDetectConfig{Enabled: true, BezierSteps: 20, ControlRandomness: 100})
	start := models.Point{X: 100, Y: 800}
	end := models.Point{X: 900, Y: 200}

	a := ad.SwipePath(start, end)
	b := ad.SwipePath(start, end)
	assert.NotEqual(t, a, b, "two swipes should not share a trajectory")
}

func TestSwipePathDisabledIsStraightLine(t *testing.T) {
	ad := NewAntiDetect(AntiDetectConfig{Enabled: false})
	path := ad.SwipePath(models.Point{X: 1, Y: 2}, models.Point{X: 3, Y: 4})
	assert.Equal(t, []models.Point{{X: 1, Y: 2}, {X: 3, Y: 4}}, path)
}

func TestHumanDelayHonorsCancel(t *testing.T) {
	ad := NewAntiDetect(AntiDetectConfig{Enabled: true, DelayMin: 10 * time.Second, DelayMax: 20 * time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	done := make(chan struct{})
	go func() {
		ad.HumanDelay(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("HumanDelay did not return on cancelled context")
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
