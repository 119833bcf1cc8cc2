package adb

import (
	"context"
	"math/rand"
	"time"

	"phonepilot/models"
)

// AntiDetectConfig bounds the noise injected into device input.
type AntiDetectConfig struct {
	Enabled           bool
	JitterRadius      int           // max per-axis coordinate offset in pixels
	DelayMin          time.Duration // inter-action delay lower bound
	DelayMax          time.Duration // inter-action delay upper bound
	BezierSteps       int           // points sampled along a curved swipe
	ControlRandomness int           // bezier control point offset in pixels
}

// AntiDetect adds human-like noise to device input so automated runs do
// not leave a perfectly mechanical signature: bounded coordinate jitter,
// jittered inter-action delays, and curved swipe trajectories.
type AntiDetect struct {
	cfg AntiDetectConfig
	rng *rand.Rand
}

func NewAntiDetect(cfg AntiDetectConfig) *AntiDetect {
	if cfg.BezierSteps < 2 {
		cfg.BezierSteps = 20
	}
	return &AntiDetect{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// JitterPoint offsets a pixel coordinate by at most JitterRadius on each
// axis. The result is clamped to the screen bounds.
func (a *AntiDetect) JitterPoint(x, y, width, height int) (int, int) {
	if !a.cfg.Enabled || a.cfg.JitterRadius <= 0 {
		return x, y
	}
	r := a.cfg.JitterRadius
	x += a.rng.Intn(2*r+1) - r
	y += a.rng.Intn(2*r+1) - r
	return clamp(x, 0, width-1), clamp(y, 0, height-1)
}

// HumanDelay sleeps for a random duration in [DelayMin, DelayMax],
// returning early if the context is cancelled.
func (a *AntiDetect) HumanDelay(ctx context.Context) {
	if !a.cfg.Enabled || a.cfg.DelayMax <= 0 {
		return
	}
	span := a.cfg.DelayMax - a.cfg.DelayMin
	d := a.cfg.DelayMin
	if span > 0 {
		d += time.Duration(a.rng.Int63n(int64(span)))
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// SwipePath generates a cubic bezier trajectory between two pixel points.
// Control points sit at one and two thirds of the straight line, each
// displaced by up to ControlRandomness pixels, so no two swipes follow
// the same curve. With anti-detection disabled the path degenerates to
// the straight two-point line.
func (a *AntiDetect) SwipePath(start, end models.Point) []models.Point {
	if !a.cfg.Enabled {
		return []models.Point{start, end}
	}

	r := a.cfg.ControlRandomness
	jitter := func() float64 {
		if r <= 0 {
			return 0
		}
		return float64(a.rng.Intn(2*r+1) - r)
	}

	p0x, p0y := float64(start.X), float64(start.Y)
	p3x, p3y := float64(end.X), float64(end.Y)
	p1x := p0x + (p3x-p0x)/3 + jitter()
	p1y := p0y + (p3y-p0y)/3 + jitter()
	p2x := p0x + 2*(p3x-p0x)/3 + jitter()
	p2y := p0y + 2*(p3y-p0y)/3 + jitter()

	steps := a.cfg.BezierSteps
	path := make([]models.Point, 0, steps+1)
	for i := 0; i <= steps; i++ {
		t := float64(i) / float64(steps)
		mt := 1 - t
		x := mt*mt*mt*p0x + 3*mt*mt*t*p1x + 3*mt*t*t*p2x + t*t*t*p3x
		y := mt*mt*mt*p0y + 3*mt*mt*t*p1y + 3*mt*t*t*p2y + t*t*t*p3y
		path = append(path, models.Point{X: int(x), Y: int(y)})
	}
	// Endpoints must land exactly where requested.
	path[0] = start
	path[len(path)-1] = end
	return path
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
