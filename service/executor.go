package service

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"phonepilot/adb"
	"phonepilot/models"
)

// ExecutionResult is the observation produced by running one action.
type ExecutionResult struct {
	OK      bool
	Message string
}

// keycodes maps the typed key vocabulary to Android keycodes. Unknown
// keys are rejected before touching the device.
var keycodes = map[string]int{
	models.KeyBack:    adb.KeycodeBack,
	models.KeyHome:    adb.KeycodeHome,
	models.KeyRecents: adb.KeycodeAppSwitch,
	"ENTER":           66,
	"DELETE":          67,
	"VOLUME_UP":       24,
	"VOLUME_DOWN":     25,
	"POWER":           26,
}

// Executor translates normalized actions into device input. Coordinates
// arrive on the 0-1000 grid and are denormalized against the device's
// real resolution, then jittered inside the configured radius so repeat
// runs never land on identical pixels.
type Executor struct {
	adb        *adb.Client
	antiDetect *adb.AntiDetect
	logger     zerolog.Logger
}

func NewExecutor(adbClient *adb.Client, antiDetect *adb.AntiDetect, logger zerolog.Logger) *Executor {
	return &Executor{
		adb:        adbClient,
		antiDetect: antiDetect,
		logger:     logger.With().Str("component", "executor").Logger(),
	}
}

// Execute validates and runs one action against a device. A failed
// action returns OK=false with the failure message as the observation;
// the error return is reserved for invalid input.
func (e *Executor) Execute(ctx context.Context, device *models.Device, action *models.Action) (ExecutionResult, error) {
	if err := action.Validate(); err != nil {
		return ExecutionResult{}, fmt.Errorf("invalid action: %w", err)
	}
	if device.ScreenWidth <= 0 || device.ScreenHeight <= 0 {
		return ExecutionResult{}, fmt.Errorf("device %s has unknown screen size", device.ID)
	}

	e.antiDetect.HumanDelay(ctx)

	err := e.dispatch(ctx, device, action)
	if err != nil {
		e.logger.Warn().Str("device", device.ID).Str("action", string(action.Type)).Err(err).Msg("action failed")
		return ExecutionResult{OK: false, Message: err.Error()}, nil
	}
	return ExecutionResult{OK: true, Message: e.describe(action)}, nil
}

func (e *Executor) dispatch(ctx context.Context, device *models.Device, action *models.Action) error {
	addr := device.ADBAddress
	w, h := device.ScreenWidth, device.ScreenHeight

	switch action.Type {
	case models.ActionTap:
		x, y := e.point(action.X, action.Y, w, h)
		return e.adb.SendTap(ctx, addr, x, y)

	case models.ActionDoubleTap:
		x, y := e.point(action.X, action.Y, w, h)
		if err := e.adb.SendTap(ctx, addr, x, y); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(80 * time.Millisecond):
		}
		return e.adb.SendTap(ctx, addr, x, y)

	case models.ActionLongPress:
		x, y := e.point(action.X, action.Y, w, h)
		ms := action.DurationMS
		if ms <= 0 {
			ms = 800
		}
		return e.adb.SendLongPress(ctx, addr, x, y, ms)

	case models.ActionSwipe:
		sx, sy := e.point(action.Start.X, action.Start.Y, w, h)
		ex, ey := e.point(action.End.X, action.End.Y, w, h)
		ms := action.DurationMS
		if ms <= 0 {
			ms = 400
		}
		path := e.antiDetect.SwipePath(models.Point{X: sx, Y: sy}, models.Point{X: ex, Y: ey})
		return e.adb.SendSwipePath(ctx, addr, path, ms)

	case models.ActionTypeText:
		return e.adb.SendText(ctx, addr, action.Text)

	case models.ActionKeyPress:
		code, ok := keycodes[action.Key]
		if !ok {
			return fmt.Errorf("unsupported key %q", action.Key)
		}
		return e.adb.SendKey(ctx, addr, code)

	case models.ActionLaunchApp:
		return e.adb.OpenApp(ctx, addr, action.Package)

	case models.ActionWait:
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(action.DurationMS) * time.Millisecond):
		}
		return nil

	case models.ActionUserIntervention:
		// Recorded in the step history only; nothing to run on-device.
		return nil
	}
	return fmt.Errorf("unhandled action type %q", action.Type)
}

// point denormalizes grid coordinates to pixels and applies jitter.
func (e *Executor) point(gx, gy, w, h int) (int, int) {
	x := models.Denormalize(gx, w)
	y := models.Denormalize(gy, h)
	return e.antiDetect.JitterPoint(x, y, w, h)
}

func (e *Executor) describe(a *models.Action) string {
	switch a.Type {
	case models.ActionTap:
		return fmt.Sprintf("tapped (%d,%d)", a.X, a.Y)
	case models.ActionDoubleTap:
		return fmt.Sprintf("double-tapped (%d,%d)", a.X, a.Y)
	case models.ActionLongPress:
		return fmt.Sprintf("long-pressed (%d,%d)", a.X, a.Y)
	case models.ActionSwipe:
		return fmt.Sprintf("swiped (%d,%d) -> (%d,%d)", a.Start.X, a.Start.Y, a.End.X, a.End.Y)
	case models.ActionTypeText:
		return fmt.Sprintf("typed %d characters", len(a.Text))
	case models.ActionKeyPress:
		return "pressed " + a.Key
	case models.ActionLaunchApp:
		return "launched " + a.Package
	case models.ActionWait:
		return fmt.Sprintf("waited %dms", a.DurationMS)
	case models.ActionUserIntervention:
		return "user intervention noted"
	}
	return string(a.Type)
}
