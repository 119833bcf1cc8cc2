package models

import (
	"fmt"
)

// CoordSpace is the normalized coordinate range used by the model.
// All model output coordinates are in [0, CoordSpace] regardless of the
// physical screen resolution; the executor denormalizes before dispatch.
const CoordSpace = 1000

type ActionType string

const (
	ActionTap              ActionType = "tap"
	ActionDoubleTap        ActionType = "double_tap"
	ActionLongPress        ActionType = "long_press"
	ActionSwipe            ActionType = "swipe"
	ActionTypeText         ActionType = "type_text"
	ActionKeyPress         ActionType = "key_press"
	ActionLaunchApp        ActionType = "launch_app"
	ActionWait             ActionType = "wait"
	ActionUserIntervention ActionType = "user_intervention"
)

// Keys accepted by ActionKeyPress.
const (
	KeyBack    = "BACK"
	KeyHome    = "HOME"
	KeyRecents = "RECENTS"
)

type Point struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Action is a single typed device operation. The Type tag selects which
// fields are meaningful; the executor matches exhaustively on it.
type Action struct {
	Type ActionType `json:"type"`

	// Tap / DoubleTap / LongPress target, normalized to [0, CoordSpace].
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// Swipe endpoints, normalized.
	Start Point `json:"start,omitempty"`
	End   Point `json:"end,omitempty"`

	// TypeText payload.
	Text string `json:"text,omitempty"`

	// KeyPress key name, e.g. BACK, HOME, RECENTS, ENTER.
	Key string `json:"key,omitempty"`

	// LaunchApp package name.
	Package string `json:"package,omitempty"`

	// Wait duration in milliseconds.
	DurationMS int `json:"duration_ms,omitempty"`

	// UserIntervention free-text comment, injected by an operator.
	Message string `json:"message,omitempty"`
}

// Validate rejects malformed actions before they reach the device.
func (a *Action) Validate() error {
	inRange := func(v int) bool { return v >= 0 && v <= CoordSpace }

	switch a.Type {
	case ActionTap, ActionDoubleTap, ActionLongPress:
		if !inRange(a.X) || !inRange(a.Y) {
			return fmt.Errorf("%s coordinates out of range: (%d, %d)", a.Type, a.X, a.Y)
		}
	case ActionSwipe:
		if !inRange(a.Start.X) || !inRange(a.Start.Y) || !inRange(a.End.X) || !inRange(a.End.Y) {
			return fmt.Errorf("swipe coordinates out of range: %v -> %v", a.Start, a.End)
		}
	case ActionTypeText:
		if a.Text == "" {
			return fmt.Errorf("type_text requires non-empty text")
		}
	case ActionKeyPress:
		if a.Key == "" {
			return fmt.Errorf("key_press requires a key name")
		}
	case ActionLaunchApp:
		if a.Package == "" {
			return fmt.Errorf("launch_app requires a package name")
		}
	case ActionWait:
		if a.DurationMS <= 0 {
			return fmt.Errorf("wait requires a positive duration, got %d", a.DurationMS)
		}
	case ActionUserIntervention:
		if a.Message == "" {
			return fmt.Errorf("user_intervention requires a message")
		}
	default:
		return fmt.Errorf("unknown action type: %q", a.Type)
	}
	return nil
}

// Denormalize maps a normalized coordinate to device pixels.
func Denormalize(v, size int) int {
	return v * size / CoordSpace
}

// Normalize maps a device pixel coordinate into the [0, CoordSpace] range.
func Normalize(v, size int) int {
	if size == 0 {
		return 0
	}
	return v * CoordSpace / size
}
