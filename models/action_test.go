package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"valid tap", Action{Type: ActionTap, X: 500, Y: 500}, false},
		{"tap at origin", Action{Type: ActionTap, X: 0, Y: 0}, false},
		{"tap at max", Action{Type: ActionTap, X: CoordSpace, Y: CoordSpace}, false},
		{"tap out of range", Action{Type: ActionTap, X: 1001, Y: 500}, true},
		{"tap negative", Action{Type: ActionTap, X: -1, Y: 0}, true},
		{"valid swipe", Action{Type: ActionSwipe, Start: Point{100, 800}, End: Point{100, 200}}, false},
		{"swipe out of range", Action{Type: ActionSwipe, Start: Point{100, 1200}, End: Point{100, 200}}, true},
		{"valid type", Action{Type: ActionTypeText, Text: "hello"}, false},
		{"empty type text", Action{Type: ActionTypeText}, true},
		{"valid key", Action{Type: ActionKeyPress, Key: KeyBack}, false},
		{"empty key", Action{Type: ActionKeyPress}, true},
		{"valid launch", Action{Type: ActionLaunchApp, Package: "com.android.settings"}, false},
		{"launch without package", Action{Type: ActionLaunchApp}, true},
		{"valid wait", Action{Type: ActionWait, DurationMS: 2000}, false},
		{"wait without duration", Action{Type: ActionWait}, true},
		{"intervention needs message", Action{Type: ActionUserIntervention}, true},
		{"unknown type", Action{Type: "fly"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDenormalize(t *testing.T) {
	assert.Equal(t, 0, Denormalize(0, 1080))
	assert.Equal(t, 1080, Denormalize(CoordSpace, 1080))
	assert.Equal(t, 540, Denormalize(500, 1080))
}

func TestNormalizeRoundTrip(t *testing.T) {
	// A grid coordinate survives the round trip within rounding error.
	for _, v := range []int{0, 250, 500, 999, 1000} {
		px := Denormalize(v, 1080)
		back := Normalize(px, 1080)
		assert.InDelta(t, v, back, 1.0)
	}
	assert.Equal(t, 0, Normalize(100, 0))
}
