package service

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/image/draw"

	"phonepilot/adb"
	"phonepilot/models"
)

// ErrCaptureFailed wraps any screenshot failure so the task loop can
// treat all capture problems as one retryable class.
var ErrCaptureFailed = errors.New("screen capture failed")

// Frame is one captured screenshot plus its pixel dimensions.
type Frame struct {
	PNG       []byte
	Width     int
	Height    int
	Timestamp time.Time
}

// Base64 returns the PNG encoded for a data URL.
func (f *Frame) Base64() string {
	return base64.StdEncoding.EncodeToString(f.PNG)
}

// Perception captures device screenshots for the decision loop. Capture
// has its own timeout so a wedged adb invocation surfaces as a step
// failure instead of hanging the task.
type Perception struct {
	adb     *adb.Client
	timeout time.Duration
	logger  zerolog.Logger
}

func NewPerception(adbClient *adb.Client, timeout time.Duration, logger zerolog.Logger) *Perception {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Perception{
		adb:     adbClient,
		timeout: timeout,
		logger:  logger.With().Str("component", "perception").Logger(),
	}
}

// Capture grabs the current screen of a device.
func (p *Perception) Capture(ctx context.Context, device *models.Device) (*Frame, error) {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	data, err := p.adb.ScreenCapture(cctx, device.ADBAddress)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureFailed, err)
	}

	cfg, err := png.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: bad png: %v", ErrCaptureFailed, err)
	}

	return &Frame{
		PNG:       data,
		Width:     cfg.Width,
		Height:    cfg.Height,
		Timestamp: time.Now(),
	}, nil
}

// CurrentApp reports the foreground package, best effort.
func (p *Perception) CurrentApp(ctx context.Context, device *models.Device) string {
	cctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.adb.CurrentApp(cctx, device.ADBAddress)
}

// DownscaleJPEG re-encodes a frame at reduced width for the history
// context, where full resolution only burns tokens. Returns base64 JPEG.
func DownscaleJPEG(f *Frame, maxWidth int) (string, error) {
	src, err := png.Decode(bytes.NewReader(f.PNG))
	if err != nil {
		return "", fmt.Errorf("decode frame: %w", err)
	}

	b := src.Bounds()
	if b.Dx() > maxWidth && maxWidth > 0 {
		h := b.Dy() * maxWidth / b.Dx()
		dst := image.NewRGBA(image.Rect(0, 0, maxWidth, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), src, b, draw.Over, nil)
		src = dst
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 70}); err != nil {
		return "", fmt.Errorf("encode frame: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
