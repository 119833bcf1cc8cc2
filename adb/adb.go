package adb

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"phonepilot/models"
)

// Android keycodes for the typed key vocabulary.
const (
	KeycodeHome      = 3
	KeycodeBack      = 4
	KeycodeAppSwitch = 187
)

// Client wraps ADB command execution against devices exposed through the
// tunnel layer. Each device is addressed as localhost:<tunnel_port>.
type Client struct {
	ADBPath string
	logger  zerolog.Logger
}

func NewClient(logger zerolog.Logger) *Client {
	return &Client{
		ADBPath: "adb", // assumes adb is in PATH
		logger:  logger.With().Str("component", "adb").Logger(),
	}
}

// Connect attaches the local adb server to a tunneled device address.
// Succeeding is the second half of the discovery handshake; the first is
// the raw TCP dial done by the scanner.
func (c *Client) Connect(ctx context.Context, address string) error {
	out, err := exec.CommandContext(ctx, c.ADBPath, "connect", address).Output()
	if err != nil {
		return fmt.Errorf("adb connect %s: %w", address, err)
	}
	s := string(out)
	if !strings.Contains(s, "connected") {
		return fmt.Errorf("adb connect %s: %s", address, strings.TrimSpace(s))
	}
	return nil
}

// Disconnect detaches a tunneled device address.
func (c *Client) Disconnect(address string) error {
	if err := exec.Command(c.ADBPath, "disconnect", address).Run(); err != nil {
		return fmt.Errorf("adb disconnect %s: %w", address, err)
	}
	return nil
}

func (c *Client) shell(ctx context.Context, address string, args ...string) (string, error) {
	full := append([]string{"-s", address, "shell"}, args...)
	out, err := exec.CommandContext(ctx, c.ADBPath, full...).Output()
	if err != nil {
		return "", fmt.Errorf("adb shell %v: %w", args, err)
	}
	return string(out), nil
}

// GetProperty reads a system property from the device.
func (c *Client) GetProperty(ctx context.Context, address, property string) (string, error) {
	out, err := c.shell(ctx, address, "getprop", property)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// ScreenResolution returns the active resolution in pixels. An override
// size takes precedence over the physical size because it is what the
// device actually renders.
func (c *Client) ScreenResolution(ctx context.Context, address string) (width, height int, err error) {
	out, err := c.shell(ctx, address, "wm", "size")
	if err != nil {
		return 0, 0, err
	}

	var physical, override string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "Physical size:"); ok {
			physical = strings.TrimSpace(v)
		}
		if v, ok := strings.CutPrefix(line, "Override size:"); ok {
			override = strings.TrimSpace(v)
		}
	}

	size := override
	if size == "" {
		size = physical
	}
	w, h, ok := parseResolution(size)
	if !ok {
		return 0, 0, fmt.Errorf("unparseable wm size output: %q", size)
	}
	return w, h, nil
}

func parseResolution(s string) (int, int, bool) {
	parts := strings.SplitN(s, "x", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	w, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	h, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || w <= 0 || h <= 0 {
		return 0, 0, false
	}
	return w, h, true
}

// BatteryLevel returns the battery percentage (0-100).
func (c *Client) BatteryLevel(ctx context.Context, address string) (int, error) {
	out, err := c.shell(ctx, address, "dumpsys", "battery")
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if v, ok := strings.CutPrefix(line, "level:"); ok {
			level, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				return 0, fmt.Errorf("parse battery level: %w", err)
			}
			return level, nil
		}
	}
	return 0, fmt.Errorf("battery level not found")
}

// CurrentApp returns the package name of the foreground activity, or ""
// when it cannot be determined.
func (c *Client) CurrentApp(ctx context.Context, address string) string {
	out, err := c.shell(ctx, address, "dumpsys", "window", "|", "grep", "mCurrentFocus")
	if err != nil {
		return ""
	}
	// mCurrentFocus=Window{... com.android.settings/com.android.settings.Settings}
	idx := strings.LastIndex(out, " ")
	if idx < 0 {
		return ""
	}
	focus := strings.TrimRight(strings.TrimSpace(out[idx+1:]), "}")
	if pkg, _, ok := strings.Cut(focus, "/"); ok {
		return pkg
	}
	return ""
}

// ScreenCapture captures the device screen and returns PNG bytes.
func (c *Client) ScreenCapture(ctx context.Context, address string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, c.ADBPath, "-s", address, "exec-out", "screencap", "-p")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("screencap failed: %w, stderr: %s", err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// StartH264Stream starts hardware-encoded H.264 capture via screenrecord
// and returns the raw Annex-B byte stream. screenrecord stops itself
// after its 3-minute cap; the relay restarts it transparently.
func (c *Client) StartH264Stream(ctx context.Context, address string, bitrate int, size string) (io.ReadCloser, *exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, c.ADBPath, "-s", address, "exec-out",
		"screenrecord",
		"--output-format=h264",
		"--bit-rate="+strconv.Itoa(bitrate),
		"--size="+size,
		"-")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("start screenrecord: %w", err)
	}
	return stdout, cmd, nil
}

// SendTap sends a tap at pixel coordinates.
func (c *Client) SendTap(ctx context.Context, address string, x, y int) error {
	if _, err := c.shell(ctx, address, "input", "tap", strconv.Itoa(x), strconv.Itoa(y)); err != nil {
		return fmt.Errorf("tap failed: %w", err)
	}
	return nil
}

// SendSwipe sends a single straight swipe segment.
func (c *Client) SendSwipe(ctx context.Context, address string, x1, y1, x2, y2, durationMS int) error {
	_, err := c.shell(ctx, address, "input", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1),
		strconv.Itoa(x2), strconv.Itoa(y2),
		strconv.Itoa(durationMS))
	if err != nil {
		return fmt.Errorf("swipe failed: %w", err)
	}
	return nil
}

// SendSwipePath executes a swipe along a multi-point path as consecutive
// short segments, producing a curved motion instead of one straight line.
func (c *Client) SendSwipePath(ctx context.Context, address string, path []models.Point, totalMS int) error {
	if len(path) < 2 {
		return fmt.Errorf("swipe path needs at least 2 points, got %d", len(path))
	}
	segMS := totalMS / (len(path) - 1)
	if segMS < 10 {
		segMS = 10
	}
	for i := 0; i < len(path)-1; i++ {
		if err := c.SendSwipe(ctx, address, path[i].X, path[i].Y, path[i+1].X, path[i+1].Y, segMS); err != nil {
			return err
		}
	}
	return nil
}

// SendLongPress holds a point via a zero-distance swipe.
func (c *Client) SendLongPress(ctx context.Context, address string, x, y, durationMS int) error {
	return c.SendSwipe(ctx, address, x, y, x, y, durationMS)
}

// SendText sends text input. Spaces must be escaped for `input text`.
func (c *Client) SendText(ctx context.Context, address, text string) error {
	escaped := strings.ReplaceAll(text, " ", "%s")
	if _, err := c.shell(ctx, address, "input", "text", escaped); err != nil {
		return fmt.Errorf("text input failed: %w", err)
	}
	return nil
}

// SendKey sends a key event by keycode.
func (c *Client) SendKey(ctx context.Context, address string, keycode int) error {
	if _, err := c.shell(ctx, address, "input", "keyevent", strconv.Itoa(keycode)); err != nil {
		return fmt.Errorf("key event failed: %w", err)
	}
	return nil
}

// OpenApp launches an app by package name.
func (c *Client) OpenApp(ctx context.Context, address, packageName string) error {
	_, err := c.shell(ctx, address, "monkey", "-p", packageName, "-c", "android.intent.category.LAUNCHER", "1")
	if err != nil {
		return fmt.Errorf("app launch failed: %w", err)
	}
	return nil
}
