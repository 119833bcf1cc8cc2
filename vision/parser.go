package vision

import (
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"

	"phonepilot/models"
)

// ErrParse means the model reply contained no recoverable decision. The
// caller decides whether to retry with the same context or abort.
var ErrParse = errors.New("unparseable model response")

// Decision is the parsed output of one model call: the reasoning text
// plus either one chosen action or a finish signal.
type Decision struct {
	Thinking string
	Action   *models.Action
	Finished bool
	Message  string // finish/result message
	Raw      string
	Usage    models.TokenUsage
}

var (
	reCall     = regexp.MustCompile(`(?s)((?:do|finish)\s*\([^()]*(?:\([^()]*\)[^()]*)*\))`)
	reActName  = regexp.MustCompile(`(?i)action\s*=\s*["']([\w ]+)["']`)
	reStrArg   = `\s*=\s*["'](.+?)["']`
	rePointArg = `\s*=\s*\[\s*(\d+)\s*,\s*(\d+)\s*\]`
)

// ParseResponse splits a raw model reply into thinking and action text.
// It tolerates the formats seen in the wild: <think>/<answer> tags, a
// JSON object with think/action keys, and free prose with an embedded
// do(...)/finish(...) call as the last resort.
func ParseResponse(content string) (thinking, action string) {
	// <think>...</think><answer>...</answer>
	if idx := strings.Index(content, "<answer>"); idx >= 0 {
		thinking = strings.TrimSpace(stripTags(content[:idx]))
		action = strings.TrimSpace(strings.ReplaceAll(content[idx+len("<answer>"):], "</answer>", ""))
		return thinking, action
	}

	// {"think": "...", "action": "do(...)"}
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "{") && strings.Contains(trimmed, `"action"`) {
		var obj struct {
			Think  string `json:"think"`
			Action string `json:"action"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err == nil && obj.Action != "" {
			return strings.TrimSpace(obj.Think), strings.TrimSpace(obj.Action)
		}
	}

	// Last do(...)/finish(...) call embedded anywhere in the prose.
	if matches := reCall.FindAllString(content, -1); len(matches) > 0 {
		action = strings.TrimSpace(matches[len(matches)-1])
		idx := strings.LastIndex(content, action)
		thinking = strings.TrimSpace(stripTags(content[:idx]))
		return thinking, action
	}

	return "", strings.TrimSpace(content)
}

func stripTags(s string) string {
	for _, tag := range []string{"<think>", "</think>", "{think}", "{action}"} {
		s = strings.ReplaceAll(s, tag, "")
	}
	return s
}

// ParseAction parses a do(...)/finish(...) call into the typed action
// vocabulary. Action names are matched case-insensitively and with
// underscores and spaces interchangeable.
func ParseAction(text string) (*models.Action, bool, string, error) {
	text = strings.TrimSpace(text)

	lower := strings.ToLower(text)
	switch {
	case strings.HasPrefix(lower, "finish"):
		return nil, true, strArg(text, "message"), nil
	case strings.HasPrefix(lower, "do"):
	default:
		return nil, false, "", ErrParse
	}

	nameMatch := reActName.FindStringSubmatch(text)
	if nameMatch == nil {
		return nil, false, "", ErrParse
	}
	name := strings.ToLower(strings.ReplaceAll(nameMatch[1], " ", "_"))

	switch name {
	case "tap":
		x, y, ok := pointArg(text, "element")
		if !ok {
			return nil, false, "", ErrParse
		}
		return &models.Action{Type: models.ActionTap, X: x, Y: y}, false, "", nil

	case "double_tap":
		x, y, ok := pointArg(text, "element")
		if !ok {
			return nil, false, "", ErrParse
		}
		return &models.Action{Type: models.ActionDoubleTap, X: x, Y: y}, false, "", nil

	case "long_press":
		x, y, ok := pointArg(text, "element")
		if !ok {
			return nil, false, "", ErrParse
		}
		return &models.Action{Type: models.ActionLongPress, X: x, Y: y}, false, "", nil

	case "swipe":
		sx, sy, ok1 := pointArg(text, "start")
		ex, ey, ok2 := pointArg(text, "end")
		if !ok1 || !ok2 {
			return nil, false, "", ErrParse
		}
		return &models.Action{
			Type:  models.ActionSwipe,
			Start: models.Point{X: sx, Y: sy},
			End:   models.Point{X: ex, Y: ey},
		}, false, "", nil

	case "type":
		t := strArg(text, "text")
		if t == "" {
			return nil, false, "", ErrParse
		}
		return &models.Action{Type: models.ActionTypeText, Text: t}, false, "", nil

	case "back":
		return &models.Action{Type: models.ActionKeyPress, Key: models.KeyBack}, false, "", nil

	case "home":
		return &models.Action{Type: models.ActionKeyPress, Key: models.KeyHome}, false, "", nil

	case "recents":
		return &models.Action{Type: models.ActionKeyPress, Key: models.KeyRecents}, false, "", nil

	case "press":
		key := strings.ToUpper(strArg(text, "key"))
		if key == "" {
			return nil, false, "", ErrParse
		}
		return &models.Action{Type: models.ActionKeyPress, Key: key}, false, "", nil

	case "launch":
		app := strArg(text, "app")
		if app == "" {
			return nil, false, "", ErrParse
		}
		return &models.Action{Type: models.ActionLaunchApp, Package: app}, false, "", nil

	case "wait":
		ms := durationArgMS(text)
		if ms <= 0 {
			ms = 1000
		}
		return &models.Action{Type: models.ActionWait, DurationMS: ms}, false, "", nil
	}

	return nil, false, "", ErrParse
}

// ParseDecision runs both parsing stages over a raw reply.
func ParseDecision(content string) (Decision, error) {
	thinking, actionText := ParseResponse(content)
	action, finished, message, err := ParseAction(actionText)
	if err != nil {
		return Decision{Raw: content}, err
	}
	return Decision{
		Thinking: thinking,
		Action:   action,
		Finished: finished,
		Message:  message,
		Raw:      content,
	}, nil
}

func strArg(text, name string) string {
	re := regexp.MustCompile(`(?i)` + name + reStrArg)
	if m := re.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return ""
}

func pointArg(text, name string) (int, int, bool) {
	re := regexp.MustCompile(`(?i)` + name + rePointArg)
	m := re.FindStringSubmatch(text)
	if m == nil {
		return 0, 0, false
	}
	x, _ := strconv.Atoi(m[1])
	y, _ := strconv.Atoi(m[2])
	return x, y, true
}

var reDuration = regexp.MustCompile(`(?i)duration\s*=\s*["']?(\d+(?:\.\d+)?)\s*(ms|milliseconds?|s|seconds?)?["']?`)

func durationArgMS(text string) int {
	m := reDuration.FindStringSubmatch(text)
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	unit := strings.ToLower(m[2])
	if unit == "" || strings.HasPrefix(unit, "s") {
		return int(v * 1000)
	}
	return int(v)
}
