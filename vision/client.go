package vision

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"phonepilot/models"
)

const systemPrompt = `You are a phone operation assistant controlling an Android device through a fixed action vocabulary. Look at the current screenshot, reason about the task, then answer with exactly one action call.

Available actions:
- do(action="Tap", element=[x,y])
- do(action="Double Tap", element=[x,y])
- do(action="Long Press", element=[x,y])
- do(action="Swipe", start=[x1,y1], end=[x2,y2])
- do(action="Type", text="...")
- do(action="Back")
- do(action="Home")
- do(action="Recents")
- do(action="Launch", app="package.name")
- do(action="Wait", duration="2 seconds")
- finish(message="...")

Coordinates are normalized to a 0-1000 grid over the screen. Reply in the form <think>reasoning</think><answer>action</answer>. Call finish only when the task is verifiably complete.`

// ModelConfig configures one chat-completion endpoint.
type ModelConfig struct {
	BaseURL     string
	APIKey      string
	ModelName   string
	MaxTokens   int
	Temperature float64
	TopP        float64
	Timeout     time.Duration
	Streaming   bool
}

// DecisionContext is everything the model sees for one step: the
// instruction, the step history (text for all steps, images only for
// the most recent few) and the current frame.
type DecisionContext struct {
	Instruction   string
	Steps         []*models.Step
	HistoryImages []string // base64 JPEG, oldest first, aligned to the last len() steps
	CurrentImage  string   // base64 PNG of the current frame
	CurrentApp    string
}

// Client talks to an OpenAI-compatible vision chat-completion endpoint.
// The per-request timeout is enforced through the context, independent
// of the HTTP client, so a hung call cannot stall a task indefinitely.
type Client struct {
	cfg    ModelConfig
	http   *http.Client
	logger zerolog.Logger
}

func NewClient(cfg ModelConfig, logger zerolog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		http:   &http.Client{},
		logger: logger.With().Str("component", "vision").Logger(),
	}
}

// WithOverride returns a client for a task-level model override, keeping
// unset fields from the base configuration.
func (c *Client) WithOverride(o *models.ModelOverride) *Client {
	if o == nil {
		return c
	}
	cfg := c.cfg
	if o.BaseURL != "" {
		cfg.BaseURL = o.BaseURL
	}
	if o.ModelName != "" {
		cfg.ModelName = o.ModelName
	}
	if o.APIKey != "" {
		cfg.APIKey = o.APIKey
	}
	return &Client{cfg: cfg, http: c.http, logger: c.logger}
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	TopP        float64       `json:"top_p,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

type chatStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Usage *chatUsage `json:"usage"`
}

// Decide sends the context to the model and parses the structured
// decision from the reply. When streaming is enabled, incremental
// thinking text is delivered through onToken; the caller must replace
// any streamed text with the parsed Decision.Thinking once this
// returns, never concatenate the two.
func (c *Client) Decide(ctx context.Context, dc DecisionContext, onToken func(string)) (Decision, error) {
	messages := c.buildMessages(dc)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	var (
		content string
		usage   models.TokenUsage
		err     error
	)
	if c.cfg.Streaming && onToken != nil {
		content, usage, err = c.complete(ctx, messages, onToken)
	} else {
		content, usage, err = c.complete(ctx, messages, nil)
	}
	if err != nil {
		return Decision{}, err
	}

	decision, perr := ParseDecision(content)
	decision.Usage = usage
	if perr != nil {
		c.logger.Warn().Str("raw", truncate(content, 200)).Msg("model reply did not parse")
		return decision, perr
	}
	return decision, nil
}

func (c *Client) buildMessages(dc DecisionContext) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: systemPrompt}}

	screenInfo, _ := json.Marshal(map[string]string{"current_app": dc.CurrentApp})
	messages = append(messages, chatMessage{
		Role:    "user",
		Content: fmt.Sprintf("Task: %s\n\nScreen Info: %s", dc.Instruction, screenInfo),
	})

	// Replay history. Text for every step; images only for the most
	// recent ones, attached to the observation that followed them.
	imgOffset := len(dc.Steps) - len(dc.HistoryImages)
	for i, step := range dc.Steps {
		if step.Action != nil && step.Action.Type == models.ActionUserIntervention {
			messages = append(messages, chatMessage{
				Role:    "user",
				Content: "[User Intervention] " + step.Action.Message,
			})
			continue
		}

		messages = append(messages, chatMessage{
			Role:    "assistant",
			Content: fmt.Sprintf("<think>%s</think><answer>%s</answer>", step.Thinking, FormatAction(step.Action)),
		})

		obs := "Observation: " + step.Observation
		if i >= imgOffset && i-imgOffset < len(dc.HistoryImages) {
			messages = append(messages, chatMessage{
				Role: "user",
				Content: []contentPart{
					{Type: "image_url", ImageURL: &imageURL{URL: "data:image/jpeg;base64," + dc.HistoryImages[i-imgOffset]}},
					{Type: "text", Text: obs},
				},
			})
		} else {
			messages = append(messages, chatMessage{Role: "user", Content: obs})
		}
	}

	messages = append(messages, chatMessage{
		Role: "user",
		Content: []contentPart{
			{Type: "image_url", ImageURL: &imageURL{URL: "data:image/png;base64," + dc.CurrentImage}},
			{Type: "text", Text: "Current screen. Decide the next action."},
		},
	})
	return messages
}

func (c *Client) complete(ctx context.Context, messages []chatMessage, onToken func(string)) (string, models.TokenUsage, error) {
	req := chatRequest{
		Model:       c.cfg.ModelName,
		Messages:    messages,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: c.cfg.Temperature,
		TopP:        c.cfg.TopP,
		Stream:      onToken != nil,
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", models.TokenUsage{}, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(c.cfg.BaseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", models.TokenUsage{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return "", models.TokenUsage{}, fmt.Errorf("model request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", models.TokenUsage{}, fmt.Errorf("model endpoint returned %d: %s", resp.StatusCode, truncate(string(b), 200))
	}

	if onToken == nil {
		var parsed chatResponse
		if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
			return "", models.TokenUsage{}, fmt.Errorf("decode model response: %w", err)
		}
		if len(parsed.Choices) == 0 {
			return "", models.TokenUsage{}, fmt.Errorf("model response has no choices")
		}
		return parsed.Choices[0].Message.Content, toUsage(parsed.Usage), nil
	}

	return c.readStream(resp.Body, onToken)
}

// readStream consumes an SSE chat-completion stream, forwarding content
// deltas and accumulating the full reply.
func (c *Client) readStream(r io.Reader, onToken func(string)) (string, models.TokenUsage, error) {
	var (
		sb    strings.Builder
		usage models.TokenUsage
	)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}

		var chunk chatStreamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			continue // tolerate malformed keep-alive chunks
		}
		if chunk.Usage != nil {
			usage = toUsage(chunk.Usage)
		}
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			sb.WriteString(chunk.Choices[0].Delta.Content)
			onToken(chunk.Choices[0].Delta.Content)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", usage, fmt.Errorf("read model stream: %w", err)
	}
	return sb.String(), usage, nil
}

func toUsage(u *chatUsage) models.TokenUsage {
	if u == nil {
		return models.TokenUsage{}
	}
	return models.TokenUsage{
		PromptTokens:     u.PromptTokens,
		CompletionTokens: u.CompletionTokens,
		TotalTokens:      u.TotalTokens,
	}
}

// FormatAction renders an action back into the call syntax used in the
// conversation replay.
func FormatAction(a *models.Action) string {
	if a == nil {
		return `finish(message="")`
	}
	switch a.Type {
	case models.ActionTap:
		return fmt.Sprintf(`do(action="Tap", element=[%d,%d])`, a.X, a.Y)
	case models.ActionDoubleTap:
		return fmt.Sprintf(`do(action="Double Tap", element=[%d,%d])`, a.X, a.Y)
	case models.ActionLongPress:
		return fmt.Sprintf(`do(action="Long Press", element=[%d,%d])`, a.X, a.Y)
	case models.ActionSwipe:
		return fmt.Sprintf(`do(action="Swipe", start=[%d,%d], end=[%d,%d])`, a.Start.X, a.Start.Y, a.End.X, a.End.Y)
	case models.ActionTypeText:
		return fmt.Sprintf(`do(action="Type", text=%q)`, a.Text)
	case models.ActionKeyPress:
		switch a.Key {
		case models.KeyBack:
			return `do(action="Back")`
		case models.KeyHome:
			return `do(action="Home")`
		case models.KeyRecents:
			return `do(action="Recents")`
		}
		return fmt.Sprintf(`do(action="Press", key=%q)`, a.Key)
	case models.ActionLaunchApp:
		return fmt.Sprintf(`do(action="Launch", app=%q)`, a.Package)
	case models.ActionWait:
		return fmt.Sprintf(`do(action="Wait", duration="%d ms")`, a.DurationMS)
	case models.ActionUserIntervention:
		return fmt.Sprintf("[User Intervention] %s", a.Message)
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
