package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	deepseek "github.com/trustsight-io/deepseek-go"

	"phonepilot/models"
)

const plannerPrompt = `You are a planner for an Android automation agent. Given a task instruction and basic device info, produce an ordered list of concrete actions that completes the task without looking at the screen between steps.

Respond with a JSON object of the form:
{"plan": [{"action": "do(...)"}, {"action": "do(...)"}, {"action": "finish(message=\"...\")"}]}

Each "action" value uses the same call syntax as the interactive agent:
do(action="Tap", element=[x,y]), do(action="Swipe", start=[x1,y1], end=[x2,y2]), do(action="Type", text="..."), do(action="Launch", app="pkg"), do(action="Back"), do(action="Home"), do(action="Wait", duration="2 seconds"), finish(message="...").
Coordinates are on a 0-1000 grid. Keep plans short and end with finish.`

// Planner produces an up-front action list for planned-mode tasks. It
// uses a text-only model since no screenshots are consulted; planned
// mode trades adaptivity for fewer model round-trips.
type Planner struct {
	client *deepseek.Client
	model  string
}

// NewPlanner builds a planner against a DeepSeek-compatible endpoint.
func NewPlanner(apiKey, baseURL, model string, timeout time.Duration) (*Planner, error) {
	client, err := deepseek.NewClient(
		apiKey,
		deepseek.WithBaseURL(baseURL),
		deepseek.WithHTTPClient(&http.Client{Timeout: timeout}),
		deepseek.WithMaxRetries(2),
	)
	if err != nil {
		return nil, fmt.Errorf("create planner client: %w", err)
	}
	return &Planner{client: client, model: model}, nil
}

// Plan asks the model for the full action sequence. The returned slice
// ends with a nil action when the plan closes with finish; its message
// becomes the task result.
func (p *Planner) Plan(ctx context.Context, instruction, deviceInfo string) ([]PlannedStep, models.TokenUsage, error) {
	messages := []deepseek.Message{
		{Role: deepseek.RoleSystem, Content: plannerPrompt},
		{Role: deepseek.RoleUser, Content: fmt.Sprintf("Task: %s\nDevice: %s", instruction, deviceInfo)},
	}

	resp, err := p.client.CreateChatCompletion(ctx, &deepseek.ChatCompletionRequest{
		Model:       p.model,
		Messages:    messages,
		Temperature: 0,
		MaxTokens:   2000,
		JSONMode:    true,
	})
	if err != nil {
		return nil, models.TokenUsage{}, fmt.Errorf("plan request: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, models.TokenUsage{}, fmt.Errorf("plan response has no choices")
	}

	usage := models.TokenUsage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}

	steps, err := parsePlan(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, usage, err
	}
	return steps, usage, nil
}

// PlannedStep is one entry of a planned-mode action list. Finished marks
// the closing finish() call; Action is nil in that case.
type PlannedStep struct {
	Action   *models.Action
	Finished bool
	Message  string
	Raw      string
}

func parsePlan(content string) ([]PlannedStep, error) {
	var obj struct {
		Plan []struct {
			Action string `json:"action"`
		} `json:"plan"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &obj); err != nil {
		return nil, fmt.Errorf("%w: plan is not valid JSON", ErrParse)
	}
	if len(obj.Plan) == 0 {
		return nil, fmt.Errorf("%w: empty plan", ErrParse)
	}

	steps := make([]PlannedStep, 0, len(obj.Plan))
	for _, entry := range obj.Plan {
		action, finished, message, err := ParseAction(entry.Action)
		if err != nil {
			return nil, fmt.Errorf("%w: bad plan entry %q", ErrParse, entry.Action)
		}
		steps = append(steps, PlannedStep{
			Action:   action,
			Finished: finished,
			Message:  message,
			Raw:      entry.Action,
		})
		if finished {
			break
		}
	}
	return steps, nil
}
