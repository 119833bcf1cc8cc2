package models

import (
	"time"
)

type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskPaused    TaskStatus = "paused"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
)

// Terminal reports whether the status is final; a terminal task and its
// steps are immutable.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	}
	return false
}

type ExecutionMode string

const (
	// ModeStepByStep calls the model once per action. Default, most robust.
	ModeStepByStep ExecutionMode = "step_by_step"
	// ModePlanned front-loads one planning call that yields an ordered
	// action batch, then drains it without per-action model calls.
	// Faster and cheaper, with no per-step course correction.
	ModePlanned ExecutionMode = "planned"
)

// ModelOverride lets a task target a different model endpoint than the
// server default.
type ModelOverride struct {
	Provider  string `json:"provider,omitempty"`
	BaseURL   string `json:"base_url,omitempty"`
	ModelName string `json:"model_name,omitempty"`
	APIKey    string `json:"api_key,omitempty"`
}

type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Add accumulates another usage sample.
func (u *TokenUsage) Add(other TokenUsage) {
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
}

// Step is one iteration of the perceive-decide-act loop, or a synthetic
// user intervention. Success is tri-state: nil while the step is in
// flight, then frozen once set. Thinking may be overwritten by streaming
// updates only while Success is nil.
type Step struct {
	Index         int        `json:"index"`
	Timestamp     time.Time  `json:"timestamp"`
	Thinking      string     `json:"thinking,omitempty"`
	Action        *Action    `json:"action,omitempty"`
	Observation   string     `json:"observation,omitempty"`
	Success       *bool      `json:"success"`
	ScreenshotRef string     `json:"screenshot_ref,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	Usage         TokenUsage `json:"usage"`
}

// Finalized reports whether the step's success flag has been set.
func (s *Step) Finalized() bool {
	return s.Success != nil
}

// Task is one instruction-driven automation run on a single device.
type Task struct {
	ID          string     `json:"id"`
	DeviceID    string     `json:"device_id,omitempty"`
	Instruction string     `json:"instruction"`
	Status      TaskStatus `json:"status"`

	MaxSteps         int            `json:"max_steps"`
	MaxHistoryImages int            `json:"max_history_images"`
	Mode             ExecutionMode  `json:"mode"`
	Model            *ModelOverride `json:"model,omitempty"`

	Steps  []*Step    `json:"steps,omitempty"`
	Usage  TokenUsage `json:"usage"`
	Result string     `json:"result,omitempty"`
	Error  string     `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// TaskRequest carries task creation parameters across the API boundary.
type TaskRequest struct {
	Instruction      string         `json:"instruction" binding:"required"`
	DeviceID         string         `json:"device_id,omitempty"`
	MaxSteps         int            `json:"max_steps,omitempty"`
	MaxHistoryImages int            `json:"max_history_images,omitempty"`
	Mode             ExecutionMode  `json:"mode,omitempty"`
	Model            *ModelOverride `json:"model,omitempty"`
}
