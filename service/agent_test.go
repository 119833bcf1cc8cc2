package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phonepilot/models"
	"phonepilot/vision"
)

type fakeDevices struct {
	mu      sync.Mutex
	device  models.Device
	results []bool
}

func newFakeDevices() *fakeDevices {
	return &fakeDevices{device: models.Device{
		ID:           "device_6100",
		ADBAddress:   "localhost:6100",
		ScreenWidth:  1080,
		ScreenHeight: 1920,
		Status:       models.DeviceOnline,
	}}
}

func (f *fakeDevices) Get(string) (*models.Device, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d := f.device
	return &d, true
}

func (f *fakeDevices) setOffline() {
	f.mu.Lock()
	f.device.Status = models.DeviceOffline
	f.mu.Unlock()
}

func (f *fakeDevices) RecordTaskResult(_ string, success bool) {
	f.mu.Lock()
	f.results = append(f.results, success)
	f.mu.Unlock()
}

type fakePerception struct {
	mu       sync.Mutex
	failAll  bool
	captures int
}

func (f *fakePerception) Capture(context.Context, *models.Device) (*Frame, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.captures++
	if f.failAll {
		return nil, fmt.Errorf("%w: adb exited", ErrCaptureFailed)
	}
	return &Frame{PNG: []byte("not-a-real-png"), Width: 1080, Height: 1920, Timestamp: time.Now()}, nil
}

func (f *fakePerception) CurrentApp(context.Context, *models.Device) string { return "com.example" }

func (f *fakePerception) captureCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.captures
}

type fakeExecutor struct {
	mu       sync.Mutex
	actions  []*models.Action
	failNext int // number of upcoming calls that report failure
}

func (f *fakeExecutor) Execute(_ context.Context, _ *models.Device, a *models.Action) (ExecutionResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, a)
	if f.failNext > 0 {
		f.failNext--
		return ExecutionResult{OK: false, Message: "element not found"}, nil
	}
	return ExecutionResult{OK: true, Message: "ok"}, nil
}

type fakeModel struct {
	mu      sync.Mutex
	replies []func() (vision.Decision, error)
	calls   int
}

func (m *fakeModel) Decide(_ context.Context, _ vision.DecisionContext, _ func(string)) (vision.Decision, error) {
	m.mu.Lock()
	i := m.calls
	m.calls++
	m.mu.Unlock()
	if len(m.replies) == 0 {
		return vision.Decision{}, fmt.Errorf("unexpected model call")
	}
	if i >= len(m.replies) {
		i = len(m.replies) - 1 // repeat the last scripted reply
	}
	return m.replies[i]()
}

func (m *fakeModel) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type fakePlanner struct {
	mu    sync.Mutex
	plans [][]vision.PlannedStep
	calls int
}

func (p *fakePlanner) Plan(context.Context, string, string) ([]vision.PlannedStep, models.TokenUsage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	if i >= len(p.plans) {
		return nil, models.TokenUsage{}, fmt.Errorf("no plan scripted")
	}
	return p.plans[i], models.TokenUsage{TotalTokens: 10}, nil
}

type fakeHub struct {
	mu       sync.Mutex
	steps    []*models.Step
	statuses []models.TaskStatus
}

func (h *fakeHub) PublishStep(_ string, step *models.Step) {
	h.mu.Lock()
	h.steps = append(h.steps, step)
	h.mu.Unlock()
}

func (h *fakeHub) PublishStatus(task *models.Task) {
	h.mu.Lock()
	h.statuses = append(h.statuses, task.Status)
	h.mu.Unlock()
}

func (h *fakeHub) PublishThinking(string, int, string) {}

type fakeStore struct {
	mu    sync.Mutex
	last  *models.Task
	saves int
}

func (s *fakeStore) SaveTask(t *models.Task) error {
	s.mu.Lock()
	s.last = t
	s.saves++
	s.mu.Unlock()
	return nil
}

func tapReply() (vision.Decision, error) {
	return vision.Decision{
		Thinking: "tapping the target",
		Action:   &models.Action{Type: models.ActionTap, X: 500, Y: 500},
		Usage:    models.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}, nil
}

func launchReply() (vision.Decision, error) {
	return vision.Decision{
		Thinking: "opening settings first",
		Action:   &models.Action{Type: models.ActionLaunchApp, Package: "com.android.settings"},
		Usage:    models.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
	}, nil
}

func finishReply(msg string) func() (vision.Decision, error) {
	return func() (vision.Decision, error) {
		return vision.Decision{
			Thinking: "task looks done",
			Finished: true,
			Message:  msg,
			Usage:    models.TokenUsage{PromptTokens: 50, CompletionTokens: 10, TotalTokens: 60},
		}, nil
	}
}

func parseFailReply() (vision.Decision, error) {
	return vision.Decision{}, fmt.Errorf("%w: gibberish", vision.ErrParse)
}

type runnerFixture struct {
	runner     *TaskRunner
	task       *models.Task
	devices    *fakeDevices
	perception *fakePerception
	executor   *fakeExecutor
	model      *fakeModel
	planner    *fakePlanner
	hub        *fakeHub
	store      *fakeStore
}

func newRunnerFixture(t *testing.T, cfg RunnerConfig, task *models.Task) *runnerFixture {
	t.Helper()
	if task.ID == "" {
		task.ID = "task-1"
	}
	task.DeviceID = "device_6100"
	task.Status = models.TaskPending
	if task.Mode == "" {
		task.Mode = models.ModeStepByStep
	}
	if task.MaxSteps == 0 {
		task.MaxSteps = 50
	}
	if cfg.StepRetryLimit == 0 {
		cfg.StepRetryLimit = 2
	}

	f := &runnerFixture{
		task:       task,
		devices:    newFakeDevices(),
		perception: &fakePerception{},
		executor:   &fakeExecutor{},
		model:      &fakeModel{},
		planner:    &fakePlanner{},
		hub:        &fakeHub{},
		store:      &fakeStore{},
	}
	f.runner = NewTaskRunner(cfg, task, f.perception, f.executor, f.model, f.planner,
		f.hub, f.store, f.devices, zerolog.Nop(), nil)
	return f
}

func waitForStatus(t *testing.T, r *TaskRunner, want models.TaskStatus) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		if r.Snapshot().Status == want {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("task never reached status %s (now %s)", want, r.Snapshot().Status)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRunnerCompletesTask(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "open settings"})
	f.model.replies = []func() (vision.Decision, error){launchReply, finishReply("settings opened")}

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskCompleted, snap.Status)
	assert.Equal(t, "settings opened", snap.Result)
	require.Len(t, snap.Steps, 2)
	for _, step := range snap.Steps {
		require.NotNil(t, step.Success)
		assert.True(t, *step.Success)
	}
	assert.Equal(t, models.ActionLaunchApp, snap.Steps[0].Action.Type)
	assert.Nil(t, snap.Steps[1].Action)
	assert.Equal(t, 180, snap.Usage.TotalTokens)
	assert.NotNil(t, snap.CompletedAt)

	assert.Equal(t, []bool{true}, f.devices.results)
	require.Len(t, f.executor.actions, 1)
}

func TestRunnerFailsAfterRepeatedParseFailures(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{StepRetryLimit: 2}, &models.Task{Instruction: "do something"})
	f.model.replies = []func() (vision.Decision, error){parseFailReply}

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskFailed, snap.Status)
	assert.Contains(t, snap.Error, "no usable decision")
	// retry ceiling of 2 means three attempts total
	assert.Equal(t, 3, f.model.callCount())
	require.Len(t, snap.Steps, 3)
	for _, step := range snap.Steps {
		require.NotNil(t, step.Success)
		assert.False(t, *step.Success)
	}
	assert.Equal(t, []bool{false}, f.devices.results)
	assert.Empty(t, f.executor.actions)
}

func TestRunnerFailsAfterRepeatedCaptureFailures(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{StepRetryLimit: 2}, &models.Task{Instruction: "do something"})
	f.perception.failAll = true

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskFailed, snap.Status)
	assert.Contains(t, snap.Error, "capture")
	// retry ceiling of 2 means three attempts, each a visible failed step
	assert.Equal(t, 3, f.perception.captureCount())
	require.Len(t, snap.Steps, 3)
	for _, step := range snap.Steps {
		require.NotNil(t, step.Success)
		assert.False(t, *step.Success)
		assert.Contains(t, step.Observation, "capture")
	}
	assert.Equal(t, 0, f.model.callCount())
	assert.Empty(t, f.executor.actions)
}

func TestRunnerCancelBeforeFirstStep(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "anything"})
	f.runner.Cancel()

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskCancelled, snap.Status)
	assert.Empty(t, snap.Steps)
	assert.Equal(t, 0, f.model.callCount())
}

func TestRunnerPauseAtStepBoundary(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "toggle wifi"})
	f.model.replies = []func() (vision.Decision, error){
		func() (vision.Decision, error) {
			close(started)
			<-release
			return tapReply()
		},
		finishReply("wifi toggled"),
	}

	go f.runner.Run(context.Background())

	<-started
	// The step is mid-flight: the pause must wait for it to finalize.
	require.NoError(t, f.runner.Pause())
	close(release)

	waitForStatus(t, f.runner, models.TaskPaused)
	snap := f.runner.Snapshot()
	require.Len(t, snap.Steps, 1, "the in-flight step finalizes, no new step starts")
	require.NotNil(t, snap.Steps[0].Success)
	assert.True(t, *snap.Steps[0].Success)

	require.NoError(t, f.runner.Intervene("the toggle is in quick settings"))
	require.NoError(t, f.runner.Resume())
	<-f.runner.Done()

	snap = f.runner.Snapshot()
	assert.Equal(t, models.TaskCompleted, snap.Status)
	require.Len(t, snap.Steps, 3)
	require.NotNil(t, snap.Steps[1].Action)
	assert.Equal(t, models.ActionUserIntervention, snap.Steps[1].Action.Type)
	assert.Equal(t, "the toggle is in quick settings", snap.Steps[1].Action.Message)
}

func TestRunnerPauseRequiresRunning(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "x"})
	assert.Error(t, f.runner.Pause())  // still pending
	assert.Error(t, f.runner.Resume()) // not paused
}

func TestRunnerStepBudget(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "endless", MaxSteps: 1})
	f.model.replies = []func() (vision.Decision, error){tapReply}

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskFailed, snap.Status)
	assert.Contains(t, snap.Error, "step budget")
	assert.Len(t, snap.Steps, 1)
}

func TestRunnerWallClockBudget(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{WallClockLimit: time.Nanosecond}, &models.Task{Instruction: "slow"})

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskFailed, snap.Status)
	assert.Contains(t, snap.Error, "wall clock")
	assert.Equal(t, 0, f.model.callCount())
}

func TestRunnerDeviceOfflineFailsFast(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "x"})
	f.devices.setOffline()

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskFailed, snap.Status)
	assert.Contains(t, snap.Error, "offline")
	assert.Empty(t, snap.Steps)
}

func TestRunnerFailsAfterConsecutiveActionFailures(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{StepRetryLimit: 1}, &models.Task{Instruction: "x"})
	f.model.replies = []func() (vision.Decision, error){tapReply}
	f.executor.failNext = 10

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskFailed, snap.Status)
	assert.Contains(t, snap.Error, "consecutive")
	assert.Len(t, snap.Steps, 2) // retry ceiling of 1 means two failed steps
}

func TestRunnerPlannedMode(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "set alarm", Mode: models.ModePlanned})
	f.planner.plans = [][]vision.PlannedStep{{
		{Action: &models.Action{Type: models.ActionLaunchApp, Package: "com.android.deskclock"}},
		{Finished: true, Message: "alarm set"},
	}}

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskCompleted, snap.Status)
	assert.Equal(t, "alarm set", snap.Result)
	require.Len(t, snap.Steps, 2)
	assert.Equal(t, 1, f.planner.calls)
	assert.Equal(t, 0, f.model.callCount(), "planned mode makes no per-step model calls")
	assert.Equal(t, 10, snap.Usage.TotalTokens)
}

func TestRunnerPlannedModeReplansOnce(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "set alarm", Mode: models.ModePlanned})
	f.planner.plans = [][]vision.PlannedStep{
		{
			{Action: &models.Action{Type: models.ActionTap, X: 10, Y: 10}},
			{Finished: true, Message: "first plan"},
		},
		{
			{Finished: true, Message: "recovered"},
		},
	}
	f.executor.failNext = 1

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskCompleted, snap.Status)
	assert.Equal(t, "recovered", snap.Result)
	assert.Equal(t, 2, f.planner.calls)
	require.Len(t, snap.Steps, 2)
	assert.False(t, *snap.Steps[0].Success)
	assert.True(t, *snap.Steps[1].Success)
}

func TestRunnerPlannedModeSecondFailureFails(t *testing.T) {
	f := newRunnerFixture(t, RunnerConfig{}, &models.Task{Instruction: "set alarm", Mode: models.ModePlanned})
	f.planner.plans = [][]vision.PlannedStep{
		{{Action: &models.Action{Type: models.ActionTap, X: 10, Y: 10}}},
		{{Action: &models.Action{Type: models.ActionTap, X: 20, Y: 20}}},
	}
	f.executor.failNext = 10

	f.runner.Run(context.Background())

	snap := f.runner.Snapshot()
	assert.Equal(t, models.TaskFailed, snap.Status)
	assert.Contains(t, snap.Error, "re-planning")
	assert.Equal(t, 2, f.planner.calls)
}
