package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"phonepilot/models"
	"phonepilot/vision"
)

// Narrow views of the collaborating services, so the runner can be
// exercised against fakes.
type (
	// FramePerceiver captures the device screen.
	FramePerceiver interface {
		Capture(ctx context.Context, device *models.Device) (*Frame, error)
		CurrentApp(ctx context.Context, device *models.Device) string
	}

	// ActionExecutor runs one action on the device.
	ActionExecutor interface {
		Execute(ctx context.Context, device *models.Device, action *models.Action) (ExecutionResult, error)
	}

	// DecisionModel produces the next action from the task context.
	DecisionModel interface {
		Decide(ctx context.Context, dc vision.DecisionContext, onToken func(string)) (vision.Decision, error)
	}

	// BatchPlanner produces a full action list up front (planned mode).
	BatchPlanner interface {
		Plan(ctx context.Context, instruction, deviceInfo string) ([]vision.PlannedStep, models.TokenUsage, error)
	}

	// EventPublisher pushes live task updates to subscribers.
	EventPublisher interface {
		PublishStep(taskID string, step *models.Step)
		PublishStatus(task *models.Task)
		PublishThinking(taskID string, stepIndex int, text string)
	}

	// TaskPersister saves task state across status and step transitions.
	TaskPersister interface {
		SaveTask(task *models.Task) error
	}

	// DeviceView is the runner's read/accounting slice of the registry.
	DeviceView interface {
		Get(deviceID string) (*models.Device, bool)
		RecordTaskResult(deviceID string, success bool)
	}
)

// RunnerConfig carries the per-task policy knobs.
type RunnerConfig struct {
	StepRetryLimit    int
	WallClockLimit    time.Duration
	HistoryImageWidth int
}

// TaskRunner drives one task through its lifecycle. All status and step
// mutations happen inside the runner under its mutex; pause, resume,
// cancel and interventions are requests that take effect at the next
// step boundary, never mid-action.
type TaskRunner struct {
	cfg        RunnerConfig
	task       *models.Task
	perception FramePerceiver
	executor   ActionExecutor
	model      DecisionModel
	planner    BatchPlanner
	hub        EventPublisher
	store      TaskPersister
	devices    DeviceView
	logger     zerolog.Logger

	mu            sync.Mutex
	pauseRequest  bool
	cancelRequest bool
	resumeCh      chan struct{}
	interventions chan string
	historyImages []string
	done          chan struct{}
	onDone        func(success bool)
}

func NewTaskRunner(
	cfg RunnerConfig,
	task *models.Task,
	perception FramePerceiver,
	executor ActionExecutor,
	model DecisionModel,
	planner BatchPlanner,
	hub EventPublisher,
	store TaskPersister,
	devices DeviceView,
	logger zerolog.Logger,
	onDone func(success bool),
) *TaskRunner {
	return &TaskRunner{
		cfg:           cfg,
		task:          task,
		perception:    perception,
		executor:      executor,
		model:         model,
		planner:       planner,
		hub:           hub,
		store:         store,
		devices:       devices,
		logger:        logger.With().Str("component", "runner").Str("task", task.ID).Logger(),
		resumeCh:      make(chan struct{}, 1),
		interventions: make(chan string, 16),
		done:          make(chan struct{}),
		onDone:        onDone,
	}
}

// Done is closed when the task reaches a terminal status.
func (r *TaskRunner) Done() <-chan struct{} { return r.done }

// Snapshot returns a copy of the task safe to serialize while the run
// is in flight. Steps are copied shallowly; a finalized step is
// immutable and the single in-flight step is only mutated under mu.
func (r *TaskRunner) Snapshot() *models.Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := *r.task
	snap.Steps = make([]*models.Step, len(r.task.Steps))
	for i, s := range r.task.Steps {
		cp := *s
		snap.Steps[i] = &cp
	}
	return &snap
}

// Cancel requests termination at the next step boundary. Cancelling a
// paused task wakes it so the request is observed promptly.
func (r *TaskRunner) Cancel() {
	r.mu.Lock()
	r.cancelRequest = true
	r.mu.Unlock()
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
}

// Pause requests a pause at the next step boundary. The in-flight step
// always runs to completion first.
func (r *TaskRunner) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.task.Status != models.TaskRunning {
		return fmt.Errorf("task is %s, not running", r.task.Status)
	}
	r.pauseRequest = true
	return nil
}

// Resume wakes a paused task.
func (r *TaskRunner) Resume() error {
	r.mu.Lock()
	if r.task.Status != models.TaskPaused {
		status := r.task.Status
		r.mu.Unlock()
		return fmt.Errorf("task is %s, not paused", status)
	}
	r.pauseRequest = false
	r.mu.Unlock()
	select {
	case r.resumeCh <- struct{}{}:
	default:
	}
	return nil
}

// Intervene queues an operator message that will be injected into the
// step history, and the model context, at the next step boundary.
func (r *TaskRunner) Intervene(message string) error {
	r.mu.Lock()
	terminal := r.task.Status.Terminal()
	r.mu.Unlock()
	if terminal {
		return fmt.Errorf("task already finished")
	}
	select {
	case r.interventions <- message:
		return nil
	default:
		return fmt.Errorf("intervention queue full")
	}
}

// Run executes the task to a terminal status. It is called exactly once,
// on its own goroutine.
func (r *TaskRunner) Run(ctx context.Context) {
	defer close(r.done)

	now := time.Now()
	r.mu.Lock()
	r.task.Status = models.TaskRunning
	r.task.StartedAt = &now
	r.mu.Unlock()
	r.publishStatus()
	r.persist()

	var success bool
	if r.task.Mode == models.ModePlanned {
		success = r.runPlanned(ctx, now)
	} else {
		success = r.runStepByStep(ctx, now)
	}

	r.devices.RecordTaskResult(r.task.DeviceID, success)
	if r.onDone != nil {
		r.onDone(success)
	}
	r.publishStatus()
	r.persist()
}

func (r *TaskRunner) runStepByStep(ctx context.Context, startedAt time.Time) bool {
	modelFailures := 0
	actionFailures := 0

	for {
		if stop := r.checkpoint(ctx); stop {
			return false
		}
		if msg, ok := r.budgetExceeded(startedAt); ok {
			r.fail(msg)
			return false
		}

		device, ok := r.devices.Get(r.task.DeviceID)
		if !ok || device.Status != models.DeviceOnline {
			r.fail(fmt.Sprintf("device %s went offline", r.task.DeviceID))
			return false
		}

		frame, err := r.perception.Capture(ctx, device)
		if err != nil {
			modelFailures++
			r.logger.Warn().Err(err).Int("failures", modelFailures).Msg("capture failed")
			// Each retried attempt is a visible failed step, never a
			// silent retry.
			step := r.beginStep()
			r.finalizeStep(step, false, fmt.Sprintf("screen capture failed: %v", err), nil)
			if modelFailures > r.cfg.StepRetryLimit {
				r.fail(fmt.Sprintf("screen capture failed repeatedly: %v", err))
				return false
			}
			continue
		}

		step := r.beginStep()
		decision, err := r.decide(ctx, device, frame, step)
		if err != nil {
			modelFailures++
			r.logger.Warn().Err(err).Int("failures", modelFailures).Msg("decision failed")
			r.finalizeStep(step, false, fmt.Sprintf("model response unusable: %v", err), frame)
			if modelFailures > r.cfg.StepRetryLimit {
				r.fail(fmt.Sprintf("model produced no usable decision after %d attempts: %v", modelFailures, err))
				return false
			}
			continue
		}
		modelFailures = 0

		r.mu.Lock()
		step.Thinking = decision.Thinking
		step.Usage = decision.Usage
		r.task.Usage.Add(decision.Usage)
		r.mu.Unlock()

		if decision.Finished {
			r.finalizeStep(step, true, decision.Message, frame)
			r.complete(decision.Message)
			return true
		}

		r.mu.Lock()
		step.Action = decision.Action
		r.mu.Unlock()

		result, err := r.executor.Execute(ctx, device, decision.Action)
		if err != nil {
			// Invalid action from the model; retryable like a parse failure.
			r.finalizeStep(step, false, err.Error(), frame)
			actionFailures++
			if actionFailures > r.cfg.StepRetryLimit {
				r.fail(fmt.Sprintf("too many consecutive failed steps: %v", err))
				return false
			}
			continue
		}

		r.finalizeStep(step, result.OK, result.Message, frame)
		if !result.OK {
			actionFailures++
			if actionFailures > r.cfg.StepRetryLimit {
				r.fail("too many consecutive failed steps: " + result.Message)
				return false
			}
			continue
		}
		actionFailures = 0
		r.pushHistoryImage(frame)
	}
}

func (r *TaskRunner) runPlanned(ctx context.Context, startedAt time.Time) bool {
	device, ok := r.devices.Get(r.task.DeviceID)
	if !ok || device.Status != models.DeviceOnline {
		r.fail(fmt.Sprintf("device %s went offline", r.task.DeviceID))
		return false
	}

	info := fmt.Sprintf("%s, Android %s, %dx%d", device.Model, device.AndroidVersion, device.ScreenWidth, device.ScreenHeight)
	plan, usage, err := r.planner.Plan(ctx, r.task.Instruction, info)
	r.mu.Lock()
	r.task.Usage.Add(usage)
	r.mu.Unlock()
	if err != nil {
		r.fail(fmt.Sprintf("planning failed: %v", err))
		return false
	}

	replanned := false
	for i := 0; i < len(plan); i++ {
		if stop := r.checkpoint(ctx); stop {
			return false
		}
		if msg, ok := r.budgetExceeded(startedAt); ok {
			r.fail(msg)
			return false
		}

		device, ok = r.devices.Get(r.task.DeviceID)
		if !ok || device.Status != models.DeviceOnline {
			r.fail(fmt.Sprintf("device %s went offline", r.task.DeviceID))
			return false
		}

		entry := plan[i]
		step := r.beginStep()

		if entry.Finished {
			r.finalizeStep(step, true, entry.Message, nil)
			r.complete(entry.Message)
			return true
		}

		r.mu.Lock()
		step.Action = entry.Action
		r.mu.Unlock()

		result, err := r.executor.Execute(ctx, device, entry.Action)
		failed := err != nil || !result.OK
		obs := result.Message
		if err != nil {
			obs = err.Error()
		}
		r.finalizeStep(step, !failed, obs, nil)

		if failed {
			// One re-plan from the current state; a second failure ends
			// the task. There is no rollback of already-executed actions.
			if replanned {
				r.fail("planned action failed after re-planning: " + obs)
				return false
			}
			replanned = true
			remaining := fmt.Sprintf("%s (resume after failed step %d: %s)", r.task.Instruction, step.Index, obs)
			plan, usage, err = r.planner.Plan(ctx, remaining, info)
			r.mu.Lock()
			r.task.Usage.Add(usage)
			r.mu.Unlock()
			if err != nil {
				r.fail(fmt.Sprintf("re-planning failed: %v", err))
				return false
			}
			i = -1 // restart over the fresh plan
		}
	}

	// Plan ran dry without an explicit finish.
	r.complete("plan executed")
	return true
}

// checkpoint handles cancel, pause and pending interventions. Returns
// true when the task reached a terminal state and the loop must stop.
func (r *TaskRunner) checkpoint(ctx context.Context) bool {
	r.drainInterventions()

	r.mu.Lock()
	if r.cancelRequest {
		r.mu.Unlock()
		r.cancelled()
		return true
	}
	if r.pauseRequest {
		r.pauseRequest = false
		r.task.Status = models.TaskPaused
		r.mu.Unlock()
		r.logger.Info().Msg("task paused")
		r.publishStatus()
		r.persist()

		select {
		case <-ctx.Done():
			r.cancelled()
			return true
		case <-r.resumeCh:
		}

		r.mu.Lock()
		if r.cancelRequest {
			r.mu.Unlock()
			r.cancelled()
			return true
		}
		r.task.Status = models.TaskRunning
		r.mu.Unlock()
		r.logger.Info().Msg("task resumed")
		r.publishStatus()
		r.persist()
		r.drainInterventions()
		return false
	}
	r.mu.Unlock()

	if ctx.Err() != nil {
		r.cancelled()
		return true
	}
	return false
}

func (r *TaskRunner) drainInterventions() {
	for {
		select {
		case msg := <-r.interventions:
			step := r.beginStep()
			r.mu.Lock()
			step.Action = &models.Action{Type: models.ActionUserIntervention, Message: msg}
			r.mu.Unlock()
			r.finalizeStep(step, true, "noted", nil)
			r.logger.Info().Str("message", msg).Msg("user intervention recorded")
		default:
			return
		}
	}
}

func (r *TaskRunner) budgetExceeded(startedAt time.Time) (string, bool) {
	if r.cfg.WallClockLimit > 0 && time.Since(startedAt) > r.cfg.WallClockLimit {
		return fmt.Sprintf("wall clock limit %s exceeded", r.cfg.WallClockLimit), true
	}
	r.mu.Lock()
	steps := len(r.task.Steps)
	max := r.task.MaxSteps
	r.mu.Unlock()
	if max > 0 && steps >= max {
		return fmt.Sprintf("step budget of %d exhausted", max), true
	}
	return "", false
}

// beginStep appends the in-flight step and announces it, so subscribers
// see the step exist before its thinking starts streaming.
func (r *TaskRunner) beginStep() *models.Step {
	r.mu.Lock()
	step := &models.Step{
		Index:     len(r.task.Steps),
		Timestamp: time.Now(),
	}
	r.task.Steps = append(r.task.Steps, step)
	cp := *step
	r.mu.Unlock()
	r.hub.PublishStep(r.task.ID, &cp)
	return step
}

func (r *TaskRunner) decide(ctx context.Context, device *models.Device, frame *Frame, step *models.Step) (vision.Decision, error) {
	r.mu.Lock()
	history := make([]*models.Step, 0, len(r.task.Steps)-1)
	for _, s := range r.task.Steps {
		// Failed model attempts carry no action and are not replayed.
		if s != step && s.Finalized() && s.Action != nil {
			cp := *s
			history = append(history, &cp)
		}
	}
	images := append([]string(nil), r.historyImages...)
	r.mu.Unlock()

	// History images align to the most recent finalized steps.
	if len(images) > len(history) {
		images = images[len(images)-len(history):]
	}

	dc := vision.DecisionContext{
		Instruction:   r.task.Instruction,
		Steps:         history,
		HistoryImages: images,
		CurrentImage:  frame.Base64(),
		CurrentApp:    r.perception.CurrentApp(ctx, device),
	}

	var streamed strings.Builder
	onToken := func(tok string) {
		streamed.WriteString(tok)
		r.mu.Lock()
		if !step.Finalized() {
			step.Thinking = streamed.String()
		}
		r.mu.Unlock()
		r.hub.PublishThinking(r.task.ID, step.Index, tok)
	}

	return r.model.Decide(ctx, dc, onToken)
}

func (r *TaskRunner) finalizeStep(step *models.Step, success bool, observation string, frame *Frame) {
	r.mu.Lock()
	ok := success
	step.Success = &ok
	step.Observation = observation
	step.DurationMS = time.Since(step.Timestamp).Milliseconds()
	if frame != nil {
		step.ScreenshotRef = fmt.Sprintf("%s/%d", r.task.ID, step.Index)
	}
	cp := *step
	r.mu.Unlock()
	r.hub.PublishStep(r.task.ID, &cp)
	r.persist()
}

func (r *TaskRunner) pushHistoryImage(frame *Frame) {
	b64, err := DownscaleJPEG(frame, r.cfg.HistoryImageWidth)
	if err != nil {
		r.logger.Debug().Err(err).Msg("history image downscale failed")
		return
	}
	r.mu.Lock()
	r.historyImages = append(r.historyImages, b64)
	if max := r.task.MaxHistoryImages; max > 0 && len(r.historyImages) > max {
		r.historyImages = r.historyImages[len(r.historyImages)-max:]
	}
	r.mu.Unlock()
}

func (r *TaskRunner) complete(result string) {
	r.terminal(models.TaskCompleted, func(t *models.Task) { t.Result = result })
	r.logger.Info().Str("result", result).Msg("task completed")
}

func (r *TaskRunner) fail(reason string) {
	r.terminal(models.TaskFailed, func(t *models.Task) { t.Error = reason })
	r.logger.Warn().Str("reason", reason).Msg("task failed")
}

func (r *TaskRunner) cancelled() {
	r.terminal(models.TaskCancelled, nil)
	r.logger.Info().Msg("task cancelled")
}

func (r *TaskRunner) terminal(status models.TaskStatus, mutate func(*models.Task)) {
	now := time.Now()
	r.mu.Lock()
	r.task.Status = status
	r.task.CompletedAt = &now
	if mutate != nil {
		mutate(r.task)
	}
	r.mu.Unlock()
}

func (r *TaskRunner) publishStatus() {
	r.hub.PublishStatus(r.Snapshot())
}

func (r *TaskRunner) persist() {
	if err := r.store.SaveTask(r.Snapshot()); err != nil {
		r.logger.Error().Err(err).Msg("persist task failed")
	}
}
