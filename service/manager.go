package service

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"phonepilot/models"
	"phonepilot/vision"
)

// ErrTaskNotFound reports a control operation against an unknown task id.
var ErrTaskNotFound = errors.New("task not found")

// TaskDefaults are applied to creation requests that leave fields unset.
type TaskDefaults struct {
	MaxSteps         int
	MaxHistoryImages int
}

// ListedStore is the persistence surface the manager needs beyond what
// runners use.
type ListedStore interface {
	TaskPersister
	GetTask(taskID string) (*models.Task, error)
	ListTasks(limit int) ([]*models.Task, error)
	DeleteTask(taskID string) error
}

// TaskManager owns the task table: creation, lookup and the control
// operations that forward to the per-task runner. Terminal tasks live
// only in the store; active ones are served from their runner so reads
// always see the newest step.
type TaskManager struct {
	defaults   TaskDefaults
	runnerCfg  RunnerConfig
	scheduler  *Scheduler
	registry   *DeviceRegistry
	perception FramePerceiver
	executor   ActionExecutor
	visionCli  *vision.Client
	planner    BatchPlanner
	hub        EventPublisher
	store      ListedStore
	logger     zerolog.Logger

	ctx     context.Context
	runners cmap.ConcurrentMap[string, *TaskRunner]
}

func NewTaskManager(
	ctx context.Context,
	defaults TaskDefaults,
	runnerCfg RunnerConfig,
	scheduler *Scheduler,
	registry *DeviceRegistry,
	perception FramePerceiver,
	executor ActionExecutor,
	visionCli *vision.Client,
	planner BatchPlanner,
	hub EventPublisher,
	store ListedStore,
	logger zerolog.Logger,
) *TaskManager {
	return &TaskManager{
		defaults:   defaults,
		runnerCfg:  runnerCfg,
		scheduler:  scheduler,
		registry:   registry,
		perception: perception,
		executor:   executor,
		visionCli:  visionCli,
		planner:    planner,
		hub:        hub,
		store:      store,
		logger:     logger.With().Str("component", "tasks").Logger(),
		ctx:        ctx,
		runners:    cmap.New[*TaskRunner](),
	}
}

// CreateTask reserves a device, persists the pending task and starts its
// runner. Reservation failures surface synchronously so the API can map
// them to a client error instead of minting a doomed task.
func (m *TaskManager) CreateTask(req *models.TaskRequest) (*models.Task, error) {
	if req.Instruction == "" {
		return nil, fmt.Errorf("instruction is required")
	}
	mode := req.Mode
	switch mode {
	case "":
		mode = models.ModeStepByStep
	case models.ModeStepByStep, models.ModePlanned:
	default:
		return nil, fmt.Errorf("unknown execution mode %q", req.Mode)
	}
	if mode == models.ModePlanned && m.planner == nil {
		return nil, fmt.Errorf("planned mode is not configured")
	}

	task := &models.Task{
		ID:               uuid.NewString(),
		Instruction:      req.Instruction,
		Status:           models.TaskPending,
		MaxSteps:         req.MaxSteps,
		MaxHistoryImages: req.MaxHistoryImages,
		Mode:             mode,
		Model:            req.Model,
		Steps:            []*models.Step{},
		CreatedAt:        time.Now(),
	}
	if task.MaxSteps <= 0 {
		task.MaxSteps = m.defaults.MaxSteps
	}
	if task.MaxHistoryImages <= 0 {
		task.MaxHistoryImages = m.defaults.MaxHistoryImages
	}

	device, err := m.scheduler.Reserve(task.ID, req.DeviceID)
	if err != nil {
		return nil, err
	}
	task.DeviceID = device.ID

	runner := NewTaskRunner(
		m.runnerCfg,
		task,
		m.perception,
		m.executor,
		m.visionCli.WithOverride(task.Model),
		m.planner,
		m.hub,
		m.store,
		m.registry,
		m.logger,
		func(success bool) { m.scheduler.Release(device.ID) },
	)
	m.runners.Set(task.ID, runner)

	if err := m.store.SaveTask(task); err != nil {
		m.logger.Error().Err(err).Str("task", task.ID).Msg("persist new task failed")
	}
	m.hub.PublishStatus(task)
	m.logger.Info().Str("task", task.ID).Str("device", device.ID).Str("mode", string(mode)).Msg("task created")

	go func() {
		runner.Run(m.ctx)
		// Terminal state is in the store by the time Run returns.
		m.runners.Remove(task.ID)
	}()

	return runner.Snapshot(), nil
}

// GetTask returns the live snapshot for active tasks, the stored record
// otherwise.
func (m *TaskManager) GetTask(taskID string) (*models.Task, error) {
	if runner, ok := m.runners.Get(taskID); ok {
		return runner.Snapshot(), nil
	}
	return m.store.GetTask(taskID)
}

// ListTasks returns stored tasks, newest first, with active ones
// replaced by their live snapshots.
func (m *TaskManager) ListTasks(limit int) ([]*models.Task, error) {
	tasks, err := m.store.ListTasks(limit)
	if err != nil {
		return nil, err
	}
	for i, t := range tasks {
		if runner, ok := m.runners.Get(t.ID); ok {
			tasks[i] = runner.Snapshot()
		}
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	return tasks, nil
}

// CancelTask requests cancellation; the runner honors it at the next
// step boundary.
func (m *TaskManager) CancelTask(taskID string) error {
	runner, ok := m.runners.Get(taskID)
	if !ok {
		return m.terminalStateError(taskID)
	}
	runner.Cancel()
	return nil
}

// PauseTask requests a pause at the next step boundary.
func (m *TaskManager) PauseTask(taskID string) error {
	runner, ok := m.runners.Get(taskID)
	if !ok {
		return m.terminalStateError(taskID)
	}
	return runner.Pause()
}

// ResumeTask wakes a paused task.
func (m *TaskManager) ResumeTask(taskID string) error {
	runner, ok := m.runners.Get(taskID)
	if !ok {
		return m.terminalStateError(taskID)
	}
	return runner.Resume()
}

// Intervene injects an operator message into a task's context.
func (m *TaskManager) Intervene(taskID, message string) error {
	if message == "" {
		return fmt.Errorf("intervention message is required")
	}
	runner, ok := m.runners.Get(taskID)
	if !ok {
		return m.terminalStateError(taskID)
	}
	return runner.Intervene(message)
}

// DeleteTask removes a terminal task's record. Active tasks must be
// cancelled first.
func (m *TaskManager) DeleteTask(taskID string) error {
	if _, ok := m.runners.Get(taskID); ok {
		return fmt.Errorf("task is still active, cancel it first")
	}
	if _, err := m.store.GetTask(taskID); err != nil {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return m.store.DeleteTask(taskID)
}

func (m *TaskManager) terminalStateError(taskID string) error {
	task, err := m.store.GetTask(taskID)
	if err != nil {
		return fmt.Errorf("task %s: %w", taskID, ErrTaskNotFound)
	}
	return fmt.Errorf("task is already %s", task.Status)
}
