package store

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"phonepilot/models"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleTask(id string, status models.TaskStatus) *models.Task {
	ok := true
	return &models.Task{
		ID:          id,
		DeviceID:    "device_6100",
		Instruction: "open settings",
		Status:      status,
		MaxSteps:    50,
		Mode:        models.ModeStepByStep,
		Steps: []*models.Step{
			{
				Index:       0,
				Timestamp:   time.Now().UTC(),
				Thinking:    "tapping the icon",
				Action:      &models.Action{Type: models.ActionTap, X: 500, Y: 500},
				Observation: "tapped (500,500)",
				Success:     &ok,
			},
		},
		Usage:     models.TokenUsage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120},
		CreatedAt: time.Now().UTC(),
	}
}

func TestStoreSaveAndGetTask(t *testing.T) {
	s := testStore(t)
	task := sampleTask("task-1", models.TaskCompleted)
	task.Result = "done"
	task.Model = &models.ModelOverride{ModelName: "other-model"}

	require.NoError(t, s.SaveTask(task))

	got, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, task.Instruction, got.Instruction)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, "done", got.Result)
	assert.Equal(t, 120, got.Usage.TotalTokens)
	require.NotNil(t, got.Model)
	assert.Equal(t, "other-model", got.Model.ModelName)
	require.Len(t, got.Steps, 1)
	assert.Equal(t, models.ActionTap, got.Steps[0].Action.Type)
	require.NotNil(t, got.Steps[0].Success)
	assert.True(t, *got.Steps[0].Success)
}

func TestStoreUpsertOverwrites(t *testing.T) {
	s := testStore(t)
	task := sampleTask("task-1", models.TaskRunning)
	require.NoError(t, s.SaveTask(task))

	task.Status = models.TaskCompleted
	task.Result = "finished"
	require.NoError(t, s.SaveTask(task))

	got, err := s.GetTask("task-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, got.Status)
	assert.Equal(t, "finished", got.Result)

	tasks, err := s.ListTasks(10)
	require.NoError(t, err)
	assert.Len(t, tasks, 1)
}

func TestStoreGetMissingTask(t *testing.T) {
	s := testStore(t)
	_, err := s.GetTask("nope")
	assert.ErrorContains(t, err, "not found")
}

func TestStoreDeleteOnlyTerminal(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SaveTask(sampleTask("running", models.TaskRunning)))
	require.NoError(t, s.SaveTask(sampleTask("done", models.TaskCompleted)))

	assert.Error(t, s.DeleteTask("running"))
	assert.NoError(t, s.DeleteTask("done"))
	_, err := s.GetTask("done")
	assert.Error(t, err)
}

func TestStoreFailRunningTasks(t *testing.T) {
	s := testStore(t)
	require.NoError(t, s.SaveTask(sampleTask("t1", models.TaskRunning)))
	require.NoError(t, s.SaveTask(sampleTask("t2", models.TaskPaused)))
	require.NoError(t, s.SaveTask(sampleTask("t3", models.TaskCompleted)))

	n, err := s.FailRunningTasks("server restarted")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	for _, id := range []string{"t1", "t2"} {
		got, err := s.GetTask(id)
		require.NoError(t, err)
		assert.Equal(t, models.TaskFailed, got.Status)
		assert.Equal(t, "server restarted", got.Error)
		assert.NotNil(t, got.CompletedAt)
	}
	got, _ := s.GetTask("t3")
	assert.Equal(t, models.TaskCompleted, got.Status)
}

func TestStoreDeviceRoundTrip(t *testing.T) {
	s := testStore(t)
	device := &models.Device{
		ID:           "device_6100",
		Name:         "pixel-7",
		TunnelPort:   6100,
		ADBAddress:   "localhost:6100",
		Model:        "Pixel 7",
		ScreenWidth:  1080,
		ScreenHeight: 1920,
		TotalTasks:   5,
		SuccessTasks: 4,
		FailedTasks:  1,
		RegisteredAt: time.Now().UTC(),
	}
	require.NoError(t, s.UpsertDevice(device))

	device.SuccessTasks = 5
	device.TotalTasks = 6
	require.NoError(t, s.UpsertDevice(device))

	devices, err := s.ListDevices()
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "pixel-7", devices[0].Name)
	assert.Equal(t, 6, devices[0].TotalTasks)
	assert.Equal(t, 5, devices[0].SuccessTasks)
}
