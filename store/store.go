package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"phonepilot/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id                 TEXT PRIMARY KEY,
	device_id          TEXT NOT NULL DEFAULT '',
	instruction        TEXT NOT NULL,
	status             TEXT NOT NULL,
	mode               TEXT NOT NULL,
	max_steps          INTEGER NOT NULL,
	max_history_images INTEGER NOT NULL,
	model_override     TEXT NOT NULL DEFAULT '',
	steps              TEXT NOT NULL DEFAULT '[]',
	prompt_tokens      INTEGER NOT NULL DEFAULT 0,
	completion_tokens  INTEGER NOT NULL DEFAULT 0,
	total_tokens       INTEGER NOT NULL DEFAULT 0,
	result             TEXT NOT NULL DEFAULT '',
	error              TEXT NOT NULL DEFAULT '',
	created_at         DATETIME NOT NULL,
	started_at         DATETIME,
	completed_at       DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_created ON tasks(created_at DESC);

CREATE TABLE IF NOT EXISTS devices (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	tunnel_port     INTEGER NOT NULL,
	adb_address     TEXT NOT NULL,
	model           TEXT NOT NULL DEFAULT '',
	android_version TEXT NOT NULL DEFAULT '',
	screen_width    INTEGER NOT NULL DEFAULT 0,
	screen_height   INTEGER NOT NULL DEFAULT 0,
	total_tasks     INTEGER NOT NULL DEFAULT 0,
	success_tasks   INTEGER NOT NULL DEFAULT 0,
	failed_tasks    INTEGER NOT NULL DEFAULT 0,
	registered_at   DATETIME NOT NULL
);
`

// Store persists tasks and device accounting in SQLite. Steps travel as
// a JSON column: they are only ever read back whole, so relational
// access buys nothing over the simpler shape.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open creates or opens the database file and applies the schema.
func Open(path string, logger zerolog.Logger) (*Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock churn.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With().Str("component", "store").Logger(),
	}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveTask upserts the full task record.
func (s *Store) SaveTask(t *models.Task) error {
	steps, err := json.Marshal(t.Steps)
	if err != nil {
		return fmt.Errorf("marshal steps: %w", err)
	}
	override := ""
	if t.Model != nil {
		b, err := json.Marshal(t.Model)
		if err != nil {
			return fmt.Errorf("marshal model override: %w", err)
		}
		override = string(b)
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, device_id, instruction, status, mode, max_steps, max_history_images,
			model_override, steps, prompt_tokens, completion_tokens, total_tokens,
			result, error, created_at, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			device_id = excluded.device_id,
			status = excluded.status,
			steps = excluded.steps,
			prompt_tokens = excluded.prompt_tokens,
			completion_tokens = excluded.completion_tokens,
			total_tokens = excluded.total_tokens,
			result = excluded.result,
			error = excluded.error,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		t.ID, t.DeviceID, t.Instruction, string(t.Status), string(t.Mode),
		t.MaxSteps, t.MaxHistoryImages, override, string(steps),
		t.Usage.PromptTokens, t.Usage.CompletionTokens, t.Usage.TotalTokens,
		t.Result, t.Error, t.CreatedAt, nullTime(t.StartedAt), nullTime(t.CompletedAt))
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask loads one task by id.
func (s *Store) GetTask(taskID string) (*models.Task, error) {
	row := s.db.QueryRow(`
		SELECT id, device_id, instruction, status, mode, max_steps, max_history_images,
			model_override, steps, prompt_tokens, completion_tokens, total_tokens,
			result, error, created_at, started_at, completed_at
		FROM tasks WHERE id = ?`, taskID)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("task %s not found", taskID)
	}
	return t, err
}

// ListTasks returns tasks ordered newest first.
func (s *Store) ListTasks(limit int) ([]*models.Task, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(`
		SELECT id, device_id, instruction, status, mode, max_steps, max_history_images,
			model_override, steps, prompt_tokens, completion_tokens, total_tokens,
			result, error, created_at, started_at, completed_at
		FROM tasks ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteTask removes a task record; only terminal tasks may be deleted.
func (s *Store) DeleteTask(taskID string) error {
	res, err := s.db.Exec(`
		DELETE FROM tasks WHERE id = ? AND status IN ('completed', 'failed', 'cancelled')`, taskID)
	if err != nil {
		return fmt.Errorf("delete task %s: %w", taskID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("task %s not found or not terminal", taskID)
	}
	return nil
}

// FailRunningTasks marks every non-terminal task failed. Called once at
// boot: a task that was mid-run when the server died cannot be resumed
// because its in-memory runner state is gone.
func (s *Store) FailRunningTasks(reason string) (int, error) {
	res, err := s.db.Exec(`
		UPDATE tasks SET status = 'failed', error = ?, completed_at = ?
		WHERE status IN ('pending', 'running', 'paused')`, reason, time.Now())
	if err != nil {
		return 0, fmt.Errorf("fail running tasks: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn().Int64("tasks", n).Msg("orphaned tasks marked failed")
	}
	return int(n), nil
}

// UpsertDevice persists the durable parts of a device record: identity,
// specs and task accounting. Liveness is never stored.
func (s *Store) UpsertDevice(d *models.Device) error {
	_, err := s.db.Exec(`
		INSERT INTO devices (id, name, tunnel_port, adb_address, model, android_version,
			screen_width, screen_height, total_tasks, success_tasks, failed_tasks, registered_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			adb_address = excluded.adb_address,
			model = excluded.model,
			android_version = excluded.android_version,
			screen_width = excluded.screen_width,
			screen_height = excluded.screen_height,
			total_tasks = excluded.total_tasks,
			success_tasks = excluded.success_tasks,
			failed_tasks = excluded.failed_tasks`,
		d.ID, d.Name, d.TunnelPort, d.ADBAddress, d.Model, d.AndroidVersion,
		d.ScreenWidth, d.ScreenHeight, d.TotalTasks, d.SuccessTasks, d.FailedTasks, d.RegisteredAt)
	if err != nil {
		return fmt.Errorf("upsert device %s: %w", d.ID, err)
	}
	return nil
}

// ListDevices loads the persisted device records, used to seed task
// accounting across restarts.
func (s *Store) ListDevices() ([]*models.Device, error) {
	rows, err := s.db.Query(`
		SELECT id, name, tunnel_port, adb_address, model, android_version,
			screen_width, screen_height, total_tasks, success_tasks, failed_tasks, registered_at
		FROM devices`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*models.Device
	for rows.Next() {
		d := &models.Device{}
		if err := rows.Scan(&d.ID, &d.Name, &d.TunnelPort, &d.ADBAddress, &d.Model,
			&d.AndroidVersion, &d.ScreenWidth, &d.ScreenHeight,
			&d.TotalTasks, &d.SuccessTasks, &d.FailedTasks, &d.RegisteredAt); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*models.Task, error) {
	var (
		t         models.Task
		status    string
		mode      string
		override  string
		steps     string
		startedAt sql.NullTime
		doneAt    sql.NullTime
	)
	err := row.Scan(&t.ID, &t.DeviceID, &t.Instruction, &status, &mode,
		&t.MaxSteps, &t.MaxHistoryImages, &override, &steps,
		&t.Usage.PromptTokens, &t.Usage.CompletionTokens, &t.Usage.TotalTokens,
		&t.Result, &t.Error, &t.CreatedAt, &startedAt, &doneAt)
	if err != nil {
		return nil, err
	}

	t.Status = models.TaskStatus(status)
	t.Mode = models.ExecutionMode(mode)
	if override != "" {
		t.Model = &models.ModelOverride{}
		if err := json.Unmarshal([]byte(override), t.Model); err != nil {
			return nil, fmt.Errorf("unmarshal model override: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(steps), &t.Steps); err != nil {
		return nil, fmt.Errorf("unmarshal steps: %w", err)
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.Time
	}
	if doneAt.Valid {
		t.CompletedAt = &doneAt.Time
	}
	return &t, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
