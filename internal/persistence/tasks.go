package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/leadops/internal/bus"
	"github.com/basket/leadops/internal/roles"
	"github.com/basket/leadops/internal/shared"
	"github.com/google/uuid"
)

type TaskStatus string

const (
	TaskStatusQueued  TaskStatus = "QUEUED"
	TaskStatusRunning TaskStatus = "RUNNING"
	TaskStatusDone    TaskStatus = "DONE"
	TaskStatusFailed  TaskStatus = "FAILED"
)

// Valid reports whether s is one of the four queue states.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusQueued, TaskStatusRunning, TaskStatusDone, TaskStatusFailed:
		return true
	}
	return false
}

const (
	// Priorities run from MinPriority (most urgent) to MaxPriority.
	// PriorityUnset asks Enqueue for DefaultPriority.
	PriorityUnset   = 0
	MinPriority     = 1
	MaxPriority     = 10
	DefaultPriority = 5

	// MaxRetries is the requeue ceiling. A task whose retry_count has reached
	// it stays FAILED.
	MaxRetries = 3

	// claimRaceRetries bounds re-selection after losing a claim race.
	claimRaceRetries = 3

	defaultTaskListLimit = 50
	maxTaskListLimit     = 500
)

// Task is one queued unit of work bound to a single role.
type Task struct {
	ID          string          `json:"id"`
	Role        roles.Role      `json:"assigned_to_role"`
	Input       json.RawMessage `json:"input"`
	Priority    int             `json:"priority"`
	Status      TaskStatus      `json:"status"`
	RetryCount  int             `json:"retry_count"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	CreatedBy   string          `json:"created_by_agent_id,omitempty"`
	ApprovedBy  string          `json:"approved_by,omitempty"`
}

// TaskEvent is one row of a task's transition history.
type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	TraceID   string     `json:"trace_id,omitempty"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

const taskColumns = `id, assigned_to_role, input, priority, status, retry_count,
	output, error, created_at, started_at, completed_at, created_by_agent_id, approved_by`

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		input       string
		output      sql.NullString
		errMsg      sql.NullString
		startedAt   sql.NullTime
		completedAt sql.NullTime
		createdBy   sql.NullString
		approvedBy  sql.NullString
	)
	if err := scanFn(
		&task.ID,
		&task.Role,
		&input,
		&task.Priority,
		&task.Status,
		&task.RetryCount,
		&output,
		&errMsg,
		&task.CreatedAt,
		&startedAt,
		&completedAt,
		&createdBy,
		&approvedBy,
	); err != nil {
		return err
	}
	task.Input = json.RawMessage(input)
	task.Output = nil
	if output.Valid {
		task.Output = json.RawMessage(output.String)
	}
	task.Error = errMsg.String
	task.CreatedBy = createdBy.String
	task.ApprovedBy = approvedBy.String
	task.StartedAt = nil
	if startedAt.Valid {
		t := startedAt.Time
		task.StartedAt = &t
	}
	task.CompletedAt = nil
	if completedAt.Valid {
		t := completedAt.Time
		task.CompletedAt = &t
	}
	return nil
}

func normalizeJSON(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	if !json.Valid(raw) {
		return "", shared.NewError(shared.KindInvalidInput, "payload is not valid JSON")
	}
	return string(raw), nil
}

// Enqueue inserts a QUEUED task for role. The queue does not look inside
// input. PriorityUnset means DefaultPriority; anything else outside
// [MinPriority, MaxPriority] is rejected.
func (s *Store) Enqueue(ctx context.Context, role roles.Role, input json.RawMessage, priority int, createdBy string) (*Task, error) {
	if !role.IsTaskRole() {
		return nil, shared.NewError(shared.KindInvalidInput, "unknown task role %q", role)
	}
	payload, err := normalizeJSON(input)
	if err != nil {
		return nil, err
	}
	switch {
	case priority == PriorityUnset:
		priority = DefaultPriority
	case priority < MinPriority || priority > MaxPriority:
		return nil, shared.NewError(shared.KindInvalidInput, "priority %d outside %d..%d", priority, MinPriority, MaxPriority)
	}

	task := &Task{
		ID:         uuid.NewString(),
		Role:       role,
		Input:      json.RawMessage(payload),
		Priority:   priority,
		Status:     TaskStatusQueued,
		RetryCount: 0,
		CreatedAt:  time.Now().UTC(),
		CreatedBy:  createdBy,
	}
	err = retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, assigned_to_role, input, priority, status, retry_count, created_at, created_by_agent_id)
			VALUES (?, ?, ?, ?, ?, 0, ?, ?);
		`, task.ID, string(role), payload, priority, TaskStatusQueued, task.CreatedAt, nullString(createdBy)); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "", TaskStatusQueued, "task.enqueued", ""); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, storageErr("enqueue task", err)
	}
	s.bus.Publish(bus.TopicTaskEnqueued, bus.TaskStateChangedEvent{
		TaskID:    task.ID,
		Role:      string(role),
		NewStatus: string(TaskStatusQueued),
	})
	return task, nil
}

// ClaimNext moves the most urgent QUEUED task for role to RUNNING and
// returns it. The move is a conditional update on the task's current status,
// so when several callers race for one row exactly one of them wins; a loser
// re-selects a bounded number of times and then reports no task.
func (s *Store) ClaimNext(ctx context.Context, role roles.Role) (*Task, error) {
	for attempt := 0; attempt < claimRaceRetries; attempt++ {
		task, raced, err := s.tryClaim(ctx, role)
		if err != nil {
			return nil, storageErr("claim next task", err)
		}
		if task != nil {
			s.publishTransition(task, TaskStatusQueued)
			return task, nil
		}
		if !raced {
			return nil, nil
		}
	}
	return nil, nil
}

func (s *Store) tryClaim(ctx context.Context, role roles.Role) (*Task, bool, error) {
	var (
		claimed *Task
		raced   bool
	)
	err := retryOnBusy(ctx, busyRetries, func() error {
		claimed, raced = nil, false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin claim tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var candidate string
		err = tx.QueryRowContext(ctx, `
			SELECT id FROM tasks
			WHERE assigned_to_role = ? AND status = ?
			ORDER BY priority ASC, created_at ASC, seq ASC
			LIMIT 1;
		`, string(role), TaskStatusQueued).Scan(&candidate)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select claim candidate: %w", err)
		}

		ok, err := s.transitionTx(ctx, tx, transition{
			taskID:    candidate,
			from:      TaskStatusQueued,
			to:        TaskStatusRunning,
			eventType: "task.claimed",
			set:       "started_at = ?",
			setArgs:   []any{time.Now().UTC()},
		})
		if err != nil {
			return err
		}
		if !ok {
			raced = true
			return nil
		}
		task, err := loadTaskTx(ctx, tx, candidate)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit claim tx: %w", err)
		}
		claimed = task
		return nil
	})
	return claimed, raced, err
}

// Complete moves a RUNNING task to DONE with output. It returns nil when the
// task does not exist or is not RUNNING.
func (s *Store) Complete(ctx context.Context, id string, output json.RawMessage) (*Task, error) {
	payload, err := normalizeJSON(output)
	if err != nil {
		return nil, err
	}
	return s.finish(ctx, "complete task", transition{
		taskID:    id,
		from:      TaskStatusRunning,
		to:        TaskStatusDone,
		eventType: "task.completed",
		set:       "output = ?, error = NULL, completed_at = ?",
		setArgs:   []any{payload, time.Now().UTC()},
	})
}

// Fail moves a RUNNING task to FAILED with msg. It returns nil when the task
// does not exist or is not RUNNING.
func (s *Store) Fail(ctx context.Context, id, msg string) (*Task, error) {
	if msg == "" {
		msg = "unknown failure"
	}
	return s.finish(ctx, "fail task", transition{
		taskID:    id,
		from:      TaskStatusRunning,
		to:        TaskStatusFailed,
		eventType: "task.failed",
		set:       "output = NULL, error = ?, completed_at = ?",
		setArgs:   []any{msg, time.Now().UTC()},
		payload:   mustJSON(map[string]string{"error": shared.Redact(msg)}),
	})
}

// Requeue moves a FAILED task back to QUEUED and bumps its retry count.
// It returns nil when the task is missing, not FAILED, or already retried
// MaxRetries times.
func (s *Store) Requeue(ctx context.Context, id string) (*Task, error) {
	return s.finish(ctx, "requeue task", transition{
		taskID:    id,
		from:      TaskStatusFailed,
		to:        TaskStatusQueued,
		eventType: "task.requeued",
		set:       "retry_count = retry_count + 1, started_at = NULL, completed_at = NULL, error = NULL, output = NULL",
		where:     "retry_count < ?",
		whereArgs: []any{MaxRetries},
	})
}

// Approve records approver's sign-off on a task. A QUEUED task keeps its
// place in the queue; a FAILED task is requeued under the same retry ceiling
// as Requeue. It returns nil when the task is missing, RUNNING, DONE, or a
// FAILED task at the ceiling.
func (s *Store) Approve(ctx context.Context, id, approver string) (*Task, error) {
	if approver == "" {
		return nil, shared.NewError(shared.KindInvalidInput, "approver is required")
	}
	payload := mustJSON(map[string]string{"approved_by": approver})
	task, err := s.finish(ctx, "approve task", transition{
		taskID:    id,
		from:      TaskStatusQueued,
		to:        TaskStatusQueued,
		eventType: "task.approved",
		set:       "approved_by = ?",
		setArgs:   []any{approver},
		payload:   payload,
	})
	if err != nil || task != nil {
		return task, err
	}
	return s.finish(ctx, "approve task", transition{
		taskID:    id,
		from:      TaskStatusFailed,
		to:        TaskStatusQueued,
		eventType: "task.approved",
		set:       "approved_by = ?, retry_count = retry_count + 1, started_at = NULL, completed_at = NULL, error = NULL, output = NULL",
		setArgs:   []any{approver},
		where:     "retry_count < ?",
		whereArgs: []any{MaxRetries},
		payload:   payload,
	})
}

func (s *Store) finish(ctx context.Context, op string, tr transition) (*Task, error) {
	var result *Task
	err := retryOnBusy(ctx, busyRetries, func() error {
		result = nil
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, err := s.transitionTx(ctx, tx, tr)
		if err != nil || !ok {
			return err
		}
		task, err := loadTaskTx(ctx, tx, tr.taskID)
		if err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		result = task
		return nil
	})
	if err != nil {
		return nil, storageErr(op, err)
	}
	if result != nil {
		s.publishTransition(result, tr.from)
	}
	return result, nil
}

type transition struct {
	taskID    string
	from      TaskStatus
	to        TaskStatus
	eventType string
	set       string
	setArgs   []any
	where     string
	whereArgs []any
	payload   string
}

// transitionTx applies a single conditional status update. It reports false
// when no row matched, which is how a lost race or a wrong source state shows
// up.
func (s *Store) transitionTx(ctx context.Context, tx *sql.Tx, tr transition) (bool, error) {
	query := `UPDATE tasks SET status = ?`
	args := []any{tr.to}
	if tr.set != "" {
		query += ", " + tr.set
		args = append(args, tr.setArgs...)
	}
	query += ` WHERE id = ? AND status = ?`
	args = append(args, tr.taskID, tr.from)
	if tr.where != "" {
		query += " AND " + tr.where
		args = append(args, tr.whereArgs...)
	}
	query += ` RETURNING id;`

	var updated string
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("update task %s -> %s: %w", tr.from, tr.to, err)
	}
	if err := s.appendTaskEventTx(ctx, tx, tr.taskID, tr.from, tr.to, tr.eventType, tr.payload); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, event_type, state_from, state_to, trace_id, payload_json, created_at)
		VALUES (?, ?, NULLIF(?, ''), ?, ?, ?, ?);
	`, taskID, eventType, string(from), string(to), shared.TraceID(ctx), payload, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func (s *Store) publishTransition(task *Task, from TaskStatus) {
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    task.ID,
		Role:      string(task.Role),
		OldStatus: string(from),
		NewStatus: string(task.Status),
	})
}

func loadTaskTx(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	var task Task
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &task); err != nil {
		return nil, fmt.Errorf("load task %s: %w", id, err)
	}
	return &task, nil
}

// GetTask returns the task with id, or nil when it does not exist.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	var task Task
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, id)
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get task", err)
	}
	return &task, nil
}

// TasksByStatus lists tasks newest first. An empty status or role matches
// everything; limit is clamped to [1, 500] with 50 as the default.
func (s *Store) TasksByStatus(ctx context.Context, status TaskStatus, role roles.Role, limit int) ([]Task, error) {
	limit = clampLimit(limit, defaultTaskListLimit, maxTaskListLimit)
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE (? = '' OR status = ?) AND (? = '' OR assigned_to_role = ?)
		ORDER BY created_at DESC, seq DESC
		LIMIT ?;
	`, string(status), string(status), string(role), string(role), limit)
	if err != nil {
		return nil, storageErr("list tasks", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, storageErr("scan task", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate tasks", err)
	}
	return out, nil
}

// QueueDepthByRole counts QUEUED tasks per role. Roles with an empty queue
// are present with zero.
func (s *Store) QueueDepthByRole(ctx context.Context) (map[roles.Role]int, error) {
	depth := make(map[roles.Role]int)
	for _, r := range roles.All() {
		depth[r] = 0
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT assigned_to_role, COUNT(*) FROM tasks WHERE status = ? GROUP BY assigned_to_role;
	`, TaskStatusQueued)
	if err != nil {
		return nil, storageErr("queue depth", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			role  string
			count int
		)
		if err := rows.Scan(&role, &count); err != nil {
			return nil, storageErr("scan queue depth", err)
		}
		depth[roles.Role(role)] = count
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate queue depth", err)
	}
	return depth, nil
}

// TaskHistory returns the transition log of a task in order.
func (s *Store) TaskHistory(ctx context.Context, id string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, event_type, COALESCE(state_from, ''), state_to,
			COALESCE(trace_id, ''), payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC;
	`, id)
	if err != nil {
		return nil, storageErr("task history", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.EventType, &ev.StateFrom, &ev.StateTo, &ev.TraceID, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, storageErr("scan task event", err)
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("iterate task events", err)
	}
	return out, nil
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
