package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskEnqueued     = "task.enqueued"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
)

// Runner and notifier topics.
const (
	TopicRunnerTick  = "runner.tick"
	TopicAdminAlert  = "admin.alert"
	TopicLeadPlanned = "lead.planned"
)

// TaskStateChangedEvent is published after a task transition commits.
type TaskStateChangedEvent struct {
	TaskID    string `json:"task_id"`
	Role      string `json:"role"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
}

// TaskOutcomeEvent is published by the runner once a claimed task finishes.
type TaskOutcomeEvent struct {
	TaskID   string        `json:"task_id"`
	Role     string        `json:"role"`
	Action   string        `json:"action"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration_ns"`
}

// RunnerTickEvent summarizes one runner pass.
type RunnerTickEvent struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// AdminAlert mirrors a critical notification pushed to the admin channel.
type AdminAlert struct {
	TaskID    string `json:"task_id"`
	Role      string `json:"role"`
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
}

// LeadPlannedEvent is published after intake enqueues a plan.
type LeadPlannedEvent struct {
	LeadType string   `json:"lead_type"`
	TaskIDs  []string `json:"task_ids"`
	Advised  bool     `json:"advised"`
}
