package domain

import "encoding/json"

type ProjectStatus string

const (
	ProjectDesign    ProjectStatus = "design"
	ProjectActive    ProjectStatus = "active"
	ProjectPaused    ProjectStatus = "paused"
	ProjectCompleted ProjectStatus = "completed"
)

type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseActive    PhaseStatus = "active"
	PhaseCompleted PhaseStatus = "completed"
)

type TaskStatus string

const (
	TaskWaiting    TaskStatus = "waiting"
	TaskReady      TaskStatus = "ready"
	TaskQueued     TaskStatus = "queued"
	TaskInProgress TaskStatus = "in_progress"
	TaskReview     TaskStatus = "review"
	TaskDone       TaskStatus = "done"
	TaskRejected   TaskStatus = "rejected"
	TaskBlocked    TaskStatus = "blocked"
)

// TaskStatuses lists every status in board-column order.
var TaskStatuses = []TaskStatus{
	TaskWaiting, TaskReady, TaskQueued, TaskInProgress,
	TaskReview, TaskDone, TaskRejected, TaskBlocked,
}

type TaskPriority string

const (
	PriorityLow      TaskPriority = "low"
	PriorityMedium   TaskPriority = "medium"
	PriorityHigh     TaskPriority = "high"
	PriorityCritical TaskPriority = "critical"
)

// PriorityRank orders priorities for scheduling; higher dispatches first.
func PriorityRank(p TaskPriority) int {
	switch p {
	case PriorityCritical:
		return 3
	case PriorityHigh:
		return 2
	case PriorityMedium:
		return 1
	default:
		return 0
	}
}

type WorkerStatus string

const (
	WorkerIdle    WorkerStatus = "idle"
	WorkerBusy    WorkerStatus = "busy"
	WorkerOffline WorkerStatus = "offline"
)

type Project struct {
	ID          string        `json:"id"`
	Name        string        `json:"name"`
	Description string        `json:"description,omitempty"`
	RepoPath    string        `json:"repo_path"`
	Status      ProjectStatus `json:"status" enum:"design,active,paused,completed"`
	CreatedAt   string        `json:"created_at" format:"date-time"`
	UpdatedAt   string        `json:"updated_at" format:"date-time"`
}

type Phase struct {
	ID          string      `json:"id"`
	ProjectID   string      `json:"project_id"`
	Ordinal     int         `json:"ordinal"`
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	BranchName  string      `json:"branch_name"`
	Status      PhaseStatus `json:"status" enum:"pending,active,completed"`
	CreatedAt   string      `json:"created_at" format:"date-time"`
	UpdatedAt   string      `json:"updated_at" format:"date-time"`
}

type Task struct {
	ID              string          `json:"id"`
	ProjectID       string          `json:"project_id"`
	PhaseID         string          `json:"phase_id"`
	Title           string          `json:"title"`
	Description     string          `json:"description,omitempty"`
	Priority        TaskPriority    `json:"priority" enum:"low,medium,high,critical"`
	Status          TaskStatus      `json:"status" enum:"waiting,ready,queued,in_progress,review,done,rejected,blocked"`
	Version         int64           `json:"version"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	WorkerPrompt    json.RawMessage `json:"worker_prompt,omitempty"`
	QAPrompt        json.RawMessage `json:"qa_prompt,omitempty"`
	WorkerID        *string         `json:"worker_id,omitempty"`
	ReviewerID      *string         `json:"reviewer_id,omitempty"`
	BranchName      *string         `json:"branch_name,omitempty"`
	CommitHash      *string         `json:"commit_hash,omitempty"`
	QAResult        json.RawMessage `json:"qa_result,omitempty"`
	OutputPath      *string         `json:"output_path,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	StreamMessageID *string         `json:"stream_message_id,omitempty"`
	CreatedAt       string          `json:"created_at" format:"date-time"`
	UpdatedAt       string          `json:"updated_at" format:"date-time"`
	StartedAt       *string         `json:"started_at,omitempty" format:"date-time"`
	CompletedAt     *string         `json:"completed_at,omitempty" format:"date-time"`
}

type Worker struct {
	ID            string       `json:"id"`
	Name          string       `json:"name"`
	Platform      string       `json:"platform"`
	ExecutorType  string       `json:"executor_type"`
	Capabilities  []string     `json:"capabilities,omitempty"`
	SecretHash    string       `json:"-"`
	RegisteredAt  string       `json:"registered_at" format:"date-time"`
	LastHeartbeat string       `json:"last_heartbeat,omitempty" format:"date-time"`
	CurrentTaskID *string      `json:"current_task_id,omitempty"`
	Status        WorkerStatus `json:"status" enum:"idle,busy,offline"`
}

type RegistrationToken struct {
	ID        string  `json:"id"`
	Token     string  `json:"token"`
	Name      string  `json:"name,omitempty"`
	CreatedAt string  `json:"created_at" format:"date-time"`
	ExpiresAt *string `json:"expires_at,omitempty" format:"date-time"`
	Revoked   bool    `json:"revoked"`
	UsedAt    *string `json:"used_at,omitempty" format:"date-time"`
}

// TransitionRecord is one row of the append-only task audit trail.
type TransitionRecord struct {
	ID              int64   `json:"id"`
	TaskID          string  `json:"task_id"`
	FromStatus      string  `json:"from_status"`
	ToStatus        string  `json:"to_status"`
	Actor           string  `json:"actor"`
	Reason          string  `json:"reason,omitempty"`
	StreamMessageID *string `json:"stream_message_id,omitempty"`
	Timestamp       string  `json:"timestamp" format:"date-time"`
}
