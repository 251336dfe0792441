package orch

import "encoding/json"

// AssignmentMessage is the payload published on tasks:assign:<project_id>.
type AssignmentMessage struct {
	TaskID          string          `json:"task_id"`
	ProjectID       string          `json:"project_id"`
	WorkerID        string          `json:"worker_id"`
	AssignedAt      string          `json:"assigned_at"`
	BranchName      string          `json:"branch_name,omitempty"`
	WorkerPrompt    json.RawMessage `json:"worker_prompt,omitempty"`
	QAPrompt        json.RawMessage `json:"qa_prompt,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
}

// ResultKind classifies worker result messages.
type ResultKind string

const (
	ResultStarted   ResultKind = "started"
	ResultSubmitted ResultKind = "submitted"
	ResultQAAccept  ResultKind = "qa_accept"
	ResultQAReject  ResultKind = "qa_reject"
	ResultError     ResultKind = "error"
)

// ResultMessage is the payload workers publish on tasks:results.
type ResultMessage struct {
	TaskID          string          `json:"task_id"`
	WorkerID        string          `json:"worker_id"`
	WorkerSecret    string          `json:"worker_secret"`
	Kind            ResultKind      `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	TS              string          `json:"ts,omitempty"`
}

// ResultPayload is the kind-specific body of a ResultMessage.
type ResultPayload struct {
	CommitHash   string          `json:"commit_hash,omitempty"`
	BranchName   string          `json:"branch_name,omitempty"`
	OutputPath   string          `json:"output_path,omitempty"`
	QAResult     json.RawMessage `json:"qa_result,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
}

// ControlMessage is published on workers:control:<worker_id>.
type ControlMessage struct {
	Action string `json:"action"`
	TaskID string `json:"task_id,omitempty"`
	Reason string `json:"reason,omitempty"`
	TS     string `json:"ts"`
}
