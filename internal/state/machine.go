// Package state implements the task state machine: pure validation of a
// proposed transition against a snapshot of the task and its dependencies.
// It never touches storage; callers apply the returned mutation atomically.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"foundry/internal/domain"
)

var (
	ErrIllegalTransition       = errors.New("illegal transition")
	ErrVersionConflict         = errors.New("version conflict")
	ErrDependencyNotSatisfied  = errors.New("dependency not satisfied")
	ErrMissingPrerequisite     = errors.New("missing prerequisite")
)

// transitions is the legal-transition set. queued -> ready serves dispatcher
// rollback when publishing or attaching an assignment fails after reservation.
var transitions = map[domain.TaskStatus][]domain.TaskStatus{
	domain.TaskWaiting:    {domain.TaskReady, domain.TaskBlocked},
	domain.TaskReady:      {domain.TaskQueued, domain.TaskBlocked},
	domain.TaskQueued:     {domain.TaskInProgress, domain.TaskReady, domain.TaskRejected},
	domain.TaskInProgress: {domain.TaskReview, domain.TaskRejected},
	domain.TaskReview:     {domain.TaskDone, domain.TaskRejected},
	domain.TaskRejected:   {domain.TaskReady},
	domain.TaskBlocked:    {domain.TaskReady},
}

// CanTransition reports whether the pair (from, to) is in the legal set.
func CanTransition(from, to domain.TaskStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Snapshot is the read view a transition is validated against.
type Snapshot struct {
	Task               domain.Task
	DependencyStatuses map[string]domain.TaskStatus
}

// Proposal describes an intended transition plus the fields it stages.
type Proposal struct {
	To              domain.TaskStatus
	Actor           string
	Reason          string
	ExpectedVersion int64

	WorkerID        *string
	ReviewerID      *string
	StreamMessageID *string
	BranchName      *string
	CommitHash      *string
	OutputPath      *string
	QAResult        json.RawMessage
	ErrorMessage    *string

	Now time.Time
}

// Mutation is the intended write: the task's next state plus the audit record.
// Task.Version is already incremented; the store applies it with a
// compare-and-set on the previous version.
type Mutation struct {
	Task   domain.Task
	Record domain.TransitionRecord
}

// Apply validates the proposal against the snapshot and produces the mutation.
// Validation order: legal pair, version, state-specific prerequisites.
func Apply(snap Snapshot, p Proposal) (Mutation, error) {
	t := snap.Task
	from := t.Status

	if !CanTransition(from, p.To) {
		return Mutation{}, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, p.To)
	}
	if p.ExpectedVersion != t.Version {
		return Mutation{}, fmt.Errorf("%w: expected %d, current %d", ErrVersionConflict, p.ExpectedVersion, t.Version)
	}
	if err := checkPrerequisites(snap, p); err != nil {
		return Mutation{}, err
	}

	now := p.Now
	if now.IsZero() {
		now = time.Now()
	}
	ts := now.UTC().Format(time.RFC3339)

	next := t
	next.Status = p.To
	next.Version = t.Version + 1
	next.UpdatedAt = ts

	switch p.To {
	case domain.TaskReady:
		// Retry or rollback: clear any stale assignment so a fresh dispatch
		// can reserve the task.
		next.WorkerID = nil
		next.ReviewerID = nil
		next.StreamMessageID = nil
	case domain.TaskQueued:
		next.WorkerID = p.WorkerID
		if p.StreamMessageID != nil {
			next.StreamMessageID = p.StreamMessageID
		}
	case domain.TaskInProgress:
		if p.WorkerID != nil {
			next.WorkerID = p.WorkerID
		}
		if next.StartedAt == nil {
			next.StartedAt = &ts
		}
	case domain.TaskReview:
		if p.ReviewerID != nil {
			next.ReviewerID = p.ReviewerID
		}
		if p.BranchName != nil {
			next.BranchName = p.BranchName
		}
		if p.CommitHash != nil {
			next.CommitHash = p.CommitHash
		}
		if p.OutputPath != nil {
			next.OutputPath = p.OutputPath
		}
	case domain.TaskDone:
		next.CompletedAt = &ts
		next.QAResult = p.QAResult
		next.WorkerID = nil
		next.ReviewerID = nil
		next.StreamMessageID = nil
	case domain.TaskRejected:
		if len(p.QAResult) > 0 {
			next.QAResult = p.QAResult
		}
		if p.ErrorMessage != nil {
			next.ErrorMessage = p.ErrorMessage
		} else if p.Reason != "" {
			reason := p.Reason
			next.ErrorMessage = &reason
		}
		next.WorkerID = nil
		next.ReviewerID = nil
		next.StreamMessageID = nil
	}

	rec := domain.TransitionRecord{
		TaskID:          t.ID,
		FromStatus:      string(from),
		ToStatus:        string(p.To),
		Actor:           p.Actor,
		Reason:          p.Reason,
		StreamMessageID: p.StreamMessageID,
		Timestamp:       ts,
	}
	return Mutation{Task: next, Record: rec}, nil
}

func checkPrerequisites(snap Snapshot, p Proposal) error {
	switch p.To {
	case domain.TaskReady:
		for dep, status := range snap.DependencyStatuses {
			if status != domain.TaskDone {
				return fmt.Errorf("%w: dependency %s is %s", ErrDependencyNotSatisfied, dep, status)
			}
		}
	case domain.TaskQueued:
		if p.WorkerID == nil && p.StreamMessageID == nil {
			return fmt.Errorf("%w: queued requires a staged assignment", ErrMissingPrerequisite)
		}
	case domain.TaskInProgress:
		if p.WorkerID == nil && snap.Task.WorkerID == nil {
			return fmt.Errorf("%w: in_progress requires an assigned worker", ErrMissingPrerequisite)
		}
	case domain.TaskReview:
		if p.CommitHash == nil && p.OutputPath == nil && p.BranchName == nil {
			return fmt.Errorf("%w: review requires a result payload", ErrMissingPrerequisite)
		}
	case domain.TaskDone:
		if len(p.QAResult) == 0 {
			return fmt.Errorf("%w: done requires a QA-accept result", ErrMissingPrerequisite)
		}
	}
	return nil
}

// DependenciesMet reports whether every dependency status is done.
func DependenciesMet(deps map[string]domain.TaskStatus) bool {
	for _, status := range deps {
		if status != domain.TaskDone {
			return false
		}
	}
	return true
}

// SortReady orders ready tasks by (priority desc, created_at asc, id asc).
func SortReady(tasks []domain.Task) {
	sort.Slice(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		ra, rb := domain.PriorityRank(a.Priority), domain.PriorityRank(b.Priority)
		if ra != rb {
			return ra > rb
		}
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.ID < b.ID
	})
}
