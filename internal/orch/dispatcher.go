package orch

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"foundry/internal/board"
	"foundry/internal/domain"
	"foundry/internal/registry"
	"foundry/internal/repo"
	"foundry/internal/state"
	"foundry/internal/stream"
)

// Dispatcher moves a ready task to queued, publishes its assignment, and
// records the stream message id against the task.
type Dispatcher struct {
	Repo           repo.Repo
	Queue          *stream.Queue
	Registry       *registry.Registry
	Bus            *board.Bus
	Logger         *slog.Logger
	Retries        int
	PublishTimeout time.Duration
	Now            func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

func (d *Dispatcher) retries() int {
	if d.Retries > 0 {
		return d.Retries
	}
	return 3
}

// requiredCapabilities reads the required-capability set out of the worker
// prompt bag; prompts stay opaque everywhere else.
func requiredCapabilities(t domain.Task) []string {
	if len(t.WorkerPrompt) == 0 {
		return nil
	}
	var bag struct {
		RequiredCapabilities []string `json:"required_capabilities"`
	}
	if err := json.Unmarshal(t.WorkerPrompt, &bag); err != nil {
		return nil
	}
	return bag.RequiredCapabilities
}

// Dispatch reserves the task for an idle worker and publishes the assignment.
// A version conflict means another actor took the task; after the retry
// allowance it gives up silently. ErrNoEligibleWorker leaves the task ready for
// the next tick.
func (d *Dispatcher) Dispatch(ctx context.Context, task domain.Task) error {
	for attempt := 0; attempt < d.retries(); attempt++ {
		project, err := d.Repo.GetProject(ctx, task.ProjectID)
		if err != nil {
			return err
		}
		if project.Status != domain.ProjectActive {
			return nil
		}

		worker, err := d.Registry.PickIdle(ctx, requiredCapabilities(task))
		if err != nil {
			return err
		}

		err = d.dispatchTo(ctx, task, worker)
		if err == nil {
			return nil
		}
		if errors.Is(err, state.ErrVersionConflict) {
			fresh, gerr := d.Repo.GetTask(ctx, task.ID)
			if gerr != nil || fresh.Status != domain.TaskReady {
				return nil
			}
			task = fresh
			continue
		}
		return err
	}
	return nil
}

func (d *Dispatcher) dispatchTo(ctx context.Context, task domain.Task, worker domain.Worker) error {
	snap, err := d.Repo.Snapshot(ctx, task.ID)
	if err != nil {
		return err
	}
	mut, err := state.Apply(snap, state.Proposal{
		To:              domain.TaskQueued,
		Actor:           "pm",
		Reason:          "dispatched to " + worker.Name,
		ExpectedVersion: task.Version,
		WorkerID:        &worker.ID,
		Now:             d.now(),
	})
	if err != nil {
		return err
	}
	if err := d.Repo.ApplyMutation(ctx, mut); err != nil {
		return err
	}
	if err := d.Registry.MarkBusy(ctx, worker.ID, task.ID); err != nil {
		d.logger().Warn("mark busy failed", "worker", worker.ID, "err", err)
	}
	if phase, perr := d.Repo.GetPhase(ctx, task.PhaseID); perr == nil && phase.Status == domain.PhasePending {
		if err := d.Repo.SetPhaseStatus(ctx, phase.ID, domain.PhaseActive); err != nil {
			d.logger().Warn("phase activation failed", "phase", phase.ID, "err", err)
		}
	}

	// The message-id attach below bumps the version once more; the worker
	// acts against the post-attach version.
	assignment := AssignmentMessage{
		TaskID:          task.ID,
		ProjectID:       task.ProjectID,
		WorkerID:        worker.ID,
		AssignedAt:      d.now().UTC().Format(time.RFC3339),
		WorkerPrompt:    task.WorkerPrompt,
		QAPrompt:        task.QAPrompt,
		ExpectedVersion: mut.Task.Version + 1,
	}
	if task.BranchName != nil {
		assignment.BranchName = *task.BranchName
	}
	pubCtx := ctx
	if d.PublishTimeout > 0 {
		var cancel context.CancelFunc
		pubCtx, cancel = context.WithTimeout(ctx, d.PublishTimeout)
		defer cancel()
	}
	msgID, err := d.Queue.Publish(pubCtx, stream.AssignStream(task.ProjectID), assignment)
	if err != nil {
		d.rollback(ctx, task.ID, worker.ID, "assignment publish failed")
		return err
	}
	if err := d.Repo.AttachStreamMessage(ctx, task.ID, mut.Task.Version, msgID); err != nil {
		// The published assignment becomes a no-op once the task is back in
		// ready: its started result fails the ready -> in_progress check.
		d.rollback(ctx, task.ID, worker.ID, "message id attach conflicted")
		return err
	}

	if d.Bus != nil {
		d.Bus.Publish(task.ProjectID, board.Event{
			Event:    board.EventTaskMoved,
			TaskID:   task.ID,
			From:     string(domain.TaskReady),
			To:       string(domain.TaskQueued),
			WorkerID: worker.ID,
		})
		d.Bus.Publish(task.ProjectID, board.Event{
			Event:    board.EventWorkerAssigned,
			TaskID:   task.ID,
			WorkerID: worker.ID,
		})
	}
	return nil
}

// rollback frees the worker and returns the task to ready after a failed
// publish or attach.
func (d *Dispatcher) rollback(ctx context.Context, taskID, workerID, reason string) {
	if err := d.Registry.MarkIdle(ctx, workerID); err != nil {
		d.logger().Warn("rollback mark idle failed", "worker", workerID, "err", err)
	}
	snap, err := d.Repo.Snapshot(ctx, taskID)
	if err != nil {
		d.logger().Warn("rollback read failed", "task", taskID, "err", err)
		return
	}
	if snap.Task.Status != domain.TaskQueued {
		return
	}
	mut, err := state.Apply(snap, state.Proposal{
		To:              domain.TaskReady,
		Actor:           "system",
		Reason:          reason,
		ExpectedVersion: snap.Task.Version,
		Now:             d.now(),
	})
	if err != nil {
		d.logger().Warn("rollback transition failed", "task", taskID, "err", err)
		return
	}
	if err := d.Repo.ApplyMutation(ctx, mut); err != nil {
		d.logger().Warn("rollback apply failed", "task", taskID, "err", err)
	}
}

func (d *Dispatcher) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}
