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

const ingestRetries = 3

// Ingester is the long-running consumer of tasks:results under the ingesters
// group. Every message is applied through the state machine with the
// message's expected version as the idempotency arbiter.
type Ingester struct {
	Repo     repo.Repo
	Queue    *stream.Queue
	Registry *registry.Registry
	Bus      *board.Bus
	Manager  *Manager
	Logger   *slog.Logger
	Consumer string
	Block    time.Duration
	Now      func() time.Time
}

func (in *Ingester) now() time.Time {
	if in.Now != nil {
		return in.Now()
	}
	return time.Now()
}

func (in *Ingester) logger() *slog.Logger {
	if in.Logger != nil {
		return in.Logger
	}
	return slog.Default()
}

func (in *Ingester) block() time.Duration {
	if in.Block > 0 {
		return in.Block
	}
	return time.Second
}

// Run consumes results until the context is cancelled.
func (in *Ingester) Run(ctx context.Context) error {
	if err := in.Queue.EnsureGroup(ctx, stream.ResultsStream, stream.ResultsGroup, stream.StartAll); err != nil {
		return err
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msgs, err := in.Queue.Consume(ctx, stream.ResultsStream, stream.ResultsGroup, in.Consumer, 10, in.block())
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			in.logger().Warn("results consume failed", "err", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		for _, msg := range msgs {
			in.Process(ctx, msg)
		}
	}
}

// RunJanitor periodically claims results whose consumer went quiet and
// reprocesses them.
func (in *Ingester) RunJanitor(ctx context.Context, sweep, claimIdle time.Duration) error {
	ticker := time.NewTicker(sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := in.SweepPending(ctx, claimIdle); err != nil && ctx.Err() == nil {
			in.logger().Warn("janitor sweep failed", "err", err)
		}
	}
}

// SweepPending claims every pending result idle beyond the threshold onto a
// fresh consumer and processes it. Re-acking an id that completed in the
// meantime is a no-op, so recovered owners cause no duplicate transitions.
func (in *Ingester) SweepPending(ctx context.Context, claimIdle time.Duration) error {
	entries, err := in.Queue.Pending(ctx, stream.ResultsStream, stream.ResultsGroup)
	if err != nil {
		return err
	}
	var stale []string
	for _, e := range entries {
		if e.IdleMS > claimIdle.Milliseconds() {
			stale = append(stale, e.ID)
		}
	}
	if len(stale) == 0 {
		return nil
	}
	claimed, err := in.Queue.Claim(ctx, stream.ResultsStream, stream.ResultsGroup, in.Consumer+"-janitor", claimIdle, stale)
	if err != nil {
		return err
	}
	for _, msg := range claimed {
		in.Process(ctx, msg)
	}
	return nil
}

// Process applies one result message. Transient store failures leave the
// message pending for redelivery; everything else is acknowledged.
func (in *Ingester) Process(ctx context.Context, msg stream.Message) {
	var result ResultMessage
	if err := json.Unmarshal(msg.Payload, &result); err != nil {
		in.logger().Warn("malformed result message", "id", msg.ID, "err", err)
		in.deadLetter(ctx, msg, "malformed payload")
		in.ack(ctx, msg.ID)
		return
	}

	if _, err := in.Registry.Verify(ctx, result.WorkerID, result.WorkerSecret); err != nil {
		if errors.Is(err, registry.ErrInvalidSecret) {
			// Replay protection: results from unknown or revoked workers are
			// dropped permanently.
			in.logger().Warn("result from unverified worker dropped", "worker", result.WorkerID, "task", result.TaskID)
			in.ack(ctx, msg.ID)
			return
		}
		in.logger().Warn("worker verification unavailable", "err", err)
		return
	}

	err := in.apply(ctx, result)
	switch {
	case err == nil:
		in.ack(ctx, msg.ID)
	case errors.Is(err, repo.ErrStoreUnavailable) || errors.Is(err, stream.ErrQueueUnavailable):
		// No ack: the message stays pending and redelivers.
		in.logger().Warn("result deferred on store failure", "task", result.TaskID, "err", err)
	case errors.Is(err, state.ErrVersionConflict):
		in.logger().Warn("lost update", "task", result.TaskID, "kind", result.Kind,
			"expected_version", result.ExpectedVersion)
		in.ack(ctx, msg.ID)
	case errors.Is(err, repo.ErrNotFound):
		in.logger().Warn("result for unknown task dropped", "task", result.TaskID)
		in.ack(ctx, msg.ID)
	default:
		// Deterministic failure: dead-letter and acknowledge.
		in.deadLetter(ctx, msg, err.Error())
		in.ack(ctx, msg.ID)
	}
}

func (in *Ingester) apply(ctx context.Context, result ResultMessage) error {
	var payload ResultPayload
	if len(result.Payload) > 0 {
		if err := json.Unmarshal(result.Payload, &payload); err != nil {
			return errors.New("malformed result payload")
		}
	}

	var lastErr error
	for attempt := 0; attempt < ingestRetries; attempt++ {
		snap, err := in.Repo.Snapshot(ctx, result.TaskID)
		if err != nil {
			return err
		}
		if snap.Task.Version != result.ExpectedVersion {
			// A duplicate delivery or a lost race. Re-reading never makes the
			// message's version current again, so only transient mid-write
			// races warrant another look.
			lastErr = state.ErrVersionConflict
			continue
		}
		proposal, err := in.proposalFor(ctx, snap, result, payload)
		if err != nil {
			return err
		}
		mut, err := state.Apply(snap, proposal)
		if err != nil {
			return err
		}
		err = in.Repo.ApplyMutation(ctx, mut)
		if errors.Is(err, state.ErrVersionConflict) {
			lastErr = err
			continue
		}
		if err != nil {
			return err
		}
		in.afterApply(ctx, snap.Task, mut.Task, result)
		return nil
	}
	return lastErr
}

func (in *Ingester) proposalFor(ctx context.Context, snap state.Snapshot, result ResultMessage, payload ResultPayload) (state.Proposal, error) {
	p := state.Proposal{
		Actor:           "worker:" + result.WorkerID,
		ExpectedVersion: result.ExpectedVersion,
		Now:             in.now(),
	}
	switch result.Kind {
	case ResultStarted:
		p.To = domain.TaskInProgress
		p.Reason = "worker started execution"
		p.WorkerID = &result.WorkerID
	case ResultSubmitted:
		p.To = domain.TaskReview
		p.Reason = "worker submitted result"
		if payload.CommitHash != "" {
			p.CommitHash = &payload.CommitHash
		}
		if payload.BranchName != "" {
			p.BranchName = &payload.BranchName
		}
		if payload.OutputPath != "" {
			p.OutputPath = &payload.OutputPath
		}
		// Assign a reviewer distinct from the executor when one is idle;
		// none available never blocks ingestion.
		if reviewer, err := in.Registry.PickIdleExcept(ctx, nil, result.WorkerID); err == nil {
			p.ReviewerID = &reviewer.ID
		}
	case ResultQAAccept:
		p.To = domain.TaskDone
		p.Reason = "QA accepted"
		p.QAResult = payload.QAResult
		if len(p.QAResult) == 0 {
			p.QAResult = json.RawMessage(`{"accepted":true}`)
		}
	case ResultQAReject:
		p.To = domain.TaskRejected
		p.Reason = "QA rejected"
		p.QAResult = payload.QAResult
	case ResultError:
		p.To = domain.TaskRejected
		p.Reason = "worker error"
		if payload.ErrorMessage != "" {
			p.ErrorMessage = &payload.ErrorMessage
		}
	default:
		return state.Proposal{}, errors.New("unknown result kind " + string(result.Kind))
	}
	return p, nil
}

// afterApply performs the post-commit bookkeeping: worker idle/busy flips,
// reviewer hand-off, dependent promotion, board events, PM wake-ups.
func (in *Ingester) afterApply(ctx context.Context, before, after domain.Task, result ResultMessage) {
	switch result.Kind {
	case ResultStarted:
		if err := in.Registry.MarkBusy(ctx, result.WorkerID, after.ID); err != nil {
			in.logger().Warn("mark busy failed", "worker", result.WorkerID, "err", err)
		}
	case ResultSubmitted:
		if after.ReviewerID != nil && *after.ReviewerID != result.WorkerID {
			if err := in.Registry.MarkIdle(ctx, result.WorkerID); err != nil {
				in.logger().Warn("mark idle failed", "worker", result.WorkerID, "err", err)
			}
			if err := in.Registry.MarkBusy(ctx, *after.ReviewerID, after.ID); err != nil {
				in.logger().Warn("mark reviewer busy failed", "worker", *after.ReviewerID, "err", err)
			}
			if in.Bus != nil {
				in.Bus.Publish(after.ProjectID, board.Event{
					Event:    board.EventWorkerAssigned,
					TaskID:   after.ID,
					WorkerID: *after.ReviewerID,
				})
			}
		}
	case ResultQAAccept, ResultQAReject, ResultError:
		if err := in.Registry.MarkIdle(ctx, result.WorkerID); err != nil {
			in.logger().Warn("mark idle failed", "worker", result.WorkerID, "err", err)
		}
		if before.WorkerID != nil && *before.WorkerID != result.WorkerID {
			if err := in.Registry.MarkIdle(ctx, *before.WorkerID); err != nil {
				in.logger().Warn("mark idle failed", "worker", *before.WorkerID, "err", err)
			}
		}
	}

	if in.Bus != nil {
		task := after
		in.Bus.Publish(after.ProjectID, board.Event{
			Event:  board.EventTaskMoved,
			TaskID: after.ID,
			From:   string(before.Status),
			To:     string(after.Status),
			Task:   &task,
		})
	}

	if after.Status == domain.TaskDone {
		if open, err := in.Repo.CountPhaseOpenTasks(ctx, after.PhaseID); err == nil && open == 0 {
			if err := in.Repo.SetPhaseStatus(ctx, after.PhaseID, domain.PhaseCompleted); err != nil {
				in.logger().Warn("phase completion failed", "phase", after.PhaseID, "err", err)
			}
		}
		if in.Manager != nil {
			if err := in.Manager.PromoteDependents(ctx, after.ID); err != nil {
				in.logger().Warn("promote dependents failed", "task", after.ID, "err", err)
			}
		}
	}
	if (after.Status == domain.TaskDone || after.Status == domain.TaskRejected) && in.Manager != nil {
		in.Manager.Notify(after.ProjectID)
	}
}

func (in *Ingester) ack(ctx context.Context, id string) {
	if err := in.Queue.Ack(ctx, stream.ResultsStream, stream.ResultsGroup, id); err != nil {
		in.logger().Warn("ack failed", "id", id, "err", err)
	}
}

func (in *Ingester) deadLetter(ctx context.Context, msg stream.Message, reason string) {
	entry := map[string]any{
		"origin_id": msg.ID,
		"payload":   json.RawMessage(msg.Payload),
		"reason":    reason,
		"ts":        in.now().UTC().Format(time.RFC3339),
	}
	if _, err := in.Queue.Publish(ctx, stream.DeadLetterStream, entry); err != nil {
		in.logger().Warn("dead-letter publish failed", "id", msg.ID, "err", err)
	}
}
