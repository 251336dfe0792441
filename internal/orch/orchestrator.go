// Package orch runs the PM control plane: one supervised scheduling loop per
// active project, the dispatcher that hands ready tasks to workers, and the
// ingester that applies worker results.
package orch

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"foundry/internal/board"
	"foundry/internal/config"
	"foundry/internal/domain"
	"foundry/internal/registry"
	"foundry/internal/repo"
	"foundry/internal/state"
	"foundry/internal/stream"
)

var (
	ErrProjectNotReady = errors.New("project design not finalized")
	ErrNoReadyTasks    = errors.New("no ready tasks")
)

// Manager supervises per-project scheduling loops. The loop map and the
// backpressure flag, both under mu, are the only in-process shared state;
// project status in the store is the source of truth.
type Manager struct {
	Repo       repo.Repo
	Queue      *stream.Queue
	Registry   *registry.Registry
	Bus        *board.Bus
	Cfg        *config.Config
	Dispatcher *Dispatcher
	Logger     *slog.Logger
	Now        func() time.Time

	mu             sync.Mutex
	loops          map[string]*loop
	dispatchPaused bool
}

type loop struct {
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}
}

func NewManager(r repo.Repo, q *stream.Queue, reg *registry.Registry, bus *board.Bus, cfg *config.Config, logger *slog.Logger) *Manager {
	m := &Manager{
		Repo:     r,
		Queue:    q,
		Registry: reg,
		Bus:      bus,
		Cfg:      cfg,
		Logger:   logger,
		Now:      time.Now,
		loops:    map[string]*loop{},
	}
	m.Dispatcher = &Dispatcher{
		Repo:           r,
		Queue:          q,
		Registry:       reg,
		Bus:            bus,
		Logger:         logger,
		Retries:        cfg.Scheduler.DispatchRetries,
		PublishTimeout: cfg.PublishTimeout(),
		Now:            func() time.Time { return m.now() },
	}
	return m
}

func (m *Manager) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *Manager) logger() *slog.Logger {
	if m.Logger != nil {
		return m.Logger
	}
	return slog.Default()
}

// Start activates a project and spawns its loop. Starting a running project
// is a no-op; starting a project still in design fails with ProjectNotReady.
func (m *Manager) Start(ctx context.Context, projectID string) error {
	project, err := m.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	switch project.Status {
	case domain.ProjectDesign:
		return ErrProjectNotReady
	case domain.ProjectPaused, domain.ProjectCompleted:
		if err := m.Repo.SetProjectStatus(ctx, projectID, domain.ProjectActive); err != nil {
			return err
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, running := m.loops[projectID]; running {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, wake: make(chan struct{}, 1), done: make(chan struct{})}
	m.loops[projectID] = l
	go m.run(loopCtx, projectID, l)
	m.logger().Info("orchestration started", "project", projectID)
	return nil
}

// Pause marks the project paused and signals its loop to exit after the
// current iteration. Already-dispatched tasks proceed.
func (m *Manager) Pause(ctx context.Context, projectID string) error {
	if err := m.Repo.SetProjectStatus(ctx, projectID, domain.ProjectPaused); err != nil {
		return err
	}
	m.mu.Lock()
	l, ok := m.loops[projectID]
	if ok {
		delete(m.loops, projectID)
	}
	m.mu.Unlock()
	if ok {
		l.cancel()
		<-l.done
	}
	m.logger().Info("orchestration paused", "project", projectID)
	return nil
}

// Running reports whether a loop is live for the project.
func (m *Manager) Running(projectID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.loops[projectID]
	return ok
}

// Notify wakes the project's loop outside its tick, e.g. after a task reached
// done or rejected.
func (m *Manager) Notify(projectID string) {
	m.mu.Lock()
	l, ok := m.loops[projectID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Shutdown stops every loop.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	loops := m.loops
	m.loops = map[string]*loop{}
	m.mu.Unlock()
	for _, l := range loops {
		l.cancel()
		<-l.done
	}
}

func (m *Manager) run(ctx context.Context, projectID string, l *loop) {
	defer close(l.done)
	ticker := time.NewTicker(m.Cfg.Tick())
	defer ticker.Stop()

	// Promote dependency-free waiting tasks before the first scheduling pass.
	if err := m.PromoteWaiting(ctx, projectID); err != nil && ctx.Err() == nil {
		m.logger().Warn("promote waiting failed", "project", projectID, "err", err)
	}
	for {
		if err := m.iterate(ctx, projectID); err != nil && ctx.Err() == nil {
			m.logger().Warn("scheduling iteration failed", "project", projectID, "err", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-l.wake:
		}
	}
}

// RunOnce performs a full scheduling pass outside the loop: promote waiting
// tasks whose dependencies completed, then dispatch ready ones.
func (m *Manager) RunOnce(ctx context.Context, projectID string) error {
	if err := m.PromoteWaiting(ctx, projectID); err != nil {
		return err
	}
	return m.iterate(ctx, projectID)
}

// iterate runs one scheduling pass: check backpressure, scan ready tasks in
// tie-break order, and dispatch up to the in-flight limits.
func (m *Manager) iterate(ctx context.Context, projectID string) error {
	if m.backpressured(ctx) {
		return nil
	}
	project, err := m.Repo.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status != domain.ProjectActive {
		return nil
	}

	ready, err := m.Repo.ListTasks(ctx, projectID, domain.TaskReady)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}
	state.SortReady(ready)

	total, perPhase, err := m.Repo.CountInFlight(ctx, projectID)
	if err != nil {
		return err
	}
	for _, task := range ready {
		if total >= m.Cfg.Scheduler.MaxInFlightPerProj {
			break
		}
		if perPhase[task.PhaseID] >= m.Cfg.Scheduler.MaxInFlightPerPhase {
			continue
		}
		err := m.Dispatcher.Dispatch(ctx, task)
		if errors.Is(err, registry.ErrNoEligibleWorker) {
			break
		}
		if err != nil {
			return err
		}
		total++
		perPhase[task.PhaseID]++
	}
	return nil
}

// backpressured pauses dispatch while the results backlog is above the high
// water mark and resumes once it drains below the low one.
func (m *Manager) backpressured(ctx context.Context) bool {
	n, err := m.Queue.PendingCount(ctx, stream.ResultsStream, stream.ResultsGroup)
	if err != nil {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dispatchPaused {
		if n < m.Cfg.Scheduler.BackpressureLow {
			m.dispatchPaused = false
		}
	} else if n > m.Cfg.Scheduler.BackpressureHigh {
		m.dispatchPaused = true
		m.logger().Warn("dispatch paused on backpressure", "pending_results", n)
	}
	return m.dispatchPaused
}

// PromoteWaiting moves waiting tasks whose dependencies are all done to ready.
func (m *Manager) PromoteWaiting(ctx context.Context, projectID string) error {
	waiting, err := m.Repo.ListTasks(ctx, projectID, domain.TaskWaiting)
	if err != nil {
		return err
	}
	for _, t := range waiting {
		if err := m.promoteIfMet(ctx, t.ID, "all dependencies met"); err != nil {
			return err
		}
	}
	return nil
}

// PromoteDependents re-evaluates only the tasks that list doneTaskID as a
// dependency; the reverse index makes this cheap.
func (m *Manager) PromoteDependents(ctx context.Context, doneTaskID string) error {
	dependents, err := m.Repo.ListDependents(ctx, doneTaskID)
	if err != nil {
		return err
	}
	for _, t := range dependents {
		if t.Status != domain.TaskWaiting {
			continue
		}
		if err := m.promoteIfMet(ctx, t.ID, "all dependencies met (triggered by "+doneTaskID+")"); err != nil {
			return err
		}
	}
	return nil
}

func (m *Manager) promoteIfMet(ctx context.Context, taskID, reason string) error {
	snap, err := m.Repo.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}
	if snap.Task.Status != domain.TaskWaiting || !state.DependenciesMet(snap.DependencyStatuses) {
		return nil
	}
	mut, err := state.Apply(snap, state.Proposal{
		To:              domain.TaskReady,
		Actor:           "system",
		Reason:          reason,
		ExpectedVersion: snap.Task.Version,
		Now:             m.now(),
	})
	if err != nil {
		return err
	}
	if err := m.Repo.ApplyMutation(ctx, mut); err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			return nil
		}
		return err
	}
	if m.Bus != nil {
		m.Bus.Publish(snap.Task.ProjectID, board.Event{
			Event:  board.EventTaskMoved,
			TaskID: taskID,
			From:   string(domain.TaskWaiting),
			To:     string(domain.TaskReady),
		})
	}
	return nil
}

// QueueNext dispatches the highest-priority ready task once, outside the
// scheduling tick.
func (m *Manager) QueueNext(ctx context.Context, projectID string) (domain.Task, error) {
	ready, err := m.Repo.ListTasks(ctx, projectID, domain.TaskReady)
	if err != nil {
		return domain.Task{}, err
	}
	if len(ready) == 0 {
		return domain.Task{}, ErrNoReadyTasks
	}
	state.SortReady(ready)
	task := ready[0]
	if err := m.Dispatcher.Dispatch(ctx, task); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

// Status summarizes orchestration state for a project.
type Status struct {
	ProjectID string                    `json:"project_id"`
	Running   bool                      `json:"running"`
	Tasks     map[domain.TaskStatus]int `json:"tasks"`
	Workers   map[string]int            `json:"workers"`
}

func (m *Manager) Status(ctx context.Context, projectID string) (Status, error) {
	if _, err := m.Repo.GetProject(ctx, projectID); err != nil {
		return Status{}, err
	}
	counts, err := m.Repo.CountTasksByStatus(ctx, projectID)
	if err != nil {
		return Status{}, err
	}
	workers, err := m.Registry.List(ctx)
	if err != nil {
		return Status{}, err
	}
	wcounts := map[string]int{"total": len(workers)}
	for _, w := range workers {
		wcounts[string(w.Status)]++
	}
	return Status{ProjectID: projectID, Running: m.Running(projectID), Tasks: counts, Workers: wcounts}, nil
}

// CancelTask publishes a control message to the assigned worker and attempts
// a transition to rejected. A worker result that lands first wins the race;
// the resulting version conflict is not an error.
func (m *Manager) CancelTask(ctx context.Context, taskID, actor, reason string) error {
	snap, err := m.Repo.Snapshot(ctx, taskID)
	if err != nil {
		return err
	}
	t := snap.Task
	if t.WorkerID != nil {
		msg := ControlMessage{
			Action: "cancel",
			TaskID: taskID,
			Reason: reason,
			TS:     m.now().UTC().Format(time.RFC3339),
		}
		pubCtx, cancel := context.WithTimeout(ctx, m.Cfg.PublishTimeout())
		if _, err := m.Queue.Publish(pubCtx, stream.ControlStream(*t.WorkerID), msg); err != nil {
			m.logger().Warn("cancel control publish failed", "task", taskID, "err", err)
		}
		cancel()
	}
	if !state.CanTransition(t.Status, domain.TaskRejected) {
		return state.ErrIllegalTransition
	}
	workerID := t.WorkerID
	mut, err := state.Apply(snap, state.Proposal{
		To:              domain.TaskRejected,
		Actor:           actor,
		Reason:          reason,
		ExpectedVersion: t.Version,
		Now:             m.now(),
	})
	if err != nil {
		return err
	}
	if err := m.Repo.ApplyMutation(ctx, mut); err != nil {
		if errors.Is(err, state.ErrVersionConflict) {
			return nil
		}
		return err
	}
	if workerID != nil {
		if err := m.Registry.MarkIdle(ctx, *workerID); err != nil {
			m.logger().Warn("cancel mark idle failed", "worker", *workerID, "err", err)
		}
	}
	if m.Bus != nil {
		m.Bus.Publish(t.ProjectID, board.Event{
			Event:  board.EventTaskMoved,
			TaskID: taskID,
			From:   string(t.Status),
			To:     string(domain.TaskRejected),
		})
	}
	m.Notify(t.ProjectID)
	return nil
}
