// Package registry tracks workers: token-consuming registration, secret
// verification, heartbeats, derived liveness, and assignment routing.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"foundry/internal/domain"
	"foundry/internal/repo"
)

var (
	ErrInvalidSecret    = errors.New("invalid worker credentials")
	ErrNoEligibleWorker = errors.New("no eligible worker")
)

// DirectiveDrain tells a worker to stop work on its current task.
const DirectiveDrain = "drain"

type Registry struct {
	Repo              repo.Repo
	HeartbeatInterval time.Duration
	LivenessCutoff    time.Duration
	Now               func() time.Time
}

func New(r repo.Repo, heartbeat, cutoff time.Duration) *Registry {
	return &Registry{Repo: r, HeartbeatInterval: heartbeat, LivenessCutoff: cutoff, Now: time.Now}
}

func (g *Registry) now() time.Time {
	if g.Now != nil {
		return g.Now()
	}
	return time.Now()
}

func newSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return "fws-" + hex.EncodeToString(buf), nil
}

// Register consumes a registration token and creates the worker. The returned
// secret is shown once; only its hash is stored.
func (g *Registry) Register(ctx context.Context, token, name, platform string, capabilities []string, executorType string) (domain.Worker, string, error) {
	if _, err := g.Repo.ConsumeRegistrationToken(ctx, token, g.now()); err != nil {
		return domain.Worker{}, "", err
	}
	secret, err := newSecret()
	if err != nil {
		return domain.Worker{}, "", err
	}
	id := uuid.New().String()
	if name == "" {
		name = "worker-" + id[:8]
	}
	if executorType == "" {
		executorType = "claude-code"
	}
	now := g.now().UTC().Format(time.RFC3339)
	w := domain.Worker{
		ID:            id,
		Name:          name,
		Platform:      platform,
		ExecutorType:  executorType,
		Capabilities:  capabilities,
		SecretHash:    repo.HashSecret(secret),
		RegisteredAt:  now,
		LastHeartbeat: now,
	}
	if err := g.Repo.InsertWorker(ctx, w); err != nil {
		return domain.Worker{}, "", err
	}
	w.Status = domain.WorkerIdle
	return w, secret, nil
}

// Verify checks worker credentials.
func (g *Registry) Verify(ctx context.Context, workerID, secret string) (domain.Worker, error) {
	w, err := g.Repo.GetWorker(ctx, workerID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Worker{}, ErrInvalidSecret
		}
		return domain.Worker{}, err
	}
	if w.SecretHash != repo.HashSecret(secret) {
		return domain.Worker{}, ErrInvalidSecret
	}
	return w, nil
}

// Liveness derives the worker status from its heartbeat and assignment; it is
// computed on read, never persisted.
func (g *Registry) Liveness(w domain.Worker) domain.WorkerStatus {
	if w.LastHeartbeat != "" {
		last, err := time.Parse(time.RFC3339, w.LastHeartbeat)
		if err == nil && g.now().Sub(last) > g.LivenessCutoff {
			return domain.WorkerOffline
		}
	}
	if w.CurrentTaskID != nil {
		return domain.WorkerBusy
	}
	return domain.WorkerIdle
}

// HeartbeatResult is what a worker learns from a heartbeat.
type HeartbeatResult struct {
	Status        domain.WorkerStatus
	PendingTasks  int
	CurrentTaskID *string
	Directive     string
}

// Heartbeat authenticates the worker, refreshes last_heartbeat, and returns
// its pending assignment count. A heartbeat is the only path back from
// offline to idle. When the worker's current task was cancelled externally,
// the response carries a drain directive.
func (g *Registry) Heartbeat(ctx context.Context, workerID, secret string) (HeartbeatResult, error) {
	w, err := g.Verify(ctx, workerID, secret)
	if err != nil {
		return HeartbeatResult{}, err
	}
	now := g.now()
	if err := g.Repo.TouchWorkerHeartbeat(ctx, workerID, now); err != nil {
		return HeartbeatResult{}, err
	}
	w.LastHeartbeat = now.UTC().Format(time.RFC3339)

	res := HeartbeatResult{CurrentTaskID: w.CurrentTaskID}
	if w.CurrentTaskID != nil {
		task, err := g.Repo.GetTask(ctx, *w.CurrentTaskID)
		switch {
		case errors.Is(err, repo.ErrNotFound):
			res.Directive = DirectiveDrain
		case err != nil:
			return HeartbeatResult{}, err
		case task.Status != domain.TaskInProgress && task.Status != domain.TaskQueued && task.Status != domain.TaskReview:
			res.Directive = DirectiveDrain
		}
	}
	pending, err := g.Repo.CountQueuedForWorker(ctx, workerID)
	if err != nil {
		return HeartbeatResult{}, err
	}
	res.PendingTasks = pending
	res.Status = g.Liveness(w)
	return res, nil
}

// List returns all workers with their derived status.
func (g *Registry) List(ctx context.Context) ([]domain.Worker, error) {
	workers, err := g.Repo.ListWorkers(ctx)
	if err != nil {
		return nil, err
	}
	for i := range workers {
		workers[i].Status = g.Liveness(workers[i])
	}
	return workers, nil
}

// PickIdle selects an idle worker whose capability set covers the required
// set; an empty required set matches any idle worker. Selection is stable by
// registration order.
func (g *Registry) PickIdle(ctx context.Context, required []string) (domain.Worker, error) {
	workers, err := g.List(ctx)
	if err != nil {
		return domain.Worker{}, err
	}
	for _, w := range workers {
		if w.Status != domain.WorkerIdle {
			continue
		}
		if hasCapabilities(w.Capabilities, required) {
			return w, nil
		}
	}
	return domain.Worker{}, ErrNoEligibleWorker
}

// PickIdleExcept is PickIdle skipping one worker id; used for reviewer
// assignment, where the reviewer must differ from the executor.
func (g *Registry) PickIdleExcept(ctx context.Context, required []string, exceptID string) (domain.Worker, error) {
	workers, err := g.List(ctx)
	if err != nil {
		return domain.Worker{}, err
	}
	for _, w := range workers {
		if w.ID == exceptID || w.Status != domain.WorkerIdle {
			continue
		}
		if hasCapabilities(w.Capabilities, required) {
			return w, nil
		}
	}
	return domain.Worker{}, ErrNoEligibleWorker
}

func hasCapabilities(have, required []string) bool {
	if len(required) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, c := range have {
		set[c] = true
	}
	for _, c := range required {
		if !set[c] {
			return false
		}
	}
	return true
}

// MarkBusy records the worker's current assignment.
func (g *Registry) MarkBusy(ctx context.Context, workerID, taskID string) error {
	return g.Repo.SetWorkerTask(ctx, workerID, &taskID)
}

// MarkIdle clears the worker's current assignment.
func (g *Registry) MarkIdle(ctx context.Context, workerID string) error {
	if err := g.Repo.SetWorkerTask(ctx, workerID, nil); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil
		}
		return err
	}
	return nil
}

// NewRegistrationToken mints a single-use registration token.
func (g *Registry) NewRegistrationToken(ctx context.Context, name string, expiresAt *time.Time) (domain.RegistrationToken, error) {
	buf := make([]byte, 20)
	if _, err := rand.Read(buf); err != nil {
		return domain.RegistrationToken{}, err
	}
	tokenStr := "fdt-" + hex.EncodeToString(buf)
	if name == "" {
		name = fmt.Sprintf("token-%s", tokenStr[len(tokenStr)-8:])
	}
	t := domain.RegistrationToken{
		ID:        uuid.New().String(),
		Token:     tokenStr,
		Name:      name,
		CreatedAt: g.now().UTC().Format(time.RFC3339),
	}
	if expiresAt != nil {
		s := expiresAt.UTC().Format(time.RFC3339)
		t.ExpiresAt = &s
	}
	if err := g.Repo.InsertRegistrationToken(ctx, t); err != nil {
		return domain.RegistrationToken{}, err
	}
	return t, nil
}
