package registry_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/migrate"
	"foundry/internal/registry"
	"foundry/internal/repo"
	"foundry/internal/state"
)

type env struct {
	Repo     repo.Repo
	Registry *registry.Registry
	Now      *time.Time
}

func newEnv(t *testing.T) env {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	reg := registry.New(r, 30*time.Second, time.Minute)
	reg.Now = func() time.Time { return now }
	e := env{Repo: r, Registry: reg, Now: &now}
	reg.Now = func() time.Time { return *e.Now }
	return e
}

func (e env) mintToken(t *testing.T) string {
	t.Helper()
	tok, err := e.Registry.NewRegistrationToken(context.Background(), "", nil)
	if err != nil {
		t.Fatalf("mint token: %v", err)
	}
	return tok.Token
}

func TestRegisterConsumesToken(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	token := e.mintToken(t)

	w, secret, err := e.Registry.Register(ctx, token, "builder", "linux/amd64", []string{"go"}, "claude-code")
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if w.ID == "" || secret == "" {
		t.Fatalf("expected worker id and secret")
	}
	if w.Status != domain.WorkerIdle {
		t.Fatalf("fresh worker should be idle, got %s", w.Status)
	}

	// The token is single-use.
	_, _, err = e.Registry.Register(ctx, token, "other", "linux/amd64", nil, "")
	if !errors.Is(err, repo.ErrTokenAlreadyUsed) {
		t.Fatalf("expected token already used, got %v", err)
	}

	// Credentials round-trip; wrong secret refused.
	if _, err := e.Registry.Verify(ctx, w.ID, secret); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if _, err := e.Registry.Verify(ctx, w.ID, "fws-wrong"); !errors.Is(err, registry.ErrInvalidSecret) {
		t.Fatalf("expected invalid secret, got %v", err)
	}
}

func TestLivenessDerivation(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w, secret, err := e.Registry.Register(ctx, e.mintToken(t), "builder", "linux", nil, "")
	if err != nil {
		t.Fatal(err)
	}

	workers, _ := e.Registry.List(ctx)
	if workers[0].Status != domain.WorkerIdle {
		t.Fatalf("expected idle, got %s", workers[0].Status)
	}

	// One missed interval: still idle. Two missed: offline.
	*e.Now = e.Now.Add(45 * time.Second)
	workers, _ = e.Registry.List(ctx)
	if workers[0].Status != domain.WorkerIdle {
		t.Fatalf("expected idle within cutoff, got %s", workers[0].Status)
	}
	*e.Now = e.Now.Add(30 * time.Second)
	workers, _ = e.Registry.List(ctx)
	if workers[0].Status != domain.WorkerOffline {
		t.Fatalf("expected offline past cutoff, got %s", workers[0].Status)
	}

	// Heartbeat is the only path back to idle.
	res, err := e.Registry.Heartbeat(ctx, w.ID, secret)
	if err != nil {
		t.Fatal(err)
	}
	if res.Status != domain.WorkerIdle {
		t.Fatalf("expected idle after heartbeat, got %s", res.Status)
	}
}

func TestBusyWhenTaskAssigned(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	w, _, err := e.Registry.Register(ctx, e.mintToken(t), "builder", "linux", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Registry.MarkBusy(ctx, w.ID, "task-1"); err != nil {
		t.Fatal(err)
	}
	workers, _ := e.Registry.List(ctx)
	if workers[0].Status != domain.WorkerBusy {
		t.Fatalf("expected busy, got %s", workers[0].Status)
	}
	if err := e.Registry.MarkIdle(ctx, w.ID); err != nil {
		t.Fatal(err)
	}
	workers, _ = e.Registry.List(ctx)
	if workers[0].Status != domain.WorkerIdle {
		t.Fatalf("expected idle after release, got %s", workers[0].Status)
	}
}

func TestPickIdleCapabilityMatching(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	goWorker, _, err := e.Registry.Register(ctx, e.mintToken(t), "go-builder", "linux", []string{"go", "sqlite"}, "")
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := e.Registry.Register(ctx, e.mintToken(t), "py-builder", "linux", []string{"python"}, ""); err != nil {
		t.Fatal(err)
	}

	picked, err := e.Registry.PickIdle(ctx, []string{"go"})
	if err != nil {
		t.Fatal(err)
	}
	if picked.ID != goWorker.ID {
		t.Fatalf("expected capability match, got %s", picked.Name)
	}

	// Empty required set matches any idle worker, in registration order.
	picked, err = e.Registry.PickIdle(ctx, nil)
	if err != nil {
		t.Fatal(err)
	}
	if picked.ID != goWorker.ID {
		t.Fatalf("expected first registered, got %s", picked.Name)
	}

	if _, err := e.Registry.PickIdle(ctx, []string{"rust"}); !errors.Is(err, registry.ErrNoEligibleWorker) {
		t.Fatalf("expected no eligible worker, got %v", err)
	}

	// Busy workers are not eligible.
	if err := e.Registry.MarkBusy(ctx, goWorker.ID, "task-1"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.Registry.PickIdle(ctx, []string{"go"}); !errors.Is(err, registry.ErrNoEligibleWorker) {
		t.Fatalf("expected busy worker skipped, got %v", err)
	}
}

func TestHeartbeatDrainDirective(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	if _, err := e.Repo.CreatePlan(ctx, repo.Plan{
		Project: domain.Project{ID: "proj-1", Name: "demo", RepoPath: "/tmp/demo"},
		Phases:  []domain.Phase{{ID: "phase-1", ProjectID: "proj-1", Ordinal: 1, Name: "core", BranchName: "phase/core"}},
		Tasks:   []domain.Task{{ID: "a", ProjectID: "proj-1", PhaseID: "phase-1", Title: "a"}},
	}); err != nil {
		t.Fatal(err)
	}
	w, secret, err := e.Registry.Register(ctx, e.mintToken(t), "builder", "linux", nil, "")
	if err != nil {
		t.Fatal(err)
	}
	snap, err := e.Repo.Snapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	worker := w.ID
	mut, err := state.Apply(snap, state.Proposal{
		To: domain.TaskQueued, Actor: "pm", ExpectedVersion: snap.Task.Version, WorkerID: &worker,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.ApplyMutation(ctx, mut); err != nil {
		t.Fatal(err)
	}
	if err := e.Registry.MarkBusy(ctx, w.ID, "a"); err != nil {
		t.Fatal(err)
	}

	// Assignment still live: no directive.
	res, err := e.Registry.Heartbeat(ctx, w.ID, secret)
	if err != nil {
		t.Fatal(err)
	}
	if res.Directive != "" {
		t.Fatalf("unexpected directive %q", res.Directive)
	}
	if res.PendingTasks != 1 {
		t.Fatalf("expected one pending assignment, got %d", res.PendingTasks)
	}

	// Externally cancelled task: heartbeat carries drain.
	snap, _ = e.Repo.Snapshot(ctx, "a")
	mut, err = state.Apply(snap, state.Proposal{
		To: domain.TaskRejected, Actor: "user", Reason: "cancelled", ExpectedVersion: snap.Task.Version,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := e.Repo.ApplyMutation(ctx, mut); err != nil {
		t.Fatal(err)
	}

	res, err = e.Registry.Heartbeat(ctx, w.ID, secret)
	if err != nil {
		t.Fatal(err)
	}
	if res.Directive != registry.DirectiveDrain {
		t.Fatalf("expected drain directive, got %q", res.Directive)
	}
}
