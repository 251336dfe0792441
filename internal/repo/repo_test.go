package repo_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/migrate"
	"foundry/internal/repo"
	"foundry/internal/state"
)

func newRepo(t *testing.T) repo.Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}
}

func simplePlan(deps map[string][]string) repo.Plan {
	plan := repo.Plan{
		Project: domain.Project{ID: "proj-1", Name: "demo", RepoPath: "/tmp/demo"},
		Phases:  []domain.Phase{{ID: "phase-1", ProjectID: "proj-1", Ordinal: 1, Name: "core", BranchName: "phase/core"}},
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		if _, ok := deps[id]; !ok && len(deps) > 0 {
			continue
		}
		plan.Tasks = append(plan.Tasks, domain.Task{
			ID: id, ProjectID: "proj-1", PhaseID: "phase-1", Title: "task " + id,
			Priority: domain.PriorityMedium, DependsOn: deps[id],
		})
	}
	return plan
}

func TestCreatePlanInitialStatuses(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreatePlan(ctx, simplePlan(map[string][]string{
		"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"},
	}))
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	a, _ := r.GetTask(ctx, "a")
	if a.Status != domain.TaskReady {
		t.Fatalf("zero-dep task should start ready, got %s", a.Status)
	}
	if a.Version != 1 {
		t.Fatalf("new task version should be 1, got %d", a.Version)
	}
	for _, id := range []string{"b", "c", "d"} {
		task, err := r.GetTask(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if task.Status != domain.TaskWaiting {
			t.Fatalf("task %s should start waiting, got %s", id, task.Status)
		}
	}
	d, _ := r.GetTask(ctx, "d")
	if len(d.DependsOn) != 2 {
		t.Fatalf("expected d deps persisted, got %v", d.DependsOn)
	}
}

func TestCreatePlanRejectsCycleAtomically(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	_, err := r.CreatePlan(ctx, repo.Plan{
		Project: domain.Project{ID: "proj-1", Name: "demo", RepoPath: "/tmp/demo"},
		Phases:  []domain.Phase{{ID: "phase-1", ProjectID: "proj-1", Ordinal: 1, Name: "core", BranchName: "phase/core"}},
		Tasks: []domain.Task{
			{ID: "a", ProjectID: "proj-1", PhaseID: "phase-1", Title: "a", DependsOn: []string{"b"}},
			{ID: "b", ProjectID: "proj-1", PhaseID: "phase-1", Title: "b", DependsOn: []string{"a"}},
		},
	})
	if err == nil {
		t.Fatalf("expected cycle rejection")
	}
	// Nothing persisted.
	if _, err := r.GetProject(ctx, "proj-1"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no partial project, got %v", err)
	}
	if _, err := r.GetTask(ctx, "a"); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected no partial task, got %v", err)
	}
}

func TestApplyMutationCompareAndSet(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.CreatePlan(ctx, simplePlan(map[string][]string{"a": nil})); err != nil {
		t.Fatal(err)
	}
	snap, err := r.Snapshot(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	worker := "w-1"
	mut, err := state.Apply(snap, state.Proposal{
		To: domain.TaskQueued, Actor: "pm", ExpectedVersion: 1, WorkerID: &worker,
		Now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ApplyMutation(ctx, mut); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	// Same mutation again: stale version, refused without side effect.
	err = r.ApplyMutation(ctx, mut)
	if !errors.Is(err, state.ErrVersionConflict) {
		t.Fatalf("expected version conflict, got %v", err)
	}
	task, _ := r.GetTask(ctx, "a")
	if task.Version != 2 || task.Status != domain.TaskQueued {
		t.Fatalf("unexpected task after conflict: v%d %s", task.Version, task.Status)
	}
	// Exactly one transition record.
	records, err := r.ListHistory(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 {
		t.Fatalf("expected single record, got %d", len(records))
	}
	if records[0].FromStatus != "ready" || records[0].ToStatus != "queued" {
		t.Fatalf("unexpected record %+v", records[0])
	}
}

func TestAttachStreamMessageBumpsVersion(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.CreatePlan(ctx, simplePlan(map[string][]string{"a": nil})); err != nil {
		t.Fatal(err)
	}
	if err := r.AttachStreamMessage(ctx, "a", 1, "0000000000001-000000"); err != nil {
		t.Fatal(err)
	}
	task, _ := r.GetTask(ctx, "a")
	if task.Version != 2 || task.StreamMessageID == nil {
		t.Fatalf("expected attach to bump version and store id")
	}
	err := r.AttachStreamMessage(ctx, "a", 1, "0000000000002-000000")
	if !errors.Is(err, state.ErrVersionConflict) {
		t.Fatalf("expected conflict on stale attach, got %v", err)
	}
}

func TestListDependentsReverseIndex(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.CreatePlan(ctx, simplePlan(map[string][]string{
		"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"},
	})); err != nil {
		t.Fatal(err)
	}
	dependents, err := r.ListDependents(ctx, "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(dependents) != 2 {
		t.Fatalf("expected b and c as dependents of a, got %d", len(dependents))
	}
	statuses, err := r.DependencyStatuses(ctx, "d")
	if err != nil {
		t.Fatal(err)
	}
	if len(statuses) != 2 || statuses["b"] != domain.TaskWaiting {
		t.Fatalf("unexpected dependency statuses %v", statuses)
	}
}

func TestListTasksByStatusSetAndCounts(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	if _, err := r.CreatePlan(ctx, simplePlan(map[string][]string{
		"a": nil, "b": {"a"}, "c": {"a"}, "d": {"b", "c"},
	})); err != nil {
		t.Fatal(err)
	}
	ready, err := r.ListTasks(ctx, "proj-1", domain.TaskReady)
	if err != nil {
		t.Fatal(err)
	}
	if len(ready) != 1 || ready[0].ID != "a" {
		t.Fatalf("expected only a ready, got %+v", ready)
	}
	both, err := r.ListTasks(ctx, "proj-1", domain.TaskReady, domain.TaskWaiting)
	if err != nil {
		t.Fatal(err)
	}
	if len(both) != 4 {
		t.Fatalf("expected 4 tasks, got %d", len(both))
	}
	counts, err := r.CountTasksByStatus(ctx, "proj-1")
	if err != nil {
		t.Fatal(err)
	}
	if counts[domain.TaskReady] != 1 || counts[domain.TaskWaiting] != 3 {
		t.Fatalf("unexpected counts %v", counts)
	}
}

func TestRegistrationTokenSingleUse(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tok := domain.RegistrationToken{ID: "t-1", Token: "fdt-abc", Name: "ci", CreatedAt: now.Format(time.RFC3339)}
	if err := r.InsertRegistrationToken(ctx, tok); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ConsumeRegistrationToken(ctx, "fdt-abc", now); err != nil {
		t.Fatalf("first consume: %v", err)
	}
	_, err := r.ConsumeRegistrationToken(ctx, "fdt-abc", now)
	if !errors.Is(err, repo.ErrTokenAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}
}

func TestRegistrationTokenExpiryAndRevocation(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	expiry := now.Add(-time.Hour).Format(time.RFC3339)
	expired := domain.RegistrationToken{ID: "t-1", Token: "fdt-old", CreatedAt: now.Format(time.RFC3339), ExpiresAt: &expiry}
	if err := r.InsertRegistrationToken(ctx, expired); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ConsumeRegistrationToken(ctx, "fdt-old", now); !errors.Is(err, repo.ErrTokenExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	revoked := domain.RegistrationToken{ID: "t-2", Token: "fdt-rev", CreatedAt: now.Format(time.RFC3339)}
	if err := r.InsertRegistrationToken(ctx, revoked); err != nil {
		t.Fatal(err)
	}
	if err := r.RevokeRegistrationToken(ctx, "t-2"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.ConsumeRegistrationToken(ctx, "fdt-rev", now); !errors.Is(err, repo.ErrTokenRevoked) {
		t.Fatalf("expected revoked, got %v", err)
	}
}
