package plan_test

import (
	"testing"

	"foundry/internal/plan"
)

func demoDoc() plan.Document {
	return plan.Document{
		Name:     "demo",
		RepoPath: "/tmp/demo",
		Phases: []plan.Phase{
			{
				Name:       "core",
				BranchName: "phase/core",
				Tasks: []plan.Task{
					{Key: "a", Title: "bootstrap"},
					{Key: "b", Title: "api", DependsOn: []string{"a"}, Priority: "high"},
				},
			},
			{
				Name:       "polish",
				BranchName: "phase/polish",
				Tasks: []plan.Task{
					{Key: "c", Title: "docs", DependsOn: []string{"b"}},
				},
			},
		},
	}
}

func TestBuildResolvesKeysAcrossPhases(t *testing.T) {
	batch, err := plan.Build(demoDoc())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(batch.Phases) != 2 || batch.Phases[0].Ordinal != 1 || batch.Phases[1].Ordinal != 2 {
		t.Fatalf("unexpected phases %+v", batch.Phases)
	}
	if len(batch.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(batch.Tasks))
	}
	idByTitle := map[string]string{}
	for _, task := range batch.Tasks {
		if task.ProjectID != batch.Project.ID {
			t.Fatalf("task %s not bound to project", task.Title)
		}
		idByTitle[task.Title] = task.ID
	}
	for _, task := range batch.Tasks {
		if task.Title != "docs" {
			continue
		}
		if len(task.DependsOn) != 1 || task.DependsOn[0] != idByTitle["api"] {
			t.Fatalf("cross-phase dependency not resolved: %+v", task.DependsOn)
		}
	}
}

func TestBuildRejectsBadKeys(t *testing.T) {
	doc := demoDoc()
	doc.Phases[0].Tasks = append(doc.Phases[0].Tasks, plan.Task{Key: "a", Title: "dup"})
	if _, err := plan.Build(doc); err == nil {
		t.Fatalf("expected duplicate key error")
	}

	doc = demoDoc()
	doc.Phases[1].Tasks[0].DependsOn = []string{"missing"}
	if _, err := plan.Build(doc); err == nil {
		t.Fatalf("expected unknown key error")
	}

	if _, err := plan.Build(plan.Document{Name: "x", RepoPath: "/tmp/x"}); err == nil {
		t.Fatalf("expected phase requirement error")
	}
}
