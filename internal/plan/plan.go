// Package plan is the boundary where a decomposed design (phases, tasks,
// dependency edges keyed by plan-local names) becomes a storable batch with
// generated ids.
package plan

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"foundry/internal/domain"
	"foundry/internal/repo"
)

// Phase is one phase of a decomposed design.
type Phase struct {
	Name        string `json:"name" yaml:"name" minLength:"1"`
	Description string `json:"description,omitempty" yaml:"description"`
	BranchName  string `json:"branch_name" yaml:"branch_name" minLength:"1"`
	Tasks       []Task `json:"tasks,omitempty" yaml:"tasks"`
}

// Task is one task of a decomposed design. Key names the task within the
// plan; depends_on entries reference keys, not ids.
type Task struct {
	Key          string          `json:"key" yaml:"key" minLength:"1"`
	Title        string          `json:"title" yaml:"title" minLength:"1"`
	Description  string          `json:"description,omitempty" yaml:"description"`
	Priority     string          `json:"priority,omitempty" yaml:"priority" enum:"low,medium,high,critical"`
	DependsOn    []string        `json:"depends_on,omitempty" yaml:"depends_on"`
	WorkerPrompt json.RawMessage `json:"worker_prompt,omitempty" yaml:"-"`
	QAPrompt     json.RawMessage `json:"qa_prompt,omitempty" yaml:"-"`
}

// Document is a full plan as submitted by the decomposition step or read from
// a file.
type Document struct {
	Name        string  `json:"name" yaml:"name"`
	Description string  `json:"description,omitempty" yaml:"description"`
	RepoPath    string  `json:"repo_path" yaml:"repo_path"`
	Phases      []Phase `json:"phases" yaml:"phases"`
}

// Build resolves plan keys into generated ids and produces the transactional
// store batch. Unknown or duplicate keys fail here; cycle detection is the
// store's job.
func Build(doc Document) (repo.Plan, error) {
	if doc.Name == "" {
		return repo.Plan{}, fmt.Errorf("plan: name required")
	}
	if doc.RepoPath == "" {
		return repo.Plan{}, fmt.Errorf("plan: repo_path required")
	}
	if len(doc.Phases) == 0 {
		return repo.Plan{}, fmt.Errorf("plan: at least one phase required")
	}
	out := repo.Plan{Project: domain.Project{
		ID:          uuid.New().String(),
		Name:        doc.Name,
		Description: doc.Description,
		RepoPath:    doc.RepoPath,
		Status:      domain.ProjectDesign,
	}}
	keyToID := map[string]string{}
	for i, ph := range doc.Phases {
		phase := domain.Phase{
			ID:          uuid.New().String(),
			ProjectID:   out.Project.ID,
			Ordinal:     i + 1,
			Name:        ph.Name,
			Description: ph.Description,
			BranchName:  ph.BranchName,
		}
		out.Phases = append(out.Phases, phase)
		for _, t := range ph.Tasks {
			if _, dup := keyToID[t.Key]; dup {
				return repo.Plan{}, fmt.Errorf("plan: duplicate task key %q", t.Key)
			}
			keyToID[t.Key] = uuid.New().String()
		}
	}
	for i, ph := range doc.Phases {
		for _, t := range ph.Tasks {
			task := domain.Task{
				ID:           keyToID[t.Key],
				ProjectID:    out.Project.ID,
				PhaseID:      out.Phases[i].ID,
				Title:        t.Title,
				Description:  t.Description,
				Priority:     domain.TaskPriority(t.Priority),
				WorkerPrompt: t.WorkerPrompt,
				QAPrompt:     t.QAPrompt,
			}
			for _, dep := range t.DependsOn {
				depID, ok := keyToID[dep]
				if !ok {
					return repo.Plan{}, fmt.Errorf("plan: task %q depends on unknown key %q", t.Key, dep)
				}
				task.DependsOn = append(task.DependsOn, depID)
			}
			out.Tasks = append(out.Tasks, task)
		}
	}
	return out, nil
}
