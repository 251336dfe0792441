package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"foundry/internal/domain"
	"foundry/internal/state"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound = errors.New("not found")
	// ErrStoreUnavailable wraps connection and serialization failures that the
	// caller may retry with backoff.
	ErrStoreUnavailable = errors.New("store unavailable")
)

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableJSON(v json.RawMessage) any {
	if len(v) == 0 {
		return nil
	}
	return string(v)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}

// ── Projects ───────────────────────────────────────────────────────────

func (r Repo) GetProject(ctx context.Context, id string) (domain.Project, error) {
	var p domain.Project
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,description,repo_path,status,created_at,updated_at FROM projects WHERE id=?`, id).
		Scan(&p.ID, &p.Name, &desc, &p.RepoPath, &p.Status, &p.CreatedAt, &p.UpdatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, unavailable("get project", err)
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return p, nil
}

func (r Repo) ListProjects(ctx context.Context) ([]domain.Project, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,COALESCE(description,''),repo_path,status,created_at,updated_at FROM projects ORDER BY created_at DESC`)
	if err != nil {
		return nil, unavailable("list projects", err)
	}
	defer rows.Close()
	var res []domain.Project
	for rows.Next() {
		var p domain.Project
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.RepoPath, &p.Status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) SetProjectStatus(ctx context.Context, id string, status domain.ProjectStatus) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE projects SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return unavailable("set project status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteProject(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM projects WHERE id=?`, id)
	if err != nil {
		return unavailable("delete project", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Phases ─────────────────────────────────────────────────────────────

func (r Repo) ListPhases(ctx context.Context, projectID string) ([]domain.Phase, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,project_id,ordinal,name,COALESCE(description,''),branch_name,status,created_at,updated_at FROM phases WHERE project_id=? ORDER BY ordinal ASC`, projectID)
	if err != nil {
		return nil, unavailable("list phases", err)
	}
	defer rows.Close()
	var res []domain.Phase
	for rows.Next() {
		var ph domain.Phase
		if err := rows.Scan(&ph.ID, &ph.ProjectID, &ph.Ordinal, &ph.Name, &ph.Description, &ph.BranchName, &ph.Status, &ph.CreatedAt, &ph.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, ph)
	}
	return res, rows.Err()
}

func (r Repo) GetPhase(ctx context.Context, id string) (domain.Phase, error) {
	var ph domain.Phase
	var desc sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,project_id,ordinal,name,description,branch_name,status,created_at,updated_at FROM phases WHERE id=?`, id).
		Scan(&ph.ID, &ph.ProjectID, &ph.Ordinal, &ph.Name, &desc, &ph.BranchName, &ph.Status, &ph.CreatedAt, &ph.UpdatedAt)
	if err == sql.ErrNoRows {
		return ph, ErrNotFound
	}
	if err != nil {
		return ph, unavailable("get phase", err)
	}
	if desc.Valid {
		ph.Description = desc.String
	}
	return ph, nil
}

// CountPhaseOpenTasks returns how many tasks of a phase are not yet done.
func (r Repo) CountPhaseOpenTasks(ctx context.Context, phaseID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE phase_id=? AND status!='done'`, phaseID).Scan(&n)
	if err != nil {
		return 0, unavailable("count phase open tasks", err)
	}
	return n, nil
}

func (r Repo) SetPhaseStatus(ctx context.Context, id string, status domain.PhaseStatus) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE phases SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return unavailable("set phase status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ── Plan batch ─────────────────────────────────────────────────────────

// Plan is a decomposed design: a project with its phases, tasks and
// dependency edges. Creation succeeds or fails as a unit.
type Plan struct {
	Project domain.Project
	Phases  []domain.Phase
	Tasks   []domain.Task
}

// CreatePlan inserts the whole plan transactionally. Dependency edges must
// reference tasks inside the plan and must form a DAG; tasks without
// dependencies start ready, the rest waiting.
func (r Repo) CreatePlan(ctx context.Context, plan Plan) (domain.Project, error) {
	if err := validatePlan(plan); err != nil {
		return domain.Project{}, err
	}
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Project{}, unavailable("begin plan tx", err)
	}
	defer tx.Rollback()

	p := plan.Project
	if p.Status == "" {
		p.Status = domain.ProjectDesign
	}
	p.CreatedAt, p.UpdatedAt = now, now
	if _, err := tx.ExecContext(ctx, `INSERT INTO projects(id,name,description,repo_path,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.Name, nullable(p.Description), p.RepoPath, p.Status, p.CreatedAt, p.UpdatedAt); err != nil {
		return domain.Project{}, fmt.Errorf("insert project: %w", err)
	}

	for _, ph := range plan.Phases {
		if ph.Status == "" {
			ph.Status = domain.PhasePending
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO phases(id,project_id,ordinal,name,description,branch_name,status,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
			ph.ID, p.ID, ph.Ordinal, ph.Name, nullable(ph.Description), ph.BranchName, ph.Status, now, now); err != nil {
			return domain.Project{}, fmt.Errorf("insert phase %s: %w", ph.Name, err)
		}
	}

	for _, t := range plan.Tasks {
		status := domain.TaskWaiting
		if len(t.DependsOn) == 0 {
			status = domain.TaskReady
		}
		if t.Priority == "" {
			t.Priority = domain.PriorityMedium
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,project_id,phase_id,title,description,priority,status,version,worker_prompt,qa_prompt,created_at,updated_at) VALUES (?,?,?,?,?,?,?,1,?,?,?,?)`,
			t.ID, p.ID, t.PhaseID, t.Title, nullable(t.Description), t.Priority, status,
			nullableJSON(t.WorkerPrompt), nullableJSON(t.QAPrompt), now, now); err != nil {
			return domain.Project{}, fmt.Errorf("insert task %s: %w", t.Title, err)
		}
	}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if _, err := tx.ExecContext(ctx, `INSERT INTO task_deps(task_id,depends_on_id) VALUES (?,?)`, t.ID, dep); err != nil {
				return domain.Project{}, fmt.Errorf("insert dep %s -> %s: %w", t.ID, dep, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Project{}, unavailable("commit plan", err)
	}
	return p, nil
}

func validatePlan(plan Plan) error {
	if plan.Project.ID == "" || plan.Project.Name == "" {
		return errors.New("plan: project id and name required")
	}
	phaseIDs := map[string]bool{}
	for _, ph := range plan.Phases {
		if phaseIDs[ph.ID] {
			return fmt.Errorf("plan: duplicate phase %s", ph.ID)
		}
		phaseIDs[ph.ID] = true
	}
	inPlan := map[string]bool{}
	for _, t := range plan.Tasks {
		if inPlan[t.ID] {
			return fmt.Errorf("plan: duplicate task %s", t.ID)
		}
		if !phaseIDs[t.PhaseID] {
			return fmt.Errorf("plan: task %s references unknown phase %s", t.ID, t.PhaseID)
		}
		inPlan[t.ID] = true
	}
	deps := map[string][]string{}
	for _, t := range plan.Tasks {
		for _, dep := range t.DependsOn {
			if !inPlan[dep] {
				return fmt.Errorf("plan: task %s depends on unknown task %s", t.ID, dep)
			}
			if dep == t.ID {
				return fmt.Errorf("plan: task %s depends on itself", t.ID)
			}
			deps[t.ID] = append(deps[t.ID], dep)
		}
	}
	// Kahn's algorithm: every task must be orderable or the graph has a cycle.
	indegree := map[string]int{}
	dependents := map[string][]string{}
	for id := range inPlan {
		indegree[id] = 0
	}
	for id, ds := range deps {
		indegree[id] = len(ds)
		for _, d := range ds {
			dependents[d] = append(dependents[d], id)
		}
	}
	var queue []string
	for id, n := range indegree {
		if n == 0 {
			queue = append(queue, id)
		}
	}
	ordered := 0
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		ordered++
		for _, next := range dependents[id] {
			indegree[next]--
			if indegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if ordered != len(inPlan) {
		return errors.New("plan: dependency cycle detected")
	}
	return nil
}

// ── Tasks ──────────────────────────────────────────────────────────────

const taskColumns = `id,project_id,phase_id,title,description,priority,status,version,worker_prompt,qa_prompt,worker_id,reviewer_id,branch_name,commit_hash,qa_result,output_path,error_message,stream_message_id,created_at,updated_at,started_at,completed_at`

func scanTask(scan func(...any) error) (domain.Task, error) {
	var t domain.Task
	var desc, workerPrompt, qaPrompt, workerID, reviewerID, branch, commit, qaResult, outputPath, errMsg, msgID, startedAt, completedAt sql.NullString
	err := scan(&t.ID, &t.ProjectID, &t.PhaseID, &t.Title, &desc, &t.Priority, &t.Status, &t.Version,
		&workerPrompt, &qaPrompt, &workerID, &reviewerID, &branch, &commit, &qaResult, &outputPath, &errMsg, &msgID,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt)
	if err != nil {
		return t, err
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if workerPrompt.Valid {
		t.WorkerPrompt = json.RawMessage(workerPrompt.String)
	}
	if qaPrompt.Valid {
		t.QAPrompt = json.RawMessage(qaPrompt.String)
	}
	if workerID.Valid {
		t.WorkerID = &workerID.String
	}
	if reviewerID.Valid {
		t.ReviewerID = &reviewerID.String
	}
	if branch.Valid {
		t.BranchName = &branch.String
	}
	if commit.Valid {
		t.CommitHash = &commit.String
	}
	if qaResult.Valid {
		t.QAResult = json.RawMessage(qaResult.String)
	}
	if outputPath.Valid {
		t.OutputPath = &outputPath.String
	}
	if errMsg.Valid {
		t.ErrorMessage = &errMsg.String
	}
	if msgID.Valid {
		t.StreamMessageID = &msgID.String
	}
	if startedAt.Valid {
		t.StartedAt = &startedAt.String
	}
	if completedAt.Valid {
		t.CompletedAt = &completedAt.String
	}
	return t, nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row.Scan)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, unavailable("get task", err)
	}
	t.DependsOn, err = r.ListTaskDependencies(ctx, id)
	return t, err
}

func (r Repo) ListTaskDependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT depends_on_id FROM task_deps WHERE task_id=? ORDER BY depends_on_id`, taskID)
	if err != nil {
		return nil, unavailable("list task deps", err)
	}
	defer rows.Close()
	var deps []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, err
		}
		deps = append(deps, dep)
	}
	return deps, rows.Err()
}

// DependencyStatuses returns the current status of each dependency of a task.
func (r Repo) DependencyStatuses(ctx context.Context, taskID string) (map[string]domain.TaskStatus, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT t.id, t.status FROM task_deps d JOIN tasks t ON t.id=d.depends_on_id WHERE d.task_id=?`, taskID)
	if err != nil {
		return nil, unavailable("dependency statuses", err)
	}
	defer rows.Close()
	res := map[string]domain.TaskStatus{}
	for rows.Next() {
		var id string
		var status domain.TaskStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		res[id] = status
	}
	return res, rows.Err()
}

// Snapshot loads the state-machine view of a task.
func (r Repo) Snapshot(ctx context.Context, taskID string) (state.Snapshot, error) {
	t, err := r.GetTask(ctx, taskID)
	if err != nil {
		return state.Snapshot{}, err
	}
	deps, err := r.DependencyStatuses(ctx, taskID)
	if err != nil {
		return state.Snapshot{}, err
	}
	return state.Snapshot{Task: t, DependencyStatuses: deps}, nil
}

// ListTasks returns all tasks of a project, optionally filtered by status set.
func (r Repo) ListTasks(ctx context.Context, projectID string, statuses ...domain.TaskStatus) ([]domain.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE project_id=?`
	args := []any{projectID}
	if len(statuses) > 0 {
		placeholders := strings.Repeat("?,", len(statuses))
		query += ` AND status IN (` + placeholders[:len(placeholders)-1] + `)`
		for _, s := range statuses {
			args = append(args, s)
		}
	}
	query += ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list tasks", err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// ListDependents returns the tasks that list taskID in their dependency set,
// via the reverse index on task_deps.
func (r Repo) ListDependents(ctx context.Context, taskID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+qualifiedTaskColumns("t")+` FROM task_deps d JOIN tasks t ON t.id=d.task_id WHERE d.depends_on_id=?`, taskID)
	if err != nil {
		return nil, unavailable("list dependents", err)
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func qualifiedTaskColumns(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ",")
}

func (r Repo) CountTasksByStatus(ctx context.Context, projectID string) (map[domain.TaskStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM tasks WHERE project_id=? GROUP BY status`, projectID)
	if err != nil {
		return nil, unavailable("count tasks", err)
	}
	defer rows.Close()
	res := map[domain.TaskStatus]int{}
	for rows.Next() {
		var status domain.TaskStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

// CountInFlight returns in-flight (queued/in_progress/review) counts for the
// project and per phase.
func (r Repo) CountInFlight(ctx context.Context, projectID string) (total int, perPhase map[string]int, err error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT phase_id, count(*) FROM tasks WHERE project_id=? AND status IN ('queued','in_progress','review') GROUP BY phase_id`, projectID)
	if err != nil {
		return 0, nil, unavailable("count in-flight", err)
	}
	defer rows.Close()
	perPhase = map[string]int{}
	for rows.Next() {
		var phase string
		var count int
		if err := rows.Scan(&phase, &count); err != nil {
			return 0, nil, err
		}
		perPhase[phase] = count
		total += count
	}
	return total, perPhase, rows.Err()
}

// ApplyMutation writes a state-machine mutation with a compare-and-set on the
// previous version and appends the transition record in the same transaction.
func (r Repo) ApplyMutation(ctx context.Context, m state.Mutation) error {
	t := m.Task
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return unavailable("begin mutation tx", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, version=?, worker_id=?, reviewer_id=?, branch_name=?, commit_hash=?, qa_result=?, output_path=?, error_message=?, stream_message_id=?, updated_at=?, started_at=?, completed_at=? WHERE id=? AND version=?`,
		t.Status, t.Version, nullableStringPtr(t.WorkerID), nullableStringPtr(t.ReviewerID),
		nullableStringPtr(t.BranchName), nullableStringPtr(t.CommitHash), nullableJSON(t.QAResult),
		nullableStringPtr(t.OutputPath), nullableStringPtr(t.ErrorMessage), nullableStringPtr(t.StreamMessageID),
		t.UpdatedAt, nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt),
		t.ID, t.Version-1)
	if err != nil {
		return unavailable("apply mutation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE id=?`, t.ID).Scan(&exists); err != nil {
			return unavailable("apply mutation", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("task %s: %w", t.ID, state.ErrVersionConflict)
	}

	rec := m.Record
	if _, err := tx.ExecContext(ctx, `INSERT INTO task_history(task_id,from_status,to_status,actor,reason,stream_message_id,timestamp) VALUES (?,?,?,?,?,?,?)`,
		rec.TaskID, rec.FromStatus, rec.ToStatus, rec.Actor, nullable(rec.Reason), nullableStringPtr(rec.StreamMessageID), rec.Timestamp); err != nil {
		return unavailable("append history", err)
	}
	return tx.Commit()
}

// AttachStreamMessage records the assignment message id against a queued task
// with a compare-and-set; the version increments without a status change.
func (r Repo) AttachStreamMessage(ctx context.Context, taskID string, expectedVersion int64, messageID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET stream_message_id=?, version=version+1, updated_at=? WHERE id=? AND version=?`,
		messageID, now, taskID, expectedVersion)
	if err != nil {
		return unavailable("attach stream message", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		var exists int
		if err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE id=?`, taskID).Scan(&exists); err != nil {
			return unavailable("attach stream message", err)
		}
		if exists == 0 {
			return ErrNotFound
		}
		return fmt.Errorf("task %s: %w", taskID, state.ErrVersionConflict)
	}
	return nil
}

// LatestHistory returns the newest transition records across tasks,
// optionally filtered by project or task.
func (r Repo) LatestHistory(ctx context.Context, limit int, projectID, taskID string) ([]domain.TransitionRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if projectID != "" {
		clauses = append(clauses, "t.project_id=?")
		args = append(args, projectID)
	}
	if taskID != "" {
		clauses = append(clauses, "h.task_id=?")
		args = append(args, taskID)
	}
	query := `SELECT h.id,h.task_id,h.from_status,h.to_status,h.actor,COALESCE(h.reason,''),h.stream_message_id,h.timestamp
FROM task_history h JOIN tasks t ON t.id=h.task_id
WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY h.id DESC LIMIT ?`
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("latest history", err)
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var msgID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.FromStatus, &rec.ToStatus, &rec.Actor, &rec.Reason, &msgID, &rec.Timestamp); err != nil {
			return nil, err
		}
		if msgID.Valid {
			rec.StreamMessageID = &msgID.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

// ListHistory returns the transition records of a task, oldest first.
func (r Repo) ListHistory(ctx context.Context, taskID string) ([]domain.TransitionRecord, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,task_id,from_status,to_status,actor,COALESCE(reason,''),stream_message_id,timestamp FROM task_history WHERE task_id=? ORDER BY id ASC`, taskID)
	if err != nil {
		return nil, unavailable("list history", err)
	}
	defer rows.Close()
	var res []domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var msgID sql.NullString
		if err := rows.Scan(&rec.ID, &rec.TaskID, &rec.FromStatus, &rec.ToStatus, &rec.Actor, &rec.Reason, &msgID, &rec.Timestamp); err != nil {
			return nil, err
		}
		if msgID.Valid {
			rec.StreamMessageID = &msgID.String
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}
