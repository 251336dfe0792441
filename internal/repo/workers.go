package repo

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	"foundry/internal/domain"
)

// HashSecret returns a stable SHA-256 hex digest for a worker secret; only
// the digest is stored.
func HashSecret(secret string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(secret)))
	return hex.EncodeToString(sum[:])
}

func (r Repo) InsertWorker(ctx context.Context, w domain.Worker) error {
	caps, err := json.Marshal(w.Capabilities)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO workers(id,name,platform,executor_type,capabilities,secret_hash,registered_at,last_heartbeat,current_task_id) VALUES (?,?,?,?,?,?,?,?,?)`,
		w.ID, w.Name, w.Platform, w.ExecutorType, string(caps), w.SecretHash, w.RegisteredAt, nullable(w.LastHeartbeat), nullableStringPtr(w.CurrentTaskID))
	if err != nil {
		return unavailable("insert worker", err)
	}
	return nil
}

func scanWorker(scan func(...any) error) (domain.Worker, error) {
	var w domain.Worker
	var caps, lastHeartbeat, currentTask sql.NullString
	err := scan(&w.ID, &w.Name, &w.Platform, &w.ExecutorType, &caps, &w.SecretHash, &w.RegisteredAt, &lastHeartbeat, &currentTask)
	if err != nil {
		return w, err
	}
	if caps.Valid && caps.String != "" {
		_ = json.Unmarshal([]byte(caps.String), &w.Capabilities)
	}
	if lastHeartbeat.Valid {
		w.LastHeartbeat = lastHeartbeat.String
	}
	if currentTask.Valid {
		w.CurrentTaskID = &currentTask.String
	}
	return w, nil
}

const workerColumns = `id,name,platform,executor_type,capabilities,secret_hash,registered_at,last_heartbeat,current_task_id`

func (r Repo) GetWorker(ctx context.Context, id string) (domain.Worker, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+workerColumns+` FROM workers WHERE id=?`, id)
	w, err := scanWorker(row.Scan)
	if err == sql.ErrNoRows {
		return w, ErrNotFound
	}
	if err != nil {
		return w, unavailable("get worker", err)
	}
	return w, nil
}

func (r Repo) ListWorkers(ctx context.Context) ([]domain.Worker, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+workerColumns+` FROM workers ORDER BY registered_at ASC, rowid ASC`)
	if err != nil {
		return nil, unavailable("list workers", err)
	}
	defer rows.Close()
	var res []domain.Worker
	for rows.Next() {
		w, err := scanWorker(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, w)
	}
	return res, rows.Err()
}

func (r Repo) TouchWorkerHeartbeat(ctx context.Context, id string, at time.Time) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET last_heartbeat=? WHERE id=?`,
		at.UTC().Format(time.RFC3339), id)
	if err != nil {
		return unavailable("touch heartbeat", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetWorkerTask(ctx context.Context, id string, taskID *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE workers SET current_task_id=? WHERE id=?`, nullableStringPtr(taskID), id)
	if err != nil {
		return unavailable("set worker task", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteWorker(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM workers WHERE id=?`, id)
	if err != nil {
		return unavailable("delete worker", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountQueuedForWorker returns how many assignments a worker has not yet
// pulled into execution.
func (r Repo) CountQueuedForWorker(ctx context.Context, workerID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM tasks WHERE worker_id=? AND status='queued'`, workerID).Scan(&n)
	if err != nil {
		return 0, unavailable("count queued for worker", err)
	}
	return n, nil
}
