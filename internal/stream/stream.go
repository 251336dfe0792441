// Package stream implements durable named logs with consumer-group semantics:
// publish, blocking consume, explicit ack, a per-group pending list, and
// claim-on-stale. Delivery within a group is at-least-once; ordering within a
// stream is preserved.
package stream

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Stream name helpers for the core channels.
const (
	ResultsStream    = "tasks:results"
	DeadLetterStream = "tasks:dlq"
	ResultsGroup     = "ingesters"
	WorkersGroup     = "workers"
)

func AssignStream(projectID string) string  { return "tasks:assign:" + projectID }
func ControlStream(workerID string) string  { return "workers:control:" + workerID }

// StartAll replays the stream from the beginning when a group is created;
// StartNew delivers only messages published after creation.
const (
	StartAll = "0"
	StartNew = "$"
)

var ErrQueueUnavailable = errors.New("queue unavailable")

// Message is one delivered entry.
type Message struct {
	ID      string
	Payload json.RawMessage
}

// PendingEntry describes a delivered-but-unacknowledged message.
type PendingEntry struct {
	ID            string
	Consumer      string
	IdleMS        int64
	DeliveryCount int
}

// Queue is a SQLite-backed stream log. Message ids are monotonic
// "<unix_ms>-<seq>" strings, zero-padded so lexicographic order equals
// publish order.
type Queue struct {
	DB  *sql.DB
	Now func() time.Time

	mu       sync.Mutex
	lastMS   int64
	lastSeq  int64
}

func New(db *sql.DB) *Queue {
	return &Queue{DB: db, Now: time.Now}
}

func (q *Queue) now() time.Time {
	if q.Now != nil {
		return q.Now()
	}
	return time.Now()
}

func (q *Queue) nextID() string {
	q.mu.Lock()
	defer q.mu.Unlock()
	ms := q.now().UnixMilli()
	if ms <= q.lastMS {
		ms = q.lastMS
		q.lastSeq++
	} else {
		q.lastMS = ms
		q.lastSeq = 0
	}
	return fmt.Sprintf("%013d-%06d", ms, q.lastSeq)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrQueueUnavailable, err)
}

// Publish appends a JSON payload and returns its message id.
func (q *Queue) Publish(ctx context.Context, stream string, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	id := q.nextID()
	_, err = q.DB.ExecContext(ctx, `INSERT INTO stream_messages(stream,id,payload,created_at) VALUES (?,?,?,?)`,
		stream, id, string(data), q.now().UTC().Format(time.RFC3339))
	if err != nil {
		return "", unavailable("publish", err)
	}
	return id, nil
}

// EnsureGroup idempotently creates a consumer group. start is StartAll or
// StartNew.
func (q *Queue) EnsureGroup(ctx context.Context, stream, group, start string) error {
	last := ""
	if start == StartNew {
		row := q.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),'') FROM stream_messages WHERE stream=?`, stream)
		if err := row.Scan(&last); err != nil {
			return unavailable("ensure group", err)
		}
	}
	_, err := q.DB.ExecContext(ctx, `INSERT OR IGNORE INTO stream_groups(stream,grp,last_delivered_id) VALUES (?,?,?)`,
		stream, group, last)
	if err != nil {
		return unavailable("ensure group", err)
	}
	return nil
}

// Consume reads up to max messages not yet delivered to the group, assigns
// them to the consumer's pending list, and returns them. It blocks up to
// block, polling, when no messages are available.
func (q *Queue) Consume(ctx context.Context, stream, group, consumer string, max int, block time.Duration) ([]Message, error) {
	if max <= 0 {
		max = 1
	}
	deadline := q.now().Add(block)
	for {
		msgs, err := q.consumeOnce(ctx, stream, group, consumer, max)
		if err != nil {
			return nil, err
		}
		if len(msgs) > 0 || block <= 0 || !q.now().Before(deadline) {
			return msgs, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (q *Queue) consumeOnce(ctx context.Context, stream, group, consumer string, max int) ([]Message, error) {
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("consume", err)
	}
	defer tx.Rollback()

	var last string
	err = tx.QueryRowContext(ctx, `SELECT last_delivered_id FROM stream_groups WHERE stream=? AND grp=?`, stream, group).Scan(&last)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("consume: group %s not found on %s", group, stream)
	}
	if err != nil {
		return nil, unavailable("consume", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT id, payload FROM stream_messages WHERE stream=? AND id>? ORDER BY id ASC LIMIT ?`, stream, last, max)
	if err != nil {
		return nil, unavailable("consume", err)
	}
	var msgs []Message
	for rows.Next() {
		var m Message
		var payload string
		if err := rows.Scan(&m.ID, &payload); err != nil {
			rows.Close()
			return nil, err
		}
		m.Payload = json.RawMessage(payload)
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, nil
	}

	nowMS := q.now().UnixMilli()
	for _, m := range msgs {
		if _, err := tx.ExecContext(ctx, `INSERT INTO stream_pending(stream,grp,id,consumer,delivered_at_ms,delivery_count) VALUES (?,?,?,?,?,1)`,
			stream, group, m.ID, consumer, nowMS); err != nil {
			return nil, unavailable("consume", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE stream_groups SET last_delivered_id=? WHERE stream=? AND grp=?`,
		msgs[len(msgs)-1].ID, stream, group); err != nil {
		return nil, unavailable("consume", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("consume", err)
	}
	return msgs, nil
}

// Ack removes a message from the group's pending list. Acking an id that is
// no longer pending is a no-op.
func (q *Queue) Ack(ctx context.Context, stream, group, id string) error {
	_, err := q.DB.ExecContext(ctx, `DELETE FROM stream_pending WHERE stream=? AND grp=? AND id=?`, stream, group, id)
	if err != nil {
		return unavailable("ack", err)
	}
	return nil
}

// Pending lists the group's delivered-but-unacknowledged messages.
func (q *Queue) Pending(ctx context.Context, stream, group string) ([]PendingEntry, error) {
	rows, err := q.DB.QueryContext(ctx, `SELECT id, consumer, delivered_at_ms, delivery_count FROM stream_pending WHERE stream=? AND grp=? ORDER BY id ASC`, stream, group)
	if err != nil {
		return nil, unavailable("pending", err)
	}
	defer rows.Close()
	nowMS := q.now().UnixMilli()
	var res []PendingEntry
	for rows.Next() {
		var e PendingEntry
		var deliveredAt int64
		if err := rows.Scan(&e.ID, &e.Consumer, &deliveredAt, &e.DeliveryCount); err != nil {
			return nil, err
		}
		e.IdleMS = nowMS - deliveredAt
		res = append(res, e)
	}
	return res, rows.Err()
}

// PendingCount returns the size of the group's pending list.
func (q *Queue) PendingCount(ctx context.Context, stream, group string) (int, error) {
	var n int
	err := q.DB.QueryRowContext(ctx, `SELECT count(*) FROM stream_pending WHERE stream=? AND grp=?`, stream, group).Scan(&n)
	if err != nil {
		return 0, unavailable("pending count", err)
	}
	return n, nil
}

// Claim reassigns pending messages whose owner has been idle at least minIdle
// to newConsumer and redelivers their payloads. Already-acked ids are skipped.
func (q *Queue) Claim(ctx context.Context, stream, group, newConsumer string, minIdle time.Duration, ids []string) ([]Message, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	tx, err := q.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, unavailable("claim", err)
	}
	defer tx.Rollback()

	nowMS := q.now().UnixMilli()
	cutoff := nowMS - minIdle.Milliseconds()
	var claimed []Message
	for _, id := range ids {
		res, err := tx.ExecContext(ctx, `UPDATE stream_pending SET consumer=?, delivered_at_ms=?, delivery_count=delivery_count+1 WHERE stream=? AND grp=? AND id=? AND delivered_at_ms<=?`,
			newConsumer, nowMS, stream, group, id, cutoff)
		if err != nil {
			return nil, unavailable("claim", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			continue
		}
		var payload string
		if err := tx.QueryRowContext(ctx, `SELECT payload FROM stream_messages WHERE stream=? AND id=?`, stream, id).Scan(&payload); err != nil {
			return nil, unavailable("claim", err)
		}
		claimed = append(claimed, Message{ID: id, Payload: json.RawMessage(payload)})
	}
	if err := tx.Commit(); err != nil {
		return nil, unavailable("claim", err)
	}
	return claimed, nil
}

// Trim drops all but the newest keep messages of a stream, except ones still
// on a pending list.
func (q *Queue) Trim(ctx context.Context, stream string, keep int) error {
	_, err := q.DB.ExecContext(ctx, `DELETE FROM stream_messages WHERE stream=? AND id NOT IN (
		SELECT id FROM stream_messages WHERE stream=? ORDER BY id DESC LIMIT ?
	) AND id NOT IN (SELECT id FROM stream_pending WHERE stream=?)`, stream, stream, keep, stream)
	if err != nil {
		return unavailable("trim", err)
	}
	return nil
}
