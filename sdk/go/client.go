// Package foundrysdk is the worker-side client of the Foundry API: register
// with a token, heartbeat, pull assignments, and publish results.
package foundrysdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client talks to a Foundry server. WorkerID and WorkerSecret are filled by
// Register and must be set for every other call.
type Client struct {
	BaseURL      string
	WorkerID     string
	WorkerSecret string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// New creates a client with sane defaults. baseURL includes the API prefix,
// e.g. "http://127.0.0.1:8080/api/v1".
func New(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Timeout: 30 * time.Second,
	}
}

// APIError is the server's error envelope.
type APIError struct {
	Status int
	Kind   string `json:"kind"`
	Msg    string `json:"message"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error %d %s: %s", e.Status, e.Kind, e.Msg)
}

// RegisterResponse is the registration handshake result.
type RegisterResponse struct {
	WorkerID          string            `json:"worker_id"`
	WorkerSecret      string            `json:"worker_secret"`
	HeartbeatInterval int               `json:"heartbeat_interval"`
	Streams           map[string]string `json:"streams"`
}

// HeartbeatResponse mirrors the heartbeat endpoint.
type HeartbeatResponse struct {
	Status        string  `json:"status"`
	PendingTasks  int     `json:"pending_tasks"`
	CurrentTaskID *string `json:"current_task_id,omitempty"`
	Directive     string  `json:"directive,omitempty"`
}

// Assignment is one entry pulled from a project's assignment stream.
type Assignment struct {
	MessageID       string          `json:"-"`
	TaskID          string          `json:"task_id"`
	ProjectID       string          `json:"project_id"`
	WorkerID        string          `json:"worker_id"`
	AssignedAt      string          `json:"assigned_at"`
	BranchName      string          `json:"branch_name,omitempty"`
	WorkerPrompt    json.RawMessage `json:"worker_prompt,omitempty"`
	QAPrompt        json.RawMessage `json:"qa_prompt,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
}

// Result is published on the results stream.
type Result struct {
	TaskID          string          `json:"task_id"`
	WorkerID        string          `json:"worker_id"`
	WorkerSecret    string          `json:"worker_secret"`
	Kind            string          `json:"kind"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	ExpectedVersion int64           `json:"expected_version"`
	TS              string          `json:"ts,omitempty"`
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.WorkerID != "" {
		req.Header.Set("X-Worker-Id", c.WorkerID)
		req.Header.Set("X-Worker-Secret", c.WorkerSecret)
	}
	res, err := c.httpClient().Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		return err
	}
	if res.StatusCode >= 400 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		apiErr := &APIError{Status: res.StatusCode, Kind: "unknown", Msg: string(data)}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Kind != "" {
			apiErr.Kind = envelope.Error.Kind
			apiErr.Msg = envelope.Error.Msg
		}
		return apiErr
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// Register consumes a registration token and stores the returned credentials
// on the client.
func (c *Client) Register(ctx context.Context, token, name, platform string, capabilities []string, executorType string) (RegisterResponse, error) {
	var res RegisterResponse
	err := c.do(ctx, http.MethodPost, "/workers/register", map[string]any{
		"token":         token,
		"name":          name,
		"platform":      platform,
		"capabilities":  capabilities,
		"executor_type": executorType,
	}, &res)
	if err != nil {
		return res, err
	}
	c.WorkerID = res.WorkerID
	c.WorkerSecret = res.WorkerSecret
	return res, nil
}

// Heartbeat refreshes liveness and reports pending work.
func (c *Client) Heartbeat(ctx context.Context) (HeartbeatResponse, error) {
	var res HeartbeatResponse
	err := c.do(ctx, http.MethodPost, "/workers/"+c.WorkerID+"/heartbeat", nil, &res)
	return res, err
}

// ConsumeAssignments pulls up to max assignments for a project, blocking up
// to blockMS server-side.
func (c *Client) ConsumeAssignments(ctx context.Context, projectID string, max, blockMS int) ([]Assignment, error) {
	var res struct {
		Messages []struct {
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		} `json:"messages"`
	}
	err := c.do(ctx, http.MethodPost, "/streams/consume", map[string]any{
		"stream":   "tasks:assign:" + projectID,
		"max":      max,
		"block_ms": blockMS,
	}, &res)
	if err != nil {
		return nil, err
	}
	var assignments []Assignment
	for _, m := range res.Messages {
		var a Assignment
		if err := json.Unmarshal(m.Payload, &a); err != nil {
			return nil, fmt.Errorf("decode assignment %s: %w", m.ID, err)
		}
		a.MessageID = m.ID
		assignments = append(assignments, a)
	}
	return assignments, nil
}

// AckAssignment acknowledges a consumed assignment message.
func (c *Client) AckAssignment(ctx context.Context, projectID, messageID string) error {
	return c.do(ctx, http.MethodPost, "/streams/ack", map[string]any{
		"stream": "tasks:assign:" + projectID,
		"id":     messageID,
	}, nil)
}

// PublishResult reports a result. The worker's credentials are stamped onto
// the message.
func (c *Client) PublishResult(ctx context.Context, r Result) error {
	r.WorkerID = c.WorkerID
	r.WorkerSecret = c.WorkerSecret
	if r.TS == "" {
		r.TS = time.Now().UTC().Format(time.RFC3339)
	}
	return c.do(ctx, http.MethodPost, "/streams/results", r, nil)
}

// ConsumeControl pulls control messages (cancel, drain) for this worker.
func (c *Client) ConsumeControl(ctx context.Context, max, blockMS int) ([]json.RawMessage, error) {
	var res struct {
		Messages []struct {
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		} `json:"messages"`
	}
	err := c.do(ctx, http.MethodPost, "/streams/consume", map[string]any{
		"stream":   "workers:control:" + c.WorkerID,
		"max":      max,
		"block_ms": blockMS,
	}, &res)
	if err != nil {
		return nil, err
	}
	var payloads []json.RawMessage
	for _, m := range res.Messages {
		payloads = append(payloads, m.Payload)
		if err := c.do(ctx, http.MethodPost, "/streams/ack", map[string]any{
			"stream": "workers:control:" + c.WorkerID,
			"id":     m.ID,
		}, nil); err != nil {
			return payloads, err
		}
	}
	return payloads, nil
}
