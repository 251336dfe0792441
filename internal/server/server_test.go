package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"foundry/internal/board"
	"foundry/internal/config"
	"foundry/internal/db"
	"foundry/internal/domain"
	"foundry/internal/migrate"
	"foundry/internal/orch"
	"foundry/internal/registry"
	"foundry/internal/repo"
	"foundry/internal/stream"
)

type testServer struct {
	URL     string
	Repo    repo.Repo
	Manager *orch.Manager
	client  *http.Client
	close   func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	queue := stream.New(conn)
	reg := registry.New(r, cfg.Heartbeat(), cfg.LivenessCutoff())
	bus := board.New()
	manager := orch.NewManager(r, queue, reg, bus, cfg, nil)

	handler, err := New(Config{
		Repo:             r,
		Queue:            queue,
		Registry:         reg,
		Manager:          manager,
		Bus:              bus,
		BasePath:         "/api/v1",
		HeartbeatSeconds: cfg.Workers.HeartbeatSeconds,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	ts := &testServer{
		URL:     "http://" + ln.Addr().String(),
		Repo:    r,
		Manager: manager,
		client:  &http.Client{},
		close: func() {
			manager.Shutdown()
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func createPlan(t *testing.T, srv *testServer) domain.Project {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/projects", map[string]any{
		"name":      "demo",
		"repo_path": "/tmp/demo",
		"phases": []map[string]any{
			{
				"name":        "core",
				"branch_name": "phase/core",
				"tasks": []map[string]any{
					{"key": "a", "title": "bootstrap"},
					{"key": "b", "title": "api", "depends_on": []string{"a"}, "priority": "high"},
				},
			},
		},
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create project status %d: %s", res.StatusCode, string(data))
	}
	var p domain.Project
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("unmarshal project: %v", err)
	}
	return p
}

func registerWorker(t *testing.T, srv *testServer) (string, string) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/registration-tokens", map[string]any{
		"name": "ci",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create token status %d: %s", res.StatusCode, string(data))
	}
	var token domain.RegistrationToken
	_ = json.Unmarshal(data, &token)

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/workers/register", map[string]any{
		"token":    token.Token,
		"name":     "builder",
		"platform": "linux/amd64",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register status %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		WorkerID     string `json:"worker_id"`
		WorkerSecret string `json:"worker_secret"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal register: %v", err)
	}
	return out.WorkerID, out.WorkerSecret
}

func TestWorkerRegistrationAndHeartbeat(t *testing.T) {
	srv := newTestServer(t)
	workerID, secret := registerWorker(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/workers/"+workerID+"/heartbeat", nil, map[string]string{
		"X-Worker-Secret": secret,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("heartbeat status %d: %s", res.StatusCode, string(data))
	}
	var hb struct {
		Status       string `json:"status"`
		PendingTasks int    `json:"pending_tasks"`
	}
	_ = json.Unmarshal(data, &hb)
	if hb.Status != "idle" || hb.PendingTasks != 0 {
		t.Fatalf("unexpected heartbeat %s", string(data))
	}

	// Wrong secret is refused.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/workers/"+workerID+"/heartbeat", nil, map[string]string{
		"X-Worker-Secret": "fws-wrong",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}

	// A second registration with the consumed token is refused.
	tokens, _ := srv.Repo.ListRegistrationTokens(context.Background())
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/workers/register", map[string]any{
		"token": tokens[0].Token,
	}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 on reused token, got %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateProjectPlanAndBoard(t *testing.T) {
	srv := newTestServer(t)
	p := createPlan(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/board/"+p.ID, nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("board status %d: %s", res.StatusCode, string(data))
	}
	var boardOut struct {
		Columns map[string][]domain.Task `json:"columns"`
		Stats   map[string]int           `json:"stats"`
		Workers map[string]int           `json:"workers"`
	}
	if err := json.Unmarshal(data, &boardOut); err != nil {
		t.Fatalf("unmarshal board: %v", err)
	}
	if boardOut.Stats["total"] != 2 || boardOut.Stats["ready"] != 1 || boardOut.Stats["waiting"] != 1 {
		t.Fatalf("unexpected stats %v", boardOut.Stats)
	}
	if len(boardOut.Columns["ready"]) != 1 || boardOut.Columns["ready"][0].Title != "bootstrap" {
		t.Fatalf("unexpected ready column %+v", boardOut.Columns["ready"])
	}
}

func TestCreateProjectRejectsCycle(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/projects", map[string]any{
		"name":      "cyclic",
		"repo_path": "/tmp/demo",
		"phases": []map[string]any{
			{
				"name":        "core",
				"branch_name": "phase/core",
				"tasks": []map[string]any{
					{"key": "a", "title": "a", "depends_on": []string{"b"}},
					{"key": "b", "title": "b", "depends_on": []string{"a"}},
				},
			},
		},
	}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 on cycle, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Kind string `json:"kind"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Kind == "" {
		t.Fatalf("expected error envelope, got %s", string(data))
	}
	// Nothing persisted.
	projects, _ := srv.Repo.ListProjects(context.Background())
	if len(projects) != 0 {
		t.Fatalf("expected no partial project")
	}
}

func TestTransitionEndpointStatusCodes(t *testing.T) {
	srv := newTestServer(t)
	p := createPlan(t, srv)
	ctx := context.Background()
	tasks, _ := srv.Repo.ListTasks(ctx, p.ID)
	var waiting, ready domain.Task
	for _, task := range tasks {
		switch task.Status {
		case domain.TaskWaiting:
			waiting = task
		case domain.TaskReady:
			ready = task
		}
	}

	// Dependency not met: 412.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/tasks/"+waiting.ID+"/transition", map[string]any{
		"new_status":       "ready",
		"actor":            "user",
		"expected_version": waiting.Version,
	}, nil)
	if res.StatusCode != http.StatusPreconditionFailed {
		t.Fatalf("expected 412, got %d: %s", res.StatusCode, string(data))
	}

	// Illegal transition: 409.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/tasks/"+ready.ID+"/transition", map[string]any{
		"new_status":       "done",
		"actor":            "user",
		"expected_version": ready.Version,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 illegal, got %d: %s", res.StatusCode, string(data))
	}

	// A legal transition succeeds once; a later legal request still carrying
	// the old version gets 409 with the version pair and no second record.
	block := func() (*http.Response, []byte) {
		return doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/tasks/"+ready.ID+"/transition", map[string]any{
			"new_status":       "blocked",
			"actor":            "user",
			"expected_version": ready.Version,
		}, nil)
	}
	res, data = block()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", res.StatusCode, string(data))
	}
	var out struct {
		Status         string `json:"status"`
		PreviousStatus string `json:"previous_status"`
		Version        int64  `json:"version"`
	}
	_ = json.Unmarshal(data, &out)
	if out.Status != "blocked" || out.PreviousStatus != "ready" || out.Version != ready.Version+1 {
		t.Fatalf("unexpected transition response %s", string(data))
	}

	// Repeating blocked would be an illegal blocked -> blocked pair, which is
	// checked before the version; blocked -> ready is legal, so the stale
	// version is what gets refused.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/tasks/"+ready.ID+"/transition", map[string]any{
		"new_status":       "ready",
		"actor":            "user",
		"expected_version": ready.Version,
	}, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 conflict, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Kind           string `json:"kind"`
			CurrentVersion *int64 `json:"current_version"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Kind != "version_conflict" || envelope.Error.CurrentVersion == nil {
		t.Fatalf("expected version_conflict envelope, got %s", string(data))
	}
	records, _ := srv.Repo.ListHistory(ctx, ready.ID)
	if len(records) != 1 {
		t.Fatalf("expected single transition record, got %d", len(records))
	}
}

func TestPMStartRequiresFinalizedPlan(t *testing.T) {
	srv := newTestServer(t)
	p := createPlan(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/pm/"+p.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for design project, got %d: %s", res.StatusCode, string(data))
	}

	// Finalize, then start succeeds and status reports a running loop.
	if err := srv.Repo.SetProjectStatus(context.Background(), p.ID, domain.ProjectPaused); err != nil {
		t.Fatal(err)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/pm/"+p.ID+"/start", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("start status %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/v1/pm/"+p.ID+"/status", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
	var status orch.Status
	_ = json.Unmarshal(data, &status)
	if !status.Running {
		t.Fatalf("expected running orchestrator: %s", string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/pm/"+p.ID+"/pause", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pause status %d: %s", res.StatusCode, string(data))
	}
}

func TestWorkerStreamSurface(t *testing.T) {
	srv := newTestServer(t)
	p := createPlan(t, srv)
	workerID, secret := registerWorker(t, srv)
	ctx := context.Background()

	if err := srv.Repo.SetProjectStatus(ctx, p.ID, domain.ProjectActive); err != nil {
		t.Fatal(err)
	}
	if err := srv.Manager.RunOnce(ctx, p.ID); err != nil {
		t.Fatalf("run once: %v", err)
	}

	creds := map[string]string{"X-Worker-Id": workerID, "X-Worker-Secret": secret}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/streams/consume", map[string]any{
		"stream": "tasks:assign:" + p.ID,
		"max":    5,
	}, creds)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("consume status %d: %s", res.StatusCode, string(data))
	}
	var consumeOut struct {
		Messages []struct {
			ID      string          `json:"id"`
			Payload json.RawMessage `json:"payload"`
		} `json:"messages"`
	}
	if err := json.Unmarshal(data, &consumeOut); err != nil {
		t.Fatal(err)
	}
	if len(consumeOut.Messages) != 1 {
		t.Fatalf("expected one assignment, got %s", string(data))
	}
	var assignment struct {
		TaskID          string `json:"task_id"`
		WorkerID        string `json:"worker_id"`
		ExpectedVersion int64  `json:"expected_version"`
	}
	_ = json.Unmarshal(consumeOut.Messages[0].Payload, &assignment)
	if assignment.WorkerID != workerID {
		t.Fatalf("assignment for wrong worker: %s", string(consumeOut.Messages[0].Payload))
	}

	// Streams outside the worker surface are refused.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/streams/consume", map[string]any{
		"stream": "tasks:results",
	}, creds)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for forbidden stream, got %d: %s", res.StatusCode, string(data))
	}

	// Publishing a result for another worker id is refused.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/streams/results", map[string]any{
		"task_id":          assignment.TaskID,
		"worker_id":        "someone-else",
		"worker_secret":    secret,
		"kind":             "started",
		"expected_version": assignment.ExpectedVersion,
	}, creds)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/streams/results", map[string]any{
		"task_id":          assignment.TaskID,
		"worker_id":        workerID,
		"worker_secret":    secret,
		"kind":             "started",
		"expected_version": assignment.ExpectedVersion,
	}, creds)
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/v1/streams/ack", map[string]any{
		"stream": "tasks:assign:" + p.ID,
		"id":     consumeOut.Messages[0].ID,
	}, creds)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("ack status %d: %s", res.StatusCode, string(data))
	}
}

func TestAdminAuthGate(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default()
	r := repo.Repo{DB: conn}
	queue := stream.New(conn)
	reg := registry.New(r, cfg.Heartbeat(), cfg.LivenessCutoff())
	manager := orch.NewManager(r, queue, reg, board.New(), cfg, nil)
	handler, err := New(Config{
		Repo: r, Queue: queue, Registry: reg, Manager: manager, Bus: board.New(),
		BasePath: "/api/v1",
		Auth:     AuthConfig{JWTSecret: "test-secret"},
	})
	if err != nil {
		t.Fatal(err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
	})
	url := "http://" + ln.Addr().String()

	client := &http.Client{}
	res, _ := doJSON(t, client, http.MethodGet, url+"/api/v1/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without bearer, got %d", res.StatusCode)
	}
	// Health stays open.
	res, _ = doJSON(t, client, http.MethodGet, url+"/api/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health, got %d", res.StatusCode)
	}
}
