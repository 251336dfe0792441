package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"foundry/internal/board"
	"foundry/internal/domain"
	"foundry/internal/orch"
	"foundry/internal/plan"
	"foundry/internal/registry"
	"foundry/internal/repo"
	"foundry/internal/state"
	"foundry/internal/stream"
)

// Config wires the HTTP handler.
type Config struct {
	Repo     repo.Repo
	Queue    *stream.Queue
	Registry *registry.Registry
	Manager  *orch.Manager
	Bus      *board.Bus
	BasePath string
	Auth     AuthConfig
	Logger   *slog.Logger

	HeartbeatSeconds int
}

type apiErrorBody struct {
	Kind            string `json:"kind"`
	Message         string `json:"message"`
	TaskID          string `json:"task_id,omitempty"`
	ExpectedVersion *int64 `json:"expected_version,omitempty"`
	CurrentVersion  *int64 `json:"current_version,omitempty"`
}

// apiError is the error envelope: {"error": {kind, message, ...}}.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func (c Config) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func newAPIError(status int, kind, message string) *apiError {
	if kind == "" {
		kind = defaultKindForStatus(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Kind: kind, Message: message}}
}

func defaultKindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "validation"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusPreconditionFailed:
		return "precondition_failed"
	case http.StatusServiceUnavailable:
		return "unavailable"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// handleError maps domain errors onto HTTP status codes.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, orch.ErrNoReadyTasks):
		return newAPIError(http.StatusNotFound, "no_ready_tasks", err.Error())
	case errors.Is(err, state.ErrVersionConflict):
		return newAPIError(http.StatusConflict, "version_conflict", err.Error())
	case errors.Is(err, state.ErrIllegalTransition):
		return newAPIError(http.StatusConflict, "illegal_transition", err.Error())
	case errors.Is(err, orch.ErrProjectNotReady):
		return newAPIError(http.StatusConflict, "project_not_ready", err.Error())
	case errors.Is(err, state.ErrDependencyNotSatisfied):
		return newAPIError(http.StatusPreconditionFailed, "dependency_not_satisfied", err.Error())
	case errors.Is(err, state.ErrMissingPrerequisite):
		return newAPIError(http.StatusPreconditionFailed, "missing_prerequisite", err.Error())
	case errors.Is(err, repo.ErrTokenAlreadyUsed):
		return newAPIError(http.StatusUnauthorized, "token_already_used", err.Error())
	case errors.Is(err, repo.ErrTokenExpired):
		return newAPIError(http.StatusUnauthorized, "token_expired", err.Error())
	case errors.Is(err, repo.ErrTokenRevoked):
		return newAPIError(http.StatusUnauthorized, "token_revoked", err.Error())
	case errors.Is(err, registry.ErrInvalidSecret):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", err.Error())
	case errors.Is(err, registry.ErrNoEligibleWorker):
		return newAPIError(http.StatusConflict, "no_eligible_worker", err.Error())
	case errors.Is(err, repo.ErrStoreUnavailable), errors.Is(err, stream.ErrQueueUnavailable):
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		return newAPIError(http.StatusBadRequest, "validation", err.Error())
	}
}

// schemaNamer extends huma's default type-name namer with the last segment
// of the package path, so distinct types sharing a bare name (e.g.
// domain.Phase and plan.Phase) get distinct OpenAPI schema names.
func schemaNamer(t reflect.Type, hint string) string {
	name := huma.DefaultSchemaNamer(t, hint)
	tt := t
	for tt.Kind() == reflect.Ptr || tt.Kind() == reflect.Slice || tt.Kind() == reflect.Array {
		tt = tt.Elem()
	}
	pkg := tt.PkgPath()
	if pkg == "" {
		return name
	}
	parts := strings.Split(pkg, "/")
	prefix := parts[len(parts)-1]
	return strings.ToUpper(prefix[:1]) + prefix[1:] + name
}

// New builds the HTTP handler for the Foundry API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg)
	}

	router := chi.NewRouter()
	router.Use(newAdminAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Foundry API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	// Several request/response types share a bare name (e.g. domain.Phase and
	// plan.Phase) across packages; disambiguate schema names by package path
	// instead of colliding on the default type-name-only namer.
	hcfg.Components.Schemas = huma.NewMapRegistry("#/components/schemas/", schemaNamer)
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerTokens(group, cfg)
	registerWorkers(group, cfg)
	registerProjects(group, cfg)
	registerTasks(group, cfg)
	registerPM(group, cfg)
	registerBoard(group, cfg)
	registerStreams(group, cfg)
	registerBoardWS(router, basePath, cfg)

	return router, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// ── Registration tokens ────────────────────────────────────────────────

func registerTokens(api huma.API, cfg Config) {
	type createTokenInput struct {
		Body struct {
			Name      string `json:"name,omitempty"`
			ExpiresAt string `json:"expires_at,omitempty" format:"date-time"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-registration-token",
		Method:        http.MethodPost,
		Path:          "/registration-tokens",
		Summary:       "Create a single-use worker registration token",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createTokenInput) (*struct {
		Body domain.RegistrationToken
	}, error) {
		var expires *time.Time
		if input.Body.ExpiresAt != "" {
			t, err := time.Parse(time.RFC3339, input.Body.ExpiresAt)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "validation", "invalid expires_at")
			}
			expires = &t
		}
		token, err := cfg.Registry.NewRegistrationToken(ctx, input.Body.Name, expires)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.RegistrationToken }{Body: token}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-registration-tokens",
		Method:      http.MethodGet,
		Path:        "/registration-tokens",
		Summary:     "List registration tokens",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.RegistrationToken
	}, error) {
		tokens, err := cfg.Repo.ListRegistrationTokens(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body []domain.RegistrationToken }{Body: tokens}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-registration-token",
		Method:      http.MethodDelete,
		Path:        "/registration-tokens/{token_id}",
		Summary:     "Revoke a registration token",
	}, func(ctx context.Context, input *struct {
		TokenID string `path:"token_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := cfg.Repo.RevokeRegistrationToken(ctx, input.TokenID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "token revoked", "token_id": input.TokenID}}, nil
	})
}

// ── Workers ────────────────────────────────────────────────────────────

func registerWorkers(api huma.API, cfg Config) {
	type registerInput struct {
		Body struct {
			Token        string   `json:"token" minLength:"1"`
			Name         string   `json:"name,omitempty"`
			Platform     string   `json:"platform,omitempty"`
			Capabilities []string `json:"capabilities,omitempty"`
			ExecutorType string   `json:"executor_type,omitempty"`
		}
	}
	type registerOutput struct {
		Body struct {
			WorkerID          string            `json:"worker_id"`
			WorkerSecret      string            `json:"worker_secret"`
			HeartbeatInterval int               `json:"heartbeat_interval"`
			Streams           map[string]string `json:"streams"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "register-worker",
		Method:        http.MethodPost,
		Path:          "/workers/register",
		Summary:       "Register a worker with a registration token",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *registerInput) (*registerOutput, error) {
		w, secret, err := cfg.Registry.Register(ctx, input.Body.Token, input.Body.Name,
			input.Body.Platform, input.Body.Capabilities, input.Body.ExecutorType)
		if err != nil {
			return nil, handleError(err)
		}
		out := &registerOutput{}
		out.Body.WorkerID = w.ID
		out.Body.WorkerSecret = secret
		out.Body.HeartbeatInterval = cfg.HeartbeatSeconds
		out.Body.Streams = map[string]string{
			"assignments": "tasks:assign:<project_id>",
			"results":     stream.ResultsStream,
			"control":     stream.ControlStream(w.ID),
		}
		return out, nil
	})

	type heartbeatInput struct {
		WorkerID string `path:"worker_id"`
		Secret   string `header:"X-Worker-Secret"`
	}
	type heartbeatOutput struct {
		Body struct {
			Status        domain.WorkerStatus `json:"status"`
			PendingTasks  int                 `json:"pending_tasks"`
			CurrentTaskID *string             `json:"current_task_id,omitempty"`
			Directive     string              `json:"directive,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "worker-heartbeat",
		Method:      http.MethodPost,
		Path:        "/workers/{worker_id}/heartbeat",
		Summary:     "Worker heartbeat",
	}, func(ctx context.Context, input *heartbeatInput) (*heartbeatOutput, error) {
		res, err := cfg.Registry.Heartbeat(ctx, input.WorkerID, input.Secret)
		if err != nil {
			return nil, handleError(err)
		}
		out := &heartbeatOutput{}
		out.Body.Status = res.Status
		out.Body.PendingTasks = res.PendingTasks
		out.Body.CurrentTaskID = res.CurrentTaskID
		out.Body.Directive = res.Directive
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-workers",
		Method:      http.MethodGet,
		Path:        "/workers",
		Summary:     "List workers with derived liveness",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Worker
	}, error) {
		workers, err := cfg.Registry.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body []domain.Worker }{Body: workers}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "remove-worker",
		Method:      http.MethodDelete,
		Path:        "/workers/{worker_id}",
		Summary:     "Remove a worker",
	}, func(ctx context.Context, input *struct {
		WorkerID string `path:"worker_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := cfg.Repo.DeleteWorker(ctx, input.WorkerID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "worker removed", "worker_id": input.WorkerID}}, nil
	})
}

// ── Projects ───────────────────────────────────────────────────────────

func registerProjects(api huma.API, cfg Config) {
	type createInput struct {
		Body struct {
			Name        string       `json:"name" minLength:"1"`
			Description string       `json:"description,omitempty"`
			RepoPath    string       `json:"repo_path" minLength:"1"`
			Phases      []plan.Phase `json:"phases" minItems:"1"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create a project from a decomposed plan",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, input *createInput) (*struct {
		Body domain.Project
	}, error) {
		batch, err := plan.Build(plan.Document{
			Name:        input.Body.Name,
			Description: input.Body.Description,
			RepoPath:    input.Body.RepoPath,
			Phases:      input.Body.Phases,
		})
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation", err.Error())
		}
		project, err := cfg.Repo.CreatePlan(ctx, batch)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Project }{Body: project}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Project
	}, error) {
		projects, err := cfg.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body []domain.Project }{Body: projects}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get a project with its phases",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body struct {
			Project domain.Project `json:"project"`
			Phases  []domain.Phase `json:"phases,omitempty"`
		}
	}, error) {
		p, err := cfg.Repo.GetProject(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		phases, err := cfg.Repo.ListPhases(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Project domain.Project `json:"project"`
				Phases  []domain.Phase `json:"phases,omitempty"`
			}
		}{}
		out.Body.Project = p
		out.Body.Phases = phases
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-project",
		Method:      http.MethodDelete,
		Path:        "/projects/{project_id}",
		Summary:     "Delete a project and everything it owns",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if cfg.Manager != nil && cfg.Manager.Running(input.ProjectID) {
			if err := cfg.Manager.Pause(ctx, input.ProjectID); err != nil && !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
		}
		if err := cfg.Repo.DeleteProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "project deleted", "project_id": input.ProjectID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-project-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks of a project, optionally by status",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
	}) (*struct {
		Body []domain.Task
	}, error) {
		var statuses []domain.TaskStatus
		if input.Status != "" {
			for _, s := range strings.Split(input.Status, ",") {
				statuses = append(statuses, domain.TaskStatus(s))
			}
		}
		tasks, err := cfg.Repo.ListTasks(ctx, input.ProjectID, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body []domain.Task }{Body: tasks}, nil
	})
}

// ── Tasks ──────────────────────────────────────────────────────────────

func registerTasks(api huma.API, cfg Config) {
	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task
	}, error) {
		t, err := cfg.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body domain.Task }{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-history",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/history",
		Summary:     "Get the transition history of a task",
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []domain.TransitionRecord
	}, error) {
		if _, err := cfg.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		records, err := cfg.Repo.ListHistory(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body []domain.TransitionRecord }{Body: records}, nil
	})

	type transitionInput struct {
		TaskID string `path:"task_id"`
		Body   struct {
			NewStatus       string `json:"new_status" enum:"waiting,ready,queued,in_progress,review,done,rejected,blocked"`
			Actor           string `json:"actor" minLength:"1"`
			ExpectedVersion int64  `json:"expected_version" minimum:"1"`
			Reason          string `json:"reason,omitempty"`
		}
	}
	type transitionOutput struct {
		Body struct {
			TaskID         string            `json:"task_id"`
			Status         domain.TaskStatus `json:"status"`
			PreviousStatus domain.TaskStatus `json:"previous_status"`
			Version        int64             `json:"version"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "transition-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transition",
		Summary:     "Apply a task state transition",
	}, func(ctx context.Context, input *transitionInput) (*transitionOutput, error) {
		snap, err := cfg.Repo.Snapshot(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		mut, err := state.Apply(snap, state.Proposal{
			To:              domain.TaskStatus(input.Body.NewStatus),
			Actor:           input.Body.Actor,
			Reason:          input.Body.Reason,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, versionedError(err, snap.Task)
		}
		if err := cfg.Repo.ApplyMutation(ctx, mut); err != nil {
			return nil, versionedError(err, snap.Task)
		}
		if cfg.Bus != nil {
			task := mut.Task
			cfg.Bus.Publish(snap.Task.ProjectID, board.Event{
				Event:  board.EventTaskMoved,
				TaskID: input.TaskID,
				From:   string(snap.Task.Status),
				To:     string(mut.Task.Status),
				Task:   &task,
			})
		}
		if cfg.Manager != nil {
			if mut.Task.Status == domain.TaskDone {
				if err := cfg.Manager.PromoteDependents(ctx, input.TaskID); err != nil {
					cfg.logger().Warn("promote dependents failed", "task", input.TaskID, "err", err)
				}
			}
			if mut.Task.Status == domain.TaskDone || mut.Task.Status == domain.TaskRejected || mut.Task.Status == domain.TaskReady {
				cfg.Manager.Notify(snap.Task.ProjectID)
			}
		}
		out := &transitionOutput{}
		out.Body.TaskID = input.TaskID
		out.Body.Status = mut.Task.Status
		out.Body.PreviousStatus = snap.Task.Status
		out.Body.Version = mut.Task.Version
		return out, nil
	})

	type cancelInput struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Actor  string `json:"actor,omitempty"`
			Reason string `json:"reason,omitempty"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "cancel-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/cancel",
		Summary:     "Cancel a task; a worker result that lands first wins",
	}, func(ctx context.Context, input *cancelInput) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		actor := input.Body.Actor
		if actor == "" {
			actor = "user"
		}
		reason := input.Body.Reason
		if reason == "" {
			reason = "cancelled by operator"
		}
		if err := cfg.Manager.CancelTask(ctx, input.TaskID, actor, reason); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "cancel requested", "task_id": input.TaskID}}, nil
	})
}

// versionedError augments conflict envelopes with the version pair.
func versionedError(err error, current domain.Task) huma.StatusError {
	statusErr := handleError(err)
	if apiErr, ok := statusErr.(*apiError); ok && errors.Is(err, state.ErrVersionConflict) {
		apiErr.Body.TaskID = current.ID
		v := current.Version
		apiErr.Body.CurrentVersion = &v
	}
	return statusErr
}

// ── PM ─────────────────────────────────────────────────────────────────

func registerPM(api huma.API, cfg Config) {
	type projectPath struct {
		ProjectID string `path:"project_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "pm-start",
		Method:      http.MethodPost,
		Path:        "/pm/{project_id}/start",
		Summary:     "Start orchestration for a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := cfg.Manager.Start(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "orchestration started", "project_id": input.ProjectID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pm-pause",
		Method:      http.MethodPost,
		Path:        "/pm/{project_id}/pause",
		Summary:     "Pause orchestration for a project",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if err := cfg.Manager.Pause(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "orchestration paused", "project_id": input.ProjectID}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pm-status",
		Method:      http.MethodGet,
		Path:        "/pm/{project_id}/status",
		Summary:     "Orchestration status",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body orch.Status
	}, error) {
		status, err := cfg.Manager.Status(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct{ Body orch.Status }{Body: status}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pm-queue-next",
		Method:      http.MethodPost,
		Path:        "/pm/{project_id}/queue-next",
		Summary:     "Dispatch the next ready task once",
	}, func(ctx context.Context, input *projectPath) (*struct {
		Body struct {
			Detail string `json:"detail"`
			TaskID string `json:"task_id"`
			Title  string `json:"title"`
		}
	}, error) {
		task, err := cfg.Manager.QueueNext(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Detail string `json:"detail"`
				TaskID string `json:"task_id"`
				Title  string `json:"title"`
			}
		}{}
		out.Body.Detail = "task queued"
		out.Body.TaskID = task.ID
		out.Body.Title = task.Title
		return out, nil
	})
}

// ── Board ──────────────────────────────────────────────────────────────

func registerBoard(api huma.API, cfg Config) {
	type boardOutput struct {
		Body struct {
			ProjectID string                           `json:"project_id"`
			Columns   map[domain.TaskStatus][]domain.Task `json:"columns"`
			Stats     map[string]int                   `json:"stats"`
			Workers   map[string]int                   `json:"workers"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/board/{project_id}",
		Summary:     "Full board state for a project",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*boardOutput, error) {
		if _, err := cfg.Repo.GetProject(ctx, input.ProjectID); err != nil {
			return nil, handleError(err)
		}
		tasks, err := cfg.Repo.ListTasks(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		columns := map[domain.TaskStatus][]domain.Task{}
		for _, s := range domain.TaskStatuses {
			columns[s] = []domain.Task{}
		}
		for _, t := range tasks {
			columns[t.Status] = append(columns[t.Status], t)
		}
		counts, err := cfg.Repo.CountTasksByStatus(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		stats := map[string]int{"total": len(tasks)}
		for _, s := range domain.TaskStatuses {
			stats[string(s)] = counts[s]
		}
		workers, err := cfg.Registry.List(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		wcounts := map[string]int{"total": len(workers)}
		for _, w := range workers {
			wcounts[string(w.Status)]++
		}
		out := &boardOutput{}
		out.Body.ProjectID = input.ProjectID
		out.Body.Columns = columns
		out.Body.Stats = stats
		out.Body.Workers = wcounts
		return out, nil
	})
}

// ── Worker stream surface ──────────────────────────────────────────────

// Workers are remote processes; the durable log is embedded, so its consume/
// ack/publish operations are exposed over HTTP behind worker credentials.
func registerStreams(api huma.API, cfg Config) {
	type consumeInput struct {
		WorkerID string `header:"X-Worker-Id"`
		Secret   string `header:"X-Worker-Secret"`
		Body     struct {
			Stream  string `json:"stream" minLength:"1"`
			Max     int    `json:"max,omitempty"`
			BlockMS int    `json:"block_ms,omitempty"`
		}
	}
	type consumeOutput struct {
		Body struct {
			Messages []streamMessageDTO `json:"messages"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "stream-consume",
		Method:      http.MethodPost,
		Path:        "/streams/consume",
		Summary:     "Consume messages as a worker",
	}, func(ctx context.Context, input *consumeInput) (*consumeOutput, error) {
		w, err := cfg.Registry.Verify(ctx, input.WorkerID, input.Secret)
		if err != nil {
			return nil, handleError(err)
		}
		group, err := workerGroupFor(input.Body.Stream, w.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation", err.Error())
		}
		if err := cfg.Queue.EnsureGroup(ctx, input.Body.Stream, group, stream.StartAll); err != nil {
			return nil, handleError(err)
		}
		max := input.Body.Max
		if max <= 0 {
			max = 1
		}
		block := time.Duration(input.Body.BlockMS) * time.Millisecond
		msgs, err := cfg.Queue.Consume(ctx, input.Body.Stream, group, w.ID, max, block)
		if err != nil {
			return nil, handleError(err)
		}
		out := &consumeOutput{}
		out.Body.Messages = []streamMessageDTO{}
		for _, m := range msgs {
			out.Body.Messages = append(out.Body.Messages, streamMessageDTO{ID: m.ID, Payload: m.Payload})
		}
		return out, nil
	})

	type ackInput struct {
		WorkerID string `header:"X-Worker-Id"`
		Secret   string `header:"X-Worker-Secret"`
		Body     struct {
			Stream string `json:"stream" minLength:"1"`
			ID     string `json:"id" minLength:"1"`
		}
	}
	huma.Register(api, huma.Operation{
		OperationID: "stream-ack",
		Method:      http.MethodPost,
		Path:        "/streams/ack",
		Summary:     "Acknowledge a consumed message",
	}, func(ctx context.Context, input *ackInput) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		w, err := cfg.Registry.Verify(ctx, input.WorkerID, input.Secret)
		if err != nil {
			return nil, handleError(err)
		}
		group, err := workerGroupFor(input.Body.Stream, w.ID)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "validation", err.Error())
		}
		if err := cfg.Queue.Ack(ctx, input.Body.Stream, group, input.Body.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "acknowledged", "id": input.Body.ID}}, nil
	})

	type resultInput struct {
		WorkerID string `header:"X-Worker-Id"`
		Secret   string `header:"X-Worker-Secret"`
		Body     orch.ResultMessage
	}
	huma.Register(api, huma.Operation{
		OperationID:   "publish-result",
		Method:        http.MethodPost,
		Path:          "/streams/results",
		Summary:       "Publish a result message",
		DefaultStatus: http.StatusAccepted,
	}, func(ctx context.Context, input *resultInput) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, err := cfg.Registry.Verify(ctx, input.WorkerID, input.Secret); err != nil {
			return nil, handleError(err)
		}
		if input.Body.WorkerID != input.WorkerID {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "result worker_id does not match credentials")
		}
		msg := input.Body
		if msg.TS == "" {
			msg.TS = time.Now().UTC().Format(time.RFC3339)
		}
		id, err := cfg.Queue.Publish(ctx, stream.ResultsStream, msg)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"detail": "result accepted", "message_id": id}}, nil
	})

}

type streamMessageDTO struct {
	ID      string          `json:"id"`
	Payload json.RawMessage `json:"payload"`
}

// workerGroupFor restricts which streams a worker may touch and names the
// consumer group it must use.
func workerGroupFor(streamName, workerID string) (string, error) {
	switch {
	case strings.HasPrefix(streamName, "tasks:assign:"):
		return stream.WorkersGroup, nil
	case streamName == stream.ControlStream(workerID):
		return "worker:" + workerID, nil
	default:
		return "", fmt.Errorf("stream %s not consumable by workers", streamName)
	}
}
