package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"flowdesk/internal/alerts"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/engine/auth"
	"flowdesk/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"state_conflict"`
	Message string         `json:"message" example:"problem already resolved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the FlowDesk API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// schema-level request errors are 400, not 422
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("FlowDesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerAuth(group, cfg.Engine, cfg.Auth)
	registerRoles(group, cfg.Engine)
	registerUnits(group, cfg.Engine)
	registerUsers(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerProblems(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)
	registerFlows(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error kinds onto the envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	switch {
	case errors.Is(err, engine.ErrInvalidCredentials):
		return newAPIError(http.StatusUnauthorized, "invalid_credentials", "invalid credentials", nil)
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrValidation):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	case errors.Is(err, engine.ErrStateConflict):
		return newAPIError(http.StatusConflict, "state_conflict", err.Error(), nil)
	case errors.Is(err, engine.ErrIncompleteInput):
		return newAPIError(http.StatusUnprocessableEntity, "incomplete_input", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "state_conflict"
	case http.StatusUnprocessableEntity:
		return "incomplete_input"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requireAny(ctx context.Context, perms ...string) (Principal, huma.StatusError) {
	p, authErr := requirePrincipal(ctx)
	if authErr != nil {
		return p, authErr
	}
	for _, perm := range perms {
		if hasPermission(p, perm) {
			return p, nil
		}
	}
	return p, newAPIError(http.StatusForbidden, "forbidden", "permission "+strings.Join(perms, " or ")+" required", nil)
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

func registerAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	authSvc := auth.Service{DB: e.DB}

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Log in",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		u, err := e.Authenticate(ctx, input.Body.Email, input.Body.Password)
		if err != nil {
			return nil, handleError(err)
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		perms, err := authSvc.UserPermissions(ctx, tx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		roleKey, err := authSvc.UserRoleKey(ctx, tx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		principal := Principal{UserID: u.ID, Name: u.FullName, Role: roleKey, Permissions: perms}
		token, err := mintToken(authCfg, principal, e.Now().UTC())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token, User: u}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Self-register a functionary account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			FullName: input.Body.FullName,
			Email:    input.Body.Email,
			Password: input.Body.Password,
			RoleKey:  string(domain.RoleFunctionary),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-roles",
		Method:      http.MethodGet,
		Path:        "/roles",
		Summary:     "List roles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Role `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		roles, err := e.ListRoles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Role `json:"body"`
		}{Body: roles}, nil
	})
}

func registerUnits(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List units",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Unit `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		units, err := e.ListUnits(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Unit `json:"body"`
		}{Body: units}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-unit",
		Method:        http.MethodPost,
		Path:          "/units",
		Summary:       "Create unit",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateUnitRequest `json:"body"`
	}) (*struct {
		Body domain.Unit `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, "units.manage"); authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUnit(ctx, input.Body.Name, input.Body.ParentID, input.Body.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Unit `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-unit",
		Method:      http.MethodPatch,
		Path:        "/units/{id}",
		Summary:     "Update unit",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUnitRequest `json:"body"`
	}) (*struct {
		Body domain.Unit `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, "units.manage"); authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateUnit(ctx, input.ID, input.Body.Name, input.Body.ParentID, input.Body.LeadID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Unit `json:"body"`
		}{Body: u}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List users",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.User `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		users, err := e.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.User `json:"body"`
		}{Body: users}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-user",
		Method:        http.MethodPost,
		Path:          "/users",
		Summary:       "Create user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, "users.manage"); authErr != nil {
			return nil, authErr
		}
		u, err := e.CreateUser(ctx, engine.UserCreateOptions{
			FullName:    input.Body.FullName,
			Email:       input.Body.Email,
			Password:    input.Body.Password,
			RoleKey:     input.Body.Role,
			UnitID:      input.Body.UnitID,
			AvatarColor: input.Body.AvatarColor,
			Title:       input.Body.Title,
			Phone:       input.Body.Phone,
			About:       input.Body.About,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-profile",
		Method:      http.MethodPatch,
		Path:        "/users/profile",
		Summary:     "Update own profile",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Body UpdateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		p, authErr := requirePrincipal(ctx)
		if authErr != nil {
			return nil, authErr
		}
		// role and unit changes are an admin operation, not a profile edit
		u, err := e.UpdateUser(ctx, engine.UserUpdateOptions{
			ID:          p.UserID,
			FullName:    input.Body.FullName,
			AvatarColor: input.Body.AvatarColor,
			Title:       input.Body.Title,
			Phone:       input.Body.Phone,
			About:       input.Body.About,
			Password:    input.Body.Password,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-user",
		Method:      http.MethodPatch,
		Path:        "/users/{id}",
		Summary:     "Update user",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, "users.manage"); authErr != nil {
			return nil, authErr
		}
		u, err := e.UpdateUser(ctx, engine.UserUpdateOptions{
			ID:          input.ID,
			FullName:    input.Body.FullName,
			AvatarColor: input.Body.AvatarColor,
			Title:       input.Body.Title,
			Phone:       input.Body.Phone,
			About:       input.Body.About,
			RoleKey:     input.Body.Role,
			UnitID:      input.Body.UnitID,
			Password:    input.Body.Password,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		OwnerID        string `query:"owner_id"`
		Status         string `query:"status"`
		FlowInstanceID string `query:"flow_instance_id"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		status := input.Status
		if status != "" {
			parsed, ok := domain.ParseTaskStatus(status)
			if !ok {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", fmt.Sprintf("unknown status %q", input.Status), nil)
			}
			status = string(parsed)
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{
			OwnerID:        input.OwnerID,
			Status:         status,
			FlowInstanceID: input.FlowInstanceID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := requireAny(ctx, "tasks.manage", "tasks.assign")
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			Title:          input.Body.Title,
			Description:    input.Body.Description,
			OwnerID:        input.Body.OwnerID,
			AssignerID:     p.UserID,
			Priority:       input.Body.Priority,
			Deadline:       input.Body.Deadline,
			DurationDays:   input.Body.DurationDays,
			AllowRejection: input.Body.AllowRejection,
			Dependencies:   input.Body.Dependencies,
			RelatedTaskIDs: input.Body.RelatedTaskIDs,
			Tags:           input.Body.Tags,
			ActorID:        p.UserID,
			ActorName:      p.Name,
		}
		if input.Body.OwnerUnitID != nil {
			opts.OwnerUnitID = *input.Body.OwnerUnitID
		}
		t, err := e.CreateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		t, err := e.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := requireAny(ctx, "tasks.manage")
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:          input.ID,
			Title:       input.Body.Title,
			Description: input.Body.Description,
			Priority:    input.Body.Priority,
			Deadline:    input.Body.Deadline,
			OwnerID:     input.Body.OwnerID,
			Status:      input.Body.Status,
			Progress:    input.Body.Progress,
			Tags:        input.Body.Tags,
			ActorID:     p.UserID,
			ActorName:   p.Name,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "change-task-status",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/status",
		Summary:     "Change task status",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string              `path:"id"`
		Body ChangeStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := requireAny(ctx, "tasks.work", "tasks.manage")
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ChangeStatus(ctx, input.ID, input.Body.Status, input.Body.Progress, p.UserID, p.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task-progress",
		Method:      http.MethodPut,
		Path:        "/tasks/{id}/progress",
		Summary:     "Update task progress",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body UpdateProgressRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		p, authErr := requireAny(ctx, "tasks.work", "tasks.manage")
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateProgress(ctx, input.ID, input.Body.Progress, p.UserID, p.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: t}, nil
	})
}

func registerProblems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "report-problem",
		Method:        http.MethodPost,
		Path:          "/tasks/{id}/problems",
		Summary:       "Report a problem on a task",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body ReportProblemRequest `json:"body"`
	}) (*struct {
		Body ReportProblemResponse `json:"body"`
	}, error) {
		p, authErr := requireAny(ctx, "problems.report", "tasks.manage")
		if authErr != nil {
			return nil, authErr
		}
		problem, note, err := e.ReportProblem(ctx, input.ID, input.Body.Description, p.UserID, p.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportProblemResponse `json:"body"`
		}{Body: ReportProblemResponse{Problem: problem, Notification: note}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-problem",
		Method:      http.MethodPost,
		Path:        "/problems/{id}/resolve",
		Summary:     "Resolve a problem",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body ResolveProblemRequest `json:"body"`
	}) (*struct {
		Body domain.TaskProblem `json:"body"`
	}, error) {
		p, authErr := requireAny(ctx, "tasks.work", "tasks.manage")
		if authErr != nil {
			return nil, authErr
		}
		problem, err := e.ResolveProblem(ctx, input.ID, input.Body.Resolution, p.UserID, p.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.TaskProblem `json:"body"`
		}{Body: problem}, nil
	})
}

func registerAlerts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "task-alerts",
		Method:      http.MethodGet,
		Path:        "/tasks/alerts",
		Summary:     "Derived notifications for blocked and overdue tasks",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.Notification `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Notification `json:"body"`
		}{Body: alerts.Notifications(tasks, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "workload-summary",
		Method:      http.MethodGet,
		Path:        "/tasks/workload/summary",
		Summary:     "Per-owner workload summary",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.WorkloadSummary `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
		if err != nil {
			return nil, handleError(err)
		}
		capacity := 0
		if e.Config != nil {
			capacity = e.Config.Defaults.WorkloadCapacity
		}
		return &struct {
			Body []domain.WorkloadSummary `json:"body"`
		}{Body: alerts.Workload(tasks, capacity, e.Now())}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "metrics",
		Method:      http.MethodGet,
		Path:        "/metrics",
		Summary:     "Metric snapshot over the task collection",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.MetricSnapshot `json:"body"`
	}, error) {
		if _, authErr := requirePermission(ctx, "metrics.read"); authErr != nil {
			return nil, authErr
		}
		tasks, err := e.ListTasks(ctx, repo.TaskFilters{})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.MetricSnapshot `json:"body"`
		}{Body: alerts.Metrics(tasks, e.Now())}, nil
	})
}

func registerFlows(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-templates",
		Method:      http.MethodGet,
		Path:        "/flows/templates",
		Summary:     "List flow templates",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.FlowTemplate `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		tpls, err := e.ListTemplates(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FlowTemplate `json:"body"`
		}{Body: tpls}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-template",
		Method:        http.MethodPost,
		Path:          "/flows/templates",
		Summary:       "Create flow template",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body TemplateRequest `json:"body"`
	}) (*struct {
		Body domain.FlowTemplate `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, "flows.design")
		if authErr != nil {
			return nil, authErr
		}
		tpl, err := e.CreateTemplate(ctx, templateOptions("", input.Body, p.UserID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowTemplate `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-template",
		Method:      http.MethodGet,
		Path:        "/flows/templates/{id}",
		Summary:     "Get flow template",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.FlowTemplate `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		tpl, err := e.GetTemplate(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowTemplate `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-template",
		Method:      http.MethodPut,
		Path:        "/flows/templates/{id}",
		Summary:     "Update flow template",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body TemplateRequest `json:"body"`
	}) (*struct {
		Body domain.FlowTemplate `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, "flows.design")
		if authErr != nil {
			return nil, authErr
		}
		tpl, err := e.UpdateTemplate(ctx, templateOptions(input.ID, input.Body, p.UserID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowTemplate `json:"body"`
		}{Body: tpl}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-template",
		Method:      http.MethodDelete,
		Path:        "/flows/templates/{id}",
		Summary:     "Delete flow template",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requirePermission(ctx, "flows.design"); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTemplate(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-instances",
		Method:      http.MethodGet,
		Path:        "/flows/instances",
		Summary:     "List flow instances",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.FlowInstance `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		insts, err := e.ListInstances(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.FlowInstance `json:"body"`
		}{Body: insts}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "instantiate-flow",
		Method:        http.MethodPost,
		Path:          "/flows/instances",
		Summary:       "Instantiate a flow template",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body InstantiateRequest `json:"body"`
	}) (*struct {
		Body domain.FlowInstance `json:"body"`
	}, error) {
		p, authErr := requirePermission(ctx, "flows.instantiate")
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.InstantiateOptions{
			TemplateID:  input.Body.TemplateID,
			Name:        input.Body.Name,
			OwnerUnitID: input.Body.OwnerUnitID,
			KickoffDate: input.Body.KickoffDate,
			DueDate:     input.Body.DueDate,
			Tasks:       map[string][]engine.StageTaskOptions{},
			ActorID:     p.UserID,
			ActorName:   p.Name,
		}
		for stageID, descriptors := range input.Body.Tasks {
			for _, d := range descriptors {
				opts.Tasks[stageID] = append(opts.Tasks[stageID], engine.StageTaskOptions{
					Title:       d.Title,
					Description: d.Description,
					OwnerID:     d.OwnerID,
					Priority:    d.Priority,
					DueInDays:   d.DueInDays,
				})
			}
		}
		inst, err := e.Instantiate(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-instance",
		Method:      http.MethodGet,
		Path:        "/flows/instances/{id}",
		Summary:     "Get flow instance",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.FlowInstance `json:"body"`
	}, error) {
		if _, authErr := requirePrincipal(ctx); authErr != nil {
			return nil, authErr
		}
		inst, err := e.GetInstance(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.FlowInstance `json:"body"`
		}{Body: inst}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-instance",
		Method:      http.MethodDelete,
		Path:        "/flows/instances/{id}",
		Summary:     "Delete flow instance",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := requirePermission(ctx, "flows.delete"); authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteInstance(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func templateOptions(id string, req TemplateRequest, actorID string) engine.TemplateOptions {
	opts := engine.TemplateOptions{
		ID:                  id,
		Name:                req.Name,
		Description:         req.Description,
		BusinessObjective:   req.BusinessObjective,
		TypicalDurationDays: req.TypicalDurationDays,
		ActorID:             actorID,
	}
	for _, s := range req.Stages {
		opts.Stages = append(opts.Stages, engine.StageOptions{
			ID:                   s.ID,
			Name:                 s.Name,
			Description:          s.Description,
			ExpectedDurationDays: s.ExpectedDurationDays,
			OwnerRole:            s.OwnerRole,
			ExitCriteria:         s.ExitCriteria,
		})
	}
	return opts
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, req *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	open := map[string]bool{
		path.Join(basePath, "health"):        true,
		path.Join(basePath, "auth/login"):    true,
		path.Join(basePath, "auth/register"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if open[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>FlowDesk API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}
