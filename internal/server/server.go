package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"opsdeck/internal/advisor"
	"opsdeck/internal/domain"
	"opsdeck/internal/engine"
	"opsdeck/internal/policy"
	"opsdeck/internal/repo"
	"opsdeck/internal/session"
)

// Config for the HTTP API handler. Engine, Coordinator and Advisor are
// all required; New rejects a partial wiring instead of letting handlers
// hit a nil dereference at request time.
type Config struct {
	Engine      engine.Engine
	Coordinator *session.Coordinator
	Advisor     *advisor.Client
	BasePath    string
	Auth        AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"clearance_insufficient"`
	Message string         `json:"message" example:"clearance insufficient: role employee cannot delete_task"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"action\":\"delete_task\"}"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the OpsDeck API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.DB == nil {
		return nil, errors.New("server: engine is required")
	}
	if cfg.Coordinator == nil {
		return nil, errors.New("server: session coordinator is required")
	}
	if cfg.Advisor == nil {
		return nil, errors.New("server: advisor client is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the requested envelope.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("OpsDeck API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine, cfg.Coordinator)
	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerBoard(group, cfg.Engine)
	registerMeeting(group, cfg.Engine, cfg.Coordinator)
	registerSessions(group, cfg.Engine, cfg.Advisor)
	registerAdvisor(group, cfg.Engine, cfg.Advisor)
	registerUsers(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerKeys(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Auth)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ce policy.ClearanceError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusForbidden, "clearance_insufficient", err.Error(), map[string]any{"action": string(ce.Action), "role": ce.Role})
	}
	if errors.Is(err, session.ErrMeetingActive) {
		return newAPIError(http.StatusConflict, "meeting_active", err.Error(), nil)
	}
	if errors.Is(err, session.ErrNotHost) {
		return newAPIError(http.StatusForbidden, "not_host", err.Error(), nil)
	}
	if errors.Is(err, session.ErrNoMeeting) {
		return newAPIError(http.StatusNotFound, "no_meeting", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, advisor.ErrUnavailable) {
		return newAPIError(http.StatusServiceUnavailable, "advisor_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") || strings.Contains(lowered, "cannot leave"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
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
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	devLoginPath := path.Join(basePath, "auth/dev/login")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	if !strings.HasPrefix(devLoginPath, "/") {
		devLoginPath = "/" + devLoginPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath || route == devLoginPath {
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
    <title>OpsDeck API Docs</title>
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
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
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

func registerStatus(api huma.API, e engine.Engine, coord *session.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		projectID := resolveProject(ctx, e, input.ProjectID)
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByStatus(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		meetingActive := false
		if _, err := coord.Store.Read(ctx); err == nil {
			meetingActive = true
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":     p.ID,
			"task_counts":    counts,
			"meeting_active": meetingActive,
		}}, nil
	})
}

func registerProjects(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CreateProject(ctx, input.Body.Name, stringOrEmpty(input.Body.Description), actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-projects",
		Method:      http.MethodGet,
		Path:        "/projects",
		Summary:     "List projects",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProjectResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProjects(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: mapProjects(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}",
		Summary:     "Get project",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProject(ctx, resolveProject(ctx, e, input.ProjectID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ProjectID:          resolveProject(ctx, e, input.ProjectID),
			Title:              input.Body.Title,
			Description:        stringOrEmpty(input.Body.Description),
			Status:             stringOrEmpty(input.Body.Status),
			Category:           stringOrEmpty(input.Body.Category),
			Assignee:           stringOrEmpty(input.Body.Assignee),
			AssigneeID:         stringOrEmpty(input.Body.AssigneeID),
			Priority:           stringOrEmpty(input.Body.Priority),
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			TechnicalPlan:      stringOrEmpty(input.Body.TechnicalPlan),
		}
		if input.Body.EstimatedHours != nil {
			opts.EstimatedHours = *input.Body.EstimatedHours
		}
		t, err := e.CreateTask(ctx, opts, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		Status    string `query:"status"`
		Assignee  string `query:"assignee"`
		Priority  string `query:"priority"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedTasks `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.TaskFilters{
			ProjectID:       resolveProject(ctx, e, input.ProjectID),
			Status:          input.Status,
			Assignee:        input.Assignee,
			Priority:        input.Priority,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		tasks, err := e.Repo.ListTasks(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedTasks{Items: []TaskResponse{}}
		if len(tasks) > limit {
			resp.NextCursor = composeCursor(tasks[limit].CreatedAt, tasks[limit].ID)
			tasks = tasks[:limit]
		}
		resp.Items = mapTasks(tasks)
		return &struct {
			Body paginatedTasks `json:"body"`
		}{Body: resp}, nil
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
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		bodyMap := rawBodyMap(ctx)
		_, criteriaProvided := bodyMap["acceptance_criteria"]
		patch := engine.TaskPatch{
			Title:              input.Body.Title,
			Description:        input.Body.Description,
			Category:           input.Body.Category,
			Assignee:           input.Body.Assignee,
			AssigneeID:         input.Body.AssigneeID,
			Priority:           input.Body.Priority,
			AcceptanceCriteria: input.Body.AcceptanceCriteria,
			CriteriaProvided:   criteriaProvided,
			EstimatedHours:     input.Body.EstimatedHours,
			TechnicalPlan:      input.Body.TechnicalPlan,
		}
		t, err := e.UpdateTask(ctx, input.ID, patch, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPatch,
		Path:        "/tasks/{id}/status",
		Summary:     "Move task to a status column",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body MoveTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.SetStatus(ctx, input.ID, input.Body.Status, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-task",
		Method:      http.MethodDelete,
		Path:        "/tasks/{id}",
		Summary:     "Delete task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.ID, actor); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerBoard(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "board",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/board",
		Summary:     "Board grouped by status, with per-task drag permission",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		projectID := resolveProject(ctx, e, input.ProjectID)
		if _, err := e.Repo.GetProject(ctx, projectID); err != nil {
			return nil, handleError(err)
		}
		board, err := e.Board(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := BoardResponse{ProjectID: projectID}
		for _, status := range domain.Statuses {
			col := BoardColumnResponse{Status: status, Tasks: []BoardTaskResponse{}}
			for _, t := range board[status] {
				col.Tasks = append(col.Tasks, BoardTaskResponse{
					TaskResponse: taskResponse(t),
					Draggable:    policy.Draggable(actor, t),
				})
			}
			resp.Columns = append(resp.Columns, col)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMeeting(api huma.API, e engine.Engine, coord *session.Coordinator) {
	huma.Register(api, huma.Operation{
		OperationID: "current-meeting",
		Method:      http.MethodGet,
		Path:        "/meeting",
		Summary:     "Current live meeting, if any",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeetingStateResponse `json:"body"`
	}, error) {
		m, err := coord.Store.Read(ctx)
		if err != nil {
			if errors.Is(err, session.ErrNoMeeting) {
				return &struct {
					Body MeetingStateResponse `json:"body"`
				}{Body: MeetingStateResponse{}}, nil
			}
			return nil, handleError(err)
		}
		resp := meetingResponse(m)
		return &struct {
			Body MeetingStateResponse `json:"body"`
		}{Body: MeetingStateResponse{Active: true, Meeting: &resp}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "start-meeting",
		Method:        http.MethodPost,
		Path:          "/meeting/start",
		Summary:       "Start a live meeting",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body StartMeetingRequest `json:"body"`
	}) (*struct {
		Body MeetingResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		m, err := coord.Start(ctx, actor, input.Body.Topic)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeetingResponse `json:"body"`
		}{Body: meetingResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "join-meeting",
		Method:      http.MethodPost,
		Path:        "/meeting/join",
		Summary:     "Join the live meeting",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeetingResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		m, err := coord.Join(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeetingResponse `json:"body"`
		}{Body: meetingResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "leave-meeting",
		Method:      http.MethodPost,
		Path:        "/meeting/leave",
		Summary:     "Leave the live meeting",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body MeetingResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		m, err := coord.Leave(ctx, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MeetingResponse `json:"body"`
		}{Body: meetingResponse(m)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-meeting",
		Method:      http.MethodPost,
		Path:        "/meeting/stop",
		Summary:     "Stop the live meeting and archive it",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body StopMeetingRequest `json:"body"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		s, err := coord.Stop(ctx, actor, input.Body.Transcript)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})
}

func registerSessions(api huma.API, e engine.Engine, adv *advisor.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "list-sessions",
		Method:      http.MethodGet,
		Path:        "/sessions",
		Summary:     "List archived meeting sessions",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []SessionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListMeetingSessions(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []SessionResponse `json:"body"`
		}{Body: mapSessions(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-session",
		Method:      http.MethodGet,
		Path:        "/sessions/{id}",
		Summary:     "Get archived meeting session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SessionResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetMeetingSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SessionResponse `json:"body"`
		}{Body: sessionResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "summarize-session",
		Method:      http.MethodPost,
		Path:        "/sessions/{id}/summarize",
		Summary:     "Generate and attach a summary for an archived session",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body SummarizeResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetMeetingSession(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		summary, aerr := adv.SummarizeMeeting(ctx, s.Transcript)
		degraded := errors.Is(aerr, advisor.ErrUnavailable)
		if aerr != nil && !degraded {
			return nil, handleError(aerr)
		}
		if !degraded {
			if err := e.Repo.SetMeetingSessionSummary(ctx, s.ID, summary.Summary, summary.ActionItems); err != nil {
				return nil, handleError(err)
			}
		}
		return &struct {
			Body SummarizeResponse `json:"body"`
		}{Body: SummarizeResponse{Summary: summary, Degraded: degraded}}, nil
	})
}

func registerAdvisor(api huma.API, e engine.Engine, adv *advisor.Client) {
	huma.Register(api, huma.Operation{
		OperationID: "advisor-draft-task",
		Method:      http.MethodPost,
		Path:        "/advisor/draft-task",
		Summary:     "Draft a task from a one-line brief",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body DraftTaskRequest `json:"body"`
	}) (*struct {
		Body DraftTaskResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.Brief) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "brief is required", nil)
		}
		draft, err := adv.DraftTask(ctx, input.Body.Brief)
		degraded := errors.Is(err, advisor.ErrUnavailable)
		if err != nil && !degraded {
			return nil, handleError(err)
		}
		return &struct {
			Body DraftTaskResponse `json:"body"`
		}{Body: DraftTaskResponse{Draft: draft, Degraded: degraded}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advisor-estimate",
		Method:      http.MethodPost,
		Path:        "/advisor/tasks/{id}/estimate",
		Summary:     "Estimate effort for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body EstimateResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		est, aerr := adv.EstimateEffort(ctx, t)
		degraded := errors.Is(aerr, advisor.ErrUnavailable)
		if aerr != nil && !degraded {
			return nil, handleError(aerr)
		}
		return &struct {
			Body EstimateResponse `json:"body"`
		}{Body: EstimateResponse{Estimate: est, Degraded: degraded}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advisor-plan",
		Method:      http.MethodPost,
		Path:        "/advisor/tasks/{id}/plan",
		Summary:     "Draft a technical plan for a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AdviceResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		plan, aerr := adv.TechnicalPlan(ctx, t)
		degraded := errors.Is(aerr, advisor.ErrUnavailable)
		if aerr != nil && !degraded {
			return nil, handleError(aerr)
		}
		return &struct {
			Body AdviceResponse `json:"body"`
		}{Body: AdviceResponse{Advice: plan, Degraded: degraded}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advisor-insights",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/advisor/insights",
		Summary:     "Workload insights across the board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body InsightsResponse `json:"body"`
	}, error) {
		projectID := resolveProject(ctx, e, input.ProjectID)
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
		if err != nil {
			return nil, handleError(err)
		}
		users, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		ins, aerr := adv.TeamInsights(ctx, tasks, users)
		degraded := errors.Is(aerr, advisor.ErrUnavailable)
		if aerr != nil && !degraded {
			return nil, handleError(aerr)
		}
		return &struct {
			Body InsightsResponse `json:"body"`
		}{Body: InsightsResponse{Insights: ins, Degraded: degraded}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advisor-coaching",
		Method:      http.MethodGet,
		Path:        "/advisor/coaching",
		Summary:     "Personal workload coaching for the caller",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body AdviceResponse `json:"body"`
	}, error) {
		actor, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Assignee: actor.Name})
		if err != nil {
			return nil, handleError(err)
		}
		advice, aerr := adv.Coaching(ctx, actor, tasks)
		degraded := errors.Is(aerr, advisor.ErrUnavailable)
		if aerr != nil && !degraded {
			return nil, handleError(aerr)
		}
		return &struct {
			Body AdviceResponse `json:"body"`
		}{Body: AdviceResponse{Advice: advice, Degraded: degraded}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advisor-standup",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/advisor/standup",
		Summary:     "Standup report for the board",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body AdviceResponse `json:"body"`
	}, error) {
		projectID := resolveProject(ctx, e, input.ProjectID)
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: projectID})
		if err != nil {
			return nil, handleError(err)
		}
		report, aerr := adv.Standup(ctx, tasks)
		degraded := errors.Is(aerr, advisor.ErrUnavailable)
		if aerr != nil && !degraded {
			return nil, handleError(aerr)
		}
		return &struct {
			Body AdviceResponse `json:"body"`
		}{Body: AdviceResponse{Advice: report, Degraded: degraded}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "advisor-chat",
		Method:      http.MethodPost,
		Path:        "/advisor/chat",
		Summary:     "Free-form advisor chat",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body ChatRequest `json:"body"`
	}) (*struct {
		Body ChatResponse `json:"body"`
	}, error) {
		if len(input.Body.Messages) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "messages are required", nil)
		}
		reply, aerr := adv.Chat(ctx, input.Body.Messages)
		degraded := errors.Is(aerr, advisor.ErrUnavailable)
		if aerr != nil && !degraded {
			return nil, handleError(aerr)
		}
		return &struct {
			Body ChatResponse `json:"body"`
		}{Body: ChatResponse{Reply: reply, Degraded: degraded}}, nil
	})
}

func registerUsers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPut,
		Path:        "/users",
		Summary:     "Create or update a team member",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body UpsertUserRequest `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		if !domain.ValidRole(input.Body.Role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid role", map[string]any{"role": input.Body.Role})
		}
		u := domain.User{
			ID:     stringOrEmpty(input.Body.ID),
			Name:   input.Body.Name,
			Email:  input.Body.Email,
			Role:   input.Body.Role,
			Avatar: input.Body.Avatar,
		}
		if u.ID == "" {
			u.ID = uuid.New().String()
		}
		stored, err := e.Repo.UpsertUser(ctx, u)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(stored)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-users",
		Method:      http.MethodGet,
		Path:        "/users",
		Summary:     "List team members",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []UserResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListUsers(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []UserResponse `json:"body"`
		}{Body: mapUsers(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest journal events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		ProjectID  string `query:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		After      int64  `query:"after"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var (
			items []domain.Event
			err   error
		)
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, limit, input.After, input.ProjectID)
		} else {
			items, err = e.Repo.LatestEvents(ctx, limit, input.ProjectID, input.Type, input.EntityKind, input.EntityID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: mapEvents(items)}, nil
	})
}

func registerKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-key",
		Method:        http.MethodPost,
		Path:          "/keys",
		Summary:       "Create an API key for the caller",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateKeyRequest `json:"body"`
	}) (*struct {
		Body KeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		name := strings.TrimSpace(input.Body.Name)
		if name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		plaintext := "odk_" + uuid.New().String()
		key := domain.APIKey{
			ID:        uuid.New().String(),
			UserID:    principal.UserID,
			Name:      name,
			KeyHash:   repo.HashAPIKey(plaintext),
			CreatedAt: nowRFC3339(),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body KeyResponse `json:"body"`
		}{Body: KeyResponse{ID: key.ID, Name: key.Name, Key: plaintext, CreatedAt: key.CreatedAt}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-keys",
		Method:      http.MethodGet,
		Path:        "/keys",
		Summary:     "List the caller's API keys",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []KeyResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListAPIKeys(ctx, principal.UserID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]KeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, KeyResponse{ID: k.ID, Name: k.Name, CreatedAt: k.CreatedAt})
		}
		return &struct {
			Body []KeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-key",
		Method:      http.MethodDelete,
		Path:        "/keys/{id}",
		Summary:     "Delete an API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID, principal.UserID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, authErr := currentUser(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: u.ID,
			Name:   u.Name,
			Email:  u.Email,
			Role:   u.Role,
			Source: principal.Source,
		}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		userID := strings.TrimSpace(input.Body.UserID)
		if userID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		role := input.Body.Role
		if role != "" && !domain.ValidRole(role) {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid role", map[string]any{"role": role})
		}
		token, err := signDevToken(authCfg.JWTSecret, userID, input.Body.Name, input.Body.Email, role)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func bodyBytes(ctx context.Context) []byte {
	if buf, ok := ctx.Value(bodyBytesKey{}).([]byte); ok {
		return buf
	}
	req, ok := ctx.Value(requestKey{}).(*http.Request)
	if !ok || req == nil {
		return nil
	}
	data, _ := io.ReadAll(req.Body)
	return data
}

func rawBodyMap(ctx context.Context) map[string]json.RawMessage {
	data := bodyBytes(ctx)
	if len(data) == 0 {
		return map[string]json.RawMessage{}
	}
	var outer map[string]json.RawMessage
	if err := json.Unmarshal(data, &outer); err != nil {
		return map[string]json.RawMessage{}
	}
	if inner, ok := outer["body"]; ok {
		var innerMap map[string]json.RawMessage
		if err := json.Unmarshal(inner, &innerMap); err == nil {
			return innerMap
		}
	}
	return outer
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func parseCompositeCursor(cursor string) (string, string, error) {
	if cursor == "" {
		return "", "", nil
	}
	parts := strings.SplitN(cursor, "|", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid cursor")
	}
	return parts[0], parts[1], nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339)
}

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}

// resolveProject prefers the path segment, then the X-Project-Id header,
// then the workspace's active project.
func resolveProject(ctx context.Context, e engine.Engine, pathProjectID string) string {
	if pathProjectID != "" && pathProjectID != "-" {
		return pathProjectID
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Project-Id")); v != "" {
			return v
		}
	}
	if active, err := e.Repo.ActiveProject(ctx); err == nil && active != "" {
		return active
	}
	if e.Config != nil {
		return e.Config.Project.ID
	}
	return ""
}
