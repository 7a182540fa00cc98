// Package server exposes a read-only HTTP view of a workspace. It is an
// observer: every mutation still goes through the filesystem protocol, so
// the server can restart or disappear without affecting coordination.
package server

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/reagent-systems/orc/internal/domain"
	"github.com/reagent-systems/orc/internal/journal"
	"github.com/reagent-systems/orc/internal/workspace"
)

// Config for the HTTP API handler.
type Config struct {
	Store    *workspace.Store
	Journal  *journal.Journal
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_found"`
	Message string         `json:"message" example:"task not found"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the workspace inspection API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth))
	hcfg := huma.DefaultConfig("Orc Inspection API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerStatus(group, cfg.Store)
	registerTasks(group, cfg.Store)
	registerAgents(group, cfg.Store)
	registerContext(group, cfg.Store)
	registerEvents(group, cfg.Journal)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
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
	if errors.Is(err, workspace.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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

func registerStatus(api huma.API, store *workspace.Store) {
	type statusBody struct {
		Workspace  string         `json:"workspace"`
		TaskCounts map[string]int `json:"task_counts"`
		AgentCount int            `json:"agent_count"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Workspace status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body statusBody `json:"body"`
	}, error) {
		counts, err := store.CountTasks()
		if err != nil {
			return nil, handleError(err)
		}
		agents, err := store.ListAgents()
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body statusBody `json:"body"`
		}{Body: statusBody{
			Workspace:  store.Root,
			TaskCounts: counts,
			AgentCount: len(agents),
		}}, nil
	})
}

func registerTasks(api huma.API, store *workspace.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks in one partition",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Partition string `query:"partition" default:"pending" enum:"pending,active,completed,failed"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		valid := false
		for _, p := range workspace.Partitions {
			if p == input.Partition {
				valid = true
			}
		}
		if !valid {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown partition", map[string]any{"partition": input.Partition})
		}
		tasks, err := store.ListTasks(input.Partition)
		if err != nil {
			return nil, handleError(err)
		}
		if tasks == nil {
			tasks = []domain.Task{}
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: tasks}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get a task by id, wherever it lives",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body taskWithPartition `json:"body"`
	}, error) {
		t, partition, err := store.Get(input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body taskWithPartition `json:"body"`
		}{Body: taskWithPartition{Task: t, Partition: partition}}, nil
	})
}

type taskWithPartition struct {
	Task      domain.Task `json:"task"`
	Partition string      `json:"partition"`
}

func registerAgents(api huma.API, store *workspace.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List published agent descriptors",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.AgentDescriptor `json:"body"`
	}, error) {
		agents, err := store.ListAgents()
		if err != nil {
			return nil, handleError(err)
		}
		if agents == nil {
			agents = []domain.AgentDescriptor{}
		}
		return &struct {
			Body []domain.AgentDescriptor `json:"body"`
		}{Body: agents}, nil
	})
}

func registerContext(api huma.API, store *workspace.Store) {
	huma.Register(api, huma.Operation{
		OperationID: "list-context",
		Method:      http.MethodGet,
		Path:        "/context",
		Summary:     "List accumulated context records",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.ContextRecord `json:"body"`
	}, error) {
		records, err := store.ListContext()
		if err != nil {
			return nil, handleError(err)
		}
		if records == nil {
			records = []domain.ContextRecord{}
		}
		return &struct {
			Body []domain.ContextRecord `json:"body"`
		}{Body: records}, nil
	})
}

func registerEvents(api huma.API, jr *journal.Journal) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the advisory event journal",
		Errors:      []int{http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Limit  int    `query:"limit" default:"50" minimum:"1" maximum:"500"`
		Type   string `query:"type"`
		TaskID string `query:"task_id"`
	}) (*struct {
		Body []journal.Event `json:"body"`
	}, error) {
		if jr == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "journal_disabled", "event journal is not enabled", nil)
		}
		events, err := jr.Tail(ctx, input.Limit, input.Type, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		if events == nil {
			events = []journal.Event{}
		}
		return &struct {
			Body []journal.Event `json:"body"`
		}{Body: events}, nil
	})
}
