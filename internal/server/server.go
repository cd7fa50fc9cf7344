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

	"caseline/internal/domain"
	"caseline/internal/engine"
	"caseline/internal/gate"
	"caseline/internal/reconcile"
	"caseline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_decided"`
	Message string         `json:"message" example:"proposal already decided"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Caseline API.
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
	hcfg := huma.DefaultConfig("Caseline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerCases(group, cfg.Engine)
	registerMessages(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerProposals(group, cfg.Engine)
	registerExecutions(group, cfg.Engine)
	registerEscalations(group, cfg.Engine)
	registerDeadLetters(group, cfg.Engine)
	registerLessons(group, cfg.Engine)
	registerCredentials(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMaintenance(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	startWebhookDispatcher(cfg.Engine)

	return router, nil
}

func bodyBytes(ctx context.Context) []byte {
	b, _ := ctx.Value(bodyBytesKey{}).([]byte)
	return b
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
	if errors.Is(err, gate.ErrAlreadyDecided) {
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	}
	if errors.Is(err, gate.ErrStale) {
		return newAPIError(http.StatusConflict, "stale_resume", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "superseded"):
		return newAPIError(http.StatusConflict, "superseded", msg, nil)
	case strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") || strings.Contains(lowered, "unknown"):
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

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	if limit > 500 {
		return 500
	}
	return limit
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
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
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
    <title>Caseline API Docs</title>
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

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Pipeline status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		counts, err := e.Repo.CountCasesByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		escalations, err := e.Repo.ListEscalations(ctx, "", true)
		if err != nil {
			return nil, handleError(err)
		}
		deadLetters, err := e.Repo.ListDeadLetters(ctx, true)
		if err != nil {
			return nil, handleError(err)
		}
		latest, err := e.Repo.LatestEventID(ctx, "")
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{
			CaseCounts:      counts,
			OpenEscalations: len(escalations),
			OpenDeadLetters: len(deadLetters),
			LatestEventID:   latest,
		}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Agency == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agency is required", nil)
		}
		if input.Body.Subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			ID:         input.Body.ID,
			Agency:     input.Body.Agency,
			Subject:    input.Body.Subject,
			Mode:       input.Body.Mode,
			PortalURL:  input.Body.PortalURL,
			ScopeItems: input.Body.ScopeItems,
			ActorID:    actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body caseList `json:"body"`
	}, error) {
		items, err := e.Repo.ListCases(ctx, repo.CaseFilters{Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Case{}
		}
		return &struct {
			Body caseList `json:"body"`
		}{Body: caseList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{id}",
		Summary:     "Get case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		c, err := e.Repo.GetCase(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-case",
		Method:      http.MethodPost,
		Path:        "/cases/{id}/cancel",
		Summary:     "Cancel case",
		Errors: []int{
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body CancelCaseRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.CancelCase(ctx, input.ID, input.Body.Reason, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})
}

func registerMessages(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "ingest-message",
		Method:        http.MethodPost,
		Path:          "/cases/{id}/messages",
		Summary:       "Ingest agency message",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body IngestMessageRequest `json:"body"`
	}) (*struct {
		Body IngestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body text is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		m, run, err := e.IngestMessage(ctx, input.ID, input.Body.Subject, input.Body.Body, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body IngestResponse `json:"body"`
		}{Body: IngestResponse{Message: m, Run: run}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-messages",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/messages",
		Summary:     "List case messages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body messageList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListMessages(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Message{}
		}
		return &struct {
			Body messageList `json:"body"`
		}{Body: messageList{Items: items}}, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-runs",
		Method:      http.MethodGet,
		Path:        "/runs",
		Summary:     "List runs",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body runList `json:"body"`
	}, error) {
		items, err := e.Repo.ListRuns(ctx, repo.RunFilters{
			CaseID: input.CaseID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Run{}
		}
		return &struct {
			Body runList `json:"body"`
		}{Body: runList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Run `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Run `json:"body"`
		}{Body: run}, nil
	})
}

func registerProposals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-proposals",
		Method:      http.MethodGet,
		Path:        "/proposals",
		Summary:     "List proposals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Status string `query:"status"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body proposalList `json:"body"`
	}, error) {
		items, err := e.Repo.ListProposals(ctx, repo.ProposalFilters{
			CaseID: input.CaseID,
			Status: input.Status,
			Limit:  normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Proposal{}
		}
		return &struct {
			Body proposalList `json:"body"`
		}{Body: proposalList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-proposal",
		Method:      http.MethodGet,
		Path:        "/proposals/{id}",
		Summary:     "Get proposal",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Proposal `json:"body"`
	}, error) {
		p, err := e.Repo.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Proposal `json:"body"`
		}{Body: p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-proposal",
		Method:      http.MethodPost,
		Path:        "/proposals/{id}/decision",
		Summary:     "Record human decision",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string          `path:"id"`
		Body DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Decision == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.Gate.SubmitDecision(ctx, input.ID, input.Body.Decision, input.Body.Note, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resumed := false
		if p.WaitToken != nil {
			// Apply the decision in the same request. Stale resumes just
			// leave the run suspended for the sweeper.
			err := e.Resume(ctx, *p.WaitToken, actorID)
			switch {
			case err == nil:
				resumed = true
			case errors.Is(err, gate.ErrStale):
			default:
				return nil, handleError(err)
			}
		}
		p, err = e.Repo.GetProposal(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{Proposal: p, Resumed: resumed}}, nil
	})
}

func registerExecutions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-executions",
		Method:      http.MethodGet,
		Path:        "/executions",
		Summary:     "List executions",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
	}) (*struct {
		Body executionList `json:"body"`
	}, error) {
		items, err := e.Repo.ListExecutions(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Execution{}
		}
		return &struct {
			Body executionList `json:"body"`
		}{Body: executionList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-execution",
		Method:      http.MethodGet,
		Path:        "/executions/{id}",
		Summary:     "Get execution",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body domain.Execution `json:"body"`
	}, error) {
		exec, err := e.Repo.GetExecution(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Execution `json:"body"`
		}{Body: exec}, nil
	})
}

func registerEscalations(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-escalations",
		Method:      http.MethodGet,
		Path:        "/escalations",
		Summary:     "List escalations",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID string `query:"case_id"`
		Open   bool   `query:"open"`
	}) (*struct {
		Body escalationList `json:"body"`
	}, error) {
		items, err := e.Repo.ListEscalations(ctx, input.CaseID, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Escalation{}
		}
		return &struct {
			Body escalationList `json:"body"`
		}{Body: escalationList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-escalation",
		Method:      http.MethodPost,
		Path:        "/escalations/{id}/resolve",
		Summary:     "Resolve escalation",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ResolveRequest `json:"body"`
	}) (*struct {
		Body domain.Escalation `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		esc, err := e.Repo.GetEscalation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		now := e.Now().UTC().Format(time.RFC3339)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.ResolveEscalation(ctx, tx, input.ID, actorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Events.Append(ctx, tx, "escalation.resolved", esc.CaseID, "escalation", esc.ID, actorID, map[string]any{
			"note": input.Body.Note,
		}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		esc, err = e.Repo.GetEscalation(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Escalation `json:"body"`
		}{Body: esc}, nil
	})
}

func registerDeadLetters(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-dead-letters",
		Method:      http.MethodGet,
		Path:        "/dead-letters",
		Summary:     "List dead letters",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Open bool `query:"open"`
	}) (*struct {
		Body deadLetterList `json:"body"`
	}, error) {
		items, err := e.Repo.ListDeadLetters(ctx, input.Open)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.DeadLetterEntry{}
		}
		return &struct {
			Body deadLetterList `json:"body"`
		}{Body: deadLetterList{Items: items}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-dead-letter",
		Method:      http.MethodPost,
		Path:        "/dead-letters/{id}/resolve",
		Summary:     "Resolve dead letter",
		Errors: []int{
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body ResolveRequest `json:"body"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		now := e.Now().UTC().Format(time.RFC3339)
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.ResolveDeadLetter(ctx, tx, input.ID, actorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerLessons(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-lessons",
		Method:      http.MethodGet,
		Path:        "/lessons",
		Summary:     "List learned lessons",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body lessonList `json:"body"`
	}, error) {
		items, err := e.Repo.ListLessons(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.Lesson{}
		}
		return &struct {
			Body lessonList `json:"body"`
		}{Body: lessonList{Items: items}}, nil
	})
}

func registerCredentials(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-credential",
		Method:      http.MethodPut,
		Path:        "/credentials/{channel}",
		Summary:     "Set channel credential status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Channel string            `path:"channel"`
		Body    CredentialRequest `json:"body"`
	}) (*struct {
		Body domain.Credential `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.SetCredential(ctx, input.Channel, input.Body.Status, input.Body.VerifiedAt, actorID); err != nil {
			return nil, handleError(err)
		}
		cred, err := e.Repo.GetCredential(ctx, input.Channel)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Credential `json:"body"`
		}{Body: cred}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-guard-events",
		Method:      http.MethodGet,
		Path:        "/cases/{id}/guard-events",
		Summary:     "List guard events for a case",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Limit int    `query:"limit" default:"50"`
	}) (*struct {
		Body guardEventList `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCase(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListGuardEvents(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		if items == nil {
			items = []domain.GuardEvent{}
		}
		return &struct {
			Body guardEventList `json:"body"`
		}{Body: guardEventList{Items: items}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CaseID     string `query:"case_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     int64  `query:"cursor"`
	}) (*struct {
		Body eventList `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEventsFrom(ctx, limit, input.Cursor, input.CaseID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := eventList{Items: items}
		if resp.Items == nil {
			resp.Items = []domain.Event{}
		}
		if len(items) == limit {
			resp.NextCursor = items[len(items)-1].ID
		}
		return &struct {
			Body eventList `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMaintenance(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "sweep",
		Method:      http.MethodPost,
		Path:        "/sweep",
		Summary:     "Expire, resume, and fire due work",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body SweepResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		expired, err := e.ExpireWaitpoints(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		resumed, err := e.ResumeResolved(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		followUps, err := e.RunDueFollowUps(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SweepResponse `json:"body"`
		}{Body: SweepResponse{Expired: expired, Resumed: resumed, FollowUps: followUps}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reconcile",
		Method:      http.MethodPost,
		Path:        "/reconcile",
		Summary:     "Repair stuck runs, markers, and executions",
		Errors:      []int{http.StatusInternalServerError},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ReconcileResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rec := reconcile.Reconciler{DB: e.DB, Repo: e.Repo, Events: e.Events, Logger: e.Logger, Now: e.Now}
		report, err := rec.Run(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReconcileResponse `json:"body"`
		}{Body: ReconcileResponse{Report: report}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ActorID == "" || input.Body.Key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and key are required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		now := e.Now().UTC().Format(time.RFC3339)
		key := domain.APIKey{
			ID:        uuid.NewString(),
			ActorID:   input.Body.ActorID,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(input.Body.Key),
			CreatedAt: now,
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.EnsureActor(ctx, tx, key.ActorID, now); err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: apiKeyResponse(key)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := []APIKeyResponse{}
		for _, k := range keys {
			res = append(res, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Delete API key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
