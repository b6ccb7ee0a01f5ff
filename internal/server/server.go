package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"fieldline/internal/domain"
	"fieldline/internal/engine"
	"fieldline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_contracted"`
	Message string         `json:"message" example:"provider not contracted for item"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"item_id\":\"act-1\"}"`
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

// New returns an HTTP handler exposing the Fieldline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope.
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
			buf, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(buf))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, buf)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Fieldline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerProjects(group, cfg.Engine)
	registerProviders(group, cfg.Engine)
	registerZones(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerTariffs(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerStatements(group, cfg.Engine)
	registerStock(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
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

func invalidDecimal(field, raw string) huma.StatusError {
	return newAPIError(http.StatusBadRequest, "bad_request",
		fmt.Sprintf("%s must be a decimal number", field),
		map[string]any{"field": field, "value": raw})
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if se, ok := err.(huma.StatusError); ok {
		return se
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNotContracted) {
		return newAPIError(http.StatusUnprocessableEntity, "not_contracted", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrInsufficientBalance) {
		return newAPIError(http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), nil)
	}
	if repo.IsForeignKeyViolation(err) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "transition"):
		return newAPIError(http.StatusConflict, "invalid_transition", msg, nil)
	case strings.Contains(lowered, "frozen"),
		strings.Contains(lowered, "only assigned"),
		strings.Contains(lowered, "has dependents"),
		strings.Contains(lowered, "applies before"),
		strings.Contains(lowered, "is not in execution"),
		strings.Contains(lowered, "already"):
		return newAPIError(http.StatusConflict, "state_conflict", msg, nil)
	case strings.Contains(lowered, "invalid"),
		strings.Contains(lowered, "missing"),
		strings.Contains(lowered, "required"),
		strings.Contains(lowered, "must"),
		strings.Contains(lowered, "not in project"),
		strings.Contains(lowered, "not in zone"):
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
	case http.StatusUnauthorized:
		return "unauthorized"
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
    <title>Fieldline API Docs</title>
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
		Path:        "/projects/{project_id}/status",
		Summary:     "Project status",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body map[string]any `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		counts, err := e.Repo.CountTasksByState(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]any `json:"body"`
		}{Body: map[string]any{
			"project_id":  p.ID,
			"status":      p.Status,
			"task_counts": counts,
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
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
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
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		desc := ""
		if input.Body.Description != nil {
			desc = *input.Body.Description
		}
		p, err := e.InitProject(ctx, input.Body.ID, desc, actorID)
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
		out := make([]ProjectResponse, 0, len(items))
		for _, p := range items {
			out = append(out, projectResponse(p))
		}
		return &struct {
			Body []ProjectResponse `json:"body"`
		}{Body: out}, nil
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
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		p, err := e.Repo.GetProject(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectResponse `json:"body"`
		}{Body: projectResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-project-config",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/config",
		Summary:     "Get project config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body ProjectConfigResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		cfg, err := e.Repo.GetProjectConfig(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProjectConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerProviders(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-provider",
		Method:        http.MethodPost,
		Path:          "/providers",
		Summary:       "Register provider",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProviderRequest `json:"body"`
	}) (*struct {
		Body ProviderResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		p, err := e.CreateProvider(ctx, input.Body.Name, input.Body.TaxID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProviderResponse `json:"body"`
		}{Body: providerResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-providers",
		Method:      http.MethodGet,
		Path:        "/providers",
		Summary:     "List providers",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProviderResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProviders(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ProviderResponse, 0, len(items))
		for _, p := range items {
			out = append(out, providerResponse(p))
		}
		return &struct {
			Body []ProviderResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-provider",
		Method:      http.MethodDelete,
		Path:        "/providers/{id}",
		Summary:     "Delete provider",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteProvider(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerZones(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-zone",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/zones",
		Summary:       "Create zone",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		Body      CreateZoneRequest `json:"body"`
	}) (*struct {
		Body ZoneResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		z, err := e.CreateZone(ctx, projectID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ZoneResponse `json:"body"`
		}{Body: ZoneResponse(z)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-zones",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/zones",
		Summary:     "List zones",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ZoneResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.Repo.ListZones(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ZoneResponse, 0, len(items))
		for _, z := range items {
			out = append(out, ZoneResponse(z))
		}
		return &struct {
			Body []ZoneResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-segment",
		Method:        http.MethodPost,
		Path:          "/zones/{zone_id}/segments",
		Summary:       "Create segment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ZoneID string               `path:"zone_id"`
		Body   CreateSegmentRequest `json:"body"`
	}) (*struct {
		Body SegmentResponse `json:"body"`
	}, error) {
		s, err := e.CreateSegment(ctx, input.ZoneID, input.Body.Name)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SegmentResponse `json:"body"`
		}{Body: SegmentResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-segments",
		Method:      http.MethodGet,
		Path:        "/zones/{zone_id}/segments",
		Summary:     "List segments",
	}, func(ctx context.Context, input *struct {
		ZoneID string `path:"zone_id"`
	}) (*struct {
		Body []SegmentResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSegments(ctx, input.ZoneID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SegmentResponse, 0, len(items))
		for _, s := range items {
			out = append(out, SegmentResponse(s))
		}
		return &struct {
			Body []SegmentResponse `json:"body"`
		}{Body: out}, nil
	})
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-activity",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/activities",
		Summary:       "Create activity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                `path:"project_id"`
		Body      CreateActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		price, err := parseDec("sale_price", input.Body.SalePrice)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.CreateActivity(ctx, projectID, input.Body.Name, input.Body.Unit, price)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/activities",
		Summary:     "List activities",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.Repo.ListActivities(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ActivityResponse, 0, len(items))
		for _, a := range items {
			out = append(out, activityResponse(a))
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-activity",
		Method:      http.MethodDelete,
		Path:        "/activities/{id}",
		Summary:     "Delete activity",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteActivity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-sub-activity",
		Method:        http.MethodPost,
		Path:          "/activities/{activity_id}/sub-activities",
		Summary:       "Create sub-activity",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ActivityID string                `path:"activity_id"`
		Body       CreateActivityRequest `json:"body"`
	}) (*struct {
		Body SubActivityResponse `json:"body"`
	}, error) {
		price, err := parseDec("sale_price", input.Body.SalePrice)
		if err != nil {
			return nil, handleError(err)
		}
		s, err := e.CreateSubActivity(ctx, input.ActivityID, input.Body.Name, input.Body.Unit, price)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SubActivityResponse `json:"body"`
		}{Body: subActivityResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-sub-activities",
		Method:      http.MethodGet,
		Path:        "/activities/{activity_id}/sub-activities",
		Summary:     "List sub-activities",
	}, func(ctx context.Context, input *struct {
		ActivityID string `path:"activity_id"`
	}) (*struct {
		Body []SubActivityResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListSubActivities(ctx, input.ActivityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]SubActivityResponse, 0, len(items))
		for _, s := range items {
			out = append(out, subActivityResponse(s))
		}
		return &struct {
			Body []SubActivityResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-sub-activity",
		Method:      http.MethodDelete,
		Path:        "/sub-activities/{id}",
		Summary:     "Delete sub-activity",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.DeleteSubActivity(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTariffs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "set-tariff",
		Method:      http.MethodPut,
		Path:        "/projects/{project_id}/tariffs",
		Summary:     "Set contracted unit cost",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string           `path:"project_id"`
		Body      SetTariffRequest `json:"body"`
	}) (*struct {
		Body TariffResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cost, err := parseDec("unit_cost", input.Body.UnitCost)
		if err != nil {
			return nil, handleError(err)
		}
		tf, err := e.SetTariff(ctx, projectID, input.Body.ProviderID, input.Body.ItemID, input.Body.ItemKind, cost, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TariffResponse `json:"body"`
		}{Body: tariffResponse(tf)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tariffs",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/providers/{provider_id}/tariffs",
		Summary:     "List provider tariffs",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ProviderID string `path:"provider_id"`
	}) (*struct {
		Body []TariffResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.Repo.ListTariffs(ctx, projectID, input.ProviderID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]TariffResponse, 0, len(items))
		for _, tf := range items {
			out = append(out, tariffResponse(tf))
		}
		return &struct {
			Body []TariffResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resolve-tariff",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tariffs/resolve",
		Summary:     "Resolve unit cost and sale price for a provider/item pair",
		Errors:      []int{http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ProviderID string `query:"provider_id"`
		ItemID     string `query:"item_id"`
		ItemKind   string `query:"item_kind" enum:"activity,subactivity"`
	}) (*struct {
		Body PriceResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		price, err := e.ResolveTariff(ctx, projectID, input.ProviderID, input.ItemID, input.ItemKind)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PriceResponse `json:"body"`
		}{Body: priceResponse(price)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-tariff",
		Method:      http.MethodDelete,
		Path:        "/tariffs/{id}",
		Summary:     "Delete tariff",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteTariff(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
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
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
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
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qty, err := parseDec("planned_qty", input.Body.PlannedQty)
		if err != nil {
			return nil, handleError(err)
		}
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		opts := engine.TaskCreateOptions{
			ProjectID:  projectID,
			ProviderID: input.Body.ProviderID,
			ZoneID:     input.Body.ZoneID,
			PlannedQty: qty,
			ActorID:    actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ActivityID != nil {
			opts.ActivityID = *input.Body.ActivityID
		}
		if input.Body.SubActivityID != nil {
			opts.SubActivityID = *input.Body.SubActivityID
		}
		if input.Body.SegmentID != nil {
			opts.SegmentID = *input.Body.SegmentID
		}
		if input.Body.AssignedAt != nil {
			opts.AssignedAt = *input.Body.AssignedAt
		}
		if input.Body.EstCompletionAt != nil {
			opts.EstCompletionAt = *input.Body.EstCompletionAt
		}
		if input.Body.Comment != nil {
			opts.Comment = *input.Body.Comment
		}
		t, err := e.CreateTask(ctx, opts)
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
	}, func(ctx context.Context, input *struct {
		ProjectID   string `path:"project_id"`
		State       string `query:"state" enum:"assigned,in_execution,approved"`
		ProviderID  string `query:"provider_id"`
		ZoneID      string `query:"zone_id"`
		StatementID string `query:"statement_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			ProjectID:   projectID,
			State:       input.State,
			ProviderID:  input.ProviderID,
			ZoneID:      input.ZoneID,
			StatementID: input.StatementID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		if !projectMatches(input.ProjectID, t.ProjectID) {
			return nil, newAPIError(http.StatusNotFound, "not_found", "task not found in project", nil)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-task",
		Method:      http.MethodPatch,
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Update task",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string            `path:"project_id"`
		ID        string            `path:"id"`
		Body      UpdateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		plannedQty, err := parseDecPtr("planned_qty", input.Body.PlannedQty)
		if err != nil {
			return nil, handleError(err)
		}
		actualQty, err := parseDecPtr("actual_qty", input.Body.ActualQty)
		if err != nil {
			return nil, handleError(err)
		}
		opts := engine.TaskUpdateOptions{
			ID:              input.ID,
			ProviderID:      input.Body.ProviderID,
			ActivityID:      input.Body.ActivityID,
			SubActivityID:   input.Body.SubActivityID,
			ZoneID:          input.Body.ZoneID,
			SegmentID:       input.Body.SegmentID,
			PlannedQty:      plannedQty,
			ActualQty:       actualQty,
			EstCompletionAt: input.Body.EstCompletionAt,
			CompletedAt:     input.Body.CompletedAt,
			Comment:         input.Body.Comment,
			EvidenceURL:     input.Body.EvidenceURL,
			StartPoint:      input.Body.StartPoint,
			EndPoint:        input.Body.EndPoint,
			ActorID:         actorID,
		}
		if input.Body.Geolocation != nil {
			opts.Geolocation = &domain.Geolocation{
				Latitude:  input.Body.Geolocation.Latitude,
				Longitude: input.Body.Geolocation.Longitude,
				PhotoURL:  input.Body.Geolocation.PhotoURL,
			}
		}
		t, err := e.UpdateTask(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/move",
		Summary:     "Move task on the board",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string          `path:"project_id"`
		ID        string          `path:"id"`
		Body      MoveTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		index := -1
		if input.Body.Index != nil {
			index = *input.Body.Index
		}
		t, err := e.MoveTask(ctx, input.ID, input.Body.State, index, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "confirm-task",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/confirm",
		Summary:     "Confirm work done as planned",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.QuickConfirm(ctx, input.ID, actorID)
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
		Path:        "/projects/{project_id}/tasks/{id}",
		Summary:     "Delete task",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTask(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/board",
		Summary:     "Board snapshot grouped by state",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		snap, err := e.Board(ctx, projectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: boardResponse(snap)}, nil
	})
}

func registerStatements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "allocate-statement",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/statements",
		Summary:       "Allocate or create a payment statement for a provider",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		Body      AllocateStatementRequest `json:"body"`
	}) (*struct {
		Body StatementResponse `json:"body"`
	}, error) {
		if input.Body.ProviderID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "provider_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		var (
			s   domain.PaymentStatement
			err error
		)
		if input.Body.ForceNew {
			s, err = e.CreateNextStatement(ctx, projectID, input.Body.ProviderID, input.Body.Prefix, actorID)
		} else {
			s, err = e.Allocate(ctx, projectID, input.Body.ProviderID, input.Body.Prefix, actorID)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatementResponse `json:"body"`
		}{Body: statementResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "allocate-task-statement",
		Method:      http.MethodPost,
		Path:        "/projects/{project_id}/tasks/{id}/statement",
		Summary:     "Attach an approved task to its provider's draft statement",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.AllocateStatement(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-statements",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/statements",
		Summary:     "List payment statements",
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		State      string `query:"state" enum:"draft,issued,paid"`
		ProviderID string `query:"provider_id"`
	}) (*struct {
		Body []StatementResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.Repo.ListStatements(ctx, repo.StatementFilters{
			ProjectID:  projectID,
			State:      input.State,
			ProviderID: input.ProviderID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]StatementResponse, 0, len(items))
		for _, s := range items {
			out = append(out, statementResponse(s))
		}
		return &struct {
			Body []StatementResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-statement",
		Method:      http.MethodGet,
		Path:        "/statements/{id}",
		Summary:     "Get payment statement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StatementResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStatement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatementResponse `json:"body"`
		}{Body: statementResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-statement-tasks",
		Method:      http.MethodGet,
		Path:        "/statements/{id}/tasks",
		Summary:     "List tasks attached to a statement",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		s, err := e.Repo.GetStatement(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilters{ProjectID: s.ProjectID, StatementID: s.ID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename-statement",
		Method:      http.MethodPatch,
		Path:        "/statements/{id}",
		Summary:     "Rename payment statement",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body RenameStatementRequest `json:"body"`
	}) (*struct {
		Body StatementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		code := ""
		if input.Body.Code != nil {
			code = *input.Body.Code
		}
		name := ""
		if input.Body.Name != nil {
			name = *input.Body.Name
		}
		s, err := e.RenameStatement(ctx, input.ID, code, name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatementResponse `json:"body"`
		}{Body: statementResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-statement",
		Method:      http.MethodPost,
		Path:        "/statements/{id}/issue",
		Summary:     "Issue statement",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StatementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.IssueStatement(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatementResponse `json:"body"`
		}{Body: statementResponse(s)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "pay-statement",
		Method:      http.MethodPost,
		Path:        "/statements/{id}/pay",
		Summary:     "Mark statement paid",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body StatementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		s, err := e.MarkStatementPaid(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatementResponse `json:"body"`
		}{Body: statementResponse(s)}, nil
	})
}

func registerStock(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-materials",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/providers/{provider_id}/materials",
		Summary:     "Available material balances for a provider",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		ProviderID string `path:"provider_id"`
	}) (*struct {
		Body []MaterialBalanceResponse `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		items, err := e.AvailableMaterials(ctx, projectID, input.ProviderID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]MaterialBalanceResponse, 0, len(items))
		for _, b := range items {
			out = append(out, materialResponse(b))
		}
		return &struct {
			Body []MaterialBalanceResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-consumption",
		Method:        http.MethodPost,
		Path:          "/projects/{project_id}/tasks/{id}/consumptions",
		Summary:       "Record material consumption against a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ProjectID string                   `path:"project_id"`
		ID        string                   `path:"id"`
		Body      CreateConsumptionRequest `json:"body"`
	}) (*struct {
		Body ConsumptionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		qty, err := parseDec("quantity", input.Body.Quantity)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.RegisterConsumption(ctx, engine.ConsumptionOptions{
			TaskID:      input.ID,
			ProductCode: input.Body.ProductCode,
			ProductName: input.Body.ProductName,
			Quantity:    qty,
			Unit:        input.Body.Unit,
			ActorID:     actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ConsumptionResponse `json:"body"`
		}{Body: consumptionResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-consumptions",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/tasks/{id}/consumptions",
		Summary:     "List consumptions for a task",
	}, func(ctx context.Context, input *struct {
		ProjectID string `path:"project_id"`
		ID        string `path:"id"`
	}) (*struct {
		Body []ConsumptionResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListConsumptionsByTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ConsumptionResponse, 0, len(items))
		for _, c := range items {
			out = append(out, consumptionResponse(c))
		}
		return &struct {
			Body []ConsumptionResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-consumption",
		Method:      http.MethodDelete,
		Path:        "/consumptions/{id}",
		Summary:     "Delete consumption",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteConsumption(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/projects/{project_id}/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID  string `path:"project_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"project,task,statement,tariff,stock"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		projectID := projectFromPathOrHeader(ctx, input.ProjectID, e.Config.Project.ID)
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, projectID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/api-keys",
		Summary:       "Mint an API key",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body CreateAPIKeyResponse `json:"body"`
	}, error) {
		if input.Body.Subject == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "subject is required", nil)
		}
		raw := make([]byte, 32)
		if _, err := rand.Read(raw); err != nil {
			return nil, handleError(err)
		}
		key := hex.EncodeToString(raw)
		k := domain.APIKey{
			ID:        uuid.NewString(),
			Subject:   input.Body.Subject,
			Name:      input.Body.Name,
			KeyHash:   repo.HashAPIKey(key),
			CreatedAt: time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, k); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CreateAPIKeyResponse `json:"body"`
		}{Body: CreateAPIKeyResponse{APIKeyResponse: apiKeyResponse(k), Key: key}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		Subject string `query:"subject"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.Subject)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			out = append(out, apiKeyResponse(k))
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Revoke API key",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		if err := e.Repo.DeleteAPIKey(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func projectFromPathOrHeader(ctx context.Context, pathProjectID, fallback string) string {
	if pathProjectID != "" {
		return pathProjectID
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Project-Id")); v != "" {
			return v
		}
	}
	return fallback
}

func projectMatches(expected, actual string) bool {
	if expected == "" {
		return true
	}
	return expected == actual
}
