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
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"faultdesk/internal/app"
	"faultdesk/internal/log"
	"faultdesk/internal/store"
	"faultdesk/internal/workflow"
)

const (
	PermSubmit = "faults.submit"
	PermRead   = "faults.read"
)

// Config for the HTTP API handler.
type Config struct {
	App      *app.App
	BasePath string
	Auth     AuthConfig
	Logger   log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"MissingProduct"`
	Message string         `json:"message" example:"Please choose a ProductID (PR1 / PR2 / PR3)."`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"field\":\"product_id\"}"`
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

// New returns an HTTP handler exposing the faultdesk API.
func New(cfg Config) (http.Handler, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	logger := cfg.Logger
	if logger == nil {
		logger = cfg.App.Logger
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
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
	router.Use(requestLogger(logger))
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.App.Store, logger))
	router.Handle("/metrics", promhttp.Handler())

	hcfg := huma.DefaultConfig("faultdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	h := handlers{app: cfg.App}
	registerDocs(router, basePath)
	registerHealth(group)
	h.registerForm(group)
	h.registerEquipment(group)
	h.registerSuggestion(group)
	h.registerFaults(group)
	h.registerEvents(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

type handlers struct {
	app *app.App
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	if errors.Is(err, store.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var storeErr *store.StoreError
	if errors.As(err, &storeErr) {
		return newAPIError(http.StatusServiceUnavailable, "store_unavailable", "store unavailable", map[string]any{"op": storeErr.Op})
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusServiceUnavailable:
		return "store_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func requestLogger(logger log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debugw("http request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(started))
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
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
	public := map[string]bool{
		path.Join("/", basePath, "health"):         true,
		path.Join("/", basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if public[route] {
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
    <title>faultdesk API Docs</title>
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

func (h handlers) registerForm(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "form",
		Method:      http.MethodGet,
		Path:        "/form",
		Summary:     "Entry form metadata for the caller's session",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body FormResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermSubmit)
		if err != nil {
			return nil, handleError(err)
		}
		sess := h.app.Sessions.Get(principal.ActorID)
		return &struct {
			Body FormResponse `json:"body"`
		}{Body: FormResponse{
			Choices:    h.app.Config.Choices,
			Equipment:  equipmentResponse(h.app.Directory.List(ctx)),
			Suggestion: sess.Suggestion(),
		}}, nil
	})
}

func (h handlers) registerEquipment(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-equipment",
		Method:      http.MethodGet,
		Path:        "/equipment",
		Summary:     "Equipment directory",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EquipmentResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EquipmentResponse `json:"body"`
		}{Body: equipmentResponse(h.app.Directory.List(ctx))}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "refresh-equipment",
		Method:      http.MethodPost,
		Path:        "/equipment/refresh",
		Summary:     "Drop the cached directory and reload it",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body EquipmentResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermSubmit); err != nil {
			return nil, handleError(err)
		}
		h.app.Directory.Invalidate()
		return &struct {
			Body EquipmentResponse `json:"body"`
		}{Body: equipmentResponse(h.app.Directory.List(ctx))}, nil
	})
}

func (h handlers) registerSuggestion(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "suggestion",
		Method:      http.MethodGet,
		Path:        "/suggestion",
		Summary:     "Next fault identifier",
		Description: "source=session returns the caller's session suggestion; source=history derives one from stored identifiers.",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Source string `query:"source" enum:"session,history" default:"session"`
	}) (*struct {
		Body SuggestionResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermSubmit)
		if err != nil {
			return nil, handleError(err)
		}
		if input.Source == "history" {
			return &struct {
				Body SuggestionResponse `json:"body"`
			}{Body: SuggestionResponse{Suggestion: h.app.HistorySuggestion(ctx), Source: "history"}}, nil
		}
		return &struct {
			Body SuggestionResponse `json:"body"`
		}{Body: SuggestionResponse{Suggestion: h.app.Sessions.Get(principal.ActorID).Suggestion(), Source: "session"}}, nil
	})
}

func (h handlers) registerFaults(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-fault",
		Method:        http.MethodPost,
		Path:          "/faults",
		Summary:       "Submit a fault record",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusServiceUnavailable,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitFaultRequest `json:"body"`
	}) (*struct {
		Body SubmitFaultResponse `json:"body"`
	}, error) {
		principal, err := requirePermission(ctx, PermSubmit)
		if err != nil {
			return nil, handleError(err)
		}
		sess := h.app.Sessions.Get(principal.ActorID)
		res := h.app.Workflow.HandleSubmit(ctx, input.Body.draft(), sess)
		switch res.State {
		case workflow.StateRejected:
			return nil, newAPIError(http.StatusBadRequest, string(res.FieldError.Code), res.Message, map[string]any{
				"field":      res.FieldError.Field,
				"suggestion": res.Suggestion,
			})
		case workflow.StateFailed:
			if res.Duplicate {
				return nil, newAPIError(http.StatusConflict, "DuplicateFaultId", res.Message, map[string]any{
					"field":      "fault_id",
					"suggestion": res.Suggestion,
				})
			}
			return nil, newAPIError(http.StatusServiceUnavailable, "store_unavailable", res.Message, map[string]any{
				"suggestion": res.Suggestion,
			})
		}
		return &struct {
			Body SubmitFaultResponse `json:"body"`
		}{Body: submitResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-faults",
		Method:      http.MethodGet,
		Path:        "/faults",
		Summary:     "Recent faults, newest first",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Equipment string `query:"equipment"`
		Severity  string `query:"severity"`
		Status    string `query:"status"`
		Since     string `query:"since" doc:"RFC3339 lower bound on the fault time"`
		Limit     int    `query:"limit" default:"50"`
		Cursor    string `query:"cursor"`
	}) (*struct {
		Body paginatedFaults `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		filter := store.FaultFilter{
			EquipmentKey:  input.Equipment,
			SeverityLevel: input.Severity,
			FaultStatus:   input.Status,
			Limit:         normalizeLimit(input.Limit),
			Cursor:        input.Cursor,
		}
		if input.Since != "" {
			since, err := time.Parse(time.RFC3339, input.Since)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid since", map[string]any{"since": input.Since})
			}
			filter.Since = &since
		}
		items, next, err := h.app.Store.ListFaults(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedFaults `json:"body"`
		}{Body: paginatedFaults{Items: nonNilSlice(items), NextCursor: next}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fault-trend",
		Method:      http.MethodGet,
		Path:        "/faults/trend",
		Summary:     "Fault counts per day and severity",
		Errors:      []int{http.StatusUnauthorized, http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		Days int `query:"days" default:"14" minimum:"1" maximum:"366"`
	}) (*struct {
		Body TrendResponse `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		days := input.Days
		if days <= 0 {
			days = 14
		}
		since := trendStart(time.Now(), days)
		counts, err := h.app.Store.DailyCounts(ctx, since)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrendResponse `json:"body"`
		}{Body: TrendResponse{Since: since.Format(time.RFC3339), Items: nonNilSlice(counts)}}, nil
	})
}

// trendStart is midnight UTC days-1 days ago, so the window includes today.
func trendStart(now time.Time, days int) time.Time {
	y, m, d := now.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC).AddDate(0, 0, -(days - 1))
}

func (h handlers) registerEvents(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, PermRead); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := h.app.Store.LatestEvents(ctx, store.EventFilter{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			Cursor:     cursorID,
			Limit:      limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
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
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		perms := input.Body.Permissions
		if len(perms) == 0 {
			perms = []string{PermSubmit, PermRead}
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, perms)
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
	return nil
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
