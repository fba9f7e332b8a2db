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
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/zxc5118690/Sales-Copilot/internal/domain"
	"github.com/zxc5118690/Sales-Copilot/internal/engine"
	"github.com/zxc5118690/Sales-Copilot/internal/engine/auth"
	"github.com/zxc5118690/Sales-Copilot/internal/observability"
	"github.com/zxc5118690/Sales-Copilot/internal/repo"
	"github.com/zxc5118690/Sales-Copilot/internal/resilience"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// GenerationConcurrency caps in-flight pain and outreach generations.
	GenerationConcurrency int
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state_transition"`
	Message string         `json:"message" example:"invalid outreach_draft transition APPROVED -> REJECTED (id 4)"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"from\":\"APPROVED\"}"`
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

// New returns an HTTP handler exposing the Sales Copilot API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/api/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := cfg.logger()
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors are 400 bad_request.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(observability.ZapLoggerMiddleware(log))
	router.Use(observability.TracingMiddleware)
	router.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			bodyBytes, _ := io.ReadAll(r.Body)
			r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
			ctx := context.WithValue(r.Context(), requestKey{}, r)
			ctx = context.WithValue(ctx, bodyBytesKey{}, bodyBytes)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	})
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	if cfg.Engine.Metrics != nil {
		router.Handle("/metrics", promhttp.HandlerFor(cfg.Engine.Metrics.Registry, promhttp.HandlerOpts{}))
	}
	hcfg := huma.DefaultConfig("Sales Copilot API", "0.3.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	concurrency := cfg.GenerationConcurrency
	if concurrency <= 0 {
		concurrency = resilience.DefaultConfig().MaxConcurrency
	}
	generation := resilience.NewBulkhead(concurrency)

	registerDocs(router, basePath)
	registerHealth(group)
	registerMe(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
	registerEvents(group, cfg.Engine)
	registerAccounts(group, cfg.Engine)
	registerContacts(group, cfg.Engine)
	registerSignals(group, cfg.Engine)
	registerInteractions(group, cfg.Engine)
	registerBant(group, cfg.Engine)
	registerPains(group, cfg.Engine, generation)
	registerOutreach(group, cfg.Engine, generation)
	registerPipeline(group, cfg.Engine)
	registerReports(group, cfg.Engine)
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
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"permission": fe.Permission})
	}
	var nf domain.NotFoundError
	if errors.As(err, &nf) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), map[string]any{"kind": nf.Kind, "id": nf.ID})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var ve domain.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var ist domain.InvalidStateTransitionError
	if errors.As(err, &ist) {
		return newAPIError(http.StatusConflict, "invalid_state_transition", err.Error(), map[string]any{
			"kind": ist.Kind, "id": ist.ID, "from": ist.From, "to": ist.To,
		})
	}
	var sw domain.StaleWriteError
	if errors.As(err, &sw) {
		return newAPIError(http.StatusConflict, "stale_write", err.Error(), map[string]any{"kind": sw.Kind, "id": sw.ID})
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return newAPIError(http.StatusGatewayTimeout, "timeout", err.Error(), nil)
	}
	if errors.Is(err, context.Canceled) {
		return newAPIError(499, "canceled", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func hasPermission(perms []string, perm string) bool {
	for _, p := range perms {
		if p == perm {
			return true
		}
	}
	return false
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
    <title>Sales Copilot API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.ui = SwaggerUIBundle({url: %q, dom_id: "#swagger-ui"});
    </script>
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
		perms := auth.New(e.Config).Permissions(principal.Roles)
		for _, p := range principal.Permissions {
			if !hasPermission(perms, p) {
				perms = append(perms, p)
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			ActorID:     principal.ActorID,
			Roles:       nonNilSlice(principal.Roles),
			Permissions: nonNilSlice(perms),
			Source:      principal.Source,
		}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/api-keys",
		Summary:     "List API keys without their secrets",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermAPIKeyManage); err != nil {
			return nil, handleError(err)
		}
		keys, err := e.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: nonNilSlice(keys)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-api-key",
		Method:      http.MethodDelete,
		Path:        "/api-keys/{id}",
		Summary:     "Revoke an API key; revoking a missing key succeeds",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermAPIKeyManage)
		if err != nil {
			return nil, handleError(err)
		}
		missing, err := e.RevokeAPIKey(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: !missing, AlreadyMissing: missing}}, nil
	})
}

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
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
		svc := auth.New(e.Config)
		for _, r := range input.Body.Roles {
			if !svc.KnownRole(r) {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+r, map[string]any{"role": r})
			}
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		AccountID  int64  `query:"account_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
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
		items, err := e.ListEvents(ctx, repo.EventFilters{
			AccountID:  input.AccountID,
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
			resp.NextCursor = strconv.FormatInt(items[limit-1].ID, 10)
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

func eventResponse(evt domain.Event) EventResponse {
	var payload any = map[string]any{}
	if evt.Payload != "" {
		if err := json.Unmarshal([]byte(evt.Payload), &payload); err != nil {
			payload = evt.Payload
		}
	}
	return EventResponse{
		ID:         evt.ID,
		TS:         evt.TS,
		Type:       evt.Type,
		AccountID:  evt.AccountID,
		EntityKind: evt.EntityKind,
		EntityID:   evt.EntityID,
		ActorID:    evt.ActorID,
		Payload:    payload,
	}
}

type idPath struct {
	ID int64 `path:"id"`
}

func registerAccounts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-account",
		Method:        http.MethodPost,
		Path:          "/accounts",
		Summary:       "Create account",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAccountRequest `json:"body"`
	}) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermAccountWrite)
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.CreateAccount(ctx, engine.AccountInput{
			CompanyName:  input.Body.CompanyName,
			Segment:      input.Body.Segment,
			Region:       input.Body.Region,
			Website:      input.Body.Website,
			Source:       input.Body.Source,
			PriorityTier: input.Body.PriorityTier,
			ActorID:      p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-accounts",
		Method:      http.MethodGet,
		Path:        "/accounts",
		Summary:     "List accounts",
	}, func(ctx context.Context, input *struct {
		Segment      string `query:"segment"`
		PriorityTier string `query:"priority_tier"`
		Limit        int    `query:"limit" default:"100"`
	}) (*struct {
		Body []domain.Account `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListAccounts(ctx, repo.AccountFilters{
			Segment:      domain.Normalize(input.Segment),
			PriorityTier: domain.Normalize(input.PriorityTier),
			Limit:        normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Account `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-account",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}",
		Summary:     "Get account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.Account `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		a, err := e.GetAccount(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Account `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-account",
		Method:      http.MethodDelete,
		Path:        "/accounts/{id}",
		Summary:     "Delete account and everything it owns",
		Errors:      []int{http.StatusNotFound, http.StatusForbidden},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermAccountWrite)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.DeleteAccount(ctx, input.ID, p.ActorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: true}}, nil
	})
}

func registerContacts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contact",
		Method:        http.MethodPost,
		Path:          "/contacts",
		Summary:       "Create contact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateContactRequest `json:"body"`
	}) (*struct {
		Body domain.Contact `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermAccountWrite)
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.CreateContact(ctx, engine.ContactInput{
			AccountID:           input.Body.AccountID,
			FullName:            input.Body.FullName,
			RoleTitle:           input.Body.RoleTitle,
			Email:               input.Body.Email,
			LinkedIn:            input.Body.LinkedIn,
			ContactabilityScore: input.Body.ContactabilityScore,
			ActorID:             p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Contact `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-contacts",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/contacts",
		Summary:     "List contacts of an account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body []domain.Contact `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListContacts(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Contact `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerSignals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "add-signal",
		Method:        http.MethodPost,
		Path:          "/signals",
		Summary:       "Add a market signal; duplicates by evidence URL return the stored signal",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body CreateSignalRequest `json:"body"`
	}) (*struct {
		Body SignalResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermSignalWrite)
		if err != nil {
			return nil, handleError(err)
		}
		s, inserted, err := e.AddSignal(ctx, engine.SignalInput{
			AccountID:      input.Body.AccountID,
			SignalType:     input.Body.SignalType,
			SignalStrength: input.Body.SignalStrength,
			EventDate:      input.Body.EventDate,
			Summary:        input.Body.Summary,
			SourceName:     input.Body.SourceName,
			EvidenceURL:    input.Body.EvidenceURL,
			SearchProvider: "MANUAL",
			ActorID:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignalResponse `json:"body"`
		}{Body: SignalResponse{Signal: s, Inserted: inserted}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-signals",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/signals",
		Summary:     "List signals of an account, strongest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Signal `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListSignals(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Signal `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-signal",
		Method:      http.MethodDelete,
		Path:        "/signals/{id}",
		Summary:     "Delete a signal; deleting a missing signal succeeds",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermSignalWrite)
		if err != nil {
			return nil, handleError(err)
		}
		missing, err := e.DeleteSignal(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: !missing, AlreadyMissing: missing}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "scan-signals",
		Method:      http.MethodPost,
		Path:        "/accounts/{id}/signals/scan",
		Summary:     "Search the web for new signals and ingest them",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		ID   int64              `path:"id"`
		Body ScanSignalsRequest `json:"body" required:"false"`
	}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermSignalWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.ScanSignals(ctx, input.ID, input.Body.LookbackDays, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: scanResponse(res)}, nil
	})
}

func registerInteractions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "record-interaction",
		Method:      http.MethodPost,
		Path:        "/interactions",
		Summary:     "Record an interaction and advance the pipeline",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body RecordInteractionRequest `json:"body"`
	}) (*struct {
		Body engine.InteractionResult `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermInteractionWrite)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := e.RecordInteraction(ctx, engine.InteractionInput{
			ContactID:      input.Body.ContactID,
			Channel:        input.Body.Channel,
			Direction:      input.Body.Direction,
			ContentSummary: input.Body.ContentSummary,
			Sentiment:      input.Body.Sentiment,
			RawRef:         input.Body.RawRef,
			OccurredAt:     input.Body.OccurredAt,
			IdempotencyKey: input.Body.IdempotencyKey,
			ActorID:        p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.InteractionResult `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-interactions",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/interactions",
		Summary:     "List interactions of an account, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.Interaction `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListInteractions(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Interaction `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

func registerBant(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "score-bant",
		Method:      http.MethodPost,
		Path:        "/bant/score",
		Summary:     "Score an account with BANT",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ScoreBantRequest `json:"body"`
	}) (*struct {
		Body domain.BANTScore `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermBantScore)
		if err != nil {
			return nil, handleError(err)
		}
		score, err := e.ScoreBant(ctx, input.Body.AccountID, input.Body.LookbackDays, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BANTScore `json:"body"`
		}{Body: score}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-bant-score",
		Method:      http.MethodGet,
		Path:        "/bant/{id}",
		Summary:     "Get one stored BANT score",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *idPath) (*struct {
		Body domain.BANTScore `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		score, err := e.GetBantScore(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.BANTScore `json:"body"`
		}{Body: score}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-bant-scores",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/bant",
		Summary:     "BANT score history, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"20"`
	}) (*struct {
		Body []domain.BANTScore `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListBantScores(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BANTScore `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})
}

// withSlot runs fn inside the generation bulkhead.
func withSlot(ctx context.Context, b *resilience.Bulkhead, fn func() error) error {
	if err := b.Acquire(ctx); err != nil {
		return err
	}
	defer b.Release()
	return fn()
}

func registerPains(api huma.API, e engine.Engine, generation *resilience.Bulkhead) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-pain-profiles",
		Method:      http.MethodPost,
		Path:        "/pain-profiles/generate",
		Summary:     "Generate pain profiles from selected evidence",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		Body GeneratePainRequest `json:"body"`
	}) (*struct {
		Body []domain.PainProfile `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermPainWrite)
		if err != nil {
			return nil, handleError(err)
		}
		ids, notes := selectionIDs(input.Body.Selected)
		var profiles []domain.PainProfile
		err = withSlot(ctx, generation, func() error {
			var genErr error
			profiles, genErr = e.GeneratePainProfiles(ctx, engine.PainGenerateOptions{
				AccountID:      input.Body.AccountID,
				SignalIDs:      ids,
				Annotations:    notes,
				PersonaTargets: input.Body.PersonaTargets,
				MaxItems:       input.Body.MaxItems,
				ActorID:        p.ActorID,
			})
			return genErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PainProfile `json:"body"`
		}{Body: nonNilSlice(profiles)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pain-profiles",
		Method:      http.MethodGet,
		Path:        "/accounts/{id}/pain-profiles",
		Summary:     "List pain profiles, most confident first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.PainProfile `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPainProfiles(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.PainProfile `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-pain-profile",
		Method:      http.MethodPatch,
		Path:        "/pain-profiles/{id}",
		Summary:     "Edit pain profile prose or confidence",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   int64             `path:"id"`
		Body UpdatePainRequest `json:"body"`
	}) (*struct {
		Body domain.PainProfile `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermPainWrite)
		if err != nil {
			return nil, handleError(err)
		}
		updated, err := e.UpdatePainProfile(ctx, engine.PainUpdate{
			ID:              input.ID,
			Persona:         input.Body.Persona,
			PainStatement:   input.Body.PainStatement,
			BusinessImpact:  input.Body.BusinessImpact,
			TechnicalAnchor: input.Body.TechnicalAnchor,
			Confidence:      input.Body.Confidence,
			ActorID:         p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PainProfile `json:"body"`
		}{Body: updated}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-pain-profile",
		Method:      http.MethodDelete,
		Path:        "/pain-profiles/{id}",
		Summary:     "Delete a pain profile; deleting a missing profile succeeds",
	}, func(ctx context.Context, input *idPath) (*struct {
		Body DeleteResponse `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermPainWrite)
		if err != nil {
			return nil, handleError(err)
		}
		missing, err := e.DeletePainProfile(ctx, input.ID, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DeleteResponse `json:"body"`
		}{Body: DeleteResponse{Deleted: !missing, AlreadyMissing: missing}}, nil
	})
}

func registerOutreach(api huma.API, e engine.Engine, generation *resilience.Bulkhead) {
	huma.Register(api, huma.Operation{
		OperationID: "generate-outreach",
		Method:      http.MethodPost,
		Path:        "/outreach/generate",
		Summary:     "Draft an outreach message for a contact",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusGatewayTimeout},
	}, func(ctx context.Context, input *struct {
		Body GenerateOutreachRequest `json:"body"`
	}) (*struct {
		Body domain.OutreachDraft `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermOutreachWrite)
		if err != nil {
			return nil, handleError(err)
		}
		var draft domain.OutreachDraft
		err = withSlot(ctx, generation, func() error {
			var genErr error
			draft, genErr = e.GenerateOutreach(ctx, engine.OutreachInput{
				ContactID: input.Body.ContactID,
				Channel:   input.Body.Channel,
				Intent:    input.Body.Intent,
				Tone:      input.Body.Tone,
				ActorID:   p.ActorID,
			})
			return genErr
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutreachDraft `json:"body"`
		}{Body: draft}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-outreach",
		Method:      http.MethodGet,
		Path:        "/contacts/{id}/outreach",
		Summary:     "List outreach drafts of a contact, newest first",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID    int64 `path:"id"`
		Limit int   `query:"limit" default:"50"`
	}) (*struct {
		Body []domain.OutreachDraft `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListOutreach(ctx, input.ID, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.OutreachDraft `json:"body"`
		}{Body: nonNilSlice(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-outreach-status",
		Method:      http.MethodPatch,
		Path:        "/outreach/{id}/status",
		Summary:     "Approve or reject a draft",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   int64                 `path:"id"`
		Body OutreachStatusRequest `json:"body"`
	}) (*struct {
		Body domain.OutreachDraft `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermOutreachReview)
		if err != nil {
			return nil, handleError(err)
		}
		draft, err := e.SetOutreachStatus(ctx, input.ID, input.Body.Status, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OutreachDraft `json:"body"`
		}{Body: draft}, nil
	})
}

func registerPipeline(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "pipeline-board",
		Method:      http.MethodGet,
		Path:        "/pipeline/board",
		Summary:     "Pipeline board grouped by stage",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.BoardColumn `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		cols, err := e.PipelineBoard(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.BoardColumn `json:"body"`
		}{Body: cols}, nil
	})

	type accountPath struct {
		AccountID int64 `path:"account_id"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline-item",
		Method:      http.MethodGet,
		Path:        "/pipeline/{account_id}",
		Summary:     "Pipeline item of an account",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *accountPath) (*struct {
		Body domain.PipelineItem `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		item, err := e.GetPipelineItem(ctx, input.AccountID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PipelineItem `json:"body"`
		}{Body: item}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-pipeline-stage",
		Method:      http.MethodPut,
		Path:        "/pipeline/{account_id}/stage",
		Summary:     "Manually override stage, due date, owner or blocker",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		AccountID int64           `path:"account_id"`
		Body      SetStageRequest `json:"body"`
	}) (*struct {
		Body domain.PipelineItem `json:"body"`
	}, error) {
		p, err := requirePermission(ctx, e, auth.PermPipelineOverride)
		if err != nil {
			return nil, handleError(err)
		}
		item, err := e.SetPipelineStage(ctx, engine.StageOverride{
			AccountID: input.AccountID,
			Stage:     input.Body.Stage,
			DueDate:   input.Body.DueDate,
			Owner:     input.Body.Owner,
			Blocker:   input.Body.Blocker,
			ActorID:   p.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.PipelineItem `json:"body"`
		}{Body: item}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "weekly-report",
		Method:      http.MethodGet,
		Path:        "/reports/weekly",
		Summary:     "Activity over the last 7 days",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body domain.WeeklyReport `json:"body"`
	}, error) {
		if _, err := requirePermission(ctx, e, auth.PermRead); err != nil {
			return nil, handleError(err)
		}
		report, err := e.WeeklyReport(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.WeeklyReport `json:"body"`
		}{Body: report}, nil
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

// logger is shared by Serve and the webhook dispatcher.
func (c Config) logger() *zap.Logger {
	if c.Engine.Log != nil {
		return c.Engine.Log
	}
	return c.Auth.logger()
}

// Serve runs the API on addr with webhook delivery until ctx ends, then shuts down gracefully.
func Serve(ctx context.Context, addr string, cfg Config) error {
	handler, err := New(cfg)
	if err != nil {
		return err
	}
	log := cfg.logger()
	srv := &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	if d := newWebhookDispatcher(cfg.Engine, log); d != nil {
		go d.run(ctx)
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info("api listening", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	log.Info("api shutting down")
	return srv.Shutdown(shutdownCtx)
}
