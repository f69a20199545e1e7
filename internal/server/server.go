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

	"reliefline/internal/domain"
	"reliefline/internal/engine"
	"reliefline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"already_claimed"`
	Message string         `json:"message" example:"request already claimed"`
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

// New returns an HTTP handler exposing the Reliefline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
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
	hcfg := huma.DefaultConfig("Reliefline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSignup(group, cfg.Engine)
	registerLogin(group, cfg.Engine, cfg.Auth)
	registerMe(group, cfg.Engine)
	registerRequests(group, cfg.Engine)
	registerSuggestions(group, cfg.Engine)
	registerMap(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

// handleError maps engine and repo errors to the wire envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": ve.Field, "reason": ve.Reason})
	}
	var iae engine.InvalidActorError
	if errors.As(err, &iae) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), nil)
	}
	var ite engine.InvalidTransitionError
	if errors.As(err, &ite) {
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": ite.From, "to": ite.To})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyClaimed):
		return newAPIError(http.StatusConflict, "already_claimed", err.Error(), nil)
	case errors.Is(err, engine.ErrLocationRequired):
		return newAPIError(http.StatusUnprocessableEntity, "location_required", err.Error(), nil)
	case errors.Is(err, engine.ErrTimeout):
		return newAPIError(http.StatusGatewayTimeout, "store_timeout", err.Error(), nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
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
	open := map[string]bool{
		path.Join(basePath, "health"): true,
		path.Join(basePath, "actors"): true,
		path.Join(basePath, "login"):  true,
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
    <title>Reliefline API Docs</title>
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

func registerSignup(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "signup",
		Method:        http.MethodPost,
		Path:          "/actors",
		Summary:       "Register an actor",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SignupRequest `json:"body"`
	}) (*struct {
		Body SignupResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actor, err := e.RegisterActor(ctx, engine.RegisterActorOptions{
			Name:     input.Body.Name,
			Role:     input.Body.Role,
			Phone:    input.Body.Phone,
			Location: input.Body.Location,
			Skills:   input.Body.Skills,
		})
		if err != nil {
			return nil, handleError(err)
		}
		key, err := newAPIKey()
		if err != nil {
			return nil, handleError(err)
		}
		keyID := uuid.New().String()
		if err := e.Repo.InsertAPIKey(ctx, domain.APIKey{
			ID:      keyID,
			ActorID: actor.ID,
			Name:    "signup",
			KeyHash: repo.HashAPIKey(key),
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SignupResponse `json:"body"`
		}{Body: SignupResponse{Actor: actorResponse(actor), APIKey: key, APIKeyID: keyID}}, nil
	})
}

func registerLogin(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/login",
		Summary:     "Mint a JWT for a registered actor",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest `json:"body"`
	}) (*struct {
		Body LoginResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID := strings.TrimSpace(input.Body.ActorID)
		if actorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		actor, err := e.GetActor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		token, err := signToken(authCfg.JWTSecret, actor.ID, 24*time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body LoginResponse `json:"body"`
		}{Body: LoginResponse{Token: token}}, nil
	})
}

func registerMe(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current actor profile",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := e.GetActor(ctx, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-me",
		Method:      http.MethodPatch,
		Path:        "/me",
		Summary:     "Update current actor profile",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Body UpdateProfileRequest `json:"body"`
	}) (*struct {
		Body ActorResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		actor, err := e.UpdateProfile(ctx, engine.ProfileUpdateOptions{
			ActorID:  actorID,
			Name:     input.Body.Name,
			Phone:    input.Body.Phone,
			Location: input.Body.Location,
			Skills:   input.Body.Skills,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActorResponse `json:"body"`
		}{Body: actorResponse(actor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "revoke-key",
		Method:        http.MethodDelete,
		Path:          "/me/keys/{id}",
		Summary:       "Revoke one of the current actor's API keys",
		DefaultStatus: http.StatusNoContent,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerRequests(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Create help request",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateHelpRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.CreateRequest(ctx, engine.CreateRequestOptions{
			VictimID:    actorID,
			Type:        input.Body.Type,
			Description: input.Body.Description,
			Urgency:     input.Body.Urgency,
			Location:    input.Body.Location,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List requests",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Type          string  `query:"type"`
		Urgency       string  `query:"urgency"`
		Status        string  `query:"status"`
		MaxDistanceKm float64 `query:"max_distance_km" minimum:"0"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.ListRequests(ctx, actorID, engine.ListFilters{
			Type:          input.Type,
			Urgency:       input.Urgency,
			Status:        input.Status,
			MaxDistanceKm: maxDistanceFilter(input.MaxDistanceKm),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{id}",
		Summary:     "Get request",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.GetRequest(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-request",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/claim",
		Summary:     "Claim a pending request",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusGatewayTimeout,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		req, err := e.Claim(ctx, input.ID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-request-status",
		Method:      http.MethodPost,
		Path:        "/requests/{id}/status",
		Summary:     "Transition request status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body SetStatusRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if input.Body.Status == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "status is required", nil)
		}
		req, err := e.SetStatus(ctx, input.ID, actorID, input.Body.Status)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(req)}, nil
	})
}

func registerSuggestions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "suggestions",
		Method:      http.MethodGet,
		Path:        "/suggestions",
		Summary:     "Ranked requests for the current volunteer",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Type          string  `query:"type"`
		Urgency       string  `query:"urgency"`
		MaxDistanceKm float64 `query:"max_distance_km" minimum:"0"`
		Limit         int     `query:"limit"`
	}) (*struct {
		Body []SuggestionResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.Suggest(ctx, actorID, engine.SuggestFilters{
			Type:          input.Type,
			Urgency:       input.Urgency,
			MaxDistanceKm: maxDistanceFilter(input.MaxDistanceKm),
		})
		if err != nil {
			return nil, handleError(err)
		}
		limit := input.Limit
		if limit <= 0 && e.Config != nil {
			limit = e.Config.Suggest.DefaultLimit
		}
		if limit > 0 && len(items) > limit {
			items = items[:limit]
		}
		return &struct {
			Body []SuggestionResponse `json:"body"`
		}{Body: mapSuggestions(items)}, nil
	})
}

func registerMap(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "map-data",
		Method:      http.MethodGet,
		Path:        "/map",
		Summary:     "Pending requests for map rendering",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *struct {
		Type          string  `query:"type"`
		Urgency       string  `query:"urgency"`
		MaxDistanceKm float64 `query:"max_distance_km" minimum:"0"`
	}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items, err := e.MapData(ctx, actorID, engine.ListFilters{
			Type:          input.Type,
			Urgency:       input.Urgency,
			MaxDistanceKm: maxDistanceFilter(input.MaxDistanceKm),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: mapRequests(items)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Latest audit events",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, input *struct {
		Limit      int    `query:"limit" default:"50"`
		EntityKind string `query:"entity_kind"`
		EntityID   string `query:"entity_id"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		limit := input.Limit
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}
		evts, err := e.ListEvents(ctx, limit, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(evts))
		for _, evt := range evts {
			out = append(out, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

// maxDistanceFilter treats an absent or zero query value as "no ceiling".
func maxDistanceFilter(km float64) *float64 {
	if km <= 0 {
		return nil
	}
	return &km
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
