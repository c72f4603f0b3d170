package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"roadready/internal/domain"
	"roadready/internal/engine"
	"roadready/internal/flow"
	"roadready/internal/repo"
	"roadready/internal/session"
)

const resumeTokenHeader = "X-Resume-Token"

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
	// DevAuth exposes POST /auth/dev/login, which mints admin tokens for anyone.
	DevAuth bool
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"expired"`
	Message string         `json:"message" example:"session rejected: expired"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

type requestKey struct{}
type bodyBytesKey struct{}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the RoadReady API.
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
	title := "RoadReady API"
	if cfg.Engine.Config != nil && cfg.Engine.Config.Portal.Name != "" {
		title = cfg.Engine.Config.Portal.Name + " API"
	}
	hcfg := huma.DefaultConfig(title, "1.0.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerFlow(group)
	registerApplicants(group, cfg.Engine)
	registerAdminApplicants(group, cfg.Engine)
	registerAdminEvents(group, cfg.Engine)
	if cfg.DevAuth {
		registerDevAuth(group, cfg.Engine, cfg.Auth)
	}
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
	if reason, ok := session.ReasonOf(err); ok {
		return newAPIError(http.StatusUnauthorized, string(reason), err.Error(), nil)
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrWrongOwner):
		return newAPIError(http.StatusForbidden, "wrong_owner", err.Error(), nil)
	case errors.Is(err, engine.ErrStageNotReached):
		return newAPIError(http.StatusConflict, "stage_not_reached", err.Error(), nil)
	case errors.Is(err, engine.ErrStageCompleted):
		return newAPIError(http.StatusConflict, "stage_completed", err.Error(), nil)
	case errors.Is(err, engine.ErrApplicantClosed):
		return newAPIError(http.StatusConflict, "applicant_closed", err.Error(), nil)
	case errors.Is(err, flow.ErrStageNotInFlow):
		return newAPIError(http.StatusUnprocessableEntity, "stage_not_in_flow", err.Error(), nil)
	case errors.Is(err, engine.ErrNameRequired):
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	default:
		slog.Default().Error("request failed", "err", err)
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
	if oas == nil || oas.Paths == nil || oas.Components == nil || oas.Components.Schemas == nil {
		return
	}
	errSchema := oas.Components.Schemas.Schema(reflect.TypeOf(apiError{}), true, "ApiError")
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
					"application/json": {Schema: errSchema},
				},
			}
		}
	}
}

// applyAuthSecurity marks admin operations as requiring credentials and
// documents the resume token on applicant operations.
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
	oas.Components.SecuritySchemes["resumeToken"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: resumeTokenHeader,
	}
	admin := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	applicant := []map[string][]string{{"resumeToken": {}}}
	adminPrefix := path.Join(basePath, "admin") + "/"
	applicantPrefix := path.Join(basePath, "applicants") + "/"
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			switch {
			case strings.HasPrefix(route, adminPrefix):
				op.Security = admin
			case strings.HasPrefix(route, applicantPrefix):
				op.Security = applicant
			default:
				op.Security = []map[string][]string{}
			}
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
    <title>RoadReady API Docs</title>
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
      Admin routes take Authorization: Bearer &lt;token&gt; or X-Api-Key. Applicant routes take X-Resume-Token or the session cookie.
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

func registerFlow(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "get-flow",
		Method:      http.MethodGet,
		Path:        "/flow",
		Summary:     "Onboarding stages for the given eligibility",
	}, func(ctx context.Context, input *struct {
		Flatbed bool `query:"flatbed"`
	}) (*struct {
		Body FlowResponse `json:"body"`
	}, error) {
		return &struct {
			Body FlowResponse `json:"body"`
		}{Body: flowResponse(input.Flatbed)}, nil
	})
}

type applicantPath struct {
	ID string `path:"id"`
}

func registerApplicants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-application",
		Method:        http.MethodPost,
		Path:          "/applicants",
		Summary:       "Start an application and open a resumable session",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body StartApplicationRequest `json:"body"`
	}) (*struct {
		SetCookie http.Cookie              `header:"Set-Cookie"`
		Body      StartApplicationResponse `json:"body"`
	}, error) {
		st, err := e.StartApplication(ctx, engine.StartOptions{
			Name:         input.Body.Name,
			Email:        input.Body.Email,
			CargoType:    input.Body.CargoType,
			NeedsFlatbed: input.Body.NeedsFlatbed,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			SetCookie http.Cookie              `header:"Set-Cookie"`
			Body      StartApplicationResponse `json:"body"`
		}{
			SetCookie: sessionCookie(e, st.Session),
			Body: StartApplicationResponse{
				Applicant: applicantResponse(st.Applicant),
				Session:   sessionResponse(st.Session),
			},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resume-application",
		Method:      http.MethodPost,
		Path:        "/applicants/{id}/resume",
		Summary:     "Resume an application and slide its session",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *applicantPath) (*struct {
		SetCookie http.Cookie    `header:"Set-Cookie"`
		Body      ResumeResponse `json:"body"`
	}, error) {
		res, err := e.Resume(ctx, input.ID, resumeToken(ctx, e))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			SetCookie http.Cookie    `header:"Set-Cookie"`
			Body      ResumeResponse `json:"body"`
		}{
			SetCookie: sessionCookie(e, res.Session),
			Body: ResumeResponse{
				Applicant: applicantResponse(res.Applicant),
				Session:   sessionResponse(res.Session),
				Stages:    stageResponses(flow.Describe(res.Applicant.FlowRecord())),
			},
		}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-progress",
		Method:      http.MethodGet,
		Path:        "/applicants/{id}/progress",
		Summary:     "Stage-by-stage progress for the signed-in applicant",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusInternalServerError},
	}, func(ctx context.Context, input *applicantPath) (*struct {
		SetCookie http.Cookie      `header:"Set-Cookie"`
		Body      ProgressResponse `json:"body"`
	}, error) {
		res, err := e.Resume(ctx, input.ID, resumeToken(ctx, e))
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.Progress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			SetCookie http.Cookie      `header:"Set-Cookie"`
			Body      ProgressResponse `json:"body"`
		}{SetCookie: sessionCookie(e, res.Session), Body: progressResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-stage",
		Method:      http.MethodPost,
		Path:        "/applicants/{id}/stages/{stage}/submit",
		Summary:     "Complete an applicant-owned stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		ID    string `path:"id"`
		Stage string `path:"stage"`
	}) (*struct {
		SetCookie http.Cookie       `header:"Set-Cookie"`
		Body      ApplicantResponse `json:"body"`
	}, error) {
		stage, err := flow.ParseStage(input.Stage)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "unknown_stage", err.Error(), map[string]any{"stage": input.Stage})
		}
		res, err := e.Resume(ctx, input.ID, resumeToken(ctx, e))
		if err != nil {
			return nil, handleError(err)
		}
		a, err := e.SubmitStage(ctx, input.ID, stage, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		cookie := sessionCookie(e, res.Session)
		if a.Status.Completed {
			cookie = clearedCookie(e)
		}
		return &struct {
			SetCookie http.Cookie       `header:"Set-Cookie"`
			Body      ApplicantResponse `json:"body"`
		}{SetCookie: cookie, Body: applicantResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/applicants/{id}/logout",
		Summary:     "End the applicant's sessions",
		Errors:      []int{http.StatusUnauthorized, http.StatusInternalServerError},
	}, func(ctx context.Context, input *applicantPath) (*struct {
		SetCookie http.Cookie `header:"Set-Cookie"`
	}, error) {
		if _, err := e.Resume(ctx, input.ID, resumeToken(ctx, e)); err != nil {
			return nil, handleError(err)
		}
		if err := e.Logout(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			SetCookie http.Cookie `header:"Set-Cookie"`
		}{SetCookie: clearedCookie(e)}, nil
	})
}

func registerAdminApplicants(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-applicants",
		Method:      http.MethodGet,
		Path:        "/admin/applicants",
		Summary:     "List applicants",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		Completed  string `query:"completed"`
		Terminated string `query:"terminated"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedApplicants `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		limit := normalizeLimit(input.Limit)
		filters := repo.ApplicantFilters{Limit: limit + 1}
		var err error
		if filters.Completed, err = parseOptionalBool("completed", input.Completed); err != nil {
			return nil, err
		}
		if filters.Terminated, err = parseOptionalBool("terminated", input.Terminated); err != nil {
			return nil, err
		}
		if filters.CursorCreatedAt, filters.CursorID, err = parseCompositeCursor(input.Cursor); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		items, err := e.ListApplicants(ctx, filters)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedApplicants{Items: []ApplicantResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(repo.CursorFor(items[limit-1]))
			items = items[:limit]
		}
		for _, a := range items {
			resp.Items = append(resp.Items, applicantResponse(a))
		}
		return &struct {
			Body paginatedApplicants `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-get-applicant",
		Method:      http.MethodGet,
		Path:        "/admin/applicants/{id}",
		Summary:     "Applicant progress and stage results",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *applicantPath) (*struct {
		Body ProgressResponse `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
		}
		p, err := e.Progress(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProgressResponse `json:"body"`
		}{Body: progressResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-set-eligibility",
		Method:      http.MethodPatch,
		Path:        "/admin/applicants/{id}/eligibility",
		Summary:     "Change whether the applicant needs flatbed training",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body EligibilityRequest `json:"body"`
	}) (*struct {
		Body ApplicantResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.SetEligibility(ctx, input.ID, input.Body.NeedsFlatbed, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicantResponse `json:"body"`
		}{Body: applicantResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-record-result",
		Method:      http.MethodPost,
		Path:        "/admin/applicants/{id}/results/{stage}",
		Summary:     "Record the outcome of an administrator-owned stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ID    string              `path:"id"`
		Stage string              `path:"stage"`
		Body  RecordResultRequest `json:"body"`
	}) (*struct {
		Body RecordResultResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stage, err := flow.ParseStage(input.Stage)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "unknown_stage", err.Error(), map[string]any{"stage": input.Stage})
		}
		res, a, err := e.RecordResult(ctx, engine.ResultOptions{
			ApplicantID: input.ID,
			Stage:       stage,
			Passed:      input.Body.Passed,
			Notes:       input.Body.Notes,
			ActorID:     principal.ActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecordResultResponse `json:"body"`
		}{Body: RecordResultResponse{Result: stageResultResponse(res), Applicant: applicantResponse(a)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-terminate-applicant",
		Method:      http.MethodPost,
		Path:        "/admin/applicants/{id}/terminate",
		Summary:     "Terminate an application",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID   string           `path:"id"`
		Body TerminateRequest `json:"body"`
	}) (*struct {
		Body ApplicantResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.Terminate(ctx, input.ID, input.Body.Reason, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApplicantResponse `json:"body"`
		}{Body: applicantResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "admin-revoke-sessions",
		Method:      http.MethodPost,
		Path:        "/admin/applicants/{id}/sessions/revoke",
		Summary:     "Revoke all of an applicant's sessions",
		Errors:      []int{http.StatusUnauthorized, http.StatusNotFound},
	}, func(ctx context.Context, input *applicantPath) (*struct {
		Body RevokeResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		n, err := e.RevokeSessions(ctx, input.ID, principal.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RevokeResponse `json:"body"`
		}{Body: RevokeResponse{Revoked: n}}, nil
	})
}

func registerAdminEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "admin-list-events",
		Method:      http.MethodGet,
		Path:        "/admin/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest, http.StatusUnauthorized},
	}, func(ctx context.Context, input *struct {
		ApplicantID string `query:"applicant_id"`
		Type        string `query:"type"`
		Limit       int    `query:"limit" default:"50"`
		Cursor      string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, authErr := principalFromRequest(ctx); authErr != nil {
			return nil, authErr
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
		items, err := e.Repo.LatestEvents(ctx, limit+1, cursorID, input.ApplicantID, input.Type)
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

func registerDevAuth(api huma.API, e engine.Engine, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint an admin JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
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
		now := e.Now
		if now == nil {
			now = time.Now
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, input.Body.Roles, now())
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

func requestFromContext(ctx context.Context) *http.Request {
	r, _ := ctx.Value(requestKey{}).(*http.Request)
	return r
}

// resumeToken reads the applicant's token from the header, falling back to the session cookie.
func resumeToken(ctx context.Context, e engine.Engine) string {
	r := requestFromContext(ctx)
	if r == nil {
		return ""
	}
	if tok := strings.TrimSpace(r.Header.Get(resumeTokenHeader)); tok != "" {
		return tok
	}
	if c, err := r.Cookie(cookieName(e)); err == nil {
		return c.Value
	}
	return ""
}

func cookieName(e engine.Engine) string {
	if e.Config == nil {
		return "rr_session"
	}
	return e.Config.CookieName()
}

func sessionCookie(e engine.Engine, s domain.Session) http.Cookie {
	return http.Cookie{
		Name:     cookieName(e),
		Value:    s.Token,
		Path:     "/",
		Expires:  s.ExpiresAt,
		HttpOnly: true,
		Secure:   e.Config != nil && e.Config.Sessions.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func clearedCookie(e engine.Engine) http.Cookie {
	return http.Cookie{
		Name:     cookieName(e),
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   e.Config != nil && e.Config.Sessions.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}

func parseOptionalBool(name, raw string) (*bool, error) {
	if raw == "" {
		return nil, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid "+name, map[string]any{name: raw})
	}
	return &v, nil
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

func composeCursor(ts, id string) string {
	if ts == "" || id == "" {
		return ""
	}
	return ts + "|" + id
}
