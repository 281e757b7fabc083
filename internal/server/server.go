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

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"cycleline/internal/domain"
	"cycleline/internal/engine"
	"cycleline/internal/engine/auth"
	"cycleline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"duplicate_active_assignment"`
	Message string         `json:"message" example:"active rule_approval assignment already exists for scope"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"existing_id\":\"a1\"}"`
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

// New returns an HTTP handler exposing the Cycleline API. ctx bounds the
// lifetime of the background notification dispatcher.
func New(ctx context.Context, cfg Config) (http.Handler, error) {
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
	hcfg := huma.DefaultConfig("Cycleline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCycles(group, cfg.Engine)
	registerReports(group, cfg.Engine)
	registerPhases(group, cfg.Engine)
	registerActivities(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerApprovals(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerMe(group, cfg.Engine)
	registerDevAuth(group, cfg.Engine, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	if ctx == nil {
		ctx = context.Background()
	}
	startNotifier(ctx, cfg.Engine)

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
	var dup *domain.DuplicateActiveAssignmentError
	if errors.As(err, &dup) {
		return newAPIError(http.StatusConflict, "duplicate_active_assignment", err.Error(), map[string]any{
			"existing_id":     dup.ExistingID,
			"assignment_type": dup.AssignmentType,
		})
	}
	var stale *domain.StaleStateError
	if errors.As(err, &stale) {
		return newAPIError(http.StatusConflict, "stale_state", err.Error(), map[string]any{
			"expected": stale.Expected,
			"actual":   stale.Actual,
		})
	}
	var it *domain.InvalidTransitionError
	if errors.As(err, &it) {
		return newAPIError(http.StatusUnprocessableEntity, "invalid_transition", err.Error(), map[string]any{
			"from": it.From,
			"to":   it.To,
		})
	}
	var nr *domain.PhaseNotReadyError
	if errors.As(err, &nr) {
		return newAPIError(http.StatusUnprocessableEntity, "phase_not_ready", err.Error(), map[string]any{
			"missing_activities": nonNilSlice(nr.MissingActivities),
			"missing_approvals":  nonNilSlice(nr.MissingApprovals),
		})
	}
	var na *domain.NotAssignedToUserError
	if errors.As(err, &na) {
		return newAPIError(http.StatusForbidden, "not_assigned", err.Error(), map[string]any{
			"assignment_id": na.AssignmentID,
		})
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"role": fe.Role})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") ||
		strings.Contains(lowered, "missing") ||
		strings.Contains(lowered, "required") ||
		strings.Contains(lowered, "unknown"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "not in catalog") || strings.Contains(lowered, "not an approval type"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	case strings.Contains(lowered, "nothing to resubmit"):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", msg, nil)
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
    <title>Cycleline API Docs</title>
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

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "Create cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateCycleRequest `json:"body"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.InitCycle(ctx, input.Body.ID, stringOrEmpty(input.Body.Name), userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List cycles",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CycleResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCycles(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CycleResponse, 0, len(items))
		for _, c := range items {
			res = append(res, cycleResponse(c))
		}
		return &struct {
			Body []CycleResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}",
		Summary:     "Get cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		c, err := e.Repo.GetCycle(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle-config",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/config",
		Summary:     "Get cycle workflow config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body CycleConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetCycleConfig(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerReports(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-report",
		Method:        http.MethodPost,
		Path:          "/cycles/{cycle_id}/reports",
		Summary:       "Enroll report in cycle",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID string              `path:"cycle_id"`
		Body    CreateReportRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rep, err := e.CreateReport(ctx, engine.ReportCreateOptions{
			ID:       stringOrEmpty(input.Body.ID),
			CycleID:  input.CycleID,
			Name:     input.Body.Name,
			LOB:      stringOrEmpty(input.Body.LOB),
			TesterID: stringOrEmpty(input.Body.TesterID),
			OwnerID:  stringOrEmpty(input.Body.OwnerID),
			ActorID:  userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-reports",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports",
		Summary:     "List reports",
	}, func(ctx context.Context, input *struct {
		CycleID string `path:"cycle_id"`
	}) (*struct {
		Body []ReportResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListReports(ctx, input.CycleID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ReportResponse, 0, len(items))
		for _, rep := range items {
			res = append(res, reportResponse(rep))
		}
		return &struct {
			Body []ReportResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-report",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}",
		Summary:     "Get report",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CycleID  string `path:"cycle_id"`
		ReportID string `path:"report_id"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		rep, err := e.Repo.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		if rep.CycleID != input.CycleID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "report not found in cycle", nil)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-report-staffing",
		Method:      http.MethodPatch,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/staffing",
		Summary:     "Update report tester/owner staffing",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		CycleID  string                `path:"cycle_id"`
		ReportID string                `path:"report_id"`
		Body     UpdateStaffingRequest `json:"body"`
	}) (*struct {
		Body ReportResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if _, authErr := userIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		rep, err := e.Repo.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		if rep.CycleID != input.CycleID {
			return nil, newAPIError(http.StatusNotFound, "not_found", "report not found in cycle", nil)
		}
		if err := e.Repo.UpdateReportStaffing(ctx, input.ReportID, input.Body.TesterID, input.Body.OwnerID); err != nil {
			return nil, handleError(err)
		}
		rep, err = e.Repo.GetReport(ctx, input.ReportID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReportResponse `json:"body"`
		}{Body: reportResponse(rep)}, nil
	})
}

type phasePath struct {
	CycleID   string `path:"cycle_id"`
	ReportID  string `path:"report_id"`
	PhaseName string `path:"phase_name"`
}

func registerPhases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "phase-status",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase_name}/status",
		Summary:     "Derived phase status",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body PhaseStatusResponse `json:"body"`
	}, error) {
		res, err := e.PhaseStatus(ctx, input.CycleID, input.ReportID, input.PhaseName)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseStatusResponse `json:"body"`
		}{Body: phaseStatusResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "start-phase",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase_name}/start",
		Summary:     "Start phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.StartPhase(ctx, engine.PhaseActionOptions{
			CycleID:   input.CycleID,
			ReportID:  input.ReportID,
			PhaseName: input.PhaseName,
			ActorID:   userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-phase",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase_name}/complete",
		Summary:     "Complete phase",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body PhaseResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.CompletePhase(ctx, engine.PhaseActionOptions{
			CycleID:   input.CycleID,
			ReportID:  input.ReportID,
			PhaseName: input.PhaseName,
			ActorID:   userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PhaseResponse `json:"body"`
		}{Body: phaseResponse(p)}, nil
	})
}

type activityPath struct {
	CycleID      string `path:"cycle_id"`
	ReportID     string `path:"report_id"`
	PhaseName    string `path:"phase_name"`
	ActivityName string `path:"activity_name"`
}

func (p activityPath) options(userID string) engine.ActivityOptions {
	return engine.ActivityOptions{
		CycleID:      p.CycleID,
		ReportID:     p.ReportID,
		PhaseName:    p.PhaseName,
		ActivityName: p.ActivityName,
		ActorID:      userID,
	}
}

func registerActivities(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-activities",
		Method:      http.MethodGet,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase_name}/activities",
		Summary:     "List phase activities",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
		},
	}, func(ctx context.Context, input *phasePath) (*struct {
		Body []ActivityResponse `json:"body"`
	}, error) {
		if _, err := e.EnsurePhase(ctx, input.CycleID, input.ReportID, input.PhaseName); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListActivities(ctx, input.CycleID, input.ReportID, input.PhaseName)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]ActivityResponse, 0, len(items))
		for _, a := range items {
			res = append(res, activityResponse(a))
		}
		return &struct {
			Body []ActivityResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transition-activity",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase_name}/activities/{activity_name}/transition",
		Summary:     "Transition activity state",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		activityPath
		Body TransitionActivityRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Target == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "target is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.TransitionActivity(ctx, input.options(userID), input.Body.Target)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reset-activity",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase_name}/activities/{activity_name}/reset",
		Summary:     "Reset activity to pending (admin)",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *activityPath) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.ResetActivity(ctx, input.options(userID))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-activity-from-job",
		Method:      http.MethodPost,
		Path:        "/cycles/{cycle_id}/reports/{report_id}/phases/{phase_name}/activities/{activity_name}/job-complete",
		Summary:     "Complete activity from an external job signal",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		activityPath
		Body JobCompleteRequest `json:"body"`
	}) (*struct {
		Body ActivityResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.JobID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "job_id is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CompleteActivityFromJob(ctx, input.options(userID), input.Body.JobID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ActivityResponse `json:"body"`
		}{Body: activityResponse(a)}, nil
	})
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/assignments",
		Summary:       "Create assignment",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AssignmentType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assignment_type is required", nil)
		}
		if input.Body.Title == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "title is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		contextJSON, err := encodeJSONMap(input.Body.Context)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid context", map[string]any{"error": err.Error()})
		}
		a, err := e.CreateAssignment(ctx, engine.AssignmentCreateOptions{
			ID:             stringOrEmpty(input.Body.ID),
			AssignmentType: input.Body.AssignmentType,
			CycleID:        cycleFromBodyOrHeader(ctx, input.Body.CycleID, e),
			ReportID:       stringOrEmpty(input.Body.ReportID),
			PhaseName:      stringOrEmpty(input.Body.PhaseName),
			ToUser:         stringOrEmpty(input.Body.ToUser),
			ToRole:         stringOrEmpty(input.Body.ToRole),
			Title:          input.Body.Title,
			Description:    stringOrEmpty(input.Body.Description),
			ContextJSON:    contextJSON,
			Priority:       stringOrEmpty(input.Body.Priority),
			DueDate:        stringOrEmpty(input.Body.DueDate),
			ActorID:        userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(e, a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/assignments",
		Summary:     "List assignments",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CycleID        string `query:"cycle_id"`
		ReportID       string `query:"report_id"`
		PhaseName      string `query:"phase_name"`
		AssignmentType string `query:"assignment_type"`
		Status         string `query:"status"`
		ToUser         string `query:"to_user"`
		ToRole         string `query:"to_role"`
		Limit          int    `query:"limit" default:"50"`
		Cursor         string `query:"cursor"`
	}) (*struct {
		Body paginatedAssignments `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		cursorCreated, cursorID, err := parseCompositeCursor(input.Cursor)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
		}
		filter := repo.AssignmentFilters{
			CycleID:         input.CycleID,
			ReportID:        input.ReportID,
			PhaseName:       input.PhaseName,
			AssignmentType:  input.AssignmentType,
			Status:          input.Status,
			ToUser:          input.ToUser,
			ToRole:          input.ToRole,
			Limit:           limit + 1,
			CursorCreatedAt: cursorCreated,
			CursorID:        cursorID,
		}
		items, err := e.Repo.ListAssignments(ctx, filter)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedAssignments{Items: []AssignmentResponse{}}
		if len(items) > limit {
			resp.NextCursor = composeCursor(items[limit].CreatedAt, items[limit].ID)
			items = items[:limit]
		}
		for _, a := range items {
			resp.Items = append(resp.Items, assignmentResponse(e, a))
		}
		return &struct {
			Body paginatedAssignments `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-assignment",
		Method:      http.MethodGet,
		Path:        "/assignments/{id}",
		Summary:     "Get assignment",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		a, err := e.Repo.GetAssignment(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(e, a)}, nil
	})

	type lifecycleAction struct {
		id      string
		method  string
		name    string
		summary string
		run     func(context.Context, engine.AssignmentActionOptions) (domain.Assignment, error)
	}
	actions := []lifecycleAction{
		{"acknowledge-assignment", http.MethodPost, "acknowledge", "Acknowledge assignment", e.AcknowledgeAssignment},
		{"start-assignment", http.MethodPost, "start", "Start assignment", e.StartAssignment},
		{"complete-assignment", http.MethodPost, "complete", "Complete assignment", e.CompleteAssignment},
		// PUT is an accepted alias for complete.
		{"complete-assignment-put", http.MethodPut, "complete", "Complete assignment", e.CompleteAssignment},
		{"cancel-assignment", http.MethodPost, "cancel", "Cancel assignment", e.CancelAssignment},
		{"escalate-assignment", http.MethodPost, "escalate", "Escalate assignment", e.EscalateAssignment},
	}
	for _, action := range actions {
		run := action.run
		huma.Register(api, huma.Operation{
			OperationID: action.id,
			Method:      action.method,
			Path:        "/assignments/{id}/" + action.name,
			Summary:     action.summary,
			Errors: []int{
				http.StatusBadRequest,
				http.StatusForbidden,
				http.StatusNotFound,
				http.StatusConflict,
				http.StatusUnprocessableEntity,
				http.StatusInternalServerError,
			},
		}, func(ctx context.Context, input *struct {
			ID   string                  `path:"id"`
			Body AssignmentActionRequest `json:"body"`
		}) (*struct {
			Body AssignmentResponse `json:"body"`
		}, error) {
			userID, authErr := userIDFromContext(ctx)
			if authErr != nil {
				return nil, authErr
			}
			updates, err := encodeJSONMap(input.Body.ContextUpdates)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid context_updates", map[string]any{"error": err.Error()})
			}
			notes := input.Body.Notes
			if notes == nil {
				notes = input.Body.CompletionNotes
			}
			a, err := run(ctx, engine.AssignmentActionOptions{
				ID:              input.ID,
				ActorID:         userID,
				ExpectedVersion: input.Body.ExpectedVersion,
				Notes:           stringOrEmpty(notes),
				ContextUpdates:  updates,
			})
			if err != nil {
				return nil, handleError(err)
			}
			return &struct {
				Body AssignmentResponse `json:"body"`
			}{Body: assignmentResponse(e, a)}, nil
		})
	}
}

func registerApprovals(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-approval",
		Method:        http.MethodPost,
		Path:          "/approvals/submit",
		Summary:       "Submit items for approval",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body SubmitApprovalRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.AssignmentType == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "assignment_type is required", nil)
		}
		if len(input.Body.Items) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "items are required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		items := make([]engine.ApprovalItemInput, 0, len(input.Body.Items))
		for _, it := range input.Body.Items {
			items = append(items, engine.ApprovalItemInput{
				Key:         it.Key,
				Description: stringOrEmpty(it.Description),
			})
		}
		ap, err := e.SubmitForApproval(ctx, engine.SubmitForApprovalOptions{
			AssignmentType: input.Body.AssignmentType,
			CycleID:        cycleFromBodyOrHeader(ctx, input.Body.CycleID, e),
			ReportID:       stringOrEmpty(input.Body.ReportID),
			PhaseName:      stringOrEmpty(input.Body.PhaseName),
			ToUser:         stringOrEmpty(input.Body.ToUser),
			ToRole:         stringOrEmpty(input.Body.ToRole),
			Title:          stringOrEmpty(input.Body.Title),
			Description:    stringOrEmpty(input.Body.Description),
			Items:          items,
			ActorID:        userID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(e, ap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{assignment_id}",
		Summary:     "Get approval state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AssignmentID string `path:"assignment_id"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		ap, err := e.GetApproval(ctx, input.AssignmentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(e, ap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval-item",
		Method:      http.MethodPost,
		Path:        "/approvals/{assignment_id}/items/{item_id}/decide",
		Summary:     "Decide one approval item",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AssignmentID string        `path:"assignment_id"`
		ItemID       string        `path:"item_id"`
		Body         DecideRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Decision == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decision is required", nil)
		}
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ap, err := e.Decide(ctx, engine.DecideOptions{
			AssignmentID:    input.AssignmentID,
			ItemID:          input.ItemID,
			Decision:        input.Body.Decision,
			Comments:        stringOrEmpty(input.Body.Comments),
			ActorID:         userID,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(e, ap)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "resubmit-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{assignment_id}/resubmit",
		Summary:     "Resubmit after needs-revision decisions",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		AssignmentID string          `path:"assignment_id"`
		Body         ResubmitRequest `json:"body"`
	}) (*struct {
		Body ApprovalResponse `json:"body"`
	}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		ap, err := e.Resubmit(ctx, engine.ResubmitOptions{
			AssignmentID: input.AssignmentID,
			ActorID:      userID,
			Comments:     stringOrEmpty(input.Body.Comments),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalResponse `json:"body"`
		}{Body: approvalResponse(e, ap)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		CycleID    string `query:"cycle_id"`
		ReportID   string `query:"report_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"cycle,report,phase,activity,assignment,approval_item,user"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, input.CycleID, input.ReportID, input.Type, input.EntityKind, input.EntityID)
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

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "grant-role",
		Method:      http.MethodPost,
		Path:        "/roles/grant",
		Summary:     "Grant workflow role (admin)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.GrantRole(ctx, input.Body.UserID, input.Body.Role, userID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "revoke-role",
		Method:      http.MethodPost,
		Path:        "/roles/revoke",
		Summary:     "Revoke workflow role (admin)",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body RoleChangeRequest `json:"body"`
	}) (*struct{}, error) {
		userID, authErr := userIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.RevokeRole(ctx, input.Body.UserID, input.Body.Role, userID); err != nil {
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
		Errors: []int{
			http.StatusUnauthorized,
		},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		roles := principal.Roles
		if len(roles) == 0 {
			if granted, err := e.Repo.UserRoles(ctx, principal.UserID); err == nil {
				roles = granted
			}
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{
			UserID: principal.UserID,
			Roles:  nonNilSlice(roles),
			Source: principal.Source,
		}}, nil
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
		user := strings.TrimSpace(input.Body.UserID)
		if user == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "user_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, user, input.Body.Roles)
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

// cycleFromBodyOrHeader picks the cycle scope: explicit body value first, then
// the X-Cycle-Id header, then the configured default cycle.
func cycleFromBodyOrHeader(ctx context.Context, bodyCycle *string, e engine.Engine) string {
	if bodyCycle != nil && *bodyCycle != "" {
		return *bodyCycle
	}
	if req, ok := ctx.Value(requestKey{}).(*http.Request); ok && req != nil {
		if v := strings.TrimSpace(req.Header.Get("X-Cycle-Id")); v != "" {
			return v
		}
	}
	if e.Config != nil {
		return e.Config.Cycle.ID
	}
	return ""
}
