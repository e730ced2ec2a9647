package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"github.com/BenPearsey/vaportal-sub001/internal/config"
	"github.com/BenPearsey/vaportal-sub001/internal/docstore"
	"github.com/BenPearsey/vaportal-sub001/internal/domain"
	"github.com/BenPearsey/vaportal-sub001/internal/engine"
	"github.com/BenPearsey/vaportal-sub001/internal/engine/auth"
	"github.com/BenPearsey/vaportal-sub001/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"not_eligible"`
	Message string         `json:"message" example:"sale not eligible for a checklist"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the checklist API.
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
			// request schema failures are plain bad requests
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
	hcfg := huma.DefaultConfig("Salesline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerSales(group, cfg.Engine)
	registerChecklist(group, cfg.Engine)
	registerItems(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"reason": fe.Reason})
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		var details map[string]any
		if ve.Field != "" {
			details = map[string]any{"field": ve.Field}
		}
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), details)
	}
	var de engine.DependencyError
	if errors.As(err, &de) {
		return newAPIError(http.StatusUnprocessableEntity, "dependencies_pending", err.Error(), map[string]any{"task": de.TaskKey, "pending": de.Pending})
	}
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrNotEligible):
		return newAPIError(http.StatusUnprocessableEntity, "not_eligible", err.Error(), nil)
	case errors.Is(err, engine.ErrConflict):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
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

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		doc  []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			doc, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(doc)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
	security := []map[string][]string{{"bearerAuth": {}}}
	oas.Security = security
	healthPath := path.Join("/", basePath, "health")
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Patch,
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
    <title>Salesline API Docs</title>
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
      Authenticate with Authorization: Bearer &lt;token&gt;.
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

var commonErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusInternalServerError,
}

func registerSales(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-sale",
		Method:      http.MethodPut,
		Path:        "/sales/{sale_id}",
		Summary:     "Mirror a CRM sale",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SaleID string            `path:"sale_id"`
		Body   UpsertSaleRequest `json:"body"`
	}) (*struct {
		Body domain.Sale `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sale, err := e.SyncSale(ctx, caller, domain.Sale{
			ID:       input.SaleID,
			Product:  input.Body.Product,
			Status:   input.Body.Status,
			AgentID:  input.Body.AgentID,
			ClientID: input.Body.ClientID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Sale `json:"body"`
		}{Body: sale}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "upsert-user",
		Method:      http.MethodPut,
		Path:        "/users/{user_id}",
		Summary:     "Mirror a user",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		UserID string            `path:"user_id"`
		Body   UpsertUserRequest `json:"body"`
	}) (*struct {
		Body domain.User `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.SyncUser(ctx, caller, domain.User{
			ID:    input.UserID,
			Kind:  domain.Role(input.Body.Kind),
			Name:  input.Body.Name,
			Email: input.Body.Email,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.User `json:"body"`
		}{Body: u}, nil
	})
}

type salePath struct {
	SaleID string `path:"sale_id"`
}

func registerChecklist(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "ensure-checklist",
		Method:      http.MethodPost,
		Path:        "/sales/{sale_id}/checklist",
		Summary:     "Create the sale's checklist if it does not exist",
		Errors:      append([]int{http.StatusUnprocessableEntity}, commonErrors...),
	}, func(ctx context.Context, input *salePath) (*struct {
		Body EnsureResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Ensure(ctx, caller, input.SaleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EnsureResponse `json:"body"`
		}{Body: ensureResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-checklist",
		Method:      http.MethodGet,
		Path:        "/sales/{sale_id}/checklist",
		Summary:     "Checklist summary for the caller's role",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *salePath) (*struct {
		Body engine.Summary `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		sum, err := e.Summary(ctx, caller, input.SaleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.Summary `json:"body"`
		}{Body: sum}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "recalc-checklist",
		Method:      http.MethodPost,
		Path:        "/sales/{sale_id}/checklist/recalc",
		Summary:     "Recompute progress",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *salePath) (*struct {
		Body RecalcResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Recalc(ctx, caller, input.SaleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecalcResponse `json:"body"`
		}{Body: RecalcResponse{Checklist: res.Checklist, Before: res.Before, After: res.After, Signals: signalTypes(res.Signals)}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-checklist",
		Method:      http.MethodPost,
		Path:        "/sales/{sale_id}/checklist/archive",
		Summary:     "Archive the checklist",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *salePath) (*struct {
		Body domain.Checklist `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		cl, err := e.Archive(ctx, caller, input.SaleID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Checklist `json:"body"`
		}{Body: cl}, nil
	})
}

// uploadEnvelopeBytes covers file names and JSON framing around the
// base64 payloads.
const uploadEnvelopeBytes = 64 << 10

// uploadBodyLimit sizes the request cap so that any upload within the
// configured file limits reaches the engine, which reports the precise
// violation. Files are base64 encoded on the wire.
func uploadBodyLimit(cfg *config.Config) int64 {
	if cfg == nil {
		cfg = config.Default()
	}
	files := int64(cfg.Uploads.MaxFiles)
	if files <= 0 {
		files = 1
	}
	perFile := cfg.Uploads.MaxBytes
	if perFile <= 0 {
		perFile = config.Default().Uploads.MaxBytes
	}
	// One extra file's worth lets a single oversized file through to
	// validation instead of being cut off by the transport.
	encoded := (files+1)*perFile/3*4 + (files+1)*8
	return encoded + uploadEnvelopeBytes
}

func registerItems(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "update-item-state",
		Method:      http.MethodPatch,
		Path:        "/sales/{sale_id}/checklist/items/{item_id}/state",
		Summary:     "Set an item's state",
		Errors:      append([]int{http.StatusUnprocessableEntity}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		SaleID string             `path:"sale_id"`
		ItemID string             `path:"item_id"`
		Body   UpdateStateRequest `json:"body"`
	}) (*struct {
		Body MutationResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.UpdateState(ctx, caller, engine.UpdateStateInput{
			SaleID: input.SaleID,
			ItemID: input.ItemID,
			State:  input.Body.State,
			Note:   input.Body.Note,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MutationResponse `json:"body"`
		}{Body: mutationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "upload-item-files",
		Method:        http.MethodPost,
		Path:          "/sales/{sale_id}/checklist/items/{item_id}/uploads",
		Summary:       "Upload evidence for an item",
		DefaultStatus: http.StatusCreated,
		MaxBodyBytes:  uploadBodyLimit(e.Config),
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		SaleID string        `path:"sale_id"`
		ItemID string        `path:"item_id"`
		Body   UploadRequest `json:"body"`
	}) (*struct {
		Body MutationResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		files := make([]docstore.File, 0, len(input.Body.Files))
		for _, f := range input.Body.Files {
			files = append(files, docstore.File{Name: f.Name, ContentType: f.ContentType, Data: f.Data})
		}
		res, err := e.Upload(ctx, caller, engine.UploadInput{SaleID: input.SaleID, ItemID: input.ItemID, Files: files})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MutationResponse `json:"body"`
		}{Body: mutationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "review-link",
		Method:      http.MethodPost,
		Path:        "/sales/{sale_id}/checklist/items/{item_id}/links/{link_id}/review",
		Summary:     "Approve or reject an uploaded document",
		Errors:      append([]int{http.StatusConflict}, commonErrors...),
	}, func(ctx context.Context, input *struct {
		SaleID string        `path:"sale_id"`
		ItemID string        `path:"item_id"`
		LinkID string        `path:"link_id"`
		Body   ReviewRequest `json:"body"`
	}) (*struct {
		Body MutationResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Review(ctx, caller, engine.ReviewInput{
			SaleID:          input.SaleID,
			ItemID:          input.ItemID,
			LinkID:          input.LinkID,
			Decision:        input.Body.Decision,
			Note:            input.Body.Note,
			ExpectedVersion: input.Body.ExpectedVersion,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MutationResponse `json:"body"`
		}{Body: mutationResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-repeatable",
		Method:        http.MethodPost,
		Path:          "/sales/{sale_id}/checklist/stages/{stage_id}/repeatables",
		Summary:       "Add a repeat group bundle to a stage",
		DefaultStatus: http.StatusCreated,
		Errors:        commonErrors,
	}, func(ctx context.Context, input *struct {
		SaleID  string               `path:"sale_id"`
		StageID string               `path:"stage_id"`
		Body    AddRepeatableRequest `json:"body"`
	}) (*struct {
		Body MutationResponse `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.AddRepeatable(ctx, caller, engine.AddRepeatableInput{
			SaleID:  input.SaleID,
			StageID: input.StageID,
			Group:   input.Body.Group,
			Label:   input.Body.Label,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body MutationResponse `json:"body"`
		}{Body: mutationResponse(res)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-checklist-events",
		Method:      http.MethodGet,
		Path:        "/sales/{sale_id}/checklist/events",
		Summary:     "Audit log of the sale's checklist, newest first",
		Errors:      commonErrors,
	}, func(ctx context.Context, input *struct {
		SaleID     string `path:"sale_id"`
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"checklist,item,link"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		caller, authErr := callerFromContext(ctx)
		if authErr != nil {
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
		items, err := e.Events(ctx, caller, input.SaleID, limit+1, cursorID, repo.EventFilters{
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
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

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
