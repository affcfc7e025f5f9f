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

	"tempoline/internal/config"
	"tempoline/internal/domain"
	"tempoline/internal/engine"
	"tempoline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"tracker_overlap"`
	Message string         `json:"message" example:"tracker overlaps tracker t-1"`
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

// New returns an HTTP handler exposing the Tempoline API.
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
	hcfg := huma.DefaultConfig("Tempoline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerOrgs(group, cfg.Engine)
	registerProducts(group, cfg.Engine)
	registerValueChains(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAssignments(group, cfg.Engine)
	registerTrackers(group, cfg.Engine)
	registerRecalc(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerCollaborators(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerMe(group)
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
	var verr engine.ValidationError
	if errors.As(err, &verr) {
		return newAPIError(http.StatusUnprocessableEntity, verr.Kind, verr.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
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

var writeErrors = []int{
	http.StatusBadRequest,
	http.StatusUnauthorized,
	http.StatusNotFound,
	http.StatusUnprocessableEntity,
	http.StatusInternalServerError,
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
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Tempoline API Docs</title>
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

func registerOrgs(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-org",
		Method:        http.MethodPost,
		Path:          "/orgs",
		Summary:       "Create org",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateOrgRequest `json:"body"`
	}) (*struct {
		Body OrgResponse `json:"body"`
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
		o, err := e.InitOrg(ctx, input.Body.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgResponse `json:"body"`
		}{Body: orgResponse(o)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orgs",
		Method:      http.MethodGet,
		Path:        "/orgs",
		Summary:     "List orgs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OrgResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListOrgs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]OrgResponse, 0, len(items))
		for _, o := range items {
			res = append(res, orgResponse(o))
		}
		return &struct {
			Body []OrgResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-org-config",
		Method:      http.MethodGet,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Get org config",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		OrgID string `path:"org_id"`
	}) (*struct {
		Body OrgConfigResponse `json:"body"`
	}, error) {
		cfg, err := e.Repo.GetOrgConfig(ctx, input.OrgID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-org-config",
		Method:      http.MethodPut,
		Path:        "/orgs/{org_id}/config",
		Summary:     "Import org config",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		OrgID string                 `path:"org_id"`
		Body  ImportOrgConfigRequest `json:"body"`
	}) (*struct {
		Body OrgConfigResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		cfg, err := e.Repo.GetOrgConfig(ctx, input.OrgID)
		if err != nil {
			if !errors.Is(err, repo.ErrNotFound) {
				return nil, handleError(err)
			}
			cfg = config.Default(input.OrgID)
		}
		if input.Body.Name != "" {
			cfg.Org.Name = input.Body.Name
		}
		if input.Body.MaxDuration != "" {
			d, err := time.ParseDuration(input.Body.MaxDuration)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid max_duration: "+err.Error(), nil)
			}
			cfg.Trackers.MaxDuration = d
		}
		if input.Body.BatchSize > 0 {
			cfg.Recalc.BatchSize = input.Body.BatchSize
		}
		if err := cfg.Validate(); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if err := e.Repo.UpsertOrgConfig(ctx, input.OrgID, cfg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body OrgConfigResponse `json:"body"`
		}{Body: configResponse(cfg)}, nil
	})
}

func registerProducts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-product",
		Method:        http.MethodPost,
		Path:          "/products",
		Summary:       "Create product or sub-product",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateProductRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ProductCreateOptions{Name: input.Body.Name, ActorID: actorID}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		if input.Body.ParentID != nil {
			opts.ParentID = *input.Body.ParentID
		}
		p, err := e.CreateProduct(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-products",
		Method:      http.MethodGet,
		Path:        "/products",
		Summary:     "List products",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []ProductResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListProducts(ctx, e.Config.Org.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ProductResponse `json:"body"`
		}{Body: mapProducts(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-product",
		Method:      http.MethodGet,
		Path:        "/products/{id}",
		Summary:     "Get product",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetProduct(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "rename-product",
		Method:      http.MethodPatch,
		Path:        "/products/{id}",
		Summary:     "Rename product",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body RenameProductRequest `json:"body"`
	}) (*struct {
		Body ProductResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		p, err := e.RenameProduct(ctx, input.ID, input.Body.Name, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ProductResponse `json:"body"`
		}{Body: productResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-product",
		Method:      http.MethodDelete,
		Path:        "/products/{id}",
		Summary:     "Delete product and everything under it",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteProduct(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerValueChains(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-value-chain",
		Method:        http.MethodPost,
		Path:          "/products/{product_id}/chains",
		Summary:       "Create value chain",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ProductID string                  `path:"product_id"`
		Body      CreateValueChainRequest `json:"body"`
	}) (*struct {
		Body ValueChainResponse `json:"body"`
	}, error) {
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.ValueChainCreateOptions{ProductID: input.ProductID, Name: input.Body.Name, ActorID: actorID}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		v, err := e.CreateValueChain(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValueChainResponse `json:"body"`
		}{Body: chainResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-value-chains",
		Method:      http.MethodGet,
		Path:        "/products/{product_id}/chains",
		Summary:     "List value chains of a product",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ProductID string `path:"product_id"`
	}) (*struct {
		Body []ValueChainResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetProduct(ctx, input.ProductID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListValueChainsTx(ctx, nil, input.ProductID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []ValueChainResponse `json:"body"`
		}{Body: mapChains(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-value-chain",
		Method:      http.MethodGet,
		Path:        "/chains/{id}",
		Summary:     "Get value chain",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body ValueChainResponse `json:"body"`
	}, error) {
		v, err := e.Repo.GetValueChain(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValueChainResponse `json:"body"`
		}{Body: chainResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "move-value-chain",
		Method:      http.MethodPost,
		Path:        "/chains/{id}/move",
		Summary:     "Move value chain to another product",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                `path:"id"`
		Body MoveValueChainRequest `json:"body"`
	}) (*struct {
		Body ValueChainResponse `json:"body"`
	}, error) {
		if input.Body.ProductID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "product_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.MoveValueChain(ctx, input.ID, input.Body.ProductID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ValueChainResponse `json:"body"`
		}{Body: chainResponse(v)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-value-chain",
		Method:      http.MethodDelete,
		Path:        "/chains/{id}",
		Summary:     "Delete value chain",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteValueChain(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/chains/{chain_id}/tasks",
		Summary:       "Create task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		ChainID string            `path:"chain_id"`
		Body    CreateTaskRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if len(bodyBytes(ctx)) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body required", nil)
		}
		if input.Body.Name == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TaskCreateOptions{
			ValueChainID:   input.ChainID,
			Name:           input.Body.Name,
			Deadline:       input.Body.Deadline,
			PredecessorIDs: input.Body.PredecessorIDs,
			SuccessorIDs:   input.Body.SuccessorIDs,
			AvailableDate:  input.Body.AvailableDate,
			StartDate:      input.Body.StartDate,
			EndDate:        input.Body.EndDate,
			ActorID:        actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
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
		Path:        "/chains/{chain_id}/tasks",
		Summary:     "List tasks of a value chain",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ChainID string `path:"chain_id"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetValueChain(ctx, input.ChainID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTasksByChainTx(ctx, nil, input.ChainID)
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
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string            `path:"id"`
		Body UpdateTaskRequest `json:"body"`
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
		t, err := e.UpdateTask(ctx, engine.TaskUpdateOptions{
			ID:                 input.ID,
			Name:               input.Body.Name,
			Deadline:           input.Body.Deadline,
			ClearDeadline:      input.Body.ClearDeadline,
			AddPredecessors:    input.Body.AddPredecessors,
			RemovePredecessors: input.Body.RemovePredecessors,
			AddSuccessors:      input.Body.AddSuccessors,
			RemoveSuccessors:   input.Body.RemoveSuccessors,
			AvailableDate:      input.Body.AvailableDate,
			StartDate:          input.Body.StartDate,
			EndDate:            input.Body.EndDate,
			ClearEndDate:       input.Body.ClearEndDate,
			ActorID:            actorID,
		})
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
		Summary:     "Delete task, splicing its dependencies",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
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
}

func registerAssignments(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-assignment",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/assignments",
		Summary:       "Assign a collaborator to a task",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		TaskID string                  `path:"task_id"`
		Body   CreateAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		if input.Body.CollaboratorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "collaborator_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.AssignmentCreateOptions{
			TaskID:           input.TaskID,
			CollaboratorID:   input.Body.CollaboratorID,
			CollaboratorName: input.Body.CollaboratorName,
			ActorID:          actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		a, err := e.CreateAssignment(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-assignments",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/assignments",
		Summary:     "List assignments of a task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body []AssignmentResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListAssignmentsByTaskTx(ctx, nil, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []AssignmentResponse `json:"body"`
		}{Body: mapAssignments(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "close-assignment",
		Method:      http.MethodPost,
		Path:        "/assignments/{id}/close",
		Summary:     "Close an assignment",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string                 `path:"id"`
		Body CloseAssignmentRequest `json:"body"`
	}) (*struct {
		Body AssignmentResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		a, err := e.CloseAssignment(ctx, input.ID, input.Body.End, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AssignmentResponse `json:"body"`
		}{Body: assignmentResponse(a)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-assignment",
		Method:      http.MethodDelete,
		Path:        "/assignments/{id}",
		Summary:     "Delete an assignment and its trackers",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteAssignment(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}

func registerTrackers(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "start-tracker",
		Method:        http.MethodPost,
		Path:          "/trackers",
		Summary:       "Record or start a work interval",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body StartTrackerRequest `json:"body"`
	}) (*struct {
		Body TrackerResponse `json:"body"`
	}, error) {
		if input.Body.CollaboratorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "collaborator_id is required", nil)
		}
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		opts := engine.TrackerStartOptions{
			AssignmentID:   input.Body.AssignmentID,
			CollaboratorID: input.Body.CollaboratorID,
			Reason:         input.Body.Reason,
			Start:          input.Body.Start,
			End:            input.Body.End,
			ActorID:        actorID,
		}
		if input.Body.ID != nil {
			opts.ID = *input.Body.ID
		}
		t, err := e.StartTracker(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrackerResponse `json:"body"`
		}{Body: trackerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "stop-tracker",
		Method:      http.MethodPost,
		Path:        "/trackers/{id}/stop",
		Summary:     "Stop a running tracker",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string             `path:"id"`
		Body StopTrackerRequest `json:"body"`
	}) (*struct {
		Body TrackerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.StopTracker(ctx, input.ID, input.Body.End, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrackerResponse `json:"body"`
		}{Body: trackerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-tracker",
		Method:      http.MethodPatch,
		Path:        "/trackers/{id}",
		Summary:     "Adjust a recorded interval",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID   string               `path:"id"`
		Body UpdateTrackerRequest `json:"body"`
	}) (*struct {
		Body TrackerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.UpdateTracker(ctx, engine.TrackerUpdateOptions{
			ID:      input.ID,
			Start:   input.Body.Start,
			End:     input.Body.End,
			Reason:  input.Body.Reason,
			ActorID: actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TrackerResponse `json:"body"`
		}{Body: trackerResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-tracker",
		Method:      http.MethodDelete,
		Path:        "/trackers/{id}",
		Summary:     "Delete a tracker",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct{}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.DeleteTracker(ctx, input.ID, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-collaborator-trackers",
		Method:      http.MethodGet,
		Path:        "/collaborators/{id}/trackers",
		Summary:     "List trackers of a collaborator",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body []TrackerResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetCollaborator(ctx, input.ID); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListTrackersByCollaboratorTx(ctx, nil, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TrackerResponse `json:"body"`
		}{Body: mapTrackers(items)}, nil
	})
}

func registerRecalc(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "recalculate",
		Method:      http.MethodPost,
		Path:        "/recalc",
		Summary:     "Rebuild all derived dates",
		Errors:      writeErrors,
	}, func(ctx context.Context, input *struct {
		Body RecalcRequest `json:"body"`
	}) (*struct {
		Body RecalcResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		stats, err := e.Recalculate(ctx, engine.RecalcOptions{
			ProductID: input.Body.ProductID,
			BatchSize: input.Body.BatchSize,
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RecalcResponse `json:"body"`
		}{Body: RecalcResponse(stats)}, nil
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
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"org,product,value_chain,task,assignment,tracker"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		items, err := e.Repo.LatestEvents(ctx, limit, e.Config.Org.ID, input.Type, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerCollaborators(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-collaborators",
		Method:      http.MethodGet,
		Path:        "/collaborators",
		Summary:     "List collaborators",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []CollaboratorResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListCollaborators(ctx, e.Config.Org.ID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]CollaboratorResponse, 0, len(items))
		for _, c := range items {
			res = append(res, collaboratorResponse(c))
		}
		return &struct {
			Body []CollaboratorResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key",
		DefaultStatus: http.StatusCreated,
		Errors:        writeErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body APIKeyResponse `json:"body"`
	}, error) {
		if input.Body.CollaboratorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "collaborator_id is required", nil)
		}
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		raw := "tpl_" + strings.ReplaceAll(uuid.New().String(), "-", "")
		key := domain.APIKey{
			ID:             uuid.New().String(),
			CollaboratorID: input.Body.CollaboratorID,
			Name:           input.Body.Name,
			KeyHash:        repo.HashAPIKey(raw),
			CreatedAt:      time.Now().UTC().Format(time.RFC3339),
		}
		if err := e.Repo.InsertAPIKey(ctx, nil, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body APIKeyResponse `json:"body"`
		}{Body: APIKeyResponse{
			ID:             key.ID,
			CollaboratorID: key.CollaboratorID,
			Name:           key.Name,
			CreatedAt:      key.CreatedAt,
			Key:            raw,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys",
	}, func(ctx context.Context, input *struct {
		CollaboratorID string `query:"collaborator_id"`
	}) (*struct {
		Body []APIKeyResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListAPIKeys(ctx, input.CollaboratorID)
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]APIKeyResponse, 0, len(items))
		for _, k := range items {
			res = append(res, APIKeyResponse{
				ID:             k.ID,
				CollaboratorID: k.CollaboratorID,
				Name:           k.Name,
				CreatedAt:      k.CreatedAt,
			})
		}
		return &struct {
			Body []APIKeyResponse `json:"body"`
		}{Body: res}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{id}",
		Summary:     "Delete API key",
		Errors:      writeErrors,
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

func registerMe(api huma.API) {
	type meResponse struct {
		ActorID string `json:"actor_id"`
		OrgID   string `json:"org_id,omitempty"`
		Source  string `json:"source"`
	}
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body meResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body meResponse `json:"body"`
		}{Body: meResponse{
			ActorID: principal.ActorID,
			OrgID:   principal.OrgID,
			Source:  principal.Source,
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
		actor := strings.TrimSpace(input.Body.ActorID)
		org := strings.TrimSpace(input.Body.OrgID)
		if actor == "" || org == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and org_id are required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, org)
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
