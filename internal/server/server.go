package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"flowdesk/internal/cache"
	"flowdesk/internal/domain"
	"flowdesk/internal/engine"
	"flowdesk/internal/repo"
	"flowdesk/internal/scanner"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	Scanner  *scanner.Scanner
	BasePath string
	Auth     AuthConfig
	// SweepInterval starts the in-process sweeper when positive. The
	// sweeper stops when BaseContext is canceled.
	SweepInterval time.Duration
	BaseContext   context.Context
	Logger        *log.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_state"`
	Message string         `json:"message" example:"service file already invoiced"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Flowdesk API.
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
			// Schema errors on the request itself are 400 bad_request;
			// 422 is reserved for domain validation.
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(cfg.Auth))
	hcfg := huma.DefaultConfig("Flowdesk API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerHealth(group)
	registerPipelines(group, cfg.Engine)
	registerBoard(group, cfg.Engine, cfg.Scanner)
	registerMoves(group, cfg.Engine)
	registerScan(group, cfg.Scanner, cfg.Auth)
	registerInvoicing(group, cfg.Engine)
	registerEvents(group, cfg.Engine)

	if cfg.SweepInterval > 0 && cfg.Scanner != nil {
		base := cfg.BaseContext
		if base == nil {
			base = context.Background()
		}
		startSweeper(base, cfg.Scanner, cfg.SweepInterval, cfg.Logger)
	}

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
	var ee *engine.Error
	if errors.As(err, &ee) {
		return newAPIError(statusForCode(ee.Code), string(ee.Code), ee.Message, ee.Details)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func statusForCode(code engine.Code) int {
	switch code {
	case engine.CodeNotFound:
		return http.StatusNotFound
	case engine.CodeInvalidState, engine.CodeConflict:
		return http.StatusConflict
	case engine.CodeValidationFailed, engine.CodeConfigurationMissing:
		return http.StatusUnprocessableEntity
	case engine.CodeUnauthorized:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
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
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
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

func registerPipelines(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-pipelines",
		Method:      http.MethodGet,
		Path:        "/pipelines",
		Summary:     "List pipelines",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []PipelineResponse `json:"body"`
	}, error) {
		items, err := e.Repo.ListPipelines(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]PipelineResponse, 0, len(items))
		for _, p := range items {
			out = append(out, pipelineResponse(p, nil))
		}
		return &struct {
			Body []PipelineResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "create-pipeline",
		Method:        http.MethodPost,
		Path:          "/pipelines",
		Summary:       "Create pipeline",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		Body CreatePipelineRequest `json:"body"`
	}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if strings.TrimSpace(input.Body.Name) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "name is required", nil)
		}
		now := time.Now().UTC().Format(time.RFC3339)
		p := domain.Pipeline{
			ID:        uuid.NewString(),
			Name:      input.Body.Name,
			Active:    true,
			CreatedAt: now,
		}
		if err := e.Repo.InsertPipeline(ctx, p); err != nil {
			return nil, handleError(err)
		}
		stages := make([]domain.Stage, 0, len(input.Body.Stages))
		for i, name := range input.Body.Stages {
			s := domain.Stage{
				ID:         uuid.NewString(),
				PipelineID: p.ID,
				Name:       name,
				Position:   i,
				Active:     true,
			}
			if err := e.Repo.InsertStage(ctx, s); err != nil {
				return nil, handleError(err)
			}
			stages = append(stages, s)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: pipelineResponse(p, stages)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-pipeline",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}",
		Summary:     "Get pipeline with stages",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
	}) (*struct {
		Body PipelineResponse `json:"body"`
	}, error) {
		p, err := e.Repo.GetPipeline(ctx, input.PipelineID)
		if err != nil {
			return nil, handleError(err)
		}
		stages, err := e.Repo.ListStages(ctx, p.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PipelineResponse `json:"body"`
		}{Body: pipelineResponse(p, stages)}, nil
	})
}

func registerBoard(api huma.API, e engine.Engine, sc *scanner.Scanner) {
	huma.Register(api, huma.Operation{
		OperationID: "get-board",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/board",
		Summary:     "Read a pipeline board view",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		Filter     string `query:"filter"`
		Variant    string `query:"variant"`
		// Check runs the on-access rule pass before the read.
		Check bool `query:"check"`
	}) (*struct {
		Body BoardResponse `json:"body"`
	}, error) {
		if _, err := e.Repo.GetPipeline(ctx, input.PipelineID); err != nil {
			return nil, handleError(err)
		}
		resp := BoardResponse{PipelineID: input.PipelineID}
		if input.Check && sc != nil {
			sum, err := sc.OnAccess(ctx, input.PipelineID)
			check := scanResponse(sum, err)
			resp.Check = &check
		}
		entry, err := e.Board(ctx, cache.Key{
			PipelineID: input.PipelineID,
			Filter:     input.Filter,
			Variant:    input.Variant,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp.Rows = entry.Rows
		resp.CachedAt = entry.CreatedAt.UTC().Format(time.RFC3339)
		return &struct {
			Body BoardResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMoves(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "move-item",
		Method:      http.MethodPost,
		Path:        "/moves",
		Summary:     "Move an item to a stage",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Body MoveRequest `json:"body"`
	}) (*struct {
		Body PlacementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		kind := domain.ItemKind(input.Body.ItemKind)
		if !kind.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown item kind", nil)
		}
		opts := engine.MoveOptions{
			Item:       domain.ItemRef{Kind: kind, ID: input.Body.ItemID},
			PipelineID: input.Body.PipelineID,
			StageID:    input.Body.StageID,
			ActorID:    actorID,
		}
		if input.Body.Timestamp != nil {
			ts, err := time.Parse(time.RFC3339, *input.Body.Timestamp)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "timestamp must be RFC3339", nil)
			}
			opts.At = &ts
		}
		p, err := e.Move(ctx, opts)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlacementResponse `json:"body"`
		}{Body: placementResponse(p)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-item-stage",
		Method:      http.MethodGet,
		Path:        "/pipelines/{pipeline_id}/items/{item_kind}/{item_id}/stage",
		Summary:     "Current stage of an item",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PipelineID string `path:"pipeline_id"`
		ItemKind   string `path:"item_kind"`
		ItemID     string `path:"item_id"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		kind := domain.ItemKind(input.ItemKind)
		if !kind.Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown item kind", nil)
		}
		stageID, err := e.CurrentStage(ctx, input.PipelineID, domain.ItemRef{Kind: kind, ID: input.ItemID})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"stage_id": stageID}}, nil
	})
}

// registerScan exposes the cron entry point. It authenticates with the
// shared scan secret, not the user auth, so an external scheduler can call
// it without a personal token.
func registerScan(api huma.API, sc *scanner.Scanner, auth AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "scan",
		Method:      http.MethodPost,
		Path:        "/scan",
		Summary:     "Run the scheduled rule sweep",
		Errors:      []int{http.StatusForbidden, http.StatusServiceUnavailable},
	}, func(ctx context.Context, input *struct {
		SecretHeader string `header:"X-Scan-Secret"`
		SecretQuery  string `query:"secret"`
		Rule         string `query:"rule"`
	}) (*struct {
		Body ScanResponse `json:"body"`
	}, error) {
		if !scanSecretOK(auth, input.SecretHeader, input.SecretQuery) {
			return nil, newAPIError(http.StatusForbidden, "forbidden", "scan secret mismatch", nil)
		}
		if sc == nil {
			return nil, newAPIError(http.StatusServiceUnavailable, "unavailable", "scanner not configured", nil)
		}
		var (
			sum scanner.Summary
			err error
		)
		if input.Rule != "" {
			sum, err = sc.SweepRule(ctx, input.Rule)
		} else {
			sum, err = sc.Sweep(ctx)
		}
		return &struct {
			Body ScanResponse `json:"body"`
		}{Body: scanResponse(sum, err)}, nil
	})
}

func registerInvoicing(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "invoice-service-file",
		Method:        http.MethodPost,
		Path:          "/service-files/{service_file_id}/invoice",
		Summary:       "Invoice a service file",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ServiceFileID string         `path:"service_file_id"`
		Body          InvoiceRequest `json:"body"`
	}) (*struct {
		Body InvoiceResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.Invoice(ctx, input.ServiceFileID, input.Body.Billing, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvoiceResponse `json:"body"`
		}{Body: InvoiceResponse{
			FacturaID:     res.InvoiceID,
			FacturaNumber: res.InvoiceNumber,
			TotalBani:     res.TotalBani,
			ArhivaFisaID:  res.ArchiveID,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-invoice",
		Method:      http.MethodPost,
		Path:        "/service-files/{service_file_id}/cancel-invoice",
		Summary:     "Cancel an invoice and unlock the service file",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusUnauthorized,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ServiceFileID string               `path:"service_file_id"`
		Body          CancelInvoiceRequest `json:"body"`
	}) (*struct {
		Body map[string]bool `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := e.CancelInvoice(ctx, input.ServiceFileID, input.Body.Reason, actorID); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]bool `json:"body"`
		}{Body: map[string]bool{"canceled": true}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "archive-service-file",
		Method:      http.MethodPost,
		Path:        "/service-files/{service_file_id}/archive",
		Summary:     "Move an invoiced file and its items to the archive",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		ServiceFileID string `path:"service_file_id"`
	}) (*struct {
		Body ArchiveResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.ArchiveAndRelease(ctx, input.ServiceFileID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ArchiveResponse `json:"body"`
		}{Body: ArchiveResponse{
			LeadMoved:  res.LeadMoved,
			FileMoved:  res.FileMoved,
			TraysMoved: res.TraysMoved,
		}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Tail the audit log",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ItemKind string `query:"item_kind"`
		ItemID   string `query:"item_id"`
		Type     string `query:"type"`
		Limit    int    `query:"limit"`
		Cursor   int64  `query:"cursor"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if input.ItemKind != "" && !domain.ItemKind(input.ItemKind).Valid() {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown item kind", nil)
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilters{
			ItemKind: input.ItemKind,
			ItemID:   input.ItemID,
			Type:     input.Type,
			Limit:    input.Limit,
			Cursor:   input.Cursor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func pipelineResponse(p domain.Pipeline, stages []domain.Stage) PipelineResponse {
	out := PipelineResponse{
		ID:        p.ID,
		Name:      p.Name,
		Active:    p.Active,
		CreatedAt: p.CreatedAt,
	}
	for _, s := range stages {
		out.Stages = append(out.Stages, StageResponse{
			ID:       s.ID,
			Name:     s.Name,
			Position: s.Position,
			Active:   s.Active,
		})
	}
	return out
}

func scanResponse(sum scanner.Summary, err error) ScanResponse {
	out := ScanResponse{
		OK:                  err == nil,
		MovedCount:          sum.Moved,
		AddedCount:          sum.Tagged,
		RemindedCount:       sum.Reminded,
		ColetNeridicatMoved: sum.ColetNeridicatMoved,
		FailedCount:         sum.Failed,
	}
	if err != nil {
		out.Reason = err.Error()
	}
	return out
}
