package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"workqueue/internal/engine"
	"workqueue/internal/errs"
	"workqueue/internal/peers"
	"workqueue/internal/query"
)

const (
	basePath   = "/api/v1/workqueue"
	healthPath = basePath + "/health"
)

// DocumentSource lists the documents of an application.
type DocumentSource interface {
	List(ctx context.Context, applicationID string) ([]peers.Document, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine    engine.Engine
	Query     query.Service
	Documents DocumentSource
	Auth      AuthConfig
	Logger    *slog.Logger
}

// apiError is the error envelope every endpoint returns.
type apiError struct {
	status  int
	Code    string `json:"code" example:"INVALID_STATE_TRANSITION"`
	Message string `json:"message" example:"cannot Approve a work item in status New"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Message }

func newAPIError(status int, code, message string) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{status: status, Code: code, Message: message}
}

// New returns an HTTP handler exposing the work queue API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, _ ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		return newAPIError(status, "", msg)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, details ...error) huma.StatusError {
		return huma.NewError(status, detailedMessage(msg, details))
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(cfg.Logger))
	router.Use(newAuthMiddleware(cfg.Auth, cfg.Logger))

	hcfg := huma.DefaultConfig("Work Queue API", "1.0.0")
	hcfg.OpenAPIPath = basePath + "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)

	h := handlers{engine: cfg.Engine, query: cfg.Query, documents: cfg.Documents, logger: cfg.Logger}
	registerHealth(api)
	h.registerQueries(api)
	h.registerCommands(api)
	return router, nil
}

func detailedMessage(msg string, details []error) string {
	if len(details) == 0 {
		return msg
	}
	parts := make([]string, 0, len(details))
	for _, e := range details {
		if e != nil {
			parts = append(parts, e.Error())
		}
	}
	if len(parts) == 0 {
		return msg
	}
	return msg + ": " + strings.Join(parts, "; ")
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()))
		})
	}
}

// statusForCode maps error codes onto HTTP statuses. Rule violations the
// caller can fix are 400; role failures are 403.
func statusForCode(code errs.Code) int {
	switch code {
	case errs.CodeInvalidTransition, errs.CodeUnauthorized, errs.CodeValidation:
		return http.StatusBadRequest
	case errs.CodeForbidden:
		return http.StatusForbidden
	case errs.CodeNotFound:
		return http.StatusNotFound
	case errs.CodeConcurrencyConflict:
		return http.StatusConflict
	case errs.CodeDependencyUnavailable, errs.CodeTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h handlers) handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	code := errs.CodeOf(err)
	status := statusForCode(code)
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", "err", err)
		return newAPIError(status, string(errs.CodeInternal), "internal error")
	}
	if code == errs.CodeTransient {
		code = errs.CodeDependencyUnavailable
	}
	return newAPIError(status, string(code), err.Error())
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(errs.CodeValidation)
	case http.StatusNotFound:
		return string(errs.CodeNotFound)
	case http.StatusConflict:
		return string(errs.CodeConcurrencyConflict)
	case http.StatusForbidden:
		return string(errs.CodeForbidden)
	case http.StatusServiceUnavailable:
		return string(errs.CodeDependencyUnavailable)
	case http.StatusInternalServerError:
		return string(errs.CodeInternal)
	default:
		return strings.ToUpper(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func respondError(w http.ResponseWriter, err huma.StatusError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.GetStatus())
	_ = json.NewEncoder(w).Encode(err)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        healthPath,
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func parseInt(name, v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, errs.Validation("%s must be an integer", name)
	}
	return n, nil
}

func parseBool(name, v string) (*bool, error) {
	if v == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return nil, errs.Validation("%s must be true or false", name)
	}
	return &b, nil
}

func parseTime(name, v string) (*time.Time, error) {
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		if t, err = time.Parse(time.DateOnly, v); err != nil {
			return nil, errs.Validation("%s must be an RFC 3339 timestamp or date", name)
		}
	}
	return &t, nil
}
