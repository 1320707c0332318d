// Package api exposes task management and segment results over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/segment-cli/internal/model"
	"github.com/sells-group/segment-cli/internal/monitoring"
	"github.com/sells-group/segment-cli/internal/store"
	"github.com/sells-group/segment-cli/internal/task"
)

const maxRequestBodySize = 1 << 20 // 1MB

// Deps are the collaborators the handlers need.
type Deps struct {
	Store     store.Store
	Tasks     *task.Service
	Collector *monitoring.Collector
	// AllowedOrigins configures CORS; empty allows none.
	AllowedOrigins []string
}

// NewHandler builds the HTTP router.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)
	if len(deps.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: deps.AllowedOrigins,
			AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/health", handleHealth)
	r.Get("/status", handleStatus(deps))
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/tasks", func(r chi.Router) {
		r.Post("/", handleCreateTask(deps))
		r.Get("/", handleListTasks(deps))
		r.Get("/{id}", handleGetTask(deps))
		r.Delete("/{id}", handleDeleteTask(deps))
		r.Get("/{id}/segments", handleTaskSegments(deps))
	})
	r.Get("/segments", handleActiveSegments(deps))
	r.Get("/profiles/{id}", handleGetProfile(deps))

	return r
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("component", "api"),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// storeError maps domain errors onto HTTP status codes.
func storeError(w http.ResponseWriter, err error, action string) {
	switch {
	case errors.Is(err, model.ErrTaskNotFound),
		errors.Is(err, model.ErrProfileNotFound),
		errors.Is(err, model.ErrResultNotFound):
		httpError(w, http.StatusNotFound, "not_found", "%s: %v", action, err)
	case errors.Is(err, model.ErrInvalidParams):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s: %v", action, err)
	case errors.Is(err, model.ErrInvalidTransition):
		httpError(w, http.StatusConflict, "conflict", "%s: %v", action, err)
	default:
		zap.L().Error("api request failed", zap.String("component", "api"), zap.String("action", action), zap.Error(err))
		httpError(w, http.StatusInternalServerError, "api_error", "%s failed", action)
	}
}

func parseIntParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return n, nil
}
