package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duckmesh/sqlagent/internal/config"
	"github.com/duckmesh/sqlagent/internal/dataset"
	"github.com/duckmesh/sqlagent/internal/history"
	"github.com/duckmesh/sqlagent/internal/observability"
)

const maxHistoryLimit = 100

type ReadinessCheck func(ctx context.Context) error

type Dependencies struct {
	Logger            *slog.Logger
	Readiness         ReadinessCheck
	DependencyTimeout time.Duration
	Dataset           func() dataset.Status
	History           history.Recorder

	// SessionID resolves the caller's UI session. The question log is only
	// ever served for that session.
	SessionID func(r *http.Request) (string, bool)
	UI        http.Handler
}

func NewHandler(cfg config.Config, deps Dependencies) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "service": cfg.Service.Name})
	})

	mux.HandleFunc("GET /v1/ready", func(w http.ResponseWriter, r *http.Request) {
		if deps.Readiness == nil {
			writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
			return
		}
		timeout := deps.DependencyTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()
		if err := deps.Readiness(ctx); err != nil {
			writeError(r.Context(), w, http.StatusServiceUnavailable, "NOT_READY", err.Error(), true, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
	})

	mux.Handle("GET /v1/metrics", promhttp.Handler())

	mux.HandleFunc("GET /v1/dataset", func(w http.ResponseWriter, r *http.Request) {
		handleDatasetStatus(cfg, deps, w, r)
	})
	mux.HandleFunc("GET /v1/history", func(w http.ResponseWriter, r *http.Request) {
		handleHistory(cfg, deps, w, r)
	})

	if deps.UI != nil {
		mux.Handle("/", deps.UI)
	}

	middlewares := []func(http.Handler) http.Handler{
		observability.TraceMiddleware,
		observability.MetricsMiddleware,
	}
	if deps.Logger != nil {
		middlewares = append(middlewares, observability.LoggingMiddleware(deps.Logger))
	}
	return chain(mux, middlewares...)
}

func handleDatasetStatus(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Dataset == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "DATASET_NOT_CONFIGURED", "dataset loader is not configured", false, nil)
		return
	}
	status := deps.Dataset()
	code := http.StatusOK
	if !status.OK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"ok":          status.OK,
		"records":     status.Records,
		"message":     status.Message,
		"table":       cfg.Dataset.Table,
		"path":        cfg.Dataset.Path,
		"loaded_at":   status.LoadedAt,
		"duration_ms": status.Duration.Milliseconds(),
	})
}

func handleHistory(cfg config.Config, deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.History == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_NOT_CONFIGURED", "question log is not configured", false, nil)
		return
	}
	limit := cfg.History.RecentLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			writeError(r.Context(), w, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer", false, map[string]any{"limit": raw})
			return
		}
		limit = parsed
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}

	sessionID := ""
	if deps.SessionID != nil {
		sessionID, _ = deps.SessionID(r)
	}
	if sessionID == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "SESSION_REQUIRED", "an active UI session is required", false, nil)
		return
	}

	entries, err := deps.History.Recent(r.Context(), sessionID, limit)
	if errors.Is(err, history.ErrDisabled) {
		writeError(r.Context(), w, http.StatusNotImplemented, "HISTORY_DISABLED", err.Error(), false, nil)
		return
	}
	if err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "HISTORY_FETCH_FAILED", "failed to load question log", true, map[string]any{"details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func CheckDatasetLoaded(status func() dataset.Status) ReadinessCheck {
	return func(_ context.Context) error {
		current := status()
		if !current.OK {
			if current.Message != "" {
				return errors.New(current.Message)
			}
			return errors.New("dataset is not loaded")
		}
		return nil
	}
}

func CheckCredential(apiKey func() (string, bool)) ReadinessCheck {
	return func(_ context.Context) error {
		if _, ok := apiKey(); !ok {
			return errors.New("reasoning service credential is not configured")
		}
		return nil
	}
}

func CheckHealth(name string, health func(ctx context.Context) error) ReadinessCheck {
	return func(ctx context.Context) error {
		if err := health(ctx); err != nil {
			return errors.New(name + ": " + err.Error())
		}
		return nil
	}
}

func CombineReadinessChecks(checks ...ReadinessCheck) ReadinessCheck {
	filtered := make([]ReadinessCheck, 0, len(checks))
	for _, check := range checks {
		if check != nil {
			filtered = append(filtered, check)
		}
	}
	return func(ctx context.Context) error {
		for _, check := range filtered {
			if err := check(ctx); err != nil {
				return err
			}
		}
		return nil
	}
}

func chain(base http.Handler, middlewares ...func(http.Handler) http.Handler) http.Handler {
	wrapped := base
	for i := len(middlewares) - 1; i >= 0; i-- {
		wrapped = middlewares[i](wrapped)
	}
	return wrapped
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, code, message string, retryable bool, extra map[string]any) {
	writeJSON(w, status, map[string]any{
		"error_code": code,
		"message":    message,
		"retryable":  retryable,
		"context":    extra,
		"trace_id":   observability.TraceIDFromContext(ctx),
	})
}
