// Package api exposes the job orchestration engine over HTTP (chi router,
// bearer auth) and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/leadscout/internal/credits"
	"github.com/kalambet/leadscout/internal/orchestrator"
	"github.com/kalambet/leadscout/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

// defaultUserID is used when a request carries no X-User-ID header; the
// server is a single-user local tool first.
const defaultUserID int64 = 1

type AppDeps struct {
	Orchestrator *orchestrator.Orchestrator
	Store        *storage.Store
	Ledger       *credits.Ledger
	Token        string
}

// NewAppHandler builds the HTTP API. Everything except /health requires
// bearer auth.
func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth)

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/jobs", handleCreateJob(deps))
		r.Get("/jobs", handleListJobs(deps))
		r.Delete("/jobs", handleCleanupJobs(deps))
		r.Get("/jobs/{id}", handleGetJob(deps))
		r.Post("/jobs/{id}/terminate", handleTerminateJob(deps))
		r.Post("/jobs/{id}/cancel", handleCancelJob(deps))
		r.Post("/jobs/{id}/retry", handleRetryJob(deps))
		r.Get("/credits", handleGetCredits(deps))
		r.Post("/credits", handleAddCredits(deps))
	})

	return r
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.Write([]byte(`{"status":"ok"}`))
}

// JobView is the wire shape of a job.
type JobView struct {
	ID          string           `json:"id"`
	SearchType  string           `json:"search_type"`
	Query       string           `json:"query,omitempty"`
	Source      string           `json:"source,omitempty"`
	Status      string           `json:"status"`
	Progress    storage.Progress `json:"progress"`
	Results     json.RawMessage  `json:"results"`
	Error       string           `json:"error,omitempty"`
	Priority    int              `json:"priority"`
	RetryCount  int              `json:"retry_count"`
	CreatedAt   string           `json:"created_at"`
	StartedAt   string           `json:"started_at,omitempty"`
	CompletedAt string           `json:"completed_at,omitempty"`
}

func viewJob(j storage.Job) JobView {
	v := JobView{
		ID:         j.PublicID,
		SearchType: string(j.SearchType),
		Query:      j.Query,
		Source:     j.Source,
		Status:     string(j.Status),
		Progress:   j.Progress,
		Results:    json.RawMessage(j.ResultsJSON),
		Error:      j.LastError,
		Priority:   j.Priority,
		RetryCount: j.RetryCount,
		CreatedAt:  j.CreatedAt.Format(time.RFC3339),
	}
	if !j.StartedAt.IsZero() {
		v.StartedAt = j.StartedAt.Format(time.RFC3339)
	}
	if !j.CompletedAt.IsZero() {
		v.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return v
}

func userID(r *http.Request) int64 {
	if raw := r.Header.Get("X-User-ID"); raw != "" {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil && id > 0 {
			return id
		}
	}
	return defaultUserID
}

type createJobRequest struct {
	SearchType string            `json:"search_type"`
	Query      string            `json:"query"`
	Source     string            `json:"source"`
	Metadata   map[string]string `json:"metadata"`
	Priority   int               `json:"priority"`
}

func handleCreateJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req createJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		source := req.Source
		if source == "" {
			source = "api"
		}
		id, err := deps.Orchestrator.CreateJob(orchestrator.CreateJobParams{
			UserID:     userID(r),
			SearchType: req.SearchType,
			Query:      req.Query,
			Source:     source,
			Metadata:   req.Metadata,
			Priority:   req.Priority,
		})
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]string{"id": id, "status": "pending"})
	}
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := deps.Orchestrator.GetJob(chi.URLParam(r, "id"), userID(r))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(viewJob(job))
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)

		jobs, err := deps.Orchestrator.ListJobs(userID(r), limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = viewJob(j)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(views)
	}
}

func handleTerminateJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := deps.Orchestrator.TerminateJob(chi.URLParam(r, "id"), userID(r))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to terminate job: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusConflict, "invalid_state", "job already finished")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "terminated"})
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ok, err := deps.Orchestrator.CancelJob(chi.URLParam(r, "id"), userID(r))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
			return
		}
		if !ok {
			httpError(w, http.StatusConflict, "invalid_state", "job already started or finished")
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "cancelled"})
	}
}

func handleRetryJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := deps.Orchestrator.RetryJob(chi.URLParam(r, "id"), userID(r))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "job not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusConflict, "invalid_state", "%v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "pending"})
	}
}

func handleCleanupJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		days := parseIntParam(r, "older_than_days", 30, 0)
		if days < 1 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "older_than_days must be at least 1")
			return
		}

		n, err := deps.Orchestrator.CleanupOldJobs(time.Duration(days) * 24 * time.Hour)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "cleanup failed: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int64{"deleted": n})
	}
}

func handleGetCredits(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cb, err := deps.Ledger.Balance(userID(r))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get balance: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{
			"balance":    cb.Balance,
			"total_used": cb.TotalUsed,
		})
	}
}

func handleAddCredits(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		var req struct {
			Amount int `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Amount <= 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "amount must be positive")
			return
		}

		uid := userID(r)
		if err := deps.Store.AddCredits(uid, req.Amount); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to add credits: %v", err)
			return
		}
		cb, err := deps.Ledger.Balance(uid)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read balance: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]int{"balance": cb.Balance})
	}
}

func parseIntParam(r *http.Request, key string, defaultVal, maxVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return defaultVal
	}
	if maxVal > 0 && v > maxVal {
		return maxVal
	}
	return v
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
