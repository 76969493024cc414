package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/imaginario/searchd/internal/auth"
	"github.com/imaginario/searchd/internal/breaker"
	"github.com/imaginario/searchd/internal/notify"
	"github.com/imaginario/searchd/internal/search"
	"github.com/imaginario/searchd/internal/storage"
)

const maxRequestBodySize = 1 << 20 // 1MB

type AppDeps struct {
	Store      *storage.Store
	Strategies *search.Registry
	Breaker    *breaker.Breaker
	Hub        *notify.Hub
	Tokens     *auth.TokenAuthority
}

func NewAppHandler(deps AppDeps) http.Handler {
	r := chi.NewRouter()

	r.Get("/health", handleHealth(deps))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/notifications", handleNotifications(deps))

		r.Group(func(r chi.Router) {
			r.Use(JWTAuth(deps.Tokens))

			r.Route("/search", func(r chi.Router) {
				r.Post("/jobs", handleSubmitJob(deps))
				r.Get("/jobs", handleListJobs(deps))
				r.Get("/jobs/{id}", handleGetJob(deps))
				r.Get("/jobs/{id}/details", handleJobDetails(deps))
				r.Post("/jobs/{id}/retry", handleRetryJob(deps))
				r.Post("/jobs/{id}/cancel", handleCancelJob(deps))
				r.Get("/strategies", handleListStrategies(deps))
			})

			r.Post("/documents", handleCreateDocument(deps))
			r.Get("/documents", handleListDocuments(deps))

			r.Get("/system/circuit-breaker", handleBreakerStatus(deps))
		})
	})

	return r
}

func handleHealth(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status":          "ok",
			"strategies":      deps.Strategies.Names(),
			"circuit_breaker": deps.Breaker.Snapshot().State,
			"subscribers":     deps.Hub.Subscribers(),
		})
	}
}

type SubmitJobRequest struct {
	Query       string   `json:"query"`
	Strategy    string   `json:"strategy"`
	DocumentIDs []string `json:"document_ids"`
}

// JobResponse is the wire shape of a job. Details responses add the parsed
// results on top.
type JobResponse struct {
	ID              string   `json:"id"`
	UserID          string   `json:"user_id"`
	Query           string   `json:"query"`
	Strategy        string   `json:"strategy"`
	DocumentIDs     []string `json:"document_ids"`
	Status          string   `json:"status"`
	ResultsCount    int      `json:"results_count"`
	ErrorMessage    string   `json:"error_message,omitempty"`
	ExecutionTimeMs int64    `json:"execution_time_ms"`
	RetryOf         string   `json:"retry_of,omitempty"`
	CreatedAt       string   `json:"created_at"`
	StartedAt       string   `json:"started_at,omitempty"`
	CompletedAt     string   `json:"completed_at,omitempty"`
}

type JobDetailsResponse struct {
	JobResponse
	Results      []search.Match `json:"results"`
	TopResult    *search.Match  `json:"top_result"`
	AvgRelevance float64        `json:"avg_relevance"`
}

func toJobResponse(job storage.SearchJob) JobResponse {
	var ids []string
	if err := json.Unmarshal([]byte(job.DocumentIDs), &ids); err != nil || ids == nil {
		ids = []string{}
	}
	resp := JobResponse{
		ID:              job.ID,
		UserID:          job.UserID,
		Query:           job.Query,
		Strategy:        job.Strategy,
		DocumentIDs:     ids,
		Status:          string(job.Status),
		ResultsCount:    job.ResultsCount,
		ErrorMessage:    job.ErrorMessage,
		ExecutionTimeMs: job.ExecutionTimeMs,
		RetryOf:         job.RetryOf,
		CreatedAt:       job.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
	if !job.StartedAt.IsZero() {
		resp.StartedAt = job.StartedAt.UTC().Format(time.RFC3339Nano)
	}
	if !job.CompletedAt.IsZero() {
		resp.CompletedAt = job.CompletedAt.UTC().Format(time.RFC3339Nano)
	}
	return resp
}

func handleSubmitJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req SubmitJobRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		if strings.TrimSpace(req.Query) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "query is required")
			return
		}
		if req.Strategy == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "strategy is required")
			return
		}
		if _, err := deps.Strategies.Resolve(req.Strategy); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error",
				"unknown strategy %q, available: %s", req.Strategy, strings.Join(deps.Strategies.Names(), ", "))
			return
		}

		docIDs := "[]"
		if req.DocumentIDs != nil {
			b, err := json.Marshal(req.DocumentIDs)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to encode document ids: %v", err)
				return
			}
			docIDs = string(b)
		}

		job := storage.SearchJob{
			ID:          uuid.New().String(),
			UserID:      userID(r),
			Query:       req.Query,
			Strategy:    req.Strategy,
			DocumentIDs: docIDs,
		}
		if err := deps.Store.CreateJob(job); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue job: %v", err)
			return
		}

		created, err := deps.Store.GetJob(job.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job: %v", err)
			return
		}

		publishJobEvent(deps.Hub, created, "search job queued")

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(toJobResponse(created))
	}
}

func handleListJobs(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filter := storage.JobFilter{
			UserID:  userID(r),
			Page:    parseIntParam(r, "page", 1, 0),
			PerPage: parseIntParam(r, "per_page", 20, 100),
		}
		if status := r.URL.Query().Get("status"); status != "" {
			if !storage.ValidStatus(status) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid status filter %q", status)
				return
			}
			filter.Status = storage.JobStatus(status)
		}

		page, err := deps.Store.ListJobs(filter)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list jobs: %v", err)
			return
		}

		jobs := make([]JobResponse, 0, len(page.Jobs))
		for _, job := range page.Jobs {
			jobs = append(jobs, toJobResponse(job))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"jobs": jobs,
			"pagination": map[string]any{
				"page":        page.Page,
				"per_page":    page.PerPage,
				"total_items": page.TotalItems,
				"total_pages": page.TotalPages,
				"has_next":    page.HasNext,
				"has_prev":    page.HasPrev,
			},
		})
	}
}

// loadOwnedJob fetches a job and enforces the owner-only access rule.
func loadOwnedJob(deps AppDeps, w http.ResponseWriter, r *http.Request) (storage.SearchJob, bool) {
	id := chi.URLParam(r, "id")
	job, err := deps.Store.GetJob(id)
	if errors.Is(err, storage.ErrNotFound) {
		httpError(w, http.StatusNotFound, "not_found", "job not found")
		return storage.SearchJob{}, false
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "api_error", "failed to get job: %v", err)
		return storage.SearchJob{}, false
	}
	if job.UserID != userID(r) {
		httpError(w, http.StatusForbidden, "forbidden", "job belongs to another user")
		return storage.SearchJob{}, false
	}
	return job, true
}

func handleGetJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadOwnedJob(deps, w, r)
		if !ok {
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toJobResponse(job))
	}
}

func handleJobDetails(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadOwnedJob(deps, w, r)
		if !ok {
			return
		}

		results := []search.Match{}
		if job.Results != "" {
			if err := json.Unmarshal([]byte(job.Results), &results); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to parse results: %v", err)
				return
			}
		}

		details := JobDetailsResponse{
			JobResponse: toJobResponse(job),
			Results:     results,
		}
		if len(results) > 0 {
			details.TopResult = &results[0]
			var sum float64
			for _, m := range results {
				sum += m.Score
			}
			details.AvgRelevance = sum / float64(len(results))
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(details)
	}
}

func handleRetryJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadOwnedJob(deps, w, r)
		if !ok {
			return
		}

		if job.Status != storage.JobCompleted && job.Status != storage.JobFailed {
			httpError(w, http.StatusConflict, "invalid_state",
				"only completed or failed jobs can be retried (status %s)", job.Status)
			return
		}

		retry := storage.SearchJob{
			ID:          uuid.New().String(),
			UserID:      job.UserID,
			Query:       job.Query,
			Strategy:    job.Strategy,
			DocumentIDs: job.DocumentIDs,
			RetryOf:     job.ID,
		}
		if err := deps.Store.CreateJob(retry); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to enqueue retry: %v", err)
			return
		}

		created, err := deps.Store.GetJob(retry.ID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to load job: %v", err)
			return
		}

		publishJobEvent(deps.Hub, created, fmt.Sprintf("retry of job %s queued", job.ID))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(toJobResponse(created))
	}
}

func handleCancelJob(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := loadOwnedJob(deps, w, r)
		if !ok {
			return
		}

		cancelled, err := deps.Store.CancelJob(job.ID)
		if errors.Is(err, storage.ErrInvalidTransition) {
			httpError(w, http.StatusConflict, "invalid_state",
				"job already finished (status %s)", job.Status)
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to cancel job: %v", err)
			return
		}

		publishJobEvent(deps.Hub, cancelled, "search cancelled by user")

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(toJobResponse(cancelled))
	}
}

func handleListStrategies(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"strategies": deps.Strategies.Names(),
		})
	}
}

func handleBreakerStatus(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(deps.Breaker.Snapshot())
	}
}

type CreateDocumentRequest struct {
	Title       string `json:"title"`
	Description string `json:"description"`
}

func handleCreateDocument(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req CreateDocumentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Title) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "title is required")
			return
		}

		doc := storage.Document{
			ID:          uuid.New().String(),
			UserID:      userID(r),
			Title:       req.Title,
			Description: req.Description,
			CreatedAt:   time.Now().UTC(),
		}
		if err := deps.Store.SaveDocument(doc); err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to save document: %v", err)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(map[string]string{
			"id":     doc.ID,
			"status": "created",
		})
	}
}

func handleListDocuments(deps AppDeps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 20, 100)
		offset := parseIntParam(r, "offset", 0, 0)

		docs, err := deps.Store.ListUserDocuments(userID(r), limit, offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list documents: %v", err)
			return
		}

		if docs == nil {
			docs = []storage.Document{}
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(docs)
	}
}

func publishJobEvent(hub *notify.Hub, job storage.SearchJob, message string) {
	if hub == nil {
		return
	}
	hub.Publish(notify.Event{
		JobID:     job.ID,
		UserID:    job.UserID,
		Status:    string(job.Status),
		Message:   message,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	})
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
