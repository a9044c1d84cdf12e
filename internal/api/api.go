// Package api exposes the knowledge base over HTTP (chi) and MCP.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/pipeline"
	"github.com/kalambet/techdocs/internal/query"
	"github.com/kalambet/techdocs/internal/storage"
	"github.com/kalambet/techdocs/internal/vectorstore"
)

const maxRequestBodySize = 64 << 10 // 64KB

// Deps holds what the HTTP handlers need.
type Deps struct {
	Store          *storage.Store
	Ingest         *ingest.Service
	Query          *query.Engine
	Vectors        vectorstore.Store
	Token          string
	MaxUploadBytes int64
	Logger         *slog.Logger
}

// NewHandler returns the REST API. /health is not authenticated.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(requestLog(deps.Logger))
	r.Get("/health", handleHealth(deps))

	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))

		r.Post("/documents", handleUpload(deps))
		r.Get("/documents", handleListDocuments(deps))
		r.Get("/documents/{id}", handleGetDocument(deps))
		r.Delete("/documents/{id}", handleDeleteDocument(deps))

		r.Get("/tasks/{id}", handleGetTask(deps))
		r.Post("/tasks/{id}/cancel", handleCancelTask(deps))

		r.Post("/query", handleQuery(deps))
		r.Post("/query/regenerate", handleRegenerate(deps))
		r.Get("/sessions/{id}/turns", handleSessionTurns(deps))

		r.Get("/stats", handleStats(deps))
	})
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"message": fmt.Sprintf(format, args...),
			"type":    errType,
		},
	})
}

// writeError maps domain errors onto status codes.
func writeError(w http.ResponseWriter, err error) {
	var (
		verr   *pipeline.ValidationError
		genErr *query.AnswerGenerationFailedError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error": map[string]any{
				"message": verr.Error(),
				"type":    "invalid_request_error",
				"field":   verr.Field,
			},
		})
	case errors.As(err, &genErr):
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": map[string]any{
				"message":          genErr.Error(),
				"type":             "generation_error",
				"regenerate_token": genErr.Token,
			},
		})
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, query.ErrUnknownToken):
		httpError(w, http.StatusNotFound, "not_found", "%v", err)
	case errors.Is(err, ingest.ErrTaskFinished), errors.Is(err, ingest.ErrDocumentBusy):
		httpError(w, http.StatusConflict, "conflict", "%v", err)
	case pipeline.IsTransient(err), errors.Is(err, pipeline.ErrNotReady):
		httpError(w, http.StatusServiceUnavailable, "unavailable", "%v", err)
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%v", err)
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

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]string{"status": "ok"}
		code := http.StatusOK
		if deps.Vectors != nil {
			st, err := deps.Vectors.Status(r.Context())
			switch {
			case err != nil:
				resp["status"] = "degraded"
				resp["vector_store"] = err.Error()
				code = http.StatusServiceUnavailable
			default:
				resp["vector_store"] = string(st)
				if st == vectorstore.StatusRed {
					resp["status"] = "degraded"
					code = http.StatusServiceUnavailable
				}
			}
		}
		writeJSON(w, code, resp)
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// DocumentView is the JSON shape of a document.
type DocumentView struct {
	ID        string `json:"id"`
	Filename  string `json:"filename"`
	SizeBytes int64  `json:"size_bytes"`
	PageCount int    `json:"page_count"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	Points    *int   `json:"points,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

func documentView(d storage.Document) DocumentView {
	return DocumentView{
		ID:        d.ID,
		Filename:  d.Filename,
		SizeBytes: d.SizeBytes,
		PageCount: d.PageCount,
		Status:    d.Status,
		Error:     d.Error,
		CreatedAt: formatTime(d.CreatedAt),
		UpdatedAt: formatTime(d.UpdatedAt),
	}
}

// TaskView is the JSON shape of an ingestion task.
type TaskView struct {
	ID              string `json:"id"`
	DocumentID      string `json:"document_id"`
	Status          string `json:"status"`
	Progress        int    `json:"progress"`
	StageLabel      string `json:"stage_label,omitempty"`
	Error           string `json:"error,omitempty"`
	Attempts        int    `json:"attempts"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`
	StartedAt       string `json:"started_at,omitempty"`
	CompletedAt     string `json:"completed_at,omitempty"`
	UpdatedAt       string `json:"updated_at"`
}

func taskView(t storage.Task) TaskView {
	return TaskView{
		ID:              t.ID,
		DocumentID:      t.DocumentID,
		Status:          t.Status,
		Progress:        t.Progress,
		StageLabel:      t.StageLabel,
		Error:           t.Error,
		Attempts:        t.Attempts,
		CancelRequested: t.CancelRequested,
		StartedAt:       formatTime(t.StartedAt),
		CompletedAt:     formatTime(t.CompletedAt),
		UpdatedAt:       formatTime(t.UpdatedAt),
	}
}
