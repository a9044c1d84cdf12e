package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/techdocs/internal/ingest"
	"github.com/kalambet/techdocs/internal/pipeline"
)

// multipartOverhead allows for part headers and boundaries around the file.
const multipartOverhead = 1 << 20

// SubmissionView is returned by POST /documents.
type SubmissionView struct {
	Document DocumentView `json:"document"`
	Task     TaskView     `json:"task"`
}

func handleUpload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := deps.MaxUploadBytes + multipartOverhead
		if r.ContentLength > limit {
			writeError(w, pipeline.NewValidationError("file", "%d bytes exceeds the %d MB limit", r.ContentLength, deps.MaxUploadBytes>>20))
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, limit)
		defer r.Body.Close()

		mr, err := r.MultipartReader()
		if err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "expected multipart/form-data: %v", err)
			return
		}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				writeError(w, pipeline.NewValidationError("file", "is required"))
				return
			}
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "reading multipart body: %v", err)
				return
			}
			if part.FormName() != "file" {
				part.Close()
				continue
			}

			sub, err := deps.Ingest.Submit(r.Context(), ingest.Upload{
				Filename: part.FileName(),
				Size:     -1,
				Body:     part,
			})
			part.Close()
			if err != nil {
				writeError(w, err)
				return
			}
			writeJSON(w, http.StatusAccepted, SubmissionView{
				Document: documentView(sub.Document),
				Task:     taskView(sub.Task),
			})
			return
		}
	}
}

func handleListDocuments(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 100, 1000)
		docs, err := deps.Store.ListDocuments(r.Context(), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]DocumentView, len(docs))
		for i, d := range docs {
			out[i] = documentView(d)
		}
		writeJSON(w, http.StatusOK, out)
	}
}

// DocumentDetail is a document with its latest task and point count.
type DocumentDetail struct {
	DocumentView
	Task *TaskView `json:"task,omitempty"`
}

func handleGetDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		doc, err := deps.Store.GetDocument(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		out := DocumentDetail{DocumentView: documentView(doc)}
		if deps.Vectors != nil {
			n, err := deps.Vectors.CountByDocument(r.Context(), id)
			if err != nil {
				writeError(w, err)
				return
			}
			out.Points = &n
		}
		if task, err := deps.Store.LatestTaskForDocument(r.Context(), id); err == nil {
			tv := taskView(task)
			out.Task = &tv
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func handleDeleteDocument(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := deps.Ingest.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	}
}

func handleGetTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := deps.Store.GetTask(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, taskView(task))
	}
}

func handleCancelTask(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := deps.Ingest.Cancel(r.Context(), id); err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"id": id, "status": "cancel_requested"})
	}
}

// StatsView is returned by GET /stats.
type StatsView struct {
	Points    int            `json:"points"`
	Documents []DocumentView `json:"documents"`
	Tasks     map[string]int `json:"tasks"`
}

func handleStats(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		st, err := deps.Ingest.Stats(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, statsView(st))
	}
}

func statsView(st *ingest.Stats) StatsView {
	out := StatsView{Points: st.Points, Tasks: st.Tasks, Documents: make([]DocumentView, len(st.Documents))}
	for i, d := range st.Documents {
		v := documentView(d.Document)
		n := d.Points
		v.Points = &n
		out.Documents[i] = v
	}
	return out
}
