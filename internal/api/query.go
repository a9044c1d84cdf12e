package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/techdocs/internal/query"
)

func handleQuery(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req query.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		ans, err := deps.Query.Ask(r.Context(), req)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

type regenerateRequest struct {
	Token string `json:"token"`
}

func handleRegenerate(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
		defer r.Body.Close()

		var req regenerateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if strings.TrimSpace(req.Token) == "" {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "token is required")
			return
		}
		ans, err := deps.Query.RegenerateToken(r.Context(), req.Token)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ans)
	}
}

// TurnView is a stored conversation turn.
type TurnView struct {
	ID        string          `json:"id"`
	Question  string          `json:"question"`
	Mode      string          `json:"mode"`
	Answer    string          `json:"answer"`
	Sources   json.RawMessage `json:"sources"`
	FollowUps json.RawMessage `json:"follow_ups"`
	NoContext bool            `json:"no_context,omitempty"`
	CreatedAt string          `json:"created_at"`
}

func handleSessionTurns(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := parseIntParam(r, "limit", 0, 500)
		turns, err := deps.Store.RecentTurns(r.Context(), chi.URLParam(r, "id"), limit)
		if err != nil {
			writeError(w, err)
			return
		}
		out := make([]TurnView, len(turns))
		for i, t := range turns {
			out[i] = TurnView{
				ID:        t.ID,
				Question:  t.Question,
				Mode:      t.Mode,
				Answer:    t.Answer,
				Sources:   json.RawMessage(t.SourcesJSON),
				FollowUps: json.RawMessage(t.FollowUps),
				NoContext: t.NoContext,
				CreatedAt: formatTime(t.CreatedAt),
			}
		}
		writeJSON(w, http.StatusOK, out)
	}
}
