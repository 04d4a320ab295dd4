package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/antoniostano/telecare/internal/calls"
)

func (s *Server) handleActiveCalls(w http.ResponseWriter, _ *http.Request) {
	entries := s.deps.Coordinator.ActiveCalls()
	respondJSON(w, http.StatusOK, map[string]any{"count": len(entries), "calls": entries})
}

func (s *Server) handleGetCall(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call session id")
		return
	}
	sess, err := s.deps.Coordinator.Get(r.Context(), id)
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleMarkMissed(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if id == "" {
		respondError(w, http.StatusBadRequest, "invalid_call_id", "missing call session id")
		return
	}
	sess, err := s.deps.Coordinator.MarkMissed(r.Context(), id)
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Call marked as missed",
		"session": sess,
	})
}

func (s *Server) handleCallHistory(w http.ResponseWriter, r *http.Request) {
	userID, limit, ok := userQuery(w, r)
	if !ok {
		return
	}
	sessions, err := s.deps.Coordinator.History(r.Context(), userID, limit)
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(sessions), "calls": sessions})
}

func (s *Server) handleMissedCalls(w http.ResponseWriter, r *http.Request) {
	userID, limit, ok := userQuery(w, r)
	if !ok {
		return
	}
	sessions, err := s.deps.Coordinator.Missed(r.Context(), userID, limit)
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"count": len(sessions), "calls": sessions})
}

func (s *Server) handleCallStatistics(w http.ResponseWriter, r *http.Request) {
	userID, _, ok := userQuery(w, r)
	if !ok {
		return
	}
	stats, err := s.deps.Coordinator.Statistics(r.Context(), userID)
	if err != nil {
		respondCallError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, stats)
}

func userQuery(w http.ResponseWriter, r *http.Request) (userID string, limit int, ok bool) {
	userID = strings.TrimSpace(chi.URLParam(r, "userId"))
	if userID == "" {
		respondError(w, http.StatusBadRequest, "invalid_user_id", "missing user id")
		return "", 0, false
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return "", 0, false
		}
		limit = n
	}
	return userID, limit, true
}

func respondCallError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, calls.ErrSessionNotFound):
		respondError(w, http.StatusNotFound, "session_not_found", "Call session not found")
	case errors.Is(err, calls.ErrInvalidTransition):
		respondError(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, calls.ErrPersistence):
		respondError(w, http.StatusServiceUnavailable, "persistence_failure", "call store unavailable")
	default:
		respondError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
