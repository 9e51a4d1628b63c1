package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mailhop/mailhop/internal/provider"
)

// SandboxListResponse is the response for GET /api/v1/sandbox/messages
type SandboxListResponse struct {
	Messages []*provider.CapturedMail `json:"messages"`
	Total    int                      `json:"total"`
}

// handleSandboxList handles GET /api/v1/sandbox/messages
func (s *Server) handleSandboxList(w http.ResponseWriter, r *http.Request) {
	filter := provider.CaptureFilter{
		From:   r.URL.Query().Get("from"),
		To:     r.URL.Query().Get("to"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	}

	messages, err := s.deps.Sandbox.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list sandbox messages")
		return
	}

	s.sendJSON(w, http.StatusOK, SandboxListResponse{
		Messages: messages,
		Total:    len(messages),
	})
}

// handleSandboxGet handles GET /api/v1/sandbox/messages/{id}
func (s *Server) handleSandboxGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	msg, err := s.deps.Sandbox.Get(r.Context(), id)
	if errors.Is(err, provider.ErrCaptureNotFound) {
		s.sendError(w, http.StatusNotFound, "Sandbox message not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get sandbox message", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get sandbox message")
		return
	}

	s.sendJSON(w, http.StatusOK, msg)
}

// handleSandboxClear handles DELETE /api/v1/sandbox/messages
func (s *Server) handleSandboxClear(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.deps.Sandbox.Clear(r.Context())
	if err != nil {
		s.logger.Error("failed to clear sandbox messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to clear sandbox messages")
		return
	}

	s.logger.Info("sandbox messages cleared", "deleted", deleted)
	s.sendJSON(w, http.StatusOK, map[string]int{"deleted": deleted})
}
