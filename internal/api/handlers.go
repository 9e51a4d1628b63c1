package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mailhop/mailhop/internal/dispatch"
	"github.com/mailhop/mailhop/internal/message"
	"github.com/mailhop/mailhop/internal/queue"
	"github.com/mailhop/mailhop/internal/structure"
	"github.com/mailhop/mailhop/internal/webhook"
)

// SendRequest is the request body for POST /send
type SendRequest struct {
	To             []string          `json:"to"`
	From           string            `json:"from,omitempty"`
	Template       string            `json:"template"`
	Locale         string            `json:"locale,omitempty"`
	Variables      structure.Value   `json:"variables,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
}

// SendResponse is the response for POST /send
type SendResponse struct {
	ID         string   `json:"id"`
	Status     string   `json:"status"`
	Duplicate  bool     `json:"duplicate,omitempty"`
	Suppressed []string `json:"suppressed,omitempty"`
}

// MessageResponse is the response for GET /messages/{id}
type MessageResponse struct {
	ID                string            `json:"id"`
	Status            string            `json:"status"`
	To                []string          `json:"to"`
	From              string            `json:"from,omitempty"`
	Template          string            `json:"template"`
	Locale            string            `json:"locale,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	Attempts          int               `json:"attempts"`
	LastError         string            `json:"last_error,omitempty"`
	Provider          string            `json:"provider,omitempty"`
	ProviderMessageID string            `json:"provider_message_id,omitempty"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// QueueResponse is the response for GET /queue
type QueueResponse struct {
	Queue    *queue.Stats     `json:"queue"`
	Statuses map[string]int64 `json:"statuses"`
}

// WebhookRequest is the request body for POST /webhooks/provider
type WebhookRequest struct {
	Events []webhook.Event `json:"events"`
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status   string       `json:"status"`
	Uptime   string       `json:"uptime"`
	Queue    *queue.Stats `json:"queue,omitempty"`
	Provider string       `json:"provider,omitempty"`
}

// SuppressionRequest is the request body for POST /suppressions
type SuppressionRequest struct {
	Address string `json:"address"`
	Reason  string `json:"reason,omitempty"`
}

// ErrorResponse is the error response
type ErrorResponse struct {
	Error string `json:"error"`
}

// handleSend handles POST /api/v1/send
func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req SendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	// The header wins over the body field when both are present.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	result, err := s.deps.Dispatcher.Submit(r.Context(), &dispatch.SubmitRequest{
		Recipients:     req.To,
		Sender:         req.From,
		TemplateKey:    req.Template,
		Locale:         req.Locale,
		Variables:      req.Variables,
		Metadata:       req.Metadata,
		WebhookURL:     req.WebhookURL,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		s.sendSubmitError(w, err)
		return
	}

	status := http.StatusAccepted
	if result.Duplicate {
		status = http.StatusOK
	} else {
		s.logger.Info("message queued via API",
			"id", result.Message.ID,
			"template", result.Message.TemplateKey,
			"recipients", len(result.Message.Recipients),
		)
	}

	s.sendJSON(w, status, SendResponse{
		ID:         result.Message.ID,
		Status:     string(result.Message.Status),
		Duplicate:  result.Duplicate,
		Suppressed: result.Suppressed,
	})
}

// sendSubmitError maps dispatcher errors onto HTTP status codes
func (s *Server) sendSubmitError(w http.ResponseWriter, err error) {
	var validationErr *dispatch.ValidationError
	if errors.As(err, &validationErr) {
		s.sendError(w, http.StatusBadRequest, validationErr.Error())
		return
	}

	var rateErr *dispatch.RateLimitError
	if errors.As(err, &rateErr) {
		retryAfter := int(rateErr.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.sendError(w, http.StatusTooManyRequests, err.Error())
		return
	}

	if errors.Is(err, dispatch.ErrTemplateNotFound) {
		s.sendError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	s.logger.Error("failed to submit message", "error", err)
	s.sendError(w, http.StatusInternalServerError, "Failed to submit message")
}

// handleMessage handles GET /api/v1/messages/{id}
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		s.sendError(w, http.StatusBadRequest, "id is required")
		return
	}

	msg, err := s.deps.Messages.Get(r.Context(), id)
	if errors.Is(err, message.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Message not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get message", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get message")
		return
	}

	s.sendJSON(w, http.StatusOK, MessageResponse{
		ID:                msg.ID,
		Status:            string(msg.Status),
		To:                msg.Recipients,
		From:              msg.Sender,
		Template:          msg.TemplateKey,
		Locale:            msg.Locale,
		Metadata:          msg.Metadata,
		Attempts:          msg.Attempts,
		LastError:         msg.LastError,
		Provider:          msg.Provider,
		ProviderMessageID: msg.ProviderMessageID,
		CreatedAt:         msg.CreatedAt,
		UpdatedAt:         msg.UpdatedAt,
	})
}

// handleQueue handles GET /api/v1/queue
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Queue.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get queue stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get queue stats")
		return
	}

	counts, err := s.deps.Messages.CountByStatus(r.Context())
	if err != nil {
		s.logger.Error("failed to count messages", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to count messages")
		return
	}

	statuses := make(map[string]int64, len(counts))
	for st, n := range counts {
		statuses[string(st)] = n
	}

	s.sendJSON(w, http.StatusOK, QueueResponse{
		Queue:    stats,
		Statuses: statuses,
	})
}

// handleWebhook handles POST /api/v1/webhooks/provider
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req WebhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if len(req.Events) == 0 {
		s.sendError(w, http.StatusBadRequest, "events must not be empty")
		return
	}

	result, err := s.deps.Reconciler.Ingest(r.Context(), req.Events)
	if err != nil {
		s.logger.Error("failed to ingest webhook events", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to ingest events")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleSuppressionList handles GET /api/v1/suppressions
func (s *Server) handleSuppressionList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)

	entries, err := s.deps.Suppressions.List(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("failed to list suppressions", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list suppressions")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"suppressions": entries,
		"count":        len(entries),
	})
}

// handleSuppressionAdd handles POST /api/v1/suppressions
func (s *Server) handleSuppressionAdd(w http.ResponseWriter, r *http.Request) {
	var req SuppressionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := s.deps.Suppressions.Add(r.Context(), req.Address, req.Reason); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.logger.Info("suppression added", "address", req.Address, "reason", req.Reason)
	w.WriteHeader(http.StatusNoContent)
}

// handleSuppressionRemove handles DELETE /api/v1/suppressions/{address}
func (s *Server) handleSuppressionRemove(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if address == "" {
		s.sendError(w, http.StatusBadRequest, "address is required")
		return
	}

	if err := s.deps.Suppressions.Remove(r.Context(), address); err != nil {
		s.logger.Error("failed to remove suppression", "address", address, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to remove suppression")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.deps.Queue.Stats(r.Context())

	resp := HealthResponse{
		Status: "ok",
		Uptime: time.Since(s.startTime).String(),
		Queue:  stats,
	}

	if s.deps.Provider != nil {
		resp.Provider = s.deps.Provider.Name()
		checkCtx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.deps.Provider.HealthCheck(checkCtx); err != nil {
			resp.Status = "degraded"
			s.logger.Warn("provider health check failed", "provider", resp.Provider, "error", err)
		}
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// sendJSON sends a JSON response
func (s *Server) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *Server) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}

// queryInt parses an integer query parameter with a default
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
