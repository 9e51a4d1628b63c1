package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mailhop/mailhop/internal/structure"
	"github.com/mailhop/mailhop/internal/template"
)

// TemplateServer handles template API endpoints
type TemplateServer struct {
	store  *template.Store
	engine *template.Engine
	logger *slog.Logger
}

// NewTemplateServer creates a new template server
func NewTemplateServer(store *template.Store, engine *template.Engine, logger *slog.Logger) *TemplateServer {
	return &TemplateServer{
		store:  store,
		engine: engine,
		logger: logger,
	}
}

// RegisterRoutes registers template API routes
func (s *TemplateServer) RegisterRoutes(r chi.Router) {
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Post("/", s.handleCreate)
		r.Get("/{key}", s.handleGet)
		r.Put("/{key}", s.handleUpdate)
		r.Delete("/{key}", s.handleDelete)
		r.Post("/{key}/preview", s.handlePreview)
		r.Get("/{key}/variables", s.handleVariables)

		r.Route("/{key}/locales", func(r chi.Router) {
			r.Get("/", s.handleLocaleList)
			r.Post("/", s.handleLocaleCreate)
			r.Get("/{locale}", s.handleLocaleGet)
			r.Put("/{locale}", s.handleLocaleUpdate)
			r.Delete("/{locale}", s.handleLocaleDelete)
		})
	})
}

// TemplateCreateRequest is the request for creating a template
type TemplateCreateRequest struct {
	Key       string                  `json:"key"`
	Name      string                  `json:"name"`
	Category  string                  `json:"category,omitempty"`
	Variables []template.VariableInfo `json:"variables,omitempty"`
	Structure structure.Value         `json:"structure"`
}

// TemplateUpdateRequest is the request for updating a template. The key is
// taken from the URL and cannot change.
type TemplateUpdateRequest struct {
	Name      string                  `json:"name"`
	Category  string                  `json:"category,omitempty"`
	Variables []template.VariableInfo `json:"variables,omitempty"`
	Structure structure.Value         `json:"structure"`
}

// TemplateListResponse is the response for listing templates
type TemplateListResponse struct {
	Templates []*template.Template `json:"templates"`
	Total     int                  `json:"total"`
}

// LocaleRequest is the request for creating or updating a locale override
type LocaleRequest struct {
	Locale    string          `json:"locale"`
	Structure structure.Value `json:"structure"`
}

// PreviewRequest is the request for previewing a template
type PreviewRequest struct {
	Locale    string          `json:"locale,omitempty"`
	Variables structure.Value `json:"variables,omitempty"`
}

// handleList handles GET /api/v1/templates
func (s *TemplateServer) handleList(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		Category: r.URL.Query().Get("category"),
		Limit:    queryInt(r, "limit", 0),
		Offset:   queryInt(r, "offset", 0),
	}

	templates, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}

	s.sendJSON(w, http.StatusOK, TemplateListResponse{
		Templates: templates,
		Total:     len(templates),
	})
}

// handleCreate handles POST /api/v1/templates
func (s *TemplateServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req TemplateCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Key == "" {
		s.sendError(w, http.StatusBadRequest, "key is required")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := template.ValidateFallbacks(req.Structure); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	tmpl := &template.Template{
		ID:        uuid.New().String(),
		Key:       req.Key,
		Name:      req.Name,
		Category:  req.Category,
		Variables: req.Variables,
		Structure: req.Structure,
	}

	if err := s.store.Create(r.Context(), tmpl); err != nil {
		if errors.Is(err, template.ErrDuplicateKey) {
			s.sendError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to create template", "key", req.Key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create template")
		return
	}

	s.logger.Info("template created", "key", tmpl.Key, "id", tmpl.ID)
	s.sendJSON(w, http.StatusCreated, tmpl)
}

// handleGet handles GET /api/v1/templates/{key}
func (s *TemplateServer) handleGet(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	tmpl, err := s.store.GetByKey(r.Context(), key)
	if errors.Is(err, template.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get template", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleUpdate handles PUT /api/v1/templates/{key}
func (s *TemplateServer) handleUpdate(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req TemplateUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}
	if err := template.ValidateFallbacks(req.Structure); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	tmpl := &template.Template{
		Key:       key,
		Name:      req.Name,
		Category:  req.Category,
		Variables: req.Variables,
		Structure: req.Structure,
	}

	if err := s.store.Update(r.Context(), tmpl); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		s.logger.Error("failed to update template", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update template")
		return
	}

	s.logger.Info("template updated", "key", key)
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleDelete handles DELETE /api/v1/templates/{key}
func (s *TemplateServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	if err := s.store.Delete(r.Context(), key); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		s.logger.Error("failed to delete template", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}

	s.logger.Info("template deleted", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

// handlePreview handles POST /api/v1/templates/{key}/preview
func (s *TemplateServer) handlePreview(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	var req PreviewRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Locale != "" && !template.IsSupportedLocale(req.Locale) {
		s.sendError(w, http.StatusBadRequest, "unsupported locale")
		return
	}

	result, err := s.engine.Compose(r.Context(), key, req.Locale, req.Variables)
	if errors.Is(err, template.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to render preview", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to render preview")
		return
	}

	s.sendJSON(w, http.StatusOK, result)
}

// handleVariables handles GET /api/v1/templates/{key}/variables
func (s *TemplateServer) handleVariables(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "key")

	tmpl, err := s.store.GetByKey(r.Context(), key)
	if errors.Is(err, template.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get template", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	detected := template.DetectVariables(tmpl.Structure)
	s.sendJSON(w, http.StatusOK, map[string]any{
		"declared": tmpl.Variables,
		"detected": detected,
	})
}

// handleLocaleList handles GET /api/v1/templates/{key}/locales
func (s *TemplateServer) handleLocaleList(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.lookup(w, r)
	if !ok {
		return
	}

	locales, err := s.store.ListLocales(r.Context(), tmpl.ID)
	if err != nil {
		s.logger.Error("failed to list locales", "key", tmpl.Key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list locales")
		return
	}

	s.sendJSON(w, http.StatusOK, map[string]any{
		"locales": locales,
		"count":   len(locales),
	})
}

// handleLocaleCreate handles POST /api/v1/templates/{key}/locales
func (s *TemplateServer) handleLocaleCreate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req LocaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if !template.IsSupportedLocale(req.Locale) {
		s.sendError(w, http.StatusBadRequest, "unsupported locale")
		return
	}
	if err := template.ValidateFallbacks(req.Structure); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	loc := &template.Locale{
		TemplateID: tmpl.ID,
		Locale:     req.Locale,
		Structure:  req.Structure,
	}

	if err := s.store.CreateLocale(r.Context(), loc); err != nil {
		if errors.Is(err, template.ErrDuplicateKey) {
			s.sendError(w, http.StatusConflict, err.Error())
			return
		}
		s.logger.Error("failed to create locale", "key", tmpl.Key, "locale", req.Locale, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create locale")
		return
	}

	s.logger.Info("locale created", "key", tmpl.Key, "locale", loc.Locale)
	s.sendJSON(w, http.StatusCreated, loc)
}

// handleLocaleGet handles GET /api/v1/templates/{key}/locales/{locale}
func (s *TemplateServer) handleLocaleGet(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.lookup(w, r)
	if !ok {
		return
	}

	locale := chi.URLParam(r, "locale")
	loc, err := s.store.GetLocale(r.Context(), tmpl.ID, locale)
	if errors.Is(err, template.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Locale not found")
		return
	}
	if err != nil {
		s.logger.Error("failed to get locale", "key", tmpl.Key, "locale", locale, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get locale")
		return
	}

	s.sendJSON(w, http.StatusOK, loc)
}

// handleLocaleUpdate handles PUT /api/v1/templates/{key}/locales/{locale}
func (s *TemplateServer) handleLocaleUpdate(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.lookup(w, r)
	if !ok {
		return
	}

	var req LocaleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := template.ValidateFallbacks(req.Structure); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	loc := &template.Locale{
		TemplateID: tmpl.ID,
		Locale:     chi.URLParam(r, "locale"),
		Structure:  req.Structure,
	}

	if err := s.store.UpdateLocale(r.Context(), loc); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Locale not found")
			return
		}
		s.logger.Error("failed to update locale", "key", tmpl.Key, "locale", loc.Locale, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to update locale")
		return
	}

	s.sendJSON(w, http.StatusOK, loc)
}

// handleLocaleDelete handles DELETE /api/v1/templates/{key}/locales/{locale}
func (s *TemplateServer) handleLocaleDelete(w http.ResponseWriter, r *http.Request) {
	tmpl, ok := s.lookup(w, r)
	if !ok {
		return
	}

	locale := chi.URLParam(r, "locale")
	if err := s.store.DeleteLocale(r.Context(), tmpl.ID, locale); err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Locale not found")
			return
		}
		s.logger.Error("failed to delete locale", "key", tmpl.Key, "locale", locale, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete locale")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// lookup resolves the {key} URL parameter to a template, writing the error
// response itself when the template is missing.
func (s *TemplateServer) lookup(w http.ResponseWriter, r *http.Request) (*template.Template, bool) {
	key := chi.URLParam(r, "key")

	tmpl, err := s.store.GetByKey(r.Context(), key)
	if errors.Is(err, template.ErrNotFound) {
		s.sendError(w, http.StatusNotFound, "Template not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get template", "key", key, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return nil, false
	}
	return tmpl, true
}

// sendJSON sends a JSON response
func (s *TemplateServer) sendJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// sendError sends an error response
func (s *TemplateServer) sendError(w http.ResponseWriter, status int, message string) {
	s.sendJSON(w, status, ErrorResponse{Error: message})
}
