package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/kotori-audio/kotori/internal/service"
	"github.com/kotori-audio/kotori/pkg/logger"
	"github.com/kotori-audio/kotori/pkg/models"
)

// Server encapsulates the HTTP server and its dependencies
type Server struct {
	engine *service.Engine
	config *ServerConfig
	log    service.Logger
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port           int
	DBPath         string
	AllowedOrigins []string
}

// NewServer creates a new server instance
func NewServer(engine *service.Engine, config *ServerConfig) *Server {
	return &Server{
		engine: engine,
		config: config,
		log:    logger.GetLogger(),
	}
}

// respondJSON writes a JSON response
func (s *Server) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Errorf("Failed to encode JSON response: %v", err)
	}
}

// respondError writes an error response
func (s *Server) respondError(w http.ResponseWriter, statusCode int, message string) {
	s.respondJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// respondEngineError maps engine error classes to HTTP statuses.
func (s *Server) respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case service.ErrValidation.Has(err):
		s.respondError(w, http.StatusBadRequest, err.Error())
	case service.ErrNotFound.Has(err):
		s.respondError(w, http.StatusForbidden, err.Error())
	default:
		s.log.Errorf("Engine error: %v", err)
		s.respondError(w, http.StatusInternalServerError, "internal error")
	}
}

// userFromRequest reads the pre-verified acting user id. Authentication
// happens upstream; this layer only relays the id.
func userFromRequest(r *http.Request) (uint, bool) {
	raw := r.Header.Get("X-User-ID")
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		return 0, false
	}
	return uint(id), true
}

// handleRoot handles GET /
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	s.respondJSON(w, http.StatusOK, map[string]any{
		"service": "kotori API",
		"version": "1.0.0",
		"endpoints": map[string]string{
			"health":      "GET /health",
			"metrics":     "GET /api/health/metrics",
			"tagNames":    "GET /api/tags",
			"listTracks":  "GET /api/tracks",
			"insertAll":   "POST /api/tracks",
			"updateAll":   "PUT /api/tracks",
			"queryTracks": "POST /api/tracks/query",
		},
	})
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// handleMetrics handles GET /api/health/metrics
func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	tracks, fingerprints, revisions, err := s.engine.Counts(r.Context())
	if err != nil {
		s.log.Errorf("Failed to get counts: %v", err)
		s.respondError(w, http.StatusInternalServerError, "Failed to retrieve metrics")
		return
	}

	s.respondJSON(w, http.StatusOK, MetricsResponse{
		Status:           "healthy",
		DatabasePath:     s.config.DBPath,
		TrackCount:       tracks,
		FingerprintCount: fingerprints,
		RevisionCount:    revisions,
	})
}

// handleTagNames handles GET /api/tags
func (s *Server) handleTagNames(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	names, err := s.engine.TagNames(r.Context())
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, TagNamesResponse{Tags: names, Count: len(names)})
}

// handleQuery handles POST /api/tracks/query
func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	results, err := s.engine.Query(r.Context(), req.Fingerprints)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, QueryResponse{Results: results, Count: len(results)})
}

// handleTracks dispatches /api/tracks by method
func (s *Server) handleTracks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.handleListTracks(w, r)
	case http.MethodPost:
		s.handleInsertAll(w, r)
	case http.MethodPut:
		s.handleUpdateAll(w, r)
	default:
		s.respondError(w, http.StatusMethodNotAllowed, "Method not allowed")
	}
}

// handleListTracks handles GET /api/tracks
func (s *Server) handleListTracks(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 && v <= 1000 {
			limit = v
		}
	}
	if raw := r.URL.Query().Get("offset"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v >= 0 {
			offset = v
		}
	}

	tracks, err := s.engine.ListTracks(r.Context(), limit, offset)
	if err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, ListTracksResponse{Tracks: tracks, Count: len(tracks)})
}

// handleInsertAll handles POST /api/tracks
func (s *Server) handleInsertAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(r)
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "Missing or invalid X-User-ID header")
		return
	}

	var req InsertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	inserts := make([]models.InsertItem, 0, len(req.Inserts))
	for _, item := range req.Inserts {
		tags, err := convertTags(item.Tags)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		inserts = append(inserts, models.InsertItem{Fingerprint: item.Fingerprint, Tags: tags})
	}

	if err := s.engine.InsertAll(r.Context(), userID, inserts); err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusCreated, MutationResponse{
		Message: "tracks inserted",
		Count:   len(inserts),
	})
}

// handleUpdateAll handles PUT /api/tracks
func (s *Server) handleUpdateAll(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFromRequest(r)
	if !ok {
		s.respondError(w, http.StatusUnauthorized, "Missing or invalid X-User-ID header")
		return
	}

	var req UpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.respondError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		s.respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	updates := make([]models.UpdateItem, 0, len(req.Updates))
	for _, item := range req.Updates {
		tags, err := convertTags(item.Tags)
		if err != nil {
			s.respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		updates = append(updates, models.UpdateItem{TrackID: item.TrackID, Tags: tags})
	}

	if err := s.engine.UpdateAll(r.Context(), userID, updates); err != nil {
		s.respondEngineError(w, err)
		return
	}

	s.respondJSON(w, http.StatusOK, MutationResponse{
		Message: "tracks updated",
		Count:   len(updates),
	})
}
