package api

import (
	stderrors "errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/serviceability-scanner/internal/errors"
	"github.com/serviceability-scanner/internal/models"
	"github.com/serviceability-scanner/internal/storage"
)

// notFoundOr maps storage.ErrNotFound to a 404 and anything else to a database error
func notFoundOr(err error, resource, id string) error {
	if stderrors.Is(err, storage.ErrNotFound) {
		return errors.NewNotFoundError(resource, id)
	}
	return errors.NewDatabaseError("get "+resource, err)
}

// handleCreateSelection handles POST /api/selections with {name, sourceId}
func (s *Server) handleCreateSelection(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		SourceID string `json:"sourceId"`
	}
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}
	if req.SourceID == "" {
		respondServiceError(w, r, errors.NewInvalidParameterError("sourceId", "required"))
		return
	}

	source, err := s.svc.Sources.GetByID(r.Context(), req.SourceID)
	if err != nil {
		respondServiceError(w, r, notFoundOr(err, "source", req.SourceID))
		return
	}

	name := req.Name
	if name == "" {
		name = source.Name
	}
	selection := &models.Selection{
		ID:        uuid.NewString(),
		Name:      name,
		SourceID:  &source.ID,
		CreatedAt: time.Now().UTC(),
	}

	count, err := s.svc.Selections.CreateFromSource(r.Context(), selection)
	if err != nil {
		respondServiceError(w, r, errors.NewDatabaseError("create selection", err))
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"selection":    selection,
		"addressCount": count,
	})
}

// handleGetSelection handles GET /api/selections/{id}
func (s *Server) handleGetSelection(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	selection, err := s.svc.Selections.GetByID(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, notFoundOr(err, "selection", id))
		return
	}
	respondJSON(w, http.StatusOK, selection)
}

// handleSnapshot handles GET /api/selections/{id}/snapshot?at=RFC3339; at defaults to now
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	at := time.Now().UTC()
	if raw := r.URL.Query().Get("at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			respondServiceError(w, r, errors.NewInvalidParameterError("at", "must be an RFC 3339 timestamp"))
			return
		}
		at = parsed
	}

	result, err := s.svc.Snapshots.Snapshot(r.Context(), id, at)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

// handleTimeline handles GET /api/selections/{id}/timeline
func (s *Server) handleTimeline(w http.ResponseWriter, r *http.Request) {
	timeline, err := s.svc.Snapshots.Timeline(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, timeline)
}
