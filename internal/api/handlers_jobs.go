package api

import (
	"context"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/serviceability-scanner/internal/job"
	"github.com/serviceability-scanner/internal/models"
)

// handleStartJob handles POST /api/jobs
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	var req job.StartInput
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "Invalid request body", nil)
		return
	}

	if req.SelectionID != nil {
		if _, err := s.svc.Selections.GetByID(r.Context(), *req.SelectionID); err != nil {
			respondServiceError(w, r, notFoundOr(err, "selection", *req.SelectionID))
			return
		}
	}

	created, err := s.svc.Jobs.Start(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// handleListJobs handles GET /api/jobs?selectionId=
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var selectionID *string
	if v := r.URL.Query().Get("selectionId"); v != "" {
		selectionID = &v
	}

	jobs, err := s.svc.Jobs.List(r.Context(), selectionID)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs})
}

// handleGetJob handles GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.svc.Jobs.Get)
}

func (s *Server) handlePauseJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.svc.Jobs.Pause)
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.svc.Jobs.Resume)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	s.jobAction(w, r, s.svc.Jobs.Cancel)
}

func (s *Server) jobAction(w http.ResponseWriter, r *http.Request, action func(ctx context.Context, id string) (*models.BatchJob, error)) {
	result, err := action(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, jobView{BatchJob: result, Progress: result.Progress()})
}

// jobView adds the derived progress percentage to a job
type jobView struct {
	*models.BatchJob
	Progress float64 `json:"progress"`
}

// handleListProviders handles GET /api/providers
func (s *Server) handleListProviders(w http.ResponseWriter, r *http.Request) {
	names := []string{}
	if s.svc.Providers != nil {
		names = s.svc.Providers.Names()
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"providers": names})
}
