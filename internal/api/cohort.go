package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatchd/internal/dispatch"
	"dispatchd/internal/engine"
	"dispatchd/internal/model"
	"dispatchd/internal/store"
)

// maxCohortBodySize allows larger bodies than single-task submissions since a
// cohort carries up to 1000 member payloads.
const maxCohortBodySize = 8 << 20 // 8 MB

// cohortResponse is the JSON response for POST /v1/cohorts.
type cohortResponse struct {
	Cohort *model.Cohort `json:"cohort"`
	Tasks  []*model.Task `json:"tasks"`
}

// cohortDetailResponse is the JSON response for GET /v1/cohorts/{id}.
type cohortDetailResponse struct {
	Cohort   *model.Cohort         `json:"cohort"`
	Progress *store.CohortProgress `json:"progress"`
}

// listCohortsResponse wraps the paginated list response.
type listCohortsResponse struct {
	Cohorts []*model.Cohort `json:"cohorts"`
	Total   int             `json:"total"`
	Limit   int             `json:"limit"`
	Offset  int             `json:"offset"`
}

// joinResponse is the JSON response for POST /v1/cohorts/{id}/join.
type joinResponse struct {
	CohortID string `json:"cohort_id"`
	Done     int    `json:"done"`
	Total    int    `json:"total"`
}

func (s *Server) handleCreateCohort(w http.ResponseWriter, r *http.Request) {
	var req createCohortRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxCohortBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := s.validate.Struct(req); err != nil {
		s.writeValidationError(w, err)
		return
	}

	now := time.Now().UTC()
	c := &model.Cohort{
		ID:        model.NewID(),
		Size:      len(req.Tasks),
		CreatedAt: now,
	}

	tasks := make([]*model.Task, len(req.Tasks))
	for i := range req.Tasks {
		tasks[i] = req.Tasks[i].toTask(c.ID, now)
	}

	if err := s.engine.SubmitCohort(r.Context(), c, tasks); err != nil {
		if errors.Is(err, dispatch.ErrQueueUnavailable) {
			s.writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}
		s.logger.Error("submit cohort", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit cohort")
		return
	}

	s.writeJSON(w, http.StatusAccepted, cohortResponse{
		Cohort: c,
		Tasks:  tasks,
	})
}

func (s *Server) handleGetCohort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.store.GetCohort(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "cohort not found")
		return
	}
	if err != nil {
		s.logger.Error("get cohort", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get cohort")
		return
	}

	p, err := s.store.GetCohortProgress(r.Context(), id)
	if err != nil {
		s.logger.Error("get cohort progress", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get cohort progress")
		return
	}

	s.writeJSON(w, http.StatusOK, cohortDetailResponse{
		Cohort:   c,
		Progress: p,
	})
}

func (s *Server) handleListCohorts(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	cohorts, total, err := s.store.ListCohorts(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list cohorts", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list cohorts")
		return
	}

	if cohorts == nil {
		cohorts = []*model.Cohort{}
	}

	s.writeJSON(w, http.StatusOK, listCohortsResponse{
		Cohorts: cohorts,
		Total:   total,
		Limit:   limit,
		Offset:  offset,
	})
}

// handleJoinCohort blocks until every member of the cohort has finished. The
// wait is bounded by the request context, plus an optional timeout_s query
// parameter for clients that want a shorter deadline than their transport's.
func (s *Server) handleJoinCohort(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	ctx := r.Context()
	if timeoutS := parseIntQuery(r, "timeout_s", 0); timeoutS > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(timeoutS)*time.Second)
		defer cancel()
	}

	err := s.engine.JoinCohort(ctx, id)
	switch {
	case err == nil:
		// Fall through to the progress response below.
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "cohort not found")
		return
	case errors.Is(err, engine.ErrCohortUnjoinable):
		s.writeError(w, http.StatusConflict, "cohort is not joinable: its tasks are not running on this server")
		return
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusGatewayTimeout, "join timed out before the cohort finished")
		return
	case errors.Is(err, context.Canceled):
		// Client went away; nothing useful to write.
		return
	default:
		s.logger.Error("join cohort", "cohort_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to join cohort")
		return
	}

	p, err := s.store.GetCohortProgress(r.Context(), id)
	if err != nil {
		s.logger.Error("get cohort progress after join", "cohort_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get cohort progress")
		return
	}

	s.writeJSON(w, http.StatusOK, joinResponse{
		CohortID: id,
		Done:     p.Done,
		Total:    p.Total,
	})
}
