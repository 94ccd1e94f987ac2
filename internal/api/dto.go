package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"dispatchd/internal/handler"
	"dispatchd/internal/model"
)

// createTaskRequest is the JSON body for POST /v1/tasks and the element
// type of a cohort submission.
type createTaskRequest struct {
	Kind     string          `json:"kind" validate:"required,kind"`
	Payload  json.RawMessage `json:"payload" validate:"required"`
	TimeoutS *int            `json:"timeout_s" validate:"omitempty,gt=0,lte=86400"`
}

// createCohortRequest is the JSON body for POST /v1/cohorts.
type createCohortRequest struct {
	Tasks []createTaskRequest `json:"tasks" validate:"required,min=1,max=1000,dive"`
}

// toTask converts the request into a pending task record. cohortID is empty
// for standalone submissions.
func (r *createTaskRequest) toTask(cohortID string, now time.Time) *model.Task {
	return &model.Task{
		ID:        model.NewID(),
		CohortID:  cohortID,
		Kind:      r.Kind,
		Payload:   r.Payload,
		Status:    model.StatusPending,
		TimeoutS:  r.TimeoutS,
		CreatedAt: now,
	}
}

// newValidator builds the request validator. The custom "kind" rule checks
// submissions against the live handler registry, so a task for a kind the
// server cannot run is rejected at the door instead of failing on a worker.
func newValidator(reg *handler.Registry) *validator.Validate {
	validate := validator.New()

	_ = validate.RegisterValidation("kind", func(fl validator.FieldLevel) bool {
		return reg.Has(fl.Field().String())
	})

	return validate
}

// validationErrorResponse is the 400 body for requests that fail validation.
type validationErrorResponse struct {
	Error   string   `json:"error"`
	Details []string `json:"details"`
}

// writeValidationError maps validator failures to a 400 with per-field detail.
func (s *Server) writeValidationError(w http.ResponseWriter, err error) {
	var details []string
	if verrs, ok := err.(validator.ValidationErrors); ok {
		for _, verr := range verrs {
			details = append(details,
				"field '"+verr.Field()+"' failed on the '"+verr.Tag()+"' rule",
			)
		}
	}

	s.writeJSON(w, http.StatusBadRequest, validationErrorResponse{
		Error:   "validation failed",
		Details: details,
	})
}
