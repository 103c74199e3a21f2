package httpx

import (
	"errors"
	"net/http"

	"github.com/odyssey-erp/backoffice/internal/shared"
)

// RespondError maps domain errors to HTTP responses using RFC7807.
func RespondError(w http.ResponseWriter, err error) {
	var (
		validation   *shared.ValidationError
		insufficient *shared.InsufficientStockError
	)
	switch {
	case errors.As(err, &insufficient):
		JSON(w, http.StatusUnprocessableEntity, InsufficientStockProblem{
			ProblemDetail: ProblemDetail{Title: "Insufficient Stock", Status: http.StatusUnprocessableEntity, Detail: err.Error()},
			BatchID:       insufficient.BatchID,
			Requested:     insufficient.Requested.String(),
			Available:     insufficient.Available.String(),
		})
	case errors.Is(err, shared.ErrInsufficientStock):
		Problem(w, http.StatusUnprocessableEntity, "Insufficient Stock", err.Error())
	case errors.As(err, &validation):
		JSON(w, http.StatusBadRequest, ValidationProblem{
			ProblemDetail: ProblemDetail{Title: "Validation Failed", Status: http.StatusBadRequest, Detail: err.Error()},
			Field:         validation.Field,
		})
	case errors.Is(err, shared.ErrValidation):
		Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
	case errors.Is(err, shared.ErrNotFound):
		Problem(w, http.StatusNotFound, "Not Found", err.Error())
	case errors.Is(err, shared.ErrAlreadyProcessed):
		Problem(w, http.StatusConflict, "Already Processed", err.Error())
	case errors.Is(err, shared.ErrInvalidTransition):
		Problem(w, http.StatusConflict, "Invalid State Transition", err.Error())
	case errors.Is(err, shared.ErrConflict):
		Problem(w, http.StatusConflict, "Conflict", err.Error())
	case errors.Is(err, shared.ErrUnauthorized):
		Problem(w, http.StatusUnauthorized, "Unauthorized", err.Error())
	default:
		Problem(w, http.StatusInternalServerError, "Internal Error", "")
	}
}

// InsufficientStockProblem extends the problem body with the shortage.
type InsufficientStockProblem struct {
	ProblemDetail
	BatchID   int64  `json:"batch_id"`
	Requested string `json:"requested"`
	Available string `json:"available"`
}

// ValidationProblem names the offending field.
type ValidationProblem struct {
	ProblemDetail
	Field string `json:"field,omitempty"`
}

// IsInternal reports whether err falls outside the domain taxonomy and maps to 500.
func IsInternal(err error) bool {
	for _, known := range []error{
		shared.ErrValidation, shared.ErrNotFound, shared.ErrInsufficientStock, shared.ErrAlreadyProcessed,
		shared.ErrInvalidTransition, shared.ErrConflict, shared.ErrUnauthorized,
	} {
		if errors.Is(err, known) {
			return false
		}
	}
	return true
}
