package pipeline

import (
	"errors"
	"fmt"
	"net/http"
)

// Category classifies stage failures for status reporting and HTTP mapping.
type Category string

const (
	CategoryInvalidArgument    Category = "invalid_argument"
	CategoryFailedPrecondition Category = "failed_precondition"
	CategoryUnavailable        Category = "unavailable"
	CategoryInternal           Category = "internal"
)

// StageError attaches the failing stage and a category to an error.
type StageError struct {
	Stage    string
	Category Category
	Msg      string
	cause    error
}

func (e *StageError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Stage, e.Msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Stage, e.Msg)
}

func (e *StageError) Unwrap() error { return e.cause }

// NewStageError builds a StageError wrapping cause (which may be nil).
func NewStageError(stage string, category Category, msg string, cause error) *StageError {
	return &StageError{Stage: stage, Category: category, Msg: msg, cause: cause}
}

// CategoryOf extracts the category from an error chain, defaulting to
// internal.
func CategoryOf(err error) Category {
	var se *StageError
	if errors.As(err, &se) {
		return se.Category
	}
	return CategoryInternal
}

// HTTPStatus maps a category to an HTTP status code.
func HTTPStatus(c Category) int {
	switch c {
	case CategoryInvalidArgument:
		return http.StatusBadRequest
	case CategoryFailedPrecondition:
		return http.StatusPreconditionFailed
	case CategoryUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
