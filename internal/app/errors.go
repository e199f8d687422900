package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/K-Schubert/mediawatch/internal/auth"
	"github.com/K-Schubert/mediawatch/internal/span"
	"github.com/K-Schubert/mediawatch/internal/store"
)

// DomainError is an error that already knows its HTTP status and the
// machine-readable code clients switch on.
type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

func validationError(message string, details any) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, details)
}

// mapError translates any error returned by the service into a status,
// code, message and details. Unknown errors become PERSISTENCE_ERROR with
// a generic message; their text never reaches the client.
func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var spanErr *span.Error
	if errors.As(err, &spanErr) {
		switch {
		case errors.Is(err, span.ErrAmbiguous):
			return http.StatusUnprocessableEntity, "SPAN_AMBIGUOUS", "Highlighted text occurs more than once in the article",
				map[string]any{"occurrences": spanErr.Occurrences}
		case errors.Is(err, span.ErrEmptyClaim):
			return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "highlighted_text is required", nil
		default:
			return http.StatusUnprocessableEntity, "SPAN_NOT_FOUND", "Highlighted text not found in the article", nil
		}
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, store.ErrNotOwner):
		return http.StatusForbidden, "FORBIDDEN", "Only the owner may change this resource", nil
	case errors.Is(err, store.ErrDuplicate):
		return http.StatusConflict, "CONFLICT", "Already exists", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable, "TIMEOUT", "Request did not complete in time", nil
	}
	return http.StatusInternalServerError, "PERSISTENCE_ERROR", "Server error", nil
}
