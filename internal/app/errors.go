package app

import (
	"errors"
	"fmt"
	"net/http"

	"charcha/api/internal/auth"
	"charcha/api/internal/geometry"
	"charcha/api/internal/media"
	"charcha/api/internal/search"
	"charcha/api/internal/store"
	"charcha/api/internal/vote"
)

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

func validationError(message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, nil)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, geometry.ErrUnknownDistrict):
		return http.StatusNotFound, "UNKNOWN_DISTRICT", "Unknown district", nil
	case errors.Is(err, vote.ErrTransactionConflict):
		return http.StatusConflict, "VOTE_CONFLICT", "The post changed while voting, try again", nil
	case errors.Is(err, vote.ErrInvalidVote):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "value must be 1 or -1", nil
	case errors.Is(err, vote.ErrForbidden):
		return http.StatusForbidden, "FORBIDDEN", "Only the author can delete this post", nil
	case errors.Is(err, search.ErrEmptyQuery):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "location and incident are required", nil
	case errors.Is(err, media.ErrUnsupportedType):
		return http.StatusUnsupportedMediaType, "UNSUPPORTED_MEDIA", "Only images and videos can be attached", nil
	case errors.Is(err, media.ErrTooLarge):
		return http.StatusRequestEntityTooLarge, "MEDIA_TOO_LARGE", "Media file is too large", nil
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken), errors.Is(err, auth.ErrMissingToken):
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
