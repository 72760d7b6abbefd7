package app

import (
	"errors"
	"net/http"

	"accord/api/internal/archive"
	"accord/api/internal/syncer"
	"accord/api/internal/workflow"
)

func notFound(message string) *workflow.DomainError {
	return &workflow.DomainError{
		Status:  http.StatusNotFound,
		Code:    "NOT_FOUND",
		Message: message,
	}
}

func invalidArchive(err error) *workflow.DomainError {
	message := "Invalid archive"
	if errors.Is(err, archive.ErrMissingDocument) {
		message = "Archive does not contain accord-data.json"
	}
	return &workflow.DomainError{
		Status:  http.StatusUnprocessableEntity,
		Code:    "INVALID_ARCHIVE",
		Message: message,
		Details: map[string]any{"reason": err.Error()},
	}
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *workflow.DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	switch {
	case errors.Is(err, syncer.ErrNotConfigured):
		return http.StatusPreconditionFailed, "SYNC_NOT_CONFIGURED", "Configure GitHub first.", nil
	case errors.Is(err, syncer.ErrConflict):
		return http.StatusConflict, "SYNC_CONFLICT", "Remote branch kept moving, try again", nil
	case errors.Is(err, syncer.ErrParse):
		return http.StatusBadGateway, "REMOTE_PARSE_ERROR", "Remote document could not be parsed", map[string]any{"reason": err.Error()}
	case errors.Is(err, syncer.ErrRemote):
		return http.StatusBadGateway, "REMOTE_ERROR", "Remote request failed", map[string]any{"reason": err.Error()}
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
