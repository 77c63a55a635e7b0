package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	ErrUnauthorized = errors.New("fhir server rejected the access token")
	ErrConflict     = errors.New("fhir version conflict")
)

// OutcomeError is any non-2xx answer from the server.
type OutcomeError struct {
	Status  int
	Method  string
	Path    string
	Outcome *OperationOutcome
}

func (e *OutcomeError) Error() string {
	return fmt.Sprintf("fhir %s %s: status %d: %s", e.Method, e.Path, e.Status, e.Outcome)
}

func (e *OutcomeError) Is(target error) bool {
	return target == ErrUnauthorized && e.Status == http.StatusUnauthorized
}

// ConflictError means a versioned write was refused because the resource moved on.
// The write was not applied.
type ConflictError struct {
	ResourceType    string
	ID              string
	ExpectedVersion string
	Outcome         *OperationOutcome
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("fhir %s/%s is no longer at version %s: %s", e.ResourceType, e.ID, e.ExpectedVersion, e.Outcome)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

func IsNotFound(err error) bool {
	var oe *OutcomeError
	if errors.As(err, &oe) {
		return oe.Status == http.StatusNotFound || oe.Status == http.StatusGone
	}
	return false
}

// retryable reports whether a read may be sent again.
func retryable(status int) bool {
	switch status {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}
