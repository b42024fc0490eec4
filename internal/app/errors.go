package app

import (
	"errors"
	"fmt"
	"net/http"
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

func forbidden() *DomainError {
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func validationError(field, message string) *DomainError {
	return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", message, map[string]any{"field": field})
}

// isAccessDenied reports whether err is a 401 or 403 domain error.
func isAccessDenied(err error) bool {
	var de *DomainError
	if !errors.As(err, &de) {
		return false
	}
	return de.Status == http.StatusUnauthorized || de.Status == http.StatusForbidden
}
