package app

import (
	"errors"
	"fmt"
)

// Sentinel failures surfaced by room sessions. Everything else degrades
// to "nothing happened" or a status-string note.
var (
	ErrPermissionDenied = errors.New("permission denied")
	ErrWrongPIN         = errors.New("wrong pin")
	ErrPINRequired      = errors.New("pin required")
	ErrNotFound         = errors.New("not found")
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
