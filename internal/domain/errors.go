package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrConflict           = errors.New("status conflict")
	ErrInvalidTransition  = errors.New("invalid status transition")
	ErrReservationSettled = errors.New("reservation already settled")
	ErrSizeMismatch       = errors.New("size mismatch")
	ErrIntegrity          = errors.New("checksum mismatch")
	ErrTransientStorage   = errors.New("transient storage error")
	ErrUploadExpired      = errors.New("upload expired")
	ErrUploadFailed       = errors.New("upload failed")
	ErrHardDeadline       = errors.New("hard deadline exceeded")
	ErrCancelled          = errors.New("task cancelled")
)

// ValidationError reports malformed client input, keyed by field name.
type ValidationError struct {
	Fields map[string]string
}

// NewValidationError builds a ValidationError for a single field.
func NewValidationError(field, msg string) *ValidationError {
	return &ValidationError{Fields: map[string]string{field: msg}}
}

func (e *ValidationError) Error() string {
	if e == nil || len(e.Fields) == 0 {
		return "validation failed"
	}
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s: %s", k, e.Fields[k]))
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
