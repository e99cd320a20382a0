// Package derr defines the domain error kinds shared across components. The
// HTTP layer maps them to status codes; internal callers test with errors.Is.
package derr

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("validation error")
	ErrNotFound         = errors.New("not found")
	ErrConflict         = errors.New("conflict")
	ErrAuth             = errors.New("unauthorized")
	ErrForbidden        = errors.New("forbidden")
	ErrAgentUnavailable = errors.New("agent unavailable")
	ErrTimeout          = errors.New("timeout")
	ErrEngine           = errors.New("engine error")
)

// Validationf wraps a formatted message with ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrValidation)...)
}

// NotFoundf wraps a formatted message with ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
}

// Conflictf wraps a formatted message with ErrConflict.
func Conflictf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrConflict)...)
}

// Timeoutf wraps a formatted message with ErrTimeout.
func Timeoutf(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrTimeout)...)
}

// Enginef wraps a formatted message with ErrEngine.
func Enginef(format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, ErrEngine)...)
}
