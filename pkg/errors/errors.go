// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the point-value store.
//
// This package defines custom error types that provide better error handling,
// inspection, and debugging capabilities compared to plain string errors.
//
// # Error Taxonomy
//
//   - Configuration failures fail fast at setup and halt the component.
//   - Transient access failures (closed service, broken session) surface as
//     typed errors the caller may retry.
//   - Per-item validation failures fill a slot in a batch response without
//     aborting sibling items.
//   - Transactional failures abort the whole in-flight update batch.
//
// # Example Usage
//
//	err := errors.NewStoreError("select", pointName, fmt.Errorf("bad interval"))
//	if errors.IsStoreError(err) {
//	    log.Printf("Store access failed: %v", err)
//	}
package errors

import (
	"errors"
	"fmt"
)

// As is a convenience re-export of the standard errors.As.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is a convenience re-export of the standard errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// New is a convenience re-export of the standard errors.New.
func New(text string) error {
	return errors.New(text)
}

// RegistryError represents an error in the service registry.
type RegistryError struct {
	Op   string // Operation being performed (e.g., "bind", "lookup", "setup")
	Name string // Registry entry name involved (if applicable)
	Err  error  // Underlying error
}

func (e *RegistryError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("registry %s (name=%s): %v", e.Op, e.Name, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("registry %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("registry %s failed", e.Op)
}

func (e *RegistryError) Unwrap() error {
	return e.Err
}

// NewRegistryError creates a new registry error.
func NewRegistryError(op string, name string, err error) *RegistryError {
	return &RegistryError{Op: op, Name: name, Err: err}
}

// IsRegistryError checks if an error is a RegistryError.
func IsRegistryError(err error) bool {
	var re *RegistryError
	return errors.As(err, &re)
}

// SessionError represents an error on the session surface.
type SessionError struct {
	Op     string // Operation being performed (e.g., "login", "dial", "call")
	Client string // Client name (if known)
	Err    error  // Underlying error
}

func (e *SessionError) Error() string {
	if e.Client != "" {
		return fmt.Sprintf("session %s (client=%s): %v", e.Op, e.Client, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("session %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session %s failed", e.Op)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// NewSessionError creates a new session error.
func NewSessionError(op string, client string, err error) *SessionError {
	return &SessionError{Op: op, Client: client, Err: err}
}

// IsSessionError checks if an error is a SessionError.
func IsSessionError(err error) bool {
	var se *SessionError
	return errors.As(err, &se)
}

// StoreError represents a store access error.
type StoreError struct {
	Op    string // Operation being performed (e.g., "select", "update", "pull")
	Point string // Point name or UUID involved (if applicable)
	Err   error  // Underlying error
}

func (e *StoreError) Error() string {
	if e.Point != "" {
		return fmt.Sprintf("store %s (point=%s): %v", e.Op, e.Point, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s failed", e.Op)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError creates a new store error.
func NewStoreError(op string, point string, err error) *StoreError {
	return &StoreError{Op: op, Point: point, Err: err}
}

// IsStoreError checks if an error is a StoreError.
func IsStoreError(err error) bool {
	var se *StoreError
	return errors.As(err, &se)
}

// BackEndError represents a transactional failure in the storage back-end.
// A back-end error during an update batch rolls back the whole batch.
type BackEndError struct {
	Op  string // Operation being performed (e.g., "commit", "update", "query")
	Err error  // Underlying error
}

func (e *BackEndError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("back-end %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("back-end %s failed", e.Op)
}

func (e *BackEndError) Unwrap() error {
	return e.Err
}

// NewBackEndError creates a new back-end error.
func NewBackEndError(op string, err error) *BackEndError {
	return &BackEndError{Op: op, Err: err}
}

// IsBackEndError checks if an error is a BackEndError.
func IsBackEndError(err error) bool {
	var be *BackEndError
	return errors.As(err, &be)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// ValidationError represents a per-item validation failure inside a batch.
type ValidationError struct {
	Field  string // Field that failed validation
	Value  any    // Invalid value
	Reason string // Why validation failed
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Sentinel errors for common conditions
var (
	// ErrServiceClosed indicates the target service or session is closed
	ErrServiceClosed = errors.New("service closed")

	// ErrLoginFailed indicates authentication failed
	ErrLoginFailed = errors.New("login failed")

	// ErrUnauthorized indicates the identity lacks a required role
	ErrUnauthorized = errors.New("unauthorized access")

	// ErrUnsupported indicates the operation is not supported by the back-end
	ErrUnsupported = errors.New("unsupported operation")

	// ErrPointUnknown indicates a point reference could not be resolved
	ErrPointUnknown = errors.New("point unknown")

	// ErrNotBound indicates a registry name was not bound
	ErrNotBound = errors.New("name not bound")

	// ErrRegistryConflict indicates a registry port conflict
	ErrRegistryConflict = errors.New("registry port conflict")

	// ErrInterrupted indicates a blocked operation was interrupted
	ErrInterrupted = errors.New("operation interrupted")

	// ErrQueryCancelled indicates a query was cancelled before submission
	ErrQueryCancelled = errors.New("query cancelled")
)
