// Package harnesserr defines the terminal error vocabulary shared by every
// layer of the orchestrator, so callers can act on error.Kind instead of
// pattern-matching on transport-specific error text.
package harnesserr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of failure a caller can branch on.
type Kind string

const (
	// Input errors.
	InvalidConfig    Kind = "InvalidConfig"
	UnknownService   Kind = "UnknownService"
	CycleDetected    Kind = "CycleDetected"
	DuplicateService Kind = "DuplicateService"

	// Environment errors.
	ToolMissing      Kind = "ToolMissing"
	PermissionDenied Kind = "PermissionDenied"
	TargetUnsupported Kind = "TargetUnsupported"

	// Execution errors.
	SpawnFailed         Kind = "SpawnFailed"
	ConflictingContainer Kind = "ConflictingContainer"
	TransportBroken     Kind = "TransportBroken"
	Crashed             Kind = "Crashed"

	// Lifecycle errors.
	DependencyFailed Kind = "DependencyFailed"
	StartupTimeout   Kind = "StartupTimeout"
	ShutdownTimeout  Kind = "ShutdownTimeout"
	AlreadyRunning   Kind = "AlreadyRunning"
	NotRunning       Kind = "NotRunning"

	// Health errors.
	HealthProbeFailed Kind = "HealthProbeFailed"

	// Protocol errors.
	Malformed     Kind = "Malformed"
	UnknownAction Kind = "UnknownAction"
	Busy          Kind = "Busy"
	Unauthorized  Kind = "Unauthorized"
)

// Error is the concrete error type carried across package boundaries.
type Error struct {
	Kind    Kind
	Message string
	Cause   error

	// Service/Signal/Code are populated by Crash for Crashed errors; other
	// constructors leave them empty.
	Service string
	Code    *int
	Signal  string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Cause)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds an Error that carries cause as its wrapped error.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// Crash builds a Crashed error with the exit code/signal the process ended with.
func Crash(service string, code *int, signal string) *Error {
	return &Error{Kind: Crashed, Service: service, Code: code, Signal: signal,
		Message: fmt.Sprintf("service %q exited unexpectedly", service)}
}

// Of returns the Kind of err if it (or something it wraps) is an *Error.
// Returns "" if err does not carry a Kind.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	return Of(err) == kind
}
