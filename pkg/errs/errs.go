// Package errs defines the error-kind taxonomy shared by every component of
// the hosting runtime. Components never return bare errors for conditions
// the Deployment Manager needs to branch on; they wrap them in an *Error so
// the kind survives across component boundaries and ends up verbatim in a
// DeploymentRecord's lastError.
package errs

import (
	"errors"
	"fmt"
)

// Kind is a stable, user-facing error classification. Kinds are compared by
// value (not by wrapped message) so callers can safely switch on them.
type Kind string

const (
	KindConfigInvalid            Kind = "ConfigInvalid"
	KindFetchUnavailable         Kind = "FetchUnavailable"
	KindIntegrityMismatch        Kind = "IntegrityMismatch"
	KindManifestInvalid          Kind = "ManifestInvalid"
	KindDependencyInstallFailed  Kind = "DependencyInstallFailed"
	KindDependencyInstallTimeout Kind = "DependencyInstallTimeout"
	KindEnvUnwritable            Kind = "EnvUnwritable"
	KindNoPortsAvailable         Kind = "NoPortsAvailable"
	KindChildSpawnFailed         Kind = "ChildSpawnFailed"
	KindNotReadyInTime           Kind = "NotReadyInTime"
	KindChildCrashed             Kind = "ChildCrashed"
	KindShutdownTimeout          Kind = "ShutdownTimeout"
)

// Error wraps a Kind, a human-readable message and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an *Error with no cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error around an existing cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an
// *Error, and reports whether one was found.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}
