package subaru

import (
	"errors"
	"fmt"
)

// Cancellations are user decisions, not failures. They must never be
// logged as errors and never leave partially-installed state beyond
// what has already committed.
var (
	ErrCancelled       = errors.New("action cancelled by the user")
	ErrDatabaseLocked  = errors.New("the package database is locked")
	ErrNoOlderVersion  = errors.New("no older version available")
	ErrNoInternet      = errors.New("no internet connection")
	errPackageNotFound = errors.New("package not found")
)

// UnresolvedDepError reports a dependency name that has no origin in
// either the native repositories or the source ecosystem.
type UnresolvedDepError struct {
	Name string
}

func (e *UnresolvedDepError) Error() string {
	return fmt.Sprintf("dependency %q could not be resolved to any repository", e.Name)
}

// KeyVerificationError reports a signing key that could not be
// fetched or trusted.
type KeyVerificationError struct {
	Key string
	Err error
}

func (e *KeyVerificationError) Error() string {
	return fmt.Sprintf("could not trust signing key %s: %v", e.Key, e.Err)
}

func (e *KeyVerificationError) Unwrap() error { return e.Err }

// BuildToolError carries the build tool's raw output so the caller
// can surface it for diagnosis.
type BuildToolError struct {
	Pkg    string
	Output string
	Err    error
}

func (e *BuildToolError) Error() string {
	return fmt.Sprintf("build of %s failed: %v", e.Pkg, e.Err)
}

func (e *BuildToolError) Unwrap() error { return e.Err }

// ArtifactNotFoundError means the build tool reported success but no
// installable archive matched the expected name pattern.
type ArtifactNotFoundError struct {
	Pkg     string
	Pattern string
}

func (e *ArtifactNotFoundError) Error() string {
	return fmt.Sprintf("build of %s produced no archive matching %q", e.Pkg, e.Pattern)
}

// IsCancellation reports whether err is a user-declined confirmation
// rather than a real failure.
func IsCancellation(err error) bool {
	return errors.Is(err, ErrCancelled)
}
