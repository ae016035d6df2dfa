package supervisor

import (
	"errors"
	"fmt"
)

// Code classifies supervision failures so clients act on the category without
// parsing error text.
type Code string

const (
	CodeMissingEnvVar      Code = "MissingEnvVar"
	CodeSpawnFailure       Code = "SpawnFailure"
	CodeHealthCheckTimeout Code = "HealthCheckTimeout"
	CodeHealthCheckError   Code = "HealthCheckError"
	CodeCircuitOpen        Code = "CircuitOpen"
	CodeDependencyTimeout  Code = "DependencyTimeout"
	CodeKillSignalError    Code = "KillSignalError"
	CodeZombieProcess      Code = "ZombieProcess"
	CodeInvalidState       Code = "InvalidState"
	CodeUnknownService     Code = "UnknownService"
	CodeRestartInProgress  Code = "RestartInProgress"
	CodeKillInProgress     Code = "KillInProgress"
)

// Fault wraps an error with its supervision code.
type Fault struct {
	Code Code
	Err  error
}

func (f *Fault) Error() string { return f.Err.Error() }
func (f *Fault) Unwrap() error { return f.Err }

func newFault(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Err: fmt.Errorf(format, args...)}
}

func wrapFault(code Code, err error) *Fault {
	return &Fault{Code: code, Err: err}
}

// CodeOf extracts the fault code from err, or "" when err carries none.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}
