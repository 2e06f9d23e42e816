// Package errdefs defines the error taxonomy shared across the engine.
// Callers classify failures with errors.Is; the server layer maps these
// to HTTP status codes.
package errdefs

import "errors"

var (
	// ErrInvalidState is returned when an illegal stage transition is attempted.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound is returned for unknown trial, worker or session identifiers.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a session already has a turn in flight.
	ErrConflict = errors.New("conflict")

	// ErrProvisioning is returned when the isolation environment could not be
	// created. Fatal to the trial.
	ErrProvisioning = errors.New("provisioning failure")

	// ErrAgentFailure marks an individual agent call whose terminal result was
	// unsuccessful. Scoped to that worker or evaluator, non-fatal to siblings.
	ErrAgentFailure = errors.New("agent failure")

	// ErrPublish is returned when the atomic branch publish was rejected.
	// Worker branches remain intact locally.
	ErrPublish = errors.New("publish failure")

	// ErrUnauthorized is returned when no valid credential is available for a
	// protected resource. A caller error, never an engine fault.
	ErrUnauthorized = errors.New("unauthorized")
)
