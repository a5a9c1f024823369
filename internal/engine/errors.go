package engine

import "errors"

// Error kinds. Operations either complete and return updated canonical state
// or fail with one of these and leave all domain state unchanged. Referential
// failures surface as repo.ErrNotFound.
var (
	// ErrValidation marks malformed or out-of-range caller input: an unknown
	// status literal, progress outside [0,100], a too-short description, a
	// kickoff date after the due date.
	ErrValidation = errors.New("validation")

	// ErrStateConflict marks an operation that is illegal in the entity's
	// current state: resolving an already-resolved problem, deleting a
	// template that still has instances.
	ErrStateConflict = errors.New("state conflict")

	// ErrIncompleteInput marks composite input missing required sub-parts,
	// such as instantiating a flow with an empty stage or an unowned task.
	ErrIncompleteInput = errors.New("incomplete input")
)
