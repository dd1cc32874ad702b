package services

import "fmt"

// ValidationError reports malformed input, rejected before any
// persistence
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// StateError reports an operation attempted in a lifecycle state that
// does not allow it
type StateError struct {
	Entity    string
	Current   string
	Operation string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s in state %q does not allow %s", e.Entity, e.Current, e.Operation)
}
