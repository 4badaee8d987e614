// Package hmlrerrors defines the error taxonomy shared across the memory
// engine. Each kind carries a distinct propagation policy; see the
// package-level doc comments on each type for the policy that callers must
// honour.
package hmlrerrors

import "fmt"

// ApiConnectionError is raised by the LLM or embedding HTTP clients on
// timeout, connection failure, or non-2xx response. Retrieval tasks treat it
// as fail-open; the main generation call treats it as fail-closed and
// surfaces an ERROR response to the user.
type ApiConnectionError struct {
	Op  string
	Err error
}

func (e *ApiConnectionError) Error() string {
	return fmt.Sprintf("api connection failed during %s: %v", e.Op, e.Err)
}

func (e *ApiConnectionError) Unwrap() error { return e.Err }

func NewApiConnectionError(op string, err error) *ApiConnectionError {
	return &ApiConnectionError{Op: op, Err: err}
}

// RetrievalError describes a failed Governor sub-task. The Governor's own
// sub-tasks log their failures directly and proceed with an empty result
// for that task (memory retrieval is best-effort); they do not construct
// this type.
type RetrievalError struct {
	Task string
	Err  error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval task %q failed: %v", e.Task, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

func NewRetrievalError(task string, err error) *RetrievalError {
	return &RetrievalError{Task: task, Err: err}
}

// StorageWriteError is raised by a KV write. It propagates all the way to
// the engine turn pipeline; the turn is rolled back and the user sees an
// ERROR response. No partial turn is ever surfaced as SUCCESS.
type StorageWriteError struct {
	Table string
	Err   error
}

func (e *StorageWriteError) Error() string {
	return fmt.Sprintf("storage write to %q failed: %v", e.Table, e.Err)
}

func (e *StorageWriteError) Unwrap() error { return e.Err }

func NewStorageWriteError(table string, err error) *StorageWriteError {
	return &StorageWriteError{Table: table, Err: err}
}

// ConfigurationError is raised at startup when the configuration is
// incomplete or internally inconsistent (e.g. a model/dimension mismatch).
// It is always fatal.
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration error (%s): %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error { return e.Err }

func NewConfigurationError(field string, err error) *ConfigurationError {
	return &ConfigurationError{Field: field, Err: err}
}

// SchemaMismatch is raised when a VectorIndex is loaded against a model
// whose embedding dimension differs from the one the index was built with.
// Always fatal.
type SchemaMismatch struct {
	Expected int
	Actual   int
}

func (e *SchemaMismatch) Error() string {
	return fmt.Sprintf("vector index schema mismatch: expected dimension %d, got %d", e.Expected, e.Actual)
}

func NewSchemaMismatch(expected, actual int) *SchemaMismatch {
	return &SchemaMismatch{Expected: expected, Actual: actual}
}

// StateError is raised when the sliding-window state file cannot be read,
// parsed, or fails its version check. Fatal at startup; never auto-repaired.
type StateError struct {
	Reason string
	Err    error
}

func (e *StateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("state error: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("state error: %s", e.Reason)
}

func (e *StateError) Unwrap() error { return e.Err }

func NewStateError(reason string, err error) *StateError {
	return &StateError{Reason: reason, Err: err}
}
