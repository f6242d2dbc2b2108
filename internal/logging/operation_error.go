package logging

import "fmt"

// OperationError annotates an error with the operation and job it occurred in.
type OperationError struct {
	Operation string
	JobID     string
	Err       error
}

// Error implements the error interface.
func (e *OperationError) Error() string {
	if e == nil || e.Err == nil {
		return ""
	}
	if e.JobID != "" {
		return fmt.Sprintf("%s (job_id=%s): %v", e.Operation, e.JobID, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error for errors.Is/As support.
func (e *OperationError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewOperationError wraps an error with structured context about where it occurred.
// A nil err yields nil so call sites can wrap unconditionally.
func NewOperationError(operation, jobID string, err error) error {
	if err == nil {
		return nil
	}
	return &OperationError{Operation: operation, JobID: jobID, Err: err}
}
