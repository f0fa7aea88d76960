package runner

import (
	"errors"
	"fmt"
)

// Kind classifies why a job failed
type Kind string

const (
	ToolchainAcquisitionFailure Kind = "toolchain acquisition failure"
	CompilationFailure          Kind = "compilation failure"
	StagingFailure              Kind = "staging failure"
	PublishFailure              Kind = "publish failure"
)

// JobError is the terminal error of a failed job. It is fatal to that job only.
type JobError struct {
	Job  string
	Kind Kind
	// From is the last state the job reached before failing
	From State
	Err  error
}

func (e *JobError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s: %v", e.Job, e.Kind, e.Err)
}

func (e *JobError) Unwrap() error { return e.Err }

// KindOf extracts the failure kind from err
func KindOf(err error) (Kind, bool) {
	var jobErr *JobError
	if errors.As(err, &jobErr) {
		return jobErr.Kind, true
	}
	return "", false
}
