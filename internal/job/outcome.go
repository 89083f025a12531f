package job

import (
	"errors"
	"fmt"
)

// Result is the final state of a job execution.
type Result int

const (
	ResultSuccess Result = iota
	ResultSkip
	ResultFail
	ResultRetry
)

func (r Result) String() string {
	switch r {
	case ResultSuccess:
		return "success"
	case ResultSkip:
		return "skip"
	case ResultFail:
		return "fail"
	case ResultRetry:
		return "retry"
	default:
		return "unknown"
	}
}

// Outcome is returned by job executions.
type Outcome struct {
	Result Result
	// Reason describes why the job was skipped, failed or must be
	// retried.
	Reason string
	// Err is the error that caused a failure, it is nil on success.
	Err error
}

func (o *Outcome) String() string {
	if o.Reason == "" {
		return o.Result.String()
	}

	return fmt.Sprintf("%s: %s", o.Result, o.Reason)
}

// CannotMergeError is a permanent failure to merge a merge request that
// the author has to resolve. The merge request is reassigned to its
// author with Reason as comment.
type CannotMergeError struct {
	Reason string
}

func (e *CannotMergeError) Error() string {
	return e.Reason
}

func cannotMerge(format string, a ...any) error {
	return &CannotMergeError{Reason: fmt.Sprintf(format, a...)}
}

// SkipMergeError means the merge request is not processed in this cycle.
type SkipMergeError struct {
	Reason string
}

func (e *SkipMergeError) Error() string {
	return e.Reason
}

func skipMerge(reason string) error {
	return &SkipMergeError{Reason: reason}
}

// RebaseResultMismatchError is returned when the branch rebased by GitLab
// does not contain the expected target branch commit.
type RebaseResultMismatchError struct {
	GitLabSHA   string
	ExpectedSHA string
}

func (e *RebaseResultMismatchError) Error() string {
	return fmt.Sprintf("gitlab rebased the branch to %s which does not contain %s", e.GitLabSHA, e.ExpectedSHA)
}

// CIError is returned by batch jobs when the pipeline of the batch failed.
type CIError struct {
	Reason string
}

func (e *CIError) Error() string {
	return e.Reason
}

// MergeableError is returned by batch jobs when not enough merge requests
// can be batched. The merge requests should be merged individually.
type MergeableError struct {
	Reason string
}

func (e *MergeableError) Error() string {
	return e.Reason
}

// MRChangedError is returned by batch jobs when a merge request was
// modified while the batch was tested.
type MRChangedError struct {
	IID   int
	Field string
}

func (e *MRChangedError) Error() string {
	return fmt.Sprintf("The %s changed whilst merging!", e.Field)
}

// retryError causes a merge attempt to be restarted from the beginning.
type retryError struct {
	reason string
}

func (e *retryError) Error() string {
	return "retry: " + e.reason
}

func retryAttempt(reason string) error {
	return &retryError{reason: reason}
}

var errTooManyAttempts = errors.New("maximum number of merge attempts exceeded")
