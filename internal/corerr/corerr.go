// Package corerr defines the error taxonomy of §7: configuration errors
// (fatal before any action runs), dependency-check errors, action errors,
// commit errors, and safety-bound errors. Each kind carries enough context to
// drive the executor and reactive controller without string-matching error
// text, in the spirit of the teacher's sentinel-style errors in
// internal/storage/sqlite/errors.go.
package corerr

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime (per-task) error. Configuration errors are
// reported separately, as a multierror, and never carry a Kind.
type Kind int

const (
	// KindDependencyCheck covers exists()/witness() raising during the
	// up-to-date check.
	KindDependencyCheck Kind = iota
	// KindAction covers a non-success outcome from a task action.
	KindAction
	// KindCommit covers a failure to persist witnesses/saved values after a
	// successful action sequence.
	KindCommit
	// KindUpstreamFailed covers a task skipped because a task_dep or
	// getargs producer failed.
	KindUpstreamFailed
	// KindCancelled covers cooperative cancellation at an action boundary.
	KindCancelled
	// KindSafetyBound covers max_tasks being exceeded.
	KindSafetyBound
)

func (k Kind) String() string {
	switch k {
	case KindDependencyCheck:
		return "dependency_check"
	case KindAction:
		return "action"
	case KindCommit:
		return "commit"
	case KindUpstreamFailed:
		return "upstream_failed"
	case KindCancelled:
		return "cancelled"
	case KindSafetyBound:
		return "safety_bound"
	default:
		return "unknown"
	}
}

// TaskError is attached to a task's terminal FAILED state. It is not returned
// up the call stack from the executor — it is recorded against the task,
// matching how the teacher's eventbus records handler errors without
// aborting the dispatch loop.
type TaskError struct {
	Task   string
	Kind   Kind
	Reason string
	Err    error
}

func (e *TaskError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Task, e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Task, e.Kind, e.Reason)
}

func (e *TaskError) Unwrap() error { return e.Err }

// NewTaskError builds a TaskError for the given task/kind/reason.
func NewTaskError(task string, kind Kind, reason string, cause error) *TaskError {
	return &TaskError{Task: task, Kind: kind, Reason: reason, Err: cause}
}

// Sentinel configuration errors, collected with hashicorp/go-multierror
// during graph admission (see internal/graph).
var (
	ErrDuplicateTask      = errors.New("duplicate task name")
	ErrUnknownSetupTask   = errors.New("setup-task does not exist")
	ErrUnknownGetargsTask = errors.New("getargs refers to unknown producer task")
	ErrUnknownGetargsKey  = errors.New("getargs refers to unknown saved-value name")
	ErrCyclicTaskDep      = errors.New("cycle in task-dependency graph")
	ErrInvalidPattern     = errors.New("invalid generator input pattern")
	ErrDuplicateExactKey  = errors.New("exact target key has more than one producer")
)

// IsUpstreamFailed reports whether err represents a cascading failure from a
// dependency, as opposed to the task's own action/commit/check failing.
func IsUpstreamFailed(err error) bool {
	var te *TaskError
	return errors.As(err, &te) && te.Kind == KindUpstreamFailed
}
