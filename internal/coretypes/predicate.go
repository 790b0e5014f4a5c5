package coretypes

import (
	"context"
	"os/exec"
)

// ValueSaverFunc is a callable an up-to-date predicate may register during
// its evaluation; it runs after the task's actions succeed and its return
// map is merged into the task's saved-values record (§4.1).
type ValueSaverFunc func(ctx context.Context, task *Task) (map[string]any, error)

// SaverRegistry collects value-savers registered by up-to-date predicates
// during a single check. The executor drains it after a successful run.
type SaverRegistry struct {
	savers []ValueSaverFunc
}

// Register adds a value-saver to be invoked after the task runs.
func (r *SaverRegistry) Register(fn ValueSaverFunc) {
	r.savers = append(r.savers, fn)
}

// Savers returns the registered value-savers in registration order.
func (r *SaverRegistry) Savers() []ValueSaverFunc {
	return r.savers
}

// UpToDatePredicate is one of the forms accepted at the §6 boundary:
// a constant boolean, the "undetermined" sentinel, a shell-string whose
// zero exit means up-to-date, or a callable. All are modeled uniformly as
// this interface so internal/uptodate can evaluate them in declared order
// without a type switch at the call site.
type UpToDatePredicate interface {
	// Check evaluates the predicate against the immutable view of task and
	// its previously stored saved values, optionally registering
	// value-savers into reg. uptodate callables are intentionally passed
	// only this immutable view — they cannot mutate the task after check
	// time (Design Notes, "Coroutine-like suspension").
	Check(ctx context.Context, task *Task, stored SavedValues, reg *SaverRegistry) (UpToDateResult, error)
}

// Configurable is an optional interface an UpToDatePredicate may implement.
// ConfigureTask is invoked once during task admission and may mutate
// task.SetupTasks — the sole supported post-admission mutation (§4.1).
type Configurable interface {
	ConfigureTask(task *Task)
}

// constPredicate is the constant-boolean / undetermined-sentinel form.
type constPredicate struct{ result UpToDateResult }

func (p constPredicate) Check(context.Context, *Task, SavedValues, *SaverRegistry) (UpToDateResult, error) {
	return p.result, nil
}

// BoolPredicate wraps a constant true/false up-to-date predicate. A
// constant true does not end the check (§4.1 step 3): the target,
// dependency-set and witness steps still run. For a task with no declared
// dependencies, a true predicate with every target present yields
// UP_TO_DATE, since there is no witness left to compare.
func BoolPredicate(v bool) UpToDatePredicate {
	if v {
		return constPredicate{result: UpToDateTrue}
	}
	return constPredicate{result: UpToDateFalse}
}

// Undetermined is the sentinel predicate ignored during evaluation.
func Undetermined() UpToDatePredicate { return constPredicate{result: UpToDateUndetermined} }

// FuncPredicate adapts a plain callable into an UpToDatePredicate with no
// value-saver registration and no ConfigureTask hook.
func FuncPredicate(fn func(ctx context.Context, task *Task, stored SavedValues) (UpToDateResult, error)) UpToDatePredicate {
	return funcPredicate{fn: fn}
}

type funcPredicate struct {
	fn func(ctx context.Context, task *Task, stored SavedValues) (UpToDateResult, error)
}

func (p funcPredicate) Check(ctx context.Context, task *Task, stored SavedValues, _ *SaverRegistry) (UpToDateResult, error) {
	return p.fn(ctx, task, stored)
}

// shellPredicate runs a shell-string whose zero exit status means
// up-to-date, matching the doit-family "uptodate=[shell-string]" form.
type shellPredicate struct{ cmd string }

// ShellPredicate builds an up-to-date predicate from a shell command.
func ShellPredicate(cmd string) UpToDatePredicate { return shellPredicate{cmd: cmd} }

func (p shellPredicate) Check(ctx context.Context, _ *Task, _ SavedValues, _ *SaverRegistry) (UpToDateResult, error) {
	cmd := exec.CommandContext(ctx, "sh", "-c", p.cmd)
	if err := cmd.Run(); err != nil {
		if _, ok := err.(*exec.ExitError); ok {
			return UpToDateFalse, nil
		}
		return UpToDateUndetermined, err
	}
	return UpToDateTrue, nil
}
