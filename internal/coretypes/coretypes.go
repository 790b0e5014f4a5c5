// Package coretypes holds the data model of §3: tasks, dependency/target
// capability contracts, witnesses, match strategies, and the saved-values
// payload. It has no knowledge of any concrete dependency kind (file,
// remote object, task) — those live in internal/capability — and no
// knowledge of scheduling, which lives in internal/graph and
// internal/executor.
package coretypes

import (
	"context"
	"fmt"
	"reflect"
	"runtime"
	"sort"
	"strconv"
	"strings"
)

// MatchStrategy is how a dependency key is compared against a target key.
type MatchStrategy int

const (
	// MatchExact requires byte-for-byte key equality.
	MatchExact MatchStrategy = iota
	// MatchPrefix matches the longest registered prefix target, segmented
	// on "/" for path-like keys.
	MatchPrefix
	// MatchCustom defers to the target/dependency's own Matches method.
	MatchCustom
)

func (m MatchStrategy) String() string {
	switch m {
	case MatchExact:
		return "exact"
	case MatchPrefix:
		return "prefix"
	case MatchCustom:
		return "custom"
	default:
		return "unknown"
	}
}

// Witness is an opaque, comparable value describing the present state of a
// dependency (size+mtime+hash for files, an ETag for remote objects, a
// predicate's return value for calc dependencies). Witnesses are compared
// with WitnessEqual, never with ==, since concrete witnesses may be slices
// or maps.
type Witness = any

// Dependency is the capability contract any dependency kind must satisfy
// (§3). Concrete kinds live in internal/capability; the core only consumes
// this interface.
type Dependency interface {
	// Key returns the stable string identity of this dependency.
	Key() string
	// Exists reports whether the dependency currently resolves to something.
	Exists(ctx context.Context) (bool, error)
	// Witness returns the current state of the dependency.
	Witness(ctx context.Context) (Witness, error)
	// ModifiedSince reports whether the dependency has changed relative to
	// a previously stored witness.
	ModifiedSince(ctx context.Context, stored Witness) (bool, error)
	// MatchStrategy reports how this dependency's key should be resolved
	// against declared targets in the match index.
	MatchStrategy() MatchStrategy
}

// CustomMatcher is implemented by dependencies/targets using MatchCustom;
// Matches reports whether the other key is considered equivalent to this
// one under the custom kind's own rules.
type CustomMatcher interface {
	Matches(otherKey string) bool
}

// Target is the capability contract for a task's declared output (§3).
type Target interface {
	Key() string
	Exists(ctx context.Context) (bool, error)
	MatchStrategy() MatchStrategy
}

// TaskStatus is a task's lifecycle state within a session (§3 Lifecycles).
type TaskStatus int

const (
	StatusPending TaskStatus = iota
	StatusReady
	StatusRunning
	StatusDone
	StatusFailed
	StatusSkippedUpToDate
)

func (s TaskStatus) String() string {
	switch s {
	case StatusPending:
		return "PENDING"
	case StatusReady:
		return "READY"
	case StatusRunning:
		return "RUNNING"
	case StatusDone:
		return "DONE"
	case StatusFailed:
		return "FAILED"
	case StatusSkippedUpToDate:
		return "SKIPPED-UP-TO-DATE"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is one of the session-terminal states.
func (s TaskStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusSkippedUpToDate:
		return true
	default:
		return false
	}
}

// ActionResult is the outcome of a single action invocation.
type ActionResult struct {
	Success bool
	// Return is merged into the task's saved-values buffer on success.
	Return map[string]any
	// Err carries the failure reason when Success is false.
	Err error
}

// ActionFunc is an opaque callable action. Shell-string actions are adapted
// into an ActionFunc by the executor's shim (internal/executor) rather than
// being interpreted here, keeping this package free of os/exec concerns.
type ActionFunc func(ctx context.Context, task *Task) ActionResult

// Action is either a shell command string or a callable; exactly one of the
// two should be set. A zero-value Action with neither set is invalid; it is
// not rejected at admission, and the executor reports it as a failed action
// when it runs.
type Action struct {
	Shell string
	Func  ActionFunc
	// Name is an optional label for progress output only.
	Name string
}

func (a Action) IsShell() bool { return a.Shell != "" && a.Func == nil }

// UpToDateResult is the three-valued outcome of evaluating a single
// up-to-date predicate (§4.1 step 3).
type UpToDateResult int

const (
	UpToDateUndetermined UpToDateResult = iota
	UpToDateFalse
	UpToDateTrue
)

// SavedValues is a task's saved-values record: a serializable payload
// restricted to the recursive closure of {nil, bool, int64, float64,
// string, []any, map[string]any} (§6). Readers (getargs, uptodate
// predicates) only ever see a value after the producing task has completed
// successfully.
type SavedValues map[string]any

// Clone returns a shallow copy safe to hand to readers without letting them
// mutate the stored map.
func (v SavedValues) Clone() SavedValues {
	if v == nil {
		return nil
	}
	out := make(SavedValues, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// ValidateSavedValue reports an error if value is not in the serializable
// closure §6 describes. It is called on every action return map and every
// value-saver result before a commit.
func ValidateSavedValue(v any) error {
	switch val := v.(type) {
	case nil, bool, int64, float64, string:
		return nil
	case int:
		return fmt.Errorf("plain int is not a serializable saved-value leaf, use int64 (value %d)", val)
	case []any:
		for i, e := range val {
			if err := ValidateSavedValue(e); err != nil {
				return fmt.Errorf("index %d: %w", i, err)
			}
		}
		return nil
	case map[string]any:
		for k, e := range val {
			if err := ValidateSavedValue(e); err != nil {
				return fmt.Errorf("key %q: %w", k, err)
			}
		}
		return nil
	default:
		return fmt.Errorf("value of type %T is not a serializable saved-value leaf", v)
	}
}

// ValidateSavedValues validates every entry of a saved-values map.
func ValidateSavedValues(values map[string]any) error {
	for k, v := range values {
		if err := ValidateSavedValue(v); err != nil {
			return fmt.Errorf("key %q: %w", k, err)
		}
	}
	return nil
}

// GetArgsRef points a consumer's action-parameter name at another task's
// saved value (§3 `getargs`). A nil Value delivers the producer's full
// saved-values map; pointing at a group-task delivers a mapping of
// sub-task-name to value instead (resolved by internal/executor).
type GetArgsRef struct {
	Producer string
	Value    *string
}

// Task is a uniquely named unit of work (§3). A Task with no Actions is a
// group: its execution collapses to completion once its task-dependencies
// are satisfied.
type Task struct {
	Name string

	Actions      []Action
	Dependencies []Dependency
	Targets      []Target

	SetupTasks      []string
	TeardownActions []Action
	UpToDate        []UpToDatePredicate

	// Getargs maps an action-parameter name to a pointer at another task's
	// saved value. Each Producer is an ordering edge (Graph.TaskDepEdges);
	// it is not added to SetupTasks, so a producer not also listed there is
	// not materialized lazily by its consumer's run.
	Getargs map[string]GetArgsRef

	// NoDefaultRun marks a group-only task that should not be selected by
	// a bare "run everything" invocation. Nothing in this module reads it:
	// neither the executor, the controller, nor cmd/corectl.
	NoDefaultRun bool

	// CleanActions is carried on the task but nothing in this module
	// invokes it: the executor and reactive controller never run it, and
	// there is no clean entry point (SPEC_FULL §C.1).
	CleanActions []Action

	// Verbosity is carried on the task but nothing in this module reads it:
	// shell actions always stream stdout/stderr to the process's own
	// stdout/stderr regardless of its value (SPEC_FULL §C.2).
	Verbosity int

	// Title, if set, renders a human-readable display name. Has no effect
	// on any invariant (SPEC_FULL §C.3).
	Title func(*Task) string
}

// IsGroup reports whether this task has no actions.
func (t *Task) IsGroup() bool { return len(t.Actions) == 0 }

// DependencyKeys returns the declared dependency keys in declared order.
func (t *Task) DependencyKeys() []string {
	keys := make([]string, len(t.Dependencies))
	for i, d := range t.Dependencies {
		keys[i] = d.Key()
	}
	return keys
}

// TargetKeys returns the declared target keys in declared order.
func (t *Task) TargetKeys() []string {
	keys := make([]string, len(t.Targets))
	for i, tg := range t.Targets {
		keys[i] = tg.Key()
	}
	return keys
}

// DisplayName returns Title(t) if set, else Name.
func (t *Task) DisplayName() string {
	if t.Title != nil {
		return t.Title(t)
	}
	return t.Name
}

// Signature returns a canonical string capturing a task's action list,
// dependency set, target set, and setup-tasks list (§4.4 TaskMerger): two
// regenerations of the same task name compare equal under Signature iff a
// reactive controller should treat them as unchanged (SKIP) rather than a
// redefinition (UPDATE). Dependency and target keys are sorted since §4.4
// calls them sets; setup-tasks and actions stay in declared order since
// their order is independently observable (§5).
func (t *Task) Signature() string {
	var b strings.Builder
	b.WriteString("actions:")
	for _, a := range t.Actions {
		b.WriteString(actionSignature(a))
		b.WriteByte(';')
	}

	// Each key is quoted before joining so a key that itself contains a ","
	// (a URL with a query string, say) can never make two differently-keyed
	// sets serialize to the same joined string.
	deps := t.DependencyKeys()
	sort.Strings(deps)
	b.WriteString("|deps:")
	b.WriteString(joinQuoted(deps))

	targets := t.TargetKeys()
	sort.Strings(targets)
	b.WriteString("|targets:")
	b.WriteString(joinQuoted(targets))

	b.WriteString("|setup:")
	b.WriteString(joinQuoted(t.SetupTasks))

	getargs := make([]string, 0, len(t.Getargs))
	for param, ref := range t.Getargs {
		value := "*"
		if ref.Value != nil {
			value = *ref.Value
		}
		// Producer and value are individually quoted (strconv.Quote) rather
		// than joined with a bare "." so that, e.g., Producer="x.y" Value="z"
		// and Producer="x" Value="y.z" can never collide into the same
		// signature string: the quotes around each field mark its boundary
		// unambiguously, however it embeds a literal "." of its own.
		getargs = append(getargs, fmt.Sprintf("%s=%s.%s", strconv.Quote(param), strconv.Quote(ref.Producer), strconv.Quote(value)))
	}
	sort.Strings(getargs)
	b.WriteString("|getargs:")
	b.WriteString(strings.Join(getargs, ","))

	return b.String()
}

func joinQuoted(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = strconv.Quote(s)
	}
	return strings.Join(quoted, ",")
}

func actionSignature(a Action) string {
	if a.IsShell() {
		return "shell:" + a.Shell
	}
	if a.Func != nil {
		return "func:" + runtime.FuncForPC(reflect.ValueOf(a.Func).Pointer()).Name()
	}
	return "empty"
}
