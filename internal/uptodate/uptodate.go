// Package uptodate implements the §4.1 up-to-date engine: the single
// check(task) -> {UP_TO_DATE, CHANGED, ERROR} decision combining
// heterogeneous dependency/target/predicate signals, plus the post-run
// commit that atomically persists witnesses and saved values.
package uptodate

import (
	"context"
	"fmt"
	"time"

	"github.com/taskcore/taskcore/internal/corelog"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/statestore"
)

// Decision is the three-valued outcome of Check.
type Decision int

const (
	Changed Decision = iota
	UpToDate
	Error
)

func (d Decision) String() string {
	switch d {
	case UpToDate:
		return "UP_TO_DATE"
	case Changed:
		return "CHANGED"
	default:
		return "ERROR"
	}
}

// Result is the outcome of a single Check call.
type Result struct {
	Decision Decision
	Reason   string
	Err      error
	// Savers were registered by up-to-date predicates during this check and
	// must be invoked by the executor after a successful action sequence,
	// regardless of what Decision says (a registry is built on every check,
	// whether or not the task ends up running).
	Savers []coretypes.ValueSaverFunc
}

// Engine is the up-to-date engine. It is stateless beyond its store/logger
// handles — all per-task state lives in the statestore.Store.
type Engine struct {
	store statestore.Store
	log   *corelog.Logger
}

// New creates an Engine backed by store.
func New(store statestore.Store, log *corelog.Logger) *Engine {
	if log == nil {
		log = corelog.Default
	}
	return &Engine{store: store, log: log}
}

// Check runs the §4.1 procedure in order, short-circuiting on the first
// definitive signal.
func (e *Engine) Check(ctx context.Context, task *coretypes.Task) *Result {
	reg := &coretypes.SaverRegistry{}

	// Step 1: no inputs at all => always CHANGED.
	if len(task.Dependencies) == 0 && len(task.UpToDate) == 0 {
		return &Result{Decision: Changed, Reason: "no inputs declared", Savers: reg.Savers()}
	}

	// Step 2: every target must currently exist.
	for _, tg := range task.Targets {
		exists, err := tg.Exists(ctx)
		if err != nil {
			return &Result{Decision: Error, Reason: fmt.Sprintf("target %s existence check failed", tg.Key()), Err: err}
		}
		if !exists {
			return &Result{Decision: Changed, Reason: fmt.Sprintf("missing target: %s", tg.Key()), Savers: reg.Savers()}
		}
	}

	rec, hasRec, err := e.store.Get(ctx, task.Name)
	if err != nil {
		return &Result{Decision: Error, Reason: "state store read failed", Err: err}
	}

	// Step 3: up-to-date predicates, in declared order. Undetermined is
	// ignored; the first definitive false forces CHANGED. A definitive
	// true does not end the check: steps 4 and 5 below still run.
	var stored coretypes.SavedValues
	if hasRec {
		stored = rec.SavedValues
	}
	for _, pred := range task.UpToDate {
		result, err := pred.Check(ctx, task, stored, reg)
		if err != nil {
			return &Result{Decision: Error, Reason: "up-to-date predicate failed", Err: err, Savers: reg.Savers()}
		}
		if result == coretypes.UpToDateFalse {
			return &Result{Decision: Changed, Reason: "up-to-date predicate returned false", Savers: reg.Savers()}
		}
	}

	// Step 4: dependency-set drift. A task with no prior record is treated
	// as having an empty recorded set, so any declared dependency already
	// counts as drift — there is no special case to carve out.
	storedWitnesses := map[string]coretypes.Witness{}
	if hasRec {
		storedWitnesses = rec.Witnesses
	}
	currentKeys := make(map[string]bool, len(task.Dependencies))
	for _, d := range task.Dependencies {
		currentKeys[d.Key()] = true
	}
	if len(currentKeys) != len(storedWitnesses) {
		return &Result{Decision: Changed, Reason: "dependency added or removed", Savers: reg.Savers()}
	}
	for k := range currentKeys {
		if _, ok := storedWitnesses[k]; !ok {
			return &Result{Decision: Changed, Reason: "dependency added or removed", Savers: reg.Savers()}
		}
	}

	// Step 5: per-dependency witness comparison, in declared order.
	for _, d := range task.Dependencies {
		stored := storedWitnesses[d.Key()]
		modified, err := d.ModifiedSince(ctx, stored)
		if err != nil {
			return &Result{Decision: Error, Reason: fmt.Sprintf("dependency %s check failed", d.Key()), Err: err, Savers: reg.Savers()}
		}
		if modified {
			return &Result{Decision: Changed, Reason: fmt.Sprintf("dependency modified: %s", d.Key()), Savers: reg.Savers()}
		}
	}

	return &Result{Decision: UpToDate, Reason: "all dependencies and targets unchanged", Savers: reg.Savers()}
}

// Commit re-queries every current dependency's witness, invokes every
// registered value-saver, merges action return maps and saver return maps,
// and atomically persists the result. Called by the executor only after a
// task's action sequence has fully succeeded.
func (e *Engine) Commit(ctx context.Context, task *coretypes.Task, actionValues coretypes.SavedValues, savers []coretypes.ValueSaverFunc, now time.Time) error {
	witnesses := make(map[string]coretypes.Witness, len(task.Dependencies))
	for _, d := range task.Dependencies {
		w, err := d.Witness(ctx)
		if err != nil {
			return fmt.Errorf("uptodate: re-query witness for %s: %w", d.Key(), err)
		}
		normalized, err := coretypes.NormalizeWitness(w)
		if err != nil {
			return fmt.Errorf("uptodate: normalize witness for %s: %w", d.Key(), err)
		}
		witnesses[d.Key()] = normalized
	}

	merged := coretypes.SavedValues{}
	for k, v := range actionValues {
		merged[k] = v
	}
	for _, saver := range savers {
		values, err := saver(ctx, task)
		if err != nil {
			return fmt.Errorf("uptodate: value-saver failed: %w", err)
		}
		for k, v := range values {
			merged[k] = v
		}
	}
	if err := coretypes.ValidateSavedValues(merged); err != nil {
		return fmt.Errorf("uptodate: saved values not serializable: %w", err)
	}

	rec := &statestore.Record{Witnesses: witnesses, SavedValues: merged, LastSuccess: now}
	if err := e.store.Upsert(ctx, task.Name, rec); err != nil {
		return fmt.Errorf("uptodate: commit %s: %w", task.Name, err)
	}
	e.log.Debugf("committed state for task %s (%d deps, %d saved values)", task.Name, len(witnesses), len(merged))
	return nil
}

// StoredValues returns a task's previously saved-values record, or nil if
// the task has never successfully committed. Used by the executor to
// resolve getargs against a SKIPPED producer.
func (e *Engine) StoredValues(ctx context.Context, taskName string) (coretypes.SavedValues, error) {
	rec, ok, err := e.store.Get(ctx, taskName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return rec.SavedValues, nil
}
