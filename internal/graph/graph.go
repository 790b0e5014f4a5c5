// Package graph holds the task model's admission, validation, and
// topological ordering: the data model of §3 plus the invariants of §7's
// configuration-error taxonomy (duplicate names, unknown setup-tasks,
// unresolved getargs, cycles, duplicate exact targets). All of these are
// fatal before any action runs, and are aggregated with
// github.com/hashicorp/go-multierror rather than failing fast on the first
// one, matching how opentofu's graph-validation passes accumulate multiple
// diagnostics before failing a plan.
package graph

import (
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/corerr"
	"github.com/taskcore/taskcore/internal/matchindex"
)

// Graph holds every admitted task plus the match index resolving their
// declared targets. It is the in-session analogue of the teacher's
// admitted-task table (Design Notes, "Global mutable state").
type Graph struct {
	tasks      map[string]*coretypes.Task
	order      []string // admission order, for tie-breaking (§4.3)
	targets    *matchindex.Index
	exactOwner map[string]string // target key -> owning task, exact-strategy only
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		tasks:      map[string]*coretypes.Task{},
		targets:    matchindex.New(),
		exactOwner: map[string]string{},
	}
}

// Tasks returns every admitted task, in admission order.
func (g *Graph) Tasks() []*coretypes.Task {
	out := make([]*coretypes.Task, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.tasks[name])
	}
	return out
}

// Task looks up an admitted task by name.
func (g *Graph) Task(name string) (*coretypes.Task, bool) {
	t, ok := g.tasks[name]
	return t, ok
}

// TargetIndex returns the match index resolving declared targets to their
// owning task, for the executor's producer-resolution needs (§4.2).
func (g *Graph) TargetIndex() *matchindex.Index { return g.targets }

// Admit validates and registers a single task, returning a configuration
// error (never a runtime one) on any violation. Re-admitting an already
// admitted task name is itself the duplicate-name violation (§3 invariant)
// unless the caller goes through Replace (used only by the reactive
// controller's TaskMerger, internal/controller).
func (g *Graph) Admit(task *coretypes.Task) error {
	if _, exists := g.tasks[task.Name]; exists {
		return fmt.Errorf("%w: %s", corerr.ErrDuplicateTask, task.Name)
	}
	if err := g.registerTargets(task); err != nil {
		return err
	}
	g.tasks[task.Name] = task
	g.order = append(g.order, task.Name)
	return nil
}

// Replace swaps the definition of an already-admitted task (used by the
// reactive controller's TaskMerger UPDATE outcome, §4.4). It does not
// change admission order. Target re-registration is best-effort: since the
// match index is append-only (§4.2), stale target registrations from the
// old definition are not removed; callers that rely on exact-producer
// uniqueness across regenerations should keep targets stable across a
// task's signature revisions.
func (g *Graph) Replace(task *coretypes.Task) error {
	if _, exists := g.tasks[task.Name]; !exists {
		return fmt.Errorf("graph: cannot replace unknown task %s", task.Name)
	}
	if err := g.registerTargets(task); err != nil {
		return err
	}
	g.tasks[task.Name] = task
	return nil
}

func (g *Graph) registerTargets(task *coretypes.Task) error {
	for _, tg := range task.Targets {
		key := tg.Key()
		if tg.MatchStrategy() == coretypes.MatchExact {
			if owner, ok := g.exactOwner[key]; ok && owner != task.Name {
				return fmt.Errorf("%w: %s (already produced by %s, now claimed by %s)",
					corerr.ErrDuplicateExactKey, key, owner, task.Name)
			}
			g.exactOwner[key] = task.Name
		}
	}
	for _, tg := range task.Targets {
		var matcher matchindex.CustomMatchFunc
		if tg.MatchStrategy() == coretypes.MatchCustom {
			if cm, ok := tg.(coretypes.CustomMatcher); ok {
				matcher = cm.Matches
			}
		}
		g.targets.Register(tg.Key(), tg.MatchStrategy(), task.Name, matcher)
	}
	return nil
}

// AdmitAll validates and registers every task, aggregating every
// configuration error found (duplicates, unknown setup-tasks, unresolved
// getargs, cycles) into a single error rather than stopping at the first.
func (g *Graph) AdmitAll(tasks []*coretypes.Task) error {
	var result *multierror.Error

	for _, t := range tasks {
		if err := g.Admit(t); err != nil {
			result = multierror.Append(result, err)
		}
	}

	// ConfigureTask is the sole supported post-admission mutation (§4.1):
	// invoke it once per task, after the whole batch is admitted and before
	// Validate, so a predicate's mutation of SetupTasks is itself subject to
	// the reference/cycle checks below — the same order
	// internal/controller's mergeTask uses for a single regenerated task.
	for _, t := range tasks {
		g.ConfigureTask(t)
	}

	if err := g.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// Validate checks every setup-task/getargs reference against the currently
// admitted task set and confirms the task-dependency graph is still a DAG.
// AdmitAll calls this once per batch; the reactive controller (internal
// /controller) calls it again after every incremental Admit/Replace so a
// regeneration that introduces a bad reference or a cycle is still caught as
// a configuration error before the executor runs anything from that batch.
func (g *Graph) Validate() error {
	var result *multierror.Error
	if err := g.validateReferences(); err != nil {
		result = multierror.Append(result, err)
	}
	if _, err := g.TopoOrder(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

// ConfigureTask invokes ConfigureTask on every UpToDate predicate that
// implements it, once, for a single task. Exposed so internal/controller can
// apply it to a single regenerated task the same way AdmitAll applies it to
// a whole batch.
func (g *Graph) ConfigureTask(t *coretypes.Task) {
	for _, pred := range t.UpToDate {
		if cfg, ok := pred.(coretypes.Configurable); ok {
			cfg.ConfigureTask(t)
		}
	}
}

// validateReferences checks every setup-task and getargs reference against
// the admitted task set.
func (g *Graph) validateReferences() error {
	var result *multierror.Error

	for _, name := range g.order {
		t := g.tasks[name]
		for _, setup := range t.SetupTasks {
			if _, ok := g.tasks[setup]; !ok {
				result = multierror.Append(result, fmt.Errorf("%w: task %s references setup-task %s", corerr.ErrUnknownSetupTask, t.Name, setup))
			}
		}
		for param, ref := range t.Getargs {
			producer, ok := g.tasks[ref.Producer]
			if !ok {
				result = multierror.Append(result, fmt.Errorf("%w: task %s getargs[%s] references %s", corerr.ErrUnknownGetargsTask, t.Name, param, ref.Producer))
				continue
			}
			if ref.Value != nil && !producer.IsGroup() {
				// Non-group producers must actually be capable of saving
				// the named value; we can't know the value exists until
				// runtime (actions haven't executed), so only a gross
				// input-shape error — an empty name — is caught here.
				if *ref.Value == "" {
					result = multierror.Append(result, fmt.Errorf("%w: task %s getargs[%s] has an empty value name", corerr.ErrUnknownGetargsKey, t.Name, param))
				}
			}
		}
	}

	return result.ErrorOrNil()
}

// TaskDepEdges returns every producer task name t depends on completing
// first: declared setup-tasks, getargs producers (ordering edges only: they
// are not added to SetupTasks), any declared task:<name> dependency, and every
// ordinary Dependency that the target index resolves to an admitted task's
// declared Target (§4.2 find_producer) — a plain FileDependency("out/a.o")
// is ordered after whichever task declares FileTarget("out/a.o") exactly as
// if it had written "task:that-task" itself (§7, §8). It is exported for
// internal/executor's readiness checks as well as this package's own
// topological sort.
func (g *Graph) TaskDepEdges(t *coretypes.Task) []string {
	seen := map[string]bool{}
	var out []string
	add := func(name string) {
		if name != "" && name != t.Name && !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	for _, s := range t.SetupTasks {
		add(s)
	}
	for _, ref := range t.Getargs {
		add(ref.Producer)
	}
	for _, d := range t.Dependencies {
		key := d.Key()
		if strings.HasPrefix(key, "task:") {
			add(strings.TrimPrefix(key, "task:"))
			continue
		}
		if producer, ok := g.targets.FindBest(key); ok {
			add(producer)
		}
	}
	return out
}

// TopoOrder returns admitted task names in dependency order (producers
// before consumers), ties broken by admission order (§2, §4.3). Returns a
// cycle error if the task_dep graph is not a DAG.
func (g *Graph) TopoOrder() ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(g.order))
	var topo []string
	var path []string

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			cycle := append(append([]string{}, path...), name)
			return fmt.Errorf("%w: %s", corerr.ErrCyclicTaskDep, strings.Join(cycle, " -> "))
		}
		color[name] = gray
		path = append(path, name)

		t, ok := g.tasks[name]
		if ok {
			for _, dep := range g.TaskDepEdges(t) {
				if _, known := g.tasks[dep]; !known {
					continue // reported separately by validateReferences
				}
				if err := visit(dep); err != nil {
					return err
				}
			}
		}

		path = path[:len(path)-1]
		color[name] = black
		topo = append(topo, name)
		return nil
	}

	// Visiting in admission order and always recursing into dependencies
	// first yields a topological order where, among tasks with no
	// ordering constraint between them, admission order is preserved
	// (§2: "ties broken by declaration order").
	for _, name := range g.order {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return topo, nil
}
