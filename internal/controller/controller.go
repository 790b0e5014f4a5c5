// Package controller implements the §4.4 reactive fixed-point controller:
// generators propose tasks, the executor drains whatever is ready, newly
// published target keys are matched against each generator's declared input
// patterns, and the cycle repeats until a full pass adds or changes nothing
// (converged) or the admitted task count would exceed max_tasks (hit_limit).
// The merge semantics are grounded on how the teacher's eventbus.Bus fans a
// published event out to every matching handler without letting one
// handler's outcome block the others.
package controller

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/taskcore/taskcore/internal/corelog"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/eventstream"
	"github.com/taskcore/taskcore/internal/executor"
	"github.com/taskcore/taskcore/internal/generator"
	"github.com/taskcore/taskcore/internal/graph"
	"github.com/taskcore/taskcore/internal/matchindex"
)

// MergeOutcome classifies how one regenerated task compared against the
// admitted graph (§4.4 TaskMerger).
type MergeOutcome int

const (
	MergeAdd MergeOutcome = iota
	MergeSkip
	MergeUpdate
	MergeConflict
)

func (o MergeOutcome) String() string {
	switch o {
	case MergeAdd:
		return "ADD"
	case MergeSkip:
		return "SKIP"
	case MergeUpdate:
		return "UPDATE"
	case MergeConflict:
		return "CONFLICT"
	default:
		return "UNKNOWN"
	}
}

// Conflict records a TaskMerger conflict: a generator proposed a differing
// definition for a task that had already reached DONE or RUNNING, so the
// running/finished definition was kept and the divergence is only reported
// (§4.4).
type Conflict struct {
	Task      string
	Generator string
}

// Report summarizes one controller session.
type Report struct {
	Converged     bool
	HitLimit      bool
	Regenerations int
	Conflicts     []Conflict
	Exec          *executor.Report
}

// Controller drives the reactive loop over a graph.Graph and an
// executor.Executor shared for the whole session (the same Executor
// instance must be reused across every RunReady call so a task's terminal
// status survives regeneration and it never executes twice, per §5).
type Controller struct {
	graph    *graph.Graph
	exec     *executor.Executor
	stream   *eventstream.Stream
	genIndex *matchindex.Index

	generators         map[string]generator.Generator
	maxTasks           int
	parallelism        int
	convergenceTimeout time.Duration
	log                *corelog.Logger

	regenerations int
	conflicts     []Conflict
}

// New builds a Controller. maxTasks <= 0 disables the safety bound.
// parallelism <= 1 drives the ready queue sequentially (executor.RunReady);
// anything higher drives it through executor.RunParallelReady with that many
// workers (SPEC_FULL §A.3, Config.Parallelism). convergenceTimeout <= 0
// leaves Run with no deadline; otherwise Run bounds the whole reactive loop
// to that duration (SPEC_FULL §A.3, Config.ConvergenceTimeout).
func New(g *graph.Graph, exec *executor.Executor, stream *eventstream.Stream, maxTasks, parallelism int, convergenceTimeout time.Duration, log *corelog.Logger) *Controller {
	if log == nil {
		log = corelog.Default
	}
	return &Controller{
		graph:              g,
		exec:               exec,
		stream:             stream,
		genIndex:           matchindex.New(),
		generators:         map[string]generator.Generator{},
		maxTasks:           maxTasks,
		parallelism:        parallelism,
		convergenceTimeout: convergenceTimeout,
		log:                log,
	}
}

// Register adds a generator and indexes its declared input patterns (§4.5)
// so a later published key can find it via the generator-pattern index.
func (c *Controller) Register(gen generator.Generator) {
	c.generators[gen.ID()] = gen
	for _, pk := range gen.InputPatternKeys() {
		c.genIndex.Register(pk.Pattern, pk.Strategy, gen.ID(), pk.Match)
	}
}

// Run drives the §4.4 loop to convergence or hit_limit.
func (c *Controller) Run(ctx context.Context) (*Report, error) {
	if c.convergenceTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.convergenceTimeout)
		defer cancel()
	}

	allIDs := make([]string, 0, len(c.generators))
	for id := range c.generators {
		allIDs = append(allIDs, id)
	}
	sort.Strings(allIDs)

	// Step 1: initial generation from every registered generator.
	if _, err := c.regenerate(ctx, allIDs); err != nil {
		return nil, err
	}
	if c.overLimit() {
		return c.finish(ctx, false, true, nil)
	}

	var lastExec *executor.Report
	for {
		// A timed-out context still lets the current iteration's already-
		// running actions finish (they each select on ctx.Done themselves);
		// this check only stops the controller from starting another one.
		if err := ctx.Err(); err != nil {
			return c.finish(ctx, false, false, lastExec)
		}

		// Step 2: drive the executor until its ready queue is empty.
		execReport, err := c.runReady(ctx)
		if err != nil {
			return nil, err
		}
		lastExec = execReport

		// Step 3: drain published keys, find affected generators by
		// consulting the generator-pattern index's matching tier, and
		// regenerate them.
		keys := c.stream.Drain()
		affected := map[string]bool{}
		for _, key := range keys {
			for _, owner := range c.genIndex.FindAllByPriority(key) {
				affected[owner] = true
			}
		}
		if len(affected) == 0 {
			// Step 4: no generator was even invoked this pass, so nothing
			// could have produced ADD/UPDATE.
			return c.finish(ctx, true, false, lastExec)
		}
		affectedIDs := make([]string, 0, len(affected))
		for id := range affected {
			affectedIDs = append(affectedIDs, id)
		}
		sort.Strings(affectedIDs)

		changed, err := c.regenerate(ctx, affectedIDs)
		if err != nil {
			return nil, err
		}

		// Step 5: enforce max_tasks.
		if c.overLimit() {
			return c.finish(ctx, false, true, lastExec)
		}
		// Step 4: a full pass that produced zero ADD/UPDATE outcomes is
		// converged, even though every affected generator ran.
		if !changed {
			return c.finish(ctx, true, false, lastExec)
		}
	}
}

// runReady drives the ready queue sequentially or with bounded concurrency
// depending on Config.Parallelism (SPEC_FULL §A.3), without ever running
// teardown itself — that stays the sole responsibility of finish, exactly
// once per session, regardless of which path drove the ready queue.
func (c *Controller) runReady(ctx context.Context) (*executor.Report, error) {
	if c.parallelism > 1 {
		return c.exec.RunParallelReady(ctx, int64(c.parallelism))
	}
	return c.exec.RunReady(ctx)
}

func (c *Controller) overLimit() bool {
	if c.maxTasks <= 0 {
		return false
	}
	return len(c.graph.Tasks()) > c.maxTasks
}

func (c *Controller) regenerate(ctx context.Context, ids []string) (bool, error) {
	changed := false
	for _, id := range ids {
		gen, ok := c.generators[id]
		if !ok {
			continue
		}
		c.regenerations++
		tasks, err := gen.Generate(ctx)
		if err != nil {
			return false, fmt.Errorf("controller: generator %s: %w", id, err)
		}
		for _, t := range tasks {
			outcome, err := c.mergeTask(id, t)
			if err != nil {
				return false, fmt.Errorf("controller: merge task %s from generator %s: %w", t.Name, id, err)
			}
			if outcome == MergeAdd || outcome == MergeUpdate {
				changed = true
			}
			c.log.Debugf("controller: generator %s -> task %s: %s", id, t.Name, outcome)
		}
	}
	return changed, nil
}

// mergeTask applies the §4.4 TaskMerger decision table for a single
// regenerated task.
func (c *Controller) mergeTask(genID string, t *coretypes.Task) (MergeOutcome, error) {
	existing, ok := c.graph.Task(t.Name)
	if !ok {
		if err := c.graph.Admit(t); err != nil {
			return MergeConflict, err
		}
		c.graph.ConfigureTask(t)
		if err := c.graph.Validate(); err != nil {
			return MergeConflict, err
		}
		return MergeAdd, nil
	}

	if existing.Signature() == t.Signature() {
		return MergeSkip, nil
	}

	status := c.exec.Status(t.Name)
	if status == coretypes.StatusDone || status == coretypes.StatusRunning {
		c.conflicts = append(c.conflicts, Conflict{Task: t.Name, Generator: genID})
		c.log.Warnf("controller: generator %s redefined %s after it reached %s; keeping the existing definition", genID, t.Name, status)
		return MergeConflict, nil
	}

	// Not yet DONE/RUNNING: replace (covers both still-PENDING and already
	// READY tasks — a READY task simply re-reads its new definition the next
	// time RunReady reaches it, since the executor looks the task up from
	// the graph by name rather than caching the definition it was admitted
	// with).
	if err := c.graph.Replace(t); err != nil {
		return MergeConflict, err
	}
	c.graph.ConfigureTask(t)
	if err := c.graph.Validate(); err != nil {
		return MergeConflict, err
	}
	return MergeUpdate, nil
}

func (c *Controller) finish(ctx context.Context, converged, hitLimit bool, lastExec *executor.Report) (*Report, error) {
	order, err := c.graph.TopoOrder()
	if err != nil {
		return nil, err
	}
	// Teardown must still get to run its cleanup actions even when Run
	// stopped because convergenceTimeout expired — context.WithoutCancel
	// keeps the caller's values but drops the expired deadline/cancellation.
	c.exec.Teardown(context.WithoutCancel(ctx), order)
	return &Report{
		Converged:     converged,
		HitLimit:      hitLimit,
		Regenerations: c.regenerations,
		Conflicts:     c.conflicts,
		Exec:          lastExec,
	}, nil
}
