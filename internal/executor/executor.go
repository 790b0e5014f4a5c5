// Package executor implements the §4.3 executor: it walks admitted tasks in
// dependency order, runs the up-to-date engine to decide whether each one
// needs actions, and atomically commits state after a successful run. It
// also exposes an optional bounded-concurrency mode guarded by the §5
// single-writer and key-conflict rules, adapted from how the teacher's
// eventbus.Bus dispatches handlers without letting one handler's failure
// abort the others.
package executor

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/taskcore/taskcore/internal/corelog"
	"github.com/taskcore/taskcore/internal/corerr"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/eventstream"
	"github.com/taskcore/taskcore/internal/graph"
	"github.com/taskcore/taskcore/internal/uptodate"
)

// Report summarizes one Run/RunParallel pass.
type Report struct {
	Statuses map[string]coretypes.TaskStatus
	Errors   map[string]*corerr.TaskError
	Order    []string
}

// Executor runs a single admitted graph to completion once. One Executor
// serves a whole session: internal/controller reuses the same instance for
// every RunReady/RunParallelReady call across task-set regenerations, so its
// per-session bookkeeping (statuses, this-session saved values) keeps a task
// from executing twice.
type Executor struct {
	graph  *graph.Graph
	engine *uptodate.Engine
	stream *eventstream.Stream
	log    *corelog.Logger
	now    func() time.Time

	mu            sync.Mutex
	statuses      map[string]coretypes.TaskStatus
	errs          map[string]*corerr.TaskError
	sessionValues map[string]coretypes.SavedValues

	keyLocksMu sync.Mutex
	keyLocks   map[string]*sync.Mutex

	onceMu sync.Mutex
	once   map[string]*sync.Once
}

// New builds an Executor over an admitted graph. stream may be nil to
// disable published-event mirroring.
func New(g *graph.Graph, engine *uptodate.Engine, stream *eventstream.Stream, log *corelog.Logger) *Executor {
	if log == nil {
		log = corelog.Default
	}
	return &Executor{
		graph:         g,
		engine:        engine,
		stream:        stream,
		log:           log,
		now:           time.Now,
		statuses:      map[string]coretypes.TaskStatus{},
		errs:          map[string]*corerr.TaskError{},
		sessionValues: map[string]coretypes.SavedValues{},
		keyLocks:      map[string]*sync.Mutex{},
		once:          map[string]*sync.Once{},
	}
}

// Run executes every admitted task sequentially, in topological order with
// admission-order ties (§2, §4.3), then runs teardown actions for every task
// that completed DONE, in reverse topological order (see Teardown). A
// setup-task materialized lazily inside its parent's run is torn down at its
// topological position, which is not always the reverse of when it actually
// executed. It is the whole-session entry point for a one-shot
// (non-reactive) run.
func (ex *Executor) Run(ctx context.Context) (*Report, error) {
	order, err := ex.RunReady(ctx)
	if err != nil {
		return nil, err
	}
	ex.Teardown(ctx, order.Order)
	return order, nil
}

// RunReady drives every admitted task that is not already in a terminal
// status to completion, without running teardown. A task already DONE,
// FAILED, or SKIPPED-UP-TO-DATE from a prior call is left untouched — this
// is what lets internal/controller call RunReady once per fixed-point
// iteration across a growing task set while still guaranteeing a task never
// executes twice in a session (§5).
//
// A task that only appears as someone else's declared SetupTasks entry is
// never driven from here directly: §4.3 requires setup-tasks to "run as
// normal tasks but only when their parent is actually to be executed," so
// such a task is left to be materialized lazily by runOne, from inside its
// parent's own run, the moment that parent decides it is not up to date
// (see ensureSetupTasks). Driving it unconditionally here would run its
// actions even on a session where every one of its parents turned out to
// be up to date and skipped.
func (ex *Executor) RunReady(ctx context.Context) (*Report, error) {
	order, err := ex.graph.TopoOrder()
	if err != nil {
		return nil, err
	}
	lazy := ex.setupOnlyNames()
	for _, name := range order {
		if lazy[name] {
			continue
		}
		ex.driveOnce(ctx, name)
	}
	return ex.report(order), nil
}

// setupOnlyNames returns every task name that appears in some admitted
// task's SetupTasks list, regardless of whether it is also depended on some
// other way. These are the names RunReady and RunParallel must not drive
// unconditionally.
func (ex *Executor) setupOnlyNames() map[string]bool {
	names := map[string]bool{}
	for _, t := range ex.graph.Tasks() {
		for _, s := range t.SetupTasks {
			names[s] = true
		}
	}
	return names
}

// driveOnce runs task name exactly once for this Executor's lifetime, no
// matter how many times or from how many goroutines it is requested —
// RunReady's topological walk and runOne's lazy setup-task materialization
// both call this rather than runOne directly, so two tasks racing to
// materialize the same shared setup-task (RunParallel) never run it twice
// and the second caller simply waits for the first's result.
func (ex *Executor) driveOnce(ctx context.Context, name string) {
	ex.onceMu.Lock()
	once, ok := ex.once[name]
	if !ok {
		once = &sync.Once{}
		ex.once[name] = once
	}
	ex.onceMu.Unlock()

	once.Do(func() {
		ex.runOne(ctx, name)
	})
}

// RunParallel is the bounded-concurrency alternative to Run (§5): it drives
// every ready task to completion with RunParallelReady, then runs teardown
// exactly once, the same one-shot contract Run has around RunReady.
func (ex *Executor) RunParallel(ctx context.Context, maxWorkers int64) (*Report, error) {
	report, err := ex.RunParallelReady(ctx, maxWorkers)
	if err != nil {
		return nil, err
	}
	ex.Teardown(ctx, report.Order)
	return report, nil
}

// RunParallelReady is RunReady's bounded-concurrency counterpart, for a
// reactive controller that must call it once per fixed-point iteration and
// run Teardown itself exactly once at the very end (internal/controller):
// tasks become eligible to start as soon as every task-dependency edge
// (Graph.TaskDepEdges) has reached a terminal status, concurrency is
// bounded by maxWorkers via golang.org/x/sync/semaphore, and two tasks whose
// dependency/target key sets intersect are serialized against each other via
// per-key locks so a single-writer discipline holds even across goroutines.
func (ex *Executor) RunParallelReady(ctx context.Context, maxWorkers int64) (*Report, error) {
	order, err := ex.graph.TopoOrder()
	if err != nil {
		return nil, err
	}

	done := make(map[string]chan struct{}, len(order))
	for _, name := range order {
		done[name] = make(chan struct{})
	}

	sem := semaphore.NewWeighted(maxWorkers)
	g, gctx := errgroup.WithContext(ctx)

	// A task that only exists as someone else's setup-task is never waited
	// on through its done channel and never driven by this loop — same
	// §4.3 laziness RunReady observes. It is materialized (at most once,
	// via driveOnce) from inside its parent's runOne instead, the moment
	// the parent decides it needs to run. Closing its channel immediately
	// keeps any other edge that happens to name it from blocking forever.
	lazy := ex.setupOnlyNames()
	for name := range lazy {
		if ch, ok := done[name]; ok {
			close(ch)
		}
	}

	for _, name := range order {
		if lazy[name] {
			continue
		}
		name := name
		task, ok := ex.graph.Task(name)
		if !ok {
			close(done[name])
			continue
		}
		deps := ex.nonSetupDepEdges(task)

		g.Go(func() error {
			defer close(done[name])

			for _, dep := range deps {
				ch, known := done[dep]
				if !known {
					continue // unresolved task: dep, reported by graph validation
				}
				select {
				case <-ch:
				case <-gctx.Done():
					return nil
				}
			}

			if err := sem.Acquire(gctx, 1); err != nil {
				return nil // context cancelled while waiting for a slot
			}
			defer sem.Release(1)

			ex.driveOnce(gctx, name)
			return nil
		})
	}
	_ = g.Wait() // per-task failures are recorded on the task, never returned here

	return ex.report(order), nil
}

// nonSetupDepEdges is Graph.TaskDepEdges minus the edges contributed by
// task's own declared SetupTasks: those are driven lazily by runOne
// (ensureSetupTasks) rather than waited on through a done channel, so
// RunParallel must not block a task on its own setup-tasks' channels —
// doing so would deadlock against a setup-task that only ever gets
// materialized from inside this very task's run.
func (ex *Executor) nonSetupDepEdges(t *coretypes.Task) []string {
	setup := make(map[string]bool, len(t.SetupTasks))
	for _, s := range t.SetupTasks {
		setup[s] = true
	}
	var out []string
	for _, dep := range ex.graph.TaskDepEdges(t) {
		if !setup[dep] {
			out = append(out, dep)
		}
	}
	return out
}

func conflictKeys(t *coretypes.Task) []string {
	keys := make([]string, 0, len(t.Dependencies)+len(t.Targets))
	keys = append(keys, t.DependencyKeys()...)
	keys = append(keys, t.TargetKeys()...)
	return keys
}

// lockKeys acquires one mutex per key, in sorted order, so two tasks
// requesting overlapping key sets can never deadlock against each other.
func (ex *Executor) lockKeys(keys []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	ex.keyLocksMu.Lock()
	locks := make([]*sync.Mutex, len(sorted))
	for i, k := range sorted {
		l, ok := ex.keyLocks[k]
		if !ok {
			l = &sync.Mutex{}
			ex.keyLocks[k] = l
		}
		locks[i] = l
	}
	ex.keyLocksMu.Unlock()

	for _, l := range locks {
		l.Lock()
	}
}

func (ex *Executor) unlockKeys(keys []string) {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	ex.keyLocksMu.Lock()
	locks := make([]*sync.Mutex, len(sorted))
	for i, k := range sorted {
		locks[i] = ex.keyLocks[k]
	}
	ex.keyLocksMu.Unlock()

	for i := len(locks) - 1; i >= 0; i-- {
		locks[i].Unlock()
	}
}

// heldKeysCtxKey tags the context value carrying the set of conflict keys
// already locked somewhere up the current call chain (see runOne below).
type heldKeysCtxKey struct{}

// runOne decides and, if needed, executes a single task. It is safe to call
// concurrently for distinct tasks whose key sets do not overlap: it takes
// task's own conflictKeys locks itself, around the whole decide-and-execute
// body, rather than relying on its caller to hold them. This is what keeps a
// lazily-materialized setup-task (driven from inside some other task's
// runOne via ensureSetupTasks, never through RunParallelReady's own
// dispatch loop) under the same single-writer discipline as a normally
// dispatched task against every OTHER goroutine — the dispatch loop no
// longer takes these locks itself.
//
// A key already locked by an ancestor in this same call chain (a parent
// task and a setup-task it pulls in via ensureSetupTasks, sharing a key —
// the parent depends on exactly what the setup-task targets) is not
// reacquired: sync.Mutex is not reentrant, and the two are already
// serialized by being sequential calls on the same goroutine. The context
// value tracking "already held" keys is mutated in place but only ever
// touched by the single goroutine walking this call chain, so it needs no
// locking of its own.
func (ex *Executor) runOne(ctx context.Context, name string) {
	if ex.status(name).Terminal() {
		return
	}
	task, ok := ex.graph.Task(name)
	if !ok {
		return
	}

	select {
	case <-ctx.Done():
		ex.fail(task, corerr.KindCancelled, "cancelled before start", ctx.Err())
		return
	default:
	}

	for _, dep := range ex.graph.TaskDepEdges(task) {
		if ex.status(dep) == coretypes.StatusFailed {
			ex.fail(task, corerr.KindUpstreamFailed, fmt.Sprintf("upstream task %s failed", dep), nil)
			return
		}
	}

	held, ok := ctx.Value(heldKeysCtxKey{}).(map[string]bool)
	if !ok {
		held = map[string]bool{}
		ctx = context.WithValue(ctx, heldKeysCtxKey{}, held)
	}
	var newlyHeld []string
	for _, k := range conflictKeys(task) {
		if held[k] {
			continue
		}
		held[k] = true
		newlyHeld = append(newlyHeld, k)
	}
	ex.lockKeys(newlyHeld)
	defer func() {
		ex.unlockKeys(newlyHeld)
		for _, k := range newlyHeld {
			delete(held, k)
		}
	}()

	res := ex.engine.Check(ctx, task)
	if res.Decision == uptodate.Error {
		ex.fail(task, corerr.KindDependencyCheck, res.Reason, res.Err)
		return
	}
	if res.Decision == uptodate.UpToDate {
		ex.markSkipped(task, res.Reason)
		return
	}

	// Declared setup-tasks are only materialized once task itself is known
	// to be executing — resolveGetargs must run after this, not before, since
	// a getargs producer that is also declared as a setup-task may not have
	// produced its value yet otherwise. A getargs producer that is not in
	// SetupTasks is not materialized here; it is only an ordering edge
	// (Graph.TaskDepEdges) and runs at its own topological position.
	if err := ex.ensureSetupTasks(ctx, task); err != nil {
		ex.fail(task, corerr.KindUpstreamFailed, err.Error(), err)
		return
	}

	getargsValues, err := ex.resolveGetargs(ctx, task)
	if err != nil {
		ex.fail(task, corerr.KindDependencyCheck, "getargs resolution failed", err)
		return
	}

	ex.setStatus(name, coretypes.StatusRunning)
	runCtx := withGetargs(ctx, getargsValues)

	merged := coretypes.SavedValues{}
	for _, action := range task.Actions {
		select {
		case <-ctx.Done():
			ex.fail(task, corerr.KindCancelled, "cancelled mid-action", ctx.Err())
			return
		default:
		}
		result := ex.runAction(runCtx, task, action)
		if !result.Success {
			ex.fail(task, corerr.KindAction, describeAction(action), result.Err)
			return
		}
		for k, v := range result.Return {
			merged[k] = v
		}
	}

	if err := ex.engine.Commit(ctx, task, merged, res.Savers, ex.now()); err != nil {
		ex.fail(task, corerr.KindCommit, "commit failed", err)
		return
	}

	ex.mu.Lock()
	ex.sessionValues[name] = merged.Clone()
	ex.statuses[name] = coretypes.StatusDone
	ex.mu.Unlock()
	ex.log.Debugf("task %s done", name)

	if ex.stream != nil {
		for _, key := range task.TargetKeys() {
			ex.stream.Publish(key)
		}
	}
}

func describeAction(a coretypes.Action) string {
	if a.Name != "" {
		return fmt.Sprintf("action %s failed", a.Name)
	}
	if a.IsShell() {
		return fmt.Sprintf("shell action %q failed", a.Shell)
	}
	return "action failed"
}

// runAction adapts a shell-string action into an os/exec invocation or
// invokes a callable action directly. A zero-value Action (neither Shell nor
// Func set) is a caller bug, not a runtime condition, but is still reported
// as a failed action rather than a panic.
func (ex *Executor) runAction(ctx context.Context, task *coretypes.Task, action coretypes.Action) coretypes.ActionResult {
	if action.Func != nil {
		return action.Func(ctx, task)
	}
	if action.IsShell() {
		cmd := exec.CommandContext(ctx, "sh", "-c", action.Shell)
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return coretypes.ActionResult{Success: false, Err: err}
		}
		return coretypes.ActionResult{Success: true}
	}
	return coretypes.ActionResult{Success: false, Err: fmt.Errorf("action %q has neither Shell nor Func set", task.Name)}
}

// Teardown runs TeardownActions for every task that reached DONE, in the
// reverse of order (§4.3). Teardown never runs for a SKIPPED or FAILED task.
// The caller is responsible for calling this at most once per session —
// internal/controller calls it only after the reactive loop has converged
// or hit its safety bound, never per-iteration.
func (ex *Executor) Teardown(ctx context.Context, order []string) {
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]
		if ex.status(name) != coretypes.StatusDone {
			continue
		}
		task, ok := ex.graph.Task(name)
		if !ok || len(task.TeardownActions) == 0 {
			continue
		}
		for _, action := range task.TeardownActions {
			result := ex.runAction(ctx, task, action)
			if !result.Success {
				ex.log.Warnf("task %s teardown action failed: %v", name, result.Err)
			}
		}
	}
}

// ensureSetupTasks materializes task's declared setup-tasks, in declared
// order, the moment task itself has been decided Changed — the concrete
// reading of §4.3's "setup-tasks run as normal tasks but only when their
// parent is actually to be executed." Each is driven through driveOnce, so
// a setup-task shared by several parents still runs at most once regardless
// of how many of those parents end up executing.
func (ex *Executor) ensureSetupTasks(ctx context.Context, task *coretypes.Task) error {
	for _, name := range task.SetupTasks {
		ex.driveOnce(ctx, name)
		if ex.status(name) == coretypes.StatusFailed {
			return fmt.Errorf("setup-task %s failed", name)
		}
	}
	return nil
}

// resolveGetargs resolves every action-parameter -> producer-value pointer
// declared on task (§3 getargs). A nil Value delivers the producer's full
// saved-values map; a group producer delivers a mapping of member task name
// to that member's named value instead of a single scalar (§4.3).
func (ex *Executor) resolveGetargs(ctx context.Context, task *coretypes.Task) (map[string]any, error) {
	if len(task.Getargs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(task.Getargs))
	for param, ref := range task.Getargs {
		producer, ok := ex.graph.Task(ref.Producer)
		if !ok {
			return nil, fmt.Errorf("getargs[%s]: unknown producer %s", param, ref.Producer)
		}

		if ref.Value == nil {
			values, err := ex.producerValues(ctx, ref.Producer)
			if err != nil {
				return nil, fmt.Errorf("getargs[%s]: %w", param, err)
			}
			out[param] = values.Clone()
			continue
		}

		if producer.IsGroup() {
			grouped := make(map[string]any, len(producer.SetupTasks))
			for _, member := range producer.SetupTasks {
				memberValues, err := ex.producerValues(ctx, member)
				if err != nil {
					return nil, fmt.Errorf("getargs[%s]: group member %s: %w", param, member, err)
				}
				grouped[member] = memberValues[*ref.Value]
			}
			out[param] = grouped
			continue
		}

		values, err := ex.producerValues(ctx, ref.Producer)
		if err != nil {
			return nil, fmt.Errorf("getargs[%s]: %w", param, err)
		}
		out[param] = values[*ref.Value]
	}
	return out, nil
}

// producerValues returns a producer's saved values from this session's
// completed runs if it ran, else falls back to its previously persisted
// record for a producer this pass SKIPPED as up-to-date (§4.3).
func (ex *Executor) producerValues(ctx context.Context, name string) (coretypes.SavedValues, error) {
	ex.mu.Lock()
	v, ok := ex.sessionValues[name]
	ex.mu.Unlock()
	if ok {
		return v, nil
	}
	return ex.engine.StoredValues(ctx, name)
}

func (ex *Executor) status(name string) coretypes.TaskStatus {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	return ex.statuses[name]
}

// Status returns a task's current lifecycle status, exported for
// internal/controller's TaskMerger conflict check (§4.4: a regeneration
// conflicting with an already DONE/RUNNING task is a conflict, not an
// update).
func (ex *Executor) Status(name string) coretypes.TaskStatus {
	return ex.status(name)
}

func (ex *Executor) setStatus(name string, s coretypes.TaskStatus) {
	ex.mu.Lock()
	ex.statuses[name] = s
	ex.mu.Unlock()
}

func (ex *Executor) fail(task *coretypes.Task, kind corerr.Kind, reason string, cause error) {
	ex.mu.Lock()
	ex.statuses[task.Name] = coretypes.StatusFailed
	ex.errs[task.Name] = corerr.NewTaskError(task.Name, kind, reason, cause)
	ex.mu.Unlock()
	ex.log.Errorf("task %s failed (%s): %s", task.Name, kind, reason)
}

func (ex *Executor) markSkipped(task *coretypes.Task, reason string) {
	ex.setStatus(task.Name, coretypes.StatusSkippedUpToDate)
	ex.log.Debugf("task %s up to date: %s", task.Name, reason)
}

func (ex *Executor) report(order []string) *Report {
	ex.mu.Lock()
	defer ex.mu.Unlock()
	statuses := make(map[string]coretypes.TaskStatus, len(ex.statuses))
	for k, v := range ex.statuses {
		statuses[k] = v
	}
	errs := make(map[string]*corerr.TaskError, len(ex.errs))
	for k, v := range ex.errs {
		errs[k] = v
	}
	return &Report{Statuses: statuses, Errors: errs, Order: order}
}
