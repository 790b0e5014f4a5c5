package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcore/taskcore/internal/capability"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/executor"
	"github.com/taskcore/taskcore/internal/graph"
	"github.com/taskcore/taskcore/internal/statestore/memory"
	"github.com/taskcore/taskcore/internal/uptodate"
)

// alwaysChanged is a dependency that never matches any stored witness,
// forcing a task to run every time it is checked (the "touch-once" shape of
// §8 scenario 1 before any state has been committed).
type alwaysChanged struct{ key string }

func (d alwaysChanged) Key() string                                          { return d.key }
func (d alwaysChanged) Exists(context.Context) (bool, error)                  { return true, nil }
func (d alwaysChanged) Witness(context.Context) (coretypes.Witness, error)    { return "w", nil }
func (d alwaysChanged) ModifiedSince(context.Context, coretypes.Witness) (bool, error) {
	return true, nil
}
func (d alwaysChanged) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

func newTaskDep(t *testing.T, g *graph.Graph, producer string) *capability.TaskDependency {
	t.Helper()
	return capability.NewTaskDependency(producer, func(ctx context.Context) (coretypes.Witness, bool, error) {
		pt, ok := g.Task(producer)
		if !ok {
			return nil, false, nil
		}
		return pt.Name, true, nil
	})
}

func newExecutor(t *testing.T, g *graph.Graph) *executor.Executor {
	t.Helper()
	store := memory.New()
	engine := uptodate.New(store, nil)
	return executor.New(g, engine, nil, nil)
}

func TestRun_RunsChangedTaskOnFirstPass(t *testing.T) {
	g := graph.New()
	var runs int
	task := &coretypes.Task{
		Name:         "build",
		Dependencies: []coretypes.Dependency{alwaysChanged{key: "src/main.go"}},
		Actions: []coretypes.Action{{
			Name: "compile",
			Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
				runs++
				return coretypes.ActionResult{Success: true}
			},
		}},
	}
	require.NoError(t, g.AdmitAll([]*coretypes.Task{task}))

	ex := newExecutor(t, g)
	report, err := ex.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coretypes.StatusDone, report.Statuses["build"])
	assert.Equal(t, 1, runs)
}

// stableDep reports unmodified once a witness has actually been committed,
// letting a second Run observe the UP_TO_DATE path (§4.1 step 5/6).
type stableDep struct{ key, witness string }

func (d stableDep) Key() string { return d.key }
func (d stableDep) Exists(context.Context) (bool, error) { return true, nil }
func (d stableDep) Witness(context.Context) (coretypes.Witness, error) { return d.witness, nil }
func (d stableDep) ModifiedSince(_ context.Context, stored coretypes.Witness) (bool, error) {
	return !coretypes.WitnessEqual(d.witness, stored), nil
}
func (d stableDep) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

func TestRun_SkipsUpToDateTask(t *testing.T) {
	store := memory.New()
	engine := uptodate.New(store, nil)

	buildTask := func(runs *int) *coretypes.Task {
		return &coretypes.Task{
			Name:         "build",
			Dependencies: []coretypes.Dependency{stableDep{key: "src/main.go", witness: "v1"}},
			Actions: []coretypes.Action{{
				Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
					*runs++
					return coretypes.ActionResult{Success: true}
				},
			}},
		}
	}

	var runs int
	g1 := graph.New()
	require.NoError(t, g1.AdmitAll([]*coretypes.Task{buildTask(&runs)}))
	ex1 := executor.New(g1, engine, nil, nil)
	report1, err := ex1.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coretypes.StatusDone, report1.Statuses["build"])
	assert.Equal(t, 1, runs)

	g2 := graph.New()
	require.NoError(t, g2.AdmitAll([]*coretypes.Task{buildTask(&runs)}))
	ex2 := executor.New(g2, engine, nil, nil)
	report2, err := ex2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coretypes.StatusSkippedUpToDate, report2.Statuses["build"])
	assert.Equal(t, 1, runs, "action must not run again once up to date")
}

func TestRun_CascadesUpstreamFailure(t *testing.T) {
	g := graph.New()

	x := &coretypes.Task{
		Name: "x",
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: false, Err: assert.AnError}
		}}},
	}
	y := &coretypes.Task{
		Name:         "y",
		Dependencies: []coretypes.Dependency{newTaskDep(t, g, "x")},
		SetupTasks:   []string{"x"},
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: true}
		}}},
	}
	z := &coretypes.Task{
		Name:         "z",
		Dependencies: []coretypes.Dependency{newTaskDep(t, g, "y")},
		SetupTasks:   []string{"y"},
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: true}
		}}},
	}
	w := &coretypes.Task{
		Name: "w",
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: true}
		}}},
	}

	require.NoError(t, g.AdmitAll([]*coretypes.Task{x, y, z, w}))

	ex := newExecutor(t, g)
	report, err := ex.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, coretypes.StatusFailed, report.Statuses["x"])
	assert.Equal(t, coretypes.StatusFailed, report.Statuses["y"])
	assert.Equal(t, coretypes.StatusFailed, report.Statuses["z"])
	assert.Equal(t, coretypes.StatusDone, report.Statuses["w"], "an independent task must not be affected by an unrelated failure")

	require.Contains(t, report.Errors, "y")
	assert.True(t, report.Errors["y"].Kind.String() == "upstream_failed")
}

// fakeTarget is a Target whose existence is driven externally by the test,
// used below to prove a plain Dependency on the same key (no "task:" prefix,
// no declared SetupTasks entry) still orders its consumer after the
// producer and cascades an upstream failure, via the graph's target index
// (§4.2 find_producer) rather than an explicit task reference.
type fakeTarget struct {
	key    string
	exists *bool
}

func (f fakeTarget) Key() string                           { return f.key }
func (f fakeTarget) Exists(context.Context) (bool, error)   { return *f.exists, nil }
func (f fakeTarget) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

func TestRun_ImplicitDependencyOnAnotherTasksTargetCascadesFailure(t *testing.T) {
	g := graph.New()

	exists := false
	producer := &coretypes.Task{
		Name:    "compile",
		Targets: []coretypes.Target{fakeTarget{key: "/out/a.o", exists: &exists}},
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: false, Err: assert.AnError}
		}}},
	}
	consumer := &coretypes.Task{
		Name:         "link",
		Dependencies: []coretypes.Dependency{alwaysChanged{key: "/out/a.o"}},
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: true}
		}}},
	}

	require.NoError(t, g.AdmitAll([]*coretypes.Task{consumer, producer}))

	order, err := g.TopoOrder()
	require.NoError(t, err)
	assert.Equal(t, []string{"compile", "link"}, order, "link's plain Dependency on /out/a.o must order it after compile, which declares that key as a Target")

	ex := newExecutor(t, g)
	report, err := ex.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, coretypes.StatusFailed, report.Statuses["compile"])
	assert.Equal(t, coretypes.StatusFailed, report.Statuses["link"], "a plain Dependency resolving to another task's Target must still cascade that task's failure")
	require.Contains(t, report.Errors, "link")
	assert.Equal(t, "upstream_failed", report.Errors["link"].Kind.String())
}

func TestRun_GetargsDeliversProducerValue(t *testing.T) {
	g := graph.New()

	version := "v1"
	producer := &coretypes.Task{
		Name: "version",
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: true, Return: map[string]any{"value": version}}
		}}},
	}

	var observed any
	valueName := "value"
	consumer := &coretypes.Task{
		Name:       "package",
		SetupTasks: []string{"version"},
		Getargs: map[string]coretypes.GetArgsRef{
			"ver": {Producer: "version", Value: &valueName},
		},
		Actions: []coretypes.Action{{Func: func(ctx context.Context, _ *coretypes.Task) coretypes.ActionResult {
			observed = executor.Getargs(ctx)["ver"]
			return coretypes.ActionResult{Success: true}
		}}},
	}

	require.NoError(t, g.AdmitAll([]*coretypes.Task{producer, consumer}))

	ex := newExecutor(t, g)
	report, err := ex.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, coretypes.StatusDone, report.Statuses["version"])
	assert.Equal(t, coretypes.StatusDone, report.Statuses["package"])
	assert.Equal(t, "v1", observed)
}

func TestRun_SetupTaskDoesNotRunWhenParentIsUpToDate(t *testing.T) {
	store := memory.New()
	engine := uptodate.New(store, nil)

	var setupRuns int
	setup := func() *coretypes.Task {
		return &coretypes.Task{
			Name: "setup",
			Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
				setupRuns++
				return coretypes.ActionResult{Success: true}
			}}},
		}
	}
	parent := func(runs *int) *coretypes.Task {
		return &coretypes.Task{
			Name:         "parent",
			Dependencies: []coretypes.Dependency{stableDep{key: "src/main.go", witness: "v1"}},
			SetupTasks:   []string{"setup"},
			Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
				*runs++
				return coretypes.ActionResult{Success: true}
			}}},
		}
	}

	var parentRuns int
	g1 := graph.New()
	require.NoError(t, g1.AdmitAll([]*coretypes.Task{setup(), parent(&parentRuns)}))
	ex1 := executor.New(g1, engine, nil, nil)
	report1, err := ex1.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coretypes.StatusDone, report1.Statuses["parent"])
	assert.Equal(t, coretypes.StatusDone, report1.Statuses["setup"])
	assert.Equal(t, 1, parentRuns)
	assert.Equal(t, 1, setupRuns)

	g2 := graph.New()
	require.NoError(t, g2.AdmitAll([]*coretypes.Task{setup(), parent(&parentRuns)}))
	ex2 := executor.New(g2, engine, nil, nil)
	report2, err := ex2.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, coretypes.StatusSkippedUpToDate, report2.Statuses["parent"])
	assert.Equal(t, 1, parentRuns, "parent must not rerun once up to date")
	assert.Equal(t, 1, setupRuns, "setup-task must not run when its only parent was skipped as up to date")
}

func TestRun_TeardownRunsOnlyForDoneTasksInReverseOrder(t *testing.T) {
	g := graph.New()
	var teardownOrder []string

	a := &coretypes.Task{
		Name:    "a",
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult { return coretypes.ActionResult{Success: true} }}},
		TeardownActions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			teardownOrder = append(teardownOrder, "a")
			return coretypes.ActionResult{Success: true}
		}}},
	}
	b := &coretypes.Task{
		Name:       "b",
		SetupTasks: []string{"a"},
		Actions:    []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult { return coretypes.ActionResult{Success: true} }}},
		TeardownActions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			teardownOrder = append(teardownOrder, "b")
			return coretypes.ActionResult{Success: true}
		}}},
	}
	failing := &coretypes.Task{
		Name: "c",
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: false, Err: assert.AnError}
		}}},
		TeardownActions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			teardownOrder = append(teardownOrder, "c")
			return coretypes.ActionResult{Success: true}
		}}},
	}

	require.NoError(t, g.AdmitAll([]*coretypes.Task{a, b, failing}))

	ex := newExecutor(t, g)
	_, err := ex.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []string{"b", "a"}, teardownOrder, "teardown runs only for DONE tasks, in reverse execution order")
}
