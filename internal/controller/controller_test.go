package controller_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskcore/taskcore/internal/controller"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/eventstream"
	"github.com/taskcore/taskcore/internal/executor"
	"github.com/taskcore/taskcore/internal/generator"
	"github.com/taskcore/taskcore/internal/graph"
	"github.com/taskcore/taskcore/internal/statestore/memory"
	"github.com/taskcore/taskcore/internal/uptodate"
)

type fakeTarget struct {
	key    string
	exists *bool
}

func (f fakeTarget) Key() string                           { return f.key }
func (f fakeTarget) Exists(context.Context) (bool, error)   { return *f.exists, nil }
func (f fakeTarget) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

type fakeDependency struct {
	key     string
	witness string
}

func (f fakeDependency) Key() string                                       { return f.key }
func (f fakeDependency) Exists(context.Context) (bool, error)              { return true, nil }
func (f fakeDependency) Witness(context.Context) (coretypes.Witness, error) { return f.witness, nil }
func (f fakeDependency) ModifiedSince(_ context.Context, stored coretypes.Witness) (bool, error) {
	return !coretypes.WitnessEqual(f.witness, stored), nil
}
func (f fakeDependency) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }

// stage1Generator is the upstream half of the §8 "cascade" scenario: it
// emits a single task, once, producing a target under "/out/".
type stage1Generator struct {
	emitted      bool
	targetExists *bool
}

func (g *stage1Generator) ID() string                                { return "stage1" }
func (g *stage1Generator) InputPatternKeys() []generator.PatternKey  { return nil }
func (g *stage1Generator) Generate(context.Context) ([]*coretypes.Task, error) {
	if g.emitted {
		return nil, nil
	}
	g.emitted = true
	return []*coretypes.Task{{
		Name:    "seed",
		Targets: []coretypes.Target{fakeTarget{key: "/out/a.txt", exists: g.targetExists}},
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			*g.targetExists = true
			return coretypes.ActionResult{Success: true}
		}}},
	}}, nil
}

// stage2Generator is the downstream half: it declares "/out/" as an input
// pattern and only has something to produce once stage1's target exists,
// mirroring a pattern-based generator reacting to a published key (§4.5).
type stage2Generator struct {
	emitted    bool
	seedExists *bool
}

func (g *stage2Generator) ID() string { return "stage2" }
func (g *stage2Generator) InputPatternKeys() []generator.PatternKey {
	return []generator.PatternKey{{Pattern: "/out/", Strategy: coretypes.MatchPrefix}}
}
func (g *stage2Generator) Generate(context.Context) ([]*coretypes.Task, error) {
	if g.emitted || !*g.seedExists {
		return nil, nil
	}
	g.emitted = true
	return []*coretypes.Task{{
		Name:         "process",
		Dependencies: []coretypes.Dependency{fakeDependency{key: "/out/a.txt", witness: "built"}},
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: true}
		}}},
	}}, nil
}

func TestRun_CascadeConverges(t *testing.T) {
	g := graph.New()
	store := memory.New()
	engine := uptodate.New(store, nil)
	stream := eventstream.New(nil)
	ex := executor.New(g, engine, stream, nil)
	ctrl := controller.New(g, ex, stream, 0, 1, 0, nil)

	targetExists := false
	ctrl.Register(&stage1Generator{targetExists: &targetExists})
	ctrl.Register(&stage2Generator{seedExists: &targetExists})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Converged)
	assert.False(t, report.HitLimit)
	assert.Empty(t, report.Conflicts)
	assert.Equal(t, coretypes.StatusDone, ex.Status("seed"))
	assert.Equal(t, coretypes.StatusDone, ex.Status("process"), "stage2 must have been regenerated once stage1's target was published")
}

// infiniteGenerator never stops proposing a new task under "/gen/": each
// completed task publishes a key that re-triggers it, exercising the
// max_tasks safety bound (§4.4 step 5, §8 "max-tasks bound").
type infiniteGenerator struct{ n int }

func (g *infiniteGenerator) ID() string { return "infinite" }
func (g *infiniteGenerator) InputPatternKeys() []generator.PatternKey {
	return []generator.PatternKey{{Pattern: "/gen/", Strategy: coretypes.MatchPrefix}}
}
func (g *infiniteGenerator) Generate(context.Context) ([]*coretypes.Task, error) {
	g.n++
	exists := true
	name := fmt.Sprintf("task-%d", g.n)
	return []*coretypes.Task{{
		Name:    name,
		Targets: []coretypes.Target{fakeTarget{key: fmt.Sprintf("/gen/%d", g.n), exists: &exists}},
		Actions: []coretypes.Action{{Func: func(context.Context, *coretypes.Task) coretypes.ActionResult {
			return coretypes.ActionResult{Success: true}
		}}},
	}}, nil
}

func TestRun_ParallelismDrivesReadyQueueConcurrently(t *testing.T) {
	g := graph.New()
	store := memory.New()
	engine := uptodate.New(store, nil)
	stream := eventstream.New(nil)
	ex := executor.New(g, engine, stream, nil)
	ctrl := controller.New(g, ex, stream, 0, 4, 0, nil)

	targetExists := false
	ctrl.Register(&stage1Generator{targetExists: &targetExists})
	ctrl.Register(&stage2Generator{seedExists: &targetExists})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Converged)
	assert.Equal(t, coretypes.StatusDone, ex.Status("seed"))
	assert.Equal(t, coretypes.StatusDone, ex.Status("process"), "Config.Parallelism > 1 must still drive the ready queue to completion via RunParallelReady")
}

func TestRun_ConvergenceTimeoutStopsTheLoop(t *testing.T) {
	g := graph.New()
	store := memory.New()
	engine := uptodate.New(store, nil)
	stream := eventstream.New(nil)
	ex := executor.New(g, engine, stream, nil)
	ctrl := controller.New(g, ex, stream, 0, 1, time.Nanosecond, nil)

	ctrl.Register(&infiniteGenerator{})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Converged, "an expired ConvergenceTimeout must stop the loop without declaring convergence")
	assert.False(t, report.HitLimit)
}

func TestRun_HitsMaxTasksBound(t *testing.T) {
	g := graph.New()
	store := memory.New()
	engine := uptodate.New(store, nil)
	stream := eventstream.New(nil)
	ex := executor.New(g, engine, stream, nil)
	ctrl := controller.New(g, ex, stream, 3, 1, 0, nil) // bound well below what infiniteGenerator would otherwise reach

	ctrl.Register(&infiniteGenerator{})

	report, err := ctrl.Run(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Converged)
	assert.True(t, report.HitLimit)
	assert.LessOrEqual(t, len(g.Tasks()), 4, "at most one batch past the bound should have been admitted")
}
