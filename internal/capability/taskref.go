package capability

import (
	"context"
	"fmt"

	"github.com/taskcore/taskcore/internal/coretypes"
)

// TaskResolveFunc reports the current witness of a task-dependency's
// producer: a value that changes whenever the producer re-commits (the
// graph/session wiring supplies one backed by the admitted-task table and
// the state store's last-success timestamp), and whether the producer is
// known at all.
type TaskResolveFunc func(ctx context.Context) (witness coretypes.Witness, exists bool, err error)

// TaskDependency is a dependency on another task's completion (§3: keys of
// the form "task:<name>"). A getargs reference does not create one of
// these: getargs producers are ordered before their consumer by
// Graph.TaskDepEdges directly, and no TaskDependency is added for them.
type TaskDependency struct {
	producer string
	resolve  TaskResolveFunc
}

// NewTaskDependency builds a TaskDependency on the named producer task.
func NewTaskDependency(producer string, resolve TaskResolveFunc) *TaskDependency {
	return &TaskDependency{producer: producer, resolve: resolve}
}

func (d *TaskDependency) Key() string { return "task:" + d.producer }

func (d *TaskDependency) Exists(ctx context.Context) (bool, error) {
	_, exists, err := d.resolve(ctx)
	return exists, err
}

func (d *TaskDependency) Witness(ctx context.Context) (coretypes.Witness, error) {
	w, _, err := d.resolve(ctx)
	return w, err
}

func (d *TaskDependency) ModifiedSince(ctx context.Context, stored coretypes.Witness) (bool, error) {
	current, _, err := d.resolve(ctx)
	if err != nil {
		return false, fmt.Errorf("capability: resolve task dependency %s: %w", d.producer, err)
	}
	return !coretypes.WitnessEqual(current, stored), nil
}

func (d *TaskDependency) MatchStrategy() coretypes.MatchStrategy { return coretypes.MatchExact }
