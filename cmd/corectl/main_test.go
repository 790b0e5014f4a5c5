package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taskcore/taskcore/internal/controller"
	"github.com/taskcore/taskcore/internal/corerr"
	"github.com/taskcore/taskcore/internal/coretypes"
	"github.com/taskcore/taskcore/internal/executor"
)

func TestJoinOrDash(t *testing.T) {
	assert.Equal(t, "-", joinOrDash(nil))
	assert.Equal(t, "a, b", joinOrDash([]string{"a", "b"}))
}

func TestSetupTaskRefs(t *testing.T) {
	task := &coretypes.Task{Name: "consumer", SetupTasks: []string{"prep", "seed"}}
	assert.Equal(t, []string{"task:prep", "task:seed"}, setupTaskRefs(task))
}

func TestExitErrorFor_HitLimit(t *testing.T) {
	err := exitErrorFor(&controller.Report{HitLimit: true, Regenerations: 3})
	assert.ErrorContains(t, err, "max-tasks bound exceeded")
}

func TestExitErrorFor_NotConverged(t *testing.T) {
	err := exitErrorFor(&controller.Report{Converged: false})
	assert.ErrorContains(t, err, "without converging")
}

func TestExitErrorFor_TaskFailed(t *testing.T) {
	taskErr := corerr.NewTaskError("build", corerr.KindAction, "compile failed", nil)
	report := &controller.Report{
		Converged: true,
		Exec: &executor.Report{
			Statuses: map[string]coretypes.TaskStatus{"build": coretypes.StatusFailed},
			Errors:   map[string]*corerr.TaskError{"build": taskErr},
		},
	}
	err := exitErrorFor(report)
	assert.ErrorContains(t, err, "build")
}

func TestExitErrorFor_AllDoneOrSkipped(t *testing.T) {
	report := &controller.Report{
		Converged: true,
		Exec: &executor.Report{
			Statuses: map[string]coretypes.TaskStatus{
				"build": coretypes.StatusDone,
				"test":  coretypes.StatusSkippedUpToDate,
			},
		},
	}
	assert.NoError(t, exitErrorFor(report))
}
