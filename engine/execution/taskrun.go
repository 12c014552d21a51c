package execution

import (
	"maps"

	"github.com/flowmesh/flowmesh/engine/core"
)

// Attempt records one attempt of a task run with its own state history.
type Attempt struct {
	State core.StateHistory `json:"state"`
}

// TaskRun is one run of one task inside an execution.
type TaskRun struct {
	ID        core.ID           `json:"id"`
	TaskID    string            `json:"task_id"`
	Iteration *int              `json:"iteration,omitempty"`
	State     core.StateHistory `json:"state"`
	Outputs   map[string]any    `json:"outputs,omitempty"`
	Attempts  []Attempt         `json:"attempts,omitempty"`
}

// NewTaskRun creates a task run in CREATED state.
func NewTaskRun(taskID string) *TaskRun {
	return &TaskRun{
		ID:     core.MustNewID(),
		TaskID: taskID,
		State:  core.NewStateHistory(),
	}
}

// Clone returns a shallow copy with its own outputs map and attempts slice,
// so callers can derive updated task runs without mutating persisted ones.
func (t *TaskRun) Clone() *TaskRun {
	clone := *t
	clone.Outputs = maps.Clone(t.Outputs)
	if t.Attempts != nil {
		clone.Attempts = make([]Attempt, len(t.Attempts))
		copy(clone.Attempts, t.Attempts)
	}
	return &clone
}

// WithState returns a copy of the task run advanced to the given state.
func (t *TaskRun) WithState(state core.StateType) (*TaskRun, error) {
	next, err := t.State.With(state)
	if err != nil {
		return nil, err
	}
	clone := t.Clone()
	clone.State = next
	return clone, nil
}

// WithOutputs returns a copy of the task run with the given outputs.
func (t *TaskRun) WithOutputs(outputs map[string]any) *TaskRun {
	clone := t.Clone()
	clone.Outputs = outputs
	return clone
}

// WithIteration returns a copy of the task run carrying the given iteration.
func (t *TaskRun) WithIteration(iteration *int) *TaskRun {
	clone := t.Clone()
	clone.Iteration = iteration
	return clone
}

// WithAttempt returns a copy of the task run with one more attempt recorded.
func (t *TaskRun) WithAttempt(attempt Attempt) *TaskRun {
	clone := t.Clone()
	clone.Attempts = append(clone.Attempts, attempt)
	return clone
}
