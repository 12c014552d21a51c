package execution

import (
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/flow"
)

// Trigger records which trigger created an execution and the variables it
// exposed at creation time.
type Trigger struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Variables map[string]any `json:"variables,omitempty"`
}

// Execution is one run of a flow. The core only produces seeds; ownership
// and persistence belong to the external execution store.
type Execution struct {
	ID           core.ID           `json:"id"`
	TenantID     string            `json:"tenant_id,omitempty"`
	Namespace    string            `json:"namespace"`
	FlowID       string            `json:"flow_id"`
	FlowRevision int               `json:"flow_revision"`
	Labels       []core.Label      `json:"labels,omitempty"`
	Inputs       map[string]any    `json:"inputs,omitempty"`
	Variables    map[string]any    `json:"variables,omitempty"`
	Trigger      *Trigger          `json:"trigger,omitempty"`
	ScheduleDate *time.Time        `json:"schedule_date,omitempty"`
	TaskRuns     []*TaskRun        `json:"task_runs,omitempty"`
	State        core.StateHistory `json:"state"`
}

// New creates an execution seed for the given flow in CREATED state.
func New(f *flow.Flow, labels []core.Label, inputs map[string]any) *Execution {
	return NewWithID(core.MustNewID(), f, labels, inputs)
}

// NewWithID creates an execution seed with a caller-supplied id, used when
// the id must be known before the seed is assembled (e.g. correlation
// labels minted from it).
func NewWithID(id core.ID, f *flow.Flow, labels []core.Label, inputs map[string]any) *Execution {
	return &Execution{
		ID:           id,
		TenantID:     f.TenantID,
		Namespace:    f.Namespace,
		FlowID:       f.ID,
		FlowRevision: f.Revision,
		Labels:       labels,
		Inputs:       inputs,
		State:        core.NewStateHistory(),
	}
}

func (e *Execution) WithTrigger(t *Trigger) *Execution {
	e.Trigger = t
	return e
}

func (e *Execution) WithScheduleDate(date *time.Time) *Execution {
	e.ScheduleDate = date
	return e
}

// WithState advances the execution state, ignoring invalid transitions into
// non-terminal states from terminal ones.
func (e *Execution) WithState(state core.StateType) *Execution {
	if next, err := e.State.With(state); err == nil {
		e.State = next
	}
	return e
}

// FindTaskRunByID returns the task run with the given id, or nil.
func (e *Execution) FindTaskRunByID(id core.ID) *TaskRun {
	for _, run := range e.TaskRuns {
		if run.ID == id {
			return run
		}
	}
	return nil
}
