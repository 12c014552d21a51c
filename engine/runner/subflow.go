package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/flow"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// ExecutableTask is a task that launches subflow executions.
type ExecutableTask interface {
	GetID() string
	GetType() string
	// SubflowRef names the target flow. Empty tenant or namespace fall back
	// to the parent's.
	SubflowRef() flow.Ref
}

// SubflowResult pairs the child execution seed with the parent task run
// moved to RUNNING. The launcher persists nothing itself.
type SubflowResult struct {
	Execution     *execution.Execution
	ParentTaskRun *execution.TaskRun
}

// SubflowExecutionResult reports a child execution back to the parent task
// run once the child reaches a terminal state, ready for bus transmission.
type SubflowExecutionResult struct {
	ExecutionID   core.ID
	State         core.StateType
	ParentTaskRun *execution.TaskRun
}

// NewSubflowExecutionResult pairs the child execution with the parent task
// run, recording one more attempt at the parent's current state.
func NewSubflowExecutionResult(parent *execution.TaskRun, child *execution.Execution) *SubflowExecutionResult {
	return &SubflowExecutionResult{
		ExecutionID:   child.ID,
		State:         parent.State.Current(),
		ParentTaskRun: parent.WithAttempt(execution.Attempt{State: parent.State}),
	}
}

// InputReader resolves raw inputs against a flow's declared inputs.
type InputReader func(f *flow.Flow, provided map[string]any) (map[string]any, error)

// Launcher spawns child executions for executable tasks. A nil Inputs reader
// falls back to flow.ReadInputs.
type Launcher struct {
	Flows  flow.Lookup
	Inputs InputReader
}

func NewLauncher(flows flow.Lookup) *Launcher {
	return &Launcher{Flows: flows, Inputs: flow.ReadInputs}
}

// Launch resolves the target flow and builds the child execution seed. Flow
// resolution failures are fatal for the task: a missing, disabled or invalid
// target is a configuration error, not a condition to retry.
func (l *Launcher) Launch(
	ctx context.Context,
	parentExec *execution.Execution,
	parentFlow *flow.Flow,
	task ExecutableTask,
	taskRun *execution.TaskRun,
	inputs map[string]any,
	labels []core.Label,
	scheduleDate *time.Time,
) (*SubflowResult, error) {
	target, err := l.resolve(ctx, parentFlow, task)
	if err != nil {
		return nil, err
	}
	readInputs := l.Inputs
	if readInputs == nil {
		readInputs = flow.ReadInputs
	}
	resolvedInputs, err := readInputs(target, inputs)
	if err != nil {
		return nil, fmt.Errorf("task %s: failed to resolve subflow inputs: %w", task.GetID(), err)
	}
	childLabels := subflowLabels(parentExec, labels)
	child := execution.New(target, childLabels, resolvedInputs)
	child.WithTrigger(&execution.Trigger{
		ID:   task.GetID(),
		Type: task.GetType(),
		Variables: map[string]any{
			"executionId":  parentExec.ID.String(),
			"namespace":    parentExec.Namespace,
			"flowId":       parentExec.FlowID,
			"flowRevision": parentExec.FlowRevision,
		},
	})
	child.WithScheduleDate(scheduleDate)
	running, err := taskRun.WithState(core.StateRunning)
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", task.GetID(), err)
	}
	logger.FromContext(ctx).Debug(
		"launching subflow",
		"parent", parentExec.ID,
		"child", child.ID,
		"flow", target.ID,
	)
	return &SubflowResult{Execution: child, ParentTaskRun: running}, nil
}

func (l *Launcher) resolve(
	ctx context.Context,
	parentFlow *flow.Flow,
	task ExecutableTask,
) (*flow.Flow, error) {
	ref := task.SubflowRef()
	if ref.TenantID == "" {
		ref.TenantID = parentFlow.TenantID
	}
	if ref.Namespace == "" {
		ref.Namespace = parentFlow.Namespace
	}
	caller := flow.Caller{
		TenantID:  parentFlow.TenantID,
		Namespace: parentFlow.Namespace,
		FlowID:    parentFlow.ID,
	}
	target, err := l.Flows.Find(ctx, ref, caller)
	if err != nil {
		return nil, fmt.Errorf(
			"task %s: unable to find flow %s/%s: %w",
			task.GetID(), ref.Namespace, ref.ID, err,
		)
	}
	if target.Disabled {
		return nil, fmt.Errorf(
			"task %s: cannot execute disabled flow %s/%s",
			task.GetID(), target.Namespace, target.ID,
		)
	}
	if target.Invalid() {
		return nil, fmt.Errorf(
			"task %s: cannot execute invalid flow %s/%s: %s",
			task.GetID(), target.Namespace, target.ID, target.Error,
		)
	}
	return target, nil
}

// subflowLabels keeps the parent execution's system labels, guarantees a
// correlation id, and appends the caller-supplied labels last so they win on
// equal keys.
func subflowLabels(parentExec *execution.Execution, extra []core.Label) []core.Label {
	labels := core.SystemLabels(parentExec.Labels)
	if !core.HasLabel(labels, core.LabelCorrelationID) {
		labels = append(labels, core.Label{
			Key:   core.LabelCorrelationID,
			Value: parentExec.ID.String(),
		})
	}
	return append(labels, extra...)
}
