package trigger

import (
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/flow"
)

// GenerateScheduledExecution builds the execution seed for a trigger fire.
// Inputs are resolved against the flow's declared inputs and the trigger
// variables are attached to the execution's trigger block.
func GenerateScheduledExecution(
	t Interface,
	condCtx *ConditionContext,
	trigCtx *Context,
	labels []core.Label,
	inputs map[string]any,
	variables map[string]any,
	execID core.ID,
	scheduleDate *time.Time,
) (*execution.Execution, error) {
	if condCtx == nil || condCtx.Flow == nil {
		return nil, fmt.Errorf("condition context with a flow is required")
	}
	if execID.IsZero() {
		execID = core.MustNewID()
	}
	resolved, err := readInputs(condCtx, inputs)
	if err != nil {
		return nil, err
	}
	exec := execution.NewWithID(execID, condCtx.Flow, labels, resolved)
	exec.TenantID = trigCtx.TenantID
	exec.Namespace = trigCtx.Namespace
	exec.FlowID = trigCtx.FlowID
	exec.WithTrigger(&execution.Trigger{
		ID:        t.GetID(),
		Type:      t.GetType(),
		Variables: variables,
	})
	exec.WithScheduleDate(scheduleDate)
	return exec, nil
}

func readInputs(condCtx *ConditionContext, inputs map[string]any) (map[string]any, error) {
	resolved, err := flow.ReadInputs(condCtx.Flow, inputs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve flow inputs: %w", err)
	}
	return resolved, nil
}
