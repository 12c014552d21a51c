package trigger

import (
	"context"
	"fmt"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/flow"
)

// Condition filters trigger fires. Returning false skips the fire silently;
// returning an error marks the whole evaluation as failed (the trigger emits
// a FAILED execution seed instead of retrying every tick).
type Condition interface {
	Test(ctx context.Context, condCtx *ConditionContext) (bool, error)
}

// ConditionContext carries the flow being triggered and the evaluation's
// variable scope. Schedule-aware conditions read the candidate fire dates
// from the run context variables.
type ConditionContext struct {
	Flow       *flow.Flow
	RunContext *core.RunContext
}

func NewConditionContext(f *flow.Flow, rc *core.RunContext) *ConditionContext {
	if rc == nil {
		rc = core.NewRunContext(nil, nil)
	}
	return &ConditionContext{Flow: f, RunContext: rc}
}

// WithVariables returns a copy of the context with extra variables merged on
// top of the current scope.
func (c *ConditionContext) WithVariables(vars map[string]any) *ConditionContext {
	return &ConditionContext{Flow: c.Flow, RunContext: c.RunContext.WithVariables(vars)}
}

// ValidateConditions evaluates an ordered condition list as a conjunction.
// The first false short-circuits; the first error aborts.
func ValidateConditions(ctx context.Context, conditions []Condition, condCtx *ConditionContext) (bool, error) {
	for i, condition := range conditions {
		ok, err := condition.Test(ctx, condCtx)
		if err != nil {
			return false, fmt.Errorf("condition %d failed to evaluate: %w", i, err)
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
