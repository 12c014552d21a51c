package trigger

import (
	"context"
	"time"

	"github.com/flowmesh/flowmesh/engine/execution"
)

// Interface is the capability set every trigger kind implements. Schedule is
// the cron-based implementation; other kinds plug in the same way.
type Interface interface {
	GetID() string
	GetType() string
	GetConditions() []Condition
	// NextEvaluationDate returns the next wall clock at which the scheduler
	// should consider firing. The zero time means the trigger has no next
	// fire.
	NextEvaluationDate(ctx context.Context, condCtx *ConditionContext, last *Context) (time.Time, error)
	// Evaluate decides whether to fire at trigCtx.Date and builds the
	// execution seed. A nil execution with a nil error is a silent skip.
	Evaluate(ctx context.Context, condCtx *ConditionContext, trigCtx *Context) (*execution.Execution, error)
}

// Context is the read-only snapshot passed to each evaluation.
type Context struct {
	TenantID  string    `json:"tenant_id,omitempty"`
	Namespace string    `json:"namespace"`
	FlowID    string    `json:"flow_id"`
	TriggerID string    `json:"trigger_id"`
	Date      time.Time `json:"date"`
	Backfill  *Backfill `json:"backfill,omitempty"`
}
