package schedule

import (
	"context"
	"time"

	"github.com/flowmesh/flowmesh/engine/trigger"
)

// searchHorizonYears bounds condition-aware searches so a condition set that
// never accepts any fire cannot loop forever.
const searchHorizonYears = 10

// conditionsAccept evaluates the condition list against a candidate output.
// The output variables are exposed under both the "schedule" and "trigger"
// keys so either addressing style resolves.
func conditionsAccept(
	ctx context.Context,
	conditions []trigger.Condition,
	condCtx *trigger.ConditionContext,
	out *Output,
) (bool, error) {
	if len(conditions) == 0 {
		return true, nil
	}
	vars := out.Variables()
	enriched := condCtx.WithVariables(map[string]any{
		"schedule": vars,
		"trigger":  vars,
	})
	return trigger.ValidateConditions(ctx, conditions, enriched)
}

// nextConditionDate walks the schedule forward from cursor until the
// conditions accept a fire, bounded to ten years past now. Returns the zero
// time when the horizon is exhausted.
func nextConditionDate(
	ctx context.Context,
	cron *CronSchedule,
	conditions []trigger.Condition,
	condCtx *trigger.ConditionContext,
	cursor time.Time,
	now time.Time,
) (time.Time, error) {
	candidate := cursor
	for candidate.Year() <= now.Year()+searchHorizonYears {
		out := ScheduleDates(cron, candidate)
		if out == nil {
			return time.Time{}, nil
		}
		ok, err := conditionsAccept(ctx, conditions, condCtx, out)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return out.Date, nil
		}
		if out.Next.IsZero() {
			return time.Time{}, nil
		}
		candidate = out.Next
	}
	return time.Time{}, nil
}

// previousConditionDate walks the schedule backward from cursor until the
// conditions accept a fire, bounded to ten years before now.
func previousConditionDate(
	ctx context.Context,
	cron *CronSchedule,
	conditions []trigger.Condition,
	condCtx *trigger.ConditionContext,
	cursor time.Time,
	now time.Time,
) (time.Time, error) {
	candidate := cursor
	for candidate.Year() >= now.Year()-searchHorizonYears {
		prev, ok := cron.LastBefore(candidate)
		if !ok {
			return time.Time{}, nil
		}
		out := ScheduleDates(cron, prev)
		if out == nil {
			return time.Time{}, nil
		}
		accepted, err := conditionsAccept(ctx, conditions, condCtx, out)
		if err != nil {
			return time.Time{}, err
		}
		if accepted {
			return out.Date, nil
		}
		candidate = prev
	}
	return time.Time{}, nil
}

// trueOutputWithConditions re-projects an accepted output's previous and next
// fields through the condition filter, so the exposed triple only names
// condition-true occurrences.
func trueOutputWithConditions(
	ctx context.Context,
	cron *CronSchedule,
	conditions []trigger.Condition,
	condCtx *trigger.ConditionContext,
	out *Output,
	now time.Time,
) (*Output, error) {
	if len(conditions) == 0 {
		return out, nil
	}
	projected := &Output{Date: out.Date}
	if !out.Next.IsZero() {
		next, err := nextConditionDate(ctx, cron, conditions, condCtx, out.Next, now)
		if err != nil {
			return nil, err
		}
		projected.Next = next
	}
	if !out.Previous.IsZero() {
		prev, err := previousConditionDate(ctx, cron, conditions, condCtx, out.Date, now)
		if err != nil {
			return nil, err
		}
		projected.Previous = prev
	}
	return projected, nil
}
