package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/flow"
	"github.com/flowmesh/flowmesh/engine/trigger"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

// TriggerType identifies the cron schedule trigger kind.
const TriggerType = "schedule"

// RecoverPolicy selects how the scheduler catches up occurrences missed
// while it was not running.
type RecoverPolicy string

const (
	// RecoverAll fires every missed occurrence in order.
	RecoverAll RecoverPolicy = "ALL"
	// RecoverLast fires only the most recent missed occurrence.
	RecoverLast RecoverPolicy = "LAST"
	// RecoverNone resets the cursor to now and fires nothing for the gap.
	RecoverNone RecoverPolicy = "NONE"
)

// Schedule is the cron-based trigger. It combines the compiled cron, the
// optional condition filter and the backfill machinery into one evaluation
// surface the scheduler drives on ticks.
type Schedule struct {
	ID          string
	Cron        string
	WithSeconds bool
	Timezone    string

	// Inputs are rendered and passed to the target flow on each fire.
	Inputs map[string]any
	// Labels are rendered and appended to each emitted execution.
	Labels []core.Label

	// LateMaximumDelay skips occurrences older than now minus the delay.
	// Nil disables skipping.
	LateMaximumDelay *time.Duration

	// RecoverMissedSchedules defaults to RecoverAll when empty.
	RecoverMissedSchedules RecoverPolicy

	// Conditions filter candidate fire dates, evaluated as an ordered AND.
	Conditions []trigger.Condition

	// StopAfter disables the trigger once an execution it spawned reaches
	// one of these states. Enforced by the scheduler, not by Evaluate.
	StopAfter []core.StateType

	compileOnce sync.Once
	compiled    *CronSchedule
	compileErr  error

	clock func() time.Time
}

// ---------------------------------------------------------------------------
// Trigger interface
// ---------------------------------------------------------------------------

func (s *Schedule) GetID() string {
	return s.ID
}

func (s *Schedule) GetType() string {
	return TriggerType
}

func (s *Schedule) GetConditions() []trigger.Condition {
	return s.Conditions
}

// RecoverPolicy returns the configured catch-up policy, defaulting to ALL.
func (s *Schedule) RecoverPolicy() RecoverPolicy {
	if s.RecoverMissedSchedules == "" {
		return RecoverAll
	}
	return s.RecoverMissedSchedules
}

// CronSchedule compiles the cron expression exactly once and returns the
// shared instance. Concurrent first calls serialize on the once guard.
func (s *Schedule) CronSchedule() (*CronSchedule, error) {
	s.compileOnce.Do(func() {
		s.compiled, s.compileErr = NewCronSchedule(CronSpec{
			Expression:  s.Cron,
			WithSeconds: s.WithSeconds,
			Timezone:    s.Timezone,
		})
	})
	return s.compiled, s.compileErr
}

func (s *Schedule) now() time.Time {
	if s.clock != nil {
		return s.clock().Truncate(time.Second)
	}
	return time.Now().Truncate(time.Second)
}

// NextFireAfter returns the first fire instant strictly after t, ignoring
// conditions. The scheduler uses it for catch-up policy decisions.
func (s *Schedule) NextFireAfter(t time.Time) (time.Time, bool) {
	cron, err := s.CronSchedule()
	if err != nil {
		return time.Time{}, false
	}
	return cron.NextAfter(t)
}

// ---------------------------------------------------------------------------
// Next evaluation date
// ---------------------------------------------------------------------------

// NextEvaluationDate decides the next wall clock at which the scheduler
// should consider firing. With no prior context the next live occurrence is
// returned. A backfill anchors at its cursor until the range is exhausted.
// Otherwise the anchor is the last fire date, with the condition-aware
// forward search and the late-delay skip applied.
func (s *Schedule) NextEvaluationDate(
	ctx context.Context,
	condCtx *trigger.ConditionContext,
	last *trigger.Context,
) (time.Time, error) {
	cron, err := s.CronSchedule()
	if err != nil {
		return time.Time{}, err
	}
	now := s.now()
	if last == nil || (last.Date.IsZero() && last.Backfill == nil) {
		next, ok := cron.NextAfter(now)
		if !ok {
			return time.Time{}, nil
		}
		return next, nil
	}
	if bf := last.Backfill; bf != nil {
		next := s.nextFrom(ctx, condCtx, cron, bf.CurrentDate, now, true)
		if next.IsZero() || next.After(bf.End) {
			live, ok := cron.NextAfter(now)
			if !ok {
				return time.Time{}, nil
			}
			return live, nil
		}
		return next, nil
	}
	next := s.nextFrom(ctx, condCtx, cron, last.Date, now, false)
	if next.IsZero() {
		return time.Time{}, nil
	}
	if s.LateMaximumDelay != nil {
		out := ApplyLateDelay(cron, ScheduleDates(cron, next), *s.LateMaximumDelay, now)
		if out == nil {
			return time.Time{}, nil
		}
		next = out.Date
	}
	return next, nil
}

// nextFrom computes the first eligible fire from an anchor. Backfill anchors
// are inclusive (the cursor itself may fire); live anchors are exclusive
// (strictly after the last fire). A condition set that cannot be evaluated
// falls back to the unfiltered next fire, so the scheduler still reaches
// Evaluate and records the failure there instead of erroring on every tick.
func (s *Schedule) nextFrom(
	ctx context.Context,
	condCtx *trigger.ConditionContext,
	cron *CronSchedule,
	anchor time.Time,
	now time.Time,
	inclusive bool,
) time.Time {
	cursor := anchor
	if !inclusive {
		cursor = anchor.Add(time.Second)
	}
	if len(s.Conditions) > 0 {
		next, err := nextConditionDate(ctx, cron, s.Conditions, condCtx, cursor, now)
		if err == nil {
			return next
		}
		logger.FromContext(ctx).Warn(
			"failed to evaluate schedule conditions, using the unfiltered next fire",
			"trigger", s.ID,
			"error", err,
		)
	}
	out := ScheduleDates(cron, cursor)
	if out == nil {
		return time.Time{}
	}
	return out.Date
}

// ---------------------------------------------------------------------------
// Evaluate
// ---------------------------------------------------------------------------

// Evaluate decides whether to fire at the context's date and builds the
// execution seed. A paused backfill, a rejected condition or a window still
// in the future all return nil without error. A condition or rendering
// failure returns a FAILED seed so the scheduler records the failure once
// instead of retrying it every tick.
func (s *Schedule) Evaluate(
	ctx context.Context,
	condCtx *trigger.ConditionContext,
	trigCtx *trigger.Context,
) (*execution.Execution, error) {
	cron, err := s.CronSchedule()
	if err != nil {
		return nil, err
	}
	log := logger.FromContext(ctx).With(
		"namespace", trigCtx.Namespace,
		"flow", trigCtx.FlowID,
		"trigger", s.ID,
	)
	bf := trigCtx.Backfill
	if bf != nil && bf.Paused {
		return nil, nil
	}
	cursor := trigCtx.Date
	if bf != nil {
		cursor = bf.CurrentDate
	}
	out := ScheduleDates(cron, cursor)
	if out == nil {
		return nil, nil
	}
	now := s.now()
	if out.Date.After(now.Add(time.Second)) {
		log.Debug("fire date is in the future, skipping", "date", out.Date)
		return nil, nil
	}
	if len(s.Conditions) > 0 {
		accepted, err := conditionsAccept(ctx, s.Conditions, condCtx, out)
		if err != nil {
			log.Error("failed to evaluate schedule conditions", "error", err)
			return s.failedSeed(trigCtx, condCtx, out), nil
		}
		if !accepted {
			return nil, nil
		}
		out, err = trueOutputWithConditions(ctx, cron, s.Conditions, condCtx, out, now)
		if err != nil {
			log.Error("failed to project schedule window through conditions", "error", err)
			return s.failedSeed(trigCtx, condCtx, out), nil
		}
	}
	execID, err := core.NewID()
	if err != nil {
		return nil, err
	}
	labels, err := s.generateLabels(condCtx, trigCtx, execID)
	if err != nil {
		log.Error("failed to render trigger labels", "error", err)
		return s.failedSeed(trigCtx, condCtx, out), nil
	}
	inputs, err := s.generateInputs(condCtx, trigCtx)
	if err != nil {
		log.Error("failed to render trigger inputs", "error", err)
		return s.failedSeed(trigCtx, condCtx, out), nil
	}
	vars := out.Variables()
	variables := map[string]any{
		"schedule": vars,
		"trigger":  vars,
	}
	exec, err := trigger.GenerateScheduledExecution(
		s, condCtx, trigCtx, labels, inputs, variables, execID, &out.Date,
	)
	if err != nil {
		log.Error("failed to build scheduled execution", "error", err)
		return s.failedSeed(trigCtx, condCtx, out), nil
	}
	exec.Variables = map[string]any{"schedule": vars}
	return exec, nil
}

// failedSeed builds a minimal FAILED execution carrying enough context to
// show up in the execution list with the trigger that produced it.
func (s *Schedule) failedSeed(
	trigCtx *trigger.Context,
	condCtx *trigger.ConditionContext,
	out *Output,
) *execution.Execution {
	f := condCtx.Flow
	if f == nil {
		f = &flow.Flow{
			TenantID:  trigCtx.TenantID,
			Namespace: trigCtx.Namespace,
			ID:        trigCtx.FlowID,
		}
	}
	exec := execution.NewWithID(core.MustNewID(), f, nil, nil)
	exec.TenantID = trigCtx.TenantID
	exec.Namespace = trigCtx.Namespace
	exec.FlowID = trigCtx.FlowID
	var variables map[string]any
	var scheduleDate *time.Time
	if out != nil {
		vars := out.Variables()
		variables = map[string]any{"schedule": vars, "trigger": vars}
		date := out.Date
		scheduleDate = &date
	}
	exec.WithTrigger(&execution.Trigger{
		ID:        s.ID,
		Type:      TriggerType,
		Variables: variables,
	})
	exec.WithScheduleDate(scheduleDate)
	exec.WithState(core.StateFailed)
	return exec
}

// generateLabels assembles the emitted execution's labels in propagation
// order: the flow's system labels, then the correlation id, then rendered
// backfill labels, then rendered trigger labels. Later entries win.
func (s *Schedule) generateLabels(
	condCtx *trigger.ConditionContext,
	trigCtx *trigger.Context,
	execID core.ID,
) ([]core.Label, error) {
	var labels []core.Label
	if condCtx.Flow != nil {
		labels = append(labels, core.SystemLabels(condCtx.Flow.Labels)...)
	}
	if !core.HasLabel(labels, core.LabelCorrelationID) {
		labels = append(labels, core.Label{Key: core.LabelCorrelationID, Value: execID.String()})
	}
	if bf := trigCtx.Backfill; bf != nil {
		for _, label := range bf.Labels {
			value, err := condCtx.RunContext.Render(label.Value)
			if err != nil {
				return nil, fmt.Errorf("failed to render backfill label %q: %w", label.Key, err)
			}
			labels = append(labels, core.Label{Key: label.Key, Value: value})
		}
	}
	for _, label := range s.Labels {
		value, err := condCtx.RunContext.Render(label.Value)
		if err != nil {
			return nil, fmt.Errorf("failed to render trigger label %q: %w", label.Key, err)
		}
		labels = append(labels, core.Label{Key: label.Key, Value: value})
	}
	return labels, nil
}

// generateInputs renders the trigger inputs and merges backfill inputs on
// top, with the backfill winning on conflicts.
func (s *Schedule) generateInputs(
	condCtx *trigger.ConditionContext,
	trigCtx *trigger.Context,
) (map[string]any, error) {
	inputs, err := condCtx.RunContext.RenderMap(s.Inputs)
	if err != nil {
		return nil, err
	}
	if bf := trigCtx.Backfill; bf != nil && len(bf.Inputs) > 0 {
		rendered, err := condCtx.RunContext.RenderMap(bf.Inputs)
		if err != nil {
			return nil, fmt.Errorf("failed to render backfill inputs: %w", err)
		}
		if inputs == nil {
			inputs = make(map[string]any)
		}
		if err := mergo.Merge(&inputs, rendered, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge backfill inputs: %w", err)
		}
	}
	return inputs, nil
}
