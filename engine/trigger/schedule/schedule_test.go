package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/flow"
	"github.com/flowmesh/flowmesh/engine/trigger"
	"github.com/flowmesh/flowmesh/pkg/tplengine"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func testFlow() *flow.Flow {
	return &flow.Flow{
		Namespace: "team.data",
		ID:        "daily-report",
		Revision:  3,
		Labels: []core.Label{
			{Key: "system.env", Value: "prod"},
			{Key: "team", Value: "data"},
		},
	}
}

func testCondCtx(f *flow.Flow, vars map[string]any) *trigger.ConditionContext {
	return trigger.NewConditionContext(f, core.NewRunContext(tplengine.New(), vars))
}

func testTrigCtx(date time.Time) *trigger.Context {
	return &trigger.Context{
		Namespace: "team.data",
		FlowID:    "daily-report",
		TriggerID: "cron",
		Date:      date,
	}
}

func TestScheduleNextEvaluationDate(t *testing.T) {
	ctx := context.Background()

	t.Run("Should anchor at now without a prior context", func(t *testing.T) {
		s := &Schedule{ID: "cron", Cron: "*/15 * * * *", Timezone: "UTC"}
		s.clock = fixedClock(time.Date(2024, 1, 1, 0, 7, 0, 0, time.UTC))
		next, err := s.NextEvaluationDate(ctx, testCondCtx(testFlow(), nil), nil)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC), next.UTC())
	})

	t.Run("Should anchor strictly after the last fire date", func(t *testing.T) {
		s := &Schedule{ID: "cron", Cron: "*/15 * * * *", Timezone: "UTC"}
		s.clock = fixedClock(time.Date(2024, 1, 1, 0, 16, 0, 0, time.UTC))
		last := testTrigCtx(time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC))
		next, err := s.NextEvaluationDate(ctx, testCondCtx(testFlow(), nil), last)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC), next.UTC())
	})

	t.Run("Should search forward through conditions", func(t *testing.T) {
		s := &Schedule{
			ID:       "cron",
			Cron:     "0 11 * * 1",
			Timezone: "UTC",
			Conditions: []trigger.Condition{
				&trigger.DayWeekInMonthCondition{
					DayOfWeek:  time.Monday,
					DayInMonth: trigger.DayInMonthFirst,
				},
			},
		}
		s.clock = fixedClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
		last := testTrigCtx(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC))
		next, err := s.NextEvaluationDate(ctx, testCondCtx(testFlow(), nil), last)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 2, 5, 11, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("Should skip fires older than the late maximum delay", func(t *testing.T) {
		delay := 10 * time.Minute
		s := &Schedule{ID: "cron", Cron: "0 * * * *", Timezone: "UTC", LateMaximumDelay: &delay}
		s.clock = fixedClock(time.Date(2024, 1, 1, 2, 5, 0, 0, time.UTC))
		last := testTrigCtx(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
		next, err := s.NextEvaluationDate(ctx, testCondCtx(testFlow(), nil), last)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("Should fall back to the unfiltered next fire when conditions cannot be evaluated", func(t *testing.T) {
		s := &Schedule{
			ID:       "cron",
			Cron:     "0 11 * * 1",
			Timezone: "UTC",
			Conditions: []trigger.Condition{
				&trigger.DayWeekInMonthCondition{
					Date:       "{{ .missing.var }}",
					DayOfWeek:  time.Monday,
					DayInMonth: trigger.DayInMonthFirst,
				},
			},
		}
		s.clock = fixedClock(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
		last := testTrigCtx(time.Date(2024, 1, 1, 11, 0, 0, 0, time.UTC))
		next, err := s.NextEvaluationDate(ctx, testCondCtx(testFlow(), nil), last)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 8, 11, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("Should anchor at the backfill cursor", func(t *testing.T) {
		s := &Schedule{ID: "cron", Cron: "0 0 * * *", Timezone: "UTC"}
		s.clock = fixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		last := testTrigCtx(time.Time{})
		last.Backfill = &trigger.Backfill{
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			CurrentDate: time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
		}
		next, err := s.NextEvaluationDate(ctx, testCondCtx(testFlow(), nil), last)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), next.UTC())
	})

	t.Run("Should re-anchor at now once the backfill range is exhausted", func(t *testing.T) {
		s := &Schedule{ID: "cron", Cron: "0 0 * * *", Timezone: "UTC"}
		now := time.Date(2024, 2, 1, 6, 0, 0, 0, time.UTC)
		s.clock = fixedClock(now)
		last := testTrigCtx(time.Time{})
		last.Backfill = &trigger.Backfill{
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			CurrentDate: time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC),
		}
		next, err := s.NextEvaluationDate(ctx, testCondCtx(testFlow(), nil), last)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), next.UTC())
	})
}

func TestScheduleEvaluate(t *testing.T) {
	ctx := context.Background()

	t.Run("Should emit an execution seed with dual variable exposure", func(t *testing.T) {
		fireAt := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
		s := &Schedule{ID: "cron", Cron: "*/15 * * * *", Timezone: "UTC"}
		s.clock = fixedClock(fireAt)
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), testTrigCtx(fireAt))
		require.NoError(t, err)
		require.NotNil(t, exec)
		assert.Equal(t, "team.data", exec.Namespace)
		assert.Equal(t, "daily-report", exec.FlowID)
		assert.Equal(t, 3, exec.FlowRevision)
		assert.Equal(t, core.StateCreated, exec.State.Current())
		require.NotNil(t, exec.ScheduleDate)
		assert.True(t, exec.ScheduleDate.Equal(fireAt))
		require.NotNil(t, exec.Trigger)
		assert.Equal(t, "cron", exec.Trigger.ID)
		assert.Equal(t, TriggerType, exec.Trigger.Type)
		scheduleVars, ok := exec.Trigger.Variables["schedule"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "2024-01-01T00:15:00Z", scheduleVars["date"])
		assert.Equal(t, scheduleVars, exec.Trigger.Variables["trigger"])
		assert.Equal(t, map[string]any{"schedule": scheduleVars}, exec.Variables)
	})

	t.Run("Should propagate system labels and mint a correlation id", func(t *testing.T) {
		fireAt := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
		s := &Schedule{ID: "cron", Cron: "*/15 * * * *", Timezone: "UTC"}
		s.clock = fixedClock(fireAt)
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), testTrigCtx(fireAt))
		require.NoError(t, err)
		require.NotNil(t, exec)
		env, ok := core.LabelValue(exec.Labels, "system.env")
		assert.True(t, ok)
		assert.Equal(t, "prod", env)
		assert.False(t, core.HasLabel(exec.Labels, "team"))
		correlation, ok := core.LabelValue(exec.Labels, core.LabelCorrelationID)
		assert.True(t, ok)
		assert.Equal(t, exec.ID.String(), correlation)
	})

	t.Run("Should render trigger labels and inputs", func(t *testing.T) {
		fireAt := time.Date(2024, 1, 1, 0, 15, 0, 0, time.UTC)
		s := &Schedule{
			ID:       "cron",
			Cron:     "*/15 * * * *",
			Timezone: "UTC",
			Labels:   []core.Label{{Key: "region", Value: "{{ .region }}"}},
			Inputs:   map[string]any{"env": "{{ .environment }}"},
		}
		s.clock = fixedClock(fireAt)
		condCtx := testCondCtx(testFlow(), map[string]any{
			"region":      "eu-west-1",
			"environment": "prod",
		})
		exec, err := s.Evaluate(ctx, condCtx, testTrigCtx(fireAt))
		require.NoError(t, err)
		require.NotNil(t, exec)
		region, _ := core.LabelValue(exec.Labels, "region")
		assert.Equal(t, "eu-west-1", region)
		assert.Equal(t, "prod", exec.Inputs["env"])
	})

	t.Run("Should skip a fire date in the future", func(t *testing.T) {
		now := time.Date(2024, 1, 1, 0, 10, 0, 0, time.UTC)
		s := &Schedule{ID: "cron", Cron: "*/15 * * * *", Timezone: "UTC"}
		s.clock = fixedClock(now)
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), testTrigCtx(now.Add(time.Hour)))
		require.NoError(t, err)
		assert.Nil(t, exec)
	})

	t.Run("Should skip a paused backfill", func(t *testing.T) {
		s := &Schedule{ID: "cron", Cron: "0 0 * * *", Timezone: "UTC"}
		s.clock = fixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		trigCtx := testTrigCtx(time.Time{})
		trigCtx.Backfill = &trigger.Backfill{
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			CurrentDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Paused:      true,
		}
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), trigCtx)
		require.NoError(t, err)
		assert.Nil(t, exec)
	})

	t.Run("Should fire the backfill cursor with its labels and inputs", func(t *testing.T) {
		s := &Schedule{
			ID:       "cron",
			Cron:     "0 0 * * *",
			Timezone: "UTC",
			Inputs:   map[string]any{"mode": "live", "limit": 10},
		}
		s.clock = fixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		trigCtx := testTrigCtx(time.Time{})
		trigCtx.Backfill = &trigger.Backfill{
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			CurrentDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Labels:      []core.Label{{Key: "backfill", Value: "true"}},
			Inputs:      map[string]any{"mode": "replay"},
		}
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), trigCtx)
		require.NoError(t, err)
		require.NotNil(t, exec)
		require.NotNil(t, exec.ScheduleDate)
		assert.True(t, exec.ScheduleDate.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
		flag, ok := core.LabelValue(exec.Labels, "backfill")
		assert.True(t, ok)
		assert.Equal(t, "true", flag)
		assert.Equal(t, "replay", exec.Inputs["mode"])
		assert.Equal(t, 10, exec.Inputs["limit"])
	})

	t.Run("Should render backfill inputs before merging them", func(t *testing.T) {
		s := &Schedule{ID: "cron", Cron: "0 0 * * *", Timezone: "UTC"}
		s.clock = fixedClock(time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		trigCtx := testTrigCtx(time.Time{})
		trigCtx.Backfill = &trigger.Backfill{
			Start:       time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			End:         time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC),
			CurrentDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			Inputs:      map[string]any{"region": "{{ .region }}"},
		}
		condCtx := testCondCtx(testFlow(), map[string]any{"region": "eu-west-1"})
		exec, err := s.Evaluate(ctx, condCtx, trigCtx)
		require.NoError(t, err)
		require.NotNil(t, exec)
		assert.Equal(t, "eu-west-1", exec.Inputs["region"])
	})

	t.Run("Should skip silently when conditions reject the fire", func(t *testing.T) {
		fireAt := time.Date(2024, 1, 8, 11, 0, 0, 0, time.UTC)
		s := &Schedule{
			ID:       "cron",
			Cron:     "0 11 * * 1",
			Timezone: "UTC",
			Conditions: []trigger.Condition{
				&trigger.DayWeekInMonthCondition{
					DayOfWeek:  time.Monday,
					DayInMonth: trigger.DayInMonthFirst,
				},
			},
		}
		s.clock = fixedClock(fireAt)
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), testTrigCtx(fireAt))
		require.NoError(t, err)
		assert.Nil(t, exec)
	})

	t.Run("Should project previous and next through the conditions", func(t *testing.T) {
		fireAt := time.Date(2024, 2, 5, 11, 0, 0, 0, time.UTC)
		s := &Schedule{
			ID:       "cron",
			Cron:     "0 11 * * 1",
			Timezone: "UTC",
			Conditions: []trigger.Condition{
				&trigger.DayWeekInMonthCondition{
					DayOfWeek:  time.Monday,
					DayInMonth: trigger.DayInMonthFirst,
				},
			},
		}
		s.clock = fixedClock(fireAt)
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), testTrigCtx(fireAt))
		require.NoError(t, err)
		require.NotNil(t, exec)
		vars, ok := exec.Trigger.Variables["schedule"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "2024-02-05T11:00:00Z", vars["date"])
		assert.Equal(t, "2024-03-04T11:00:00Z", vars["next"])
		assert.Equal(t, "2024-01-01T11:00:00Z", vars["previous"])
	})

	t.Run("Should emit a FAILED seed when condition evaluation errors", func(t *testing.T) {
		fireAt := time.Date(2024, 2, 5, 11, 0, 0, 0, time.UTC)
		s := &Schedule{
			ID:       "cron",
			Cron:     "0 11 * * 1",
			Timezone: "UTC",
			Conditions: []trigger.Condition{
				&trigger.DayWeekInMonthCondition{
					Date:       "{{ .missing.var }}",
					DayOfWeek:  time.Monday,
					DayInMonth: trigger.DayInMonthFirst,
				},
			},
		}
		s.clock = fixedClock(fireAt)
		exec, err := s.Evaluate(ctx, testCondCtx(testFlow(), nil), testTrigCtx(fireAt))
		require.NoError(t, err)
		require.NotNil(t, exec)
		assert.Equal(t, core.StateFailed, exec.State.Current())
		require.NotNil(t, exec.Trigger)
		assert.Equal(t, "cron", exec.Trigger.ID)
	})

	t.Run("Should emit a FAILED seed without a flow in the condition context", func(t *testing.T) {
		fireAt := time.Date(2024, 2, 5, 11, 0, 0, 0, time.UTC)
		s := &Schedule{
			ID:       "cron",
			Cron:     "0 11 * * 1",
			Timezone: "UTC",
			Conditions: []trigger.Condition{
				&trigger.DayWeekInMonthCondition{
					Date:       "{{ .missing.var }}",
					DayOfWeek:  time.Monday,
					DayInMonth: trigger.DayInMonthFirst,
				},
			},
		}
		s.clock = fixedClock(fireAt)
		condCtx := trigger.NewConditionContext(nil, core.NewRunContext(tplengine.New(), nil))
		exec, err := s.Evaluate(ctx, condCtx, testTrigCtx(fireAt))
		require.NoError(t, err)
		require.NotNil(t, exec)
		assert.Equal(t, core.StateFailed, exec.State.Current())
		assert.Equal(t, "team.data", exec.Namespace)
		assert.Equal(t, "daily-report", exec.FlowID)
	})
}

func TestScheduleRecoverPolicy(t *testing.T) {
	t.Run("Should default to ALL", func(t *testing.T) {
		s := &Schedule{ID: "cron", Cron: "@daily"}
		assert.Equal(t, RecoverAll, s.RecoverPolicy())
	})
}
