package schedule

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScheduleDates(t *testing.T) {
	cron := mustCron(t, CronSpec{Expression: "0 * * * *", Timezone: "UTC"})

	t.Run("Should keep previous before date and date before next", func(t *testing.T) {
		out := ScheduleDates(cron, time.Date(2024, 1, 1, 0, 30, 0, 0, time.UTC))
		require.NotNil(t, out)
		assert.Equal(t, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC), out.Date)
		assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), out.Next)
		assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), out.Previous)
		assert.True(t, out.Previous.Before(out.Date))
		assert.True(t, out.Date.Before(out.Next))
	})

	t.Run("Should resolve a cursor sitting exactly on a fire to that fire", func(t *testing.T) {
		cursor := time.Date(2024, 1, 1, 3, 0, 0, 0, time.UTC)
		out := ScheduleDates(cron, cursor)
		require.NotNil(t, out)
		assert.Equal(t, cursor, out.Date)
	})

	t.Run("Should preserve the instant across timezones", func(t *testing.T) {
		paris := mustCron(t, CronSpec{Expression: "0 9 * * *", Timezone: "Europe/Paris"})
		out := ScheduleDates(paris, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
		require.NotNil(t, out)
		assert.Equal(t, "Europe/Paris", out.Date.Location().String())
		assert.True(t, out.Date.Equal(out.Date.UTC()))
	})
}

func TestOutputVariables(t *testing.T) {
	t.Run("Should expose RFC3339 values and omit zero instants", func(t *testing.T) {
		out := &Output{
			Date: time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC),
			Next: time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC),
		}
		vars := out.Variables()
		assert.Equal(t, "2024-01-01T01:00:00Z", vars["date"])
		assert.Equal(t, "2024-01-01T02:00:00Z", vars["next"])
		_, ok := vars["previous"]
		assert.False(t, ok)
	})
}

func TestApplyLateDelay(t *testing.T) {
	cron := mustCron(t, CronSpec{Expression: "0 * * * *", Timezone: "UTC"})

	t.Run("Should skip occurrences older than the delay", func(t *testing.T) {
		out := ScheduleDates(cron, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC))
		now := time.Date(2024, 1, 1, 2, 5, 0, 0, time.UTC)
		fresh := ApplyLateDelay(cron, out, 10*time.Minute, now)
		require.NotNil(t, fresh)
		assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), fresh.Date)
	})

	t.Run("Should keep occurrences within the delay", func(t *testing.T) {
		out := ScheduleDates(cron, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC))
		now := time.Date(2024, 1, 1, 2, 5, 0, 0, time.UTC)
		fresh := ApplyLateDelay(cron, out, 10*time.Minute, now)
		require.NotNil(t, fresh)
		assert.Equal(t, time.Date(2024, 1, 1, 2, 0, 0, 0, time.UTC), fresh.Date)
	})

	t.Run("Should pass through when no delay is configured", func(t *testing.T) {
		out := ScheduleDates(cron, time.Date(2024, 1, 1, 1, 0, 0, 0, time.UTC))
		assert.Equal(t, out, ApplyLateDelay(cron, out, 0, time.Date(2024, 1, 1, 5, 0, 0, 0, time.UTC)))
	})
}
