package schedule

import (
	"time"
)

// Output is the triple of fire instants computed for one evaluation. Date is
// the occurrence under consideration, Previous the closest fire before the
// cursor and Next the fire after Date. Previous and Next may be zero when the
// schedule has no occurrence on that side of the horizon.
type Output struct {
	Date     time.Time `json:"date"`
	Next     time.Time `json:"next,omitempty"`
	Previous time.Time `json:"previous,omitempty"`
}

// Variables exposes the triple to templates and conditions, RFC3339 encoded.
// Zero instants are omitted.
func (o *Output) Variables() map[string]any {
	vars := map[string]any{
		"date": o.Date.Format(time.RFC3339),
	}
	if !o.Next.IsZero() {
		vars["next"] = o.Next.Format(time.RFC3339)
	}
	if !o.Previous.IsZero() {
		vars["previous"] = o.Previous.Format(time.RFC3339)
	}
	return vars
}

// ScheduleDates computes the output triple anchored at cursor. The anchor is
// shifted back one second so a cursor sitting exactly on a fire instant
// resolves to that instant rather than the one after it. Returns nil when the
// schedule has no fire at or after the cursor.
func ScheduleDates(cron *CronSchedule, cursor time.Time) *Output {
	date, ok := cron.NextAfter(cursor.Add(-time.Second))
	if !ok {
		return nil
	}
	out := &Output{Date: date}
	if next, ok := cron.NextAfter(date); ok {
		out.Next = next
	}
	if prev, ok := cron.LastBefore(cursor); ok {
		out.Previous = prev
	}
	return out
}

// lateDelayHorizon bounds how far late-delay skipping may walk forward.
const lateDelayHorizon = 10 * 365 * 24 * time.Hour

// ApplyLateDelay skips occurrences that are already older than lateMax at
// now, advancing window by window until a fresh enough occurrence is found.
// Returns nil when skipping walks past the horizon.
func ApplyLateDelay(cron *CronSchedule, out *Output, lateMax time.Duration, now time.Time) *Output {
	if out == nil || lateMax <= 0 {
		return out
	}
	horizon := now.Add(lateDelayHorizon)
	for out.Date.Add(lateMax).Before(now) {
		if out.Next.IsZero() || out.Next.After(horizon) {
			return nil
		}
		out = ScheduleDates(cron, out.Next)
		if out == nil {
			return nil
		}
	}
	return out
}
