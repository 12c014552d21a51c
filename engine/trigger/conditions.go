package trigger

import (
	"context"
	"fmt"
	"time"
)

// DefaultDateExpression reads the candidate fire date the schedule window
// injected into the condition context.
const DefaultDateExpression = "{{ .trigger.date }}"

// DayInMonth names which occurrence of a weekday within a month to match.
type DayInMonth string

const (
	DayInMonthFirst  DayInMonth = "FIRST"
	DayInMonthSecond DayInMonth = "SECOND"
	DayInMonthThird  DayInMonth = "THIRD"
	DayInMonthFourth DayInMonth = "FOURTH"
	DayInMonthLast   DayInMonth = "LAST"
)

// DayWeekInMonthCondition accepts fire dates falling on a given occurrence
// of a weekday within the month, e.g. the first Monday.
type DayWeekInMonthCondition struct {
	// Date is a template resolving to the date under test, RFC3339.
	// Defaults to the candidate fire date.
	Date       string       `json:"date,omitempty"       yaml:"date,omitempty"`
	DayOfWeek  time.Weekday `json:"day_of_week"          yaml:"day_of_week"`
	DayInMonth DayInMonth   `json:"day_in_month"         yaml:"day_in_month"`
}

func (c *DayWeekInMonthCondition) Test(_ context.Context, condCtx *ConditionContext) (bool, error) {
	date, err := renderDate(condCtx, c.Date)
	if err != nil {
		return false, err
	}
	if date.Weekday() != c.DayOfWeek {
		return false, nil
	}
	switch c.DayInMonth {
	case DayInMonthFirst:
		return date.Day() <= 7, nil
	case DayInMonthSecond:
		return date.Day() > 7 && date.Day() <= 14, nil
	case DayInMonthThird:
		return date.Day() > 14 && date.Day() <= 21, nil
	case DayInMonthFourth:
		return date.Day() > 21 && date.Day() <= 28, nil
	case DayInMonthLast:
		return date.AddDate(0, 0, 7).Month() != date.Month(), nil
	default:
		return false, fmt.Errorf("unknown day-in-month occurrence %q", c.DayInMonth)
	}
}

// DateTimeBetweenCondition accepts fire dates inside a half-open interval.
// A zero After or Before leaves that side unbounded.
type DateTimeBetweenCondition struct {
	Date   string    `json:"date,omitempty" yaml:"date,omitempty"`
	After  time.Time `json:"after,omitempty"  yaml:"after,omitempty"`
	Before time.Time `json:"before,omitempty" yaml:"before,omitempty"`
}

func (c *DateTimeBetweenCondition) Test(_ context.Context, condCtx *ConditionContext) (bool, error) {
	date, err := renderDate(condCtx, c.Date)
	if err != nil {
		return false, err
	}
	if !c.After.IsZero() && !date.After(c.After) {
		return false, nil
	}
	if !c.Before.IsZero() && !date.Before(c.Before) {
		return false, nil
	}
	return true, nil
}

func renderDate(condCtx *ConditionContext, expr string) (time.Time, error) {
	if expr == "" {
		expr = DefaultDateExpression
	}
	rendered, err := condCtx.RunContext.Render(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to render date expression %q: %w", expr, err)
	}
	date, err := time.Parse(time.RFC3339, rendered)
	if err != nil {
		return time.Time{}, fmt.Errorf("date expression %q did not produce a RFC3339 date: %w", expr, err)
	}
	return date, nil
}
