package schedule

import (
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// CronSpec is the static configuration of a cron schedule.
type CronSpec struct {
	// Expression is a standard 5-field Unix cron expression, or one of the
	// supported nicknames. With WithSeconds a leading seconds field is
	// expected, for 6 fields total.
	Expression string
	// WithSeconds switches the expression to seconds precision.
	WithSeconds bool
	// Timezone is the IANA zone the expression is evaluated in. Empty means
	// the system default zone.
	Timezone string
}

// InvalidCronError reports a cron expression rejected at parse time.
type InvalidCronError struct {
	Expression string
	Token      string
	Reason     string
}

func (e *InvalidCronError) Error() string {
	if e.Token != "" {
		return fmt.Sprintf("invalid cron expression %q: bad token %q", e.Expression, e.Token)
	}
	return fmt.Sprintf("invalid cron expression %q: %s", e.Expression, e.Reason)
}

// cronNicknames expand to their standard 5-field equivalents.
var cronNicknames = map[string]string{
	"@yearly":   "0 0 1 1 *",
	"@annually": "0 0 1 1 *",
	"@monthly":  "0 0 1 * *",
	"@weekly":   "0 0 * * 0",
	"@daily":    "0 0 * * *",
	"@midnight": "0 0 * * *",
	"@hourly":   "0 * * * *",
}

// CronSchedule is the compiled, immutable form of a CronSpec. It computes
// next and previous fire instants in the spec's timezone, truncated to
// seconds. DST gaps never fire; repeated wall clocks fire once, at their
// first occurrence.
type CronSchedule struct {
	expression  string
	withSeconds bool
	location    *time.Location
}

// NewCronSchedule parses and compiles a spec. The expression grammar is
// validated eagerly; evaluation afterwards is total.
func NewCronSchedule(spec CronSpec) (*CronSchedule, error) {
	location, err := resolveLocation(spec.Timezone)
	if err != nil {
		return nil, err
	}
	expr := strings.TrimSpace(spec.Expression)
	if expr == "" {
		return nil, &InvalidCronError{Expression: spec.Expression, Reason: "expression is required"}
	}
	if nickname, ok := cronNicknames[expr]; ok {
		expr = nickname
		if spec.WithSeconds {
			expr = "0 " + expr
		}
	} else if strings.HasPrefix(expr, "@") {
		return nil, &InvalidCronError{Expression: spec.Expression, Token: expr, Reason: "unknown nickname"}
	}
	fields := strings.Fields(expr)
	want := 5
	if spec.WithSeconds {
		want = 6
	}
	if len(fields) != want {
		return nil, &InvalidCronError{
			Expression: spec.Expression,
			Reason:     fmt.Sprintf("expected %d fields, got %d", want, len(fields)),
		}
	}
	normalized := strings.Join(fields, " ")
	if !gronx.IsValid(normalized) {
		return nil, &InvalidCronError{
			Expression: spec.Expression,
			Token:      offendingField(fields),
			Reason:     "out of range or malformed field",
		}
	}
	return &CronSchedule{
		expression:  normalized,
		withSeconds: spec.WithSeconds,
		location:    location,
	}, nil
}

// offendingField isolates the first field that fails validation by probing
// each one against an otherwise-wildcard expression.
func offendingField(fields []string) string {
	for i, field := range fields {
		probe := make([]string, len(fields))
		for j := range probe {
			probe[j] = "*"
		}
		probe[i] = field
		if !gronx.IsValid(strings.Join(probe, " ")) {
			return field
		}
	}
	return ""
}

// Location returns the evaluation zone.
func (c *CronSchedule) Location() *time.Location {
	return c.location
}

// Expression returns the normalized cron expression.
func (c *CronSchedule) Expression() string {
	return c.expression
}

// NextAfter returns the smallest fire instant strictly greater than t, or
// false when the schedule has no further fire within the evaluation horizon.
func (c *CronSchedule) NextAfter(t time.Time) (time.Time, bool) {
	next, err := gronx.NextTickAfter(c.expression, t.In(c.location), false)
	if err != nil {
		return time.Time{}, false
	}
	return next.In(c.location).Truncate(time.Second), true
}

// LastBefore returns the latest fire instant strictly smaller than t, or
// false when no earlier fire exists within the evaluation horizon.
func (c *CronSchedule) LastBefore(t time.Time) (time.Time, bool) {
	prev, err := gronx.PrevTickBefore(c.expression, t.In(c.location), false)
	if err != nil {
		return time.Time{}, false
	}
	return prev.In(c.location).Truncate(time.Second), true
}

func resolveLocation(timezone string) (*time.Location, error) {
	if timezone == "" {
		return time.Local, nil
	}
	location, err := time.LoadLocation(timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", timezone, err)
	}
	return location, nil
}
