package schedule

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
	str2duration "github.com/xhit/go-str2duration/v2"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/trigger"
)

// Condition type names accepted in trigger configuration.
const (
	ConditionTypeDayWeekInMonth  = "dayWeekInMonth"
	ConditionTypeDateTimeBetween = "dateTimeBetween"
)

// ConditionConfig is the raw form of one condition entry.
type ConditionConfig struct {
	Type       string    `json:"type"                   yaml:"type"`
	Date       string    `json:"date,omitempty"         yaml:"date,omitempty"`
	DayOfWeek  string    `json:"day_of_week,omitempty"  yaml:"day_of_week,omitempty"`
	DayInMonth string    `json:"day_in_month,omitempty" yaml:"day_in_month,omitempty"`
	After      time.Time `json:"after,omitempty"        yaml:"after,omitempty"`
	Before     time.Time `json:"before,omitempty"       yaml:"before,omitempty"`
}

// Config is the declarative form of a schedule trigger as it appears in a
// flow definition.
type Config struct {
	ID                     string            `json:"id"                                  yaml:"id"`
	Cron                   string            `json:"cron"                                yaml:"cron"`
	WithSeconds            bool              `json:"with_seconds,omitempty"              yaml:"with_seconds,omitempty"`
	Timezone               string            `json:"timezone,omitempty"                  yaml:"timezone,omitempty"`
	Inputs                 map[string]any    `json:"inputs,omitempty"                    yaml:"inputs,omitempty"`
	Labels                 []core.Label      `json:"labels,omitempty"                    yaml:"labels,omitempty"`
	LateMaximumDelay       string            `json:"late_maximum_delay,omitempty"        yaml:"late_maximum_delay,omitempty"`
	RecoverMissedSchedules string            `json:"recover_missed_schedules,omitempty"  yaml:"recover_missed_schedules,omitempty"`
	Conditions             []ConditionConfig `json:"conditions,omitempty"                yaml:"conditions,omitempty"`
	StopAfter              []core.StateType  `json:"stop_after,omitempty"                yaml:"stop_after,omitempty"`
}

// FromYAML parses a trigger configuration document.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse schedule trigger config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration without building it. Errors here abort
// configuration load.
func (c *Config) Validate(_ context.Context) error {
	if c.ID == "" {
		return fmt.Errorf("trigger id is required")
	}
	if c.Cron == "" {
		return fmt.Errorf("trigger %s: cron expression is required", c.ID)
	}
	if _, err := NewCronSchedule(CronSpec{
		Expression:  c.Cron,
		WithSeconds: c.WithSeconds,
		Timezone:    c.Timezone,
	}); err != nil {
		return fmt.Errorf("trigger %s: %w", c.ID, err)
	}
	if c.RecoverMissedSchedules != "" {
		switch RecoverPolicy(strings.ToUpper(c.RecoverMissedSchedules)) {
		case RecoverAll, RecoverLast, RecoverNone:
		default:
			return fmt.Errorf(
				"trigger %s: unknown recover_missed_schedules policy %q",
				c.ID, c.RecoverMissedSchedules,
			)
		}
	}
	if c.LateMaximumDelay != "" {
		delay, err := str2duration.ParseDuration(c.LateMaximumDelay)
		if err != nil {
			return fmt.Errorf("trigger %s: invalid late_maximum_delay: %w", c.ID, err)
		}
		if delay <= 0 {
			return fmt.Errorf("trigger %s: late_maximum_delay must be positive", c.ID)
		}
	}
	for i, cond := range c.Conditions {
		if _, err := cond.build(); err != nil {
			return fmt.Errorf("trigger %s: condition %d: %w", c.ID, i, err)
		}
	}
	for _, state := range c.StopAfter {
		if !state.IsTerminal() {
			return fmt.Errorf("trigger %s: stop_after state %s is not terminal", c.ID, state)
		}
	}
	return nil
}

// Build compiles the configuration into a runnable trigger.
func (c *Config) Build() (*Schedule, error) {
	if err := c.Validate(context.Background()); err != nil {
		return nil, err
	}
	s := &Schedule{
		ID:          c.ID,
		Cron:        c.Cron,
		WithSeconds: c.WithSeconds,
		Timezone:    c.Timezone,
		Inputs:      c.Inputs,
		Labels:      c.Labels,
		StopAfter:   c.StopAfter,
	}
	if c.RecoverMissedSchedules != "" {
		s.RecoverMissedSchedules = RecoverPolicy(strings.ToUpper(c.RecoverMissedSchedules))
	}
	if c.LateMaximumDelay != "" {
		delay, err := str2duration.ParseDuration(c.LateMaximumDelay)
		if err != nil {
			return nil, fmt.Errorf("trigger %s: invalid late_maximum_delay: %w", c.ID, err)
		}
		s.LateMaximumDelay = &delay
	}
	for i, cond := range c.Conditions {
		built, err := cond.build()
		if err != nil {
			return nil, fmt.Errorf("trigger %s: condition %d: %w", c.ID, i, err)
		}
		s.Conditions = append(s.Conditions, built)
	}
	return s, nil
}

func (c *ConditionConfig) build() (trigger.Condition, error) {
	switch c.Type {
	case ConditionTypeDayWeekInMonth:
		weekday, err := parseWeekday(c.DayOfWeek)
		if err != nil {
			return nil, err
		}
		occurrence := trigger.DayInMonth(strings.ToUpper(c.DayInMonth))
		switch occurrence {
		case trigger.DayInMonthFirst, trigger.DayInMonthSecond, trigger.DayInMonthThird,
			trigger.DayInMonthFourth, trigger.DayInMonthLast:
		default:
			return nil, fmt.Errorf("unknown day_in_month occurrence %q", c.DayInMonth)
		}
		return &trigger.DayWeekInMonthCondition{
			Date:       c.Date,
			DayOfWeek:  weekday,
			DayInMonth: occurrence,
		}, nil
	case ConditionTypeDateTimeBetween:
		if c.After.IsZero() && c.Before.IsZero() {
			return nil, fmt.Errorf("dateTimeBetween requires at least one of after or before")
		}
		return &trigger.DateTimeBetweenCondition{
			Date:   c.Date,
			After:  c.After,
			Before: c.Before,
		}, nil
	case "":
		return nil, fmt.Errorf("condition type is required")
	default:
		return nil, fmt.Errorf("unknown condition type %q", c.Type)
	}
}

var weekdays = map[string]time.Weekday{
	"SUNDAY":    time.Sunday,
	"MONDAY":    time.Monday,
	"TUESDAY":   time.Tuesday,
	"WEDNESDAY": time.Wednesday,
	"THURSDAY":  time.Thursday,
	"FRIDAY":    time.Friday,
	"SATURDAY":  time.Saturday,
}

func parseWeekday(name string) (time.Weekday, error) {
	weekday, ok := weekdays[strings.ToUpper(name)]
	if !ok {
		return 0, fmt.Errorf("unknown day_of_week %q", name)
	}
	return weekday, nil
}
