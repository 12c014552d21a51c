package trigger

import (
	"fmt"
	"time"

	"github.com/flowmesh/flowmesh/engine/core"
)

// Backfill is a user-driven replay of historical fires over a date range.
// CurrentDate advances monotonically; once it passes End the backfill is
// complete and evaluation reverts to live mode.
type Backfill struct {
	Start       time.Time      `json:"start"`
	End         time.Time      `json:"end"`
	CurrentDate time.Time      `json:"current_date"`
	Paused      bool           `json:"paused,omitempty"`
	Labels      []core.Label   `json:"labels,omitempty"`
	Inputs      map[string]any `json:"inputs,omitempty"`
}

func (b *Backfill) Validate() error {
	if b.Start.IsZero() || b.End.IsZero() {
		return fmt.Errorf("backfill start and end are required")
	}
	if b.End.Before(b.Start) {
		return fmt.Errorf("backfill end %s is before start %s", b.End, b.Start)
	}
	if b.CurrentDate.IsZero() {
		return fmt.Errorf("backfill current date is required")
	}
	if b.CurrentDate.Before(b.Start) || b.CurrentDate.After(b.End) {
		return fmt.Errorf("backfill current date %s is outside [%s, %s]", b.CurrentDate, b.Start, b.End)
	}
	return nil
}

// Advance moves the backfill cursor to the next fire date. Moving backwards
// is refused to keep progression monotonic under replays.
func (b *Backfill) Advance(next time.Time) {
	if next.After(b.CurrentDate) {
		b.CurrentDate = next
	}
}

// Done reports whether the backfill consumed its whole range.
func (b *Backfill) Done() bool {
	return b.CurrentDate.After(b.End)
}
