package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
	"github.com/flowmesh/flowmesh/engine/flow"
	"github.com/flowmesh/flowmesh/engine/trigger"
	"github.com/flowmesh/flowmesh/engine/trigger/schedule"
	"github.com/flowmesh/flowmesh/pkg/logger"
)

const defaultTickInterval = time.Second

// Emitter hands an execution seed off to the executor. Failures are retried
// with backoff before the tick gives up.
type Emitter func(ctx context.Context, exec *execution.Execution) error

type handle struct {
	flow   *flow.Flow
	trig   *schedule.Schedule
	runCtx *core.RunContext
}

// Scheduler drives registered schedule triggers on a fixed tick. One
// scheduler instance is the single logical owner of its triggers; running
// several against the same store requires external leader election.
type Scheduler struct {
	store    Store
	emit     Emitter
	interval time.Duration
	clock    func() time.Time
	metrics  *metrics

	mu      sync.Mutex
	handles map[TriggerKey]*handle
}

type Option func(*Scheduler)

// WithTickInterval overrides the one second default tick.
func WithTickInterval(interval time.Duration) Option {
	return func(s *Scheduler) {
		if interval > 0 {
			s.interval = interval
		}
	}
}

// WithClock injects the time source, for deterministic tests.
func WithClock(clock func() time.Time) Option {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

func New(store Store, emit Emitter, opts ...Option) *Scheduler {
	s := &Scheduler{
		store:    store,
		emit:     emit,
		interval: defaultTickInterval,
		clock:    time.Now,
		metrics:  newMetrics(),
		handles:  make(map[TriggerKey]*handle),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Scheduler) now() time.Time {
	return s.clock().Truncate(time.Second)
}

// Register adds or replaces a trigger under its flow. The run context
// supplies the renderer and base variables used by conditions and templated
// labels and inputs.
func (s *Scheduler) Register(f *flow.Flow, trig *schedule.Schedule, runCtx *core.RunContext) TriggerKey {
	key := TriggerKey{
		TenantID:  f.TenantID,
		Namespace: f.Namespace,
		FlowID:    f.ID,
		TriggerID: trig.GetID(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[key] = &handle{flow: f, trig: trig, runCtx: runCtx}
	return key
}

func (s *Scheduler) Unregister(key TriggerKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.handles, key)
}

// Run ticks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick evaluates every registered trigger once. Exported so embedders and
// tests can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) {
	s.mu.Lock()
	snapshot := make(map[TriggerKey]*handle, len(s.handles))
	for key, h := range s.handles {
		snapshot[key] = h
	}
	s.mu.Unlock()
	for key, h := range snapshot {
		if err := s.evaluate(ctx, key, h); err != nil {
			logger.FromContext(ctx).Error(
				"trigger evaluation failed",
				"namespace", key.Namespace,
				"flow", key.FlowID,
				"trigger", key.TriggerID,
				"error", err,
			)
			s.metrics.recordFailure(ctx, key)
		}
	}
}

func (s *Scheduler) evaluate(ctx context.Context, key TriggerKey, h *handle) error {
	s.metrics.recordEvaluation(ctx, key)
	state, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load trigger state: %w", err)
	}
	if state == nil {
		state = &TriggerState{Key: key}
	}
	if state.Disabled {
		return nil
	}
	now := s.now()
	condCtx := trigger.NewConditionContext(h.flow, h.runCtx)
	last := s.lastContext(key, state)
	next, err := h.trig.NextEvaluationDate(ctx, condCtx, last)
	if err != nil {
		return err
	}
	if next.IsZero() || next.After(now) {
		return nil
	}
	if state.Backfill != nil {
		return s.fireBackfill(ctx, key, h, condCtx, state)
	}
	dates, reset := s.catchUpDates(ctx, h, condCtx, state, next, now)
	if reset {
		state.Date = now
		return s.save(ctx, state)
	}
	for _, date := range dates {
		if err := s.fire(ctx, key, h, condCtx, state, date); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) lastContext(key TriggerKey, state *TriggerState) *trigger.Context {
	if state.Date.IsZero() && state.Backfill == nil {
		return nil
	}
	return &trigger.Context{
		TenantID:  key.TenantID,
		Namespace: key.Namespace,
		FlowID:    key.FlowID,
		TriggerID: key.TriggerID,
		Date:      state.Date,
		Backfill:  state.Backfill,
	}
}

// catchUpDates expands the pending occurrences between the persisted cursor
// and now according to the recover policy. ALL returns each pending date in
// order, LAST only the most recent, and NONE requests a cursor reset when
// more than one occurrence is pending.
func (s *Scheduler) catchUpDates(
	ctx context.Context,
	h *handle,
	condCtx *trigger.ConditionContext,
	state *TriggerState,
	first time.Time,
	now time.Time,
) (dates []time.Time, reset bool) {
	pending := []time.Time{first}
	cursor := first
	for {
		next, err := h.trig.NextEvaluationDate(ctx, condCtx, &trigger.Context{
			TenantID:  state.Key.TenantID,
			Namespace: state.Key.Namespace,
			FlowID:    state.Key.FlowID,
			TriggerID: state.Key.TriggerID,
			Date:      cursor,
		})
		if err != nil || next.IsZero() || next.After(now) {
			break
		}
		pending = append(pending, next)
		cursor = next
	}
	if len(pending) == 1 || state.Date.IsZero() {
		return pending, false
	}
	switch h.trig.RecoverPolicy() {
	case schedule.RecoverLast:
		return pending[len(pending)-1:], false
	case schedule.RecoverNone:
		return nil, true
	default:
		return pending, false
	}
}

func (s *Scheduler) fire(
	ctx context.Context,
	key TriggerKey,
	h *handle,
	condCtx *trigger.ConditionContext,
	state *TriggerState,
	date time.Time,
) error {
	trigCtx := &trigger.Context{
		TenantID:  key.TenantID,
		Namespace: key.Namespace,
		FlowID:    key.FlowID,
		TriggerID: key.TriggerID,
		Date:      date,
	}
	exec, err := h.trig.Evaluate(ctx, condCtx, trigCtx)
	if err != nil {
		return err
	}
	if exec != nil {
		if err := s.emitWithRetry(ctx, exec); err != nil {
			return fmt.Errorf("failed to emit execution: %w", err)
		}
		s.metrics.recordEmitted(ctx, key)
	}
	state.Date = date
	return s.save(ctx, state)
}

// fireBackfill advances the backfill cursor by one occurrence, clearing the
// backfill once the range is exhausted so the next tick resumes live mode.
func (s *Scheduler) fireBackfill(
	ctx context.Context,
	key TriggerKey,
	h *handle,
	condCtx *trigger.ConditionContext,
	state *TriggerState,
) error {
	bf := state.Backfill
	if bf.Paused {
		return nil
	}
	trigCtx := &trigger.Context{
		TenantID:  key.TenantID,
		Namespace: key.Namespace,
		FlowID:    key.FlowID,
		TriggerID: key.TriggerID,
		Date:      bf.CurrentDate,
		Backfill:  bf,
	}
	exec, err := h.trig.Evaluate(ctx, condCtx, trigCtx)
	if err != nil {
		return err
	}
	if exec != nil {
		if err := s.emitWithRetry(ctx, exec); err != nil {
			return fmt.Errorf("failed to emit execution: %w", err)
		}
		s.metrics.recordEmitted(ctx, key)
		if exec.ScheduleDate != nil {
			state.Date = *exec.ScheduleDate
		}
	}
	fired := bf.CurrentDate
	if exec != nil && exec.ScheduleDate != nil {
		fired = *exec.ScheduleDate
	}
	if next, ok := h.trig.NextFireAfter(fired); ok && !next.After(bf.End) {
		bf.Advance(next)
	} else {
		// Completed. Re-anchor the live cursor at now so the gap between
		// the backfill end and the present is not caught up.
		state.Backfill = nil
		state.Date = s.now()
	}
	return s.save(ctx, state)
}

func (s *Scheduler) emitWithRetry(ctx context.Context, exec *execution.Execution) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.emit(ctx, exec); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
}

func (s *Scheduler) save(ctx context.Context, state *TriggerState) error {
	backoff := retry.WithMaxRetries(3, retry.NewExponential(100*time.Millisecond))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		if err := s.store.Save(ctx, state); err != nil {
			return retry.RetryableError(err)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to persist trigger state: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Backfill control
// ---------------------------------------------------------------------------

// StartBackfill installs a backfill on a trigger. The cursor starts at the
// first fire inside the range.
func (s *Scheduler) StartBackfill(ctx context.Context, key TriggerKey, bf *trigger.Backfill) error {
	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("no trigger registered for %s/%s/%s", key.Namespace, key.FlowID, key.TriggerID)
	}
	if bf.CurrentDate.IsZero() {
		first, ok := h.trig.NextFireAfter(bf.Start.Add(-time.Second))
		if !ok || first.After(bf.End) {
			return fmt.Errorf("backfill range [%s, %s] contains no fire", bf.Start, bf.End)
		}
		bf.CurrentDate = first
	}
	if err := bf.Validate(); err != nil {
		return err
	}
	state, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load trigger state: %w", err)
	}
	if state == nil {
		state = &TriggerState{Key: key}
	}
	if state.Backfill != nil {
		return fmt.Errorf("trigger %s already has a backfill in progress", key.TriggerID)
	}
	state.Backfill = bf
	return s.save(ctx, state)
}

func (s *Scheduler) PauseBackfill(ctx context.Context, key TriggerKey) error {
	return s.setBackfillPaused(ctx, key, true)
}

func (s *Scheduler) ResumeBackfill(ctx context.Context, key TriggerKey) error {
	return s.setBackfillPaused(ctx, key, false)
}

func (s *Scheduler) setBackfillPaused(ctx context.Context, key TriggerKey, paused bool) error {
	state, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load trigger state: %w", err)
	}
	if state == nil || state.Backfill == nil {
		return fmt.Errorf("trigger %s has no backfill in progress", key.TriggerID)
	}
	state.Backfill.Paused = paused
	return s.save(ctx, state)
}

// ---------------------------------------------------------------------------
// Stop-after
// ---------------------------------------------------------------------------

// OnExecutionEnd records a terminal state of an execution the trigger
// spawned. When the state matches the trigger's stop-after list the trigger
// is disabled until re-registered with a fresh state.
func (s *Scheduler) OnExecutionEnd(ctx context.Context, key TriggerKey, final core.StateType) error {
	s.mu.Lock()
	h, ok := s.handles[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	matched := false
	for _, state := range h.trig.StopAfter {
		if state == final {
			matched = true
			break
		}
	}
	if !matched {
		return nil
	}
	state, err := s.store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to load trigger state: %w", err)
	}
	if state == nil {
		state = &TriggerState{Key: key}
	}
	state.Disabled = true
	logger.FromContext(ctx).Info(
		"disabling trigger after terminal execution state",
		"namespace", key.Namespace,
		"flow", key.FlowID,
		"trigger", key.TriggerID,
		"state", final,
	)
	return s.save(ctx, state)
}
