package runner

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

type stubStorage struct {
	base *url.URL
}

func (s stubStorage) ContextBaseURI() *url.URL {
	return s.base
}

func testStorage(t *testing.T) stubStorage {
	t.Helper()
	base, err := url.Parse("s3://bucket/executions/abc")
	require.NoError(t, err)
	return stubStorage{base: base}
}

func fanOutFixture(batches int) (*execution.Execution, *execution.TaskRun) {
	parent := execution.NewTaskRun("for-each-item")
	parent.Outputs = map[string]any{OutputNumberOfBatches: batches}
	exec := &execution.Execution{
		ID:        core.MustNewID(),
		Namespace: "team.data",
		FlowID:    "fan-out",
		TaskRuns:  []*execution.TaskRun{parent},
	}
	return exec, parent
}

// childEvent builds the parent task run as redelivered after a child moved
// through the given states.
func childEvent(parent *execution.TaskRun, states ...core.StateType) *execution.TaskRun {
	history := core.NewStateHistory()
	for _, state := range states {
		history, _ = history.With(state)
	}
	event := parent.Clone()
	event.State = history
	return event
}

func TestManageIterations(t *testing.T) {
	storage := testStorage(t)

	t.Run("Should stay non-terminal until every batch finishes", func(t *testing.T) {
		exec, parent := fanOutFixture(3)
		for _, state := range []core.StateType{core.StateSuccess, core.StateFailed} {
			updated, err := ManageIterations(
				storage, childEvent(parent, core.StateRunning, state), exec, true, false, false,
			)
			require.NoError(t, err)
			assert.False(t, updated.State.Current().IsTerminal())
			exec.TaskRuns[0] = updated
			parent = updated
		}
		counters := countersFromOutputs(parent.Outputs)
		assert.Equal(t, 1, counters[core.StateSuccess])
		assert.Equal(t, 1, counters[core.StateFailed])
		assert.Equal(t, 1, counters[core.StateRunning])
	})

	t.Run("Should converge to FAILED on mixed outcomes", func(t *testing.T) {
		exec, parent := fanOutFixture(3)
		outcomes := []core.StateType{core.StateSuccess, core.StateFailed, core.StateSuccess}
		var updated *execution.TaskRun
		var err error
		for _, state := range outcomes {
			updated, err = ManageIterations(
				storage, childEvent(parent, core.StateRunning, state), exec, true, false, false,
			)
			require.NoError(t, err)
			exec.TaskRuns[0] = updated
			parent = updated
		}
		assert.Equal(t, core.StateFailed, updated.State.Current())
		require.Len(t, updated.Attempts, 1)
		assert.Equal(t, core.StateFailed, updated.Attempts[0].State.Current())
		counters := countersFromOutputs(updated.Outputs)
		assert.Equal(t, 2, counters[core.StateSuccess])
		assert.Equal(t, 1, counters[core.StateFailed])
		assert.Equal(t, 3, updated.Outputs[OutputNumberOfBatches])
		assert.Equal(t, "s3://bucket/executions/abc", updated.Outputs[OutputSubflowOutputsBaseURI])
	})

	t.Run("Should soften failures with the allow flags", func(t *testing.T) {
		exec, parent := fanOutFixture(3)
		outcomes := []core.StateType{core.StateSuccess, core.StateFailed, core.StateSuccess}
		var updated *execution.TaskRun
		var err error
		for _, state := range outcomes {
			updated, err = ManageIterations(
				storage, childEvent(parent, core.StateRunning, state), exec, true, true, true,
			)
			require.NoError(t, err)
			exec.TaskRuns[0] = updated
			parent = updated
		}
		assert.Equal(t, core.StateSuccess, updated.State.Current())
	})

	t.Run("Should force SUCCESS when failures are not transmitted", func(t *testing.T) {
		exec, parent := fanOutFixture(1)
		updated, err := ManageIterations(
			storage, childEvent(parent, core.StateRunning, core.StateFailed), exec, false, false, false,
		)
		require.NoError(t, err)
		assert.Equal(t, core.StateSuccess, updated.State.Current())
	})

	t.Run("Should fail on a missing parent task run", func(t *testing.T) {
		exec, _ := fanOutFixture(3)
		orphan := execution.NewTaskRun("unknown")
		_, err := ManageIterations(storage, orphan, exec, true, false, false)
		assert.ErrorContains(t, err, "unable to find task run")
	})

	t.Run("Should fail when the batch count output is missing", func(t *testing.T) {
		exec, parent := fanOutFixture(3)
		parent.Outputs = map[string]any{}
		_, err := ManageIterations(
			storage, childEvent(parent, core.StateRunning, core.StateSuccess), exec, true, false, false,
		)
		assert.ErrorContains(t, err, "has no numberOfBatches output")
	})

	t.Run("Should rebuild counters from serialized outputs", func(t *testing.T) {
		exec, parent := fanOutFixture(2)
		// Counts arrive as float64 after a JSON round trip.
		parent.Outputs[OutputIterations] = map[string]any{"SUCCESS": float64(1), "RUNNING": float64(1)}
		updated, err := ManageIterations(
			storage, childEvent(parent, core.StateRunning, core.StateSuccess), exec, true, false, false,
		)
		require.NoError(t, err)
		assert.Equal(t, core.StateSuccess, updated.State.Current())
	})

	t.Run("Should tolerate a nil storage", func(t *testing.T) {
		exec, parent := fanOutFixture(1)
		updated, err := ManageIterations(
			nil, childEvent(parent, core.StateRunning, core.StateSuccess), exec, true, false, false,
		)
		require.NoError(t, err)
		_, ok := updated.Outputs[OutputSubflowOutputsBaseURI]
		assert.False(t, ok)
	})
}

func TestFindTerminalState(t *testing.T) {
	t.Run("Should respect the failure priority order", func(t *testing.T) {
		counters := Counters{
			core.StateFailed:  1,
			core.StateKilled:  1,
			core.StateWarning: 1,
			core.StateSuccess: 1,
		}
		assert.Equal(t, core.StateFailed, FindTerminalState(counters, false, false))
		delete(counters, core.StateFailed)
		assert.Equal(t, core.StateKilled, FindTerminalState(counters, false, false))
		delete(counters, core.StateKilled)
		assert.Equal(t, core.StateWarning, FindTerminalState(counters, false, false))
		delete(counters, core.StateWarning)
		assert.Equal(t, core.StateSuccess, FindTerminalState(counters, false, false))
	})

	t.Run("Should soften FAILED with allowFailure", func(t *testing.T) {
		counters := Counters{core.StateFailed: 1}
		assert.Equal(t, core.StateWarning, FindTerminalState(counters, true, false))
		assert.Equal(t, core.StateSuccess, FindTerminalState(counters, true, true))
	})

	t.Run("Should soften WARNING with allowWarning", func(t *testing.T) {
		counters := Counters{core.StateWarning: 2}
		assert.Equal(t, core.StateSuccess, FindTerminalState(counters, false, true))
	})
}

func TestGuessState(t *testing.T) {
	childIn := func(state core.StateType) *execution.Execution {
		return &execution.Execution{State: core.NewStateHistoryWith(state)}
	}

	t.Run("Should transmit the child failure", func(t *testing.T) {
		assert.Equal(t, core.StateFailed, GuessState(childIn(core.StateFailed), true, false, false))
	})

	t.Run("Should upgrade FAILED through the allow flags", func(t *testing.T) {
		assert.Equal(t, core.StateWarning, GuessState(childIn(core.StateFailed), true, true, false))
		assert.Equal(t, core.StateSuccess, GuessState(childIn(core.StateFailed), true, true, true))
	})

	t.Run("Should report SUCCESS when failures are not transmitted", func(t *testing.T) {
		assert.Equal(t, core.StateSuccess, GuessState(childIn(core.StateFailed), false, false, false))
	})

	t.Run("Should report SUCCESS for a successful child", func(t *testing.T) {
		assert.Equal(t, core.StateSuccess, GuessState(childIn(core.StateSuccess), true, false, false))
	})

	t.Run("Should be idempotent", func(t *testing.T) {
		child := childIn(core.StateKilled)
		first := GuessState(child, true, false, false)
		second := GuessState(child, true, false, false)
		assert.Equal(t, first, second)
		assert.Equal(t, core.StateKilled, first)
	})
}
