package runner

import (
	"fmt"
	"maps"
	"net/url"

	"github.com/flowmesh/flowmesh/engine/core"
	"github.com/flowmesh/flowmesh/engine/execution"
)

// Keys under which fan-out bookkeeping is persisted in the parent task run's
// outputs.
const (
	OutputIterations            = "iterations"
	OutputNumberOfBatches       = "numberOfBatches"
	OutputSubflowOutputsBaseURI = "subflowOutputsBaseUri"
)

// Storage is the slice of the external object store the aggregator needs.
type Storage interface {
	ContextBaseURI() *url.URL
}

// Counters tracks how many batches of a fan-out currently occupy each state.
// Each batch occupies exactly one slot at any time, so at convergence the
// terminal counts sum to the number of batches.
type Counters map[core.StateType]int

// Terminated sums the counters over the terminal state set.
func (c Counters) Terminated() int {
	total := 0
	for _, state := range core.TerminalStates() {
		total += c[state]
	}
	return total
}

// ManageIterations folds one child terminal event into the parent task run's
// iteration counters. While batches remain pending it returns the parent with
// updated counters only; once every batch has terminated it records a new
// attempt at the aggregate terminal state.
func ManageIterations(
	storage Storage,
	incoming *execution.TaskRun,
	exec *execution.Execution,
	transmitFailed bool,
	allowFailure bool,
	allowWarning bool,
) (*execution.TaskRun, error) {
	if incoming == nil {
		return nil, fmt.Errorf("incoming task run is required")
	}
	parent := exec.FindTaskRunByID(incoming.ID)
	if parent == nil {
		return nil, fmt.Errorf(
			"unable to find task run %s in execution %s", incoming.ID, exec.ID,
		)
	}
	batches, err := numberOfBatches(parent)
	if err != nil {
		return nil, err
	}
	counters := countersFromOutputs(parent.Outputs)
	curState := incoming.State.Current()
	counters[curState]++
	if prevState, ok := incoming.State.Previous(); ok && prevState != curState {
		if _, exists := counters[prevState]; !exists {
			// A batch never recorded in its previous state was implicitly
			// occupying it since the fan-out started.
			counters[prevState] = batches
		}
		counters[prevState]--
	}
	if counters.Terminated() < batches {
		outputs := maps.Clone(parent.Outputs)
		outputs[OutputIterations] = counters.toOutputs()
		return parent.WithOutputs(outputs), nil
	}
	terminal := FindTerminalState(counters, allowFailure, allowWarning)
	if !transmitFailed {
		terminal = core.StateSuccess
	}
	outputs := maps.Clone(parent.Outputs)
	outputs[OutputIterations] = counters.toOutputs()
	outputs[OutputNumberOfBatches] = batches
	if storage != nil {
		if base := storage.ContextBaseURI(); base != nil {
			outputs[OutputSubflowOutputsBaseURI] = base.String()
		}
	}
	updated := parent.
		WithOutputs(outputs).
		WithAttempt(execution.Attempt{State: core.NewStateHistoryWith(terminal)})
	return updated.WithState(terminal)
}

// FindTerminalState collapses the counters into one parent state, honoring
// the priority FAILED over KILLED over WARNING over SUCCESS. The allow flags
// soften failures: allowFailure turns FAILED into WARNING and allowWarning
// further turns WARNING into SUCCESS.
func FindTerminalState(counters Counters, allowFailure bool, allowWarning bool) core.StateType {
	switch {
	case counters[core.StateFailed] > 0:
		if allowFailure {
			if allowWarning {
				return core.StateSuccess
			}
			return core.StateWarning
		}
		return core.StateFailed
	case counters[core.StateKilled] > 0:
		return core.StateKilled
	case counters[core.StateWarning] > 0:
		if allowWarning {
			return core.StateSuccess
		}
		return core.StateWarning
	default:
		return core.StateSuccess
	}
}

// GuessState collapses a single child execution's state into the parent task
// state, used when an executable task launches exactly one subflow.
func GuessState(
	exec *execution.Execution,
	transmitFailed bool,
	allowedFailure bool,
	allowWarning bool,
) core.StateType {
	state := exec.State.Current()
	if transmitFailed &&
		(state.IsFailed() || state.IsPaused() || state == core.StateKilled || state == core.StateWarning) {
		if state.IsFailed() && allowedFailure {
			state = core.StateWarning
		}
		if state == core.StateWarning && allowWarning {
			state = core.StateSuccess
		}
		return state
	}
	return core.StateSuccess
}

func numberOfBatches(parent *execution.TaskRun) (int, error) {
	raw, ok := parent.Outputs[OutputNumberOfBatches]
	if !ok {
		return 0, fmt.Errorf(
			"task run %s has no %s output", parent.ID, OutputNumberOfBatches,
		)
	}
	batches, ok := toInt(raw)
	if !ok || batches <= 0 {
		return 0, fmt.Errorf(
			"task run %s has invalid %s output %v", parent.ID, OutputNumberOfBatches, raw,
		)
	}
	return batches, nil
}

// countersFromOutputs rebuilds the counters from persisted outputs. Values
// may arrive as any numeric type after a serialization round trip.
func countersFromOutputs(outputs map[string]any) Counters {
	counters := make(Counters)
	raw, ok := outputs[OutputIterations].(map[string]any)
	if !ok {
		return counters
	}
	for state, value := range raw {
		if count, ok := toInt(value); ok {
			counters[core.StateType(state)] = count
		}
	}
	return counters
}

func (c Counters) toOutputs() map[string]any {
	out := make(map[string]any, len(c))
	for state, count := range c {
		out[state.String()] = count
	}
	return out
}

func toInt(value any) (int, bool) {
	switch v := value.(type) {
	case int:
		return v, true
	case int32:
		return int(v), true
	case int64:
		return int(v), true
	case uint64:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}
