package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/engine/trigger"
)

// TriggerKey identifies one trigger's persisted cursor.
type TriggerKey struct {
	TenantID  string
	Namespace string
	FlowID    string
	TriggerID string
}

// TriggerState is the minimal persisted state of one trigger: the last fire
// date, optional backfill progress and the disabled flag set by stop-after.
type TriggerState struct {
	Key       TriggerKey        `json:"key"`
	Date      time.Time         `json:"date,omitempty"`
	Backfill  *trigger.Backfill `json:"backfill,omitempty"`
	Disabled  bool              `json:"disabled,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Store persists trigger cursors. Get returns nil without error when no
// state exists yet for the key.
type Store interface {
	Get(ctx context.Context, key TriggerKey) (*TriggerState, error)
	Save(ctx context.Context, state *TriggerState) error
}

// MemoryStore is an in-process Store, used in tests and single-node setups.
type MemoryStore struct {
	mu     sync.Mutex
	states map[TriggerKey]*TriggerState
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{states: make(map[TriggerKey]*TriggerState)}
}

func (m *MemoryStore) Get(_ context.Context, key TriggerKey) (*TriggerState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[key]
	if !ok {
		return nil, nil
	}
	clone := *state
	if state.Backfill != nil {
		bf := *state.Backfill
		clone.Backfill = &bf
	}
	return &clone, nil
}

func (m *MemoryStore) Save(_ context.Context, state *TriggerState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *state
	if state.Backfill != nil {
		bf := *state.Backfill
		clone.Backfill = &bf
	}
	clone.UpdatedAt = time.Now()
	m.states[state.Key] = &clone
	return nil
}
