package flow

import (
	"context"
	"errors"

	"github.com/flowmesh/flowmesh/engine/core"
)

// ErrNotFound is returned by Lookup implementations when no flow matches.
var ErrNotFound = errors.New("flow not found")

// Input declares one input a flow accepts.
type Input struct {
	ID       string `json:"id"       yaml:"id"`
	Default  any    `json:"default"  yaml:"default"`
	Required bool   `json:"required" yaml:"required"`
}

// Flow is the subset of a workflow definition the execution core needs.
type Flow struct {
	TenantID  string       `json:"tenant_id,omitempty"`
	Namespace string       `json:"namespace"`
	ID        string       `json:"id"`
	Revision  int          `json:"revision"`
	Labels    []core.Label `json:"labels,omitempty"`
	Inputs    []Input      `json:"inputs,omitempty"`
	Disabled  bool         `json:"disabled,omitempty"`
	// Error is set when the stored flow source failed to parse. Such flows
	// exist so their executions remain addressable, but cannot run.
	Error string `json:"error,omitempty"`
}

// Invalid reports whether the flow failed parsing and cannot be executed.
func (f *Flow) Invalid() bool {
	return f.Error != ""
}

// Ref identifies a flow to resolve.
type Ref struct {
	TenantID  string
	Namespace string
	ID        string
	Revision  *int
}

// Caller identifies the flow asking for the resolution, for access scoping.
type Caller struct {
	TenantID  string
	Namespace string
	FlowID    string
}

// Lookup resolves flow definitions from the external flow store.
type Lookup interface {
	Find(ctx context.Context, ref Ref, caller Caller) (*Flow, error)
}
