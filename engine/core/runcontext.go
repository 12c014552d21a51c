package core

import (
	"fmt"
	"maps"

	"dario.cat/mergo"
)

// Renderer resolves template expressions inside configuration values.
type Renderer interface {
	RenderString(value string, vars map[string]any) (string, error)
	RenderMap(value map[string]any, vars map[string]any) (map[string]any, error)
}

// RunContext carries the variable scope of one evaluation together with the
// renderer used to resolve dynamic values against it.
type RunContext struct {
	renderer  Renderer
	variables map[string]any
}

func NewRunContext(renderer Renderer, variables map[string]any) *RunContext {
	if variables == nil {
		variables = make(map[string]any)
	}
	return &RunContext{renderer: renderer, variables: variables}
}

func (rc *RunContext) Variables() map[string]any {
	return rc.variables
}

// WithVariables returns a copy of the run context with extra variables merged
// on top of the existing scope.
func (rc *RunContext) WithVariables(extra map[string]any) *RunContext {
	merged := maps.Clone(rc.variables)
	if merged == nil {
		merged = make(map[string]any)
	}
	if err := mergo.Merge(&merged, extra, mergo.WithOverride); err != nil {
		// mergo only fails on non-map destinations, which cannot happen here
		for k, v := range extra {
			merged[k] = v
		}
	}
	return &RunContext{renderer: rc.renderer, variables: merged}
}

// Render resolves a single string value. A nil renderer passes values
// through untouched.
func (rc *RunContext) Render(value string) (string, error) {
	if rc.renderer == nil {
		return value, nil
	}
	rendered, err := rc.renderer.RenderString(value, rc.variables)
	if err != nil {
		return "", fmt.Errorf("failed to render value: %w", err)
	}
	return rendered, nil
}

// RenderMap resolves every string leaf of the given map.
func (rc *RunContext) RenderMap(value map[string]any) (map[string]any, error) {
	if value == nil {
		return nil, nil
	}
	if rc.renderer == nil {
		return maps.Clone(value), nil
	}
	rendered, err := rc.renderer.RenderMap(value, rc.variables)
	if err != nil {
		return nil, fmt.Errorf("failed to render map: %w", err)
	}
	return rendered, nil
}
