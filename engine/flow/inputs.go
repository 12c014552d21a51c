package flow

import (
	"fmt"
	"maps"
)

// ReadInputs resolves the provided raw inputs against the flow's declared
// inputs: declared defaults fill missing keys, required inputs without a
// value or default fail, and undeclared keys pass through untouched.
func ReadInputs(f *Flow, provided map[string]any) (map[string]any, error) {
	resolved := maps.Clone(provided)
	if resolved == nil {
		resolved = make(map[string]any)
	}
	for _, input := range f.Inputs {
		if _, ok := resolved[input.ID]; ok {
			continue
		}
		if input.Default != nil {
			resolved[input.ID] = input.Default
			continue
		}
		if input.Required {
			return nil, fmt.Errorf("missing required input %q for flow %s.%s", input.ID, f.Namespace, f.ID)
		}
	}
	return resolved, nil
}
