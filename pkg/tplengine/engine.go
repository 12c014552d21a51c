package tplengine

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateEngine renders {{ ... }} expressions against a variable context.
// Values without template markers pass through untouched.
type TemplateEngine struct {
	globalValues map[string]any
}

// New creates a template engine with no global values.
func New() *TemplateEngine {
	return &TemplateEngine{globalValues: make(map[string]any)}
}

// WithGlobalValue registers a value available to every render call.
func (e *TemplateEngine) WithGlobalValue(key string, value any) *TemplateEngine {
	e.globalValues[key] = value
	return e
}

// HasTemplate returns true if the value contains template markers.
func HasTemplate(value string) bool {
	return strings.Contains(value, "{{")
}

// RenderString renders a single string value against vars.
func (e *TemplateEngine) RenderString(value string, vars map[string]any) (string, error) {
	if !HasTemplate(value) {
		return value, nil
	}
	tmpl, err := template.New("value").Option("missingkey=error").Funcs(sprig.FuncMap()).Parse(value)
	if err != nil {
		return "", fmt.Errorf("failed to parse template: %w", err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, e.context(vars)); err != nil {
		return "", fmt.Errorf("failed to render template: %w", err)
	}
	return buf.String(), nil
}

// RenderMap renders every string leaf of the map against vars, walking nested
// maps and slices. Non-string leaves pass through untouched.
func (e *TemplateEngine) RenderMap(value map[string]any, vars map[string]any) (map[string]any, error) {
	rendered, err := e.renderAny(value, vars)
	if err != nil {
		return nil, err
	}
	out, ok := rendered.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("rendered value is not a map")
	}
	return out, nil
}

func (e *TemplateEngine) renderAny(value any, vars map[string]any) (any, error) {
	switch v := value.(type) {
	case string:
		return e.RenderString(v, vars)
	case map[string]any:
		out := make(map[string]any, len(v))
		for key, item := range v {
			rendered, err := e.renderAny(item, vars)
			if err != nil {
				return nil, fmt.Errorf("key %q: %w", key, err)
			}
			out[key] = rendered
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rendered, err := e.renderAny(item, vars)
			if err != nil {
				return nil, fmt.Errorf("index %d: %w", i, err)
			}
			out[i] = rendered
		}
		return out, nil
	default:
		return value, nil
	}
}

func (e *TemplateEngine) context(vars map[string]any) map[string]any {
	if len(e.globalValues) == 0 {
		return vars
	}
	ctx := make(map[string]any, len(e.globalValues)+len(vars))
	for k, v := range e.globalValues {
		ctx[k] = v
	}
	for k, v := range vars {
		ctx[k] = v
	}
	return ctx
}
