package core

import "strings"

const (
	// LabelSystemPrefix marks labels owned by the engine itself. System
	// labels propagate from parent to child executions.
	LabelSystemPrefix = "system."

	// LabelCorrelationID ties a tree of parent/child executions together.
	LabelCorrelationID = LabelSystemPrefix + "correlationId"
)

// Label is a key/value pair attached to an execution. Labels form an ordered
// list: duplicate keys are allowed and later entries win on lookup conflicts.
type Label struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// SystemLabels returns the labels whose key carries the system prefix,
// preserving order.
func SystemLabels(labels []Label) []Label {
	var out []Label
	for _, label := range labels {
		if strings.HasPrefix(label.Key, LabelSystemPrefix) {
			out = append(out, label)
		}
	}
	return out
}

// HasLabel reports whether any label uses the given key.
func HasLabel(labels []Label, key string) bool {
	for _, label := range labels {
		if label.Key == key {
			return true
		}
	}
	return false
}

// LabelValue returns the value of the last label with the given key.
func LabelValue(labels []Label, key string) (string, bool) {
	for i := len(labels) - 1; i >= 0; i-- {
		if labels[i].Key == key {
			return labels[i].Value, true
		}
	}
	return "", false
}
