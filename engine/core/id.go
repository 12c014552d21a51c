package core

import (
	"fmt"

	"github.com/segmentio/ksuid"
)

// ID is a KSUID-backed identifier for executions and task runs.
type ID string

func NewID() (ID, error) {
	id, err := ksuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("failed to generate ID: %w", err)
	}
	return ID(id.String()), nil
}

// MustNewID generates a new ID and panics on failure. The underlying
// generator only fails when the system entropy source is broken.
func MustNewID() ID {
	id, err := NewID()
	if err != nil {
		panic(err)
	}
	return id
}

func ParseID(value string) (ID, error) {
	if value == "" {
		return "", fmt.Errorf("empty ID")
	}
	if _, err := ksuid.Parse(value); err != nil {
		return "", fmt.Errorf("invalid ID format: %w", err)
	}
	return ID(value), nil
}

func (i ID) String() string {
	return string(i)
}

func (i ID) IsZero() bool {
	return i == ""
}
