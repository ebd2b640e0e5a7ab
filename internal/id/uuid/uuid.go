// Package uuid provides ID generation helpers.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates UUID v7 strings, optionally prefixed (e.g. "pool-").
type Generator struct {
	prefix string
}

// New creates a Generator without a prefix.
func New() *Generator {
	return &Generator{}
}

// NewWithPrefix creates a Generator whose IDs start with prefix.
func NewWithPrefix(prefix string) *Generator {
	return &Generator{prefix: prefix}
}

// NewID returns a UUID7 string.
func (g Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return g.prefix + id.String(), nil
}
