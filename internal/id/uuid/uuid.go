// Package uuid generates the identifiers used for audit rows, ad hoc jobs and
// request correlation.
package uuid

import (
	"fmt"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings. Audit rows sort by insertion
// through their id.
type Generator struct{}

// New creates a new Generator.
func New() *Generator {
	return &Generator{}
}

// NewID implements crawler.IDGenerator.
func (Generator) NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid7: %w", err)
	}
	return id.String(), nil
}

// RequestID returns incoming when it is a well-formed UUID and a fresh random
// one otherwise, so a client cannot inject arbitrary text into log fields.
func RequestID(incoming string) string {
	if parsed, err := uuid.Parse(incoming); err == nil {
		return parsed.String()
	}
	return uuid.NewString()
}

// Valid reports whether s parses as a UUID.
func Valid(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
