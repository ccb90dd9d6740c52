// Package uuid generates run and record identifiers.
package uuid

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// Generator creates time-ordered UUIDv7 strings.
type Generator struct{}

// New creates a new Generator.
func New() Generator {
	return Generator{}
}

// NewID returns a UUIDv7, or a random UUIDv4 when the v7 clock source fails.
func (Generator) NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Sequence hands out "<prefix>-1", "<prefix>-2", ... for deterministic output.
type Sequence struct {
	Prefix string

	mu   sync.Mutex
	next int
}

// NewID returns the next identifier in the sequence.
func (s *Sequence) NewID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	return fmt.Sprintf("%s-%d", s.Prefix, s.next)
}
