package engine

import (
	"errors"
	"fmt"
)

// Scope tracks transient resources acquired during a single conversion
// (temp directories, intermediate files, open documents) and releases
// them in reverse acquisition order. Release it with defer so cleanup
// runs on every exit path, including panics.
type Scope struct {
	releases []release
	closed   bool
}

type release struct {
	name string
	fn   func() error
}

// NewScope returns an empty resource scope.
func NewScope() *Scope {
	return &Scope{}
}

// Track registers a release function for a resource just acquired.
func (s *Scope) Track(name string, fn func() error) {
	s.releases = append(s.releases, release{name: name, fn: fn})
}

// Close releases all tracked resources, most recently acquired first.
// Every release runs even when earlier ones fail; failures are collected
// and returned so callers can log them without overriding the primary
// conversion outcome. Close is idempotent.
func (s *Scope) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for i := len(s.releases) - 1; i >= 0; i-- {
		r := s.releases[i]
		if err := r.fn(); err != nil {
			errs = append(errs, fmt.Errorf("release %s: %w", r.name, err))
		}
	}
	s.releases = nil

	return errors.Join(errs...)
}
