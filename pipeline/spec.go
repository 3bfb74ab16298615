package pipeline

import (
	"errors"
	"fmt"
)

const DefaultBufferSize = 8

// ElementSpec describes one element to instantiate at build time.
type ElementSpec struct {
	Name string
	Kind Kind
	New  func() (Element, error)
}

// Spec is the ordered chain for one mode. It is built fresh per mode entry
// and never mutated once linked.
type Spec struct {
	Name       string
	Elements   []ElementSpec
	BufferSize int
}

// Validate checks the shape of the chain: a source first, a sink last and
// unique element names.
func (s Spec) Validate() error {
	if len(s.Elements) < 2 {
		return fmt.Errorf("pipeline %q: needs at least a source and a sink, got %d elements", s.Name, len(s.Elements))
	}
	if first := s.Elements[0]; first.Kind != KindSource {
		return fmt.Errorf("pipeline %q: first element %q is a %s, want source", s.Name, first.Name, first.Kind)
	}
	if last := s.Elements[len(s.Elements)-1]; last.Kind != KindSink {
		return fmt.Errorf("pipeline %q: last element %q is a %s, want sink", s.Name, last.Name, last.Kind)
	}
	if s.BufferSize < 0 {
		return fmt.Errorf("pipeline %q: negative buffer size %d", s.Name, s.BufferSize)
	}

	seen := make(map[string]bool, len(s.Elements))
	for i, e := range s.Elements {
		if e.Name == "" {
			return fmt.Errorf("pipeline %q: element %d has no name", s.Name, i)
		}
		if seen[e.Name] {
			return fmt.Errorf("pipeline %q: duplicate element name %q", s.Name, e.Name)
		}
		if e.New == nil {
			return fmt.Errorf("pipeline %q: element %q has no constructor", s.Name, e.Name)
		}
		if i > 0 && i < len(s.Elements)-1 && (e.Kind == KindSource || e.Kind == KindSink) {
			return fmt.Errorf("pipeline %q: %s %q in the middle of the chain", s.Name, e.Kind, e.Name)
		}
		seen[e.Name] = true
	}
	return nil
}

// BuildError reports the element whose constructor failed.
type BuildError struct {
	Pipeline string
	Element  string
	Err      error
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("pipeline %q: instantiate element %q: %v", e.Pipeline, e.Element, e.Err)
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// IsBuildError reports whether err came from a failed element constructor.
func IsBuildError(err error) bool {
	var be *BuildError
	return errors.As(err, &be)
}
