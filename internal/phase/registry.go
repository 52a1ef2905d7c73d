// Package phase provides the versioned phase registry that maps every
// pipeline phase to exactly one integer step, and the consistency guard
// that every phase/step write passes through.
package phase

import (
	"fmt"
	"sort"

	"github.com/MSA-I/RE-TOUR-sub007/internal/types"
)

// StepSpec describes one pipeline step and the phases that belong to it.
type StepSpec struct {
	Number   int
	Name     string
	Service  types.Service
	Artifact types.ArtifactKind
	Schema   string // manifest schema file name under schemas/
	Entry    types.Phase
	Running  types.Phase
	Review   types.Phase
}

// Terminal reports whether the step has no work attached.
func (s StepSpec) Terminal() bool {
	return s.Service == ""
}

// Phases returns the phases owned by the step in lifecycle order.
func (s StepSpec) Phases() []types.Phase {
	if s.Terminal() {
		return []types.Phase{s.Entry}
	}
	return []types.Phase{s.Entry, s.Running, s.Review}
}

// Entry is one row of the phase table.
type Entry struct {
	Phase types.Phase `json:"phase"`
	Step  int         `json:"step"`
}

// Registry is an immutable phase -> step table. Build one with NewRegistry;
// it is never mutated after construction.
type Registry struct {
	version int
	steps   []StepSpec
	phases  map[types.Phase]int
}

// NewRegistry builds a registry from step specs numbered 0..N.
func NewRegistry(version int, specs []StepSpec) (*Registry, error) {
	if version < 1 {
		return nil, fmt.Errorf("registry version must be positive, got %d", version)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("registry v%d has no steps", version)
	}

	r := &Registry{
		version: version,
		steps:   make([]StepSpec, len(specs)),
		phases:  make(map[types.Phase]int),
	}
	for i, spec := range specs {
		if spec.Number != i {
			return nil, fmt.Errorf("registry v%d: step %q has number %d, want %d", version, spec.Name, spec.Number, i)
		}
		if spec.Terminal() && i != len(specs)-1 {
			return nil, fmt.Errorf("registry v%d: only the last step may be terminal, got %q", version, spec.Name)
		}
		for _, p := range spec.Phases() {
			if p == "" {
				return nil, fmt.Errorf("registry v%d: step %q has an empty phase", version, spec.Name)
			}
			if prev, dup := r.phases[p]; dup {
				return nil, fmt.Errorf("registry v%d: phase %q mapped to steps %d and %d", version, p, prev, i)
			}
			r.phases[p] = i
		}
		r.steps[i] = spec
	}
	if !r.steps[len(specs)-1].Terminal() {
		return nil, fmt.Errorf("registry v%d: last step must be terminal", version)
	}
	return r, nil
}

// Version returns the registry version.
func (r *Registry) Version() int { return r.version }

// Step returns the step a phase maps to.
func (r *Registry) Step(p types.Phase) (int, error) {
	step, ok := r.phases[p]
	if !ok {
		return 0, &types.UnknownPhaseError{Phase: p, Version: r.version}
	}
	return step, nil
}

// Spec returns the spec for a step number.
func (r *Registry) Spec(step int) (StepSpec, bool) {
	if step < 0 || step >= len(r.steps) {
		return StepSpec{}, false
	}
	return r.steps[step], true
}

// LastStep returns the terminal step number.
func (r *Registry) LastStep() int { return len(r.steps) - 1 }

// Steps returns a copy of every step spec.
func (r *Registry) Steps() []StepSpec {
	out := make([]StepSpec, len(r.steps))
	copy(out, r.steps)
	return out
}

// EntryPhase returns the phase a run enters when a step becomes runnable.
func (r *Registry) EntryPhase(step int) (types.Phase, error) {
	spec, ok := r.Spec(step)
	if !ok {
		return "", fmt.Errorf("registry v%d has no step %d", r.version, step)
	}
	return spec.Entry, nil
}

// RunningPhase returns the phase used while a step's job is executing.
func (r *Registry) RunningPhase(step int) (types.Phase, error) {
	spec, ok := r.Spec(step)
	if !ok {
		return "", fmt.Errorf("registry v%d has no step %d", r.version, step)
	}
	if spec.Terminal() {
		return spec.Entry, nil
	}
	return spec.Running, nil
}

// ReviewPhase returns the phase a step waits in once its output exists.
func (r *Registry) ReviewPhase(step int) (types.Phase, error) {
	spec, ok := r.Spec(step)
	if !ok {
		return "", fmt.Errorf("registry v%d has no step %d", r.version, step)
	}
	if spec.Terminal() {
		return spec.Entry, nil
	}
	return spec.Review, nil
}

// IsReview reports whether p is a step's review phase.
func (r *Registry) IsReview(p types.Phase) bool {
	step, ok := r.phases[p]
	return ok && !r.steps[step].Terminal() && r.steps[step].Review == p
}

// Phases returns the full table sorted by step then lifecycle order.
func (r *Registry) Phases() []Entry {
	var entries []Entry
	for _, spec := range r.steps {
		for _, p := range spec.Phases() {
			entries = append(entries, Entry{Phase: p, Step: spec.Number})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Step < entries[j].Step })
	return entries
}

// Set holds every shipped registry version.
type Set struct {
	byVersion map[int]*Registry
	latest    int
}

// NewSet indexes registries by version.
func NewSet(regs ...*Registry) (*Set, error) {
	s := &Set{byVersion: make(map[int]*Registry)}
	for _, r := range regs {
		if _, dup := s.byVersion[r.version]; dup {
			return nil, fmt.Errorf("duplicate registry version %d", r.version)
		}
		s.byVersion[r.version] = r
		if r.version > s.latest {
			s.latest = r.version
		}
	}
	if len(s.byVersion) == 0 {
		return nil, fmt.Errorf("no registries")
	}
	return s, nil
}

// Get returns the registry for a version.
func (s *Set) Get(version int) (*Registry, error) {
	r, ok := s.byVersion[version]
	if !ok {
		return nil, fmt.Errorf("unknown registry version %d", version)
	}
	return r, nil
}

// Latest returns the newest registry.
func (s *Set) Latest() *Registry { return s.byVersion[s.latest] }
