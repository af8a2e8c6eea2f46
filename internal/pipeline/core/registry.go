package core

import "fmt"

// Registry holds the ordered stages for a pipeline run and validates their
// dependencies at construction time.
type Registry struct {
	stages []Stage
	index  map[string]int
}

// NewRegistry builds a Registry from stages in execution order. Every stage
// ID must be unique, and every consumed stage must be registered earlier.
func NewRegistry(stages ...Stage) (*Registry, error) {
	r := &Registry{
		stages: stages,
		index:  make(map[string]int, len(stages)),
	}

	for i, stage := range stages {
		id := stage.ID()
		if id == "" {
			return nil, fmt.Errorf("%w: stage %d has empty ID", ErrInvalidRegistry, i)
		}
		if _, exists := r.index[id]; exists {
			return nil, fmt.Errorf("%w: duplicate stage %s", ErrInvalidRegistry, id)
		}
		r.index[id] = i
	}

	for i, stage := range stages {
		for _, dep := range stage.Consumes() {
			depIdx, ok := r.index[dep]
			if !ok {
				return nil, fmt.Errorf("%w: stage %s consumes unregistered stage %s",
					ErrInvalidRegistry, stage.ID(), dep)
			}
			if depIdx >= i {
				return nil, fmt.Errorf("%w: stage %s consumes %s which runs later",
					ErrInvalidRegistry, stage.ID(), dep)
			}
		}
	}

	return r, nil
}

// Stages returns the stages in execution order.
func (r *Registry) Stages() []Stage {
	return r.stages
}

// Waves groups the stages into dependency levels: every stage lands one
// level after its deepest dependency, so stages within a wave never consume
// each other and can run concurrently.
func (r *Registry) Waves() [][]Stage {
	level := make(map[string]int, len(r.stages))
	var waves [][]Stage

	for _, stage := range r.stages {
		wave := 0
		for _, dep := range stage.Consumes() {
			if level[dep]+1 > wave {
				wave = level[dep] + 1
			}
		}
		if wave == len(waves) {
			waves = append(waves, nil)
		}
		waves[wave] = append(waves[wave], stage)
		level[stage.ID()] = wave
	}
	return waves
}

// Get returns a stage by ID.
func (r *Registry) Get(id string) (Stage, error) {
	idx, ok := r.index[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, id)
	}
	return r.stages[idx], nil
}

// Has reports whether a stage is registered.
func (r *Registry) Has(id string) bool {
	_, ok := r.index[id]
	return ok
}

// Len returns the number of registered stages.
func (r *Registry) Len() int {
	return len(r.stages)
}
