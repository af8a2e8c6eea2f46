// Package shared provides utilities common to stage implementations.
package shared

import (
	"context"
)

// BaseStage provides the boilerplate parts of the Stage interface.
// Embed it and implement Execute.
type BaseStage struct {
	id       string
	name     string
	consumes []string
}

// NewBaseStage creates a BaseStage.
func NewBaseStage(id, name string, consumes ...string) BaseStage {
	return BaseStage{id: id, name: name, consumes: consumes}
}

// ID returns the stage identifier.
func (b *BaseStage) ID() string {
	return b.id
}

// Name returns the human-readable stage name.
func (b *BaseStage) Name() string {
	return b.name
}

// Consumes returns the upstream stage IDs this stage reads.
func (b *BaseStage) Consumes() []string {
	return b.consumes
}

// Cleanup provides a default no-op cleanup implementation.
func (b *BaseStage) Cleanup(ctx context.Context) error {
	return nil
}

// Timestamp converts a sampled frame index to seconds using the sampling
// rate, offset by the trim window start when present.
func Timestamp(frameIdx, rate int, startSeconds *float64) float64 {
	ts := float64(frameIdx-1) / float64(rate)
	if startSeconds != nil {
		ts += *startSeconds
	}
	return ts
}
