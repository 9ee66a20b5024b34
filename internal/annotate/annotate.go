// Package annotate fills per-process context into samples between the
// collector and the emitters. The chain runs in a fixed order: command,
// hostname, systemd, container. Annotators never fail a sample; what
// cannot be resolved stays unset.
package annotate

import (
	"context"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// Annotator fills in one field of a sample if it can.
type Annotator interface {
	Name() string
	Annotate(ctx context.Context, sample *pipeline.Sample)
}

// Chain applies annotators in order.
type Chain []Annotator

// Annotate runs the whole chain over one sample.
func (c Chain) Annotate(ctx context.Context, sample *pipeline.Sample) {
	for _, a := range c {
		a.Annotate(ctx, sample)
	}
}
