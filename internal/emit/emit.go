// Package emit carries annotated samples to their destinations: a
// pyroscope-compatible ingest endpoint, a kafka topic, or stdout for
// debugging.
package emit

import (
	"context"
	"time"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// Message is an encoded sample batch ready for transport. Data is
// opaque to the emitter.
type Message struct {
	Data      []byte
	Timestamp time.Time
}

// Encoder turns samples into transport payloads. It may buffer
// internally and return nil until a batch is ready.
type Encoder interface {
	Encode(sample *pipeline.Sample) (*Message, error)
}

// Emitter consumes each sample exactly once.
type Emitter interface {
	Emit(ctx context.Context, sample *pipeline.Sample) error
	Close() error
}
