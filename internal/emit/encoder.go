package emit

import (
	"encoding/json"
	"fmt"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// JSONEncoder encodes each sample as one self-contained JSON record.
// The transport applies compression; the emitter treats the bytes as
// opaque.
type JSONEncoder struct{}

func (JSONEncoder) Encode(sample *pipeline.Sample) (*Message, error) {
	data, err := json.Marshal(sample)
	if err != nil {
		return nil, fmt.Errorf("marshal sample: %w", err)
	}
	return &Message{Data: data, Timestamp: sample.Time}, nil
}
