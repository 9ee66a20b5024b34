package annotate

import (
	"context"
	"fmt"
	"os"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// Hostname stamps every sample with the host's name, cached at startup.
type Hostname struct {
	hostname string
}

// NewHostname caches the hostname.
func NewHostname() (*Hostname, error) {
	name, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("read hostname: %w", err)
	}
	return &Hostname{hostname: name}, nil
}

func (h *Hostname) Name() string { return "hostname" }

func (h *Hostname) Annotate(ctx context.Context, sample *pipeline.Sample) {
	sample.Hostname = h.hostname
}
