package emit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// Stdout writes each sample as one JSON line. Used by the terminal
// debug mode.
type Stdout struct {
	mu sync.Mutex
	w  *bufio.Writer
}

// NewStdout wraps a writer, normally os.Stdout.
func NewStdout(w io.Writer) *Stdout {
	return &Stdout{w: bufio.NewWriter(w)}
}

func (s *Stdout) Emit(ctx context.Context, sample *pipeline.Sample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := json.NewEncoder(s.w).Encode(sample); err != nil {
		return fmt.Errorf("write sample: %w", err)
	}
	return s.w.Flush()
}

func (s *Stdout) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Flush()
}

// Discard drops every sample. Used by the quiet debug mode.
type Discard struct{}

func (Discard) Emit(ctx context.Context, sample *pipeline.Sample) error { return nil }
func (Discard) Close() error                                            { return nil }
