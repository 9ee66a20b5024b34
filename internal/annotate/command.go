package annotate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// Command resolves the process' command string from /proc/<pid>/comm.
type Command struct {
	procRoot string
}

// NewCommand builds the annotator. procRoot is normally "/proc".
func NewCommand(procRoot string) *Command {
	if procRoot == "" {
		procRoot = "/proc"
	}
	return &Command{procRoot: procRoot}
}

func (c *Command) Name() string { return "command" }

func (c *Command) Annotate(ctx context.Context, sample *pipeline.Sample) {
	raw, err := os.ReadFile(filepath.Join(c.procRoot, fmt.Sprintf("%d", sample.PID), "comm"))
	if err != nil {
		// the process may already be gone; leave the command unset
		return
	}
	sample.Command = strings.TrimSpace(string(raw))
}
