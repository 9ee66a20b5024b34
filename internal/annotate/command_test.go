package annotate

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

func TestCommandAnnotate(t *testing.T) {
	procRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(procRoot, "4321"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(procRoot, "4321", "comm"), []byte("nginx\n"), 0o644))

	c := NewCommand(procRoot)

	sample := &pipeline.Sample{PID: 4321}
	c.Annotate(context.Background(), sample)
	assert.Equal(t, "nginx", sample.Command)
}

func TestCommandAnnotateProcessGone(t *testing.T) {
	c := NewCommand(t.TempDir())

	// the process exited between sampling and annotation; the command
	// stays unset and no error surfaces
	sample := &pipeline.Sample{PID: 999}
	c.Annotate(context.Background(), sample)
	assert.Equal(t, "", sample.Command)
}

func TestCommandDefaultRoot(t *testing.T) {
	c := NewCommand("")
	assert.Equal(t, "/proc", c.procRoot)
}
