// Package sampler defines the periodic work unit abstraction and the
// runner that schedules every sampler with per-source intervals and
// fault isolation.
package sampler

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/stats"
)

// Sampler is a periodic work unit. Each sampler owns its statistics,
// registers them on construction, and refreshes them on every Sample
// call.
type Sampler interface {
	// Name identifies the sampler in logs.
	Name() string

	// Sample performs one collection pass.
	Sample(ctx context.Context) error

	// Interval is the sampler's own cadence. Zero means use the runner's
	// default.
	Interval() time.Duration

	// Enabled reports whether ticks should run the sampler. The runner
	// keeps a disabled sampler's task alive and skips its ticks.
	Enabled() bool
}

// Context carries the shared collaborators every sampler needs.
type Context struct {
	Registry *stats.Registry
	Clock    clock.Clock
	Logger   *zap.Logger

	// Window is the summary span; BPF-backed tables are read at this
	// cadence rather than the sampler interval.
	Window time.Duration

	// ProcRoot and SysRoot allow tests to point parsers at fixture trees.
	ProcRoot string
	SysRoot  string
}

// NewContext fills in the defaults for production use.
func NewContext(registry *stats.Registry, logger *zap.Logger, window time.Duration) Context {
	return Context{
		Registry: registry,
		Clock:    clock.New(),
		Logger:   logger,
		Window:   window,
		ProcRoot: "/proc",
		SysRoot:  "/sys",
	}
}
