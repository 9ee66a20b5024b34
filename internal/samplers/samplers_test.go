package samplers

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/perfwatch/perfwatch/internal/sampler"
	"github.com/perfwatch/perfwatch/internal/stats"
)

// testContext builds a sampler context over the fixture procfs tree with
// a mock clock so successive passes carry distinct timestamps.
func testContext(t *testing.T) (sampler.Context, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	mock.Set(time.Unix(1_700_000_000, 0))
	ctx := sampler.Context{
		Registry: stats.NewRegistry(),
		Clock:    mock,
		Logger:   zaptest.NewLogger(t),
		Window:   60 * time.Second,
		ProcRoot: "testdata/proc",
		SysRoot:  "testdata/sys",
	}
	return ctx, mock
}

func reading(t *testing.T, ctx sampler.Context, name string, source stats.Source) uint64 {
	t.Helper()
	v, err := ctx.Registry.Reading(stats.Statistic{Name: name, Source: source})
	if err != nil {
		t.Fatalf("reading %s: %v", name, err)
	}
	return v
}
