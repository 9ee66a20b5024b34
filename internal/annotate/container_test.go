package annotate

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/pipeline"
)

func TestBackoffBound(t *testing.T) {
	policy := refreshBackoff()

	// doubling from the floor, capped at one hour
	want := []time.Duration{
		60 * time.Second,
		120 * time.Second,
		240 * time.Second,
		480 * time.Second,
		960 * time.Second,
		1920 * time.Second,
		3600 * time.Second,
		3600 * time.Second,
	}
	for i, expected := range want {
		assert.Equal(t, expected, policy.NextBackOff(), "failure %d", i)
	}

	// success resets to the floor
	policy.Reset()
	assert.Equal(t, 60*time.Second, policy.NextBackOff())
}

func TestParseSource(t *testing.T) {
	service, instance, ok := parseSource("web-frontend.7", "web-frontend")
	require.True(t, ok)
	assert.Equal(t, "web-frontend", service)
	assert.Equal(t, uint32(7), instance)

	_, _, ok = parseSource("web-frontend", "web-frontend")
	assert.False(t, ok)
	_, _, ok = parseSource("web-frontend.x", "web-frontend")
	assert.False(t, ok)
}

func TestContainerAnnotate(t *testing.T) {
	cgroupRoot := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(cgroupRoot, "container-1"), 0o755))
	require.NoError(t, os.WriteFile(
		filepath.Join(cgroupRoot, "container-1", "cgroup.procs"),
		[]byte("101\n102\n"), 0o644))

	mux := http.NewServeMux()
	mux.HandleFunc("/state", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"frameworks": []map[string]any{{
				"executors": []map[string]any{{
					"id":     "executor-1",
					"source": "web-frontend.7",
					"tasks": []map[string]any{{
						"name":        "web-frontend",
						"executor_id": "executor-1",
					}},
				}},
			}},
		})
	})
	mux.HandleFunc("/containers", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]any{{
			"container_id": "container-1",
			"executor_id":  "executor-1",
			"source":       "web-frontend.7",
		}})
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	c := &Container{
		log: zaptest.NewLogger(t),
		cfg: config.Container{
			StateURL:      server.URL + "/state",
			ContainersURL: server.URL + "/containers",
			CgroupRoot:    cgroupRoot,
		},
		client: server.Client(),
	}
	snap, err := c.fetch(context.Background())
	require.NoError(t, err)
	c.snapshot.Store(snap)

	sample := &pipeline.Sample{PID: 101}
	c.Annotate(context.Background(), sample)
	require.NotNil(t, sample.Container)
	assert.Equal(t, "web-frontend", sample.Container.Service)
	require.NotNil(t, sample.Container.Instance)
	assert.Equal(t, uint32(7), *sample.Container.Instance)
	assert.Equal(t, "container-1", sample.Container.ContainerID)

	// pid absent from the snapshot stays unannotated, with no error
	unknown := &pipeline.Sample{PID: 999}
	c.Annotate(context.Background(), unknown)
	assert.Nil(t, unknown.Container)
}

func TestSnapshotSwapAtomicity(t *testing.T) {
	c := &Container{log: zaptest.NewLogger(t)}
	old := &containerSnapshot{byPID: map[uint32]pipeline.ContainerInfo{
		1: {ContainerID: "old"},
	}}
	c.snapshot.Store(old)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 1000; i++ {
			c.snapshot.Store(&containerSnapshot{byPID: map[uint32]pipeline.ContainerInfo{
				1: {ContainerID: "new"},
			}})
		}
	}()

	// readers observe either snapshot in its entirety, never a torn map
	for i := 0; i < 1000; i++ {
		snap := c.snapshot.Load()
		info, ok := snap.byPID[1]
		require.True(t, ok)
		assert.Contains(t, []string{"old", "new"}, info.ContainerID)
	}
	<-done
}

func TestSliceFromCgroupPath(t *testing.T) {
	assert.Equal(t, "system.slice", sliceFromCgroupPath("/system.slice/ssh.service"))
	assert.Equal(t, "user-1000.slice", sliceFromCgroupPath("/user.slice/user-1000.slice/session-1.scope"))
	assert.Equal(t, "", sliceFromCgroupPath("/docker/abcdef"))
}
