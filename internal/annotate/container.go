package annotate

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/perfwatch/perfwatch/internal/config"
	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// containerSnapshot maps pids to container context. Immutable once
// published; readers swap-load it and never block the refresher.
type containerSnapshot struct {
	byPID map[uint32]pipeline.ContainerInfo
}

// Container resolves orchestrator container identity for sampled pids.
// A background loop polls the orchestration agent's local state and
// containers endpoints, maps container ids to pids through the CPU
// cgroup, and publishes an immutable snapshot.
type Container struct {
	log    *zap.Logger
	cfg    config.Container
	client *http.Client

	snapshot atomic.Pointer[containerSnapshot]

	cancel context.CancelFunc
	done   chan struct{}
}

// NewContainer builds the annotator and starts the refresh loop.
func NewContainer(cfg config.Container, log *zap.Logger) *Container {
	c := &Container{
		log:    log,
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		done:   make(chan struct{}),
	}
	c.snapshot.Store(&containerSnapshot{byPID: map[uint32]pipeline.ContainerInfo{}})

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.refreshLoop(ctx)
	return c
}

func (c *Container) Name() string { return "container" }

// Close stops the refresh loop.
func (c *Container) Close() {
	c.cancel()
	<-c.done
}

func (c *Container) Annotate(ctx context.Context, sample *pipeline.Sample) {
	snap := c.snapshot.Load()
	if info, ok := snap.byPID[sample.PID]; ok {
		copied := info
		sample.Container = &copied
	}
}

// refreshBackoff builds the retry policy for snapshot refreshes: floor
// 60 s, doubling per failure, ceiling one hour, never giving up.
func refreshBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 60 * time.Second
	b.Multiplier = 2
	b.MaxInterval = time.Hour
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func (c *Container) refreshLoop(ctx context.Context) {
	defer close(c.done)

	policy := refreshBackoff()
	for {
		wait := policy.InitialInterval
		if snap, err := c.fetch(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("unable to refresh container state", zap.Error(err))
			wait = policy.NextBackOff()
		} else {
			c.snapshot.Store(snap)
			policy.Reset()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// executorState mirrors the agent's state endpoint.
type executorState struct {
	Frameworks []struct {
		Executors []struct {
			ID     string `json:"id"`
			Source string `json:"source"`
			Tasks  []struct {
				Name       string `json:"name"`
				ExecutorID string `json:"executor_id"`
			} `json:"tasks"`
		} `json:"executors"`
	} `json:"frameworks"`
}

// containerRecord mirrors one entry of the containers endpoint.
type containerRecord struct {
	ContainerID string `json:"container_id"`
	ExecutorID  string `json:"executor_id"`
	Source      string `json:"source"`
}

func (c *Container) fetch(ctx context.Context) (*containerSnapshot, error) {
	var state executorState
	if err := c.getJSON(ctx, c.cfg.StateURL, &state); err != nil {
		return nil, fmt.Errorf("fetch state: %w", err)
	}
	var containers []containerRecord
	if err := c.getJSON(ctx, c.cfg.ContainersURL, &containers); err != nil {
		return nil, fmt.Errorf("fetch containers: %w", err)
	}

	// executor id -> (service, instance), instance parsed from the
	// textual source identifier
	type serviceInstance struct {
		service  string
		instance uint32
	}
	lookups := make(map[string]serviceInstance)
	for _, framework := range state.Frameworks {
		for _, executor := range framework.Executors {
			for _, task := range executor.Tasks {
				service, instance, ok := parseSource(executor.Source, task.Name)
				if !ok {
					c.log.Warn("unable to parse instance id", zap.String("source", executor.Source))
					continue
				}
				lookups[task.ExecutorID] = serviceInstance{service: service, instance: instance}
			}
		}
	}

	byPID := make(map[uint32]pipeline.ContainerInfo)
	for _, record := range containers {
		pids, err := c.cgroupPIDs(record.ContainerID)
		if err != nil {
			c.log.Warn("unable to read cgroup pids",
				zap.String("container", record.ContainerID), zap.Error(err))
			continue
		}
		info := pipeline.ContainerInfo{
			Source:      record.Source,
			ContainerID: record.ContainerID,
		}
		if si, ok := lookups[record.ExecutorID]; ok {
			info.Service = si.service
			instance := si.instance
			info.Instance = &instance
		}
		for _, pid := range pids {
			byPID[pid] = info
		}
	}

	return &containerSnapshot{byPID: byPID}, nil
}

func (c *Container) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", url, resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// cgroupPIDs reads the CPU cgroup's procs file for one container.
func (c *Container) cgroupPIDs(containerID string) ([]uint32, error) {
	path := filepath.Join(c.cfg.CgroupRoot, containerID, "cgroup.procs")
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var pids []uint32
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		pid, err := strconv.ParseUint(strings.TrimSpace(scanner.Text()), 10, 32)
		if err != nil {
			continue
		}
		pids = append(pids, uint32(pid))
	}
	return pids, scanner.Err()
}

// parseSource splits an executor source of the form "<task-name>.<id>"
// into the service name and instance id. The state has no explicit
// instance field, so it is recovered from the source's tail.
func parseSource(source, taskName string) (string, uint32, bool) {
	if len(source) <= len(taskName)+1 {
		return "", 0, false
	}
	instance, err := strconv.ParseUint(source[len(taskName)+1:], 10, 32)
	if err != nil {
		return "", 0, false
	}
	return taskName, uint32(instance), true
}
