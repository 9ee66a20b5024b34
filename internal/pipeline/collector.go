package pipeline

import (
	"bufio"
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/perfwatch/perfwatch/internal/config"
)

//go:embed perf-script.py
var scriptSource []byte

const scriptName = "perf-script.py"

// perfMapSandboxGlob locates profiler map files written inside container
// sandboxes so they can be mirrored where perf script looks for them.
const perfMapSandboxGlob = "/var/lib/mesos/slaves/*/frameworks/*/executors/*/runs/*/sandbox/perf-*.map"

// Collector spawns the external sampling profiler and turns its output
// rotations into Samples. Rotations are detected with an inotify
// CLOSE_WRITE watch on the working directory; each rotation is fed
// through the script formatter, parsed line by line, and removed.
type Collector struct {
	log    *zap.Logger
	cfg    config.ProfilerGeneral
	weight uint64

	workdir string
	perf    *exec.Cmd

	inotify  int
	dirWD    int
	scriptWD int

	// offset from the profiler's monotonic-raw clock to wall clock,
	// computed once at start
	clockOffset uint64

	queue []*Sample
}

// NewCollector starts perf record and the directory watch.
func NewCollector(cfg config.ProfilerGeneral, log *zap.Logger) (*Collector, error) {
	if cfg.Frequency == 0 || cfg.Frequency > 100 {
		return nil, fmt.Errorf("sampling frequency %d outside the (0, 100] Hz range", cfg.Frequency)
	}

	workdir, err := os.MkdirTemp("", "perfwatch")
	if err != nil {
		return nil, fmt.Errorf("create working directory: %w", err)
	}

	c := &Collector{
		log:         log,
		cfg:         cfg,
		weight:      uint64(time.Second) / uint64(cfg.Frequency),
		workdir:     workdir,
		inotify:     -1,
		scriptWD:    -1,
		clockOffset: clockOffset(),
	}

	c.inotify, err = unix.InotifyInit1(unix.IN_CLOEXEC)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("inotify init: %w", err)
	}
	c.dirWD, err = unix.InotifyAddWatch(c.inotify, workdir, unix.IN_CLOSE_WRITE)
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("watch %s: %w", workdir, err)
	}

	if err := c.writeScript(); err != nil {
		c.Close()
		return nil, err
	}

	perf := exec.Command("perf",
		"record",
		"--quiet",
		"--all-cpus",
		"-g",
		"--timestamp",
		"--clockid", "CLOCK_MONOTONIC_RAW",
		"--sample-cpu",
		"--period",
		fmt.Sprintf("--switch-output=%ds", cfg.PeriodS),
		"-F", fmt.Sprintf("%d", cfg.Frequency),
		"-o", filepath.Join(workdir, "sample"),
	)
	if err := perf.Start(); err != nil {
		c.Close()
		return nil, fmt.Errorf("spawn perf record: %w", err)
	}
	c.perf = perf

	return c, nil
}

// writeScript extracts the embedded formatter helper and re-arms the
// delete-self watch on it. The CLOSE_WRITE event generated by writing
// the helper is filtered by name when reading events.
func (c *Collector) writeScript() error {
	path := filepath.Join(c.workdir, scriptName)
	if err := os.WriteFile(path, scriptSource, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", scriptName, err)
	}
	wd, err := unix.InotifyAddWatch(c.inotify, path, unix.IN_DELETE_SELF)
	if err != nil {
		return fmt.Errorf("watch %s: %w", scriptName, err)
	}
	c.scriptWD = wd
	return nil
}

// Next returns the next parsed sample, blocking until the profiler
// rotates another file.
func (c *Collector) Next(ctx context.Context) (*Sample, error) {
	for {
		if len(c.queue) > 0 {
			s := c.queue[0]
			c.queue = c.queue[1:]
			return s, nil
		}
		batch, err := c.nextBatch(ctx)
		if err != nil {
			return nil, err
		}
		c.queue = batch
	}
}

// nextBatch reads inotify events, processing every event of each read,
// until a read yields samples.
func (c *Collector) nextBatch(ctx context.Context) ([]*Sample, error) {
	buf := make([]byte, 4096)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		n, err := unix.Read(c.inotify, buf)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return nil, fmt.Errorf("read inotify: %w", err)
		}

		var samples []*Sample
		for offset := 0; offset < n; {
			event := (*unix.InotifyEvent)(unsafe.Pointer(&buf[offset]))
			name := ""
			if event.Len > 0 {
				raw := buf[offset+unix.SizeofInotifyEvent : offset+unix.SizeofInotifyEvent+int(event.Len)]
				name = string(bytes.TrimRight(raw, "\x00"))
			}
			offset += unix.SizeofInotifyEvent + int(event.Len)

			if int(event.Wd) == c.scriptWD && event.Mask&unix.IN_DELETE_SELF != 0 {
				// the helper was replaced out from under us
				if err := c.writeScript(); err != nil {
					return nil, err
				}
				continue
			}
			if name == "" || name == scriptName {
				continue
			}

			file := filepath.Join(c.workdir, name)
			batch, err := c.processRotation(ctx, file)
			if removeErr := os.Remove(file); removeErr != nil {
				c.log.Error("unable to remove rotation", zap.String("file", file), zap.Error(removeErr))
			}
			if err != nil {
				c.log.Error("failed to parse rotation", zap.String("file", file), zap.Error(err))
				continue
			}
			samples = append(samples, batch...)
		}
		if len(samples) > 0 {
			return samples, nil
		}
	}
}

// processRotation runs the script formatter over one perf.data file and
// parses its output.
func (c *Collector) processRotation(ctx context.Context, file string) ([]*Sample, error) {
	if err := c.symlinkPerfMaps(); err != nil {
		c.log.Error("unable to mirror perf map files", zap.Error(err))
	}

	cmd := exec.CommandContext(ctx, "perf",
		"script",
		"--input", file,
		"--script", filepath.Join(c.workdir, scriptName),
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("pipe perf script: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn perf script: %w", err)
	}
	scriptRuns.Inc()

	var samples []*Sample
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 1024*1024), 16*1024*1024)
	var parseErr error
	for scanner.Scan() {
		sample, err := parseLine(scanner.Bytes(), c.clockOffset, c.weight)
		if err != nil {
			parseErr = err
			break
		}
		samples = append(samples, sample)
	}

	waitErr := cmd.Wait()
	if parseErr != nil {
		scriptFailures.Inc()
		return nil, parseErr
	}
	if err := scanner.Err(); err != nil {
		scriptFailures.Inc()
		return nil, fmt.Errorf("read perf script output: %w", err)
	}
	if waitErr != nil {
		scriptFailures.Inc()
		c.log.Warn("perf script exited with an error", zap.Error(waitErr))
	} else {
		scriptSuccesses.Inc()
	}
	samplesCollected.Add(float64(len(samples)))
	return samples, nil
}

// symlinkPerfMaps mirrors profiler map files from container sandboxes
// into /tmp and prunes symlinks whose targets are gone.
func (c *Collector) symlinkPerfMaps() error {
	existing, err := filepath.Glob("/tmp/perf-*.map")
	if err != nil {
		return err
	}
	for _, path := range existing {
		if broken, err := isBrokenSymlink(path); err == nil && broken {
			_ = os.Remove(path)
		}
	}

	found, err := filepath.Glob(perfMapSandboxGlob)
	if err != nil {
		return err
	}
	for _, path := range found {
		target := filepath.Join("/tmp", filepath.Base(path))
		if _, err := os.Lstat(target); err == nil {
			continue
		}
		if err := os.Symlink(path, target); err != nil {
			c.log.Warn("unable to symlink perf map",
				zap.String("from", path), zap.String("to", target), zap.Error(err))
		}
	}
	return nil
}

func isBrokenSymlink(path string) (bool, error) {
	info, err := os.Lstat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	if info.Mode()&os.ModeSymlink == 0 {
		return false, nil
	}
	_, err = os.Stat(path)
	return os.IsNotExist(err), nil
}

// Close interrupts the profiler child so it flushes its final rotation,
// then tears the watches and working directory down.
func (c *Collector) Close() error {
	if c.perf != nil && c.perf.Process != nil {
		// SIGINT, not SIGKILL: perf flushes its output on interrupt
		_ = c.perf.Process.Signal(syscall.SIGINT)
		_ = c.perf.Wait()
		c.perf = nil
	}
	if c.inotify >= 0 {
		unix.Close(c.inotify)
		c.inotify = -1
	}
	if c.workdir != "" {
		os.RemoveAll(c.workdir)
		c.workdir = ""
	}
	return nil
}

// clockOffset approximates the difference between wall clock and the
// profiler's monotonic-raw clock in nanoseconds. There is no exact
// answer; this is close enough to place samples in time.
func clockOffset() uint64 {
	var realtime, monotonic unix.Timespec
	_ = unix.ClockGettime(unix.CLOCK_REALTIME, &realtime)
	_ = unix.ClockGettime(unix.CLOCK_MONOTONIC_RAW, &monotonic)
	return uint64(realtime.Nano()) - uint64(monotonic.Nano())
}
