package annotate

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	sddbus "github.com/coreos/go-systemd/v22/dbus"

	"github.com/perfwatch/perfwatch/internal/pipeline"
)

// Systemd resolves the process' systemd unit via the system bus and its
// slice from the cgroup hierarchy.
type Systemd struct {
	conn     *sddbus.Conn
	procRoot string
}

// NewSystemd connects to the system bus.
func NewSystemd(ctx context.Context) (*Systemd, error) {
	conn, err := sddbus.NewSystemConnectionContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("connect to systemd: %w", err)
	}
	return &Systemd{conn: conn, procRoot: "/proc"}, nil
}

func (s *Systemd) Name() string { return "systemd" }

// Close releases the bus connection.
func (s *Systemd) Close() {
	if s.conn != nil {
		s.conn.Close()
	}
}

func (s *Systemd) Annotate(ctx context.Context, sample *pipeline.Sample) {
	// pid 0 stands for kernel-idle threads when profiling; resolving it
	// would attribute all idle samples to this agent's own unit
	if sample.PID == 0 {
		return
	}

	info := sample.Systemd
	if info == nil {
		info = &pipeline.SystemdInfo{}
	}

	if unit, err := s.conn.GetUnitNameByPID(ctx, sample.PID); err == nil {
		info.Unit = unit
	}
	if slice := s.sliceOf(sample.PID); slice != "" {
		info.Slice = slice
	}

	if info.Unit != "" || info.Slice != "" {
		sample.Systemd = info
	}
}

// sliceOf extracts the innermost ".slice" component from the process'
// cgroup path.
func (s *Systemd) sliceOf(pid uint32) string {
	f, err := os.Open(filepath.Join(s.procRoot, fmt.Sprintf("%d", pid), "cgroup"))
	if err != nil {
		return ""
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		// hierarchy-ID:controller-list:cgroup-path
		parts := strings.SplitN(scanner.Text(), ":", 3)
		if len(parts) != 3 {
			continue
		}
		if slice := sliceFromCgroupPath(parts[2]); slice != "" {
			return slice
		}
	}
	return ""
}

func sliceFromCgroupPath(path string) string {
	var slice string
	for _, part := range strings.Split(path, "/") {
		if strings.HasSuffix(part, ".slice") {
			slice = part
		}
	}
	return slice
}
