package ebpf

import (
	"os"
	"strconv"
	"strings"
)

// Support describes the host's BPF capabilities. Samplers consult it
// before loading their BPF arm so unsupported hosts degrade to the
// procfs paths instead of erroring every tick.
type Support struct {
	BTFAvailable  bool
	KernelVersion string
	Major, Minor  int
}

// Detect probes BTF availability and the kernel version.
func Detect() Support {
	s := Support{KernelVersion: readKernelVersion()}
	s.Major, s.Minor = parseKernelVersion(s.KernelVersion)
	if _, err := os.Stat("/sys/kernel/btf/vmlinux"); err == nil {
		s.BTFAvailable = true
	}
	return s
}

// Usable reports whether loading CO-RE BPF objects is expected to work:
// BTF present and kernel 5.8 or newer.
func (s Support) Usable() bool {
	if !s.BTFAvailable {
		return false
	}
	return s.Major > 5 || (s.Major == 5 && s.Minor >= 8)
}

func readKernelVersion() string {
	data, err := os.ReadFile("/proc/sys/kernel/osrelease")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func parseKernelVersion(version string) (int, int) {
	parts := strings.SplitN(version, ".", 3)
	if len(parts) < 2 {
		return 0, 0
	}
	major, _ := strconv.Atoi(parts[0])
	// minor may carry a suffix, e.g. "8-generic"
	minor := parts[1]
	if idx := strings.IndexAny(minor, "-+~"); idx >= 0 {
		minor = minor[:idx]
	}
	m, _ := strconv.Atoi(minor)
	return major, m
}
