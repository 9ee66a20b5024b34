package ebpf

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// Event identifies a perf event to drive a BPF program or accumulate a
// counter.
type Event struct {
	Type   uint32
	Config uint64
}

// Hardware counter events.
var (
	BranchInstructions = Event{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_INSTRUCTIONS}
	BranchMisses       = Event{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_BRANCH_MISSES}
	CacheReferences    = Event{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_REFERENCES}
	CacheMisses        = Event{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CACHE_MISSES}
	Cycles             = Event{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_CPU_CYCLES}
	Instructions       = Event{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_INSTRUCTIONS}
	ReferenceCycles    = Event{unix.PERF_TYPE_HARDWARE, unix.PERF_COUNT_HW_REF_CPU_CYCLES}
)

// Software events.
var (
	CPUClock = Event{unix.PERF_TYPE_SOFTWARE, unix.PERF_COUNT_SW_CPU_CLOCK}
)

// cacheEvent composes a PERF_TYPE_HW_CACHE config.
func cacheEvent(cache, op, result uint64) Event {
	return Event{unix.PERF_TYPE_HW_CACHE, cache | op<<8 | result<<16}
}

// Data TLB cache events.
var (
	DtlbLoadAccess  = cacheEvent(unix.PERF_COUNT_HW_CACHE_DTLB, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)
	DtlbLoadMiss    = cacheEvent(unix.PERF_COUNT_HW_CACHE_DTLB, unix.PERF_COUNT_HW_CACHE_OP_READ, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)
	DtlbStoreAccess = cacheEvent(unix.PERF_COUNT_HW_CACHE_DTLB, unix.PERF_COUNT_HW_CACHE_OP_WRITE, unix.PERF_COUNT_HW_CACHE_RESULT_ACCESS)
	DtlbStoreMiss   = cacheEvent(unix.PERF_COUNT_HW_CACHE_DTLB, unix.PERF_COUNT_HW_CACHE_OP_WRITE, unix.PERF_COUNT_HW_CACHE_RESULT_MISS)
)

type perfEventLink struct {
	fds []int
}

func (l *perfEventLink) Close() error {
	for _, fd := range l.fds {
		unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_DISABLE, 0)
		unix.Close(fd)
	}
	l.fds = nil
	return nil
}

// AttachPerfEvent opens the event on every CPU and attaches the named
// program to it. A nonzero frequency makes the event clock-driven at
// that rate; zero means a plain counting event.
func (p *Program) AttachPerfEvent(event Event, frequency uint64, progName string) error {
	prog, err := p.prog(progName)
	if err != nil {
		return err
	}

	attr := unix.PerfEventAttr{
		Type:   event.Type,
		Config: event.Config,
		Size:   uint32(unix.PERF_ATTR_SIZE_VER5),
	}
	if frequency > 0 {
		attr.Bits = unix.PerfBitFreq
		attr.Sample = frequency
	}

	l := &perfEventLink{}
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			l.Close()
			return fmt.Errorf("perf_event_open cpu %d: %w", cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_SET_BPF, prog.FD()); err != nil {
			unix.Close(fd)
			l.Close()
			return fmt.Errorf("attach bpf to perf event cpu %d: %w", cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			unix.Close(fd)
			l.Close()
			return fmt.Errorf("enable perf event cpu %d: %w", cpu, err)
		}
		l.fds = append(l.fds, fd)
	}
	p.links = append(p.links, l)
	return nil
}

// OpenPerfCounterArray opens the event as a plain counter on every CPU
// and stores the descriptors into the named PERF_EVENT_ARRAY map, so a
// clock-driven program can read the counters into per-CPU tables.
func (p *Program) OpenPerfCounterArray(event Event, mapName string) error {
	m, err := p.Map(mapName)
	if err != nil {
		return err
	}

	attr := unix.PerfEventAttr{
		Type:   event.Type,
		Config: event.Config,
		Size:   uint32(unix.PERF_ATTR_SIZE_VER5),
	}

	l := &perfEventLink{}
	for cpu := 0; cpu < runtime.NumCPU(); cpu++ {
		fd, err := unix.PerfEventOpen(&attr, -1, cpu, -1, unix.PERF_FLAG_FD_CLOEXEC)
		if err != nil {
			l.Close()
			return fmt.Errorf("perf_event_open cpu %d: %w", cpu, err)
		}
		if err := m.Put(uint32(cpu), uint32(fd)); err != nil {
			unix.Close(fd)
			l.Close()
			return fmt.Errorf("store perf fd for cpu %d: %w", cpu, err)
		}
		if err := unix.IoctlSetInt(fd, unix.PERF_EVENT_IOC_ENABLE, 0); err != nil {
			unix.Close(fd)
			l.Close()
			return fmt.Errorf("enable perf event cpu %d: %w", cpu, err)
		}
		l.fds = append(l.fds, fd)
	}
	p.links = append(p.links, l)
	return nil
}

// SampleFrequency derives the clock-event frequency from a sampler
// interval: once per second for long intervals, otherwise enough to land
// one tick per interval.
func SampleFrequency(intervalMS uint64) uint64 {
	if intervalMS == 0 || intervalMS > 1000 {
		return 1
	}
	return 1000 / intervalMS
}
