// Package ebpf wraps loading BPF programs, attaching probes, and reading
// BPF maps into registry updates. Every attached probe is detached and
// every loaded collection is closed when the owning Program is closed,
// including on error paths.
package ebpf

import (
	"fmt"
	"io"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
)

// Program owns one loaded BPF collection and its attached probes.
type Program struct {
	coll  *ebpf.Collection
	links []io.Closer
}

// Load reads a compiled BPF object from path and loads it into the
// kernel.
func Load(path string) (*Program, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("remove memlock limit: %w", err)
	}

	spec, err := ebpf.LoadCollectionSpec(path)
	if err != nil {
		return nil, fmt.Errorf("load spec %s: %w", path, err)
	}
	coll, err := ebpf.NewCollection(spec)
	if err != nil {
		return nil, fmt.Errorf("load collection %s: %w", path, err)
	}
	return &Program{coll: coll}, nil
}

// Close detaches every probe and unloads the collection.
func (p *Program) Close() error {
	for _, l := range p.links {
		l.Close()
	}
	p.links = nil
	if p.coll != nil {
		p.coll.Close()
		p.coll = nil
	}
	return nil
}

func (p *Program) prog(name string) (*ebpf.Program, error) {
	prog, ok := p.coll.Programs[name]
	if !ok {
		return nil, fmt.Errorf("program %q not found in collection", name)
	}
	return prog, nil
}

// Map returns a named map from the collection.
func (p *Program) Map(name string) (*ebpf.Map, error) {
	m, ok := p.coll.Maps[name]
	if !ok {
		return nil, fmt.Errorf("map %q not found in collection", name)
	}
	return m, nil
}

// AttachKprobe attaches the named program to a kernel function entry.
func (p *Program) AttachKprobe(symbol, progName string) error {
	prog, err := p.prog(progName)
	if err != nil {
		return err
	}
	l, err := link.Kprobe(symbol, prog, nil)
	if err != nil {
		return fmt.Errorf("attach kprobe %s: %w", symbol, err)
	}
	p.links = append(p.links, l)
	return nil
}

// AttachKretprobe attaches the named program to a kernel function return.
func (p *Program) AttachKretprobe(symbol, progName string) error {
	prog, err := p.prog(progName)
	if err != nil {
		return err
	}
	l, err := link.Kretprobe(symbol, prog, nil)
	if err != nil {
		return fmt.Errorf("attach kretprobe %s: %w", symbol, err)
	}
	p.links = append(p.links, l)
	return nil
}

// AttachUprobe attaches the named program to a user-space symbol entry in
// the binary or library at binPath.
func (p *Program) AttachUprobe(binPath, symbol, progName string) error {
	prog, err := p.prog(progName)
	if err != nil {
		return err
	}
	ex, err := link.OpenExecutable(binPath)
	if err != nil {
		return fmt.Errorf("open executable %s: %w", binPath, err)
	}
	l, err := ex.Uprobe(symbol, prog, nil)
	if err != nil {
		return fmt.Errorf("attach uprobe %s:%s: %w", binPath, symbol, err)
	}
	p.links = append(p.links, l)
	return nil
}

// AttachUretprobe attaches the named program to a user-space symbol
// return site.
func (p *Program) AttachUretprobe(binPath, symbol, progName string) error {
	prog, err := p.prog(progName)
	if err != nil {
		return err
	}
	ex, err := link.OpenExecutable(binPath)
	if err != nil {
		return fmt.Errorf("open executable %s: %w", binPath, err)
	}
	l, err := ex.Uretprobe(symbol, prog, nil)
	if err != nil {
		return fmt.Errorf("attach uretprobe %s:%s: %w", binPath, symbol, err)
	}
	p.links = append(p.links, l)
	return nil
}

// AttachTracepoint attaches the named program to subsystem:event.
func (p *Program) AttachTracepoint(subsystem, event, progName string) error {
	prog, err := p.prog(progName)
	if err != nil {
		return err
	}
	l, err := link.Tracepoint(subsystem, event, prog, nil)
	if err != nil {
		return fmt.Errorf("attach tracepoint %s:%s: %w", subsystem, event, err)
	}
	p.links = append(p.links, l)
	return nil
}
