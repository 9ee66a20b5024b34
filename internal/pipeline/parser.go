package pipeline

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// perfEvent mirrors one JSON line of the script formatter's output.
type perfEvent struct {
	Sample struct {
		PID  uint32 `json:"pid"`
		TID  uint32 `json:"tid"`
		CPU  uint32 `json:"cpu"`
		Time uint64 `json:"time"` // nanoseconds on the profiler's clock
	} `json:"sample"`
	Comm      string      `json:"comm"`
	Callchain []perfFrame `json:"callchain"`
}

type perfFrame struct {
	IP  uint64 `json:"ip"`
	Sym *struct {
		Start uint64  `json:"start"`
		Name  *string `json:"name"`
	} `json:"sym"`
	Dso *string `json:"dso"`
}

// parseLine decodes one formatter line into a Sample. clockOffset shifts
// the profiler's monotonic timestamp to approximate wall clock; weight
// is the per-sample duration derived from the sampling frequency.
func parseLine(line []byte, clockOffset uint64, weight uint64) (*Sample, error) {
	var event perfEvent
	if err := json.Unmarshal(line, &event); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			return nil, fmt.Errorf("decoding field %q: %w", typeErr.Field, err)
		}
		return nil, fmt.Errorf("decoding sample: %w", err)
	}

	ns := event.Sample.Time + clockOffset
	sample := &Sample{
		PID:        event.Sample.PID,
		TID:        event.Sample.TID,
		CPU:        event.Sample.CPU,
		Time:       time.Unix(int64(ns/uint64(time.Second)), int64(ns%uint64(time.Second))),
		Weight:     weight,
		ThreadName: event.Comm,
		Frames:     make([]Frame, 0, len(event.Callchain)),
	}

	// perf script emits the callchain leaf first; preserve that order
	for _, pf := range event.Callchain {
		frame := Frame{IP: pf.IP}

		if pf.Sym != nil {
			info := &SymbolInfo{Base: pf.Sym.Start}
			if pf.Sym.Name != nil {
				info.Mangled = *pf.Sym.Name
				info.Demangled = *pf.Sym.Name
			}
			frame.Symbol = info
		}

		mmap := &MmapInfo{}
		switch {
		case pf.Dso == nil:
			mmap.Kind = DsoAnonymous
		case *pf.Dso == "[kernel.kallsyms]":
			mmap.Kind = DsoKernel
		case *pf.Dso == "[vdso]":
			mmap.Kind = DsoVdso
		default:
			mmap.Kind = DsoFile
			mmap.Path = *pf.Dso
		}
		frame.Mmap = mmap

		sample.Frames = append(sample.Frames, frame)
	}

	return sample, nil
}
